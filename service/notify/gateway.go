// Package notify delivers auction lifecycle events to the chat transport.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/sealbid/lib/auction"
)

var log = golog.Logger("sealbid/notify")

// Gateway delivers one event. Implementations must honor ctx deadlines. Receivers may see an
// event more than once and should drop duplicates by event id.
type Gateway interface {
	Deliver(ctx context.Context, ev auction.Event) error
}

// GatewayFunc adapts a function to a Gateway.
type GatewayFunc func(ctx context.Context, ev auction.Event) error

// Deliver implements Gateway.
func (f GatewayFunc) Deliver(ctx context.Context, ev auction.Event) error {
	return f(ctx, ev)
}

// LogGateway writes events to the log. It is used when no transport is configured.
type LogGateway struct{}

// Deliver implements Gateway.
func (LogGateway) Deliver(_ context.Context, ev auction.Event) error {
	log.Infof("[%s] %s", ev.ChannelID, Text(ev))
	return nil
}

// Multi delivers to every gateway. It fails if any gateway fails.
type Multi []Gateway

// Deliver implements Gateway.
func (m Multi) Deliver(ctx context.Context, ev auction.Event) error {
	var result *multierror.Error
	for _, g := range m {
		if err := g.Deliver(ctx, ev); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Text renders an event as a chat message.
func Text(ev auction.Event) string {
	switch ev.Type {
	case auction.EventOpened:
		msg := fmt.Sprintf("<@%s> started auction %s. Submit your sealed bid", ev.CreatorID, ev.AuctionID)
		if ev.ListedCount > 0 {
			msg += fmt.Sprintf(" (%d participants)", ev.ListedCount)
		}
		if !ev.Deadline.IsZero() {
			msg += fmt.Sprintf("; it closes %s", humanize.RelTime(ev.Deadline, ev.At, "ago", "from now"))
		}
		return msg + "."
	case auction.EventExtended:
		return fmt.Sprintf("Auction %s now closes %s.", ev.AuctionID,
			humanize.RelTime(ev.Deadline, ev.At, "ago", "from now"))
	case auction.EventClosed:
		return fmt.Sprintf("Auction %s is closed (%s) with %s. Revealing bids.",
			ev.AuctionID, closeReason(ev.Trigger), bidCount(ev.CommittedCount))
	case auction.EventCancelled:
		return fmt.Sprintf("Auction %s was cancelled by <@%s>.", ev.AuctionID, ev.CreatorID)
	case auction.EventFailed:
		return fmt.Sprintf("Auction %s failed: %s (%s).", ev.AuctionID, ev.Reason, bidCount(ev.CommittedCount))
	case auction.EventResolved:
		return resolvedText(ev)
	}
	return fmt.Sprintf("Auction %s: %s", ev.AuctionID, ev.Type)
}

func bidCount(n int) string {
	if n == 1 {
		return "1 sealed bid"
	}
	return fmt.Sprintf("%d sealed bids", n)
}

func resolvedText(ev auction.Event) string {
	var b strings.Builder
	r := ev.Resolution
	switch {
	case r == nil:
		fmt.Fprintf(&b, "Auction %s is resolved.", ev.AuctionID)
	case r.Winner != "" && r.ClearingPrice != nil:
		fmt.Fprintf(&b, "Auction %s is resolved: <@%s> wins and pays %s.",
			ev.AuctionID, r.Winner, r.ClearingPrice.String())
		if r.TieBreak != nil {
			fmt.Fprintf(&b, " Tie between %d bidders broken by %s.", len(r.TieBreak.Candidates), r.TieBreak.Policy)
		}
	default:
		fmt.Fprintf(&b, "Auction %s is resolved.", ev.AuctionID)
	}
	if r != nil && len(r.Bids) > 0 {
		b.WriteString(" Bids:")
		for _, bid := range r.Bids {
			fmt.Fprintf(&b, "\n• <@%s>: %s", bid.Participant, string(bid.Value))
			if !bid.Qualified {
				fmt.Fprintf(&b, " (%s)", bid.Reason)
			}
		}
	}
	return b.String()
}

func closeReason(t auction.Trigger) string {
	switch t {
	case auction.TriggerDeadline:
		return "time is up"
	case auction.TriggerManual:
		return "closed by its creator"
	case auction.TriggerAllCommitted:
		return "everyone has bid"
	case auction.TriggerRecovery:
		return "deadline passed while offline"
	}
	return string(t)
}

func attemptTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}
