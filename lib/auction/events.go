package auction

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the kind of a lifecycle event.
type EventType string

const (
	// EventOpened is emitted when an auction starts.
	EventOpened EventType = "auction.opened"
	// EventExtended is emitted when the creator moves the deadline.
	EventExtended EventType = "auction.extended"
	// EventClosed is emitted once commitments are frozen.
	EventClosed EventType = "auction.closed"
	// EventResolved is emitted with the resolution of a successful auction.
	EventResolved EventType = "auction.resolved"
	// EventFailed is emitted when an auction could not be resolved.
	EventFailed EventType = "auction.failed"
	// EventCancelled is emitted when the creator cancels an open auction.
	EventCancelled EventType = "auction.cancelled"
)

var eventNamespace = uuid.MustParse("6f1d7a3e-55b2-4b53-9f0e-3c1f3b8a2d41")

// Event is a lifecycle notification for an auction's channel. Events never carry commitment
// values of open auctions. ListedCount is the size of the participant list; CommittedCount is
// the number of participants that committed and is only set on events of closed auctions.
type Event struct {
	// ID is deterministic per auction, type and deadline so receivers can drop duplicates.
	ID             string
	Type           EventType
	AuctionID      ID
	ChannelID      ChannelID
	CreatorID      ParticipantID
	Trigger        Trigger     `json:",omitempty"`
	Deadline       time.Time   `json:",omitempty"`
	ListedCount    int         `json:",omitempty"`
	CommittedCount int         `json:",omitempty"`
	Reason         string      `json:",omitempty"`
	Resolution     *Resolution `json:",omitempty"`
	At             time.Time
}

// NewEvent builds an event of type t for auction a. The resolution, if any, must already be
// filtered for public consumption.
func NewEvent(t EventType, a *Auction, r *Resolution, at time.Time) Event {
	name := string(a.ID) + "/" + string(t)
	if t == EventExtended {
		name += "/" + a.Deadline.UTC().Format(time.RFC3339Nano)
	}
	ev := Event{
		ID:          uuid.NewSHA1(eventNamespace, []byte(name)).String(),
		Type:        t,
		AuctionID:   a.ID,
		ChannelID:   a.ChannelID,
		CreatorID:   a.CreatorID,
		Trigger:     a.CloseTrigger,
		Deadline:    a.Deadline,
		ListedCount: len(a.Participants),
		Reason:      a.FailureReason,
		Resolution:  r,
		At:          at,
	}
	if t == EventOpened || t == EventExtended || t == EventCancelled {
		ev.Trigger = ""
	}
	return ev
}

// WithCommitted returns a copy of ev carrying the number of committed participants.
func (ev Event) WithCommitted(n int) Event {
	ev.CommittedCount = n
	return ev
}

// EventForState returns the event that announces an auction reaching state s.
func EventForState(s State) (EventType, bool) {
	switch s {
	case StateOpen:
		return EventOpened, true
	case StateClosed:
		return EventClosed, true
	case StateResolved:
		return EventResolved, true
	case StateFailed:
		return EventFailed, true
	case StateCancelled:
		return EventCancelled, true
	}
	return "", false
}
