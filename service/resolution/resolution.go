// Package resolution computes auction outcomes with the second-price rule. Resolve is a pure
// function of its inputs: the same commitments and configuration always give the same
// winner, price and tie-break trace, whatever order the commitments come in.
package resolution

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/textileio/sealbid/lib/auction"
)

const (
	reasonInvalidAmount = "invalid amount"
	reasonBelowReserve  = "below reserve price"
)

type candidate struct {
	c      auction.Commitment
	amount decimal.Decimal
}

// Resolve computes the resolution of an auction from its revealed commitments.
func Resolve(id auction.ID, conf auction.Config, commitments []auction.Commitment, at time.Time) auction.Resolution {
	sorted := make([]auction.Commitment, len(commitments))
	copy(sorted, commitments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Participant < sorted[j].Participant })

	if conf.ValueKind == auction.ValuePayload {
		return resolvePayload(id, conf, sorted, at)
	}
	return resolveMonetary(id, conf, sorted, at)
}

func resolveMonetary(id auction.ID, conf auction.Config, sorted []auction.Commitment, at time.Time) auction.Resolution {
	var (
		qualified    []candidate
		disqualified []auction.RevealedBid
	)
	for _, c := range sorted {
		amount, err := auction.ParseAmount(c.Value)
		if err != nil {
			disqualified = append(disqualified, reveal(c, nil, reasonInvalidAmount))
			continue
		}
		if conf.ReservePrice != nil && amount.LessThan(*conf.ReservePrice) {
			disqualified = append(disqualified, reveal(c, &amount, reasonBelowReserve))
			continue
		}
		qualified = append(qualified, candidate{c: c, amount: amount})
	}

	less := tieBreakLess(conf.TieBreak)
	sort.SliceStable(qualified, func(i, j int) bool {
		if cmp := qualified[i].amount.Cmp(qualified[j].amount); cmp != 0 {
			return cmp > 0
		}
		return less(qualified[i].c, qualified[j].c)
	})

	r := auction.Resolution{
		AuctionID:  id,
		ResolvedAt: at,
	}
	for _, q := range qualified {
		amount := q.amount
		r.Bids = append(r.Bids, reveal(q.c, &amount, ""))
	}
	r.Bids = append(r.Bids, disqualified...)

	if len(qualified) < conf.MinParticipants || len(qualified) == 0 {
		r.Outcome = auction.StateFailed
		r.FailureReason = auction.ReasonInsufficientParticipants
		return r
	}

	r.Outcome = auction.StateResolved
	r.Winner = qualified[0].c.Participant

	var price decimal.Decimal
	switch {
	case len(qualified) > 1:
		price = qualified[1].amount
	case conf.ReservePrice != nil:
		price = *conf.ReservePrice
	default:
		price = decimal.Zero
	}
	r.ClearingPrice = &price

	if len(qualified) > 1 && qualified[1].amount.Equal(qualified[0].amount) {
		trace := &auction.TieBreakTrace{
			Policy: conf.TieBreak,
			Winner: r.Winner,
		}
		for _, q := range qualified {
			if !q.amount.Equal(qualified[0].amount) {
				break
			}
			trace.Candidates = append(trace.Candidates, q.c.Participant)
		}
		r.TieBreak = trace
	}
	return r
}

func resolvePayload(id auction.ID, conf auction.Config, sorted []auction.Commitment, at time.Time) auction.Resolution {
	r := auction.Resolution{
		AuctionID:  id,
		Outcome:    auction.StateResolved,
		ResolvedAt: at,
	}
	for _, c := range sorted {
		r.Bids = append(r.Bids, reveal(c, nil, ""))
	}
	if len(sorted) < conf.MinParticipants || len(sorted) == 0 {
		r.Outcome = auction.StateFailed
		r.FailureReason = auction.ReasonInsufficientParticipants
	}
	return r
}

// tieBreakLess orders commitments with equal amounts. Both policies end with the participant
// id so the order is total.
func tieBreakLess(policy auction.TieBreak) func(a, b auction.Commitment) bool {
	if policy == auction.TieBreakEarliestSubmission {
		return func(a, b auction.Commitment) bool {
			if !a.SubmittedAt.Equal(b.SubmittedAt) {
				return a.SubmittedAt.Before(b.SubmittedAt)
			}
			return a.Participant < b.Participant
		}
	}
	return func(a, b auction.Commitment) bool {
		return a.Participant < b.Participant
	}
}

func reveal(c auction.Commitment, amount *decimal.Decimal, reason string) auction.RevealedBid {
	return auction.RevealedBid{
		Participant: c.Participant,
		Value:       append([]byte(nil), c.Value...),
		Amount:      amount,
		SubmittedAt: c.SubmittedAt,
		Qualified:   reason == "",
		Reason:      reason,
	}
}
