package auction

import (
	"time"

	"github.com/shopspring/decimal"
)

// RevealedBid is one participant's committed value after the auction was sealed.
type RevealedBid struct {
	Participant ParticipantID
	Value       []byte
	// Amount is the parsed value of monetary auctions.
	Amount      *decimal.Decimal `json:",omitempty"`
	SubmittedAt time.Time
	// Qualified is false for bids that were discarded before ranking.
	Qualified bool
	// Reason explains why a bid was discarded.
	Reason string `json:",omitempty"`
}

// TieBreakTrace records how a tie for the top bid was broken.
type TieBreakTrace struct {
	Policy     TieBreak
	Candidates []ParticipantID
	Winner     ParticipantID
}

// Resolution is the durable outcome of a closed auction.
type Resolution struct {
	AuctionID ID
	// Outcome is StateResolved or StateFailed.
	Outcome       State
	FailureReason string `json:",omitempty"`
	// Winner is empty when the auction failed or carries non-monetary values.
	Winner        ParticipantID    `json:",omitempty"`
	ClearingPrice *decimal.Decimal `json:",omitempty"`
	TieBreak      *TieBreakTrace   `json:",omitempty"`
	// Bids are ordered by rank for monetary auctions, by participant otherwise.
	Bids       []RevealedBid `json:",omitempty"`
	ResolvedAt time.Time
}

// Public returns a copy of the resolution without individual bids.
func (r Resolution) Public() Resolution {
	r.Bids = nil
	return r
}

// ViewFor returns the resolution as the requester is allowed to see it according to the
// auction's visibility mode.
func (r Resolution) ViewFor(a *Auction, requester ParticipantID) Resolution {
	switch a.Config.Visibility {
	case VisibilityAll:
		return r.clone()
	case VisibilityCreator:
		if requester != "" && requester == a.CreatorID {
			return r.clone()
		}
	}
	return r.Public()
}

func (r Resolution) clone() Resolution {
	bids := make([]RevealedBid, len(r.Bids))
	for i, b := range r.Bids {
		b.Value = append([]byte(nil), b.Value...)
		bids[i] = b
	}
	r.Bids = bids
	return r
}
