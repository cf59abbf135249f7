package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/sealbid/lib/auction"
	"github.com/textileio/sealbid/lib/dshelper"
	"github.com/textileio/sealbid/lib/logging"
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"sealbid/store": golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

func TestStore_CreateGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	a := newAuction("c1")
	rp := decimal.NewFromInt(5)
	a.Config.ReservePrice = &rp
	require.NoError(t, s.CreateAuction(ctx, a))
	assert.Equal(t, uint64(1), a.Version)

	got, err := s.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, auction.StateOpen, got.State)
	assert.Equal(t, a.Config.TieBreak, got.Config.TieBreak)
	require.NotNil(t, got.Config.ReservePrice)
	assert.True(t, rp.Equal(*got.Config.ReservePrice))
	assert.True(t, a.Deadline.Equal(got.Deadline))

	dup := *a
	dup.Version = 0
	assert.ErrorIs(t, s.CreateAuction(ctx, &dup), ErrAuctionExists)

	_, err = s.GetAuction(ctx, "missing")
	assert.ErrorIs(t, err, auction.ErrAuctionNotFound)
}

func TestStore_UpdateAuction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	a := newAuction("c1")
	require.NoError(t, s.CreateAuction(ctx, a))

	stale := *a
	a.State = auction.StateClosed
	a.ClosedAt = time.Now()
	require.NoError(t, s.UpdateAuction(ctx, a, auction.StateOpen))
	assert.Equal(t, uint64(2), a.Version)

	// A second Open -> Closed from a stale copy loses.
	stale.State = auction.StateClosed
	assert.ErrorIs(t, s.UpdateAuction(ctx, &stale, auction.StateOpen), ErrConflict)

	got, err := s.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.StateClosed, got.State)
	assert.Equal(t, uint64(2), got.Version)
}

func TestStore_SaveResolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	a := newAuction("c1")
	require.NoError(t, s.CreateAuction(ctx, a))

	price := decimal.NewFromInt(80)
	r := auction.Resolution{
		AuctionID:     a.ID,
		Outcome:       auction.StateResolved,
		Winner:        "alice",
		ClearingPrice: &price,
		Bids: []auction.RevealedBid{
			{Participant: "alice", Value: []byte("100"), Qualified: true},
			{Participant: "bob", Value: []byte("80"), Qualified: true},
		},
		ResolvedAt: time.Now(),
	}

	// Only Closed auctions can be resolved.
	assert.ErrorIs(t, s.SaveResolution(ctx, a, r), ErrConflict)
	_, err := s.GetResolution(ctx, a.ID)
	assert.ErrorIs(t, err, auction.ErrResolutionNotFound)

	a.State = auction.StateClosed
	require.NoError(t, s.UpdateAuction(ctx, a, auction.StateOpen))
	require.NoError(t, s.SaveResolution(ctx, a, r))
	assert.Equal(t, auction.StateResolved, a.State)

	got, err := s.GetResolution(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.ParticipantID("alice"), got.Winner)
	assert.True(t, price.Equal(*got.ClearingPrice))
	assert.Len(t, got.Bids, 2)

	// Written once.
	closed := *a
	closed.State = auction.StateClosed
	assert.ErrorIs(t, s.SaveResolution(ctx, &closed, r), ErrConflict)
}

func TestStore_ListAuctions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	total := 25
	ids := make([]auction.ID, total)
	for i := 0; i < total; i++ {
		channel := auction.ChannelID("even")
		if i%2 == 1 {
			channel = "odd"
		}
		a := newAuction(channel)
		require.NoError(t, s.CreateAuction(ctx, a))
		ids[i] = a.ID
	}

	// Empty query, should return newest 10 records.
	l, err := s.ListAuctions(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, l, 10)
	assert.Equal(t, ids[total-1], l[0].ID)
	assert.Equal(t, ids[total-10], l[9].ID)

	// Next page.
	l, err = s.ListAuctions(ctx, Query{Offset: string(l[9].ID)})
	require.NoError(t, err)
	require.Len(t, l, 10)
	assert.Equal(t, ids[total-11], l[0].ID)

	// Ascending from the beginning.
	l, err = s.ListAuctions(ctx, Query{Order: OrderAscending, Limit: 5})
	require.NoError(t, err)
	require.Len(t, l, 5)
	assert.Equal(t, ids[0], l[0].ID)
	l, err = s.ListAuctions(ctx, Query{Order: OrderAscending, Limit: 5, Offset: string(l[4].ID)})
	require.NoError(t, err)
	require.Len(t, l, 5)
	assert.Equal(t, ids[5], l[0].ID)

	// All, filtered by channel.
	l, err = s.ListAuctions(ctx, Query{Limit: -1, Channel: "odd"})
	require.NoError(t, err)
	assert.Len(t, l, 12)

	// State filter.
	a, err := s.GetAuction(ctx, ids[3])
	require.NoError(t, err)
	a.State = auction.StateCancelled
	require.NoError(t, s.UpdateAuction(ctx, a, auction.StateOpen))
	l, err = s.ListAuctions(ctx, Query{States: []auction.State{auction.StateCancelled}})
	require.NoError(t, err)
	require.Len(t, l, 1)
	assert.Equal(t, ids[3], l[0].ID)

	open, err := s.Auctions(ctx, auction.StateOpen)
	require.NoError(t, err)
	assert.Len(t, open, total-1)

	inOdd, err := s.OpenInChannel(ctx, "odd")
	require.NoError(t, err)
	assert.Len(t, inOdd, 11)
}

func newAuction(channel auction.ChannelID) *auction.Auction {
	now := time.Now()
	return &auction.Auction{
		ID:        NewID(),
		ChannelID: channel,
		CreatorID: "carol",
		State:     auction.StateOpen,
		Config:    auction.DefaultConfig(),
		OpenedAt:  now,
		Deadline:  now.Add(time.Hour),
	}
}

func newStore(t *testing.T) *Store {
	d, err := dshelper.NewBadgerTxnDatastore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, d.Close())
	})
	return New(d)
}
