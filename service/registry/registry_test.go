package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/sealbid/lib/auction"
	"github.com/textileio/sealbid/lib/dshelper"
	"github.com/textileio/sealbid/lib/logging"
	"github.com/textileio/sealbid/lib/seal"
	"github.com/textileio/sealbid/service/commitment"
	"github.com/textileio/sealbid/service/limiter"
	"github.com/textileio/sealbid/service/membership"
	"github.com/textileio/sealbid/service/store"
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"sealbid/registry":  golog.LevelDebug,
		"sealbid/scheduler": golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

func TestCloseAuction_SecondPrice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", NoDeadline: true})
	f.submit(t, a.ID, "alice", "100")
	f.submit(t, a.ID, "bob", "80")
	f.submit(t, a.ID, "carol", "60")
	require.NoError(t, f.reg.CloseAuction(ctx, a.ID, "carol"))

	res, err := f.reg.GetResolution(ctx, a.ID, "dave")
	require.NoError(t, err)
	assert.Equal(t, auction.StateResolved, res.Outcome)
	assert.Equal(t, auction.ParticipantID("alice"), res.Winner)
	require.NotNil(t, res.ClearingPrice)
	assert.True(t, decimal.NewFromInt(80).Equal(*res.ClearingPrice))
	assert.Len(t, res.Bids, 3)

	assert.Equal(t,
		[]auction.EventType{auction.EventOpened, auction.EventClosed, auction.EventResolved},
		f.pub.types(a.ID))
}

func TestCloseAuction_TieEarliestSubmission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", NoDeadline: true})
	f.submit(t, a.ID, "bob", "1")
	f.submit(t, a.ID, "alice", "100")
	time.Sleep(2 * time.Millisecond)
	// Bob's resubmission replaces his timestamp, so Alice committed first.
	f.submit(t, a.ID, "bob", "100")
	require.NoError(t, f.reg.CloseAuction(ctx, a.ID, "carol"))

	res, err := f.reg.GetResolution(ctx, a.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, auction.ParticipantID("alice"), res.Winner)
	require.NotNil(t, res.ClearingPrice)
	assert.True(t, decimal.NewFromInt(100).Equal(*res.ClearingPrice))
	require.NotNil(t, res.TieBreak)
	assert.Equal(t, auction.ParticipantID("alice"), res.TieBreak.Winner)
}

func TestCloseAuction_InsufficientParticipants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", NoDeadline: true})
	f.submit(t, a.ID, "alice", "100")
	require.NoError(t, f.reg.CloseAuction(ctx, a.ID, "carol"))

	st, err := f.reg.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.StateFailed, st.State)

	res, err := f.reg.GetResolution(ctx, a.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, auction.StateFailed, res.Outcome)
	assert.Empty(t, res.Winner)
	assert.Equal(t, auction.ReasonInsufficientParticipants, res.FailureReason)

	evs := f.pub.events(a.ID)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, auction.EventFailed, last.Type)
	assert.Equal(t, auction.ReasonInsufficientParticipants, last.Reason)
}

func TestSubmitCommitment_AfterDeadlineClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", Duration: 100 * time.Millisecond})
	f.submit(t, a.ID, "alice", "10")
	f.submit(t, a.ID, "bob", "20")
	f.waitForState(t, a.ID, auction.StateResolved)

	_, err := f.reg.SubmitCommitment(ctx, a.ID, "dave", []byte("30"))
	assert.ErrorIs(t, err, auction.ErrAuctionNotOpen)

	evs := f.pub.events(a.ID)
	require.Len(t, evs, 3)
	assert.Equal(t, auction.TriggerDeadline, evs[1].Trigger)
}

func TestRecover_ClosesOverdueAuction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newDatastore(t)
	sealer := newSealer(t)

	f1 := newFixtureWith(t, d, sealer, testConfig())
	a := f1.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", Duration: 300 * time.Millisecond})
	f1.submit(t, a.ID, "alice", "10")
	f1.submit(t, a.ID, "bob", "20")
	require.NoError(t, f1.reg.Close())

	// The deadline passes while nothing is running.
	time.Sleep(400 * time.Millisecond)
	st, err := f1.auctions.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, auction.StateOpen, st.State)

	f2 := newFixtureWith(t, d, sealer, testConfig())
	require.NoError(t, f2.reg.Recover(ctx))

	got, err := f2.auctions.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.StateResolved, got.State)
	assert.Equal(t, auction.TriggerRecovery, got.CloseTrigger)

	res, err := f2.reg.GetResolution(ctx, a.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, auction.ParticipantID("bob"), res.Winner)
	assert.Equal(t, []auction.EventType{auction.EventClosed, auction.EventResolved}, f2.pub.types(a.ID))
}

func TestRecover_RearmsFutureDeadlines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newDatastore(t)
	sealer := newSealer(t)

	f1 := newFixtureWith(t, d, sealer, testConfig())
	a := f1.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", Duration: 300 * time.Millisecond})
	require.NoError(t, f1.reg.Close())

	f2 := newFixtureWith(t, d, sealer, testConfig())
	require.NoError(t, f2.reg.Recover(ctx))
	_, armed := f2.reg.sched.Deadline(a.ID)
	assert.True(t, armed)
	f2.waitForState(t, a.ID, auction.StateFailed)
}

func TestCloseAuction_ConcurrentTriggers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", NoDeadline: true})
	f.submit(t, a.ID, "alice", "10")
	f.submit(t, a.ID, "bob", "20")

	var (
		wg     sync.WaitGroup
		ok     int32
		notOpn int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = f.reg.CloseAuction(ctx, a.ID, "carol")
			} else {
				f.reg.onTimer(a.ID, time.Now())
				return
			}
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, auction.ErrAuctionNotOpen):
				atomic.AddInt32(&notOpn, 1)
			default:
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	// Timer calls on an auction without a deadline never close it.
	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(9), notOpn)
	assert.Equal(t,
		[]auction.EventType{auction.EventOpened, auction.EventClosed, auction.EventResolved},
		f.pub.types(a.ID))
}

func TestDeadlineRace_ManualAndTimer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", Duration: 50 * time.Millisecond})
	f.submit(t, a.ID, "alice", "10")
	time.Sleep(50 * time.Millisecond)

	err := f.reg.CloseAuction(ctx, a.ID, "carol")
	if err != nil {
		assert.ErrorIs(t, err, auction.ErrAuctionNotOpen)
	}
	f.waitForState(t, a.ID, auction.StateFailed)
	closed := 0
	for _, typ := range f.pub.types(a.ID) {
		if typ == auction.EventClosed {
			closed++
		}
	}
	assert.Equal(t, 1, closed)
}

func TestDuplicateTrigger_NoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", NoDeadline: true})
	f.submit(t, a.ID, "alice", "10")
	f.submit(t, a.ID, "bob", "20")
	require.NoError(t, f.reg.CloseAuction(ctx, a.ID, "carol"))

	before, err := f.auctions.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	n := len(f.pub.events(a.ID))

	f.reg.onTimer(a.ID, time.Now())
	f.reg.onTimer(a.ID, time.Now())

	after, err := f.auctions.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, f.pub.events(a.ID), n)
}

func TestSubmitCommitment_Resubmission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", NoDeadline: true})
	ack := f.submit(t, a.ID, "alice", "10")
	assert.False(t, ack.Replaced)
	assert.Equal(t, 1, ack.ParticipantCount)
	ack = f.submit(t, a.ID, "alice", "$1,000")
	assert.True(t, ack.Replaced)
	assert.Equal(t, 1, ack.ParticipantCount)
	f.submit(t, a.ID, "bob", "5")

	st, err := f.reg.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.ParticipantCount)

	require.NoError(t, f.reg.CloseAuction(ctx, a.ID, "carol"))
	res, err := f.reg.GetResolution(ctx, a.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, auction.ParticipantID("alice"), res.Winner)
	for _, b := range res.Bids {
		if b.Participant == "alice" {
			assert.Equal(t, []byte("$1,000"), b.Value)
		}
	}

	h, err := f.reg.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, h, 3)
}

func TestSubmitCommitment_Rejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.members.set(func(_ context.Context, _ auction.ChannelID, p auction.ParticipantID) (bool, error) {
		switch p {
		case "mallory":
			return false, nil
		case "flaky":
			return false, errors.New("directory down")
		}
		return true, nil
	})

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", NoDeadline: true})

	_, err := f.reg.SubmitCommitment(ctx, "missing", "alice", []byte("1"))
	assert.ErrorIs(t, err, auction.ErrAuctionNotFound)
	_, err = f.reg.SubmitCommitment(ctx, a.ID, "alice", nil)
	assert.ErrorIs(t, err, auction.ErrEmptyCommitment)
	_, err = f.reg.SubmitCommitment(ctx, a.ID, "", []byte("1"))
	assert.ErrorIs(t, err, auction.ErrInvalidArgument)
	_, err = f.reg.SubmitCommitment(ctx, a.ID, "mallory", []byte("1"))
	assert.ErrorIs(t, err, auction.ErrNotAMember)
	_, err = f.reg.SubmitCommitment(ctx, a.ID, "flaky", []byte("1"))
	assert.ErrorIs(t, err, auction.ErrMembershipUnavailable)

	_, err = f.reg.SubmitCommitment(ctx, a.ID, "alice", []byte("hunter2"))
	require.ErrorIs(t, err, auction.ErrInvalidValue)
	assert.NotContains(t, err.Error(), "hunter2")
	_, err = f.reg.SubmitCommitment(ctx, a.ID, "alice", []byte("-5"))
	assert.ErrorIs(t, err, auction.ErrInvalidValue)

	n, err := f.commitments.Count(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitCommitment_ListedNonMember(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	members := map[auction.ParticipantID]bool{"alice": true, "bob": true}
	var mu sync.Mutex
	f.members.set(func(_ context.Context, _ auction.ChannelID, p auction.ParticipantID) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return members[p], nil
	})

	// Non-members are not listed.
	a := f.start(t, StartRequest{
		ChannelID:    "c1",
		CreatorID:    "carol",
		NoDeadline:   true,
		Participants: []auction.ParticipantID{"alice", "mallory", "bob"},
	})
	assert.Equal(t, []auction.ParticipantID{"alice", "bob"}, a.Participants)
	_, err := f.reg.SubmitCommitment(ctx, a.ID, "mallory", []byte("10"))
	assert.ErrorIs(t, err, auction.ErrNotAMember)

	// A listed participant that left the channel can't commit anymore.
	mu.Lock()
	delete(members, "bob")
	mu.Unlock()
	_, err = f.reg.SubmitCommitment(ctx, a.ID, "bob", []byte("10"))
	assert.ErrorIs(t, err, auction.ErrNotAMember)
	f.submit(t, a.ID, "alice", "10")

	n, err := f.commitments.Count(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.reg.StartAuction(ctx, StartRequest{
		ChannelID:    "c2",
		CreatorID:    "carol",
		NoDeadline:   true,
		Participants: []auction.ParticipantID{"mallory"},
	})
	assert.ErrorIs(t, err, auction.ErrNotAMember)
}

func TestSubmitCommitment_RateLimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.reg.limiter = limiter.NewKeyedLimiter(0.001, 1)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", NoDeadline: true})
	f.submit(t, a.ID, "alice", "1")
	_, err := f.reg.SubmitCommitment(ctx, a.ID, "alice", []byte("2"))
	assert.ErrorIs(t, err, auction.ErrRateLimited)
	f.submit(t, a.ID, "bob", "1")
}

func TestSecrecyWhileOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{
		ChannelID:  "c1",
		CreatorID:  "carol",
		NoDeadline: true,
		Config:     auction.Config{ValueKind: auction.ValuePayload},
	})
	f.submit(t, a.ID, "alice", "the-secret-value")

	st, err := f.reg.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.NotContains(t, fmt.Sprintf("%+v", st), "the-secret-value")

	_, err = f.reg.GetResolution(ctx, a.ID, "carol")
	assert.ErrorIs(t, err, auction.ErrResolutionNotFound)
	_, err = f.reg.History(ctx, a.ID)
	assert.ErrorIs(t, err, auction.ErrForbidden)

	for _, ev := range f.pub.events(a.ID) {
		assert.NotContains(t, fmt.Sprintf("%+v", ev), "the-secret-value")
	}
}

func TestCloseAuction_Authorization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", NoDeadline: true})
	assert.ErrorIs(t, f.reg.CloseAuction(ctx, a.ID, "alice"), auction.ErrNotAuthorized)
	assert.ErrorIs(t, f.reg.CancelAuction(ctx, a.ID, "alice"), auction.ErrNotAuthorized)
	_, err := f.reg.ExtendAuction(ctx, a.ID, "alice", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, auction.ErrNotAuthorized)
	assert.ErrorIs(t, f.reg.CloseAuction(ctx, "missing", "carol"), auction.ErrAuctionNotFound)
}

func TestCancelAuction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", Duration: time.Hour})
	f.submit(t, a.ID, "alice", "10")
	require.NoError(t, f.reg.CancelAuction(ctx, a.ID, "carol"))

	st, err := f.reg.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.StateCancelled, st.State)
	_, armed := f.reg.sched.Deadline(a.ID)
	assert.False(t, armed)

	assert.ErrorIs(t, f.reg.CancelAuction(ctx, a.ID, "carol"), auction.ErrAuctionNotOpen)
	assert.ErrorIs(t, f.reg.CloseAuction(ctx, a.ID, "carol"), auction.ErrAuctionNotOpen)
	_, err = f.reg.GetResolution(ctx, a.ID, "carol")
	assert.ErrorIs(t, err, auction.ErrResolutionNotFound)
	assert.Equal(t, []auction.EventType{auction.EventOpened, auction.EventCancelled}, f.pub.types(a.ID))
}

func TestExtendAuction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", Duration: 100 * time.Millisecond})
	_, err := f.reg.ExtendAuction(ctx, a.ID, "carol", time.Now().Add(-time.Second))
	assert.ErrorIs(t, err, auction.ErrInvalidArgument)
	_, err = f.reg.ExtendAuction(ctx, a.ID, "carol", time.Now().Add(48*time.Hour))
	assert.ErrorIs(t, err, auction.ErrInvalidArgument)

	deadline := time.Now().Add(time.Hour)
	ext, err := f.reg.ExtendAuction(ctx, a.ID, "carol", deadline)
	require.NoError(t, err)
	assert.True(t, deadline.Equal(ext.Deadline))
	armed, ok := f.reg.sched.Deadline(a.ID)
	require.True(t, ok)
	assert.True(t, deadline.Equal(armed))

	time.Sleep(200 * time.Millisecond)
	st, err := f.reg.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.StateOpen, st.State)
	assert.Equal(t, []auction.EventType{auction.EventOpened, auction.EventExtended}, f.pub.types(a.ID))
}

func TestStartAuction_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.reg.StartAuction(ctx, StartRequest{ChannelID: "c1"})
	assert.ErrorIs(t, err, auction.ErrInvalidArgument)
	_, err = f.reg.StartAuction(ctx, StartRequest{ChannelID: "c1", CreatorID: "carol", Config: auction.Config{MinParticipants: -1}})
	assert.ErrorIs(t, err, auction.ErrInvalidConfig)
	_, err = f.reg.StartAuction(ctx, StartRequest{ChannelID: "c1", CreatorID: "carol", Deadline: time.Now().Add(-time.Minute)})
	assert.ErrorIs(t, err, auction.ErrInvalidArgument)
	_, err = f.reg.StartAuction(ctx, StartRequest{ChannelID: "c1", CreatorID: "carol", Duration: 48 * time.Hour})
	assert.ErrorIs(t, err, auction.ErrInvalidArgument)
	_, err = f.reg.StartAuction(ctx, StartRequest{
		ChannelID:  "c1",
		CreatorID:  "carol",
		NoDeadline: true,
		Config:     auction.Config{CloseWhenAllCommitted: true},
	})
	assert.ErrorIs(t, err, auction.ErrInvalidConfig)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol"})
	assert.True(t, a.HasDeadline())
	assert.Equal(t, auction.DefaultMinParticipants, a.Config.MinParticipants)
	_, armed := f.reg.sched.Deadline(a.ID)
	assert.True(t, armed)
}

func TestPlayers_AllCommittedCloses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.members.set(func(_ context.Context, _ auction.ChannelID, p auction.ParticipantID) (bool, error) {
		return p != "ghost", nil
	})

	_, _, err := f.reg.SetPlayers(ctx, "c1", "carol", []auction.ParticipantID{"ghost"})
	assert.ErrorIs(t, err, auction.ErrInvalidArgument)

	roster, dropped, err := f.reg.SetPlayers(ctx, "c1", "carol",
		[]auction.ParticipantID{"alice", "bob", "alice", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []auction.ParticipantID{"alice", "bob"}, roster.Participants)
	assert.Equal(t, []auction.ParticipantID{"ghost"}, dropped)

	a := f.start(t, StartRequest{
		ChannelID:  "c1",
		CreatorID:  "carol",
		NoDeadline: true,
		Config:     auction.Config{CloseWhenAllCommitted: true},
	})
	assert.Equal(t, []auction.ParticipantID{"alice", "bob"}, a.Participants)

	_, _, err = f.reg.SetPlayers(ctx, "c1", "carol", []auction.ParticipantID{"alice"})
	assert.ErrorIs(t, err, auction.ErrAuctionInProgress)

	_, err = f.reg.SubmitCommitment(ctx, a.ID, "dave", []byte("5"))
	assert.ErrorIs(t, err, auction.ErrNotAMember)

	pending, err := f.reg.Pending(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []auction.ParticipantID{"alice", "bob"}, pending)

	ack := f.submit(t, a.ID, "alice", "5")
	assert.False(t, ack.Closed)
	pending, err = f.reg.Pending(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []auction.ParticipantID{"bob"}, pending)

	ack = f.submit(t, a.ID, "bob", "7")
	assert.True(t, ack.Closed)

	got, err := f.auctions.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.StateResolved, got.State)
	assert.Equal(t, auction.TriggerAllCommitted, got.CloseTrigger)

	_, err = f.reg.Pending(ctx, a.ID)
	assert.ErrorIs(t, err, auction.ErrAuctionNotOpen)
}

func TestPending_Visibility(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{
		ChannelID:    "c1",
		CreatorID:    "carol",
		NoDeadline:   true,
		Participants: []auction.ParticipantID{"alice", "bob"},
		Config:       auction.Config{Visibility: auction.VisibilityNone},
	})
	_, err := f.reg.Pending(ctx, a.ID)
	assert.ErrorIs(t, err, auction.ErrForbidden)

	b := f.start(t, StartRequest{ChannelID: "c2", CreatorID: "carol", NoDeadline: true})
	_, err = f.reg.Pending(ctx, b.ID)
	assert.ErrorIs(t, err, auction.ErrInvalidArgument)
}

func TestGetResolution_Visibility(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{
		ChannelID:  "c1",
		CreatorID:  "carol",
		NoDeadline: true,
		Config:     auction.Config{Visibility: auction.VisibilityCreator},
	})
	f.submit(t, a.ID, "alice", "10")
	f.submit(t, a.ID, "bob", "20")
	require.NoError(t, f.reg.CloseAuction(ctx, a.ID, "carol"))

	creator, err := f.reg.GetResolution(ctx, a.ID, "carol")
	require.NoError(t, err)
	assert.Len(t, creator.Bids, 2)
	other, err := f.reg.GetResolution(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, other.Bids)
	assert.Equal(t, auction.ParticipantID("bob"), other.Winner)

	// Events are public.
	evs := f.pub.events(a.ID)
	last := evs[len(evs)-1]
	require.NotNil(t, last.Resolution)
	assert.Empty(t, last.Resolution.Bids)
}

func TestRedeliver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", NoDeadline: true})
	f.submit(t, a.ID, "alice", "10")
	f.submit(t, a.ID, "bob", "20")
	require.NoError(t, f.reg.CloseAuction(ctx, a.ID, "carol"))
	evs := f.pub.events(a.ID)
	orig := evs[len(evs)-1]

	require.NoError(t, f.reg.Redeliver(ctx, a.ID))
	evs = f.pub.events(a.ID)
	again := evs[len(evs)-1]
	assert.Equal(t, orig.ID, again.ID)
	assert.Equal(t, auction.EventResolved, again.Type)
	assert.Equal(t, 2, again.CommittedCount)
	require.NotNil(t, again.Resolution)
	assert.Equal(t, auction.ParticipantID("bob"), again.Resolution.Winner)
}

func TestStoreRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", NoDeadline: true})

	f.auctions.failNext(2)
	st, err := f.reg.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.StateOpen, st.State)

	f.auctions.failNext(100)
	_, err = f.reg.GetStatus(ctx, a.ID)
	assert.ErrorIs(t, err, auction.ErrStoreUnavailable)
	f.auctions.failNext(0)

	// A failed close leaves the auction in its prior state.
	f.auctions.failUpdates(100)
	err = f.reg.CloseAuction(ctx, a.ID, "carol")
	assert.ErrorIs(t, err, auction.ErrStoreUnavailable)
	f.auctions.failUpdates(0)
	st, err = f.reg.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.StateOpen, st.State)
	assert.Equal(t, []auction.EventType{auction.EventOpened}, f.pub.types(a.ID))
}

func TestResolveRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", NoDeadline: true})
	f.submit(t, a.ID, "alice", "10")
	f.submit(t, a.ID, "bob", "20")

	f.auctions.failResolutions(f.reg.conf.StoreRetries)
	require.NoError(t, f.reg.CloseAuction(ctx, a.ID, "carol"))
	st, err := f.auctions.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.StateClosed, st.State)

	sealed, err := f.commitments.IsSealed(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, sealed)

	// The retry reads the frozen set instead of sealing again.
	f.waitForState(t, a.ID, auction.StateResolved)
	assert.Equal(t,
		[]auction.EventType{auction.EventOpened, auction.EventClosed, auction.EventResolved},
		f.pub.types(a.ID))
	res, err := f.reg.GetResolution(ctx, a.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, auction.ParticipantID("bob"), res.Winner)
	evs := f.pub.events(a.ID)
	assert.Equal(t, 2, evs[1].CommittedCount)
	assert.Equal(t, 2, evs[2].CommittedCount)
}

func TestListAuctions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.start(t, StartRequest{ChannelID: "c1", CreatorID: "carol", NoDeadline: true})
	b := f.start(t, StartRequest{ChannelID: "c2", CreatorID: "carol", NoDeadline: true})
	require.NoError(t, f.reg.CancelAuction(ctx, b.ID, "carol"))

	all, err := f.reg.ListAuctions(ctx, store.Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)

	open, err := f.reg.ListAuctions(ctx, store.Query{States: []auction.State{auction.StateOpen}})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultConfig.Validate())

	c := DefaultConfig
	c.StoreRetries = 0
	assert.ErrorIs(t, c.Validate(), auction.ErrInvalidConfig)

	c = DefaultConfig
	c.DefaultDuration = time.Hour
	c.MaxDuration = time.Minute
	assert.ErrorIs(t, c.Validate(), auction.ErrInvalidConfig)

	c = DefaultConfig
	c.Defaults.MinParticipants = 0
	assert.ErrorIs(t, c.Validate(), auction.ErrInvalidConfig)
}

func TestKeyedMutex(t *testing.T) {
	t.Parallel()
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, k.len())

	// Different keys do not block each other.
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.len())
	unlockA()
	unlockB()
}

type fixture struct {
	reg         *Registry
	auctions    *flakyStore
	commitments *commitment.Store
	members     *switchChecker
	pub         *recorder
}

func testConfig() Config {
	c := DefaultConfig
	c.DefaultDuration = time.Hour
	c.MaxDuration = 24 * time.Hour
	c.StoreRetries = 3
	c.StoreRetryInterval = time.Millisecond
	c.ResolveRetryDelay = 50 * time.Millisecond
	c.MembershipTimeout = time.Second
	c.PublishTimeout = time.Second
	return c
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, newDatastore(t), newSealer(t), testConfig())
}

func newFixtureWith(t *testing.T, d ds.TxnDatastore, sealer *seal.Sealer, conf Config) *fixture {
	f := &fixture{
		auctions:    &flakyStore{Store: store.New(d)},
		commitments: commitment.New(d, sealer),
		members:     &switchChecker{},
		pub:         &recorder{},
	}
	reg, err := New(conf, f.auctions, f.commitments, membership.NewRosters(d), f.members, f.pub, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, reg.Close())
	})
	f.reg = reg
	return f
}

func (f *fixture) start(t *testing.T, req StartRequest) *auction.Auction {
	a, err := f.reg.StartAuction(context.Background(), req)
	require.NoError(t, err)
	return a
}

func (f *fixture) submit(t *testing.T, id auction.ID, p auction.ParticipantID, v string) Ack {
	ack, err := f.reg.SubmitCommitment(context.Background(), id, p, []byte(v))
	require.NoError(t, err)
	return ack
}

func (f *fixture) waitForState(t *testing.T, id auction.ID, s auction.State) {
	require.Eventually(t, func() bool {
		a, err := f.auctions.GetAuction(context.Background(), id)
		return err == nil && a.State == s
	}, 5*time.Second, 10*time.Millisecond)
}

func newDatastore(t *testing.T) ds.TxnDatastore {
	d, err := dshelper.NewBadgerTxnDatastore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, d.Close())
	})
	return d
}

func newSealer(t *testing.T) *seal.Sealer {
	key, err := seal.GenerateKey()
	require.NoError(t, err)
	s, err := seal.New(key)
	require.NoError(t, err)
	return s
}

// flakyStore fails reads, updates or resolution writes on demand.
type flakyStore struct {
	*store.Store
	reads       int32
	updates     int32
	resolutions int32
}

func (s *flakyStore) failNext(n int)        { atomic.StoreInt32(&s.reads, int32(n)) }
func (s *flakyStore) failUpdates(n int)     { atomic.StoreInt32(&s.updates, int32(n)) }
func (s *flakyStore) failResolutions(n int) { atomic.StoreInt32(&s.resolutions, int32(n)) }

func take(n *int32) bool {
	for {
		v := atomic.LoadInt32(n)
		if v <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(n, v, v-1) {
			return true
		}
	}
}

var errFlaky = fmt.Errorf("%w: flaky", auction.ErrStoreUnavailable)

func (s *flakyStore) GetAuction(ctx context.Context, id auction.ID) (*auction.Auction, error) {
	if take(&s.reads) {
		return nil, errFlaky
	}
	return s.Store.GetAuction(ctx, id)
}

func (s *flakyStore) UpdateAuction(ctx context.Context, a *auction.Auction, from auction.State) error {
	if take(&s.updates) {
		return errFlaky
	}
	return s.Store.UpdateAuction(ctx, a, from)
}

func (s *flakyStore) SaveResolution(ctx context.Context, a *auction.Auction, r auction.Resolution) error {
	if take(&s.resolutions) {
		return errFlaky
	}
	return s.Store.SaveResolution(ctx, a, r)
}

// switchChecker is a membership checker whose answer can be replaced by a test.
type switchChecker struct {
	mu sync.Mutex
	fn membership.CheckerFunc
}

func (c *switchChecker) set(fn membership.CheckerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
}

func (c *switchChecker) IsMember(ctx context.Context, channel auction.ChannelID, p auction.ParticipantID) (bool, error) {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	if fn == nil {
		return true, nil
	}
	return fn(ctx, channel, p)
}

type recorder struct {
	mu  sync.Mutex
	all []auction.Event
}

func (r *recorder) Publish(_ context.Context, ev auction.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, ev)
	return nil
}

func (r *recorder) events(id auction.ID) []auction.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []auction.Event
	for _, ev := range r.all {
		if ev.AuctionID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) types(id auction.ID) []auction.EventType {
	var out []auction.EventType
	for _, ev := range r.events(id) {
		out = append(out, ev.Type)
	}
	return out
}
