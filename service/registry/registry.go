// Package registry owns the auction state machine. Every transition and every submission of
// an auction runs under that auction's lock; membership lookups and event delivery happen
// outside of it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/sealbid/lib/auction"
	"github.com/textileio/sealbid/service/commitment"
	"github.com/textileio/sealbid/service/limiter"
	"github.com/textileio/sealbid/service/membership"
	"github.com/textileio/sealbid/service/resolution"
	"github.com/textileio/sealbid/service/scheduler"
	"github.com/textileio/sealbid/service/store"
	"golang.org/x/sync/errgroup"
)

var log = golog.Logger("sealbid/registry")

// AuctionStore persists auctions and resolutions.
type AuctionStore interface {
	CreateAuction(ctx context.Context, a *auction.Auction) error
	GetAuction(ctx context.Context, id auction.ID) (*auction.Auction, error)
	UpdateAuction(ctx context.Context, a *auction.Auction, from auction.State) error
	SaveResolution(ctx context.Context, a *auction.Auction, r auction.Resolution) error
	GetResolution(ctx context.Context, id auction.ID) (*auction.Resolution, error)
	ListAuctions(ctx context.Context, q store.Query) ([]*auction.Auction, error)
	Auctions(ctx context.Context, states ...auction.State) ([]*auction.Auction, error)
	OpenInChannel(ctx context.Context, channel auction.ChannelID) ([]*auction.Auction, error)
}

// CommitmentStore persists sealed commitments.
type CommitmentStore interface {
	Submit(ctx context.Context, id auction.ID, p auction.ParticipantID, value []byte) (commitment.Receipt, error)
	Seal(ctx context.Context, id auction.ID) ([]auction.Commitment, error)
	Frozen(ctx context.Context, id auction.ID) ([]auction.Commitment, error)
	Count(ctx context.Context, id auction.ID) (int, error)
	Committed(ctx context.Context, id auction.ID) ([]auction.ParticipantID, error)
	History(ctx context.Context, id auction.ID) ([]commitment.LedgerEntry, error)
}

// RosterStore persists channel rosters.
type RosterStore interface {
	Get(ctx context.Context, channel auction.ChannelID) (*membership.Roster, error)
	Set(ctx context.Context, roster membership.Roster) error
}

// Publisher hands events to the notification gateway.
type Publisher interface {
	Publish(ctx context.Context, ev auction.Event) error
}

// Config configures a Registry.
type Config struct {
	// Defaults fill unspecified auction configuration.
	Defaults auction.Config
	// DefaultDuration is used when a start request has no deadline. Zero means no deadline.
	DefaultDuration time.Duration
	// MaxDuration bounds how far in the future a deadline may be. Zero means no bound.
	MaxDuration time.Duration

	// StoreRetries bounds attempts of operations failing with auction.ErrStoreUnavailable.
	StoreRetries int
	// StoreRetryInterval is the first delay between store attempts.
	StoreRetryInterval time.Duration
	// ResolveRetryDelay is how long a Closed auction waits before resolution is retried.
	ResolveRetryDelay time.Duration

	// MembershipTimeout bounds each membership lookup.
	MembershipTimeout time.Duration
	// PublishTimeout bounds handing an event to the publisher.
	PublishTimeout time.Duration
	// RecoverConcurrency bounds auctions recovered in parallel at start.
	RecoverConcurrency int
}

// DefaultConfig is the default registry configuration.
var DefaultConfig = Config{
	Defaults:           auction.DefaultConfig(),
	StoreRetries:       5,
	StoreRetryInterval: 50 * time.Millisecond,
	ResolveRetryDelay:  30 * time.Second,
	MembershipTimeout:  5 * time.Second,
	PublishTimeout:     5 * time.Second,
	RecoverConcurrency: 8,
}

// Validate ensures the Config is usable.
func (c Config) Validate() error {
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if c.Defaults.ReservePrice != nil {
		return fmt.Errorf("%w: a default reserve price is not supported", auction.ErrInvalidConfig)
	}
	if c.DefaultDuration < 0 || c.MaxDuration < 0 {
		return fmt.Errorf("%w: durations must not be negative", auction.ErrInvalidConfig)
	}
	if c.MaxDuration > 0 && c.DefaultDuration > c.MaxDuration {
		return fmt.Errorf("%w: default duration exceeds max duration", auction.ErrInvalidConfig)
	}
	if c.StoreRetries < 1 {
		return fmt.Errorf("%w: store retries must be at least one", auction.ErrInvalidConfig)
	}
	if c.StoreRetryInterval <= 0 || c.ResolveRetryDelay <= 0 {
		return fmt.Errorf("%w: retry intervals must be positive", auction.ErrInvalidConfig)
	}
	if c.MembershipTimeout <= 0 || c.PublishTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", auction.ErrInvalidConfig)
	}
	if c.RecoverConcurrency < 1 {
		return fmt.Errorf("%w: recover concurrency must be at least one", auction.ErrInvalidConfig)
	}
	return nil
}

// Registry is the auction lifecycle engine.
type Registry struct {
	conf        Config
	auctions    AuctionStore
	commitments CommitmentStore
	rosters     RosterStore
	members     membership.Checker
	publisher   Publisher
	limiter     limiter.Limiter
	sched       *scheduler.Scheduler
	locks       *keyedMutex
	metrics     *metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a new Registry. Call Recover to pick up auctions persisted by a previous run.
func New(
	conf Config,
	auctions AuctionStore,
	commitments CommitmentStore,
	rosters RosterStore,
	members membership.Checker,
	publisher Publisher,
	lim limiter.Limiter,
) (*Registry, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if members == nil {
		members = membership.Everyone
	}
	if lim == nil {
		lim = limiter.NopeLimiter{}
	}
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		conf:        conf,
		auctions:    auctions,
		commitments: commitments,
		rosters:     rosters,
		members:     members,
		publisher:   publisher,
		limiter:     lim,
		locks:       newKeyedMutex(),
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
	}
	r.sched = scheduler.New(r.onTimer)
	return r, nil
}

// Close stops every timer and waits for running timer handlers.
func (r *Registry) Close() error {
	r.cancel()
	return r.sched.Close()
}

// Armed returns the number of armed close and retry timers.
func (r *Registry) Armed() int {
	return r.sched.Len()
}

// StartRequest is a request to start an auction.
type StartRequest struct {
	ChannelID auction.ChannelID
	CreatorID auction.ParticipantID
	Config    auction.Config
	// Deadline closes the auction at a fixed time. It takes precedence over Duration.
	Deadline time.Time
	// Duration closes the auction after a delay.
	Duration time.Duration
	// NoDeadline opens an auction that only closes manually or when everyone committed.
	NoDeadline bool
	// Participants restricts who may commit. If empty, the channel roster is used, if any.
	Participants []auction.ParticipantID
}

// StartAuction opens a new auction and arms its close timer.
func (r *Registry) StartAuction(ctx context.Context, req StartRequest) (*auction.Auction, error) {
	if req.ChannelID == "" || req.CreatorID == "" {
		return nil, fmt.Errorf("%w: channel and creator are required", auction.ErrInvalidArgument)
	}
	now := time.Now()
	conf := req.Config.WithDefaults(r.conf.Defaults)
	deadline, err := r.deadlineFor(req, now)
	if err != nil {
		return nil, err
	}

	participants, dropped, err := r.filterMembers(ctx, req.ChannelID, req.Participants)
	if err != nil {
		return nil, err
	}
	if len(req.Participants) > 0 && len(participants) == 0 {
		return nil, fmt.Errorf("%w: no listed participant is a channel member", auction.ErrNotAMember)
	}
	if len(dropped) > 0 {
		log.Infof("not listing non-members %v in channel %s", dropped, req.ChannelID)
	}

	unlock := r.locks.Lock(channelKey(req.ChannelID))
	if len(participants) == 0 {
		roster, err := retry(ctx, r.conf, func() (*membership.Roster, error) {
			return r.rosters.Get(ctx, req.ChannelID)
		})
		if err != nil {
			unlock()
			return nil, fmt.Errorf("getting roster: %w", err)
		}
		if roster != nil {
			participants = roster.Participants
		}
	}
	a := &auction.Auction{
		ID:           store.NewID(),
		ChannelID:    req.ChannelID,
		CreatorID:    req.CreatorID,
		State:        auction.StateOpen,
		Config:       conf,
		Participants: participants,
		OpenedAt:     now,
		Deadline:     deadline,
	}
	if err := a.Validate(); err != nil {
		unlock()
		if errors.Is(err, auction.ErrInvalidConfig) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", auction.ErrInvalidArgument, err)
	}
	if _, err := retry(ctx, r.conf, func() (struct{}, error) {
		return struct{}{}, r.auctions.CreateAuction(ctx, a)
	}); err != nil {
		unlock()
		return nil, fmt.Errorf("creating auction: %w", err)
	}
	if a.HasDeadline() {
		r.sched.Arm(a.ID, a.Deadline)
	}
	unlock()

	r.metrics.started.Add(ctx, 1)
	log.Infof("auction %s opened in channel %s by %s (deadline %s, %d listed participants)",
		a.ID, a.ChannelID, a.CreatorID, formatDeadline(a.Deadline), len(a.Participants))
	r.publish(auction.NewEvent(auction.EventOpened, a, nil, now))
	return a, nil
}

func (r *Registry) deadlineFor(req StartRequest, now time.Time) (time.Time, error) {
	var deadline time.Time
	switch {
	case req.NoDeadline:
	case !req.Deadline.IsZero():
		deadline = req.Deadline
	case req.Duration > 0:
		deadline = now.Add(req.Duration)
	case req.Duration < 0:
		return time.Time{}, fmt.Errorf("%w: duration must be positive", auction.ErrInvalidArgument)
	case r.conf.DefaultDuration > 0:
		deadline = now.Add(r.conf.DefaultDuration)
	}
	if deadline.IsZero() {
		return deadline, nil
	}
	if !deadline.After(now) {
		return time.Time{}, fmt.Errorf("%w: deadline must be in the future", auction.ErrInvalidArgument)
	}
	if r.conf.MaxDuration > 0 && deadline.Sub(now) > r.conf.MaxDuration {
		return time.Time{}, fmt.Errorf("%w: deadline is more than %s away", auction.ErrInvalidArgument, r.conf.MaxDuration)
	}
	return deadline, nil
}

// Ack acknowledges an accepted commitment.
type Ack struct {
	AuctionID   auction.ID
	Participant auction.ParticipantID
	SubmittedAt time.Time
	// Replaced is true if the participant's prior commitment was replaced.
	Replaced bool
	// ParticipantCount is the number of distinct committed participants.
	ParticipantCount int
	// Closed is true if this commitment completed the participant list and closed the auction.
	Closed bool
}

// SubmitCommitment stores a participant's sealed commitment, replacing any prior one.
func (r *Registry) SubmitCommitment(
	ctx context.Context,
	id auction.ID,
	participant auction.ParticipantID,
	value []byte,
) (Ack, error) {
	ack, err := r.submit(ctx, id, participant, value)
	if err != nil {
		r.metrics.rejectedFor(ctx, err)
		log.Debugf("rejected commitment of %s in auction %s: %v", participant, id, err)
		return Ack{}, err
	}
	r.metrics.accepted.Add(ctx, 1)
	return ack, nil
}

func (r *Registry) submit(
	ctx context.Context,
	id auction.ID,
	participant auction.ParticipantID,
	value []byte,
) (Ack, error) {
	if participant == "" {
		return Ack{}, fmt.Errorf("%w: participant is required", auction.ErrInvalidArgument)
	}
	if len(value) == 0 {
		return Ack{}, auction.ErrEmptyCommitment
	}
	if !r.limiter.Allow(string(participant)) {
		return Ack{}, auction.ErrRateLimited
	}

	// Checks that need no lock, and membership lookups which must not run under it.
	a, err := r.getAuction(ctx, id)
	if err != nil {
		return Ack{}, err
	}
	if a.State != auction.StateOpen {
		return Ack{}, auction.ErrAuctionNotOpen
	}
	if a.Config.ValueKind == auction.ValueMonetary {
		if _, err := auction.ParseAmount(value); err != nil {
			return Ack{}, err
		}
	}
	if len(a.Participants) > 0 && !a.IsListed(participant) {
		return Ack{}, auction.ErrNotAMember
	}
	if err := r.checkMember(ctx, a.ChannelID, participant); err != nil {
		return Ack{}, err
	}

	unlock := r.locks.Lock(string(id))
	a, err = r.getAuction(ctx, id)
	if err != nil {
		unlock()
		return Ack{}, err
	}
	now := time.Now()
	if a.State != auction.StateOpen || (a.HasDeadline() && !now.Before(a.Deadline)) {
		unlock()
		return Ack{}, auction.ErrAuctionNotOpen
	}
	receipt, err := retry(ctx, r.conf, func() (commitment.Receipt, error) {
		return r.commitments.Submit(ctx, id, participant, value)
	})
	if err != nil {
		unlock()
		return Ack{}, fmt.Errorf("storing commitment: %w", err)
	}
	committed, err := retry(ctx, r.conf, func() ([]auction.ParticipantID, error) {
		return r.commitments.Committed(ctx, id)
	})
	if err != nil {
		unlock()
		return Ack{}, fmt.Errorf("counting commitments: %w", err)
	}
	ack := Ack{
		AuctionID:        id,
		Participant:      participant,
		SubmittedAt:      receipt.SubmittedAt,
		Replaced:         receipt.Replaced,
		ParticipantCount: len(committed),
	}
	var events []auction.Event
	if a.Config.CloseWhenAllCommitted && allListed(a.Participants, committed) {
		events, err = r.closeLocked(ctx, a, auction.TriggerAllCommitted)
		if err != nil {
			log.Errorf("closing auction %s after last commitment: %v", id, err)
		} else {
			ack.Closed = true
		}
	}
	unlock()

	log.Infof("accepted commitment of %s in auction %s (replaced=%t, committed=%d)",
		participant, id, ack.Replaced, ack.ParticipantCount)
	r.publish(events...)
	return ack, nil
}

// filterMembers splits candidates into channel members and non-members.
func (r *Registry) filterMembers(
	ctx context.Context,
	channel auction.ChannelID,
	candidates []auction.ParticipantID,
) (valid, dropped []auction.ParticipantID, err error) {
	for _, p := range dedupe(candidates) {
		err := r.checkMember(ctx, channel, p)
		switch {
		case err == nil:
			valid = append(valid, p)
		case errors.Is(err, auction.ErrNotAMember):
			dropped = append(dropped, p)
		default:
			return nil, nil, err
		}
	}
	return valid, dropped, nil
}

func (r *Registry) checkMember(ctx context.Context, channel auction.ChannelID, p auction.ParticipantID) error {
	ctx, cancel := context.WithTimeout(ctx, r.conf.MembershipTimeout)
	defer cancel()
	ok, err := r.members.IsMember(ctx, channel, p)
	if err != nil {
		if errors.Is(err, auction.ErrMembershipUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", auction.ErrMembershipUnavailable, err)
	}
	if !ok {
		return auction.ErrNotAMember
	}
	return nil
}

// CloseAuction closes an Open auction on its creator's request and resolves it.
func (r *Registry) CloseAuction(ctx context.Context, id auction.ID, requester auction.ParticipantID) error {
	unlock := r.locks.Lock(string(id))
	a, err := r.getAuction(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if requester != a.CreatorID {
		unlock()
		return auction.ErrNotAuthorized
	}
	if a.State != auction.StateOpen {
		unlock()
		return auction.ErrAuctionNotOpen
	}
	events, err := r.closeLocked(ctx, a, auction.TriggerManual)
	unlock()
	if err != nil {
		return err
	}
	r.publish(events...)
	return nil
}

// CancelAuction cancels an Open auction on its creator's request. Commitments are never
// revealed.
func (r *Registry) CancelAuction(ctx context.Context, id auction.ID, requester auction.ParticipantID) error {
	unlock := r.locks.Lock(string(id))
	a, err := r.getAuction(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if requester != a.CreatorID {
		unlock()
		return auction.ErrNotAuthorized
	}
	if a.State != auction.StateOpen {
		unlock()
		return auction.ErrAuctionNotOpen
	}
	next := *a
	next.State = auction.StateCancelled
	next.ClosedAt = time.Now()
	if err := r.update(ctx, &next, auction.StateOpen); err != nil {
		unlock()
		return fmt.Errorf("cancelling auction: %w", err)
	}
	r.sched.Disarm(id)
	unlock()

	r.metrics.finished(ctx, auction.StateCancelled)
	log.Infof("auction %s cancelled by %s", id, requester)
	r.publish(auction.NewEvent(auction.EventCancelled, &next, nil, next.ClosedAt))
	return nil
}

// ExtendAuction moves the deadline of an Open auction.
func (r *Registry) ExtendAuction(
	ctx context.Context,
	id auction.ID,
	requester auction.ParticipantID,
	deadline time.Time,
) (*auction.Auction, error) {
	now := time.Now()
	if !deadline.After(now) {
		return nil, fmt.Errorf("%w: deadline must be in the future", auction.ErrInvalidArgument)
	}
	if r.conf.MaxDuration > 0 && deadline.Sub(now) > r.conf.MaxDuration {
		return nil, fmt.Errorf("%w: deadline is more than %s away", auction.ErrInvalidArgument, r.conf.MaxDuration)
	}

	unlock := r.locks.Lock(string(id))
	a, err := r.getAuction(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if requester != a.CreatorID {
		unlock()
		return nil, auction.ErrNotAuthorized
	}
	if a.State != auction.StateOpen || (a.HasDeadline() && !now.Before(a.Deadline)) {
		unlock()
		return nil, auction.ErrAuctionNotOpen
	}
	next := *a
	next.Deadline = deadline
	if err := r.update(ctx, &next, auction.StateOpen); err != nil {
		unlock()
		return nil, fmt.Errorf("extending auction: %w", err)
	}
	r.sched.Arm(id, deadline)
	unlock()

	log.Infof("auction %s deadline moved to %s", id, formatDeadline(deadline))
	r.publish(auction.NewEvent(auction.EventExtended, &next, nil, now))
	return &next, nil
}

// GetStatus returns the public status of an auction.
func (r *Registry) GetStatus(ctx context.Context, id auction.ID) (auction.Status, error) {
	a, err := r.getAuction(ctx, id)
	if err != nil {
		return auction.Status{}, err
	}
	n, err := retry(ctx, r.conf, func() (int, error) {
		return r.commitments.Count(ctx, id)
	})
	if err != nil {
		return auction.Status{}, fmt.Errorf("counting commitments: %w", err)
	}
	return statusOf(a, n), nil
}

// GetResolution returns the resolution record of a Resolved or Failed auction as requester
// may see it.
func (r *Registry) GetResolution(
	ctx context.Context,
	id auction.ID,
	requester auction.ParticipantID,
) (auction.Resolution, error) {
	a, err := r.getAuction(ctx, id)
	if err != nil {
		return auction.Resolution{}, err
	}
	if a.State != auction.StateResolved && a.State != auction.StateFailed {
		return auction.Resolution{}, auction.ErrResolutionNotFound
	}
	res, err := retry(ctx, r.conf, func() (*auction.Resolution, error) {
		return r.auctions.GetResolution(ctx, id)
	})
	if err != nil {
		return auction.Resolution{}, err
	}
	return res.ViewFor(a, requester), nil
}

// Pending returns the listed participants of an Open auction that have not committed yet.
// Committer identities are only disclosed by auctions that reveal every bid.
func (r *Registry) Pending(ctx context.Context, id auction.ID) ([]auction.ParticipantID, error) {
	a, err := r.getAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Config.Visibility != auction.VisibilityAll {
		return nil, auction.ErrForbidden
	}
	if a.State != auction.StateOpen {
		return nil, auction.ErrAuctionNotOpen
	}
	if len(a.Participants) == 0 {
		return nil, fmt.Errorf("%w: auction has no participant list", auction.ErrInvalidArgument)
	}
	committed, err := retry(ctx, r.conf, func() ([]auction.ParticipantID, error) {
		return r.commitments.Committed(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	done := make(map[auction.ParticipantID]struct{}, len(committed))
	for _, p := range committed {
		done[p] = struct{}{}
	}
	pending := []auction.ParticipantID{}
	for _, p := range a.Participants {
		if _, ok := done[p]; !ok {
			pending = append(pending, p)
		}
	}
	return pending, nil
}

// History returns the submission ledger of a finished auction. It never contains values.
func (r *Registry) History(ctx context.Context, id auction.ID) ([]commitment.LedgerEntry, error) {
	a, err := r.getAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.State.IsTerminal() {
		return nil, auction.ErrForbidden
	}
	return retry(ctx, r.conf, func() ([]commitment.LedgerEntry, error) {
		return r.commitments.History(ctx, id)
	})
}

// ListAuctions lists auctions by applying a Query.
func (r *Registry) ListAuctions(ctx context.Context, q store.Query) ([]*auction.Auction, error) {
	return retry(ctx, r.conf, func() ([]*auction.Auction, error) {
		return r.auctions.ListAuctions(ctx, q)
	})
}

// SetPlayers replaces the roster of a channel with the candidates that are channel members.
// It returns the stored roster and the dropped candidates.
func (r *Registry) SetPlayers(
	ctx context.Context,
	channel auction.ChannelID,
	requester auction.ParticipantID,
	candidates []auction.ParticipantID,
) (*membership.Roster, []auction.ParticipantID, error) {
	if channel == "" || requester == "" {
		return nil, nil, fmt.Errorf("%w: channel and requester are required", auction.ErrInvalidArgument)
	}
	valid, dropped, err := r.filterMembers(ctx, channel, candidates)
	if err != nil {
		return nil, nil, err
	}
	if len(valid) == 0 {
		return nil, dropped, fmt.Errorf("%w: no valid participants", auction.ErrInvalidArgument)
	}

	unlock := r.locks.Lock(channelKey(channel))
	defer unlock()
	open, err := retry(ctx, r.conf, func() ([]*auction.Auction, error) {
		return r.auctions.OpenInChannel(ctx, channel)
	})
	if err != nil {
		return nil, nil, err
	}
	if len(open) > 0 {
		return nil, nil, auction.ErrAuctionInProgress
	}
	roster := membership.Roster{
		ChannelID:    channel,
		Participants: valid,
		SetBy:        requester,
		UpdatedAt:    time.Now(),
	}
	if _, err := retry(ctx, r.conf, func() (struct{}, error) {
		return struct{}{}, r.rosters.Set(ctx, roster)
	}); err != nil {
		return nil, nil, err
	}
	log.Infof("roster of channel %s set by %s: %d participants, %d dropped", channel, requester, len(valid), len(dropped))
	return &roster, dropped, nil
}

// Redeliver publishes again the event announcing an auction's current state. Receivers drop
// duplicates by event id.
func (r *Registry) Redeliver(ctx context.Context, id auction.ID) error {
	a, err := r.getAuction(ctx, id)
	if err != nil {
		return err
	}
	typ, ok := auction.EventForState(a.State)
	if !ok {
		return fmt.Errorf("%w: nothing to deliver for state %s", auction.ErrInvalidArgument, a.State)
	}
	var res *auction.Resolution
	if a.State == auction.StateResolved || a.State == auction.StateFailed {
		stored, err := retry(ctx, r.conf, func() (*auction.Resolution, error) {
			return r.auctions.GetResolution(ctx, id)
		})
		if err != nil {
			return err
		}
		public := stored.ViewFor(a, "")
		res = &public
	}
	ev := auction.NewEvent(typ, a, res, time.Now())
	if a.State != auction.StateOpen && a.State != auction.StateCancelled {
		n, err := retry(ctx, r.conf, func() (int, error) {
			return r.commitments.Count(ctx, id)
		})
		if err != nil {
			return err
		}
		ev = ev.WithCommitted(n)
	}
	return r.publishCtx(ctx, ev)
}

// Recover closes Open auctions whose deadline passed while the process was down, re-arms
// future deadlines and resolves auctions left Closed.
func (r *Registry) Recover(ctx context.Context) error {
	list, err := retry(ctx, r.conf, func() ([]*auction.Auction, error) {
		return r.auctions.Auctions(ctx, auction.StateOpen, auction.StateClosed)
	})
	if err != nil {
		return fmt.Errorf("listing unfinished auctions: %w", err)
	}
	now := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.conf.RecoverConcurrency)
	for _, a := range list {
		a := a
		switch {
		case a.State == auction.StateOpen && !a.HasDeadline():
		case a.State == auction.StateOpen && a.Deadline.After(now):
			r.sched.Arm(a.ID, a.Deadline)
		default:
			g.Go(func() error {
				r.recoverOne(ctx, a.ID)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Infof("recovered %d unfinished auctions", len(list))
	return nil
}

func (r *Registry) recoverOne(ctx context.Context, id auction.ID) {
	unlock := r.locks.Lock(string(id))
	a, err := r.getAuction(ctx, id)
	if err != nil {
		unlock()
		log.Errorf("recovering auction %s: %v", id, err)
		r.sched.Arm(id, time.Now().Add(r.conf.ResolveRetryDelay))
		return
	}
	var events []auction.Event
	switch a.State {
	case auction.StateOpen:
		events, err = r.closeLocked(ctx, a, auction.TriggerRecovery)
		if err != nil {
			log.Errorf("closing auction %s on recovery: %v", id, err)
			r.sched.Arm(id, time.Now().Add(r.conf.ResolveRetryDelay))
		}
	case auction.StateClosed:
		events = r.resolveOrRetry(ctx, a)
	}
	unlock()
	r.publish(events...)
}

// onTimer handles deadlines and resolution retries.
func (r *Registry) onTimer(id auction.ID, deadline time.Time) {
	ctx := r.ctx
	unlock := r.locks.Lock(string(id))
	a, err := r.getAuction(ctx, id)
	if err != nil {
		unlock()
		if ctx.Err() == nil {
			log.Errorf("handling timer of auction %s: %v", id, err)
			if errors.Is(err, auction.ErrStoreUnavailable) {
				r.sched.Arm(id, time.Now().Add(r.conf.ResolveRetryDelay))
			}
		}
		return
	}

	var events []auction.Event
	switch a.State {
	case auction.StateOpen:
		if !a.HasDeadline() {
			break
		}
		if a.Deadline.After(time.Now()) {
			// The deadline was moved after this timer was armed.
			r.sched.Arm(id, a.Deadline)
			break
		}
		events, err = r.closeLocked(ctx, a, auction.TriggerDeadline)
		if err != nil && ctx.Err() == nil {
			log.Errorf("closing auction %s at deadline: %v", id, err)
			r.sched.Arm(id, time.Now().Add(r.conf.ResolveRetryDelay))
		}
	case auction.StateClosed:
		events = r.resolveOrRetry(ctx, a)
	default:
		log.Debugf("ignoring timer of auction %s in state %s", id, a.State)
	}
	unlock()
	r.publish(events...)
}

// closeLocked moves an Open auction to Closed and resolves it. If resolution fails the
// auction stays Closed and a retry is scheduled. It must be called holding the auction lock.
func (r *Registry) closeLocked(ctx context.Context, a *auction.Auction, trigger auction.Trigger) ([]auction.Event, error) {
	next := *a
	next.State = auction.StateClosed
	next.ClosedAt = time.Now()
	next.CloseTrigger = trigger
	if err := r.update(ctx, &next, auction.StateOpen); err != nil {
		return nil, fmt.Errorf("closing auction: %w", err)
	}
	r.sched.Disarm(a.ID)
	*a = next
	r.metrics.closedBy(ctx, trigger)
	log.Infof("auction %s closed (%s)", a.ID, trigger)

	closed := auction.NewEvent(auction.EventClosed, a, nil, a.ClosedAt)
	if n, err := r.commitments.Count(ctx, a.ID); err == nil {
		closed = closed.WithCommitted(n)
	} else {
		log.Warnf("counting commitments of auction %s: %v", a.ID, err)
	}
	events := []auction.Event{closed}
	return append(events, r.resolveOrRetry(ctx, a)...), nil
}

func (r *Registry) resolveOrRetry(ctx context.Context, a *auction.Auction) []auction.Event {
	ev, err := r.resolveLocked(ctx, a)
	if err != nil {
		if ctx.Err() == nil {
			log.Errorf("resolving auction %s: %v; retrying in %s", a.ID, err, r.conf.ResolveRetryDelay)
			r.sched.Arm(a.ID, time.Now().Add(r.conf.ResolveRetryDelay))
		}
		return nil
	}
	return []auction.Event{ev}
}

// resolveLocked reveals the commitments of a Closed auction, resolves it and stores the
// record. It must be called holding the auction lock.
func (r *Registry) resolveLocked(ctx context.Context, a *auction.Auction) (auction.Event, error) {
	revealed, err := retry(ctx, r.conf, func() ([]auction.Commitment, error) {
		cs, err := r.commitments.Seal(ctx, a.ID)
		if errors.Is(err, commitment.ErrAlreadySealed) {
			// An earlier resolution attempt sealed them and failed afterwards.
			return r.commitments.Frozen(ctx, a.ID)
		}
		return cs, err
	})
	if err != nil {
		return auction.Event{}, fmt.Errorf("revealing commitments: %w", err)
	}
	res := resolution.Resolve(a.ID, a.Config, revealed, time.Now())
	next := *a
	if _, err := retry(ctx, r.conf, func() (struct{}, error) {
		return struct{}{}, r.auctions.SaveResolution(ctx, &next, res)
	}); err != nil {
		return auction.Event{}, fmt.Errorf("saving resolution: %w", err)
	}
	*a = next
	r.metrics.finished(ctx, a.State)

	public := res.ViewFor(a, "")
	if a.State == auction.StateFailed {
		log.Infof("auction %s failed: %s (%d commitments)", a.ID, a.FailureReason, len(revealed))
		return auction.NewEvent(auction.EventFailed, a, &public, res.ResolvedAt).WithCommitted(len(revealed)), nil
	}
	log.Infof("auction %s resolved (%d commitments)", a.ID, len(revealed))
	return auction.NewEvent(auction.EventResolved, a, &public, res.ResolvedAt).WithCommitted(len(revealed)), nil
}

func (r *Registry) getAuction(ctx context.Context, id auction.ID) (*auction.Auction, error) {
	return retry(ctx, r.conf, func() (*auction.Auction, error) {
		return r.auctions.GetAuction(ctx, id)
	})
}

func (r *Registry) update(ctx context.Context, a *auction.Auction, from auction.State) error {
	_, err := retry(ctx, r.conf, func() (struct{}, error) {
		return struct{}{}, r.auctions.UpdateAuction(ctx, a, from)
	})
	return err
}

func (r *Registry) publish(events ...auction.Event) {
	for _, ev := range events {
		_ = r.publishCtx(r.ctx, ev)
	}
}

func (r *Registry) publishCtx(ctx context.Context, ev auction.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.conf.PublishTimeout)
	defer cancel()
	if err := r.publisher.Publish(ctx, ev); err != nil {
		log.Errorf("publishing %s of auction %s: %v", ev.Type, ev.AuctionID, err)
		return err
	}
	return nil
}

// retry runs op until it succeeds, fails with an error other than auction.ErrStoreUnavailable,
// or the attempts are exhausted.
func retry[T any](ctx context.Context, conf Config, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = conf.StoreRetryInterval
	b.MaxInterval = 20 * conf.StoreRetryInterval
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, auction.ErrStoreUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(conf.StoreRetries)),
	)
}

func statusOf(a *auction.Auction, committed int) auction.Status {
	return auction.Status{
		ID:               a.ID,
		ChannelID:        a.ChannelID,
		CreatorID:        a.CreatorID,
		State:            a.State,
		ParticipantCount: committed,
		Deadline:         a.Deadline,
		OpenedAt:         a.OpenedAt,
		ClosedAt:         a.ClosedAt,
		ResolvedAt:       a.ResolvedAt,
	}
}

func allListed(listed, committed []auction.ParticipantID) bool {
	if len(listed) == 0 {
		return false
	}
	done := make(map[auction.ParticipantID]struct{}, len(committed))
	for _, p := range committed {
		done[p] = struct{}{}
	}
	for _, p := range listed {
		if _, ok := done[p]; !ok {
			return false
		}
	}
	return true
}

func dedupe(ps []auction.ParticipantID) []auction.ParticipantID {
	seen := make(map[auction.ParticipantID]struct{}, len(ps))
	var out []auction.ParticipantID
	for _, p := range ps {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func channelKey(c auction.ChannelID) string {
	return "channel:" + string(c)
}

func formatDeadline(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.Format(time.RFC3339)
}
