package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/oklog/ulid/v2"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/sealbid/lib/auction"
)

const (
	// defaultListLimit is the default list page size.
	defaultListLimit = 10
	// maxListLimit is the max list page size.
	maxListLimit = 1000
)

var (
	log = golog.Logger("sealbid/store")

	// ErrAuctionExists indicates an auction with the same id was already stored.
	ErrAuctionExists = errors.New("auction already exists")

	// ErrConflict indicates the stored auction changed since it was read.
	ErrConflict = errors.New("auction was modified concurrently")

	// dsAuctionPrefix is the prefix for auctions.
	// Structure: /auctions/<auction_id> -> Auction.
	dsAuctionPrefix = ds.NewKey("/auctions")

	// dsResolutionPrefix is the prefix for resolution records.
	// Structure: /resolutions/<auction_id> -> Resolution.
	dsResolutionPrefix = ds.NewKey("/resolutions")
)

// Store persists auctions and their resolution records.
type Store struct {
	store ds.TxnDatastore
}

// New returns a new Store.
func New(store ds.TxnDatastore) *Store {
	return &Store{store: store}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new auction id. Ids sort by creation time.
func NewID() auction.ID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return auction.ID(strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String()))
}

// CreateAuction saves a new Open auction. The stored version is set to 1.
func (s *Store) CreateAuction(ctx context.Context, a *auction.Auction) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %s", auction.ErrInvalidArgument, err)
	}
	txn, err := s.store.NewTransaction(ctx, false)
	if err != nil {
		return unavailable("creating txn", err)
	}
	defer txn.Discard(ctx)

	key := dsAuctionPrefix.ChildString(string(a.ID))
	exists, err := txn.Has(ctx, key)
	if err != nil {
		return unavailable("checking key", err)
	}
	if exists {
		return ErrAuctionExists
	}
	next := *a
	next.Version = 1
	next.UpdatedAt = time.Now()
	if err := put(ctx, txn, key, &next); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return unavailable("committing txn", err)
	}
	*a = next
	log.Debugf("created auction %s in channel %s", a.ID, a.ChannelID)
	return nil
}

// GetAuction returns an auction by id.
// If an auction is not found for id, auction.ErrAuctionNotFound is returned.
func (s *Store) GetAuction(ctx context.Context, id auction.ID) (*auction.Auction, error) {
	return getAuction(ctx, s.store, id)
}

func getAuction(ctx context.Context, reader ds.Read, id auction.ID) (*auction.Auction, error) {
	if id == "" || strings.ContainsAny(string(id), "/.") {
		return nil, auction.ErrAuctionNotFound
	}
	val, err := reader.Get(ctx, dsAuctionPrefix.ChildString(string(id)))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, auction.ErrAuctionNotFound
	} else if err != nil {
		return nil, unavailable("getting key", err)
	}
	a := &auction.Auction{}
	if err := decode(val, a); err != nil {
		return nil, fmt.Errorf("decoding auction %s: %v", id, err)
	}
	return a, nil
}

// UpdateAuction persists a changed auction whose stored state is expected to still be from
// at the version a was read with. On success a carries the new version.
func (s *Store) UpdateAuction(ctx context.Context, a *auction.Auction, from auction.State) error {
	txn, err := s.store.NewTransaction(ctx, false)
	if err != nil {
		return unavailable("creating txn", err)
	}
	defer txn.Discard(ctx)

	next, err := s.checkAndBump(ctx, txn, a, from)
	if err != nil {
		return err
	}
	if err := put(ctx, txn, dsAuctionPrefix.ChildString(string(a.ID)), next); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return unavailable("committing txn", err)
	}
	*a = *next
	log.Debugf("auction %s %s -> %s (version %d)", a.ID, from, a.State, a.Version)
	return nil
}

// SaveResolution stores the resolution record of a Closed auction and moves the auction to
// the resolution's outcome in the same transaction. A record is written at most once.
func (s *Store) SaveResolution(ctx context.Context, a *auction.Auction, r auction.Resolution) error {
	if r.AuctionID != a.ID {
		return fmt.Errorf("%w: resolution belongs to auction %s", auction.ErrInvalidArgument, r.AuctionID)
	}
	if r.Outcome != auction.StateResolved && r.Outcome != auction.StateFailed {
		return fmt.Errorf("%w: resolution outcome %s", auction.ErrInvalidArgument, r.Outcome)
	}
	txn, err := s.store.NewTransaction(ctx, false)
	if err != nil {
		return unavailable("creating txn", err)
	}
	defer txn.Discard(ctx)

	rkey := dsResolutionPrefix.ChildString(string(a.ID))
	exists, err := txn.Has(ctx, rkey)
	if err != nil {
		return unavailable("checking key", err)
	}
	if exists {
		return fmt.Errorf("resolution of auction %s: %w", a.ID, ErrConflict)
	}

	changed := *a
	changed.State = r.Outcome
	changed.ResolvedAt = r.ResolvedAt
	changed.FailureReason = r.FailureReason
	next, err := s.checkAndBump(ctx, txn, &changed, auction.StateClosed)
	if err != nil {
		return err
	}
	if err := put(ctx, txn, rkey, &r); err != nil {
		return err
	}
	if err := put(ctx, txn, dsAuctionPrefix.ChildString(string(a.ID)), next); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return unavailable("committing txn", err)
	}
	*a = *next
	log.Debugf("saved resolution of auction %s (%s)", a.ID, r.Outcome)
	return nil
}

// GetResolution returns the resolution record of an auction.
// If none exists, auction.ErrResolutionNotFound is returned.
func (s *Store) GetResolution(ctx context.Context, id auction.ID) (*auction.Resolution, error) {
	val, err := s.store.Get(ctx, dsResolutionPrefix.ChildString(string(id)))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, auction.ErrResolutionNotFound
	} else if err != nil {
		return nil, unavailable("getting key", err)
	}
	r := &auction.Resolution{}
	if err := decode(val, r); err != nil {
		return nil, fmt.Errorf("decoding resolution %s: %v", id, err)
	}
	return r, nil
}

func (s *Store) checkAndBump(
	ctx context.Context,
	txn ds.Txn,
	a *auction.Auction,
	from auction.State,
) (*auction.Auction, error) {
	current, err := getAuction(ctx, txn, a.ID)
	if err != nil {
		return nil, err
	}
	if current.State != from {
		return nil, fmt.Errorf("expected auction %s to be %s, got %s: %w", a.ID, from, current.State, ErrConflict)
	}
	if current.Version != a.Version {
		return nil, fmt.Errorf("auction %s version %d, have %d: %w", a.ID, current.Version, a.Version, ErrConflict)
	}
	next := *a
	next.Version++
	next.UpdatedAt = time.Now()
	return &next, nil
}

// Query is used to query for auctions.
type Query struct {
	// Offset is the id of the last auction of the previous page.
	Offset string
	Order  Order
	Limit  int
	// States limits results to auctions in one of the states.
	States []auction.State
	// Channel limits results to one channel.
	Channel auction.ChannelID
}

func (q Query) setDefaults() Query {
	if q.Limit == -1 {
		q.Limit = maxListLimit
	} else if q.Limit <= 0 {
		q.Limit = defaultListLimit
	} else if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	return q
}

// Order specifies the order of list results.
// Default is descending by time created.
type Order int

const (
	// OrderDescending orders results descending.
	OrderDescending Order = iota
	// OrderAscending orders results ascending.
	OrderAscending
)

// ListAuctions lists auctions by applying a Query.
func (s *Store) ListAuctions(ctx context.Context, query Query) ([]*auction.Auction, error) {
	query = query.setDefaults()

	q := dsq.Query{
		Prefix: dsAuctionPrefix.String(),
		Limit:  query.Limit,
	}
	switch query.Order {
	case OrderAscending:
		q.Orders = []dsq.Order{dsq.OrderByKey{}}
	default:
		q.Orders = []dsq.Order{dsq.OrderByKeyDescending{}}
	}
	if query.Offset != "" {
		op := dsq.LessThan
		if query.Order == OrderAscending {
			op = dsq.GreaterThan
		}
		q.Filters = append(q.Filters, dsq.FilterKeyCompare{
			Op:  op,
			Key: dsAuctionPrefix.ChildString(query.Offset).String(),
		})
	}
	if len(query.States) > 0 || query.Channel != "" {
		q.Filters = append(q.Filters, newAuctionFilter(query.Channel, query.States))
	}
	return s.query(ctx, q)
}

// Auctions returns every auction in one of the given states, oldest first.
func (s *Store) Auctions(ctx context.Context, states ...auction.State) ([]*auction.Auction, error) {
	q := dsq.Query{
		Prefix: dsAuctionPrefix.String(),
		Orders: []dsq.Order{dsq.OrderByKey{}},
	}
	if len(states) > 0 {
		q.Filters = []dsq.Filter{newAuctionFilter("", states)}
	}
	return s.query(ctx, q)
}

// OpenInChannel returns the Open auctions of a channel.
func (s *Store) OpenInChannel(ctx context.Context, channel auction.ChannelID) ([]*auction.Auction, error) {
	return s.query(ctx, dsq.Query{
		Prefix:  dsAuctionPrefix.String(),
		Orders:  []dsq.Order{dsq.OrderByKey{}},
		Filters: []dsq.Filter{newAuctionFilter(channel, []auction.State{auction.StateOpen})},
	})
}

func (s *Store) query(ctx context.Context, q dsq.Query) ([]*auction.Auction, error) {
	results, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, unavailable("querying auctions", err)
	}
	defer func() {
		if err := results.Close(); err != nil {
			log.Errorf("closing results: %v", err)
		}
	}()

	var list []*auction.Auction
	for res := range results.Next() {
		if res.Error != nil {
			return nil, unavailable("getting next result", res.Error)
		}
		a := &auction.Auction{}
		if err := decode(res.Value, a); err != nil {
			return nil, fmt.Errorf("decoding value: %v", err)
		}
		list = append(list, a)
	}
	return list, nil
}

type auctionFilter struct {
	channel auction.ChannelID
	states  map[auction.State]struct{}
}

func newAuctionFilter(channel auction.ChannelID, states []auction.State) auctionFilter {
	f := auctionFilter{channel: channel, states: make(map[auction.State]struct{}, len(states))}
	for _, st := range states {
		f.states[st] = struct{}{}
	}
	return f
}

func (f auctionFilter) Filter(e dsq.Entry) bool {
	a := &auction.Auction{}
	if err := decode(e.Value, a); err != nil {
		log.Errorf("decoding %s: %v", e.Key, err)
		return false
	}
	if f.channel != "" && a.ChannelID != f.channel {
		return false
	}
	if len(f.states) == 0 {
		return true
	}
	_, ok := f.states[a.State]
	return ok
}

func put(ctx context.Context, w ds.Write, key ds.Key, v interface{}) error {
	val, err := encode(v)
	if err != nil {
		return fmt.Errorf("encoding value: %v", err)
	}
	if err := w.Put(ctx, key, val); err != nil {
		return unavailable("putting key", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", auction.ErrStoreUnavailable, op, err)
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(v []byte, into interface{}) error {
	return gob.NewDecoder(bytes.NewReader(v)).Decode(into)
}
