// Package commitment stores sealed commitments. It keeps the latest commitment per
// (auction, participant) plus an append-only ledger of every submission, and knows nothing
// about auction semantics beyond the frozen flag set when an auction is sealed.
package commitment

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/oklog/ulid/v2"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/sealbid/lib/auction"
	"github.com/textileio/sealbid/lib/seal"
)

var (
	log = golog.Logger("sealbid/commitment")

	// dsCommitmentPrefix holds the latest commitment of each participant.
	// Structure: /commitments/<auction_id>/<participant_id> -> record.
	dsCommitmentPrefix = ds.NewKey("/commitments")

	// dsLedgerPrefix holds every submission in order.
	// Structure: /ledger/<auction_id>/<entry_id> -> ledgerEntry.
	dsLedgerPrefix = ds.NewKey("/ledger")

	// dsSealedPrefix marks auctions whose commitments are frozen.
	// Structure: /sealed/<auction_id> -> time.
	dsSealedPrefix = ds.NewKey("/sealed")
)

var (
	// ErrAlreadySealed indicates the commitments of an auction were already sealed. Use Frozen
	// to read them again.
	ErrAlreadySealed = errors.New("commitments already sealed")
	// ErrNotSealed indicates the commitments of an auction are not frozen yet.
	ErrNotSealed = errors.New("commitments not sealed")
)

// Receipt acknowledges an accepted commitment. It carries no value.
type Receipt struct {
	AuctionID   auction.ID
	Participant auction.ParticipantID
	SubmittedAt time.Time
	// Replaced is true if the participant had already committed.
	Replaced bool
	EntryID  string
}

// LedgerEntry is the audit metadata of one submission.
type LedgerEntry struct {
	EntryID     string
	Participant auction.ParticipantID
	SubmittedAt time.Time
	// Supersedes is the entry this submission replaced, if any.
	Supersedes string `json:",omitempty"`
}

type record struct {
	Participant auction.ParticipantID
	Value       seal.Sealed
	SubmittedAt time.Time
	EntryID     string
}

type ledgerEntry struct {
	LedgerEntry
	Value seal.Sealed
}

// Store is the commitment store.
type Store struct {
	store  ds.TxnDatastore
	sealer *seal.Sealer

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// New returns a new Store.
func New(store ds.TxnDatastore, sealer *seal.Sealer) *Store {
	return &Store{
		store:   store,
		sealer:  sealer,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Submit stores value as participant's commitment, replacing any prior one, and appends a
// ledger entry. It fails with auction.ErrAuctionNotOpen once the auction was sealed.
func (s *Store) Submit(
	ctx context.Context,
	id auction.ID,
	participant auction.ParticipantID,
	value []byte,
) (Receipt, error) {
	if len(value) == 0 {
		return Receipt{}, auction.ErrEmptyCommitment
	}
	if participant == "" {
		return Receipt{}, fmt.Errorf("%w: participant id is empty", auction.ErrInvalidArgument)
	}
	sealed, err := s.sealer.Seal(string(id), string(participant), value)
	if err != nil {
		return Receipt{}, fmt.Errorf("sealing value: %v", err)
	}

	txn, err := s.store.NewTransaction(ctx, false)
	if err != nil {
		return Receipt{}, unavailable("creating txn", err)
	}
	defer txn.Discard(ctx)

	frozen, err := txn.Has(ctx, dsSealedPrefix.ChildString(string(id)))
	if err != nil {
		return Receipt{}, unavailable("checking sealed marker", err)
	}
	if frozen {
		return Receipt{}, auction.ErrAuctionNotOpen
	}

	key := commitmentKey(id, participant)
	var prev record
	replaced := false
	val, err := txn.Get(ctx, key)
	if err == nil {
		if err := decode(val, &prev); err != nil {
			return Receipt{}, fmt.Errorf("decoding previous commitment: %v", err)
		}
		replaced = true
	} else if !errors.Is(err, ds.ErrNotFound) {
		return Receipt{}, unavailable("getting key", err)
	}

	now := time.Now()
	entryID := s.newEntryID(now)
	rec := record{
		Participant: participant,
		Value:       sealed,
		SubmittedAt: now,
		EntryID:     entryID,
	}
	entry := ledgerEntry{
		LedgerEntry: LedgerEntry{
			EntryID:     entryID,
			Participant: participant,
			SubmittedAt: now,
			Supersedes:  prev.EntryID,
		},
		Value: sealed,
	}
	if err := put(ctx, txn, key, &rec); err != nil {
		return Receipt{}, err
	}
	if err := put(ctx, txn, dsLedgerPrefix.ChildString(string(id)).ChildString(entryID), &entry); err != nil {
		return Receipt{}, err
	}
	if err := txn.Commit(ctx); err != nil {
		return Receipt{}, unavailable("committing txn", err)
	}

	log.Debugf("stored commitment of %s in auction %s (replaced=%t)", participant, id, replaced)
	return Receipt{
		AuctionID:   id,
		Participant: participant,
		SubmittedAt: now,
		Replaced:    replaced,
		EntryID:     entryID,
	}, nil
}

// Seal freezes the commitments of an auction and returns them decrypted, ordered by
// participant. It succeeds once per auction; later calls return ErrAlreadySealed.
func (s *Store) Seal(ctx context.Context, id auction.ID) ([]auction.Commitment, error) {
	txn, err := s.store.NewTransaction(ctx, false)
	if err != nil {
		return nil, unavailable("creating txn", err)
	}
	defer txn.Discard(ctx)

	marker := dsSealedPrefix.ChildString(string(id))
	frozen, err := txn.Has(ctx, marker)
	if err != nil {
		return nil, unavailable("checking sealed marker", err)
	}
	if frozen {
		return nil, ErrAlreadySealed
	}
	at, err := time.Now().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encoding seal time: %v", err)
	}
	if err := txn.Put(ctx, marker, at); err != nil {
		return nil, unavailable("putting sealed marker", err)
	}
	list, err := s.reveal(ctx, txn, id)
	if err != nil {
		return nil, err
	}
	if err := txn.Commit(ctx); err != nil {
		return nil, unavailable("committing txn", err)
	}
	log.Infof("sealed %d commitments of auction %s", len(list), id)
	return list, nil
}

// Frozen returns the commitments frozen by an earlier Seal. It fails with ErrNotSealed while
// the auction still accepts commitments.
func (s *Store) Frozen(ctx context.Context, id auction.ID) ([]auction.Commitment, error) {
	txn, err := s.store.NewTransaction(ctx, true)
	if err != nil {
		return nil, unavailable("creating txn", err)
	}
	defer txn.Discard(ctx)

	frozen, err := txn.Has(ctx, dsSealedPrefix.ChildString(string(id)))
	if err != nil {
		return nil, unavailable("checking sealed marker", err)
	}
	if !frozen {
		return nil, ErrNotSealed
	}
	return s.reveal(ctx, txn, id)
}

func (s *Store) reveal(ctx context.Context, txn ds.Txn, id auction.ID) ([]auction.Commitment, error) {
	recs, err := s.records(ctx, txn, id)
	if err != nil {
		return nil, err
	}
	list := make([]auction.Commitment, 0, len(recs))
	for _, r := range recs {
		v, err := s.sealer.Open(string(id), string(r.Participant), r.Value)
		if err != nil {
			return nil, fmt.Errorf("opening commitment of %s: %w", r.Participant, err)
		}
		list = append(list, auction.Commitment{
			AuctionID:   id,
			Participant: r.Participant,
			Value:       v,
			SubmittedAt: r.SubmittedAt,
		})
	}
	return list, nil
}

// IsSealed reports whether an auction's commitments are frozen.
func (s *Store) IsSealed(ctx context.Context, id auction.ID) (bool, error) {
	ok, err := s.store.Has(ctx, dsSealedPrefix.ChildString(string(id)))
	if err != nil {
		return false, unavailable("checking sealed marker", err)
	}
	return ok, nil
}

// Count returns the number of distinct participants that committed.
func (s *Store) Count(ctx context.Context, id auction.ID) (int, error) {
	ps, err := s.Committed(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(ps), nil
}

// Committed returns the participants that committed, ordered by id. Callers decide whether
// the identities may be disclosed.
func (s *Store) Committed(ctx context.Context, id auction.ID) ([]auction.ParticipantID, error) {
	results, err := s.store.Query(ctx, dsq.Query{
		Prefix:   dsCommitmentPrefix.ChildString(string(id)).String(),
		KeysOnly: true,
	})
	if err != nil {
		return nil, unavailable("querying commitments", err)
	}
	defer func() {
		if err := results.Close(); err != nil {
			log.Errorf("closing results: %v", err)
		}
	}()

	var list []auction.ParticipantID
	for res := range results.Next() {
		if res.Error != nil {
			return nil, unavailable("getting next result", res.Error)
		}
		p, err := url.PathUnescape(ds.RawKey(res.Key).BaseNamespace())
		if err != nil {
			return nil, fmt.Errorf("parsing key %s: %v", res.Key, err)
		}
		list = append(list, auction.ParticipantID(p))
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list, nil
}

// History returns the ledger metadata of an auction in submission order.
func (s *Store) History(ctx context.Context, id auction.ID) ([]LedgerEntry, error) {
	results, err := s.store.Query(ctx, dsq.Query{
		Prefix: dsLedgerPrefix.ChildString(string(id)).String(),
		Orders: []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, unavailable("querying ledger", err)
	}
	defer func() {
		if err := results.Close(); err != nil {
			log.Errorf("closing results: %v", err)
		}
	}()

	var list []LedgerEntry
	for res := range results.Next() {
		if res.Error != nil {
			return nil, unavailable("getting next result", res.Error)
		}
		var e ledgerEntry
		if err := decode(res.Value, &e); err != nil {
			return nil, fmt.Errorf("decoding ledger entry: %v", err)
		}
		list = append(list, e.LedgerEntry)
	}
	return list, nil
}

func (s *Store) records(ctx context.Context, txn ds.Txn, id auction.ID) ([]record, error) {
	results, err := txn.Query(ctx, dsq.Query{
		Prefix: dsCommitmentPrefix.ChildString(string(id)).String(),
	})
	if err != nil {
		return nil, unavailable("querying commitments", err)
	}
	defer func() {
		if err := results.Close(); err != nil {
			log.Errorf("closing results: %v", err)
		}
	}()

	var list []record
	for res := range results.Next() {
		if res.Error != nil {
			return nil, unavailable("getting next result", res.Error)
		}
		var r record
		if err := decode(res.Value, &r); err != nil {
			return nil, fmt.Errorf("decoding commitment: %v", err)
		}
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Participant < list[j].Participant })
	return list, nil
}

func (s *Store) newEntryID(t time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), s.entropy).String())
}

func commitmentKey(id auction.ID, p auction.ParticipantID) ds.Key {
	// Dots are escaped so "." and ".." survive key cleaning.
	return dsCommitmentPrefix.ChildString(string(id)).ChildString(
		strings.ReplaceAll(url.PathEscape(string(p)), ".", "%2E"))
}

func put(ctx context.Context, w ds.Write, key ds.Key, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding value: %v", err)
	}
	if err := w.Put(ctx, key, buf.Bytes()); err != nil {
		return unavailable("putting key", err)
	}
	return nil
}

func decode(v []byte, into interface{}) error {
	return gob.NewDecoder(bytes.NewReader(v)).Decode(into)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", auction.ErrStoreUnavailable, op, err)
}
