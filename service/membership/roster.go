package membership

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/textileio/sealbid/lib/auction"
)

// dsRosterPrefix is the prefix for channel rosters.
// Structure: /rosters/<channel_id> -> Roster.
var dsRosterPrefix = ds.NewKey("/rosters")

// Roster is the participant list of a channel.
type Roster struct {
	ChannelID    auction.ChannelID
	Participants []auction.ParticipantID
	SetBy        auction.ParticipantID
	UpdatedAt    time.Time
}

// Rosters persists channel rosters.
type Rosters struct {
	store ds.Datastore
}

// NewRosters returns a new Rosters.
func NewRosters(store ds.Datastore) *Rosters {
	return &Rosters{store: store}
}

// Get returns the roster of a channel, or nil if none was set.
func (r *Rosters) Get(ctx context.Context, channel auction.ChannelID) (*Roster, error) {
	val, err := r.store.Get(ctx, rosterKey(channel))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: getting roster: %v", auction.ErrStoreUnavailable, err)
	}
	roster := &Roster{}
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(roster); err != nil {
		return nil, fmt.Errorf("decoding roster: %v", err)
	}
	return roster, nil
}

// Set replaces the roster of a channel.
func (r *Rosters) Set(ctx context.Context, roster Roster) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&roster); err != nil {
		return fmt.Errorf("encoding roster: %v", err)
	}
	if err := r.store.Put(ctx, rosterKey(roster.ChannelID), buf.Bytes()); err != nil {
		return fmt.Errorf("%w: putting roster: %v", auction.ErrStoreUnavailable, err)
	}
	log.Debugf("set roster of channel %s with %d participants", roster.ChannelID, len(roster.Participants))
	return nil
}

func rosterKey(channel auction.ChannelID) ds.Key {
	return dsRosterPrefix.ChildString(strings.ReplaceAll(url.PathEscape(string(channel)), ".", "%2E"))
}
