package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/sealbid/lib/auction"
	"github.com/textileio/sealbid/lib/dshelper"
	"github.com/textileio/sealbid/lib/logging"
	"github.com/textileio/sealbid/service"
	"github.com/textileio/sealbid/service/notify"
	"github.com/textileio/sealbid/service/registry"
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"sealbid/service":  golog.LevelDebug,
		"sealbid/registry": golog.LevelDebug,
		"sealbid/notify":   golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	// No key material
	_, err := newService(t, t.TempDir(), func(config *service.Config) {
		config.RepoPath = ""
	})
	require.Error(t, err)

	// Bad seal key
	_, err = newService(t, t.TempDir(), func(config *service.Config) {
		config.SealKey = "not-hex"
	})
	require.Error(t, err)

	// Bad registry defaults
	_, err = newService(t, t.TempDir(), func(config *service.Config) {
		config.Registry.Defaults.MinParticipants = 0
	})
	require.ErrorIs(t, err, auction.ErrInvalidConfig)

	// Redis without a channel
	_, err = newService(t, t.TempDir(), func(config *service.Config) {
		config.RedisAddr = "127.0.0.1:6379"
	})
	require.Error(t, err)

	// Bad webhook
	_, err = newService(t, t.TempDir(), func(config *service.Config) {
		config.WebhookURL = "nope"
	})
	require.Error(t, err)

	// Good config
	s, err := newService(t, t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestAuctionOverWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hook := newHook(t)

	s, err := newService(t, t.TempDir(), func(config *service.Config) {
		config.WebhookURL = hook.url
	})
	require.NoError(t, err)

	a, err := s.StartAuction(ctx, registry.StartRequest{
		ChannelID:  "general",
		CreatorID:  "carol",
		NoDeadline: true,
	})
	require.NoError(t, err)
	_, err = s.SubmitCommitment(ctx, a.ID, "alice", []byte("100"))
	require.NoError(t, err)
	_, err = s.SubmitCommitment(ctx, a.ID, "bob", []byte("80"))
	require.NoError(t, err)
	require.NoError(t, s.CloseAuction(ctx, a.ID, "carol"))

	// Close flushes pending deliveries.
	require.NoError(t, s.Close())

	msgs := hook.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, auction.EventOpened, msgs[0].Event.Type)
	assert.Equal(t, auction.EventClosed, msgs[1].Event.Type)
	assert.Equal(t, auction.EventResolved, msgs[2].Event.Type)
	assert.Contains(t, msgs[2].Text, "<@alice> wins and pays 80")
	require.NotNil(t, msgs[2].Event.Resolution)
	assert.Equal(t, auction.ParticipantID("alice"), msgs[2].Event.Resolution.Winner)
}

func TestRestartKeepsSealKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := t.TempDir()

	store1, err := dshelper.NewBadgerTxnDatastore(filepath.Join(repo, "datastore"))
	require.NoError(t, err)
	s1, err := service.New(validConfig(repo), store1)
	require.NoError(t, err)
	a, err := s1.StartAuction(ctx, registry.StartRequest{
		ChannelID: "general",
		CreatorID: "carol",
		Duration:  300 * time.Millisecond,
	})
	require.NoError(t, err)
	_, err = s1.SubmitCommitment(ctx, a.ID, "alice", []byte("10"))
	require.NoError(t, err)
	_, err = s1.SubmitCommitment(ctx, a.ID, "bob", []byte("20"))
	require.NoError(t, err)
	require.NoError(t, s1.Close())
	require.NoError(t, store1.Close())

	// The deadline passes while the service is down.
	time.Sleep(400 * time.Millisecond)

	s2, err := newService(t, repo, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s2.Close()) })

	st, err := s2.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.StateResolved, st.State)
	res, err := s2.GetResolution(ctx, a.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, auction.ParticipantID("bob"), res.Winner)
}

type hook struct {
	url  string
	mu   sync.Mutex
	msgs []notify.Message
}

func newHook(t *testing.T) *hook {
	h := &hook{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m notify.Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.msgs = append(h.msgs, m)
		h.mu.Unlock()
	}))
	t.Cleanup(srv.Close)
	h.url = srv.URL
	return h
}

func (h *hook) messages() []notify.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]notify.Message(nil), h.msgs...)
}

func validConfig(repo string) service.Config {
	rc := registry.DefaultConfig
	rc.DefaultDuration = time.Hour
	rc.MaxDuration = 24 * time.Hour
	rc.StoreRetryInterval = time.Millisecond
	return service.Config{
		RepoPath: repo,
		Registry: rc,
		Notify: notify.Config{
			Workers:       2,
			Attempts:      2,
			RetryInterval: time.Millisecond,
		},
	}
}

// newService opens the datastore under repo, which is closed when the test ends. A service
// that fails to start owns nothing the test must release.
func newService(t *testing.T, repo string, overrideConfig func(*service.Config)) (*service.Service, error) {
	config := validConfig(repo)
	if overrideConfig != nil {
		overrideConfig(&config)
	}
	store, err := dshelper.NewBadgerTxnDatastore(filepath.Join(repo, "datastore"))
	require.NoError(t, err)
	s, err := service.New(config, store)
	if err != nil {
		require.NoError(t, store.Close())
		return nil, err
	}
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return s, nil
}
