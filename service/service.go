package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	ds "github.com/ipfs/go-datastore"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/sealbid/lib/auction"
	"github.com/textileio/sealbid/lib/finalizer"
	"github.com/textileio/sealbid/lib/seal"
	"github.com/textileio/sealbid/service/commitment"
	"github.com/textileio/sealbid/service/limiter"
	"github.com/textileio/sealbid/service/membership"
	"github.com/textileio/sealbid/service/notify"
	"github.com/textileio/sealbid/service/registry"
	"github.com/textileio/sealbid/service/store"
)

var (
	log = golog.Logger("sealbid/service")

	// statsInterval is how often the service logs its vital signs.
	statsInterval = 10 * time.Minute

	// sealKeyFile is the name of the generated master key within the repo.
	sealKeyFile = "seal.key"
)

// Config defines params for Service configuration.
type Config struct {
	// RepoPath holds the generated seal key when SealKey is empty.
	RepoPath string
	// SealKey is a hex-encoded master key for commitment encryption.
	SealKey string

	Registry registry.Config

	// MembershipURL is the base URL of the chat transport's membership endpoint. If empty,
	// every participant is considered a channel member.
	MembershipURL string

	Notify       notify.Config
	WebhookURL   string
	RedisAddr    string
	RedisChannel string

	// SubmitRate is the sustained number of submissions per second allowed per participant.
	// Zero disables limiting.
	SubmitRate  float64
	SubmitBurst int
}

// Validate ensures Config is usable.
func (c Config) Validate() error {
	if c.SealKey == "" && c.RepoPath == "" {
		return errors.New("either a seal key or a repo path is required")
	}
	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("invalid registry config: %w", err)
	}
	if c.RedisAddr != "" && c.RedisChannel == "" {
		return errors.New("a redis channel is required with a redis address")
	}
	if c.SubmitRate < 0 {
		return errors.New("submit rate must not be negative")
	}
	if c.SubmitRate > 0 && c.SubmitBurst < 1 {
		return errors.New("submit burst must be at least one")
	}
	return nil
}

// Service runs sealed-bid auctions for chat channels.
type Service struct {
	*registry.Registry

	ctx       context.Context
	finalizer *finalizer.Finalizer
}

// New returns a new Service. Auctions left unfinished by a previous run are recovered before
// it returns.
func New(conf Config, store ds.TxnDatastore) (*Service, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	fin := finalizer.NewFinalizer()
	ctx, cancel := context.WithCancel(context.Background())
	fin.AddFn(cancel)

	sealer, err := newSealer(conf)
	if err != nil {
		return nil, fin.Cleanupf("creating sealer: %v", err)
	}

	var members membership.Checker = membership.Everyone
	if conf.MembershipURL != "" {
		members, err = membership.NewHTTPChecker(conf.MembershipURL, conf.Registry.MembershipTimeout)
		if err != nil {
			return nil, fin.Cleanupf("creating membership checker: %v", err)
		}
	}

	gateways := notify.Multi{notify.LogGateway{}}
	if conf.WebhookURL != "" {
		wh, err := notify.NewWebhookGateway(conf.WebhookURL)
		if err != nil {
			return nil, fin.Cleanupf("creating webhook gateway: %v", err)
		}
		gateways = append(gateways, wh)
	}
	if conf.RedisAddr != "" {
		rg, err := notify.NewRedisGateway(ctx, conf.RedisAddr, conf.RedisChannel)
		if err != nil {
			return nil, fin.Cleanupf("creating redis gateway: %v", err)
		}
		fin.Add(rg)
		gateways = append(gateways, rg)
	}
	dispatcher := notify.NewDispatcher(gateways, conf.Notify)
	fin.Add(dispatcher)

	reg, err := registry.New(
		conf.Registry,
		newAuctionStore(store),
		commitment.New(store, sealer),
		membership.NewRosters(store),
		members,
		dispatcher,
		limiter.NewKeyedLimiter(conf.SubmitRate, conf.SubmitBurst),
	)
	if err != nil {
		return nil, fin.Cleanupf("creating registry: %v", err)
	}
	fin.Add(reg)

	if err := reg.Recover(ctx); err != nil {
		return nil, fin.Cleanupf("recovering auctions: %v", err)
	}

	s := &Service{
		Registry:  reg,
		ctx:       ctx,
		finalizer: fin,
	}
	fin.AddFn(s.printStats())
	log.Info("service started")
	return s, nil
}

// Close the service.
func (s *Service) Close() error {
	log.Info("service was shutdown")
	return s.finalizer.Cleanup(nil)
}

func newSealer(conf Config) (*seal.Sealer, error) {
	if conf.SealKey != "" {
		return seal.NewFromHex(conf.SealKey)
	}
	key, err := seal.LoadOrCreateKey(filepath.Join(conf.RepoPath, sealKeyFile))
	if err != nil {
		return nil, err
	}
	return seal.New(key)
}

func newAuctionStore(d ds.TxnDatastore) registry.AuctionStore {
	return store.New(d)
}

func (s *Service) printStats() func() {
	startAt := time.Now()
	tk := time.NewTicker(statsInterval)
	stop := make(chan struct{})
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				open, err := s.ListAuctions(s.ctx, store.Query{
					States: []auction.State{auction.StateOpen},
					Limit:  -1,
				})
				if err != nil {
					log.Errorf("store not healthy: %v", err)
					continue
				}
				log.Infof("sealbid up %v, %d open auctions, %d armed timers",
					time.Since(startAt).Round(time.Second), len(open), s.Armed())
			}
		}
	}()
	return func() { close(stop) }
}
