package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/textileio/sealbid/lib/auction"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// ErrClosed indicates the dispatcher no longer accepts events.
var ErrClosed = errors.New("dispatcher is closed")

// Config configures a Dispatcher.
type Config struct {
	// Workers is the number of delivery workers. Events of one auction always go through the
	// same worker, so they are delivered in order.
	Workers int
	// QueueSize is the number of events each worker buffers.
	QueueSize int
	// Attempts bounds delivery attempts per event.
	Attempts int
	// AttemptTimeout bounds each delivery attempt.
	AttemptTimeout time.Duration
	// RetryInterval is the first delay between attempts. It grows exponentially.
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	c.AttemptTimeout = attemptTimeout(c.AttemptTimeout)
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	return c
}

// Dispatcher delivers events asynchronously through a Gateway with bounded retries.
type Dispatcher struct {
	gw     Gateway
	conf   Config
	queues []chan auction.Event

	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group

	mu     sync.RWMutex
	closed bool

	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

// NewDispatcher starts a Dispatcher.
func NewDispatcher(gw Gateway, conf Config) *Dispatcher {
	conf = conf.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		gw:     gw,
		conf:   conf,
		queues: make([]chan auction.Event, conf.Workers),
		ctx:    ctx,
		cancel: cancel,
	}

	meter := otel.Meter("sealbid/notify")
	var err error
	if d.delivered, err = meter.Int64Counter("sealbid.notify.delivered",
		metric.WithDescription("Events delivered to the gateway"),
		metric.WithUnit("{event}"),
	); err != nil {
		log.Errorf("creating delivered counter: %v", err)
	}
	if d.failed, err = meter.Int64Counter("sealbid.notify.failed",
		metric.WithDescription("Events that exhausted every delivery attempt"),
		metric.WithUnit("{event}"),
	); err != nil {
		log.Errorf("creating failed counter: %v", err)
	}

	for i := range d.queues {
		q := make(chan auction.Event, conf.QueueSize)
		d.queues[i] = q
		d.g.Go(func() error {
			for ev := range q {
				d.deliver(ev)
			}
			return nil
		})
	}
	return d
}

// Publish queues an event. It blocks while the auction's worker queue is full, until ctx is
// done.
func (d *Dispatcher) Publish(ctx context.Context, ev auction.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	q := d.queues[xxhash.Sum64String(string(ev.AuctionID))%uint64(len(d.queues))]
	select {
	case q <- ev:
		return nil
	case <-ctx.Done():
		log.Errorf("dropping event %s (%s) of auction %s: %v", ev.ID, ev.Type, ev.AuctionID, ctx.Err())
		return ctx.Err()
	}
}

// Close stops accepting events and waits until queued events were delivered or gave up.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	err := d.g.Wait()
	d.cancel()
	return err
}

func (d *Dispatcher) deliver(ev auction.Event) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.conf.RetryInterval
	b.MaxInterval = 30 * d.conf.RetryInterval

	attrs := metric.WithAttributes(attribute.String("type", string(ev.Type)))
	_, err := backoff.Retry(d.ctx, func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(d.ctx, d.conf.AttemptTimeout)
		defer cancel()
		return struct{}{}, d.gw.Deliver(ctx, ev)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.conf.Attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warnf("delivering event %s of auction %s: %v; retrying in %s", ev.ID, ev.AuctionID, err, next)
		}),
	)
	if err != nil {
		log.Errorf("giving up delivering event %s (%s) of auction %s: %v", ev.ID, ev.Type, ev.AuctionID, err)
		if d.failed != nil {
			d.failed.Add(d.ctx, 1, attrs)
		}
		return
	}
	log.Debugf("delivered event %s (%s) of auction %s", ev.ID, ev.Type, ev.AuctionID)
	if d.delivered != nil {
		d.delivered.Add(d.ctx, 1, attrs)
	}
}
