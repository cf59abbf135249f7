package limiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether the holder of a key may act now. It's an interface just so we can
// have a NopeLimiter which does nothing.
type Limiter interface {
	Allow(key string) bool
}

// KeyedLimiter is a token bucket per key. Buckets idle for longer than the expiry are
// dropped the next time the limiter sweeps.
type KeyedLimiter struct {
	limit  rate.Limit
	burst  int
	expiry time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter creates a Limiter allowing perSecond events per key with the given burst.
// A non-positive rate disables limiting.
func NewKeyedLimiter(perSecond float64, burst int) Limiter {
	if perSecond <= 0 {
		return NopeLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	// A bucket idle this long is full again, so forgetting it changes nothing.
	expiry := time.Duration(float64(burst)/perSecond*float64(time.Second)) + time.Minute
	return &KeyedLimiter{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		expiry:    expiry,
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
	}
}

// Allow reports whether key may act now, consuming a token if so.
func (kl *KeyedLimiter) Allow(key string) bool {
	now := time.Now()
	kl.mu.Lock()
	defer kl.mu.Unlock()
	if now.Sub(kl.lastSweep) > kl.expiry {
		for k, b := range kl.buckets {
			if now.Sub(b.lastSeen) > kl.expiry {
				delete(kl.buckets, k)
			}
		}
		kl.lastSweep = now
	}
	b, ok := kl.buckets[key]
	if !ok {
		b = &bucket{l: rate.NewLimiter(kl.limit, kl.burst)}
		kl.buckets[key] = b
	}
	b.lastSeen = now
	return b.l.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.buckets)
}

// NopeLimiter does no limit.
type NopeLimiter struct{}

// Allow always returns true.
func (l NopeLimiter) Allow(string) bool { return true }
