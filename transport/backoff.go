package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig configures exponential backoff.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the base delay added at random
}

// DefaultBackoff is used when a transport isn't configured otherwise.
var DefaultBackoff = BackoffConfig{
	Initial:    time.Second,
	Max:        30 * time.Second,
	Multiplier: 2,
	Jitter:     0.25,
}

// Backoff calculates exponential backoff delays with jitter.
type Backoff struct {
	mu      sync.Mutex
	cfg     BackoffConfig
	current time.Duration
	rng     *rand.Rand
}

// NewBackoff creates a backoff calculator, zero fields of cfg fall back to DefaultBackoff.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultBackoff.Initial
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultBackoff.Max
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultBackoff.Multiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{
		cfg:     cfg,
		current: cfg.Initial,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay with jitter and advances the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.current
	if b.cfg.Jitter > 0 {
		d += time.Duration(float64(d) * b.cfg.Jitter * b.rng.Float64())
	}
	next := time.Duration(float64(b.current) * b.cfg.Multiplier)
	if next > b.cfg.Max {
		next = b.cfg.Max
	}
	b.current = next
	return d
}

// Current returns the current base delay without jitter.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Reset resets the backoff after a successful attempt.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = b.cfg.Initial
	b.mu.Unlock()
}

// RetryPolicy bounds transient error retries.
type RetryPolicy struct {
	MaxAttempts int // including the first one
	Backoff     BackoffConfig
}

// DefaultRetryPolicy is used by all transports unless overridden.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	Backoff:     DefaultBackoff,
}

// Retry calls fn until it succeeds, returns an error that is not a
// network error, runs out of attempts or ctx is done. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	b := NewBackoff(p.Backoff)
	var err error
	for i := 0; i < p.MaxAttempts; i++ {
		if i != 0 {
			t := time.NewTimer(b.Next())
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return err
			}
		}
		if err = fn(ctx); err == nil || !IsNetworkError(err) {
			return err
		}
	}
	return err
}
