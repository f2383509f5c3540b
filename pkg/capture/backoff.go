package capture

import (
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
)

// BackoffConfig holds the tiered reconnect delay policy. Attempts inside
// ImmediateWindow of the first failure retry at once; after that attempts are
// delayed by ShortDelay until LongWindow has elapsed, then by LongDelay for
// as long as the target keeps asking for a connection.
type BackoffConfig struct {
	ImmediateWindow time.Duration `default:"15s"`
	ShortDelay      time.Duration `default:"5s"`
	LongWindow      time.Duration `default:"5m"`
	LongDelay       time.Duration `default:"60s"`
}

// DefaultBackoffConfig returns the default tier thresholds.
func DefaultBackoffConfig() BackoffConfig {
	cfg := BackoffConfig{}
	defaults.SetDefaults(&cfg)
	return cfg
}

// Backoff rate-limits repeated connect attempts without blocking a fresh
// request indefinitely. It tracks the start of the current capture campaign
// and gates each connect attempt behind a one-shot timer sized by Delay.
//
// The campaign start (since) is set by the first Gate of a campaign and
// cleared by Disarm, which the controller calls whenever reconciliation
// moves away from a pending capture. A campaign is therefore in progress if
// and only if a capture action is pending.
type Backoff struct {
	cfg BackoffConfig

	mu    sync.Mutex
	since time.Time
	timer *time.Timer

	now func() time.Time
}

// NewBackoff creates a Backoff with the given tier configuration.
func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg, now: time.Now}
}

// Delay returns how long a connect attempt started at now should wait.
// Zero when not retrying or still inside the immediate window. For a fixed
// campaign start the result is non-decreasing in now.
func (b *Backoff) Delay(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delayLocked(now)
}

func (b *Backoff) delayLocked(now time.Time) time.Duration {
	if b.since.IsZero() {
		return 0
	}

	elapsed := now.Sub(b.since)
	switch {
	case elapsed < b.cfg.ImmediateWindow:
		return 0
	case elapsed < b.cfg.LongWindow:
		return b.cfg.ShortDelay
	default:
		return b.cfg.LongDelay
	}
}

// Gate arms a one-shot timer for the current delay and returns the channel
// it releases; a zero delay yields an already-released gate. Each connect
// attempt calls Gate once before dialing. The first Gate of a campaign also
// records the campaign start.
//
// At most one connect action is ever in flight, so at most one gate timer is
// outstanding at a time.
func (b *Backoff) Gate() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.since.IsZero() {
		b.since = now
	}

	gate := make(chan struct{})

	delay := b.delayLocked(now)
	if delay <= 0 {
		close(gate)
		return gate
	}

	b.timer = time.AfterFunc(delay, func() {
		close(gate)
	})
	return gate
}

// Disarm stops any pending gate timer and clears the campaign start. The
// next Gate begins a fresh campaign with zero delay.
//
// A connect action still waiting on a disarmed gate is not released here;
// the controller cancels that action's context alongside the disarm.
func (b *Backoff) Disarm() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.since = time.Time{}
}

// Retrying reports whether a capture campaign is in progress.
func (b *Backoff) Retrying() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.since.IsZero()
}

// Since returns the campaign start, zero when not retrying.
func (b *Backoff) Since() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.since
}
