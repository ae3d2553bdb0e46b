// Package retry provides the exponential-backoff-with-jitter primitive
// used by the tool-server restart policy.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Config parameterizes a backoff sequence.
type Config struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Factor multiplies the delay after each attempt. 2.0 is exponential.
	Factor float64
	// Cap bounds the maximum delay.
	Cap time.Duration
	// Jitter adds up to this fraction of randomness to each delay (0.1 = ±10%).
	Jitter float64
}

// DefaultRestartPolicy is the supervision default: base 1s, factor 2, cap 30s.
func DefaultRestartPolicy() Config {
	return Config{Base: time.Second, Factor: 2, Cap: 30 * time.Second, Jitter: 0.1}
}

// Backoff generates successive delays for a Config. It is not safe for
// concurrent use; each restart attempt sequence should own one.
type Backoff struct {
	cfg     Config
	attempt int
}

// NewBackoff returns a Backoff sequence starting at attempt 0.
func NewBackoff(cfg Config) *Backoff {
	return &Backoff{cfg: cfg}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return delay(b.cfg, b.attempt)
}

// Reset returns the sequence to its initial state, e.g. after a successful
// health check resets the consecutive-failure counter.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt reports how many delays have been produced so far.
func (b *Backoff) Attempt() int { return b.attempt }

func delay(cfg Config, attempt int) time.Duration {
	d := float64(cfg.Base) * math.Pow(cfg.Factor, float64(attempt-1))
	if cap := float64(cfg.Cap); cap > 0 && d > cap {
		d = cap
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter, not security sensitive
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Window tracks how many events occurred within a rolling time window,
// used to enforce "at most N restarts within window W" (default N=5,
// W=60s).
type Window struct {
	limit int
	span  time.Duration
	times []time.Time
}

// NewWindow returns a rolling window allowing at most limit events per span.
func NewWindow(limit int, span time.Duration) *Window {
	return &Window{limit: limit, span: span}
}

// Allow records an event at now and reports whether it is within the limit.
// Once it returns false, the caller should treat the window as exhausted;
// Allow still records the event so exhaustion is sticky until old events age out.
func (w *Window) Allow(now time.Time) bool {
	cutoff := now.Add(-w.span)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = append(kept, now)
	return len(w.times) <= w.limit
}
