package retry

import (
	"testing"
	"time"
)

func TestBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	b := NewBackoff(Config{Base: time.Second, Factor: 2, Cap: 30 * time.Second})
	expected := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, want := range expected {
		if got := b.Next(); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	b := NewBackoff(Config{Base: time.Second, Factor: 2, Cap: 30 * time.Second, Jitter: 0.1})
	for i := 0; i < 20; i++ {
		d := b.Next()
		if d < 0 {
			t.Fatalf("negative delay %v", d)
		}
		if d > 33*time.Second {
			t.Fatalf("delay %v exceeds cap plus jitter", d)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(Config{Base: time.Second, Factor: 2, Cap: 30 * time.Second})
	_ = b.Next()
	_ = b.Next()
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("expected reset sequence to restart at base, got %v", got)
	}
}

func TestWindowAllowsUpToLimit(t *testing.T) {
	now := time.Now()
	w := NewWindow(5, time.Minute)
	for i := 0; i < 5; i++ {
		if !w.Allow(now.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event %d within limit was denied", i+1)
		}
	}
	// The sixth restart inside the rolling window exhausts the policy.
	if w.Allow(now.Add(6 * time.Second)) {
		t.Fatal("expected sixth event within window to be denied")
	}
}

func TestWindowAgesOutOldEvents(t *testing.T) {
	now := time.Now()
	w := NewWindow(2, time.Minute)
	if !w.Allow(now) || !w.Allow(now.Add(time.Second)) {
		t.Fatal("events within limit denied")
	}
	if w.Allow(now.Add(2 * time.Second)) {
		t.Fatal("expected third event to be denied")
	}
	// After the window slides past the early events the policy recovers.
	if !w.Allow(now.Add(2 * time.Minute)) {
		t.Fatal("expected event after window slid to be allowed")
	}
}
