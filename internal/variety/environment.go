package variety

import (
	"context"
	"sync"
)

// EnvironmentProvider supplies the current EnvironmentSnapshot on each
// daemon tick. Environmental sensing itself is an external collaborator;
// the controller only needs the snapshot, not how it is produced.
type EnvironmentProvider interface {
	Snapshot(ctx context.Context) EnvironmentSnapshot
}

// StaticEnvironment is an EnvironmentProvider backed by a value that can be
// replaced at any time, safe for concurrent use. It is the default wiring
// for cmd/acquired until a real environmental-sensing subsystem exists,
// and also what inject-gap style tests use to drive specific ratios.
type StaticEnvironment struct {
	mu   sync.RWMutex
	snap EnvironmentSnapshot
}

// NewStaticEnvironment constructs a StaticEnvironment seeded with initial.
func NewStaticEnvironment(initial EnvironmentSnapshot) *StaticEnvironment {
	return &StaticEnvironment{snap: initial}
}

// Set replaces the current snapshot.
func (s *StaticEnvironment) Set(snap EnvironmentSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

// Snapshot implements EnvironmentProvider.
func (s *StaticEnvironment) Snapshot(context.Context) EnvironmentSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
