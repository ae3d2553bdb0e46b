// Package servermanager is the keyed registry of live tool-server
// processes. It owns the server_id → *toolserver.Server table, serializes
// start/stop per id, drives each server's periodic health-check tick, and
// broadcasts lifecycle events (notably server.gone, which the capability
// registry uses to drop stale bindings). The table is purely in-memory;
// the controller keeps no state across restarts.
package servermanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viable-systems/capacquire/apitypes"
	"github.com/viable-systems/capacquire/internal/events"
	"github.com/viable-systems/capacquire/internal/telemetry"
	"github.com/viable-systems/capacquire/internal/toolerrors"
	"github.com/viable-systems/capacquire/internal/toolserver"
)

// Manager is the tool-server process registry.
type Manager struct {
	logger telemetry.Logger
	bus    events.Bus

	mu      sync.RWMutex
	servers map[string]*entry
	// perID serializes start/stop for a given id without blocking other ids.
	perID map[string]*sync.Mutex
}

type entry struct {
	server *toolserver.Server
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an empty Manager.
func New(logger telemetry.Logger, bus events.Bus) *Manager {
	return &Manager{
		logger:  logger,
		bus:     bus,
		servers: make(map[string]*entry),
		perID:   make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.perID[id]
	if !ok {
		l = &sync.Mutex{}
		m.perID[id] = l
	}
	return l
}

// StartServer spawns a new tool-server with a fresh, process-generated id
// and registers it. It blocks until the server reaches ready or fails.
func (m *Manager) StartServer(ctx context.Context, cfg toolserver.Config) (string, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	lock := m.lockFor(cfg.ID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	_, exists := m.servers[cfg.ID]
	m.mu.RUnlock()
	if exists {
		return "", toolerrors.Newf(toolerrors.CodeServerSpawnFailed, "server id %s already registered", cfg.ID)
	}

	srv := toolserver.New(cfg, m.logger, m.bus)
	if err := srv.Start(ctx); err != nil {
		return "", err
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	e := &entry{server: srv, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.servers[cfg.ID] = e
	m.mu.Unlock()

	interval := cfg.WithDefaults().HealthInterval
	go m.healthLoop(healthCtx, e, interval)

	return cfg.ID, nil
}

func (m *Manager) healthLoop(ctx context.Context, e *entry, interval time.Duration) {
	defer close(e.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.server.HealthCheck(ctx)
			if e.server.State() == apitypes.ServerStopped {
				m.remove(e.server.ID())
				return
			}
		}
	}
}

// StopServer stops and deregisters a server by id.
func (m *Manager) StopServer(ctx context.Context, id string, grace time.Duration) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	e, ok := m.servers[id]
	m.mu.RUnlock()
	if !ok {
		return toolerrors.Newf(toolerrors.CodeInvokeNotBound, "no such server %s", id)
	}

	e.cancel()
	<-e.done
	e.server.Stop(ctx, grace)
	m.remove(id)
	return nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, id)
}

// Get returns the live server for id, or not-found.
func (m *Manager) Get(id string) (*toolserver.Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.servers[id]
	if !ok {
		return nil, toolerrors.Newf(toolerrors.CodeInvokeNotBound, "no such server %s", id)
	}
	return e.server, nil
}

// List returns a lock-light snapshot of every registered server.
func (m *Manager) List() []apitypes.ServerView {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.servers))
	for _, e := range m.servers {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	views := make([]apitypes.ServerView, 0, len(entries))
	for _, e := range entries {
		views = append(views, e.server.View())
	}
	return views
}

// Shutdown stops every registered server, used on daemon shutdown.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.StopServer(ctx, id, grace)
		}(id)
	}
	wg.Wait()
}
