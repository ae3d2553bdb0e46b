// Package capability implements the registry that maps a capability name
// to the (server, tool) pair that serves it, and routes invocations
// through the server manager. Bindings live in a single in-memory map; an
// event-driven watcher drops bindings whose server has gone away.
package capability

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/viable-systems/capacquire/apitypes"
	"github.com/viable-systems/capacquire/internal/events"
	"github.com/viable-systems/capacquire/internal/servermanager"
	"github.com/viable-systems/capacquire/internal/toolerrors"
)

// Registry is the capability registry and router.
type Registry struct {
	mgr *servermanager.Manager
	bus events.Bus

	mu       sync.RWMutex
	bindings map[string]apitypes.CapabilityBinding

	sub events.Subscription
}

// New constructs a Registry routed through mgr, subscribing to bus for
// server_gone notifications so stale bindings are removed automatically.
func New(mgr *servermanager.Manager, bus events.Bus) *Registry {
	r := &Registry{
		mgr:      mgr,
		bus:      bus,
		bindings: make(map[string]apitypes.CapabilityBinding),
	}
	if bus != nil {
		r.sub = bus.Subscribe()
		go r.watch()
	}
	return r
}

func (r *Registry) watch() {
	for ev := range r.sub.C() {
		if ev.Type != events.TypeServerGone {
			continue
		}
		serverID, ok := ev.Payload.(string)
		if !ok {
			continue
		}
		r.unbindServer(serverID)
	}
}

// Close stops watching the event bus.
func (r *Registry) Close() {
	if r.sub != nil {
		r.sub.Close()
	}
}

// Bind replaces any prior binding for capabilityName atomically.
func (r *Registry) Bind(capabilityName, serverID, toolName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[capabilityName] = apitypes.CapabilityBinding{
		CapabilityName: capabilityName,
		ServerID:       serverID,
		ToolName:       toolName,
		AcquiredAt:     time.Now(),
	}
	if r.bus != nil {
		r.bus.Publish(events.Event{Type: events.TypeCapabilityBound, Payload: r.bindings[capabilityName]})
	}
}

// Unbind removes a capability's binding, if any.
func (r *Registry) Unbind(capabilityName string) {
	r.mu.Lock()
	_, existed := r.bindings[capabilityName]
	delete(r.bindings, capabilityName)
	r.mu.Unlock()
	if existed && r.bus != nil {
		r.bus.Publish(events.Event{Type: events.TypeCapabilityUnbind, Payload: capabilityName})
	}
}

func (r *Registry) unbindServer(serverID string) {
	r.mu.Lock()
	var removed []string
	for name, b := range r.bindings {
		if b.ServerID == serverID {
			delete(r.bindings, name)
			removed = append(removed, name)
		}
	}
	r.mu.Unlock()
	if r.bus != nil {
		for _, name := range removed {
			r.bus.Publish(events.Event{Type: events.TypeCapabilityUnbind, Payload: name})
		}
	}
}

// Resolve returns the (server_id, tool_name) pair bound to capabilityName.
func (r *Registry) Resolve(capabilityName string) (serverID, toolName string, err error) {
	r.mu.RLock()
	b, ok := r.bindings[capabilityName]
	r.mu.RUnlock()
	if !ok {
		return "", "", toolerrors.Newf(toolerrors.CodeInvokeNotBound, "capability %q is not bound", capabilityName)
	}
	return b.ServerID, b.ToolName, nil
}

// List returns every current binding, ordered by capability name for
// deterministic output.
func (r *Registry) List() []apitypes.CapabilityBinding {
	r.mu.RLock()
	out := make([]apitypes.CapabilityBinding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CapabilityName < out[j].CapabilityName })
	return out
}

// Invoke resolves capabilityName and dispatches to the bound server. The
// (server_id, tool_name) pair is resolved under the read lock before any
// wire call, and the server handle is then fetched from the manager by that
// id; if the manager no longer holds the server, Invoke fails with
// invoke.not_bound instead of calling it. Bindings of a stopped server are
// removed asynchronously, when the watcher receives its server.gone event.
func (r *Registry) Invoke(ctx context.Context, capabilityName string, args any, timeout time.Duration) (json.RawMessage, error) {
	serverID, toolName, err := r.Resolve(capabilityName)
	if err != nil {
		return nil, err
	}
	srv, err := r.mgr.Get(serverID)
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.CodeInvokeNotBound, "bound server no longer live", err)
	}
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return srv.Invoke(callCtx, toolName, args)
}

// Refresh re-scans every live server's declared tools and rebinds
// capabilities by name: for each tool T on server S, bind capability T to
// (S, T). Ties are broken by server start time, earliest wins.
func (r *Registry) Refresh() {
	views := r.mgr.List()
	sort.Slice(views, func(i, j int) bool { return views[i].ReadyAt.Before(views[j].ReadyAt) })

	fresh := make(map[string]apitypes.CapabilityBinding)
	for _, v := range views {
		if v.State == apitypes.ServerStopped || v.State == apitypes.ServerStopping {
			continue
		}
		for _, tool := range v.Tools {
			if _, claimed := fresh[tool.Name]; claimed {
				continue
			}
			fresh[tool.Name] = apitypes.CapabilityBinding{
				CapabilityName: tool.Name,
				ServerID:       v.ServerID,
				ToolName:       tool.Name,
				AcquiredAt:     time.Now(),
			}
		}
	}

	r.mu.Lock()
	r.bindings = fresh
	r.mu.Unlock()
}
