// Package acquisition implements the end-to-end pipeline from a set of
// capability descriptors to a bound capability: discover, select, install,
// spawn, handshake, bind, record. Concurrent acquisitions whose descriptor
// kinds overlap coalesce through a keyed in-flight table, so a second
// caller attaches to the running pipeline's outcome instead of starting a
// duplicate.
package acquisition

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viable-systems/capacquire/apitypes"
	"github.com/viable-systems/capacquire/internal/capability"
	"github.com/viable-systems/capacquire/internal/discovery"
	"github.com/viable-systems/capacquire/internal/events"
	"github.com/viable-systems/capacquire/internal/installer"
	"github.com/viable-systems/capacquire/internal/servermanager"
	"github.com/viable-systems/capacquire/internal/telemetry"
	"github.com/viable-systems/capacquire/internal/toolerrors"
	"github.com/viable-systems/capacquire/internal/toolserver"
)

// Options tunes one Acquire call.
type Options struct {
	// TopK bounds how many ranked candidates the pipeline tries. Default 3.
	TopK int
	// Force bypasses the idempotence shortcut (capability already bound).
	Force bool
	// Timeout bounds the whole pipeline run. Default 120s.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.TopK == 0 {
		o.TopK = 3
	}
	if o.Timeout == 0 {
		o.Timeout = 120 * time.Second
	}
	return o
}

// Pipeline runs acquisitions end to end.
type Pipeline struct {
	discovery *discovery.Discovery
	installer *installer.Installer
	manager   *servermanager.Manager
	registry  *capability.Registry
	bus       events.Bus
	logger    telemetry.Logger

	// ServerDefaults seeds the supervision fields (timeouts, restart policy)
	// of every tool-server the pipeline spawns; command, args, env, and cwd
	// always come from the installation's run spec.
	ServerDefaults toolserver.Config

	mu             sync.Mutex
	inflightByKind map[string]*inflightEntry

	recordsMu  sync.Mutex
	records    []apitypes.AcquisitionRecord
	maxRecords int
}

type inflightEntry struct {
	done   chan struct{}
	record apitypes.AcquisitionRecord
}

// New constructs a Pipeline wired to its collaborators.
func New(d *discovery.Discovery, ins *installer.Installer, mgr *servermanager.Manager, reg *capability.Registry, bus events.Bus, logger telemetry.Logger) *Pipeline {
	return &Pipeline{
		discovery:      d,
		installer:      ins,
		manager:        mgr,
		registry:       reg,
		bus:            bus,
		logger:         logger,
		inflightByKind: make(map[string]*inflightEntry),
		maxRecords:     200,
	}
}

// Acquire runs the full pipeline for descriptors, or attaches to an
// already-running pipeline for an overlapping kind and returns its outcome.
func (p *Pipeline) Acquire(ctx context.Context, descriptors []apitypes.CapabilityDescriptor, opts Options) apitypes.AcquisitionRecord {
	opts = opts.withDefaults()
	kinds := uniqueKinds(descriptors)

	p.mu.Lock()
	var existing *inflightEntry
	for _, k := range kinds {
		if e, ok := p.inflightByKind[k]; ok {
			existing = e
			break
		}
	}
	if existing != nil {
		p.mu.Unlock()
		select {
		case <-existing.done:
			return existing.record
		case <-ctx.Done():
			return apitypes.AcquisitionRecord{
				AcquisitionID: uuid.NewString(),
				Descriptors:   descriptors,
				StartedAt:     time.Now(),
				FinishedAt:    time.Now(),
				Outcome:       apitypes.AcquisitionFailed,
				FailureStage:  "cancelled",
			}
		}
	}

	entry := &inflightEntry{done: make(chan struct{})}
	for _, k := range kinds {
		p.inflightByKind[k] = entry
	}
	p.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	record := p.run(runCtx, descriptors, opts)

	entry.record = record
	close(entry.done)

	p.mu.Lock()
	for _, k := range kinds {
		if p.inflightByKind[k] == entry {
			delete(p.inflightByKind, k)
		}
	}
	p.mu.Unlock()

	p.appendRecord(record)
	if p.bus != nil {
		p.bus.Publish(events.Event{Type: events.TypeAcquisitionDone, Payload: record})
	}
	return record
}

func (p *Pipeline) run(ctx context.Context, descriptors []apitypes.CapabilityDescriptor, opts Options) apitypes.AcquisitionRecord {
	started := time.Now()
	rec := apitypes.AcquisitionRecord{
		AcquisitionID: uuid.NewString(),
		Descriptors:   descriptors,
		StartedAt:     started,
	}

	if !opts.Force {
		if bound, names := p.alreadySatisfied(descriptors); bound {
			rec.Outcome = apitypes.AcquisitionOK
			rec.BoundCapability = names
			rec.FinishedAt = time.Now()
			return rec
		}
	}

	candidates, err := p.discovery.Discover(ctx, descriptors)
	if err != nil || len(candidates) == 0 {
		rec.Outcome = apitypes.AcquisitionFailed
		rec.FailureStage = "discover"
		rec.FinishedAt = time.Now()
		return rec
	}

	if len(candidates) > opts.TopK {
		candidates = candidates[:opts.TopK]
	}

	for _, cand := range candidates {
		if ctx.Err() != nil {
			rec.Outcome = apitypes.AcquisitionFailed
			rec.FailureStage = "cancelled"
			rec.FinishedAt = time.Now()
			return rec
		}

		attempt := apitypes.AcquisitionAttempt{Candidate: cand}

		installation, err := p.installer.Install(ctx, cand, false)
		if err != nil {
			attempt.Stage, attempt.Failed, attempt.Reason = "install", true, err.Error()
			rec.Attempts = append(rec.Attempts, attempt)
			continue
		}

		serverCfg := p.ServerDefaults
		serverCfg.ID = ""
		serverCfg.Command = installation.RunSpec.Command
		serverCfg.Args = installation.RunSpec.Args
		serverCfg.Cwd = installation.RunSpec.Cwd
		serverCfg.Env = envSliceFromMap(installation.RunSpec.Env)
		serverID, err := p.manager.StartServer(ctx, serverCfg)
		if err != nil {
			stage := "spawn"
			if toolerrors.HasCode(err, toolerrors.CodeServerInitFailed) || toolerrors.HasCode(err, toolerrors.CodeServerListFailed) {
				stage = "handshake"
			}
			attempt.Stage, attempt.Failed, attempt.Reason = stage, true, err.Error()
			rec.Attempts = append(rec.Attempts, attempt)
			continue
		}

		srv, err := p.manager.Get(serverID)
		if err != nil {
			attempt.Stage, attempt.Failed, attempt.Reason = "bind", true, "server vanished before bind"
			rec.Attempts = append(rec.Attempts, attempt)
			continue
		}

		bound := p.bindMatchingTools(srv.Tools(), serverID, descriptors)
		if len(bound) == 0 {
			attempt.Stage, attempt.Failed, attempt.Reason = "bind", true, "no declared tool satisfied any descriptor"
			rec.Attempts = append(rec.Attempts, attempt)
			_ = p.manager.StopServer(ctx, serverID, 5*time.Second)
			continue
		}

		rec.Attempts = append(rec.Attempts, attempt)
		rec.Outcome = apitypes.AcquisitionOK
		rec.ServerID = serverID
		rec.BoundCapability = bound
		rec.FinishedAt = time.Now()
		return rec
	}

	rec.Outcome = apitypes.AcquisitionFailed
	rec.FailureStage = "pipeline_exhausted"
	rec.FinishedAt = time.Now()
	return rec
}

// alreadySatisfied reports whether every descriptor's kind is already bound
// as a capability name to a live server (the idempotence shortcut).
func (p *Pipeline) alreadySatisfied(descriptors []apitypes.CapabilityDescriptor) (bool, []string) {
	var names []string
	for _, d := range descriptors {
		if _, _, err := p.registry.Resolve(d.Kind); err != nil {
			return false, nil
		}
		names = append(names, d.Kind)
	}
	return true, names
}

// bindMatchingTools binds every declared tool that satisfies at least one
// descriptor (the tool's name equals or contains the descriptor's kind, or
// search-term overlap with the tool's name/description), using the tool's own name as
// the capability name.
func (p *Pipeline) bindMatchingTools(tools []apitypes.ToolSpec, serverID string, descriptors []apitypes.CapabilityDescriptor) []string {
	var bound []string
	for _, tool := range tools {
		// Tools whose declared input schema failed to parse are never
		// bound; the server stays registered but the broken tool is not
		// routable as a capability.
		if tool.SchemaInvalid {
			continue
		}
		if !toolSatisfiesAny(tool, descriptors) {
			continue
		}
		p.registry.Bind(tool.Name, serverID, tool.Name)
		bound = append(bound, tool.Name)
	}
	sort.Strings(bound)
	return bound
}

func toolSatisfiesAny(tool apitypes.ToolSpec, descriptors []apitypes.CapabilityDescriptor) bool {
	toolWords := strings.Fields(strings.ToLower(tool.Name + " " + tool.Description))
	for _, d := range descriptors {
		if strings.EqualFold(tool.Name, d.Kind) || strings.Contains(strings.ToLower(tool.Name), strings.ToLower(d.Kind)) {
			return true
		}
		for term := range d.SearchTerms {
			term = strings.ToLower(term)
			for _, w := range toolWords {
				if w == term {
					return true
				}
			}
		}
	}
	return false
}

func uniqueKinds(descriptors []apitypes.CapabilityDescriptor) []string {
	seen := make(map[string]struct{}, len(descriptors))
	var kinds []string
	for _, d := range descriptors {
		if _, ok := seen[d.Kind]; ok {
			continue
		}
		seen[d.Kind] = struct{}{}
		kinds = append(kinds, d.Kind)
	}
	sort.Strings(kinds)
	return kinds
}

func envSliceFromMap(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (p *Pipeline) appendRecord(rec apitypes.AcquisitionRecord) {
	p.recordsMu.Lock()
	defer p.recordsMu.Unlock()
	p.records = append(p.records, rec)
	if over := len(p.records) - p.maxRecords; over > 0 {
		p.records = p.records[over:]
	}
}

// Records returns the last N acquisition records (or all, if fewer exist).
func (p *Pipeline) Records(n int) []apitypes.AcquisitionRecord {
	p.recordsMu.Lock()
	defer p.recordsMu.Unlock()
	if n <= 0 || n > len(p.records) {
		n = len(p.records)
	}
	out := make([]apitypes.AcquisitionRecord, n)
	copy(out, p.records[len(p.records)-n:])
	return out
}
