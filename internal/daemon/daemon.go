// Package daemon implements the control loop: a periodic tick that
// re-evaluates the variety gap, an on-demand "inject gap" path that
// bypasses the calculator, and the hand-off of descriptor sets to the
// acquisition pipeline bounded by a concurrency limit with a bounded
// overflow queue.
package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/viable-systems/capacquire/apitypes"
	"github.com/viable-systems/capacquire/internal/acquisition"
	"github.com/viable-systems/capacquire/internal/events"
	"github.com/viable-systems/capacquire/internal/servermanager"
	"github.com/viable-systems/capacquire/internal/telemetry"
	"github.com/viable-systems/capacquire/internal/variety"
)

// Config parameterizes the daemon's tick cadence and concurrency bounds.
type Config struct {
	// TickInterval is how often the daemon re-evaluates the variety gap.
	// Default 30s (ACQUIRE_INTERVAL_MS).
	TickInterval time.Duration
	// MaxConcurrentAcquisitions bounds concurrent pipeline runs. Default 3.
	MaxConcurrentAcquisitions int
	// QueueDepth bounds the backlog of tick-triggered acquisitions waiting
	// for a concurrency slot; excess is dropped with a logged warning.
	QueueDepth int
	// AcquireTimeout bounds each pipeline run. Default 120s.
	AcquireTimeout time.Duration
	// ShutdownGrace bounds how long Shutdown waits for in-flight
	// acquisitions before force-terminating tool servers.
	ShutdownGrace time.Duration
	// FailureStreakForAdvisory is how many consecutive failed acquisitions
	// raise the advisory flag surfaced via Status.
	FailureStreakForAdvisory int

	Variety variety.Config
}

// WithDefaults fills unset fields with the controller's documented defaults.
func (c Config) WithDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.MaxConcurrentAcquisitions == 0 {
		c.MaxConcurrentAcquisitions = 3
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 8
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 120 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.FailureStreakForAdvisory == 0 {
		c.FailureStreakForAdvisory = 3
	}
	return c
}

// Status is the composed report served by the status endpoint: the latest
// variety report, the live server list, and in-flight acquisitions.
type Status struct {
	Variety              apitypes.VarietyReport       `json:"variety"`
	Servers              []apitypes.ServerView        `json:"servers"`
	InFlightAcquisitions int                          `json:"in_flight_acquisitions"`
	Advisory             bool                         `json:"advisory_degraded"`
	RecentAcquisitions   []apitypes.AcquisitionRecord `json:"recent_acquisitions"`
}

// Daemon is the monitoring control loop.
type Daemon struct {
	cfg      Config
	calc     *variety.Calculator
	env      variety.EnvironmentProvider
	pipeline *acquisition.Pipeline
	manager  *servermanager.Manager
	bus      events.Bus
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	sem        *semaphore.Weighted
	inFlight   atomic.Int64
	queue      chan []apitypes.CapabilityDescriptor
	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	shuttingDown atomic.Bool

	lastReportMu sync.RWMutex
	lastReport   apitypes.VarietyReport

	failureStreak atomic.Int64
	advisory      atomic.Bool
}

// New constructs a Daemon wired to its collaborators. ctx is the root
// context; cancelling it (or calling Shutdown) stops the tick loop.
func New(ctx context.Context, cfg Config, calc *variety.Calculator, env variety.EnvironmentProvider,
	pipeline *acquisition.Pipeline, manager *servermanager.Manager, bus events.Bus,
	logger telemetry.Logger, metrics telemetry.Metrics) *Daemon {
	cfg = cfg.WithDefaults()
	rootCtx, cancel := context.WithCancel(ctx)
	return &Daemon{
		cfg:        cfg,
		calc:       calc,
		env:        env,
		pipeline:   pipeline,
		manager:    manager,
		bus:        bus,
		logger:     logger,
		metrics:    metrics,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentAcquisitions)),
		queue:      make(chan []apitypes.CapabilityDescriptor, cfg.QueueDepth),
		rootCtx:    rootCtx,
		rootCancel: cancel,
	}
}

// Start runs the tick loop in a background goroutine until the daemon's
// root context is cancelled or Shutdown is called.
func (d *Daemon) Start() {
	d.wg.Add(1)
	go d.run()

	if d.bus != nil {
		sub := d.bus.Subscribe()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.watchEvents(sub)
		}()
	}
}

func (d *Daemon) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.rootCtx.Done():
			return
		case <-ticker.C:
			d.tick(d.rootCtx)
		}
	}
}

// watchEvents logs server lifecycle transitions. They are advisory: the
// loop never acts on them beyond metrics and logging.
func (d *Daemon) watchEvents(sub events.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-d.rootCtx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			switch ev.Type {
			case events.TypeServerRestarting:
				d.metrics.IncCounter("toolserver_restarts_total", 1)
				d.logger.Warn(d.rootCtx, "tool-server lifecycle event", "type", ev.Type)
			case events.TypeServerGone, events.TypeServerDegraded, events.TypeServerRestartExhausted:
				d.logger.Warn(d.rootCtx, "tool-server lifecycle event", "type", ev.Type)
			}
		}
	}
}

// tick computes a variety report, compares the ratio to the threshold,
// and if below, projects critical areas to descriptors and submits them
// for acquisition, bounded by MaxConcurrentAcquisitions with a bounded,
// drop-on-full overflow queue.
func (d *Daemon) tick(ctx context.Context) {
	report := d.calc.Report(ctx, d.env.Snapshot(ctx))
	d.setLastReport(report)
	d.metrics.SetGauge("variety_ratio", report.Ratio)
	if d.bus != nil {
		d.bus.Publish(events.Event{Type: events.TypeVarietyReport, Payload: report})
	}

	if report.Ratio >= d.cfg.Variety.WithDefaults().Threshold {
		d.logger.Debug(ctx, "variety ratio at or above threshold, no acquisition needed", "ratio", report.Ratio)
		return
	}

	descriptors := variety.ProjectDescriptors(d.cfg.Variety, report.CriticalAreas)
	if len(descriptors) == 0 {
		d.logger.Warn(ctx, "variety gap detected but no descriptor projection for critical areas", "critical_areas", report.CriticalAreas)
		return
	}

	d.submitTick(descriptors)
}

// submitTick tries to start an acquisition immediately; if the concurrency
// bound is already saturated it enqueues, and if the bounded queue is also
// full the gap is dropped with a logged warning rather than growing the
// backlog unbounded.
func (d *Daemon) submitTick(descriptors []apitypes.CapabilityDescriptor) {
	if d.sem.TryAcquire(1) {
		d.spawnAcquire(descriptors)
		return
	}
	select {
	case d.queue <- descriptors:
		d.logger.Warn(d.rootCtx, "acquisition queued at max concurrency", "max_concurrent", d.cfg.MaxConcurrentAcquisitions)
	default:
		d.logger.Warn(d.rootCtx, "acquisition queue full, dropping gap", "queue_depth", d.cfg.QueueDepth)
		d.metrics.IncCounter("acquisitions_dropped_total", 1)
	}
}

func (d *Daemon) spawnAcquire(descriptors []apitypes.CapabilityDescriptor) {
	d.wg.Add(1)
	d.inFlight.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		defer d.inFlight.Add(-1)

		runCtx, cancel := context.WithTimeout(d.rootCtx, d.cfg.AcquireTimeout)
		defer cancel()
		rec := d.pipeline.Acquire(runCtx, descriptors, acquisition.Options{Timeout: d.cfg.AcquireTimeout})
		d.recordOutcome(rec)
		d.drainQueue()
	}()
}

func (d *Daemon) drainQueue() {
	select {
	case next := <-d.queue:
		if d.sem.TryAcquire(1) {
			d.spawnAcquire(next)
			return
		}
		// Raced with another submitter; put it back for the next drain.
		select {
		case d.queue <- next:
		default:
			d.logger.Warn(d.rootCtx, "acquisition dropped while draining saturated queue")
		}
	default:
	}
}

func (d *Daemon) recordOutcome(rec apitypes.AcquisitionRecord) {
	d.metrics.IncCounter("acquisitions_total", 1, "outcome", string(rec.Outcome))
	d.metrics.RecordTimer("acquisition_duration_seconds", rec.FinishedAt.Sub(rec.StartedAt))
	if rec.Outcome == apitypes.AcquisitionOK {
		d.failureStreak.Store(0)
		d.advisory.Store(false)
		return
	}
	streak := d.failureStreak.Add(1)
	if int(streak) >= d.cfg.FailureStreakForAdvisory {
		d.advisory.Store(true)
		d.logger.Warn(d.rootCtx, "repeated acquisition failures, advisory degraded flag raised", "streak", streak)
	}
}

// InjectGap bypasses the variety calculator: it constructs an acquisition
// request directly from the caller-supplied descriptors. Unlike the tick
// path it blocks for a free concurrency slot rather than dropping, since
// an explicit caller is waiting for a result.
func (d *Daemon) InjectGap(ctx context.Context, descriptors []apitypes.CapabilityDescriptor) (apitypes.AcquisitionRecord, error) {
	if d.shuttingDown.Load() {
		return apitypes.AcquisitionRecord{}, context.Canceled
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return apitypes.AcquisitionRecord{}, err
	}
	defer func() {
		d.sem.Release(1)
		d.drainQueue()
	}()

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.AcquireTimeout)
	defer cancel()
	rec := d.pipeline.Acquire(runCtx, descriptors, acquisition.Options{Timeout: d.cfg.AcquireTimeout})
	d.recordOutcome(rec)
	return rec, nil
}

func (d *Daemon) setLastReport(r apitypes.VarietyReport) {
	d.lastReportMu.Lock()
	d.lastReport = r
	d.lastReportMu.Unlock()
}

// LastReport returns the most recently computed VarietyReport, or the zero
// value before the first tick.
func (d *Daemon) LastReport() apitypes.VarietyReport {
	d.lastReportMu.RLock()
	defer d.lastReportMu.RUnlock()
	return d.lastReport
}

// Status composes the view served by the status endpoint.
func (d *Daemon) Status() Status {
	return Status{
		Variety:              d.LastReport(),
		Servers:              d.manager.List(),
		InFlightAcquisitions: int(d.inFlight.Load()),
		Advisory:             d.advisory.Load(),
		RecentAcquisitions:   d.pipeline.Records(20),
	}
}

// Shutdown cancels the tick loop, stops accepting inject-gap requests, and
// waits up to cfg.ShutdownGrace for in-flight acquisitions to finish before
// force-terminating outstanding tool servers via the server manager.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.shuttingDown.Store(true)
	d.rootCancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.cfg.ShutdownGrace):
		d.logger.Warn(ctx, "shutdown grace period elapsed with acquisitions still in flight")
	}

	d.manager.Shutdown(ctx, d.cfg.ShutdownGrace)
}
