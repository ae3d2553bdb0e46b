// Package variety implements the variety calculator. It computes two
// aggregates, the system variety (weighted capability counts across the
// five VSM control layers) and the environmental variety (complexity,
// uncertainty, rate of change, interdependencies), derives the gap and
// ratio, and produces an ordered critical-area list plus a projection from
// those areas back to CapabilityDescriptors. The arithmetic is a pure,
// side-effect-free function so reports are reproducible.
package variety

import (
	"context"

	"github.com/viable-systems/capacquire/apitypes"
	"github.com/viable-systems/capacquire/internal/telemetry"
	"github.com/viable-systems/capacquire/internal/toolerrors"
)

// SystemSnapshot holds the per-subsystem capability counts that feed
// system_variety, one per VSM layer.
type SystemSnapshot struct {
	Operations   int
	Coordination int
	Control      int
	Intelligence int
	Policy       int
}

// EnvironmentSnapshot holds the raw factors that feed environmental_variety.
type EnvironmentSnapshot struct {
	Factors       []string
	Interactions  []string
	Unknowns      []string
	Volatility    float64
	RecentChanges []string
	Trend         float64
	Dependencies  []string
	Coupling      float64
}

// SubsystemCounter supplies one VSM layer's capability count. A
// collaborator that is missing or failing contributes zero rather than
// failing the report. Production collaborators are wired by cmd/acquired;
// tests and standalone use can pass nil.
type SubsystemCounter interface {
	Count(ctx context.Context) (int, error)
}

// Collaborators is the full set of per-subsystem counters. A nil field
// contributes zero, the same degrade path as a counter returning an error.
type Collaborators struct {
	Operations   SubsystemCounter
	Coordination SubsystemCounter
	Control      SubsystemCounter
	Intelligence SubsystemCounter
	Policy       SubsystemCounter
}

// Calculator gathers a SystemSnapshot from its collaborators and combines
// it with a caller-supplied EnvironmentSnapshot via the pure Compute
// function.
type Calculator struct {
	cfg    Config
	collab Collaborators
	logger telemetry.Logger
}

// New constructs a Calculator. logger may be telemetry.NoopLogger{}.
func New(cfg Config, collab Collaborators, logger telemetry.Logger) *Calculator {
	return &Calculator{cfg: cfg.WithDefaults(), logger: logger, collab: collab}
}

// Report gathers the current system snapshot from the configured
// collaborators and computes a VarietyReport against env. This is the only
// impure step (collaborators may do I/O); the arithmetic itself is Compute.
func (c *Calculator) Report(ctx context.Context, env EnvironmentSnapshot) apitypes.VarietyReport {
	system := SystemSnapshot{
		Operations:   c.gather(ctx, c.collab.Operations, "operations"),
		Coordination: c.gather(ctx, c.collab.Coordination, "coordination"),
		Control:      c.gather(ctx, c.collab.Control, "control"),
		Intelligence: c.gather(ctx, c.collab.Intelligence, "intelligence"),
		Policy:       c.gather(ctx, c.collab.Policy, "policy"),
	}
	return Compute(c.cfg, system, env)
}

func (c *Calculator) gather(ctx context.Context, counter SubsystemCounter, name string) int {
	if counter == nil {
		return 0
	}
	n, err := counter.Count(ctx)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn(ctx, "variety collaborator unavailable", "subsystem", name,
				"error", toolerrors.Wrap(toolerrors.CodeVarietyCollaboratorUnavailable, "count failed", err).Error())
		}
		return 0
	}
	return n
}

// Compute is the pure function at the heart of the calculator: repeated
// calls with equal cfg/system/env return byte-identical VarietyReports,
// since it touches nothing but its arguments.
func Compute(cfg Config, system SystemSnapshot, env EnvironmentSnapshot) apitypes.VarietyReport {
	cfg = cfg.WithDefaults()
	w := cfg.Weights

	systemVariety := float64(system.Operations)*w.Operations +
		float64(system.Coordination)*w.Coordination +
		float64(system.Control)*w.Control +
		float64(system.Intelligence)*w.Intelligence +
		float64(system.Policy)*w.Policy

	complexity := float64(len(env.Factors)) + 2*float64(len(env.Interactions))
	uncertainty := float64(len(env.Unknowns)) * (1 + env.Volatility)
	rateOfChange := float64(len(env.RecentChanges)) * env.Trend
	interdependencies := float64(len(env.Dependencies)) * (1 + env.Coupling)
	environmentalVariety := complexity + uncertainty + rateOfChange + interdependencies

	denom := environmentalVariety
	if denom < 1 {
		denom = 1
	}
	ratio := systemVariety / denom
	absoluteGap := environmentalVariety - systemVariety

	areas := evaluateRules(cfg, ratio, env)
	recs := recommend(cfg, ratio, areas)

	return apitypes.VarietyReport{
		SystemVariety:        systemVariety,
		EnvironmentalVariety: environmentalVariety,
		Ratio:                ratio,
		AbsoluteGap:          absoluteGap,
		CriticalAreas:        areas,
		Recommendations:      recs,
	}
}

// evaluateRules runs the fixed, ordered rule set against ratio/env and
// returns the tags whose condition holds, in declaration order, so report
// output is stable and comparable.
func evaluateRules(cfg Config, ratio float64, env EnvironmentSnapshot) []string {
	var areas []string
	for _, r := range defaultRules {
		if r.cond(cfg, ratio, env) {
			areas = append(areas, r.tag)
		}
	}
	return areas
}

func recommend(cfg Config, ratio float64, areas []string) []string {
	if len(areas) == 0 {
		return []string{"System has requisite variety", "Continue monitoring"}
	}
	recs := make([]string, 0, len(areas)+1)
	for _, a := range areas {
		recs = append(recs, "Acquire capability for "+a)
	}
	recs = append(recs, "Variety ratio below threshold")
	return recs
}

// ProjectDescriptors maps each critical-area tag to a CapabilityDescriptor
// via cfg's projection table, skipping tags with no entry. Order follows
// areas, which is already the rules' stable declaration order.
func ProjectDescriptors(cfg Config, areas []string) []apitypes.CapabilityDescriptor {
	cfg = cfg.WithDefaults()
	out := make([]apitypes.CapabilityDescriptor, 0, len(areas))
	for _, a := range areas {
		if d, ok := cfg.Projection[a]; ok {
			out = append(out, d)
		}
	}
	return out
}
