// Package apitypes holds the data model shared across the acquisition
// controller's internal packages: capability descriptors, discovered
// candidates, installations, tool-server views, and the reports produced by
// the variety calculator and acquisition pipeline. Types here are immutable
// value objects unless documented otherwise; nothing in this package owns a
// goroutine or a lock.
package apitypes

import (
	"sort"
	"time"
)

type (
	// Priority ranks how urgently a CapabilityDescriptor needs to be
	// satisfied. Higher-priority descriptors are not treated specially by
	// the acquisition pipeline (it processes one descriptor group at a
	// time regardless of priority) but are available for callers and
	// ordering of critical areas.
	Priority string

	// CapabilityDescriptor is "what is needed": a structured request for a
	// missing capability. It is produced by the variety calculator from a
	// gap report, or supplied directly by an external caller via
	// inject-gap. Immutable once constructed.
	CapabilityDescriptor struct {
		Kind        string          `json:"kind" validate:"required"`
		Priority    Priority        `json:"priority" validate:"required,oneof=high medium low"`
		SearchTerms map[string]bool `json:"search_terms" validate:"required,min=1"`
	}

	// Source identifies where a Candidate's package originates, which
	// mechanism the installer uses to materialize it.
	Source string

	// Candidate is a discovered installable package that might supply one
	// or more capabilities. Produced by discovery, immutable.
	Candidate struct {
		Name           string   `json:"name" validate:"required"`
		Version        string   `json:"version" validate:"required"`
		Source         Source   `json:"source" validate:"required,oneof=registry git local"`
		InstallCommand string   `json:"install_command"`
		Capabilities   []string `json:"capabilities"`
		RelevanceScore float64  `json:"relevance_score"`
		QualityScore   float64  `json:"quality_score"`
	}

	// InstallStatus is the outcome of an install attempt.
	InstallStatus string

	// Installation is the on-disk result of installing a Candidate.
	// Produced by the installer, owned by the server manager once the
	// resulting server is spawned.
	Installation struct {
		Candidate   Candidate     `json:"candidate"`
		InstallPath string        `json:"install_path"`
		Status      InstallStatus `json:"status"`
		InstalledAt time.Time     `json:"installed_at"`
		RunSpec     RunSpec       `json:"run_spec"`
	}

	// RunSpec is a runnable command specification produced by the
	// installer and consumed by the tool-server process manager to spawn
	// a child.
	RunSpec struct {
		Command string            `json:"command" validate:"required"`
		Args    []string          `json:"args"`
		Env     map[string]string `json:"env"`
		Cwd     string            `json:"cwd"`
	}

	// ToolSpec is a method a tool-server advertises in its tools/list
	// response.
	ToolSpec struct {
		Name          string `json:"name"`
		Description   string `json:"description"`
		InputSchema   []byte `json:"input_schema"`
		SchemaInvalid bool   `json:"schema_invalid"`
	}

	// ServerState is a ToolServer's position in its lifecycle state machine.
	ServerState string

	// ServerView is a read-only snapshot of a ToolServer, safe to hand to
	// callers outside the server manager's lock.
	ServerView struct {
		ServerID            string      `json:"server_id"`
		Command             string      `json:"command"`
		Args                []string    `json:"args"`
		State               ServerState `json:"state"`
		Tools               []ToolSpec  `json:"tools"`
		ReadyAt             time.Time   `json:"ready_at,omitempty"`
		ConsecutiveFailures int         `json:"consecutive_failures"`
		LastHealthCheck     time.Time   `json:"last_health_check,omitempty"`
	}

	// CapabilityBinding maps a capability name to the (server, tool) pair
	// that serves it. A capability is bound to exactly one server at a
	// time; rebinding replaces atomically.
	CapabilityBinding struct {
		CapabilityName string    `json:"capability_name"`
		ServerID       string    `json:"server_id"`
		ToolName       string    `json:"tool_name"`
		AcquiredAt     time.Time `json:"acquired_at"`
	}

	// VarietyReport is the output of the variety calculator's Report.
	VarietyReport struct {
		SystemVariety        float64  `json:"system_variety"`
		EnvironmentalVariety float64  `json:"environmental_variety"`
		Ratio                float64  `json:"ratio"`
		AbsoluteGap          float64  `json:"absolute_gap"`
		CriticalAreas        []string `json:"critical_areas"`
		Recommendations      []string `json:"recommendations"`
	}

	// AcquisitionOutcome is the terminal state of an AcquisitionRecord.
	AcquisitionOutcome string

	// AcquisitionAttempt records one candidate's pass through the
	// acquisition pipeline, successful or not.
	AcquisitionAttempt struct {
		Candidate Candidate `json:"candidate"`
		Stage     string    `json:"stage"`
		Failed    bool      `json:"failed"`
		Reason    string    `json:"reason,omitempty"`
	}

	// AcquisitionRecord is the full history of one acquire() call,
	// appended to an in-memory bounded ring buffer.
	AcquisitionRecord struct {
		AcquisitionID   string                 `json:"acquisition_id"`
		Descriptors     []CapabilityDescriptor `json:"descriptors"`
		StartedAt       time.Time              `json:"started_at"`
		FinishedAt      time.Time              `json:"finished_at"`
		Outcome         AcquisitionOutcome     `json:"outcome"`
		FailureStage    string                 `json:"failure_stage,omitempty"`
		ServerID        string                 `json:"server_id,omitempty"`
		BoundCapability []string               `json:"bound_capabilities,omitempty"`
		Attempts        []AcquisitionAttempt   `json:"attempts,omitempty"`
	}
)

// Priority levels recognized by the controller.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Candidate sources.
const (
	SourceRegistry Source = "registry"
	SourceGit      Source = "git"
	SourceLocal    Source = "local"
)

// Installation outcomes.
const (
	InstallReady  InstallStatus = "ready"
	InstallFailed InstallStatus = "failed"
)

// Tool-server lifecycle states.
const (
	ServerStarting     ServerState = "starting"
	ServerInitializing ServerState = "initializing"
	ServerReady        ServerState = "ready"
	ServerDegraded     ServerState = "degraded"
	ServerRestarting   ServerState = "restarting"
	ServerStopping     ServerState = "stopping"
	ServerStopped      ServerState = "stopped"
)

// Acquisition outcomes.
const (
	AcquisitionOK     AcquisitionOutcome = "ok"
	AcquisitionFailed AcquisitionOutcome = "failed"
)

// Key returns a stable identity for a descriptor's search terms, used by
// discovery's cache.
// Descriptors with the same kind and term set produce the same key
// regardless of map iteration order.
func (d CapabilityDescriptor) Key() string {
	terms := make([]string, 0, len(d.SearchTerms))
	for t := range d.SearchTerms {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	key := d.Kind + "|"
	for i, t := range terms {
		if i > 0 {
			key += ","
		}
		key += t
	}
	return key
}
