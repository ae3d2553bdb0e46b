package variety

import "github.com/viable-systems/capacquire/apitypes"

// Weights scales each of the five VSM sub-system counts before they are
// summed into system_variety.
type Weights struct {
	Operations   float64 `yaml:"operations"`
	Coordination float64 `yaml:"coordination"`
	Control      float64 `yaml:"control"`
	Intelligence float64 `yaml:"intelligence"`
	Policy       float64 `yaml:"policy"`
}

// Config parameterizes the variety calculator: the sub-system weights, the
// rule thresholds, and the critical-area projection table, all loadable
// from ACQUIRE_CONFIG_FILE as one configuration surface.
type Config struct {
	Weights Weights `yaml:"weights"`

	// Threshold is the ratio the daemon and the first critical-area rule
	// compare against. Default 0.85.
	Threshold float64 `yaml:"threshold"`
	// VolatilityThreshold, TrendThreshold, and CouplingThreshold gate the
	// environmental_sensing, adaptive_control, and coordination_patterns
	// rules respectively.
	VolatilityThreshold float64 `yaml:"volatility_threshold"`
	TrendThreshold      float64 `yaml:"trend_threshold"`
	CouplingThreshold   float64 `yaml:"coupling_threshold"`

	// Projection maps a critical-area tag to the descriptor the daemon
	// hands the acquisition pipeline when that area is flagged.
	Projection map[string]apitypes.CapabilityDescriptor `yaml:"-"`
}

// WithDefaults fills unset fields with the controller's documented defaults.
func (c Config) WithDefaults() Config {
	if c.Weights == (Weights{}) {
		c.Weights = Weights{Operations: 1, Coordination: 1, Control: 1, Intelligence: 1, Policy: 1}
	}
	if c.Threshold == 0 {
		c.Threshold = 0.85
	}
	if c.VolatilityThreshold == 0 {
		c.VolatilityThreshold = 0.5
	}
	if c.TrendThreshold == 0 {
		c.TrendThreshold = 0.5
	}
	if c.CouplingThreshold == 0 {
		c.CouplingThreshold = 0.5
	}
	if c.Projection == nil {
		c.Projection = DefaultProjection()
	}
	return c
}

// DefaultProjection is the static critical-area to descriptor table used
// when no configuration file overrides it. It covers the four tags the
// default rule set can produce.
func DefaultProjection() map[string]apitypes.CapabilityDescriptor {
	return map[string]apitypes.CapabilityDescriptor{
		"operational_capabilities": {
			Kind:        "operational_capabilities",
			Priority:    apitypes.PriorityHigh,
			SearchTerms: set("tool", "automation", "execute", "file"),
		},
		"environmental_sensing": {
			Kind:        "environmental_sensing",
			Priority:    apitypes.PriorityMedium,
			SearchTerms: set("monitor", "sensor", "observe", "search"),
		},
		"adaptive_control": {
			Kind:        "adaptive_control",
			Priority:    apitypes.PriorityMedium,
			SearchTerms: set("control", "adapt", "feedback"),
		},
		"coordination_patterns": {
			Kind:        "coordination_patterns",
			Priority:    apitypes.PriorityLow,
			SearchTerms: set("coordination", "orchestration", "workflow"),
		},
	}
}

func set(terms ...string) map[string]bool {
	m := make(map[string]bool, len(terms))
	for _, t := range terms {
		m[t] = true
	}
	return m
}

type rule struct {
	tag  string
	cond func(cfg Config, ratio float64, env EnvironmentSnapshot) bool
}

// defaultRules is the fixed, ordered rule set behind the critical-area
// list. Declaration order is report order.
var defaultRules = []rule{
	{
		tag: "operational_capabilities",
		cond: func(cfg Config, ratio float64, _ EnvironmentSnapshot) bool {
			return ratio < cfg.Threshold
		},
	},
	{
		tag: "environmental_sensing",
		cond: func(cfg Config, _ float64, env EnvironmentSnapshot) bool {
			return len(env.Unknowns) > 0 && env.Volatility >= cfg.VolatilityThreshold
		},
	},
	{
		tag: "adaptive_control",
		cond: func(cfg Config, _ float64, env EnvironmentSnapshot) bool {
			return len(env.RecentChanges) > 0 && env.Trend >= cfg.TrendThreshold
		},
	},
	{
		tag: "coordination_patterns",
		cond: func(cfg Config, _ float64, env EnvironmentSnapshot) bool {
			return len(env.Dependencies) > 0 && env.Coupling >= cfg.CouplingThreshold
		},
	},
}
