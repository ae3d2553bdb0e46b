package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/viable-systems/capacquire/apitypes"
	"github.com/viable-systems/capacquire/internal/variety"
)

// fileConfig is the optional YAML overlay loaded from ACQUIRE_CONFIG_FILE.
// It is the single configuration surface for the variety weight/rule tables
// and the discovery alias table, replacing the divergent hardcoded copies
// the controller's predecessors carried.
type fileConfig struct {
	Variety struct {
		Weights             variety.Weights           `yaml:"weights"`
		Threshold           float64                   `yaml:"threshold"`
		VolatilityThreshold float64                   `yaml:"volatility_threshold"`
		TrendThreshold      float64                   `yaml:"trend_threshold"`
		CouplingThreshold   float64                   `yaml:"coupling_threshold"`
		Projection          map[string]fileDescriptor `yaml:"projection"`
	} `yaml:"variety"`

	Discovery struct {
		Marker   string              `yaml:"marker"`
		Aliases  map[string][]string `yaml:"aliases"`
		Catalogs []fileCatalog       `yaml:"catalogs"`
	} `yaml:"discovery"`
}

// fileDescriptor is the YAML-friendly form of a CapabilityDescriptor: search
// terms as a list rather than a set.
type fileDescriptor struct {
	Priority    string   `yaml:"priority"`
	SearchTerms []string `yaml:"search_terms"`
}

type fileCatalog struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// loadFileConfig parses path, or returns a zero fileConfig when path is
// empty (the controller runs with baked-in defaults and zero catalogs).
func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// varietyConfig merges the file overlay into a variety.Config; unset fields
// fall through to the calculator's own defaults. Weights default only as a
// whole: a weights block that sets some weights leaves the others at zero.
func (c fileConfig) varietyConfig() variety.Config {
	out := variety.Config{
		Weights:             c.Variety.Weights,
		Threshold:           c.Variety.Threshold,
		VolatilityThreshold: c.Variety.VolatilityThreshold,
		TrendThreshold:      c.Variety.TrendThreshold,
		CouplingThreshold:   c.Variety.CouplingThreshold,
	}
	if len(c.Variety.Projection) > 0 {
		out.Projection = make(map[string]apitypes.CapabilityDescriptor, len(c.Variety.Projection))
		for tag, fd := range c.Variety.Projection {
			terms := make(map[string]bool, len(fd.SearchTerms))
			for _, t := range fd.SearchTerms {
				terms[t] = true
			}
			priority := apitypes.Priority(fd.Priority)
			if priority == "" {
				priority = apitypes.PriorityMedium
			}
			out.Projection[tag] = apitypes.CapabilityDescriptor{Kind: tag, Priority: priority, SearchTerms: terms}
		}
	}
	return out
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float64 or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envMSOr returns an _MS-suffixed environment variable as a duration or a
// default.
func envMSOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
