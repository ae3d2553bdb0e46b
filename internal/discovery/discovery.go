// Package discovery turns a set of capability descriptors into ranked
// installable candidates by querying one or more package catalogs.
// Catalog fan-out is bounded via errgroup and rate-limited per process;
// each catalog sits behind its own circuit breaker so an outage degrades
// to "skip it". Results are cached with a TTL, and concurrent queries for
// the same descriptor set coalesce through singleflight into exactly one
// upstream fan-out.
package discovery

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/viable-systems/capacquire/apitypes"
	"github.com/viable-systems/capacquire/internal/telemetry"
)

// CatalogEntry is one package registry result.
type CatalogEntry struct {
	Name        string
	Version     string
	Description string
	Keywords    []string
	Popularity  float64
	LastUpdated time.Time

	// Source and InstallCommand are optional installation hints some
	// catalogs provide; Source defaults to registry when unset.
	Source         apitypes.Source
	InstallCommand string
}

// Catalog is a pluggable package registry client. The core only requires
// the per-entry fields above; how Query fetches them (HTTP+JSON in
// production) is outside this package's concern.
type Catalog interface {
	Name() string
	Query(ctx context.Context, term string) ([]CatalogEntry, error)
}

// Config parameterizes a Discovery instance.
type Config struct {
	Catalogs []Catalog
	// CacheTTL bounds how long a descriptor set's ranked result is reused.
	CacheTTL time.Duration
	// MaxConcurrency bounds how many catalog queries run in parallel.
	MaxConcurrency int
	// Marker is the substring/tag an entry's name/description/keywords must
	// contain to be considered a tool-server package (default "mcp").
	Marker string
	// AliasTable optionally maps a descriptor kind to additional known
	// package-name search terms, queried alongside the descriptor's own
	// search_terms.
	AliasTable map[string][]string
	// RateLimit bounds outbound catalog queries per second, process-wide.
	RateLimit rate.Limit
}

// WithDefaults fills unset fields with the controller's documented defaults.
func (c Config) WithDefaults() Config {
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 8
	}
	if c.Marker == "" {
		c.Marker = "mcp"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 20
	}
	return c
}

type cacheEntry struct {
	candidates []apitypes.Candidate
	expiresAt  time.Time
}

// Discovery queries catalogs and ranks candidates.
type Discovery struct {
	cfg      Config
	logger   telemetry.Logger
	validate *validator.Validate
	limiter  *rate.Limiter
	group    singleflight.Group

	breakers map[string]*gobreaker.CircuitBreaker

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a Discovery over the given catalogs.
func New(cfg Config, logger telemetry.Logger) *Discovery {
	cfg = cfg.WithDefaults()
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(cfg.Catalogs))
	for _, cat := range cfg.Catalogs {
		breakers[cat.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cat.Name(),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return &Discovery{
		cfg:      cfg,
		logger:   logger,
		validate: validator.New(),
		limiter:  rate.NewLimiter(cfg.RateLimit, int(cfg.RateLimit)+1),
		breakers: breakers,
		cache:    make(map[string]cacheEntry),
	}
}

// Discover returns ranked candidates for the given descriptors, best first.
// Zero catalogs or total catalog failure yields an empty slice, not an
// error; the acquisition pipeline decides the policy for an empty result.
func (d *Discovery) Discover(ctx context.Context, descriptors []apitypes.CapabilityDescriptor) ([]apitypes.Candidate, error) {
	valid := make([]apitypes.CapabilityDescriptor, 0, len(descriptors))
	for _, desc := range descriptors {
		if err := d.validate.Struct(desc); err != nil {
			d.logger.Warn(ctx, "dropping invalid descriptor", "kind", desc.Kind, "error", err.Error())
			continue
		}
		valid = append(valid, desc)
	}
	if len(valid) == 0 {
		return nil, nil
	}

	key := cacheKey(valid)

	d.mu.Lock()
	if entry, ok := d.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		d.mu.Unlock()
		return append([]apitypes.Candidate(nil), entry.candidates...), nil
	}
	d.mu.Unlock()

	result, err, _ := d.group.Do(key, func() (any, error) {
		candidates, err := d.queryAll(ctx, valid)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cache[key] = cacheEntry{candidates: candidates, expiresAt: time.Now().Add(d.cfg.CacheTTL)}
		d.mu.Unlock()
		return candidates, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]apitypes.Candidate), nil
}

func (d *Discovery) queryAll(ctx context.Context, descriptors []apitypes.CapabilityDescriptor) ([]apitypes.Candidate, error) {
	terms := d.termsFor(descriptors)

	type rawResult struct {
		entries []CatalogEntry
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrency)

	results := make([]rawResult, len(d.cfg.Catalogs))
	for i, cat := range d.cfg.Catalogs {
		i, cat := i, cat
		g.Go(func() error {
			for _, term := range terms {
				if err := d.limiter.Wait(gctx); err != nil {
					return nil
				}
				out, err := d.breakers[cat.Name()].Execute(func() (any, error) {
					return cat.Query(gctx, term)
				})
				if err != nil {
					d.logger.Warn(gctx, "catalog query failed", "catalog", cat.Name(), "term", term, "error", err.Error())
					continue
				}
				results[i].entries = append(results[i].entries, out.([]CatalogEntry)...)
			}
			return nil
		})
	}
	// errgroup.Group.Wait never returns a non-nil error here: every
	// catalog failure is swallowed and logged inside the goroutine, so a
	// single failing catalog only narrows the result set.
	_ = g.Wait()

	seen := make(map[string]apitypes.Candidate)
	for i := range results {
		for _, entry := range results[i].entries {
			if !looksLikeToolServer(entry, d.cfg.Marker) {
				continue
			}
			cand := d.score(descriptors, entry)
			if existing, ok := seen[cand.Name]; !ok || cand.RelevanceScore*cand.QualityScore > existing.RelevanceScore*existing.QualityScore {
				seen[cand.Name] = cand
			}
		}
	}

	out := make([]apitypes.Candidate, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RelevanceScore*out[i].QualityScore > out[j].RelevanceScore*out[j].QualityScore
	})
	return out, nil
}

func (d *Discovery) termsFor(descriptors []apitypes.CapabilityDescriptor) []string {
	seen := make(map[string]struct{})
	var terms []string
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	for _, desc := range descriptors {
		for t := range desc.SearchTerms {
			add(t)
		}
		for _, alias := range d.cfg.AliasTable[desc.Kind] {
			add(alias)
		}
	}
	return terms
}

func looksLikeToolServer(entry CatalogEntry, marker string) bool {
	marker = strings.ToLower(marker)
	if strings.Contains(strings.ToLower(entry.Name), marker) {
		return true
	}
	if strings.Contains(strings.ToLower(entry.Description), marker) {
		return true
	}
	for _, kw := range entry.Keywords {
		if strings.Contains(strings.ToLower(kw), marker) {
			return true
		}
	}
	return false
}

func (d *Discovery) score(descriptors []apitypes.CapabilityDescriptor, entry CatalogEntry) apitypes.Candidate {
	best := 0.0
	for _, desc := range descriptors {
		j := jaccard(desc.SearchTerms, entry.Keywords)
		if j > best {
			best = j
		}
	}
	recency := recencyFactor(entry.LastUpdated)
	relevance := clamp01(best * clamp01(entry.Popularity) * recency)
	if relevance == 0 && best > 0 {
		// Popularity/recency of zero would otherwise zero out an exact
		// keyword match entirely; floor it so relevance still reflects the
		// term overlap itself.
		relevance = best * 0.1
	}

	quality := 0.0
	if isOfficialNamespace(entry.Name) {
		quality += 0.4
	}
	if time.Since(entry.LastUpdated) < 90*24*time.Hour {
		quality += 0.3
	}
	if entry.Popularity >= 0.5 {
		quality += 0.3
	}
	quality = clamp01(quality)

	source := entry.Source
	if source == "" {
		source = apitypes.SourceRegistry
	}
	return apitypes.Candidate{
		Name:           entry.Name,
		Version:        entry.Version,
		Source:         source,
		InstallCommand: entry.InstallCommand,
		Capabilities:   entry.Keywords,
		RelevanceScore: relevance,
		QualityScore:   quality,
	}
}

// jaccard computes |A∩B| / |A∪B| between a descriptor's search terms and a
// catalog entry's derived keywords, case-insensitively.
func jaccard(a map[string]bool, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for t := range a {
		setA[strings.ToLower(t)] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[strings.ToLower(t)] = struct{}{}
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// recencyFactor applies an exponential half-life of one year: an entry
// updated today scores 1.0, one updated a year ago scores 0.5.
func recencyFactor(lastUpdated time.Time) float64 {
	if lastUpdated.IsZero() {
		return 0.5
	}
	age := time.Since(lastUpdated)
	const halfLife = 365 * 24 * time.Hour
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

func isOfficialNamespace(name string) bool {
	return strings.HasPrefix(name, "@modelcontextprotocol/") || strings.HasPrefix(name, "official-")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func cacheKey(descriptors []apitypes.CapabilityDescriptor) string {
	keys := make([]string, len(descriptors))
	for i, d := range descriptors {
		keys[i] = d.Key()
	}
	sort.Strings(keys)
	return strings.Join(keys, ";")
}
