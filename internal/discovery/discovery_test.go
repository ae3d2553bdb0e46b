package discovery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/viable-systems/capacquire/apitypes"
	"github.com/viable-systems/capacquire/internal/telemetry"
)

type fakeCatalog struct {
	name    string
	queries int64
	entries []CatalogEntry
	err     error
	delay   time.Duration
}

func (f *fakeCatalog) Name() string { return f.name }

func (f *fakeCatalog) Query(ctx context.Context, term string) ([]CatalogEntry, error) {
	atomic.AddInt64(&f.queries, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func descriptor(kind string, terms ...string) apitypes.CapabilityDescriptor {
	set := make(map[string]bool, len(terms))
	for _, t := range terms {
		set[t] = true
	}
	return apitypes.CapabilityDescriptor{Kind: kind, Priority: apitypes.PriorityHigh, SearchTerms: set}
}

func TestDiscoverRanksByRelevanceAndQuality(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	cat := &fakeCatalog{name: "npm", entries: []CatalogEntry{
		{Name: "mcp-file-reader", Description: "mcp tool server for files", Keywords: []string{"file", "read", "mcp"}, Popularity: 0.9, LastUpdated: time.Now()},
		{Name: "mcp-file-other", Description: "mcp tool server", Keywords: []string{"file"}, Popularity: 0.1, LastUpdated: time.Now().AddDate(-3, 0, 0)},
		{Name: "unrelated-lib", Description: "a generic library", Keywords: []string{"generic"}, Popularity: 0.9, LastUpdated: time.Now()},
	}}
	d := New(Config{Catalogs: []Catalog{cat}}, logger)

	candidates, err := d.Discover(context.Background(), []apitypes.CapabilityDescriptor{descriptor("file", "file", "read")})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 tool-server candidates (marker filter), got %d: %+v", len(candidates), candidates)
	}
	if candidates[0].Name != "mcp-file-reader" {
		t.Fatalf("expected mcp-file-reader ranked first, got %s", candidates[0].Name)
	}
}

func TestDiscoverEmptyWithNoCatalogs(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	d := New(Config{}, logger)
	candidates, err := d.Discover(context.Background(), []apitypes.CapabilityDescriptor{descriptor("file", "file")})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected empty result, got %v", candidates)
	}
}

func TestDiscoverSwallowsCatalogFailure(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	failing := &fakeCatalog{name: "broken", err: context.DeadlineExceeded}
	working := &fakeCatalog{name: "npm", entries: []CatalogEntry{
		{Name: "mcp-search", Description: "mcp search tool", Keywords: []string{"search", "mcp"}, Popularity: 0.8, LastUpdated: time.Now()},
	}}
	d := New(Config{Catalogs: []Catalog{failing, working}}, logger)

	candidates, err := d.Discover(context.Background(), []apitypes.CapabilityDescriptor{descriptor("search", "search")})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Name != "mcp-search" {
		t.Fatalf("expected working catalog's candidate despite failing catalog, got %v", candidates)
	}
}

func TestDiscoverCachesAndCoalescesConcurrentCalls(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	cat := &fakeCatalog{name: "npm", delay: 50 * time.Millisecond, entries: []CatalogEntry{
		{Name: "mcp-thing", Description: "mcp tool", Keywords: []string{"thing", "mcp"}, Popularity: 0.7, LastUpdated: time.Now()},
	}}
	d := New(Config{Catalogs: []Catalog{cat}, CacheTTL: time.Minute}, logger)
	desc := []apitypes.CapabilityDescriptor{descriptor("thing", "thing")}

	const n = 5
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := d.Discover(context.Background(), desc)
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("concurrent discover: %v", err)
		}
	}
	if got := atomic.LoadInt64(&cat.queries); got != 1 {
		t.Fatalf("expected coalesced single upstream query, got %d", got)
	}

	if _, err := d.Discover(context.Background(), desc); err != nil {
		t.Fatalf("cached discover: %v", err)
	}
	if got := atomic.LoadInt64(&cat.queries); got != 1 {
		t.Fatalf("expected cache hit to avoid a second query, got %d", got)
	}
}
