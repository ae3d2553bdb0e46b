package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/viable-systems/capacquire/apitypes"
	"github.com/viable-systems/capacquire/internal/toolerrors"
)

// HTTPCatalog is the conventional HTTP+JSON package-registry client: a GET
// against a base URL with the search term in the q parameter, returning a
// JSON array of entries carrying the fields documented in the
// package-registry interface (name, version, description, keywords,
// popularity in 0..1, last_updated as an ISO date).
type HTTPCatalog struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPCatalog constructs a catalog client named name querying baseURL.
// timeout bounds each request end to end (HTTP_TIMEOUT_MS, default 10s).
func NewHTTPCatalog(name, baseURL string, timeout time.Duration) *HTTPCatalog {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCatalog{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements Catalog.
func (c *HTTPCatalog) Name() string { return c.name }

type wireCatalogEntry struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Description    string   `json:"description"`
	Keywords       []string `json:"keywords"`
	Popularity     float64  `json:"popularity"`
	LastUpdated    string   `json:"last_updated"`
	Source         string   `json:"source,omitempty"`
	InstallCommand string   `json:"install_command,omitempty"`
}

// Query implements Catalog.
func (c *HTTPCatalog) Query(ctx context.Context, term string) ([]CatalogEntry, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.CodeDiscoverCatalogFail, "parse catalog URL", err)
	}
	q := u.Query()
	q.Set("q", term)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.CodeDiscoverCatalogFail, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.CodeDiscoverCatalogFail, "query catalog "+c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, toolerrors.Newf(toolerrors.CodeDiscoverCatalogFail, "catalog %s returned %s", c.name, resp.Status)
	}

	var wire []wireCatalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, toolerrors.Wrap(toolerrors.CodeDiscoverCatalogFail, fmt.Sprintf("decode catalog %s response", c.name), err)
	}

	entries := make([]CatalogEntry, 0, len(wire))
	for _, w := range wire {
		entries = append(entries, CatalogEntry{
			Name:           w.Name,
			Version:        w.Version,
			Description:    w.Description,
			Keywords:       w.Keywords,
			Popularity:     w.Popularity,
			LastUpdated:    parseISODate(w.LastUpdated),
			Source:         apitypes.Source(w.Source),
			InstallCommand: w.InstallCommand,
		})
	}
	return entries, nil
}

// parseISODate accepts either a full RFC 3339 timestamp or a bare ISO date.
// Unparseable input yields the zero time, which the scorer treats as
// "recency unknown" rather than an error.
func parseISODate(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t
	}
	return time.Time{}
}
