// Package blocklist maintains an in-memory cache of known phishing URLs
// fetched from public feeds, checked ahead of model inference.
package blocklist

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/phishguard/phishguard/internal/domain"
)

// SourceKind selects the feed parser.
type SourceKind string

// Feed formats.
const (
	KindURLList SourceKind = "url_list"
	KindCSV     SourceKind = "csv"
)

// Source describes one blocklist feed.
type Source struct {
	Name      string        `yaml:"name"`
	URL       string        `yaml:"url"`
	Kind      SourceKind    `yaml:"kind"`
	URLColumn int           `yaml:"url_column"` // csv only, 0-indexed
	Refresh   time.Duration `yaml:"refresh"`
}

// DefaultSources are the public feeds consulted when no override is configured.
func DefaultSources() []Source {
	return []Source{
		{Name: "openphish", URL: "https://openphish.com/feed.txt", Kind: KindURLList, Refresh: time.Hour},
		{Name: "urlhaus", URL: "https://urlhaus.abuse.ch/downloads/text/", Kind: KindURLList, Refresh: time.Hour},
		{Name: "phishtank_lite", URL: "http://data.phishtank.com/data/online-valid.csv", Kind: KindCSV, URLColumn: 1, Refresh: 6 * time.Hour},
	}
}

const (
	fetchTimeout    = 30 * time.Second
	refreshInterval = time.Hour
)

// Match confidence by match granularity.
const (
	ConfidenceExactURL = 0.99
	ConfidenceDomain   = 0.85
)

// Result of a blocklist check.
type Result struct {
	Blocked       bool    `json:"is_blocked"`
	Source        string  `json:"source,omitempty"`
	MatchedURL    string  `json:"matched_url,omitempty"`
	MatchedDomain string  `json:"matched_domain,omitempty"`
	Confidence    float64 `json:"confidence"`
}

// Stats describes the current cache contents.
type Stats struct {
	TotalURLs    int            `json:"total_urls"`
	TotalDomains int            `json:"total_domains"`
	LastRefresh  time.Time      `json:"last_refresh"`
	Sources      map[string]int `json:"sources"`
}

// Checker fetches feeds and answers membership queries against an atomic
// snapshot of blocked URLs and registered domains.
type Checker struct {
	sources     []Source
	client      *http.Client
	breakers    map[string]*gobreaker.CircuitBreaker
	urls        map[string]bool
	domains     map[string]bool
	sourceStats map[string]int
	lastRefresh time.Time
	mu          sync.RWMutex
}

// New creates a Checker. A nil client gets the default with the feed timeout.
func New(sources []Source, client *http.Client) *Checker {
	if len(sources) == 0 {
		sources = DefaultSources()
	}
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(sources))
	for _, src := range sources {
		breakers[src.Name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "blocklist:" + src.Name,
			Timeout: 5 * time.Minute,
		})
	}
	return &Checker{
		sources:     sources,
		client:      client,
		breakers:    breakers,
		urls:        make(map[string]bool),
		domains:     make(map[string]bool),
		sourceStats: make(map[string]int),
	}
}

// Refresh fetches all feeds concurrently and swaps in the merged snapshot.
// Per-source failures are tolerated; the refresh fails only when every
// source fails.
func (c *Checker) Refresh(ctx context.Context) error {
	var (
		statsMu sync.Mutex
		newURLs = make(map[string]bool)
		stats   = make(map[string]int)
		failed  int
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, src := range c.sources {
		g.Go(func() error {
			urls, err := c.fetchSource(ctx, src)
			statsMu.Lock()
			defer statsMu.Unlock()
			if err != nil {
				slog.Warn("blocklist source fetch failed", "source", src.Name, "err", err)
				stats[src.Name] = 0
				failed++
				return nil
			}
			for u := range urls {
				newURLs[u] = true
			}
			stats[src.Name] = len(urls)
			slog.Info("blocklist source loaded", "source", src.Name, "urls", len(urls))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if failed == len(c.sources) {
		return fmt.Errorf("blocklist refresh: all %d sources failed", failed)
	}

	newDomains := make(map[string]bool)
	for u := range newURLs {
		if reg, err := domain.FromURL(u); err == nil && reg != "" {
			newDomains[strings.ToLower(reg)] = true
		}
	}

	c.mu.Lock()
	c.urls = newURLs
	c.domains = newDomains
	c.sourceStats = stats
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Checker) fetchSource(ctx context.Context, src Source) (map[string]bool, error) {
	body, err := c.breakers[src.Name].Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close() //nolint:errcheck // read-only close
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	})
	if err != nil {
		return nil, err
	}
	return parseFeed(src, string(body.([]byte))), nil
}

func parseFeed(src Source, body string) map[string]bool {
	urls := make(map[string]bool)
	lines := strings.Split(strings.TrimSpace(body), "\n")

	switch src.Kind {
	case KindCSV:
		// First line is the header.
		for _, line := range lines[1:] {
			parts := strings.Split(line, ",")
			if len(parts) <= src.URLColumn {
				continue
			}
			u := strings.Trim(strings.TrimSpace(parts[src.URLColumn]), `"`)
			if strings.HasPrefix(u, "http") {
				urls[NormalizeURL(u)] = true
			}
		}
	default: // url_list
		for _, line := range lines {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				urls[NormalizeURL(line)] = true
			}
		}
	}
	return urls
}

// NormalizeURL lowercases, trims, and strips a single trailing slash.
func NormalizeURL(url string) string {
	u := strings.ToLower(strings.TrimSpace(url))
	return strings.TrimSuffix(u, "/")
}

// Check reports whether a URL is on any blocklist. A stale cache triggers a
// refresh first; refresh failures fall back to the previous snapshot.
func (c *Checker) Check(ctx context.Context, url string) Result {
	if c.needsRefresh() {
		if err := c.Refresh(ctx); err != nil {
			slog.Warn("blocklist refresh failed, using previous snapshot", "err", err)
		}
	}

	normalized := NormalizeURL(url)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.urls[normalized] {
		return Result{
			Blocked:    true,
			Source:     "blocklist",
			MatchedURL: normalized,
			Confidence: ConfidenceExactURL,
		}
	}

	if reg, err := domain.FromURL(url); err == nil {
		if c.domains[strings.ToLower(reg)] {
			return Result{
				Blocked:       true,
				Source:        "blocklist_domain",
				MatchedDomain: strings.ToLower(reg),
				Confidence:    ConfidenceDomain,
			}
		}
	}

	return Result{Blocked: false}
}

func (c *Checker) needsRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh.IsZero() || time.Since(c.lastRefresh) > refreshInterval
}

// Stats returns a copy of the current cache statistics.
func (c *Checker) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sources := make(map[string]int, len(c.sourceStats))
	for k, v := range c.sourceStats {
		sources[k] = v
	}
	return Stats{
		TotalURLs:    len(c.urls),
		TotalDomains: len(c.domains),
		LastRefresh:  c.lastRefresh,
		Sources:      sources,
	}
}
