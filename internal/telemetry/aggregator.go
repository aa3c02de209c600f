package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/phishguard/phishguard/internal/store"
)

// Aggregation parameters.
const (
	FlushIntervalScans = 100
	topSignalsLimit    = 10
)

// Drift status labels recorded per scan.
const (
	DriftNone        = "none"
	DriftWarning     = "warning"
	DriftSignificant = "significant"
)

// Metrics holds aggregate, anonymous counters about explanation outputs.
// No URLs, domains, IPs, or raw feature values are ever stored here.
type Metrics struct {
	TotalScans     int            `json:"total_scans"`
	ScansByVerdict map[string]int `json:"scans_by_verdict"`

	ScansWithCompleteAnalysis   int `json:"scans_with_complete_analysis"`
	ScansWithIncompleteAnalysis int `json:"scans_with_incomplete_analysis"`

	ScansWithAllowlistOverride    int `json:"scans_with_allowlist_override"`
	ScansWithoutAllowlistOverride int `json:"scans_without_allowlist_override"`

	ScansByDriftStatus map[string]int `json:"scans_by_drift_status"`

	TotalRiskSignals     int `json:"total_risk_signals"`
	TotalPositiveSignals int `json:"total_positive_signals"`

	TopRiskSignals map[string]int `json:"top_risk_signals"`

	CollectionStart string `json:"collection_start"`
	LastUpdated     string `json:"last_updated"`
}

func newMetrics() *Metrics {
	return &Metrics{
		ScansByVerdict:     map[string]int{"SAFE": 0, "SUSPICIOUS": 0, "PHISHING": 0},
		ScansByDriftStatus: map[string]int{DriftNone: 0, DriftWarning: 0, DriftSignificant: 0},
		TopRiskSignals:     map[string]int{},
		CollectionStart:    time.Now().UTC().Format(time.RFC3339),
	}
}

// Aggregator is a fail-safe recorder of explanation telemetry. Recording
// never returns an error into the scan path; failures are logged and
// swallowed.
type Aggregator struct {
	mu              sync.Mutex
	path            string
	metrics         *Metrics
	scansSinceFlush int
}

// NewAggregator loads persisted metrics from path or starts fresh.
func NewAggregator(path string) *Aggregator {
	a := &Aggregator{path: path, metrics: newMetrics()}

	data, err := os.ReadFile(path)
	if err == nil {
		loaded := newMetrics()
		if err := json.Unmarshal(data, loaded); err != nil {
			slog.Warn("telemetry metrics unreadable, starting fresh", "path", path, "err", err)
		} else {
			a.metrics = loaded
		}
	}
	return a
}

// Record folds one completed scan into the aggregate counters. Flushes to
// disk every FlushIntervalScans scans.
func (a *Aggregator) Record(res *store.ScanResult, driftStatus string) {
	if res == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.metrics
	m.TotalScans++
	if _, ok := m.ScansByVerdict[string(res.Verdict)]; ok {
		m.ScansByVerdict[string(res.Verdict)]++
	}
	if res.AnalysisComplete {
		m.ScansWithCompleteAnalysis++
	} else {
		m.ScansWithIncompleteAnalysis++
	}
	if res.AllowlistOverride {
		m.ScansWithAllowlistOverride++
	} else {
		m.ScansWithoutAllowlistOverride++
	}
	if _, ok := m.ScansByDriftStatus[driftStatus]; ok {
		m.ScansByDriftStatus[driftStatus]++
	}

	m.TotalRiskSignals += len(res.Explanation.RiskSignals)
	m.TotalPositiveSignals += len(res.Explanation.PositiveSignals)

	for _, signal := range res.Explanation.RiskSignals {
		m.TopRiskSignals[SanitizeSignal(signal.Feature)]++
	}
	m.TopRiskSignals = trimToTop(m.TopRiskSignals, topSignalsLimit)
	m.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	a.scansSinceFlush++
	if a.scansSinceFlush >= FlushIntervalScans {
		a.flushLocked()
		a.scansSinceFlush = 0
	}
}

// SanitizeSignal maps a human-readable explanation signal to a stable
// anonymous bucket. Anything that carries a value or a domain collapses to
// its category.
func SanitizeSignal(signal string) string {
	s := strings.ToLower(strings.TrimSpace(signal))
	switch {
	case strings.Contains(s, "whois") && strings.Contains(s, "failed"):
		return "whois_failed"
	case strings.Contains(s, "dns") && strings.Contains(s, "failed"):
		return "dns_failed"
	case strings.Contains(s, "http") && strings.Contains(s, "failed"):
		return "http_failed"
	case strings.Contains(s, "domain age"):
		return "domain_age"
	case strings.Contains(s, "https"):
		return "https_status"
	case strings.Contains(s, "ssl") || strings.Contains(s, "certificate"):
		return "ssl_certificate"
	case strings.Contains(s, "trusted") || strings.Contains(s, "allowlist"):
		return "trusted_domain"
	case strings.Contains(s, "redirect"):
		return "redirect_detected"
	case strings.Contains(s, "suspicious"):
		return "suspicious_pattern"
	case strings.Contains(s, "ip") && strings.Contains(s, "address"):
		return "ip_address_pattern"
	case strings.Contains(s, "shortener") || strings.Contains(s, "short"):
		return "url_shortener"
	case strings.Contains(s, "form"):
		return "form_detected"
	case strings.Contains(s, "iframe"):
		return "iframe_detected"
	default:
		return "other_signal"
	}
}

func trimToTop(counts map[string]int, n int) map[string]int {
	if len(counts) <= n {
		return counts
	}
	type kv struct {
		k string
		v int
	}
	items := make([]kv, 0, len(counts))
	for k, v := range counts {
		items = append(items, kv{k, v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].v != items[j].v {
			return items[i].v > items[j].v
		}
		return items[i].k < items[j].k
	})
	trimmed := make(map[string]int, n)
	for _, it := range items[:n] {
		trimmed[it.k] = it.v
	}
	return trimmed
}

// Flush writes the current metrics to disk.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
}

func (a *Aggregator) flushLocked() {
	if dir := filepath.Dir(a.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("telemetry flush failed", "err", err)
			return
		}
	}
	data, err := json.MarshalIndent(a.metrics, "", "  ")
	if err != nil {
		slog.Warn("telemetry flush failed", "err", err)
		return
	}
	if err := os.WriteFile(a.path, data, 0o644); err != nil {
		slog.Warn("telemetry flush failed", "err", err)
	}
}

// Close flushes on shutdown.
func (a *Aggregator) Close() {
	a.Flush()
}

// Summary is the monitoring view served by the telemetry endpoint.
type Summary struct {
	TotalScans             int               `json:"total_scans"`
	VerdictDistribution    map[string]string `json:"verdict_distribution"`
	IncompleteAnalysisRate string            `json:"incomplete_analysis_rate"`
	AllowlistOverrideRate  string            `json:"allowlist_override_rate"`
	DriftStatuses          map[string]int    `json:"drift_status_distribution"`
	AvgRiskSignalsPerScan  float64           `json:"avg_risk_signals_per_scan"`
	TopRiskSignals         []string          `json:"top_risk_signals"`
	CollectionStart        string            `json:"collection_start"`
	LastUpdated            string            `json:"last_updated"`
}

// Summary returns the current aggregate view with rates precomputed.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.metrics
	total := m.TotalScans
	if total == 0 {
		total = 1
	}

	dist := make(map[string]string, len(m.ScansByVerdict))
	for k, v := range m.ScansByVerdict {
		dist[k] = fmt.Sprintf("%.1f%%", float64(v)/float64(total)*100)
	}

	top := make([]string, 0, 5)
	for _, it := range sortedSignals(m.TopRiskSignals) {
		if len(top) == 5 {
			break
		}
		top = append(top, it)
	}

	drift := make(map[string]int, len(m.ScansByDriftStatus))
	for k, v := range m.ScansByDriftStatus {
		drift[k] = v
	}

	return Summary{
		TotalScans:             m.TotalScans,
		VerdictDistribution:    dist,
		IncompleteAnalysisRate: fmt.Sprintf("%.1f%%", float64(m.ScansWithIncompleteAnalysis)/float64(total)*100),
		AllowlistOverrideRate:  fmt.Sprintf("%.1f%%", float64(m.ScansWithAllowlistOverride)/float64(total)*100),
		DriftStatuses:          drift,
		AvgRiskSignalsPerScan:  float64(m.TotalRiskSignals) / float64(total),
		TopRiskSignals:         top,
		CollectionStart:        m.CollectionStart,
		LastUpdated:            m.LastUpdated,
	}
}

func sortedSignals(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Reset clears all counters and persists the empty state.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = newMetrics()
	a.scansSinceFlush = 0
	a.flushLocked()
}
