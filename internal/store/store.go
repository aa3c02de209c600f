// Package store defines the shared scan result types used across the service.
package store

import "time"

// Verdict classifies a scanned URL.
type Verdict string

// Verdict values, ordered by rising risk.
const (
	VerdictSafe       Verdict = "SAFE"
	VerdictSuspicious Verdict = "SUSPICIOUS"
	VerdictPhishing   Verdict = "PHISHING"
)

// Rank returns a sortable rank for a verdict (unknown verdicts rank lowest).
func (v Verdict) Rank() int {
	switch v {
	case VerdictSafe:
		return 1
	case VerdictSuspicious:
		return 2
	case VerdictPhishing:
		return 3
	default:
		return 0
	}
}

// SignalImpact is a single explanation signal with its contribution weight.
type SignalImpact struct {
	Feature string  `json:"feature"`
	Impact  float64 `json:"impact"`
}

// Explanation describes why a verdict was reached.
type Explanation struct {
	Summary         string         `json:"summary"`
	RiskLevel       string         `json:"risk_level"`
	PositiveSignals []SignalImpact `json:"positive_signals"`
	RiskSignals     []SignalImpact `json:"risk_signals"`
	Warnings        []string       `json:"warnings,omitempty"`
}

// ScanResult is the outcome of running a URL through the decision pipeline.
type ScanResult struct {
	ScannedAt         time.Time   `json:"scanned_at"`
	URL               string      `json:"url"`
	Verdict           Verdict     `json:"verdict"`
	RiskScore         float64     `json:"risk_score"`
	Probability       float64     `json:"probability"`
	DriftFlags        []string    `json:"drift_flags,omitempty"`
	Explanation       Explanation `json:"explanation"`
	DurationMS        int64       `json:"duration_ms"`
	AnalysisComplete  bool        `json:"analysis_complete"`
	MLBypassed        bool        `json:"ml_bypassed"`
	AllowlistOverride bool        `json:"allowlist_override"`
	BlocklistMatch    bool        `json:"blocklist_match"`
	Cached            bool        `json:"cached"`
}

// Risk score band boundaries.
const (
	RiskBandCritical = 85.0
	RiskBandHigh     = 70.0
	RiskBandElevated = 55.0
	RiskBandLow      = 30.0
)

// RiskLevel maps a 0-100 risk score to its descriptive band.
func RiskLevel(score float64) string {
	switch {
	case score >= RiskBandCritical:
		return "Critical Risk"
	case score >= RiskBandHigh:
		return "High Risk"
	case score >= RiskBandElevated:
		return "Elevated Risk"
	case score >= RiskBandLow:
		return "Low Risk"
	default:
		return "Minimal Risk"
	}
}

// Snapshot is a point-in-time view of service state for the web and metrics layers.
type Snapshot struct {
	Timestamp        time.Time       `json:"timestamp"`
	Verdicts         map[Verdict]int `json:"verdicts"`
	FreezeReason     string          `json:"freeze_reason,omitempty"`
	CalibrationState string          `json:"calibration_state"`
	TotalScans       int             `json:"total_scans"`
	CacheHits        uint64          `json:"cache_hits"`
	CacheMisses      uint64          `json:"cache_misses"`
	BlocklistURLs    int             `json:"blocklist_urls"`
	BlocklistDomains int             `json:"blocklist_domains"`
	OverrideBudget   int             `json:"override_budget_remaining"`
	Frozen           bool            `json:"frozen"`
}
