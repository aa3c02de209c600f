package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/phishguard/phishguard/internal/feature"
	"github.com/phishguard/phishguard/internal/store"
)

func TestUpdate_EmptySnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.Update(store.Snapshot{Timestamp: time.Now()})

	for _, v := range []string{"SAFE", "SUSPICIOUS", "PHISHING"} {
		if got := testutil.ToFloat64(c.verdicts.With(prometheus.Labels{"verdict": v})); got != 0 {
			t.Errorf("verdicts{%s} = %v, want 0", v, got)
		}
	}
	if got := testutil.ToFloat64(c.frozen); got != 0 {
		t.Errorf("governance_frozen = %v, want 0", got)
	}
}

func TestUpdate_PopulatedSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	snap := store.Snapshot{
		Timestamp: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Verdicts: map[store.Verdict]int{
			store.VerdictSafe:       120,
			store.VerdictSuspicious: 14,
			store.VerdictPhishing:   6,
		},
		CalibrationState: "HEALTHY",
		CacheHits:        80,
		CacheMisses:      60,
		BlocklistURLs:    5000,
		BlocklistDomains: 900,
		OverrideBudget:   2,
		Frozen:           true,
		FreezeReason:     "BUDGET_EXHAUSTED",
	}
	c.Update(snap)

	if got := testutil.ToFloat64(c.verdicts.With(prometheus.Labels{"verdict": "SAFE"})); got != 120 {
		t.Errorf("verdicts{SAFE} = %v, want 120", got)
	}
	if got := testutil.ToFloat64(c.verdicts.With(prometheus.Labels{"verdict": "PHISHING"})); got != 6 {
		t.Errorf("verdicts{PHISHING} = %v, want 6", got)
	}
	if got := testutil.ToFloat64(c.cacheHits); got != 80 {
		t.Errorf("cache_hits = %v, want 80", got)
	}
	if got := testutil.ToFloat64(c.blocklistEntries.With(prometheus.Labels{"kind": "urls"})); got != 5000 {
		t.Errorf("blocklist_entries{urls} = %v, want 5000", got)
	}
	if got := testutil.ToFloat64(c.overrideBudget); got != 2 {
		t.Errorf("override_budget_remaining = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.frozen); got != 1 {
		t.Errorf("governance_frozen = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.calibration.With(prometheus.Labels{"status": "HEALTHY"})); got != 1 {
		t.Errorf("calibration_status{HEALTHY} = %v, want 1", got)
	}
}

func TestUpdate_ResetsStaleCalibrationStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.Update(store.Snapshot{CalibrationState: "HEALTHY"})
	c.Update(store.Snapshot{CalibrationState: "DEGRADED"})

	if count := testutil.CollectAndCount(c.calibration); count != 1 {
		t.Errorf("calibration_status should have 1 series after reset, got %d", count)
	}
	if got := testutil.ToFloat64(c.calibration.With(prometheus.Labels{"status": "DEGRADED"})); got != 1 {
		t.Errorf("calibration_status{DEGRADED} = %v, want 1", got)
	}
}

func TestObserveScanCountsVerdictAndDrift(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveScan(&store.ScanResult{
		Verdict:    store.VerdictPhishing,
		DurationMS: 120,
		DriftFlags: []string{feature.DriftHTTPFailed, feature.DriftDNSFailed},
	})
	c.ObserveScan(&store.ScanResult{Verdict: store.VerdictSafe, DurationMS: 30})
	c.ObserveScan(nil)

	if got := testutil.ToFloat64(c.scansTotal.With(prometheus.Labels{"verdict": "PHISHING"})); got != 1 {
		t.Errorf("scans_total{PHISHING} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.scansTotal.With(prometheus.Labels{"verdict": "SAFE"})); got != 1 {
		t.Errorf("scans_total{SAFE} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.driftEvents.With(prometheus.Labels{"flag": feature.DriftHTTPFailed})); got != 1 {
		t.Errorf("drift_events_total{http_failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.driftEvents.With(prometheus.Labels{"flag": feature.DriftDNSFailed})); got != 1 {
		t.Errorf("drift_events_total{dns_failed} = %v, want 1", got)
	}
}
