// Package metrics provides Prometheus instrumentation for phishguard.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/phishguard/phishguard/internal/store"
)

// Collector exposes live scan counters and gauges refreshed from snapshots.
type Collector struct {
	scansTotal       *prometheus.CounterVec
	scanDuration     prometheus.Histogram
	driftEvents      *prometheus.CounterVec
	verdicts         *prometheus.GaugeVec
	cacheHits        prometheus.Gauge
	cacheMisses      prometheus.Gauge
	blocklistEntries *prometheus.GaugeVec
	frozen           prometheus.Gauge
	overrideBudget   prometheus.Gauge
	calibration      *prometheus.GaugeVec
	mu               sync.Mutex
}

// NewCollector creates and registers metrics on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phishguard",
			Name:      "scans_total",
			Help:      "Number of completed URL scans by verdict.",
		}, []string{"verdict"}),

		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "phishguard",
			Name:      "scan_duration_seconds",
			Help:      "Duration of a full scan pipeline pass.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		driftEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phishguard",
			Name:      "drift_events_total",
			Help:      "Network lookup failures during feature extraction by flag.",
		}, []string{"flag"}),

		verdicts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "phishguard",
			Name:      "verdicts",
			Help:      "Cumulative verdict counts from the last snapshot.",
		}, []string{"verdict"}),

		cacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "phishguard",
			Name:      "cache_hits",
			Help:      "Analysis cache hits since start.",
		}),

		cacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "phishguard",
			Name:      "cache_misses",
			Help:      "Analysis cache misses since start.",
		}),

		blocklistEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "phishguard",
			Name:      "blocklist_entries",
			Help:      "Loaded blocklist entries by kind.",
		}, []string{"kind"}),

		frozen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "phishguard",
			Name:      "governance_frozen",
			Help:      "Whether the governance layer has frozen the system (1=frozen).",
		}),

		overrideBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "phishguard",
			Name:      "override_budget_remaining",
			Help:      "Threshold overrides remaining in the current window.",
		}),

		calibration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "phishguard",
			Name:      "calibration_status",
			Help:      "Current calibration status (1 on the active status).",
		}, []string{"status"}),
	}

	reg.MustRegister(c.scansTotal)
	reg.MustRegister(c.scanDuration)
	reg.MustRegister(c.driftEvents)
	reg.MustRegister(c.verdicts)
	reg.MustRegister(c.cacheHits)
	reg.MustRegister(c.cacheMisses)
	reg.MustRegister(c.blocklistEntries)
	reg.MustRegister(c.frozen)
	reg.MustRegister(c.overrideBudget)
	reg.MustRegister(c.calibration)

	return c
}

// ObserveScan records one completed scan on the live counters.
func (c *Collector) ObserveScan(res *store.ScanResult) {
	if res == nil {
		return
	}
	c.scansTotal.With(prometheus.Labels{"verdict": string(res.Verdict)}).Inc()
	c.scanDuration.Observe(float64(res.DurationMS) / 1000)
	c.ObserveDrift(res.DriftFlags)
}

// ObserveScanDuration records scan latency for callers that time the
// pipeline themselves.
func (c *Collector) ObserveScanDuration(d time.Duration) {
	c.scanDuration.Observe(d.Seconds())
}

// ObserveDrift records the network failures attached to one scan.
func (c *Collector) ObserveDrift(flags []string) {
	for _, flag := range flags {
		c.driftEvents.With(prometheus.Labels{"flag": flag}).Inc()
	}
}

// Update replaces all gauge values from the given snapshot.
func (c *Collector) Update(snap store.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.verdicts.Reset()
	c.calibration.Reset()

	for _, v := range []store.Verdict{store.VerdictSafe, store.VerdictSuspicious, store.VerdictPhishing} {
		c.verdicts.With(prometheus.Labels{"verdict": string(v)}).Set(float64(snap.Verdicts[v]))
	}

	c.cacheHits.Set(float64(snap.CacheHits))
	c.cacheMisses.Set(float64(snap.CacheMisses))
	c.blocklistEntries.With(prometheus.Labels{"kind": "urls"}).Set(float64(snap.BlocklistURLs))
	c.blocklistEntries.With(prometheus.Labels{"kind": "domains"}).Set(float64(snap.BlocklistDomains))
	c.overrideBudget.Set(float64(snap.OverrideBudget))

	if snap.Frozen {
		c.frozen.Set(1)
	} else {
		c.frozen.Set(0)
	}

	if snap.CalibrationState != "" {
		c.calibration.With(prometheus.Labels{"status": snap.CalibrationState}).Set(1)
	}
}
