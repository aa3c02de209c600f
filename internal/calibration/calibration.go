// Package calibration tracks how well the classifier's probabilities match
// observed outcomes and degrades the service's confidence when they diverge.
package calibration

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"
)

// Status is the calibration health state.
type Status string

// Health states. DEGRADED applies a confidence penalty; UNKNOWN applies a
// smaller one; CRITICAL escalates to a governance freeze. A non-healthy state
// must only ever reduce confidence, never raise severity of verdicts.
const (
	StatusHealthy  Status = "HEALTHY"
	StatusDegraded Status = "DEGRADED"
	StatusCritical Status = "CRITICAL"
	StatusUnknown  Status = "UNKNOWN"
)

// Thresholds.
const (
	BrierHealthyMax       = 0.25
	BrierDegradedMax      = 0.35
	CalibErrorHealthyMax  = 0.10
	CalibErrorDegradedMax = 0.20

	CollapseVarianceThreshold = 0.01
	ExtremeRatioThreshold     = 0.80

	numReliabilityBins = 10
	minSamples         = 10
)

// Confidence penalties by health state.
const (
	PenaltyDegraded = 0.20
	PenaltyUnknown  = 0.10
)

// ReliabilityCurve bins predictions and compares observed positive rates to
// mean predicted confidence. A perfectly calibrated model has the two equal
// in every bin.
type ReliabilityCurve struct {
	Bins               []float64 `json:"bins"`
	ObservedFrequency  []float64 `json:"observed_frequency"`
	ExpectedConfidence []float64 `json:"expected_confidence"`
	SamplesPerBin      []int     `json:"samples_per_bin"`
}

// Metrics is the persisted calibration report.
type Metrics struct {
	Status           Status             `json:"calibration_status"`
	BrierScore       float64            `json:"brier_score"`
	CalibrationError float64            `json:"calibration_error"`
	Curve            *ReliabilityCurve  `json:"reliability_curve,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`
	ModelVersion     string             `json:"model_version"`
	SampleCount      int                `json:"sample_count"`
	Thresholds       map[string]float64 `json:"thresholds"`
	Warnings         []string           `json:"warnings,omitempty"`
}

// Monitor accumulates (probability, outcome) pairs and reports health.
type Monitor struct {
	path    string
	metrics *Metrics
	probs   []float64
	labels  []float64
	maxKeep int
	mu      sync.Mutex
}

// NewMonitor creates a monitor persisting to path. Existing metrics are
// loaded if present; a missing or unreadable file starts UNKNOWN.
func NewMonitor(path string) *Monitor {
	m := &Monitor{path: path, maxKeep: 5000}
	if loaded, err := LoadMetrics(path); err == nil {
		m.metrics = loaded
	} else if !os.IsNotExist(err) {
		slog.Warn("calibration metrics unreadable, starting unknown", "path", path, "err", err)
	}
	return m
}

// Record adds an observed (probability, outcome) pair. outcome is true when
// the URL turned out to be phishing.
func (m *Monitor) Record(prob float64, phishing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	label := 0.0
	if phishing {
		label = 1.0
	}
	m.probs = append(m.probs, prob)
	m.labels = append(m.labels, label)
	if len(m.probs) > m.maxKeep {
		m.probs = m.probs[len(m.probs)-m.maxKeep:]
		m.labels = m.labels[len(m.labels)-m.maxKeep:]
	}
}

// Recompute rebuilds metrics from the recorded window and persists them.
func (m *Monitor) Recompute(modelVersion string) (*Metrics, error) {
	m.mu.Lock()
	probs := append([]float64(nil), m.probs...)
	labels := append([]float64(nil), m.labels...)
	m.mu.Unlock()

	metrics := Compute(labels, probs, modelVersion)

	m.mu.Lock()
	m.metrics = metrics
	m.mu.Unlock()

	if err := SaveMetrics(m.path, metrics); err != nil {
		return metrics, err
	}
	return metrics, nil
}

// Health returns the current calibration status.
func (m *Monitor) Health() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics == nil {
		return StatusUnknown
	}
	return m.metrics.Status
}

// ConfidencePenalty returns the multiplicative penalty for the current
// health state. It can only reduce confidence.
func (m *Monitor) ConfidencePenalty() float64 {
	switch m.Health() {
	case StatusHealthy:
		return 0
	case StatusDegraded, StatusCritical:
		return PenaltyDegraded
	default:
		return PenaltyUnknown
	}
}

// Metrics returns the last computed metrics, or nil.
func (m *Monitor) Metrics() *Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// Compute derives calibration metrics from labels (1 = phishing) and
// predicted probabilities.
func Compute(labels, probs []float64, modelVersion string) *Metrics {
	thresholds := map[string]float64{
		"brier_score_healthy_max":       BrierHealthyMax,
		"brier_score_degraded_max":      BrierDegradedMax,
		"calibration_error_healthy_max": CalibErrorHealthyMax,
		"calibration_error_degraded_max": CalibErrorDegradedMax,
		"collapse_variance_threshold": CollapseVarianceThreshold,
	}

	if len(labels) != len(probs) {
		return &Metrics{
			Status:       StatusUnknown,
			Timestamp:    time.Now().UTC(),
			ModelVersion: modelVersion,
			Thresholds:   thresholds,
			Warnings:     []string{"label and probability counts differ"},
		}
	}
	if len(labels) < minSamples {
		return &Metrics{
			Status:       StatusUnknown,
			Timestamp:    time.Now().UTC(),
			ModelVersion: modelVersion,
			SampleCount:  len(labels),
			Thresholds:   thresholds,
			Warnings:     []string{fmt.Sprintf("insufficient samples: %d < %d", len(labels), minSamples)},
		}
	}

	var brier float64
	for i := range probs {
		d := probs[i] - labels[i]
		brier += d * d
	}
	brier /= float64(len(probs))

	curve := reliabilityCurve(labels, probs)
	calibErr := calibrationError(curve)
	status, warnings := healthStatus(brier, calibErr, probs)

	return &Metrics{
		Status:           status,
		BrierScore:       brier,
		CalibrationError: calibErr,
		Curve:            curve,
		Timestamp:        time.Now().UTC(),
		ModelVersion:     modelVersion,
		SampleCount:      len(labels),
		Thresholds:       thresholds,
		Warnings:         warnings,
	}
}

func reliabilityCurve(labels, probs []float64) *ReliabilityCurve {
	c := &ReliabilityCurve{
		Bins:               make([]float64, numReliabilityBins),
		ObservedFrequency:  make([]float64, numReliabilityBins),
		ExpectedConfidence: make([]float64, numReliabilityBins),
		SamplesPerBin:      make([]int, numReliabilityBins),
	}

	width := 1.0 / numReliabilityBins
	for i := 0; i < numReliabilityBins; i++ {
		lower := float64(i) * width
		upper := lower + width
		c.Bins[i] = upper

		var sumLabel, sumProb float64
		var n int
		for j, p := range probs {
			inBin := p >= lower && p < upper
			if i == numReliabilityBins-1 {
				// Last bin includes the upper bound so p == 1.0 lands here.
				inBin = p >= lower && p <= upper
			}
			if inBin {
				sumLabel += labels[j]
				sumProb += p
				n++
			}
		}
		c.SamplesPerBin[i] = n
		if n > 0 {
			c.ObservedFrequency[i] = sumLabel / float64(n)
			c.ExpectedConfidence[i] = sumProb / float64(n)
		} else {
			c.ExpectedConfidence[i] = (lower + upper) / 2
		}
	}
	return c
}

// calibrationError is the sample-weighted mean absolute gap between observed
// frequency and expected confidence.
func calibrationError(c *ReliabilityCurve) float64 {
	var total int
	for _, n := range c.SamplesPerBin {
		total += n
	}
	if total == 0 {
		return 0
	}
	var weighted float64
	for i := range c.Bins {
		if n := c.SamplesPerBin[i]; n > 0 {
			weighted += float64(n) * math.Abs(c.ObservedFrequency[i]-c.ExpectedConfidence[i])
		}
	}
	return weighted / float64(total)
}

func healthStatus(brier, calibErr float64, probs []float64) (Status, []string) {
	var warnings []string

	if v := variance(probs); v < CollapseVarianceThreshold {
		warnings = append(warnings, fmt.Sprintf("probability collapse detected: variance=%.4f", v))
		return StatusDegraded, warnings
	}
	if r := extremeRatio(probs); r > ExtremeRatioThreshold {
		warnings = append(warnings, fmt.Sprintf("extreme probability concentration: %.1f%% at extremes", r*100))
		return StatusDegraded, warnings
	}

	if brier > BrierDegradedMax {
		warnings = append(warnings, fmt.Sprintf("brier score critically high: %.4f > %v", brier, BrierDegradedMax))
		return StatusCritical, warnings
	}
	if calibErr > CalibErrorDegradedMax {
		warnings = append(warnings, fmt.Sprintf("calibration error critically high: %.4f", calibErr))
		return StatusCritical, warnings
	}

	if brier <= BrierHealthyMax && calibErr <= CalibErrorHealthyMax {
		return StatusHealthy, warnings
	}

	if brier > BrierHealthyMax {
		warnings = append(warnings, fmt.Sprintf("brier score elevated: %.4f > %v", brier, BrierHealthyMax))
	}
	if calibErr > CalibErrorHealthyMax {
		warnings = append(warnings, fmt.Sprintf("calibration error elevated: %.4f", calibErr))
	}
	return StatusDegraded, warnings
}

// DetectOverconfidenceDrift reports whether recent predictions cluster at the
// extremes. Requires at least minSamples observations.
func DetectOverconfidenceDrift(recent []float64) bool {
	if len(recent) < minSamples {
		return false
	}
	return extremeRatio(recent) > ExtremeRatioThreshold
}

// DetectProbabilityCollapse reports whether recent predictions have collapsed
// to a single value.
func DetectProbabilityCollapse(recent []float64) bool {
	if len(recent) < minSamples {
		return false
	}
	return variance(recent) < CollapseVarianceThreshold
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var v float64
	for _, x := range xs {
		d := x - mean
		v += d * d
	}
	return v / float64(len(xs))
}

func extremeRatio(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var extreme int
	for _, x := range xs {
		if x < 0.05 || x > 0.95 {
			extreme++
		}
	}
	return float64(extreme) / float64(len(xs))
}

// SaveMetrics writes metrics to path atomically.
func SaveMetrics(path string, m *Metrics) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal calibration metrics: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write calibration metrics: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadMetrics reads metrics from path.
func LoadMetrics(path string) (*Metrics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse calibration metrics %s: %w", path, err)
	}
	return &m, nil
}
