// Package pipeline orchestrates the phishing decision pipeline in a fixed
// stage order: freeze gate, validation, cache, trusted gate, blocklist,
// feature extraction, model inference, thresholding, drift adjustment,
// explanation, invariant report, cache insert.
//
// Protected rules: trusted domains never get phishing verdicts, network
// failures never indicate phishing, and drift can only downgrade confidence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/blocklist"
	"github.com/phishguard/phishguard/internal/cache"
	"github.com/phishguard/phishguard/internal/calibration"
	"github.com/phishguard/phishguard/internal/feature"
	"github.com/phishguard/phishguard/internal/invariant"
	"github.com/phishguard/phishguard/internal/model"
	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/internal/telemetry"
	"github.com/phishguard/phishguard/internal/trust"
)

// Decision thresholds on the calibrated probability.
const (
	PhishingThreshold   = 0.85
	SuspiciousThreshold = 0.55
)

// TrustedDomainRisk is the fixed risk score for allowlisted domains.
const TrustedDomainRisk = 15.0

// networkFailurePenalty is the total confidence penalty when every network
// lookup fails, split across the three lookups by their signal value.
const networkFailurePenalty = 0.15

// Per-lookup drift penalties (http 50%, whois 30%, dns 20% of the total).
const (
	penaltyHTTPFailed  = networkFailurePenalty * 0.5
	penaltyWHOISFailed = networkFailurePenalty * 0.3
	penaltyDNSFailed   = networkFailurePenalty * 0.2
)

// maxConfidencePenalty caps the combined drift plus calibration penalty.
const maxConfidencePenalty = 0.95

// maxExplanationSignals caps each explanation signal list.
const maxExplanationSignals = 5

// Blocklist answers membership queries against the live phishing feeds.
type Blocklist interface {
	Check(ctx context.Context, url string) blocklist.Result
}

// Governance is the fail-closed surface the pipeline consults.
type Governance interface {
	AssertNotFrozen(action string) error
	ReportTrustedDomainVerdict(domain, verdict string, riskScore float64) error
}

// CalibrationHealth exposes the calibration monitor's current status.
type CalibrationHealth interface {
	Health() calibration.Status
}

// TelemetrySink receives completed scans for aggregate metrics.
type TelemetrySink interface {
	Record(res *store.ScanResult, driftStatus string)
}

// XAISink receives per-scan explainability records.
type XAISink interface {
	Enqueue(rec audit.XAIRecord)
}

// Config wires the pipeline's dependencies. Trust, Extractor and Model are
// required; everything else degrades gracefully when nil.
type Config struct {
	Trust       *trust.Set
	Blocklist   Blocklist
	Extractor   feature.Extractor
	Model       model.Model
	Cache       *cache.Analysis
	Governance  Governance
	Calibration CalibrationHealth
	Telemetry   TelemetrySink
	XAI         XAISink
}

// Pipeline is the central orchestrator. Safe for concurrent use.
type Pipeline struct {
	cfg Config
	now func() time.Time
}

// New validates the configuration and returns a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Trust == nil {
		return nil, fmt.Errorf("pipeline: trust set is required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("pipeline: feature extractor is required")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("pipeline: model is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewAnalysis(cache.DefaultCapacity, cache.DefaultTTL)
	}
	return &Pipeline{cfg: cfg, now: time.Now}, nil
}

// Scan runs one URL through the full pipeline.
func (p *Pipeline) Scan(ctx context.Context, rawURL string) (*store.ScanResult, error) {
	return p.scan(ctx, rawURL, false)
}

// ScanFresh bypasses the cache lookup (the result is still cached).
func (p *Pipeline) ScanFresh(ctx context.Context, rawURL string) (*store.ScanResult, error) {
	return p.scan(ctx, rawURL, true)
}

func (p *Pipeline) scan(ctx context.Context, rawURL string, bypassCache bool) (*store.ScanResult, error) {
	started := p.now()

	// Freeze gate. A frozen system refuses scans outright.
	if p.cfg.Governance != nil {
		if err := p.cfg.Governance.AssertNotFrozen("scan"); err != nil {
			return nil, err
		}
	}

	// Input bounds come before sanitization: out-of-range or whitespace
	// input is refused without touching the cache or the extractors.
	if err := feature.CheckBounds(rawURL); err != nil {
		res := p.validationFailureResult(strings.TrimSpace(rawURL), err, started)
		p.emit(res, false, telemetry.DriftNone)
		return res, nil
	}

	url := feature.SanitizeURL(rawURL)
	key := cache.Key(url)

	if !bypassCache {
		if hit := p.cfg.Cache.Get(key); hit != nil {
			cached := *hit
			cached.Cached = true
			return &cached, nil
		}
	}

	// Trusted domain gate, pre-ML. Allowlisted domains skip the model
	// entirely and can never receive a phishing verdict.
	tr := p.cfg.Trust.Check(url)
	if tr.Trusted {
		res := p.trustedResult(url, tr, started)
		p.reportTrusted(tr.RegisteredDomain, res)
		p.emit(res, true, telemetry.DriftNone)
		return res, nil
	}

	// Blocklist early exit.
	if p.cfg.Blocklist != nil {
		if bl := p.cfg.Blocklist.Check(ctx, url); bl.Blocked {
			res := p.blocklistResult(url, bl, started)
			p.cfg.Cache.Put(key, res)
			p.emit(res, false, telemetry.DriftNone)
			slog.Info("blocklist hit", "url", url, "source", bl.Source)
			return res, nil
		}
	}

	// Feature extraction. Validation failures yield a SUSPICIOUS result
	// that is never cached; they must not read as proof of phishing.
	vec, err := p.cfg.Extractor.Extract(ctx, url)
	if err != nil {
		if errors.Is(err, feature.ErrInvalidURL) {
			res := p.validationFailureResult(url, err, started)
			p.emit(res, false, telemetry.DriftNone)
			return res, nil
		}
		return nil, fmt.Errorf("feature extraction: %w", err)
	}

	prob, err := p.cfg.Model.PhishingProbability(vec)
	if err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	riskScore := prob * 100
	verdict := thresholdVerdict(prob)
	var warnings []string

	if vec.Drift.Any() {
		warnings = append(warnings,
			"Some security checks could not complete due to network issues. Analysis may be incomplete.")
	}

	// Drift-aware confidence adjustment: penalties only ever reduce the
	// certainty of a PHISHING verdict, never escalate.
	driftStatus := telemetry.DriftNone
	if vec.Drift.Any() {
		driftStatus = telemetry.DriftWarning
	}

	penalty := driftPenalty(vec.Drift) + calibrationPenalty(p.calibrationStatus())
	if penalty > maxConfidencePenalty {
		penalty = maxConfidencePenalty
	}
	if penalty > 0 && verdict == store.VerdictPhishing {
		riskScore *= 1 - penalty
		if riskScore/100 < PhishingThreshold {
			verdict = store.VerdictSuspicious
			warnings = append(warnings,
				"Verdict downgraded from PHISHING to SUSPICIOUS due to incomplete analysis.")
			if vec.Drift.Any() {
				driftStatus = telemetry.DriftSignificant
			}
		}
	}

	// Calibration restriction: while calibration is not healthy the
	// pipeline may not issue PHISHING verdicts at all.
	if status := p.calibrationStatus(); status != calibration.StatusHealthy {
		if verdict == store.VerdictPhishing {
			verdict = store.VerdictSuspicious
			riskScore = math.Min(riskScore, store.RiskBandCritical-0.1)
			warnings = append(warnings,
				"Verdict downgraded from PHISHING to SUSPICIOUS: model calibration is "+string(status)+".")
		}
		if status == calibration.StatusUnknown {
			warnings = append(warnings,
				"Calibration status unknown. Results may be unreliable.")
		}
	}

	positive, risk := signalImpacts(vec)
	res := &store.ScanResult{
		ScannedAt:        started.UTC(),
		URL:              url,
		Verdict:          verdict,
		RiskScore:        round1(riskScore),
		Probability:      prob,
		DriftFlags:       vec.Drift.List(),
		AnalysisComplete: !vec.Drift.Any(),
		Explanation: store.Explanation{
			Summary:         summary(verdict, len(risk), len(positive)),
			RiskLevel:       store.RiskLevel(round1(riskScore)),
			PositiveSignals: positive,
			RiskSignals:     risk,
			Warnings:        warnings,
		},
		DurationMS: p.now().Sub(started).Milliseconds(),
	}

	p.emit(res, false, driftStatus)
	p.cfg.Cache.Put(key, res)

	slog.Info("scan complete", "url", url, "verdict", res.Verdict, "risk", res.RiskScore)
	return res, nil
}

func (p *Pipeline) trustedResult(url string, tr trust.Result, started time.Time) *store.ScanResult {
	res := &store.ScanResult{
		ScannedAt:         started.UTC(),
		URL:               url,
		Verdict:           store.VerdictSafe,
		RiskScore:         TrustedDomainRisk,
		MLBypassed:        true,
		AllowlistOverride: true,
		AnalysisComplete:  true,
		Explanation: store.Explanation{
			Summary:         "This domain is on a trusted allowlist. ML checks were bypassed.",
			RiskLevel:       store.RiskLevel(TrustedDomainRisk),
			PositiveSignals: []store.SignalImpact{{Feature: tr.Reason, Impact: 1.0}},
		},
		DurationMS: p.now().Sub(started).Milliseconds(),
	}
	slog.Info("trusted domain bypass", "url", url, "domain", tr.RegisteredDomain)
	return res
}

func (p *Pipeline) blocklistResult(url string, bl blocklist.Result, started time.Time) *store.ScanResult {
	risk := 85.0
	if bl.Confidence > 0.9 {
		risk = 95.0
	}
	return &store.ScanResult{
		ScannedAt:        started.UTC(),
		URL:              url,
		Verdict:          store.VerdictPhishing,
		RiskScore:        risk,
		Probability:      bl.Confidence,
		MLBypassed:       true,
		BlocklistMatch:   true,
		AnalysisComplete: true,
		Explanation: store.Explanation{
			Summary:   "This URL is on a known phishing blocklist.",
			RiskLevel: store.RiskLevel(risk),
			RiskSignals: []store.SignalImpact{
				{Feature: "Matched blocklist: " + bl.Source, Impact: bl.Confidence},
			},
		},
		DurationMS: p.now().Sub(started).Milliseconds(),
	}
}

func (p *Pipeline) validationFailureResult(url string, cause error, started time.Time) *store.ScanResult {
	detail := "URL validation failed"
	if cause != nil {
		detail = fmt.Sprintf("URL validation failed: %v", cause)
	}
	risk := 50.0
	return &store.ScanResult{
		ScannedAt:        started.UTC(),
		URL:              url,
		Verdict:          store.VerdictSuspicious,
		RiskScore:        risk,
		AnalysisComplete: false,
		Explanation: store.Explanation{
			Summary:     "Could not analyze URL due to validation failure.",
			RiskLevel:   store.RiskLevel(risk),
			RiskSignals: []store.SignalImpact{{Feature: detail, Impact: 0.5}},
			Warnings:    []string{detail},
		},
		DurationMS: p.now().Sub(started).Milliseconds(),
	}
}

func (p *Pipeline) reportTrusted(domain string, res *store.ScanResult) {
	if p.cfg.Governance == nil {
		return
	}
	if err := p.cfg.Governance.ReportTrustedDomainVerdict(domain, string(res.Verdict), res.RiskScore); err != nil {
		slog.Error("trusted verdict report failed", "domain", domain, "err", err)
	}
}

func (p *Pipeline) checkInvariants(res *store.ScanResult, trusted bool) {
	rep := invariant.Evaluate(res, trusted)
	if rep.OK() {
		return
	}
	slog.Error("invariant violations detected", "url", res.URL, "violations", rep.Violations())
	if rep.TrustedPhishing() && p.cfg.Governance != nil {
		reg := res.URL
		if r := p.cfg.Trust.Check(res.URL); r.RegisteredDomain != "" {
			reg = r.RegisteredDomain
		}
		if err := p.cfg.Governance.ReportTrustedDomainVerdict(reg, string(res.Verdict), res.RiskScore); err != nil {
			slog.Error("governance escalation failed", "err", err)
		}
	}
}

func (p *Pipeline) emit(res *store.ScanResult, trusted bool, driftStatus string) {
	p.checkInvariants(res, trusted)
	if p.cfg.Telemetry != nil {
		p.cfg.Telemetry.Record(res, driftStatus)
	}
	if p.cfg.XAI != nil {
		p.cfg.XAI.Enqueue(audit.XAIRecord{
			Timestamp: res.ScannedAt,
			Verdict:   res.Verdict,
			Drift:     res.DriftFlags,
			Top3:      topSignals(res, 3),
		})
	}
}

func (p *Pipeline) calibrationStatus() calibration.Status {
	if p.cfg.Calibration == nil {
		return calibration.StatusHealthy
	}
	return p.cfg.Calibration.Health()
}

func thresholdVerdict(prob float64) store.Verdict {
	switch {
	case prob >= PhishingThreshold:
		return store.VerdictPhishing
	case prob >= SuspiciousThreshold:
		return store.VerdictSuspicious
	default:
		return store.VerdictSafe
	}
}

func driftPenalty(d feature.DriftFlags) float64 {
	var penalty float64
	if d.HTTPFailed {
		penalty += penaltyHTTPFailed
	}
	if d.WHOISFailed {
		penalty += penaltyWHOISFailed
	}
	if d.DNSFailed {
		penalty += penaltyDNSFailed
	}
	return penalty
}

func calibrationPenalty(status calibration.Status) float64 {
	switch status {
	case calibration.StatusDegraded, calibration.StatusCritical:
		return calibration.PenaltyDegraded
	case calibration.StatusUnknown:
		return calibration.PenaltyUnknown
	default:
		return 0
	}
}

// signalImpacts turns the scored vector into ranked explanation signals:
// risk evidence (-1) and safe evidence (+1), weighted by the model's
// per-feature weight, capped at five each.
func signalImpacts(vec *feature.Vector) (positive, risk []store.SignalImpact) {
	for i, val := range vec.Values {
		if val == 0 {
			continue
		}
		name := feature.Names[i]
		desc, ok := feature.Descriptions[name]
		if !ok {
			desc = name
		}
		sig := store.SignalImpact{Feature: desc, Impact: model.Weight(i)}
		if val < 0 {
			risk = append(risk, sig)
		} else {
			positive = append(positive, sig)
		}
	}

	byImpact := func(s []store.SignalImpact) {
		sort.SliceStable(s, func(i, j int) bool { return s[i].Impact > s[j].Impact })
	}
	byImpact(positive)
	byImpact(risk)
	if len(positive) > maxExplanationSignals {
		positive = positive[:maxExplanationSignals]
	}
	if len(risk) > maxExplanationSignals {
		risk = risk[:maxExplanationSignals]
	}
	return positive, risk
}

func topSignals(res *store.ScanResult, n int) []store.SignalImpact {
	src := res.Explanation.RiskSignals
	if len(src) == 0 {
		src = res.Explanation.PositiveSignals
	}
	if len(src) > n {
		src = src[:n]
	}
	out := make([]store.SignalImpact, len(src))
	copy(out, src)
	return out
}

func summary(verdict store.Verdict, riskCount, safeCount int) string {
	switch verdict {
	case store.VerdictSafe:
		return fmt.Sprintf("No significant phishing indicators detected. Found %d safety indicators.", safeCount)
	case store.VerdictSuspicious:
		return fmt.Sprintf("Some concerning patterns detected (%d warnings). Exercise caution when visiting this site.", riskCount)
	default:
		return fmt.Sprintf("Multiple phishing indicators detected (%d warnings). This site may be attempting to steal your information.", riskCount)
	}
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}
