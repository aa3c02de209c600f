package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/blocklist"
	"github.com/phishguard/phishguard/internal/calibration"
	"github.com/phishguard/phishguard/internal/feature"
	"github.com/phishguard/phishguard/internal/model"
	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/internal/telemetry"
	"github.com/phishguard/phishguard/internal/trust"
)

type fakeExtractor struct {
	vec   *feature.Vector
	err   error
	calls int
}

func (f *fakeExtractor) Extract(_ context.Context, _ string) (*feature.Vector, error) {
	f.calls++
	return f.vec, f.err
}

type fakeModel struct {
	prob float64
	err  error
}

func (f *fakeModel) PhishingProbability(_ *feature.Vector) (float64, error) {
	return f.prob, f.err
}

type fakeBlocklist struct {
	result blocklist.Result
}

func (f *fakeBlocklist) Check(_ context.Context, _ string) blocklist.Result {
	return f.result
}

type fakeGovernance struct {
	frozen   bool
	reported []string
}

func (f *fakeGovernance) AssertNotFrozen(action string) error {
	if f.frozen {
		return errors.New("action " + action + " blocked: system is frozen")
	}
	return nil
}

func (f *fakeGovernance) ReportTrustedDomainVerdict(domain, verdict string, _ float64) error {
	f.reported = append(f.reported, domain+":"+verdict)
	return nil
}

type fakeCalibration struct {
	status calibration.Status
}

func (f *fakeCalibration) Health() calibration.Status { return f.status }

type captureSinks struct {
	recorded []string
	xai      []audit.XAIRecord
}

func (c *captureSinks) Record(res *store.ScanResult, driftStatus string) {
	c.recorded = append(c.recorded, string(res.Verdict)+"/"+driftStatus)
}

func (c *captureSinks) Enqueue(rec audit.XAIRecord) {
	c.xai = append(c.xai, rec)
}

func newPipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	if cfg.Trust == nil {
		cfg.Trust = trust.NewSet(nil, nil, nil)
	}
	if cfg.Extractor == nil {
		cfg.Extractor = &fakeExtractor{vec: &feature.Vector{}}
	}
	if cfg.Model == nil {
		cfg.Model = &fakeModel{prob: 0.1}
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestTrustedDomainShortCircuit(t *testing.T) {
	gov := &fakeGovernance{}
	ext := &fakeExtractor{vec: &feature.Vector{}}
	p := newPipeline(t, Config{Governance: gov, Extractor: ext})

	res, err := p.Scan(context.Background(), "https://google.com/accounts/signin")
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != store.VerdictSafe {
		t.Errorf("verdict = %s, want SAFE", res.Verdict)
	}
	if res.RiskScore != TrustedDomainRisk {
		t.Errorf("risk = %v, want %v", res.RiskScore, TrustedDomainRisk)
	}
	if !res.MLBypassed || !res.AllowlistOverride {
		t.Error("trusted result must set ml_bypassed and allowlist_override")
	}
	if len(res.Explanation.RiskSignals) != 0 {
		t.Error("trusted result must carry no risk signals")
	}
	if ext.calls != 0 {
		t.Error("trusted gate must bypass feature extraction")
	}
	if len(gov.reported) != 1 || gov.reported[0] != "google.com:SAFE" {
		t.Errorf("governance report = %v", gov.reported)
	}
}

func TestBlocklistHitRiskScores(t *testing.T) {
	tests := []struct {
		confidence float64
		wantRisk   float64
	}{
		{0.99, 95},
		{0.85, 85},
	}
	for _, tt := range tests {
		bl := &fakeBlocklist{result: blocklist.Result{
			Blocked: true, Source: "openphish", Confidence: tt.confidence,
		}}
		p := newPipeline(t, Config{Blocklist: bl})

		res, err := p.Scan(context.Background(), "https://evil-login.example/verify")
		if err != nil {
			t.Fatal(err)
		}
		if res.Verdict != store.VerdictPhishing {
			t.Errorf("verdict = %s, want PHISHING", res.Verdict)
		}
		if res.RiskScore != tt.wantRisk {
			t.Errorf("confidence %v: risk = %v, want %v", tt.confidence, res.RiskScore, tt.wantRisk)
		}
		if !res.BlocklistMatch || !res.MLBypassed {
			t.Error("blocklist hit must set blocklist_match and ml_bypassed")
		}
		if !strings.Contains(res.Explanation.RiskSignals[0].Feature, "openphish") {
			t.Errorf("risk signal = %v", res.Explanation.RiskSignals[0])
		}
	}
}

func TestThresholdVerdicts(t *testing.T) {
	tests := []struct {
		prob float64
		want store.Verdict
	}{
		{0.95, store.VerdictPhishing},
		{0.85, store.VerdictPhishing},
		{0.84, store.VerdictSuspicious},
		{0.55, store.VerdictSuspicious},
		{0.54, store.VerdictSafe},
		{0.05, store.VerdictSafe},
	}
	for _, tt := range tests {
		p := newPipeline(t, Config{Model: &fakeModel{prob: tt.prob}})
		res, err := p.Scan(context.Background(), "https://unknown-site.example/page")
		if err != nil {
			t.Fatal(err)
		}
		if res.Verdict != tt.want {
			t.Errorf("prob %v: verdict = %s, want %s", tt.prob, res.Verdict, tt.want)
		}
	}
}

func TestDriftPenaltyDowngradesPhishing(t *testing.T) {
	vec := &feature.Vector{Drift: feature.DriftFlags{HTTPFailed: true}}
	p := newPipeline(t, Config{
		Extractor: &fakeExtractor{vec: vec},
		Model:     &fakeModel{prob: 0.86},
	})

	res, err := p.Scan(context.Background(), "https://drifting.example/a")
	if err != nil {
		t.Fatal(err)
	}
	// 86 * (1 - 0.075) = 79.55, below the phishing band.
	if res.Verdict != store.VerdictSuspicious {
		t.Errorf("verdict = %s, want SUSPICIOUS after drift downgrade", res.Verdict)
	}
	if res.RiskScore >= store.RiskBandCritical {
		t.Errorf("risk = %v, want below %v", res.RiskScore, store.RiskBandCritical)
	}
	if res.AnalysisComplete {
		t.Error("drift flags must mark analysis incomplete")
	}
	found := false
	for _, w := range res.Explanation.Warnings {
		if strings.Contains(w, "downgraded from PHISHING") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing downgrade warning: %v", res.Explanation.Warnings)
	}
}

func TestSmallDriftKeepsPhishing(t *testing.T) {
	vec := &feature.Vector{Drift: feature.DriftFlags{DNSFailed: true}}
	p := newPipeline(t, Config{
		Extractor: &fakeExtractor{vec: vec},
		Model:     &fakeModel{prob: 0.95},
	})

	res, err := p.Scan(context.Background(), "https://still-bad.example/b")
	if err != nil {
		t.Fatal(err)
	}
	// 95 * (1 - 0.03) = 92.15, still in the phishing band.
	if res.Verdict != store.VerdictPhishing {
		t.Errorf("verdict = %s, want PHISHING", res.Verdict)
	}
}

func TestDriftNeverEscalates(t *testing.T) {
	vec := &feature.Vector{Drift: feature.DriftFlags{
		HTTPFailed: true, WHOISFailed: true, DNSFailed: true,
	}}
	p := newPipeline(t, Config{
		Extractor: &fakeExtractor{vec: vec},
		Model:     &fakeModel{prob: 0.30},
	})

	res, err := p.Scan(context.Background(), "https://quiet.example/c")
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != store.VerdictSafe {
		t.Errorf("verdict = %s: network failures must never raise severity", res.Verdict)
	}
	if res.RiskScore != 30 {
		t.Errorf("risk = %v, want 30 (penalty only applies to PHISHING)", res.RiskScore)
	}
}

func TestInvalidURLNotCached(t *testing.T) {
	ext := &fakeExtractor{err: feature.ErrInvalidURL}
	p := newPipeline(t, Config{Extractor: ext})

	res, err := p.Scan(context.Background(), "http://127.0.0.1/admin")
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != store.VerdictSuspicious || res.RiskScore != 50 {
		t.Errorf("got %s/%v, want SUSPICIOUS/50", res.Verdict, res.RiskScore)
	}
	if res.AnalysisComplete {
		t.Error("validation failure must mark analysis incomplete")
	}

	if _, err := p.Scan(context.Background(), "http://127.0.0.1/admin"); err != nil {
		t.Fatal(err)
	}
	if ext.calls != 2 {
		t.Errorf("extractor calls = %d, want 2 (failure results are not cached)", ext.calls)
	}
}

func TestInputBoundsRefused(t *testing.T) {
	ext := &fakeExtractor{vec: &feature.Vector{}}
	p := newPipeline(t, Config{Extractor: ext})

	tests := []struct {
		name string
		url  string
	}{
		{"too short", "a.b"},
		{"too long", "https://example.com/" + strings.Repeat("a", feature.MaxURLLength)},
		{"internal whitespace", "https://example.com/a path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.Scan(context.Background(), tt.url)
			if err != nil {
				t.Fatal(err)
			}
			if res.Verdict != store.VerdictSuspicious || res.RiskScore != 50 {
				t.Errorf("got %s/%v, want SUSPICIOUS/50", res.Verdict, res.RiskScore)
			}
			if res.AnalysisComplete {
				t.Error("bounds failure must mark analysis incomplete")
			}
		})
	}
	if ext.calls != 0 {
		t.Errorf("extractor calls = %d, want 0: bounds are checked before extraction", ext.calls)
	}
}

func TestCacheHit(t *testing.T) {
	ext := &fakeExtractor{vec: &feature.Vector{}}
	p := newPipeline(t, Config{Extractor: ext, Model: &fakeModel{prob: 0.1}})

	first, err := p.Scan(context.Background(), "https://cached.example/x")
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached {
		t.Error("first scan should not be cached")
	}

	second, err := p.Scan(context.Background(), "https://CACHED.example/x")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Error("second scan should come from cache (case-insensitive key)")
	}
	if ext.calls != 1 {
		t.Errorf("extractor calls = %d, want 1", ext.calls)
	}

	fresh, err := p.ScanFresh(context.Background(), "https://cached.example/x")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Cached {
		t.Error("ScanFresh must bypass the cache")
	}
	if ext.calls != 2 {
		t.Errorf("extractor calls = %d, want 2 after fresh scan", ext.calls)
	}
}

func TestCacheHitOnlyDiffersByCachedFlag(t *testing.T) {
	p := newPipeline(t, Config{Model: &fakeModel{prob: 0.6}})

	first, err := p.Scan(context.Background(), "https://repeat.example/v")
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Scan(context.Background(), "https://repeat.example/v")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Fatal("second scan should be served from cache")
	}

	// The cached flag marks the hit; everything else is byte-for-byte the
	// stored result.
	replay := *second
	replay.Cached = false
	if !reflect.DeepEqual(first, &replay) {
		t.Errorf("cache hit altered the result:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestCalibrationDegradedRestrictsPhishing(t *testing.T) {
	p := newPipeline(t, Config{
		Model:       &fakeModel{prob: 0.90},
		Calibration: &fakeCalibration{status: calibration.StatusDegraded},
	})

	res, err := p.Scan(context.Background(), "https://degraded.example/y")
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != store.VerdictSuspicious {
		t.Errorf("verdict = %s, want SUSPICIOUS under DEGRADED calibration", res.Verdict)
	}
	// 90 * (1 - 0.20) = 72.
	if res.RiskScore != 72 {
		t.Errorf("risk = %v, want 72", res.RiskScore)
	}
}

func TestCalibrationUnknownRestrictsAndWarns(t *testing.T) {
	p := newPipeline(t, Config{
		Model:       &fakeModel{prob: 0.99},
		Calibration: &fakeCalibration{status: calibration.StatusUnknown},
	})

	res, err := p.Scan(context.Background(), "https://unknown-cal.example/z")
	if err != nil {
		t.Fatal(err)
	}
	// 99 * (1 - 0.10) = 89.1, still critical, but the restriction forbids
	// PHISHING while calibration is not healthy.
	if res.Verdict != store.VerdictSuspicious {
		t.Errorf("verdict = %s, want SUSPICIOUS", res.Verdict)
	}
	if res.RiskScore >= store.RiskBandCritical {
		t.Errorf("risk = %v, must sit below the critical band", res.RiskScore)
	}
	found := false
	for _, w := range res.Explanation.Warnings {
		if strings.Contains(w, "unknown") || strings.Contains(w, "unreliable") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing unknown-calibration warning: %v", res.Explanation.Warnings)
	}
}

func TestFrozenSystemRefusesScans(t *testing.T) {
	gov := &fakeGovernance{frozen: true}
	p := newPipeline(t, Config{Governance: gov})

	if _, err := p.Scan(context.Background(), "https://any.example/q"); err == nil {
		t.Fatal("frozen system must refuse scans")
	}
}

func TestExplanationSignalsCappedAndRanked(t *testing.T) {
	vec := &feature.Vector{}
	for i := range vec.Values {
		vec.Values[i] = -1
	}
	p := newPipeline(t, Config{
		Extractor: &fakeExtractor{vec: vec},
		Model:     &fakeModel{prob: 0.95},
	})

	res, err := p.Scan(context.Background(), "https://all-bad.example/r")
	if err != nil {
		t.Fatal(err)
	}
	risk := res.Explanation.RiskSignals
	if len(risk) != 5 {
		t.Fatalf("risk signals = %d, want capped at 5", len(risk))
	}
	for i := 1; i < len(risk); i++ {
		if risk[i].Impact > risk[i-1].Impact {
			t.Errorf("signals not ranked by impact: %v", risk)
		}
	}
	if res.Explanation.Summary == "" {
		t.Error("summary must not be empty")
	}
	if res.Explanation.RiskLevel != store.RiskLevel(res.RiskScore) {
		t.Errorf("risk level %q does not match score %v", res.Explanation.RiskLevel, res.RiskScore)
	}
}

func TestTelemetryAndXAIFeeds(t *testing.T) {
	sinks := &captureSinks{}
	vec := &feature.Vector{Drift: feature.DriftFlags{WHOISFailed: true}}
	p := newPipeline(t, Config{
		Extractor: &fakeExtractor{vec: vec},
		Model:     &fakeModel{prob: 0.60},
		Telemetry: sinks,
		XAI:       sinks,
	})

	if _, err := p.Scan(context.Background(), "https://feeds.example/s"); err != nil {
		t.Fatal(err)
	}
	if len(sinks.recorded) != 1 {
		t.Fatalf("telemetry records = %d, want 1", len(sinks.recorded))
	}
	if sinks.recorded[0] != string(store.VerdictSuspicious)+"/"+telemetry.DriftWarning {
		t.Errorf("telemetry record = %s", sinks.recorded[0])
	}
	if len(sinks.xai) != 1 {
		t.Fatalf("xai records = %d, want 1", len(sinks.xai))
	}
	if len(sinks.xai[0].Drift) != 1 || sinks.xai[0].Drift[0] != feature.DriftWHOISFailed {
		t.Errorf("xai drift = %v", sinks.xai[0].Drift)
	}
	if len(sinks.xai[0].Top3) > 3 {
		t.Errorf("top_3 has %d entries", len(sinks.xai[0].Top3))
	}
}

func TestCalibratedModelEndToEnd(t *testing.T) {
	// A heavily risk-scored vector through the real model should cross the
	// phishing threshold; a clean one should stay safe.
	risky := &feature.Vector{}
	for i := range risky.Values {
		risky.Values[i] = -1
	}
	clean := &feature.Vector{}
	for i := range clean.Values {
		clean.Values[i] = 1
	}

	p := newPipeline(t, Config{Extractor: &fakeExtractor{vec: risky}, Model: model.NewCalibrated()})
	res, err := p.Scan(context.Background(), "https://worst-case.example/t")
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != store.VerdictPhishing {
		t.Errorf("all-risk vector verdict = %s, want PHISHING", res.Verdict)
	}

	p2 := newPipeline(t, Config{Extractor: &fakeExtractor{vec: clean}, Model: model.NewCalibrated()})
	res2, err := p2.Scan(context.Background(), "https://best-case.example/u")
	if err != nil {
		t.Fatal(err)
	}
	if res2.Verdict != store.VerdictSafe {
		t.Errorf("all-safe vector verdict = %s, want SAFE", res2.Verdict)
	}
}
