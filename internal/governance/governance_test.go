package governance

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/phishguard/phishguard/internal/calibration"
	"github.com/phishguard/phishguard/internal/trust"
)

func newTestController(t *testing.T) (*Controller, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	c := NewController(store, nil)
	c.SetCalibrationHealth(func() calibration.Status { return calibration.StatusHealthy })
	return c, dir
}

func TestFreezeBlocksActions(t *testing.T) {
	c, _ := newTestController(t)

	if err := c.AssertNotFrozen("scan"); err != nil {
		t.Fatalf("unfrozen system should allow actions: %v", err)
	}

	if err := c.TriggerFreeze(FreezeManual, "tester", "INC-1", nil); err != nil {
		t.Fatalf("TriggerFreeze: %v", err)
	}

	err := c.AssertNotFrozen("scan")
	if !errors.Is(err, ErrSystemFrozen) {
		t.Fatalf("expected ErrSystemFrozen, got %v", err)
	}
	var fe *FrozenError
	if !errors.As(err, &fe) || fe.IncidentID != "INC-1" {
		t.Errorf("frozen error missing incident context: %v", err)
	}
}

func TestFreezeKeepsOriginalRecord(t *testing.T) {
	c, dir := newTestController(t)

	var notified int
	c.SetFreezeListener(func(FreezeReason, string, map[string]any) { notified++ })

	if err := c.TriggerFreeze(FreezeManual, "tester", "INC-FIRST", nil); err != nil {
		t.Fatal(err)
	}
	first, err := c.FreezeState()
	if err != nil {
		t.Fatal(err)
	}

	// A second trigger while frozen must not replace the original record.
	if err := c.TriggerFreeze(FreezeBudgetExhausted, "other", "INC-SECOND", nil); err != nil {
		t.Fatalf("repeat trigger: %v", err)
	}
	fs, err := c.FreezeState()
	if err != nil {
		t.Fatal(err)
	}
	if fs.IncidentID != "INC-FIRST" || fs.FrozenBy != "tester" {
		t.Errorf("freeze record replaced: %+v", fs)
	}
	if fs.FreezeReason != first.FreezeReason || fs.FrozenAt != first.FrozenAt {
		t.Errorf("freeze reason/time changed: got %+v, want %+v", fs, first)
	}
	if notified != 1 {
		t.Errorf("freeze listener fired %d times, want 1", notified)
	}

	// The original record survives a restart.
	store2, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	st, err := store2.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.Freeze.IncidentID != "INC-FIRST" {
		t.Errorf("persisted incident = %s, want INC-FIRST", st.Freeze.IncidentID)
	}
}

func TestUnreadableStateFailsClosed(t *testing.T) {
	c, dir := newTestController(t)
	if err := c.ConsumeOverrideBudget("seed"); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, StateFile), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	// A fresh store has no cache to fall back on: the read error surfaces.
	store2, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, lerr := store2.Load(); lerr == nil {
		t.Fatal("Load on corrupt state: want error, got nil")
	}

	c2 := NewController(store2, nil)
	if !c2.IsFrozen() {
		t.Error("unreadable state must read as frozen")
	}
	if aerr := c2.AssertNotFrozen("scan"); aerr == nil {
		t.Error("unreadable state should refuse actions")
	}
}

func TestResumeValidation(t *testing.T) {
	c, _ := newTestController(t)

	if err := c.ResumeFromFreeze("op", "INC-2", "a perfectly valid justification"); !errors.Is(err, ErrNotFrozen) {
		t.Errorf("resume of unfrozen system should fail, got %v", err)
	}

	if err := c.TriggerFreeze(FreezeManual, "tester", "INC-2", nil); err != nil {
		t.Fatal(err)
	}

	if err := c.ResumeFromFreeze("op", "", "a perfectly valid justification"); !errors.Is(err, ErrMissingIncident) {
		t.Errorf("resume without incident should fail, got %v", err)
	}
	if err := c.ResumeFromFreeze("op", "INC-2", "too short"); !errors.Is(err, ErrInvalidJustification) {
		t.Errorf("resume with short justification should fail, got %v", err)
	}

	if err := c.ResumeFromFreeze("op", "INC-2", "root cause fixed, see incident INC-2"); err != nil {
		t.Fatalf("valid resume failed: %v", err)
	}
	if c.IsFrozen() {
		t.Error("system still frozen after resume")
	}
}

func TestOverrideBudgetFreezesOnExhaustion(t *testing.T) {
	c, _ := newTestController(t)

	for i := 0; i < MaxOverridesPerWindow; i++ {
		if err := c.ConsumeOverrideBudget("test"); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}

	err := c.ConsumeOverrideBudget("test")
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	if !c.IsFrozen() {
		t.Error("budget exhaustion should freeze the system")
	}
	fs, _ := c.FreezeState()
	if fs.FreezeReason != FreezeBudgetExhausted {
		t.Errorf("freeze reason = %s", fs.FreezeReason)
	}
}

func TestOverrideBudgetHourlyWindowReset(t *testing.T) {
	c, _ := newTestController(t)

	base := time.Now()
	clock := base
	c.nowFunc = func() time.Time { return clock }
	c.store.nowFunc = func() time.Time { return clock }

	for i := 0; i < MaxOverridesPerWindow; i++ {
		if err := c.ConsumeOverrideBudget("early"); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}

	// Past the hourly sub-window the counter resets.
	clock = base.Add(2 * time.Hour)
	if err := c.ConsumeOverrideBudget("after window"); err != nil {
		t.Fatalf("consume after window reset: %v", err)
	}
	if c.IsFrozen() {
		t.Error("system frozen despite window reset")
	}
}

func TestBudgetMonotonicAcrossRestarts(t *testing.T) {
	c, dir := newTestController(t)

	if err := c.ConsumeOverrideBudget("first"); err != nil {
		t.Fatal(err)
	}

	// Restart: new store and controller over the same directory.
	store2, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	c2 := NewController(store2, nil)
	st, err := store2.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.Budget.OverridesUsed != 1 {
		t.Errorf("overrides used after restart = %d, want 1", st.Budget.OverridesUsed)
	}
	_ = c2
}

func TestResetBudgetRequiresJustification(t *testing.T) {
	c, _ := newTestController(t)

	if err := c.ResetBudget("overrides_per_window", "op", "short", "INC-3"); !errors.Is(err, ErrInvalidJustification) {
		t.Errorf("short justification should fail, got %v", err)
	}
	if err := c.ResetBudget("overrides_per_window", "op", "incident resolved, counters verified", ""); !errors.Is(err, ErrMissingIncident) {
		t.Errorf("missing incident should fail, got %v", err)
	}

	if err := c.ConsumeOverrideBudget("x"); err != nil {
		t.Fatal(err)
	}
	if err := c.ResetBudget("overrides_per_window", "op", "incident resolved, counters verified", "INC-3"); err != nil {
		t.Fatalf("valid reset failed: %v", err)
	}
	st, _ := c.store.Load()
	if st.Budget.OverridesUsed != 0 {
		t.Errorf("overrides used after reset = %d", st.Budget.OverridesUsed)
	}
}

func TestTrustedPhishingFreezesImmediately(t *testing.T) {
	c, _ := newTestController(t)

	err := c.ReportTrustedDomainVerdict("google.com", "PHISHING", 95)
	var ive *InvariantViolationError
	if !errors.As(err, &ive) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
	if !c.IsFrozen() {
		t.Fatal("trusted PHISHING must freeze the system")
	}
	fs, _ := c.FreezeState()
	if fs.FreezeReason != FreezeTrustedDomainPhishing {
		t.Errorf("freeze reason = %s", fs.FreezeReason)
	}
	if !strings.HasPrefix(fs.IncidentID, "TRUSTED_PHISHING_google.com_") {
		t.Errorf("incident id = %s", fs.IncidentID)
	}
}

func TestSuspiciousOnTrustedHasZeroTolerance(t *testing.T) {
	c, _ := newTestController(t)

	err := c.ReportTrustedDomainVerdict("github.com", "SUSPICIOUS", 50)
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	if !c.IsFrozen() {
		t.Error("suspicious-on-trusted should freeze (zero tolerance)")
	}
}

func TestSafeOnTrustedIsFine(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.ReportTrustedDomainVerdict("google.com", "SAFE", 15); err != nil {
		t.Fatalf("SAFE verdict should not error: %v", err)
	}
	if c.IsFrozen() {
		t.Error("SAFE verdict should not freeze")
	}
}

func TestOverrideAuthorityMatrix(t *testing.T) {
	tests := []struct {
		name      string
		typ       OverrideType
		authority OverrideAuthority
		ticket    string
		wantErr   bool
	}{
		{"permanent by security team with ticket", OverridePermanent, AuthoritySecurityTeam, "SEC-1", false},
		{"permanent without ticket", OverridePermanent, AuthoritySecurityTeam, "", true},
		{"permanent by on-call", OverridePermanent, AuthorityOnCall, "SEC-1", true},
		{"emergency by on-call", OverrideEmergency, AuthorityOnCall, "", false},
		{"emergency by ci", OverrideEmergency, AuthorityCISystem, "", true},
		{"testing by ci", OverrideTesting, AuthorityCISystem, "", false},
		{"testing by security team", OverrideTesting, AuthoritySecurityTeam, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestController(t)
			_, err := c.RequestOverride(OverrideRequest{
				Type:            tt.typ,
				Authority:       tt.authority,
				AffectedDomains: []string{"example.com"},
				Reason:          "test",
				ApprovedBy:      "tester",
				ReviewTicket:    tt.ticket,
			})
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("expected ErrUnauthorized, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestOverrideIDFormat(t *testing.T) {
	c, _ := newTestController(t)
	ov, err := c.RequestOverride(OverrideRequest{
		Type:       OverrideTesting,
		Authority:  AuthorityCISystem,
		Reason:     "ci run",
		ApprovedBy: "ci",
	})
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(ov.ID, "-")
	if len(parts) != 3 || parts[0] != "OVERRIDE" || len(parts[2]) != 8 {
		t.Errorf("override id format = %s", ov.ID)
	}
}

func TestOverrideGrantChargesBudgetAtomically(t *testing.T) {
	c, dir := newTestController(t)

	ov, err := c.RequestOverride(OverrideRequest{
		Type:       OverrideEmergency,
		Authority:  AuthorityOnCall,
		Reason:     "active incident mitigation",
		ApprovedBy: "oncall",
	})
	if err != nil {
		t.Fatalf("RequestOverride: %v", err)
	}

	// A fresh store sees the grant and its budget charge in the same
	// persisted document.
	store2, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	st, err := store2.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.Budget.OverridesUsed != 1 {
		t.Errorf("overrides used = %d, want 1", st.Budget.OverridesUsed)
	}
	if len(st.Overrides) != 1 || st.Overrides[0].ID != ov.ID {
		t.Errorf("recorded overrides = %+v, want just %s", st.Overrides, ov.ID)
	}
}

func TestOverrideGrantRefusedWhenBudgetExhausted(t *testing.T) {
	c, _ := newTestController(t)

	for i := 0; i < MaxOverridesPerWindow; i++ {
		if _, err := c.RequestOverride(OverrideRequest{
			Type:       OverrideEmergency,
			Authority:  AuthorityOnCall,
			Reason:     "active incident mitigation",
			ApprovedBy: "oncall",
		}); err != nil {
			t.Fatalf("grant %d: %v", i, err)
		}
	}

	_, err := c.RequestOverride(OverrideRequest{
		Type:       OverrideEmergency,
		Authority:  AuthorityOnCall,
		Reason:     "one too many",
		ApprovedBy: "oncall",
	})
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	if !c.IsFrozen() {
		t.Error("budget exhaustion should freeze the system")
	}

	st, err := c.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Overrides) != MaxOverridesPerWindow {
		t.Errorf("recorded overrides = %d, want %d: the refused grant must not persist",
			len(st.Overrides), MaxOverridesPerWindow)
	}
}

func TestOverrideDurationClamped(t *testing.T) {
	c, _ := newTestController(t)
	base := time.Now()
	c.nowFunc = func() time.Time { return base }

	ov, err := c.RequestOverride(OverrideRequest{
		Type:       OverrideTesting,
		Authority:  AuthorityCISystem,
		Reason:     "long request",
		ApprovedBy: "ci",
		Duration:   48 * time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	expiry, err := time.Parse(time.RFC3339, ov.ExpiresAt)
	if err != nil {
		t.Fatal(err)
	}
	if got := expiry.Sub(base.UTC()).Round(time.Second); got > time.Hour {
		t.Errorf("testing override expiry = %v, want <= 1h", got)
	}
}

func TestActiveOverridesLazyExpiry(t *testing.T) {
	c, _ := newTestController(t)
	base := time.Now()
	clock := base
	c.nowFunc = func() time.Time { return clock }

	if _, err := c.RequestOverride(OverrideRequest{
		Type:       OverrideTesting,
		Authority:  AuthorityCISystem,
		Reason:     "short lived",
		ApprovedBy: "ci",
	}); err != nil {
		t.Fatal(err)
	}

	active, err := c.ActiveOverrides()
	if err != nil || len(active) != 1 {
		t.Fatalf("active = %d (%v), want 1", len(active), err)
	}

	clock = base.Add(2 * time.Hour)
	active, err = c.ActiveOverrides()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("expired override still active: %d", len(active))
	}
}

func TestCanaryPromotionCriteria(t *testing.T) {
	c, _ := newTestController(t)

	// Not enough signal yet.
	for i := 0; i < 4; i++ {
		if _, err := c.RecordCanaryResult("canary.example", "SAFE", 30); err != nil {
			t.Fatal(err)
		}
	}
	rep, err := c.CheckPromotionEligibility("canary.example")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Eligible {
		t.Error("4 runs should not be promotable")
	}

	// Fifth clean run crosses both runs and sample thresholds.
	if _, err := c.RecordCanaryResult("canary.example", "SAFE", 30); err != nil {
		t.Fatal(err)
	}
	rep, err = c.CheckPromotionEligibility("canary.example")
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Eligible {
		t.Errorf("expected promotable, got: %s", rep.Reason)
	}
}

func TestCanaryPhishingResetsStreak(t *testing.T) {
	c, _ := newTestController(t)

	for i := 0; i < 5; i++ {
		if _, err := c.RecordCanaryResult("flaky.example", "SAFE", 30); err != nil {
			t.Fatal(err)
		}
	}
	signal, err := c.RecordCanaryResult("flaky.example", "PHISHING", 30)
	if err != nil {
		t.Fatal(err)
	}
	if signal.ConsecutivePasses != 0 {
		t.Errorf("consecutive passes after failure = %d", signal.ConsecutivePasses)
	}

	rep, _ := c.CheckPromotionEligibility("flaky.example")
	if rep.Eligible {
		t.Error("canary with a failure should never be promotable (pass rate < 100%)")
	}

	st, _ := c.store.Load()
	if st.Budget.CanaryFailures != 1 {
		t.Errorf("canary failure budget = %d, want 1", st.Budget.CanaryFailures)
	}
}

func TestCanaryFailureBudgetFreezes(t *testing.T) {
	c, _ := newTestController(t)

	for i := 0; i <= MaxCanaryFailures; i++ {
		if _, err := c.RecordCanaryResult("bad.example", "PHISHING", 10); err != nil {
			t.Fatal(err)
		}
	}
	if !c.IsFrozen() {
		t.Error("exceeding canary failure budget should freeze")
	}
}

func TestCalibrationGatesGovernanceActions(t *testing.T) {
	c, _ := newTestController(t)
	c.SetCalibrationHealth(func() calibration.Status { return calibration.StatusDegraded })

	for _, action := range []string{"canary_promotion", "allowlist_expansion", "permanent_override"} {
		if err := c.AssertCalibrationAllows(action); err == nil {
			t.Errorf("action %s should be forbidden while DEGRADED", action)
		}
	}

	// Non-gated actions proceed with a warning under DEGRADED.
	if err := c.AssertCalibrationAllows("emergency_override"); err != nil {
		t.Errorf("non-gated action blocked under DEGRADED: %v", err)
	}

	c.SetCalibrationHealth(func() calibration.Status { return calibration.StatusUnknown })
	if err := c.AssertCalibrationAllows("emergency_override"); err == nil {
		t.Error("UNKNOWN calibration should require human review for all actions")
	}

	var cve *CalibrationViolationError
	err := c.AssertCalibrationAllows("canary_promotion")
	if !errors.As(err, &cve) {
		t.Errorf("expected CalibrationViolationError, got %v", err)
	}
}

func TestPermanentOverrideBlockedWhenCalibrationDegraded(t *testing.T) {
	c, _ := newTestController(t)
	c.SetCalibrationHealth(func() calibration.Status { return calibration.StatusDegraded })

	_, err := c.RequestOverride(OverrideRequest{
		Type:         OverridePermanent,
		Authority:    AuthoritySecurityTeam,
		Reason:       "policy change",
		ApprovedBy:   "sec",
		ReviewTicket: "SEC-9",
	})
	var cve *CalibrationViolationError
	if !errors.As(err, &cve) {
		t.Errorf("expected calibration violation, got %v", err)
	}
}

func TestEscalateCalibrationFreezesOnCritical(t *testing.T) {
	c, _ := newTestController(t)

	if err := c.EscalateCalibration(calibration.StatusDegraded, "brier drift"); err != nil {
		t.Fatal(err)
	}
	if c.IsFrozen() {
		t.Error("DEGRADED should not freeze")
	}

	if err := c.EscalateCalibration(calibration.StatusCritical, "brier > 0.35"); err != nil {
		t.Fatal(err)
	}
	if !c.IsFrozen() {
		t.Error("CRITICAL calibration should freeze")
	}
	fs, _ := c.FreezeState()
	if fs.FreezeReason != FreezeCalibrationEscalation {
		t.Errorf("freeze reason = %s", fs.FreezeReason)
	}
}

func TestVerifyPolicyConsistency(t *testing.T) {
	c, dir := newTestController(t)

	report := c.VerifyPolicyConsistency(dir)
	if !report.ShouldFailCI {
		t.Error("missing manifest should fail CI")
	}

	manifest := &trust.Manifest{Version: 3, UpdatedAt: time.Now(), Domains: []string{"example.com"}}
	if err := trust.WriteManifest(filepath.Join(dir, "trusted_domains_manifest.json"), manifest); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordManifestVersion(3); err != nil {
		t.Fatal(err)
	}

	report = c.VerifyPolicyConsistency(dir)
	if report.ShouldFailCI {
		t.Errorf("consistent state should pass CI, errors: %v", report.Errors)
	}

	// Version drift between manifest and recorded deployment fails CI.
	if err := c.RecordManifestVersion(2); err != nil {
		t.Fatal(err)
	}
	report = c.VerifyPolicyConsistency(dir)
	if !report.ShouldFailCI {
		t.Error("manifest version drift should fail CI")
	}
}

func TestVerifyFailsWhileFrozen(t *testing.T) {
	c, dir := newTestController(t)

	manifest := &trust.Manifest{Version: 1, UpdatedAt: time.Now(), Domains: []string{"example.com"}}
	if err := trust.WriteManifest(filepath.Join(dir, "trusted_domains_manifest.json"), manifest); err != nil {
		t.Fatal(err)
	}
	if err := c.TriggerFreeze(FreezeManual, "tester", "INC-9", nil); err != nil {
		t.Fatal(err)
	}

	report := c.VerifyPolicyConsistency(dir)
	if !report.ShouldFailCI {
		t.Error("frozen system should fail CI verification")
	}
}

func TestStatusSummary(t *testing.T) {
	c, _ := newTestController(t)

	if err := c.ConsumeOverrideBudget("one"); err != nil {
		t.Fatal(err)
	}
	status, err := c.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.IsFrozen {
		t.Error("should not be frozen")
	}
	if status.BudgetUsage["overrides"] != "1/3" {
		t.Errorf("override usage = %s", status.BudgetUsage["overrides"])
	}
	if status.Calibration != string(calibration.StatusHealthy) {
		t.Errorf("calibration = %s", status.Calibration)
	}
}
