package governance

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/calibration"
)

// trustRevalidationDays is the window after which a trusted-domain
// registration must be reviewed again.
const trustRevalidationDays = 365

// minJustificationLen applies to freeze resumes and budget resets.
const minJustificationLen = 20

// AuditSink receives governance events for the policy audit trail.
type AuditSink interface {
	Log(event audit.EventType, overrideFlag bool, domains []string, context, reason string, extra map[string]string) (*audit.Entry, error)
}

// FreezeListener is notified after a freeze is persisted. Used to page the
// on-call channel.
type FreezeListener func(reason FreezeReason, incidentID string, details map[string]any)

// Controller enforces all governance rules over the persisted state.
//
// Fail-closed behavior: unreadable state reads as frozen, unpersistable
// mutations are refused, and an unverifiable budget denies the action.
type Controller struct {
	store    *Store
	audit    AuditSink
	health   func() calibration.Status
	onFreeze FreezeListener
	nowFunc  func() time.Time
}

// NewController wires the controller. auditSink and health may be nil; a
// nil health provider reads as UNKNOWN, which is the restrictive default.
func NewController(store *Store, auditSink AuditSink) *Controller {
	c := &Controller{
		store:   store,
		audit:   auditSink,
		nowFunc: time.Now,
	}
	if st, err := store.Load(); err == nil && st.Freeze.IsFrozen {
		slog.Error("system is frozen",
			"reason", st.Freeze.FreezeReason, "incident", st.Freeze.IncidentID)
	}
	return c
}

// SetCalibrationHealth installs the calibration status provider.
func (c *Controller) SetCalibrationHealth(fn func() calibration.Status) {
	c.health = fn
}

// SetFreezeListener installs the freeze notification hook.
func (c *Controller) SetFreezeListener(fn FreezeListener) {
	c.onFreeze = fn
}

func (c *Controller) now() time.Time {
	return c.nowFunc()
}

func (c *Controller) calibrationStatus() calibration.Status {
	if c.health == nil {
		return calibration.StatusUnknown
	}
	return c.health()
}

// IsFrozen reports the current freeze state.
func (c *Controller) IsFrozen() bool {
	st, err := c.store.Load()
	if err != nil {
		return true
	}
	return st.Freeze.IsFrozen
}

// FreezeState returns the persisted freeze record.
func (c *Controller) FreezeState() (FreezeState, error) {
	st, err := c.store.Load()
	if err != nil {
		return FreezeState{}, err
	}
	return st.Freeze, nil
}

// AssertNotFrozen refuses the action while the system is frozen. An
// unreadable state also refuses: unknown state is treated as frozen.
func (c *Controller) AssertNotFrozen(action string) error {
	st, err := c.store.Load()
	if err != nil {
		return &FrozenError{
			Action: action,
			Reason: "governance state unreadable: " + err.Error(),
		}
	}
	if st.Freeze.IsFrozen {
		fs := st.Freeze
		return &FrozenError{
			Action:     action,
			Reason:     string(fs.FreezeReason),
			IncidentID: fs.IncidentID,
			FrozenAt:   fs.FrozenAt,
		}
	}
	return nil
}

// TriggerFreeze halts governance operations until an explicit resume.
// Idempotent: while a freeze is active the original record is kept and a
// later trigger is a no-op, so the first incident is never overwritten.
func (c *Controller) TriggerFreeze(reason FreezeReason, triggeredBy, incidentID string, details map[string]any) error {
	now := c.now().UTC().Format(time.RFC3339)
	var alreadyFrozen bool
	_, err := c.store.Update(func(st *State) error {
		if st.Freeze.IsFrozen {
			alreadyFrozen = true
			return nil
		}
		st.Freeze = FreezeState{
			IsFrozen:     true,
			FrozenAt:     now,
			FrozenBy:     triggeredBy,
			FreezeReason: reason,
			IncidentID:   incidentID,
			Details:      details,
		}
		return nil
	})
	if err != nil {
		return err
	}
	if alreadyFrozen {
		slog.Warn("freeze already active, keeping original record",
			"requested_reason", reason, "requested_incident", incidentID)
		return nil
	}

	slog.Error("SYSTEM FREEZE TRIGGERED",
		"reason", reason, "triggered_by", triggeredBy, "incident", incidentID)
	if c.onFreeze != nil {
		c.onFreeze(reason, incidentID, details)
	}
	return nil
}

// ResumeFromFreeze lifts a freeze. Requires the system to be frozen, an
// incident reference and a justification of at least 20 characters.
func (c *Controller) ResumeFromFreeze(resumedBy, incidentID, justification string) error {
	if strings.TrimSpace(incidentID) == "" {
		return ErrMissingIncident
	}
	if len(strings.TrimSpace(justification)) < minJustificationLen {
		return ErrInvalidJustification
	}

	_, err := c.store.Update(func(st *State) error {
		if !st.Freeze.IsFrozen {
			return ErrNotFrozen
		}
		st.Freeze.PreviousFreezeReason = string(st.Freeze.FreezeReason)
		st.Freeze.IsFrozen = false
		st.Freeze.ResumedAt = c.now().UTC().Format(time.RFC3339)
		st.Freeze.ResumedBy = resumedBy
		st.Freeze.ResumeJustification = justification
		st.Freeze.ResumeIncidentID = incidentID
		return nil
	})
	if err != nil {
		return err
	}

	slog.Warn("system resumed from freeze",
		"resumed_by", resumedBy, "incident", incidentID)
	return nil
}

// chargeOverrideBudget applies the hourly sub-window reset and charges one
// override against the budget. Reports whether the budget is now exhausted.
func chargeOverrideBudget(b *Budget, now time.Time) (exhausted bool) {
	if b.OverrideWindowStart != "" {
		start, err := time.Parse(time.RFC3339, b.OverrideWindowStart)
		if err == nil && now.Sub(start) > overrideSubWindow {
			b.OverridesUsed = 0
			b.OverrideWindowStart = now.UTC().Format(time.RFC3339)
		}
	} else {
		b.OverrideWindowStart = now.UTC().Format(time.RFC3339)
	}
	b.OverridesUsed++
	return b.OverridesUsed > MaxOverridesPerWindow
}

// freezeOnBudgetExhaustion triggers the exhaustion freeze and returns the
// budget error surfaced to the caller.
func (c *Controller) freezeOnBudgetExhaustion(context string, now time.Time) error {
	incident := fmt.Sprintf("BUDGET_EXHAUSTED_%s", now.UTC().Format("20060102150405"))
	if ferr := c.TriggerFreeze(FreezeBudgetExhausted, "governance-controller", incident,
		map[string]any{"context": context}); ferr != nil {
		slog.Error("freeze on budget exhaustion failed", "err", ferr)
	}
	return fmt.Errorf("%w: overrides %d/%d in window", ErrBudgetExhausted,
		MaxOverridesPerWindow+1, MaxOverridesPerWindow)
}

// ConsumeOverrideBudget charges one override against the 24h window with an
// hourly sub-window reset. Exceeding the budget freezes the system.
func (c *Controller) ConsumeOverrideBudget(context string) error {
	if err := c.AssertNotFrozen("consume_override_budget"); err != nil {
		return err
	}

	now := c.now()
	var exhausted bool
	_, err := c.store.Update(func(st *State) error {
		exhausted = chargeOverrideBudget(&st.Budget, now)
		return nil
	})
	if err != nil {
		return err
	}

	if exhausted {
		return c.freezeOnBudgetExhaustion(context, now)
	}

	slog.Warn("override budget consumed", "context", context)
	return nil
}

// ResetBudget is the only way to clear budget counters. Requires a named
// approver, an incident reference and a detailed justification.
func (c *Controller) ResetBudget(name, resetBy, justification, incidentID string) error {
	if len(strings.TrimSpace(justification)) < minJustificationLen {
		return ErrInvalidJustification
	}
	if strings.TrimSpace(incidentID) == "" {
		return ErrMissingIncident
	}

	_, err := c.store.Update(func(st *State) error {
		b := &st.Budget
		switch name {
		case "overrides_per_window":
			b.OverridesUsed = 0
			b.OverrideWindowStart = ""
		case "suspicious_on_trusted":
			b.SuspiciousOnTrusted = 0
		case "canary_failures":
			b.CanaryFailures = 0
		default:
			return fmt.Errorf("unknown budget %q", name)
		}
		b.LastResetAt = c.now().UTC().Format(time.RFC3339)
		b.LastResetBy = resetBy
		b.LastResetJustification = fmt.Sprintf("[%s] %s", incidentID, justification)
		return nil
	})
	if err != nil {
		return err
	}

	slog.Warn("safety budget reset", "budget", name, "by", resetBy, "incident", incidentID)
	return nil
}

// ReportTrustedDomainVerdict enforces the trusted-never-phishing invariant.
// A PHISHING verdict on a trusted domain freezes the system immediately and
// returns an InvariantViolationError; SUSPICIOUS consumes the zero-tolerance
// budget and also freezes.
func (c *Controller) ReportTrustedDomainVerdict(domain, verdict string, riskScore float64) error {
	switch verdict {
	case "PHISHING":
		_, err := c.store.Update(func(st *State) error {
			st.Budget.PhishingOnTrusted++
			return nil
		})
		if err != nil {
			return err
		}

		incident := fmt.Sprintf("TRUSTED_PHISHING_%s_%s", domain, c.now().UTC().Format("20060102150405"))
		if ferr := c.TriggerFreeze(FreezeTrustedDomainPhishing, "governance-controller", incident,
			map[string]any{"domain": domain, "verdict": verdict, "risk_score": riskScore}); ferr != nil {
			slog.Error("freeze on trusted phishing failed", "err", ferr)
		}
		if c.audit != nil {
			c.audit.Log(audit.EventTrustedDomainReclassification, false, []string{domain},
				"trusted_domain_verdict", "PHISHING verdict on trusted domain",
				map[string]string{"incident": incident}) //nolint:errcheck // freeze already persisted
		}
		return &InvariantViolationError{
			Invariant: "trusted-never-phishing",
			Domain:    domain,
			Detail:    "trusted domain received PHISHING verdict",
		}

	case "SUSPICIOUS":
		var exceeded bool
		_, err := c.store.Update(func(st *State) error {
			st.Budget.SuspiciousOnTrusted++
			exceeded = st.Budget.SuspiciousOnTrusted > MaxSuspiciousOnTrusted
			return nil
		})
		if err != nil {
			return err
		}
		slog.Error("trusted domain received SUSPICIOUS verdict",
			"domain", domain, "risk_score", riskScore)

		if exceeded {
			incident := fmt.Sprintf("SUSPICIOUS_TRUSTED_%s_%s", domain, c.now().UTC().Format("20060102150405"))
			if ferr := c.TriggerFreeze(FreezeBudgetExhausted, "governance-controller", incident,
				map[string]any{"domain": domain, "verdict": verdict}); ferr != nil {
				slog.Error("freeze on suspicious-trusted failed", "err", ferr)
			}
			return fmt.Errorf("%w: suspicious_on_trusted has zero tolerance", ErrBudgetExhausted)
		}
	}
	return nil
}

// Calibration-gated actions: while calibration is anything but HEALTHY,
// these are refused outright.
var calibrationGatedActions = map[string]bool{
	"canary_promotion":    true,
	"allowlist_expansion": true,
	"permanent_override":  true,
}

// CheckCalibrationAllows reports whether calibration health permits action.
func (c *Controller) CheckCalibrationAllows(action string) (bool, string) {
	status := c.calibrationStatus()
	if status == calibration.StatusHealthy {
		return true, "calibration healthy"
	}
	if calibrationGatedActions[action] {
		return false, fmt.Sprintf("action %q forbidden: calibration status is %s", action, status)
	}
	if status == calibration.StatusUnknown {
		return false, fmt.Sprintf("action %q requires human review: calibration status UNKNOWN", action)
	}
	return true, fmt.Sprintf("warning: calibration is %s", status)
}

// AssertCalibrationAllows is the fail-closed form of CheckCalibrationAllows.
func (c *Controller) AssertCalibrationAllows(action string) error {
	allowed, _ := c.CheckCalibrationAllows(action)
	if !allowed {
		return &CalibrationViolationError{Action: action, Status: string(c.calibrationStatus())}
	}
	return nil
}

// EscalateCalibration freezes the system when the calibration monitor
// reaches CRITICAL.
func (c *Controller) EscalateCalibration(status calibration.Status, detail string) error {
	if status != calibration.StatusCritical {
		return nil
	}
	incident := fmt.Sprintf("CALIBRATION_CRITICAL_%s", c.now().UTC().Format("20060102150405"))
	return c.TriggerFreeze(FreezeCalibrationEscalation, "calibration-monitor", incident,
		map[string]any{"detail": detail})
}

// RegisterTrustedDomain records a domain in the temporal trust registry with
// a 12-month revalidation deadline.
func (c *Controller) RegisterTrustedDomain(domain, reviewedBy string) (*TrustRecord, error) {
	if err := c.AssertNotFrozen("register_trusted_domain"); err != nil {
		return nil, err
	}
	if err := c.AssertCalibrationAllows("allowlist_expansion"); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	rec := &TrustRecord{
		Domain:                 domain,
		AddedDate:              now.Format(time.RFC3339),
		LastReviewedDate:       now.Format(time.RFC3339),
		ReviewedBy:             reviewedBy,
		TrustLevel:             "full",
		RevalidationRequiredBy: now.AddDate(0, 0, trustRevalidationDays).Format(time.RFC3339),
	}
	_, err := c.store.Update(func(st *State) error {
		st.TrustedRegistry[domain] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DomainsRequiringRevalidation lists registry entries past their deadline.
func (c *Controller) DomainsRequiringRevalidation() ([]*TrustRecord, error) {
	st, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	now := c.now()
	var overdue []*TrustRecord
	for _, rec := range st.TrustedRegistry {
		if rec.RevalidationOverdue(now) {
			overdue = append(overdue, rec)
		}
	}
	return overdue, nil
}

// Status is the governance status summary served by the API and CLI.
type Status struct {
	IsFrozen        bool              `json:"is_frozen"`
	FreezeReason    string            `json:"freeze_reason,omitempty"`
	IncidentID      string            `json:"incident_id,omitempty"`
	FrozenAt        string            `json:"frozen_at,omitempty"`
	BudgetUsage     map[string]string `json:"budget_usage"`
	BudgetExceeded  map[string]bool   `json:"budget_exceeded"`
	ActiveOverrides int               `json:"active_overrides"`
	Calibration     string            `json:"calibration_status"`
	WindowStart     string            `json:"window_start"`
}

// Status returns the current safety summary.
func (c *Controller) Status() (*Status, error) {
	st, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	active, err := c.ActiveOverrides()
	if err != nil {
		return nil, err
	}

	b := st.Budget
	return &Status{
		IsFrozen:     st.Freeze.IsFrozen,
		FreezeReason: string(st.Freeze.FreezeReason),
		IncidentID:   st.Freeze.IncidentID,
		FrozenAt:     st.Freeze.FrozenAt,
		BudgetUsage: map[string]string{
			"suspicious_on_trusted": fmt.Sprintf("%d/%d", b.SuspiciousOnTrusted, MaxSuspiciousOnTrusted),
			"overrides":             fmt.Sprintf("%d/%d", b.OverridesUsed, MaxOverridesPerWindow),
			"canary_failures":       fmt.Sprintf("%d/%d", b.CanaryFailures, MaxCanaryFailures),
		},
		BudgetExceeded:  b.Exceeded(),
		ActiveOverrides: len(active),
		Calibration:     string(c.calibrationStatus()),
		WindowStart:     b.WindowStart,
	}, nil
}
