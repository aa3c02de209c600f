package governance

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/phishguard/phishguard/internal/audit"
)

// Canary promotion thresholds. Promotion needs volume of signal, not just a
// run count.
const (
	CanaryMinRuns       = 5
	CanaryMinSampleSize = 100
)

// CanarySignal accumulates validation signal for a canary domain.
type CanarySignal struct {
	Domain            string `json:"domain"`
	TestRuns          int    `json:"test_runs"`
	Passes            int    `json:"passes"`
	Failures          int    `json:"failures"`
	SampleSize        int    `json:"sample_size"`
	LastRun           string `json:"last_run,omitempty"`
	LastVerdict       string `json:"last_verdict,omitempty"`
	ConsecutivePasses int    `json:"consecutive_passes"`
}

// PassRate returns passes over runs, zero when no runs exist.
func (s *CanarySignal) PassRate() float64 {
	if s.TestRuns == 0 {
		return 0
	}
	return float64(s.Passes) / float64(s.TestRuns)
}

// SufficientSignal reports whether enough data exists for a promotion call.
func (s *CanarySignal) SufficientSignal() bool {
	return s.TestRuns >= CanaryMinRuns && s.SampleSize >= CanaryMinSampleSize
}

// Promotable reports whether the canary meets every promotion criterion:
// sufficient signal, a clean consecutive streak and a 100% pass rate.
func (s *CanarySignal) Promotable() bool {
	return s.SufficientSignal() &&
		s.ConsecutivePasses >= CanaryMinRuns &&
		s.PassRate() >= 1.0
}

// RecordCanaryResult folds one test run into the canary's signal. A PHISHING
// verdict is a failure: it resets the consecutive streak and charges the
// canary failure budget, freezing the system once the budget is exceeded.
func (c *Controller) RecordCanaryResult(domain, verdict string, sampleSize int) (*CanarySignal, error) {
	if sampleSize < 1 {
		sampleSize = 1
	}

	now := c.now()
	var (
		signal   *CanarySignal
		exceeded bool
	)
	_, err := c.store.Update(func(st *State) error {
		s, ok := st.CanarySignals[domain]
		if !ok {
			s = &CanarySignal{Domain: domain}
			st.CanarySignals[domain] = s
		}
		s.TestRuns++
		s.SampleSize += sampleSize
		s.LastRun = now.UTC().Format(time.RFC3339)
		s.LastVerdict = verdict

		if verdict == "PHISHING" {
			s.Failures++
			s.ConsecutivePasses = 0
			st.Budget.CanaryFailures++
			exceeded = st.Budget.CanaryFailures > MaxCanaryFailures
		} else {
			s.Passes++
			s.ConsecutivePasses++
		}

		copied := *s
		signal = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}

	if exceeded {
		incident := fmt.Sprintf("CANARY_FAILURES_%s", now.UTC().Format("20060102150405"))
		if ferr := c.TriggerFreeze(FreezeBudgetExhausted, "governance-controller", incident,
			map[string]any{"domain": domain, "budget": "canary_failures"}); ferr != nil {
			slog.Error("freeze on canary failure budget failed", "err", ferr)
		}
	}
	return signal, nil
}

// PromotionEligibility is the detailed report for a canary domain.
type PromotionEligibility struct {
	Eligible bool          `json:"eligible"`
	Reason   string        `json:"reason"`
	Signal   *CanarySignal `json:"signal,omitempty"`
}

// CheckPromotionEligibility evaluates a canary against the promotion rules
// without side effects.
func (c *Controller) CheckPromotionEligibility(domain string) (*PromotionEligibility, error) {
	st, err := c.store.Load()
	if err != nil {
		return nil, err
	}

	signal, ok := st.CanarySignals[domain]
	if !ok {
		return &PromotionEligibility{Eligible: false, Reason: "no signal data recorded"}, nil
	}

	copied := *signal
	switch {
	case !signal.SufficientSignal():
		return &PromotionEligibility{
			Eligible: false,
			Reason: fmt.Sprintf("insufficient signal: %d/%d runs, %d/%d samples",
				signal.TestRuns, CanaryMinRuns, signal.SampleSize, CanaryMinSampleSize),
			Signal: &copied,
		}, nil
	case signal.ConsecutivePasses < CanaryMinRuns:
		return &PromotionEligibility{
			Eligible: false,
			Reason: fmt.Sprintf("insufficient consecutive passes: %d/%d",
				signal.ConsecutivePasses, CanaryMinRuns),
			Signal: &copied,
		}, nil
	case signal.PassRate() < 1.0:
		return &PromotionEligibility{
			Eligible: false,
			Reason:   fmt.Sprintf("pass rate %.0f%% below required 100%%", signal.PassRate()*100),
			Signal:   &copied,
		}, nil
	}

	return &PromotionEligibility{
		Eligible: true,
		Reason:   "all promotion criteria met",
		Signal:   &copied,
	}, nil
}

// PromoteCanary promotes an eligible canary into the trusted registry.
// Blocked while frozen or when calibration is not healthy, and requires
// explicit approval metadata.
func (c *Controller) PromoteCanary(domain, approvedBy, reviewTicket string) (*TrustRecord, error) {
	if err := c.AssertNotFrozen("canary_promotion"); err != nil {
		return nil, err
	}
	if err := c.AssertCalibrationAllows("canary_promotion"); err != nil {
		return nil, err
	}

	eligibility, err := c.CheckPromotionEligibility(domain)
	if err != nil {
		return nil, err
	}
	if !eligibility.Eligible {
		return nil, fmt.Errorf("cannot promote %s: %s", domain, eligibility.Reason)
	}

	rec, err := c.RegisterTrustedDomain(domain, approvedBy)
	if err != nil {
		return nil, err
	}

	slog.Info("canary promoted", "domain", domain, "approved_by", approvedBy, "ticket", reviewTicket)
	if c.audit != nil {
		c.audit.Log(audit.EventCanaryPromotion, true, []string{domain},
			"canary_promotion", "canary met all promotion criteria",
			map[string]string{"approved_by": approvedBy, "review_ticket": reviewTicket}) //nolint:errcheck // promotion already persisted
	}
	return rec, nil
}
