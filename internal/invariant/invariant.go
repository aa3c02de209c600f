// Package invariant checks every scan result against the protected safety
// invariants and produces a per-scan report. Violations are surfaced to the
// governance layer; a violation is an incident, not a bug.
package invariant

import (
	"fmt"

	"github.com/phishguard/phishguard/internal/feature"
	"github.com/phishguard/phishguard/internal/store"
)

// Invariant names.
const (
	TrustedNeverPhishing    = "trusted-never-phishing"
	RiskBandConsistency     = "risk-score-band-consistency"
	ExplanationCompleteness = "explanation-completeness"
	DriftFlagAccounting     = "drift-flag-accounting"
)

// maxExplanationSignals mirrors the explanation builder's cap.
const maxExplanationSignals = 5

// Check is the outcome of one invariant evaluation.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report collects all invariant checks for one scan.
type Report struct {
	URL    string  `json:"url"`
	Checks []Check `json:"checks"`
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Violations returns descriptions of all failed checks.
func (r *Report) Violations() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, fmt.Sprintf("%s: %s", c.Name, c.Detail))
		}
	}
	return out
}

// TrustedPhishing reports whether the trusted-never-phishing invariant was
// violated, the one violation that must freeze the system.
func (r *Report) TrustedPhishing() bool {
	for _, c := range r.Checks {
		if c.Name == TrustedNeverPhishing && !c.Passed {
			return true
		}
	}
	return false
}

var knownDriftFlags = map[string]bool{
	feature.DriftHTTPFailed:  true,
	feature.DriftWHOISFailed: true,
	feature.DriftDNSFailed:   true,
}

// Evaluate runs all invariant checks against a completed scan result.
// trusted reports whether the URL's registered domain is on the allowlist.
func Evaluate(res *store.ScanResult, trusted bool) *Report {
	r := &Report{URL: res.URL}
	r.Checks = append(r.Checks,
		checkTrustedNeverPhishing(res, trusted),
		checkRiskBand(res),
		checkExplanation(res),
		checkDriftFlags(res),
	)
	return r
}

func checkTrustedNeverPhishing(res *store.ScanResult, trusted bool) Check {
	c := Check{Name: TrustedNeverPhishing, Passed: true}
	if trusted && res.Verdict == store.VerdictPhishing {
		c.Passed = false
		c.Detail = "trusted domain received PHISHING verdict"
	}
	return c
}

// Risk score bands the pipeline can legitimately produce: PHISHING only at
// critical scores, SUSPICIOUS anywhere between the low band and critical
// (drift downgrades land below 85), SAFE below the elevated band.
func checkRiskBand(res *store.ScanResult) Check {
	c := Check{Name: RiskBandConsistency, Passed: true}
	score := res.RiskScore
	switch res.Verdict {
	case store.VerdictPhishing:
		if score < store.RiskBandCritical {
			c.Passed = false
			c.Detail = fmt.Sprintf("PHISHING with risk score %.1f below %.0f", score, store.RiskBandCritical)
		}
	case store.VerdictSuspicious:
		if score < store.RiskBandLow || score >= store.RiskBandCritical {
			c.Passed = false
			c.Detail = fmt.Sprintf("SUSPICIOUS with risk score %.1f outside [%.0f, %.0f)",
				score, store.RiskBandLow, store.RiskBandCritical)
		}
	case store.VerdictSafe:
		if score >= store.RiskBandElevated {
			c.Passed = false
			c.Detail = fmt.Sprintf("SAFE with risk score %.1f at or above %.0f", score, store.RiskBandElevated)
		}
	default:
		c.Passed = false
		c.Detail = fmt.Sprintf("unknown verdict %q", res.Verdict)
	}
	return c
}

func checkExplanation(res *store.ScanResult) Check {
	c := Check{Name: ExplanationCompleteness, Passed: true}
	e := res.Explanation
	switch {
	case e.Summary == "":
		c.Passed = false
		c.Detail = "explanation summary is empty"
	case e.RiskLevel != store.RiskLevel(res.RiskScore):
		c.Passed = false
		c.Detail = fmt.Sprintf("risk level %q does not match score %.1f (%s)",
			e.RiskLevel, res.RiskScore, store.RiskLevel(res.RiskScore))
	case len(e.RiskSignals) > maxExplanationSignals:
		c.Passed = false
		c.Detail = fmt.Sprintf("%d risk signals exceed the cap of %d", len(e.RiskSignals), maxExplanationSignals)
	case len(e.PositiveSignals) > maxExplanationSignals:
		c.Passed = false
		c.Detail = fmt.Sprintf("%d positive signals exceed the cap of %d", len(e.PositiveSignals), maxExplanationSignals)
	}
	return c
}

func checkDriftFlags(res *store.ScanResult) Check {
	c := Check{Name: DriftFlagAccounting, Passed: true}
	seen := map[string]bool{}
	for _, flag := range res.DriftFlags {
		if !knownDriftFlags[flag] {
			c.Passed = false
			c.Detail = fmt.Sprintf("unknown drift flag %q", flag)
			return c
		}
		if seen[flag] {
			c.Passed = false
			c.Detail = fmt.Sprintf("duplicate drift flag %q", flag)
			return c
		}
		seen[flag] = true
	}
	return c
}
