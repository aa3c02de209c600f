package governance

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/phishguard/phishguard/internal/calibration"
	"github.com/phishguard/phishguard/internal/trust"
)

// ConsistencyReport is the policy-as-code verification result. Errors make
// CI fail; warnings are advisory.
type ConsistencyReport struct {
	Consistent   bool     `json:"consistent"`
	Errors       []string `json:"errors"`
	Warnings     []string `json:"warnings"`
	ShouldFailCI bool     `json:"should_fail_ci"`
}

// VerifyPolicyConsistency checks that the deployed policy artifacts agree
// with each other: the trusted-domain manifest exists and its version
// matches the governance state, calibration is healthy, and the system is
// not frozen. Intended to run in CI before any deploy.
func (c *Controller) VerifyPolicyConsistency(dataDir string) *ConsistencyReport {
	report := &ConsistencyReport{Errors: []string{}, Warnings: []string{}}

	manifestPath := filepath.Join(dataDir, "trusted_domains_manifest.json")
	var manifest *trust.Manifest
	if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
		report.Errors = append(report.Errors, "manifest file missing: trusted_domains_manifest.json")
	} else {
		m, err := trust.LoadManifest(manifestPath)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("manifest unreadable: %v", err))
		} else {
			manifest = m
		}
	}

	st, err := c.store.Load()
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("governance state unreadable: %v", err))
	} else {
		if manifest != nil && st.ManifestVersion != 0 {
			if verr := trust.VerifyManifestVersion(manifest.Version, st.ManifestVersion); verr != nil {
				report.Errors = append(report.Errors, verr.Error())
			}
		}
		if st.Freeze.IsFrozen {
			report.Errors = append(report.Errors, fmt.Sprintf(
				"system is frozen: %s (incident %s)", st.Freeze.FreezeReason, st.Freeze.IncidentID))
		}
		for budget, exceeded := range st.Budget.Exceeded() {
			if exceeded {
				report.Errors = append(report.Errors, fmt.Sprintf("safety budget exceeded: %s", budget))
			}
		}
	}

	calibrationPath := filepath.Join(dataDir, "calibration_metrics.json")
	if _, err := os.Stat(calibrationPath); os.IsNotExist(err) {
		report.Warnings = append(report.Warnings, "calibration metrics file missing")
	} else {
		metrics, err := calibration.LoadMetrics(calibrationPath)
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("calibration metrics unreadable: %v", err))
		} else if metrics.Status != calibration.StatusHealthy {
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"calibration status is %s, not HEALTHY", metrics.Status))
		}
	}

	report.Consistent = len(report.Errors) == 0
	report.ShouldFailCI = len(report.Errors) > 0
	return report
}

// RecordManifestVersion stores the active manifest version in governance
// state so CI can detect drift between manifest and deployment.
func (c *Controller) RecordManifestVersion(version int) error {
	_, err := c.store.Update(func(st *State) error {
		st.ManifestVersion = version
		return nil
	})
	return err
}
