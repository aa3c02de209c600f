package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/calibration"
	"github.com/phishguard/phishguard/internal/governance"
	"github.com/phishguard/phishguard/internal/monitor"
)

var governCmd = &cobra.Command{
	Use:   "govern",
	Short: "Inspect and administer the governance controller",
	Long: `Inspect freeze state and safety budgets, verify policy consistency for
CI gates, and perform administrative actions (freeze, unfreeze, overrides,
canary promotion) against the governance state directory.`,
}

func init() {
	rootCmd.AddCommand(governCmd)
	governCmd.PersistentFlags().String("data-dir", "./data", "Governance data directory")

	governCmd.AddCommand(governStatusCmd)
	governStatusCmd.Flags().String("output", "text", "Output format (text, json)")
	governStatusCmd.Flags().Bool("watch", false, "Live TUI view, refreshed every 5s")

	governCmd.AddCommand(governVerifyCmd)

	governCmd.AddCommand(governFreezeCmd)
	governFreezeCmd.Flags().String("by", "", "Operator performing the freeze (required)")
	governFreezeCmd.Flags().String("incident", "", "Incident identifier (required)")
	governFreezeCmd.Flags().String("reason", "", "Freeze reason")

	governCmd.AddCommand(governUnfreezeCmd)
	governUnfreezeCmd.Flags().String("by", "", "Operator performing the resume (required)")
	governUnfreezeCmd.Flags().String("incident", "", "Incident identifier (required)")
	governUnfreezeCmd.Flags().String("justification", "", "Resume justification, at least 20 characters (required)")

	governCmd.AddCommand(governResetBudgetCmd)
	governResetBudgetCmd.Flags().String("by", "", "Operator performing the reset (required)")
	governResetBudgetCmd.Flags().String("incident", "", "Incident identifier (required)")
	governResetBudgetCmd.Flags().String("justification", "", "Reset justification, at least 20 characters (required)")

	governCmd.AddCommand(governOverridesCmd)
	governOverridesCmd.Flags().String("output", "text", "Output format (text, json)")

	governCmd.AddCommand(governRequestOverrideCmd)
	governRequestOverrideCmd.Flags().String("type", "emergency", "Override type (permanent, emergency, testing)")
	governRequestOverrideCmd.Flags().String("authority", "", "Requesting authority (security-team, on-call, ci-system)")
	governRequestOverrideCmd.Flags().StringSlice("domains", nil, "Affected domains")
	governRequestOverrideCmd.Flags().String("reason", "", "Override reason (required)")
	governRequestOverrideCmd.Flags().String("approved-by", "", "Approver (required)")
	governRequestOverrideCmd.Flags().String("ticket", "", "Review ticket (required for permanent)")
	governRequestOverrideCmd.Flags().Duration("duration", 0, "Requested duration (clamped to the type maximum)")

	governCmd.AddCommand(governRevokeOverrideCmd)
	governRevokeOverrideCmd.Flags().String("by", "", "Operator performing the revocation (required)")
	governRevokeOverrideCmd.Flags().String("reason", "", "Revocation reason (required)")

	governCmd.AddCommand(governCheckCanaryCmd)

	governCmd.AddCommand(governPromoteCanaryCmd)
	governPromoteCanaryCmd.Flags().String("approved-by", "", "Approver (required)")
	governPromoteCanaryCmd.Flags().String("ticket", "", "Review ticket (required)")
}

// openController builds a controller over the data dir, with the calibration
// monitor and policy audit log attached.
func openController(cmd *cobra.Command) (*governance.Controller, string, error) {
	dataDir, err := cmd.Flags().GetString("data-dir")
	if err != nil {
		return nil, "", err
	}
	st, err := governance.NewStore(dataDir)
	if err != nil {
		return nil, "", fmt.Errorf("opening governance state: %w", err)
	}

	var sink governance.AuditSink
	if logger, logErr := audit.NewLogger(filepath.Join(dataDir, "audit", "policy_audit.log")); logErr == nil {
		sink = logger
	}

	ctrl := governance.NewController(st, sink)
	mon := calibration.NewMonitor(filepath.Join(dataDir, "calibration_metrics.json"))
	ctrl.SetCalibrationHealth(mon.Health)
	return ctrl, dataDir, nil
}

var governStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show freeze state and safety budgets",
	Long: `Print the governance status: freeze state, budget usage, active
overrides, and calibration health.

Exit codes:
  0  Operational
  1  A safety budget is exceeded
  2  System is frozen
  3  Status unavailable`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true
		ctrl, _, err := openController(cmd)
		if err != nil {
			return err
		}

		watch, _ := cmd.Flags().GetBool("watch")    //nolint:errcheck // flag registered above
		output, _ := cmd.Flags().GetString("output") //nolint:errcheck // flag registered above

		if watch {
			m := monitor.NewModel(ctrl.Status, 5*time.Second)
			if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
				return fmt.Errorf("watch view: %w", err)
			}
			return nil
		}

		st, err := ctrl.Status()
		if err != nil {
			return err
		}
		code := monitor.StatusExitCode(st)
		if output == "json" {
			if err := monitor.WriteJSON(os.Stdout, st, code); err != nil {
				return err
			}
		} else {
			fmt.Print(monitor.PlainText(st))
		}
		os.Exit(code)
		return nil
	},
}

var governVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "CI gate — verify policy consistency and exit non-zero on failure",
	Long: `Check that the deployed policy artifacts agree with each other: the
trusted-domain manifest version matches the recorded governance state, no
safety budget is exceeded, and the system is not frozen.

Exit codes:
  0  Consistent
  1  Inconsistent (fail the CI run)`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true
		ctrl, dataDir, err := openController(cmd)
		if err != nil {
			return err
		}

		report := ctrl.VerifyPolicyConsistency(dataDir)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if report.ShouldFailCI {
			os.Exit(1)
		}
		return nil
	},
}

var governFreezeCmd = &cobra.Command{
	Use:   "freeze",
	Short: "Manually freeze the system",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true
		ctrl, _, err := openController(cmd)
		if err != nil {
			return err
		}

		by, _ := cmd.Flags().GetString("by")             //nolint:errcheck // flag registered above
		incident, _ := cmd.Flags().GetString("incident") //nolint:errcheck // flag registered above
		reason, _ := cmd.Flags().GetString("reason")     //nolint:errcheck // flag registered above
		if by == "" || incident == "" {
			return fmt.Errorf("--by and --incident are required")
		}

		details := map[string]any{}
		if reason != "" {
			details["reason"] = reason
		}
		if err := ctrl.TriggerFreeze(governance.FreezeManual, by, incident, details); err != nil {
			return err
		}
		fmt.Printf("System frozen (incident %s).\n", incident)
		return nil
	},
}

var governUnfreezeCmd = &cobra.Command{
	Use:   "unfreeze",
	Short: "Resume a frozen system",
	Long: `Resume from a freeze. Requires the incident identifier and a
justification of at least 20 characters; both are recorded in the freeze
history and the audit log.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true
		ctrl, _, err := openController(cmd)
		if err != nil {
			return err
		}

		by, _ := cmd.Flags().GetString("by")                       //nolint:errcheck // flag registered above
		incident, _ := cmd.Flags().GetString("incident")           //nolint:errcheck // flag registered above
		justification, _ := cmd.Flags().GetString("justification") //nolint:errcheck // flag registered above
		if by == "" {
			return fmt.Errorf("--by is required")
		}

		if err := ctrl.ResumeFromFreeze(by, incident, justification); err != nil {
			return err
		}
		fmt.Printf("System resumed (incident %s).\n", incident)
		return nil
	},
}

var governResetBudgetCmd = &cobra.Command{
	Use:   "reset-budget <name>",
	Short: "Reset one safety budget counter",
	Long: `Reset a safety budget counter. Budgets are monotonic across restarts;
this is the only way to reset one. Valid names: suspicious_on_trusted,
overrides_per_window, canary_failures.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctrl, _, err := openController(cmd)
		if err != nil {
			return err
		}

		by, _ := cmd.Flags().GetString("by")                       //nolint:errcheck // flag registered above
		incident, _ := cmd.Flags().GetString("incident")           //nolint:errcheck // flag registered above
		justification, _ := cmd.Flags().GetString("justification") //nolint:errcheck // flag registered above
		if by == "" {
			return fmt.Errorf("--by is required")
		}

		if err := ctrl.ResetBudget(args[0], by, justification, incident); err != nil {
			return err
		}
		fmt.Printf("Budget %s reset.\n", args[0])
		return nil
	},
}

var governOverridesCmd = &cobra.Command{
	Use:   "overrides",
	Short: "List active overrides",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true
		ctrl, _, err := openController(cmd)
		if err != nil {
			return err
		}

		active, err := ctrl.ActiveOverrides()
		if err != nil {
			return err
		}

		output, _ := cmd.Flags().GetString("output") //nolint:errcheck // flag registered above
		if output == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(active)
		}

		if len(active) == 0 {
			fmt.Println("No active overrides.")
			return nil
		}
		for i := range active {
			ov := &active[i]
			expires := ov.ExpiresAt
			if expires == "" {
				expires = "never"
			}
			fmt.Printf("%s  %s/%s  approved by %s  expires %s\n  domains: %v\n  reason: %s\n",
				ov.ID, ov.Type, ov.Authority, ov.ApprovedBy, expires, ov.AffectedDomains, ov.Reason)
		}
		return nil
	},
}

var governRequestOverrideCmd = &cobra.Command{
	Use:   "request-override",
	Short: "Request a policy override",
	Long: `Request a policy override under the authority matrix: PERMANENT needs
security-team plus a review ticket, EMERGENCY needs security-team or
on-call (max 24h), TESTING is ci-system only (max 1h). Each grant consumes
one unit of the override budget; exceeding the budget freezes the system.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true
		ctrl, _, err := openController(cmd)
		if err != nil {
			return err
		}

		typ, _ := cmd.Flags().GetString("type")              //nolint:errcheck // flag registered above
		authority, _ := cmd.Flags().GetString("authority")   //nolint:errcheck // flag registered above
		domains, _ := cmd.Flags().GetStringSlice("domains")  //nolint:errcheck // flag registered above
		reason, _ := cmd.Flags().GetString("reason")         //nolint:errcheck // flag registered above
		approvedBy, _ := cmd.Flags().GetString("approved-by") //nolint:errcheck // flag registered above
		ticket, _ := cmd.Flags().GetString("ticket")         //nolint:errcheck // flag registered above
		duration, _ := cmd.Flags().GetDuration("duration")   //nolint:errcheck // flag registered above

		if reason == "" || approvedBy == "" {
			return fmt.Errorf("--reason and --approved-by are required")
		}

		ov, err := ctrl.RequestOverride(governance.OverrideRequest{
			Type:            governance.OverrideType(typ),
			Authority:       governance.OverrideAuthority(authority),
			AffectedDomains: domains,
			Reason:          reason,
			ApprovedBy:      approvedBy,
			ReviewTicket:    ticket,
			Duration:        duration,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Override granted: %s\n", ov.ID)
		return nil
	},
}

var governRevokeOverrideCmd = &cobra.Command{
	Use:   "revoke-override <id>",
	Short: "Revoke an active override before it expires",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctrl, _, err := openController(cmd)
		if err != nil {
			return err
		}

		by, _ := cmd.Flags().GetString("by")         //nolint:errcheck // flag registered above
		reason, _ := cmd.Flags().GetString("reason") //nolint:errcheck // flag registered above
		if by == "" || reason == "" {
			return fmt.Errorf("--by and --reason are required")
		}

		if err := ctrl.RevokeOverride(args[0], by, reason); err != nil {
			return err
		}
		fmt.Printf("Override %s revoked.\n", args[0])
		return nil
	},
}

var governCheckCanaryCmd = &cobra.Command{
	Use:   "check-canary <domain>",
	Short: "Check a canary domain's promotion eligibility",
	Long: `Report whether a canary domain meets the promotion criteria: at least
5 test runs over at least 100 samples, 5 consecutive passes, and a 100%
pass rate.

Exit codes:
  0  Eligible for promotion
  1  Not eligible`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctrl, _, err := openController(cmd)
		if err != nil {
			return err
		}

		elig, err := ctrl.CheckPromotionEligibility(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(elig); err != nil {
			return err
		}
		if !elig.Eligible {
			os.Exit(1)
		}
		return nil
	},
}

var governPromoteCanaryCmd = &cobra.Command{
	Use:   "promote-canary <domain>",
	Short: "Promote an eligible canary to the trusted registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctrl, _, err := openController(cmd)
		if err != nil {
			return err
		}

		approvedBy, _ := cmd.Flags().GetString("approved-by") //nolint:errcheck // flag registered above
		ticket, _ := cmd.Flags().GetString("ticket")          //nolint:errcheck // flag registered above
		if approvedBy == "" || ticket == "" {
			return fmt.Errorf("--approved-by and --ticket are required")
		}

		rec, err := ctrl.PromoteCanary(args[0], approvedBy, ticket)
		if err != nil {
			return err
		}
		fmt.Printf("Canary %s promoted (trust level %s, revalidate by %s).\n",
			rec.Domain, rec.TrustLevel, rec.RevalidationRequiredBy)
		return nil
	},
}
