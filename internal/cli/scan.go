package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/phishguard/phishguard/internal/blocklist"
	"github.com/phishguard/phishguard/internal/cache"
	"github.com/phishguard/phishguard/internal/calibration"
	"github.com/phishguard/phishguard/internal/feature"
	"github.com/phishguard/phishguard/internal/governance"
	"github.com/phishguard/phishguard/internal/model"
	"github.com/phishguard/phishguard/internal/monitor"
	"github.com/phishguard/phishguard/internal/pipeline"
	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/internal/trust"
)

var scanCmd = &cobra.Command{
	Use:   "scan <url>",
	Short: "Classify one URL and exit with a verdict code",
	Long: `Run one URL through the full decision pipeline and print the verdict
with its explanation. Designed for scripts and CI pipelines.

Exit codes:
  0  SAFE
  1  SUSPICIOUS
  2  PHISHING
  3  Error or system frozen`,
	Example: `  # Scan a URL
  phishguard scan https://accounts.google.com

  # Lexical features only (no DNS/WHOIS/HTTP lookups)
  phishguard scan --no-network http://suspicious-login.example

  # JSON output for pipeline parsing
  phishguard scan --output json http://example.com`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().String("data-dir", "", "Governance data directory (honors freeze state when set)")
	scanCmd.Flags().String("output", "text", "Output format (text, json)")
	scanCmd.Flags().Bool("no-network", false, "Skip network feature extraction (lexical only)")
	scanCmd.Flags().Bool("no-blocklist", false, "Skip the live blocklist check")
	scanCmd.Flags().Duration("timeout", 30*time.Second, "Overall scan timeout")
}

func runScan(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	dataDir, _ := cmd.Flags().GetString("data-dir")       //nolint:errcheck // flag registered above
	output, _ := cmd.Flags().GetString("output")          //nolint:errcheck // flag registered above
	noNetwork, _ := cmd.Flags().GetBool("no-network")     //nolint:errcheck // flag registered above
	noBlocklist, _ := cmd.Flags().GetBool("no-blocklist") //nolint:errcheck // flag registered above
	timeout, _ := cmd.Flags().GetDuration("timeout")      //nolint:errcheck // flag registered above

	cfg := pipeline.Config{
		Trust: trust.NewSet(nil, nil, nil),
		Model: model.NewCalibrated(),
		Cache: cache.NewAnalysis(16, time.Minute),
	}
	if noNetwork {
		cfg.Extractor = feature.NewLexical()
	} else {
		cfg.Extractor = feature.NewNetwork()
	}
	if !noBlocklist {
		cfg.Blocklist = blocklist.New(nil, nil)
	}
	if dataDir != "" {
		st, err := governance.NewStore(dataDir)
		if err != nil {
			return fmt.Errorf("opening governance state: %w", err)
		}
		ctrl := governance.NewController(st, nil)
		mon := calibration.NewMonitor(filepath.Join(dataDir, "calibration_metrics.json"))
		ctrl.SetCalibrationHealth(mon.Health)
		cfg.Governance = ctrl
		cfg.Calibration = mon
	}

	pipe, err := pipeline.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	res, err := pipe.Scan(ctx, args[0])
	if err != nil {
		if errors.Is(err, governance.ErrSystemFrozen) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(3)
		}
		return err
	}

	if output == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		renderScanResult(os.Stdout, res)
	}

	os.Exit(monitor.VerdictExitCode(res.Verdict))
	return nil
}

func renderScanResult(w io.Writer, res *store.ScanResult) {
	fmt.Fprintf(w, "%s  %s\n", res.Verdict, res.URL)
	fmt.Fprintf(w, "Risk: %.1f/100 (%s)\n", res.RiskScore, res.Explanation.RiskLevel)
	fmt.Fprintf(w, "%s\n", res.Explanation.Summary)

	if len(res.Explanation.RiskSignals) > 0 {
		fmt.Fprintln(w, "\nRisk signals:")
		for _, s := range res.Explanation.RiskSignals {
			fmt.Fprintf(w, "  - %s\n", s.Feature)
		}
	}
	if len(res.Explanation.PositiveSignals) > 0 {
		fmt.Fprintln(w, "\nSafety signals:")
		for _, s := range res.Explanation.PositiveSignals {
			fmt.Fprintf(w, "  - %s\n", s.Feature)
		}
	}
	for _, warn := range res.Explanation.Warnings {
		fmt.Fprintf(w, "\nWarning: %s\n", warn)
	}
	if !res.AnalysisComplete {
		fmt.Fprintln(w, "\nAnalysis incomplete: some checks could not run.")
	}
}
