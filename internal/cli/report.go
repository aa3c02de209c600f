package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/phishguard/phishguard/internal/history"
	"github.com/phishguard/phishguard/internal/report"
	"github.com/phishguard/phishguard/internal/telemetry"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export scan history as CSV or a standalone HTML report",
	Long: `Export recorded scan history. CSV writes one row per scan for
spreadsheet analysis; HTML produces a self-contained report with the
aggregate telemetry summary alongside the scan table.`,
	Example: `  # Last 500 scans as CSV on stdout
  phishguard report --format csv

  # Full HTML report to a file
  phishguard report --format html --out report.html

  # History for one URL
  phishguard report --url http://suspicious-login.example`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().String("data-dir", "./data", "Service data directory")
	reportCmd.Flags().String("db", "", "Scan history database (default <data-dir>/history.db)")
	reportCmd.Flags().String("format", "csv", "Output format (csv, html)")
	reportCmd.Flags().String("out", "", "Output file (default stdout)")
	reportCmd.Flags().Int("limit", 500, "Maximum number of scans to include")
	reportCmd.Flags().String("url", "", "Only include scans of this URL")
}

func runReport(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	dataDir, _ := cmd.Flags().GetString("data-dir") //nolint:errcheck // flag registered above
	dbPath, _ := cmd.Flags().GetString("db")        //nolint:errcheck // flag registered above
	format, _ := cmd.Flags().GetString("format")    //nolint:errcheck // flag registered above
	outPath, _ := cmd.Flags().GetString("out")      //nolint:errcheck // flag registered above
	limit, _ := cmd.Flags().GetInt("limit")         //nolint:errcheck // flag registered above
	urlFilter, _ := cmd.Flags().GetString("url")    //nolint:errcheck // flag registered above

	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "history.db")
	}
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("scan history database %s: %w", dbPath, err)
	}

	hist, err := history.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening scan history: %w", err)
	}
	defer hist.Close() //nolint:errcheck // read-only use

	var scans []history.ScanSummary
	if urlFilter != "" {
		scans, err = hist.ListByURL(urlFilter, limit)
	} else {
		scans, err = hist.List(limit)
	}
	if err != nil {
		return fmt.Errorf("reading scan history: %w", err)
	}

	out := os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close() //nolint:errcheck // flushed before return
		out = f
	}

	switch format {
	case "csv":
		return report.WriteCSV(out, scans)
	case "html":
		agg := telemetry.NewAggregator(filepath.Join(dataDir, "explanation_metrics.json"))
		html, err := report.Generate(scans, agg.Summary(), "phishguard")
		if err != nil {
			return err
		}
		_, err = out.Write(html)
		return err
	default:
		return fmt.Errorf("unknown format %q (want csv or html)", format)
	}
}
