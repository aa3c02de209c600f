package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/phishguard/phishguard/internal/history"
)

var csvHeader = []string{
	"scannedAt", "url", "verdict", "riskScore", "mlBypassed", "incomplete",
}

// WriteCSV writes scan history rows as CSV to w.
func WriteCSV(w io.Writer, scans []history.ScanSummary) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for i := range scans {
		s := &scans[i]
		row := []string{
			s.ScannedAt.UTC().Format(time.RFC3339),
			s.URL,
			string(s.Verdict),
			strconv.FormatFloat(s.RiskScore, 'f', 1, 64),
			strconv.FormatBool(s.MLBypassed),
			strconv.FormatBool(s.Incomplete),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
