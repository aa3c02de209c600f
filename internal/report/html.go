// Package report generates CSV exports and self-contained HTML reports from
// scan history and telemetry.
package report

import (
	"bytes"
	"embed"
	"html/template"
	"sort"
	"time"

	"github.com/phishguard/phishguard/internal/history"
	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/internal/telemetry"
)

//go:embed templates/report.html
var templateFS embed.FS

var reportTmpl = template.Must(template.ParseFS(templateFS, "templates/report.html"))

// Generate renders scan history plus the telemetry summary as a
// self-contained HTML report.
func Generate(scans []history.ScanSummary, summary telemetry.Summary, serviceName string) ([]byte, error) {
	sorted := sortScans(scans)

	var phishing, suspicious, safe int
	rows := make([]reportRow, 0, len(sorted))
	for i := range sorted {
		s := &sorted[i]
		switch s.Verdict {
		case store.VerdictPhishing:
			phishing++
		case store.VerdictSuspicious:
			suspicious++
		default:
			safe++
		}
		rows = append(rows, buildRow(s))
	}

	data := reportData{
		GeneratedAt:     time.Now().UTC().Format("2006-01-02 15:04 UTC"),
		ServiceName:     serviceName,
		PhishingCount:   phishing,
		SuspiciousCount: suspicious,
		SafeCount:       safe,
		TotalCount:      len(rows),
		Scans:           rows,
		TotalRecorded:   summary.TotalScans,
		IncompleteRate:  summary.IncompleteAnalysisRate,
		OverrideRate:    summary.AllowlistOverrideRate,
		TopRiskSignals:  summary.TopRiskSignals,
	}

	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type reportData struct {
	GeneratedAt     string
	ServiceName     string
	Scans           []reportRow
	TopRiskSignals  []string
	IncompleteRate  string
	OverrideRate    string
	PhishingCount   int
	SuspiciousCount int
	SafeCount       int
	TotalCount      int
	TotalRecorded   int
}

type reportRow struct {
	ScannedAt  string
	URL        string
	Verdict    string
	RiskScore  float64
	MLBypassed bool
	Incomplete bool
}

func buildRow(s *history.ScanSummary) reportRow {
	return reportRow{
		ScannedAt:  s.ScannedAt.UTC().Format("2006-01-02 15:04 UTC"),
		URL:        s.URL,
		Verdict:    string(s.Verdict),
		RiskScore:  s.RiskScore,
		MLBypassed: s.MLBypassed,
		Incomplete: s.Incomplete,
	}
}

// sortScans returns a sorted copy: phishing first, then suspicious, then
// safe. Within the same verdict, most recent first.
func sortScans(scans []history.ScanSummary) []history.ScanSummary {
	sorted := make([]history.ScanSummary, len(scans))
	copy(sorted, scans)

	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := sorted[i].Verdict.Rank(), sorted[j].Verdict.Rank()
		if ri != rj {
			return ri > rj
		}
		return sorted[i].ScannedAt.After(sorted[j].ScannedAt)
	})

	return sorted
}
