package report

import (
	"strings"
	"testing"

	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/internal/telemetry"
)

func TestGenerate(t *testing.T) {
	summary := telemetry.Summary{
		TotalScans:             120,
		IncompleteAnalysisRate: "5.0%",
		AllowlistOverrideRate:  "20.0%",
		TopRiskSignals:         []string{"suspicious_pattern", "domain_age"},
	}

	out, err := Generate(sampleScans(), summary, "phishguard")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	html := string(out)

	for _, want := range []string{
		"phishguard scan report",
		"paypa1-login.xyz",
		"PHISHING",
		"accounts.google.com",
		"suspicious_pattern",
		"120 recorded",
		"5.0%",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestGenerateSortsPhishingFirst(t *testing.T) {
	out, err := Generate(sampleScans(), telemetry.Summary{}, "phishguard")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	html := string(out)

	phishIdx := strings.Index(html, "paypa1-login.xyz")
	safeIdx := strings.Index(html, "accounts.google.com")
	if phishIdx < 0 || safeIdx < 0 {
		t.Fatal("rows missing from report")
	}
	if phishIdx > safeIdx {
		t.Error("phishing row should sort before safe row")
	}
}

func TestSortScans(t *testing.T) {
	sorted := sortScans(sampleScans())
	if sorted[0].Verdict != store.VerdictPhishing {
		t.Errorf("first verdict = %s, want PHISHING", sorted[0].Verdict)
	}
	if sorted[2].Verdict != store.VerdictSafe {
		t.Errorf("last verdict = %s, want SAFE", sorted[2].Verdict)
	}
}

func TestGenerateEmpty(t *testing.T) {
	out, err := Generate(nil, telemetry.Summary{}, "phishguard")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if !strings.Contains(string(out), "0 scans shown") {
		t.Error("empty report missing zero count")
	}
}
