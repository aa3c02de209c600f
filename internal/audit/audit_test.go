package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/phishguard/phishguard/internal/store"
)

func TestLogAppendsHumanAndJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "policy_audit.log")
	l, err := NewLogger(path)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	entry, err := l.Log(EventAllowlistModification, true,
		[]string{"example.com"}, "runtime_add_domain", "verified legitimate",
		map[string]string{"added_by": "tester"})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if entry.EventType != EventAllowlistModification {
		t.Errorf("event type = %s", entry.EventType)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)

	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d:\n%s", len(lines), content)
	}
	if !strings.Contains(lines[0], "ALLOWLIST_MODIFICATION") ||
		!strings.Contains(lines[0], "override=true") ||
		!strings.Contains(lines[0], "domains=example.com") {
		t.Errorf("human line missing fields: %s", lines[0])
	}
	if !strings.HasPrefix(lines[1], "  JSON: ") {
		t.Fatalf("second line should be indented JSON: %s", lines[1])
	}

	var decoded Entry
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "  JSON: ")), &decoded); err != nil {
		t.Fatalf("json line unparseable: %v", err)
	}
	if decoded.Reason != "verified legitimate" {
		t.Errorf("reason = %q", decoded.Reason)
	}
}

func TestLogTruncatesDomainListInHumanLine(t *testing.T) {
	e := &Entry{
		Timestamp:       "2026-01-01T00:00:00Z",
		Environment:     EnvLocal,
		EventType:       EventCanaryPromotion,
		AffectedDomains: []string{"a.com", "b.com", "c.com", "d.com", "e.com", "f.com", "g.com"},
	}
	line := e.LogLine()
	if !strings.Contains(line, "domains=a.com,b.com,c.com,d.com,e.com...") {
		t.Errorf("expected first five domains with ellipsis: %s", line)
	}
	if strings.Contains(line, "f.com") {
		t.Errorf("sixth domain should not appear in human line: %s", line)
	}
}

func TestLogAppendsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy_audit.log")
	l, err := NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := l.Log(EventThresholdOverride, true, nil, "test", "r", nil); err != nil {
			t.Fatalf("Log %d: %v", i, err)
		}
	}

	data, _ := os.ReadFile(path)
	if got := strings.Count(string(data), "THRESHOLD_OVERRIDE"); got != 6 {
		// Each entry contributes one human line and one JSON line.
		t.Errorf("expected 6 occurrences, got %d", got)
	}
}

func TestXAIWriterWritesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "xai_telemetry.jsonl")
	w, err := NewXAIWriter(path)
	if err != nil {
		t.Fatalf("NewXAIWriter: %v", err)
	}

	w.Enqueue(XAIRecord{
		Timestamp: time.Now().UTC(),
		Verdict:   store.VerdictPhishing,
		Drift:     []string{"http_failed"},
		Top3: []store.SignalImpact{
			{Feature: "using_ip_address", Impact: 0.9},
			{Feature: "is_shortener", Impact: 0.8},
		},
	})
	w.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read xai stream: %v", err)
	}

	var rec XAIRecord
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &rec); err != nil {
		t.Fatalf("record unparseable: %v", err)
	}
	if rec.Verdict != store.VerdictPhishing {
		t.Errorf("verdict = %s", rec.Verdict)
	}
	if len(rec.Top3) != 2 {
		t.Errorf("top_3 length = %d, want 2", len(rec.Top3))
	}
}

func TestXAIWriterDropsWhenQueueFull(t *testing.T) {
	w := &XAIWriter{
		path:  filepath.Join(t.TempDir(), "xai.jsonl"),
		queue: make(chan XAIRecord), // unbuffered and never consumed
		done:  make(chan struct{}),
	}
	w.Enqueue(XAIRecord{Verdict: store.VerdictSafe})
	if got := w.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestXAIRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xai_telemetry.jsonl")

	// Pre-fill past the rotation threshold.
	big := make([]byte, xaiMaxFileBytes)
	if err := os.WriteFile(path, big, 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewXAIWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	w.Enqueue(XAIRecord{Timestamp: time.Now(), Verdict: store.VerdictSafe})
	w.Close()

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected rotated file: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("current file missing: %v", err)
	}
	if info.Size() >= xaiMaxFileBytes {
		t.Errorf("current file not reset after rotation: %d bytes", info.Size())
	}
}
