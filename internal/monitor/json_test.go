package monitor

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/phishguard/phishguard/internal/governance"
)

func TestWriteJSON(t *testing.T) {
	st := &governance.Status{
		IsFrozen:     true,
		FreezeReason: "BUDGET_EXHAUSTED",
		IncidentID:   "INC-1",
		BudgetUsage:  map[string]string{"overrides_per_window": "4/3"},
		BudgetExceeded: map[string]bool{
			"overrides_per_window": true,
		},
		Calibration: "HEALTHY",
	}

	var buf bytes.Buffer
	if err := WriteJSON(&buf, st, 2); err != nil {
		t.Fatalf("WriteJSON() error: %v", err)
	}

	var out StatusOutput
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if out.ExitCode != 2 {
		t.Errorf("exitCode = %d, want 2", out.ExitCode)
	}
	if out.Status == nil || !out.Status.IsFrozen {
		t.Errorf("status = %+v, want frozen", out.Status)
	}
	if out.Status.FreezeReason != "BUDGET_EXHAUSTED" {
		t.Errorf("freeze reason = %q", out.Status.FreezeReason)
	}
}

func TestWriteJSONIndented(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, &governance.Status{}, 0); err != nil {
		t.Fatalf("WriteJSON() error: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("\n  ")) {
		t.Error("output is not indented")
	}
}
