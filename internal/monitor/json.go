package monitor

import (
	"encoding/json"
	"io"

	"github.com/phishguard/phishguard/internal/governance"
)

// StatusOutput is the JSON envelope for `phishguard govern status --output json`.
// Wraps the status with exit-code metadata without polluting the Status type
// used by the /api/governance/status endpoint.
type StatusOutput struct {
	Status   *governance.Status `json:"status"`
	ExitCode int                `json:"exitCode"`
}

// WriteJSON serializes a StatusOutput envelope to w.
func WriteJSON(w io.Writer, st *governance.Status, exitCode int) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(StatusOutput{
		ExitCode: exitCode,
		Status:   st,
	})
}
