// Package monitor provides TUI rendering and exit-code logic for the
// phishguard CLI.
package monitor

import (
	"github.com/phishguard/phishguard/internal/governance"
	"github.com/phishguard/phishguard/internal/store"
)

// VerdictExitCode maps a scan verdict to a process exit code.
//
//	0 = SAFE
//	1 = SUSPICIOUS
//	2 = PHISHING
//	3 = unknown verdict
func VerdictExitCode(v store.Verdict) int {
	switch v {
	case store.VerdictSafe:
		return 0
	case store.VerdictSuspicious:
		return 1
	case store.VerdictPhishing:
		return 2
	default:
		return 3
	}
}

// StatusExitCode maps a governance status to a process exit code.
//
//	0 = operational
//	1 = budget exceeded but not frozen
//	2 = frozen
func StatusExitCode(st *governance.Status) int {
	if st == nil {
		return 3
	}
	if st.IsFrozen {
		return 2
	}
	for _, exceeded := range st.BudgetExceeded {
		if exceeded {
			return 1
		}
	}
	return 0
}
