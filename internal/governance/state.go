// Package governance enforces the fail-closed safety fabric: freeze
// protocol, safety budgets, override authority boundaries, canary promotion
// rules and calibration gating. Every rule is executable and every exception
// is logged; the system refuses operation rather than risk it.
package governance

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/phishguard/phishguard/internal/lockfile"
)

// StateFile is the single combined governance state file.
const StateFile = "governance_state.json"

// readCacheTTL bounds how stale a cached read may be. Writes always bypass
// the cache and re-read under the lock.
const readCacheTTL = 5 * time.Second

// FreezeReason classifies why the system froze.
type FreezeReason string

// Freeze reasons.
const (
	FreezeTrustedDomainPhishing FreezeReason = "TRUSTED_DOMAIN_PHISHING"
	FreezeBudgetExhausted       FreezeReason = "BUDGET_EXHAUSTED"
	FreezeCalibrationEscalation FreezeReason = "CALIBRATION_ESCALATION"
	FreezeManual                FreezeReason = "MANUAL_FREEZE"
)

// Budget limits. Suspicious verdicts on trusted domains have zero tolerance.
const (
	MaxSuspiciousOnTrusted = 0
	MaxOverridesPerWindow  = 3
	MaxCanaryFailures      = 5
	overrideWindow         = 24 * time.Hour
	overrideSubWindow      = time.Hour
)

// FreezeState is the persistent freeze record, including how the last
// freeze was resumed.
type FreezeState struct {
	IsFrozen     bool           `json:"is_frozen"`
	FrozenAt     string         `json:"frozen_at,omitempty"`
	FrozenBy     string         `json:"frozen_by,omitempty"`
	FreezeReason FreezeReason   `json:"freeze_reason,omitempty"`
	IncidentID   string         `json:"incident_id,omitempty"`
	Details      map[string]any `json:"freeze_details,omitempty"`

	ResumedAt            string `json:"resumed_at,omitempty"`
	ResumedBy            string `json:"resumed_by,omitempty"`
	ResumeJustification  string `json:"resume_justification,omitempty"`
	ResumeIncidentID     string `json:"resume_incident_id,omitempty"`
	PreviousFreezeReason string `json:"previous_freeze_reason,omitempty"`
}

// Budget tracks safety budget consumption. Counters are monotonic across
// restarts; only ResetBudget clears them.
type Budget struct {
	WindowStart         string `json:"window_start"`
	OverrideWindowStart string `json:"override_window_start,omitempty"`
	OverridesUsed       int    `json:"overrides_used"`
	SuspiciousOnTrusted int    `json:"suspicious_on_trusted"`
	PhishingOnTrusted   int    `json:"phishing_on_trusted"`
	CanaryFailures      int    `json:"canary_failures"`

	LastResetAt            string `json:"last_reset_at,omitempty"`
	LastResetBy            string `json:"last_reset_by,omitempty"`
	LastResetJustification string `json:"last_reset_justification,omitempty"`
}

// Exceeded reports which budgets are over their limit.
func (b *Budget) Exceeded() map[string]bool {
	return map[string]bool{
		"suspicious_on_trusted": b.SuspiciousOnTrusted > MaxSuspiciousOnTrusted,
		"overrides_per_window":  b.OverridesUsed > MaxOverridesPerWindow,
		"canary_failures":       b.CanaryFailures > MaxCanaryFailures,
	}
}

// TrustRecord is a trusted-domain registration with temporal revalidation.
type TrustRecord struct {
	Domain                 string `json:"domain"`
	AddedDate              string `json:"added_date"`
	LastReviewedDate       string `json:"last_reviewed_date"`
	ReviewedBy             string `json:"reviewed_by"`
	TrustLevel             string `json:"trust_level"`
	RevalidationRequiredBy string `json:"revalidation_required_by"`
}

// RevalidationOverdue reports whether the record is past its review window.
func (r *TrustRecord) RevalidationOverdue(now time.Time) bool {
	due, err := time.Parse(time.RFC3339, r.RevalidationRequiredBy)
	if err != nil {
		return true
	}
	return now.After(due)
}

// State is the combined governance state persisted as one JSON document.
type State struct {
	Freeze          FreezeState              `json:"freeze"`
	Budget          Budget                   `json:"safety_budget"`
	Overrides       []Override               `json:"overrides"`
	CanarySignals   map[string]*CanarySignal `json:"canary_signals"`
	TrustedRegistry map[string]*TrustRecord  `json:"trusted_registry"`
	ManifestVersion int                      `json:"_manifest_version,omitempty"`
	LastUpdated     string                   `json:"last_updated"`
}

func newState(now time.Time) *State {
	return &State{
		Budget:          Budget{WindowStart: now.UTC().Format(time.RFC3339)},
		CanarySignals:   map[string]*CanarySignal{},
		TrustedRegistry: map[string]*TrustRecord{},
	}
}

// Store persists State with advisory file locking and a short-TTL read
// cache. Writes hold an exclusive lock across the whole read-modify-write
// cycle so concurrent workers cannot lose updates.
type Store struct {
	path string

	mu       sync.Mutex
	cached   *State
	cachedAt time.Time
	nowFunc  func() time.Time
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("governance state dir: %w", err)
	}
	return &Store{
		path:    filepath.Join(dir, StateFile),
		nowFunc: time.Now,
	}, nil
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// Load returns the current state, served from cache when fresh. An
// unreadable state file is a hard failure: the error propagates so callers
// fail closed instead of acting on stale state.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	if s.cached != nil && now.Sub(s.cachedAt) < readCacheTTL {
		return s.cached, nil
	}

	st, err := s.readLocked()
	if err != nil {
		slog.Error("governance state unreadable", "err", err)
		return nil, err
	}
	s.cached = st
	s.cachedAt = now
	return st, nil
}

func (s *Store) readLocked() (*State, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return newState(s.nowFunc()), nil
	}

	lock, err := lockfile.Shared(s.path, lockfile.SharedTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock() //nolint:errcheck // read path

	data, err := io.ReadAll(lock.File())
	if err != nil {
		return nil, fmt.Errorf("read governance state: %w", err)
	}
	return decodeState(data, s.nowFunc)
}

func decodeState(data []byte, now func() time.Time) (*State, error) {
	if len(data) == 0 {
		return newState(now()), nil
	}
	st := newState(now())
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode governance state: %w", err)
	}
	if st.CanarySignals == nil {
		st.CanarySignals = map[string]*CanarySignal{}
	}
	if st.TrustedRegistry == nil {
		st.TrustedRegistry = map[string]*TrustRecord{}
	}
	return st, nil
}

// Update atomically applies mutate under an exclusive lock held for the full
// read-modify-write cycle: open, lock, read fresh state, mutate, truncate,
// write, fsync, unlock. The read cache is refreshed with the result.
func (s *Store) Update(mutate func(*State) error) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := lockfile.Exclusive(s.path, lockfile.ExclusiveTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStatePersistenceFailed, err)
	}
	defer lock.Unlock() //nolint:errcheck // write error takes precedence

	f := lock.File()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStatePersistenceFailed, err)
	}

	st, err := decodeState(data, s.nowFunc)
	if err != nil {
		slog.Error("governance state corrupted, starting from empty state", "err", err)
		st = newState(s.nowFunc())
	}

	if err := mutate(st); err != nil {
		return nil, err
	}
	st.LastUpdated = s.nowFunc().UTC().Format(time.RFC3339)

	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStatePersistenceFailed, err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStatePersistenceFailed, err)
	}
	if err := f.Truncate(0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStatePersistenceFailed, err)
	}
	if _, err := f.Write(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStatePersistenceFailed, err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStatePersistenceFailed, err)
	}

	s.cached = st
	s.cachedAt = s.nowFunc()
	return st, nil
}
