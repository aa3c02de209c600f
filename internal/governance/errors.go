package governance

import (
	"errors"
	"fmt"
)

// Sentinel errors for governance refusals.
var (
	ErrSystemFrozen           = errors.New("system is frozen")
	ErrBudgetExhausted        = errors.New("safety budget exhausted")
	ErrUnauthorized           = errors.New("authority does not permit this override")
	ErrInvalidJustification   = errors.New("justification must be at least 20 characters")
	ErrNotFrozen              = errors.New("system is not frozen")
	ErrMissingIncident        = errors.New("resume requires an incident id")
	ErrOverrideNotFound       = errors.New("override not found")
	ErrStatePersistenceFailed = errors.New("governance state persistence failure")
)

// InvariantViolationError is raised when a protected safety invariant is
// broken. It is an incident, not a bug.
type InvariantViolationError struct {
	Invariant string
	Domain    string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation [%s] domain=%s: %s", e.Invariant, e.Domain, e.Detail)
}

// CalibrationViolationError is raised when calibration health forbids a
// governance action.
type CalibrationViolationError struct {
	Action string
	Status string
}

func (e *CalibrationViolationError) Error() string {
	return fmt.Sprintf("action %q forbidden: calibration status is %s", e.Action, e.Status)
}

// FrozenError wraps ErrSystemFrozen with freeze context for callers that
// render the refusal.
type FrozenError struct {
	Action     string
	Reason     string
	IncidentID string
	FrozenAt   string
}

func (e *FrozenError) Error() string {
	return fmt.Sprintf("action %q blocked: system is frozen (reason=%s incident=%s since=%s)",
		e.Action, e.Reason, e.IncidentID, e.FrozenAt)
}

func (e *FrozenError) Unwrap() error { return ErrSystemFrozen }
