package governance

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phishguard/phishguard/internal/audit"
)

// OverrideAuthority identifies who may trigger overrides.
type OverrideAuthority string

// Authority levels.
const (
	AuthoritySecurityTeam OverrideAuthority = "security-team"
	AuthorityOnCall       OverrideAuthority = "on-call"
	AuthorityCISystem     OverrideAuthority = "ci-system"
)

// OverrideType determines the governance rules an override is subject to.
type OverrideType string

// Override types.
const (
	OverridePermanent OverrideType = "permanent"
	OverrideEmergency OverrideType = "emergency"
	OverrideTesting   OverrideType = "testing"
)

// Maximum override durations. Permanent overrides never expire but require
// a review ticket.
var overrideMaxDuration = map[OverrideType]time.Duration{
	OverrideEmergency: 24 * time.Hour,
	OverrideTesting:   time.Hour,
}

// Override is a policy override with full governance metadata.
type Override struct {
	ID              string            `json:"override_id"`
	Type            OverrideType      `json:"override_type"`
	Authority       OverrideAuthority `json:"authority"`
	CreatedAt       string            `json:"created_at"`
	ExpiresAt       string            `json:"expires_at,omitempty"`
	AffectedDomains []string          `json:"affected_domains"`
	Reason          string            `json:"reason"`
	ApprovedBy      string            `json:"approved_by"`
	ReviewTicket    string            `json:"review_ticket,omitempty"`
	Active          bool              `json:"is_active"`
}

// Expired reports whether the override has passed its expiry.
func (o *Override) Expired(now time.Time) bool {
	if o.ExpiresAt == "" {
		return false
	}
	expiry, err := time.Parse(time.RFC3339, o.ExpiresAt)
	if err != nil {
		return true
	}
	return now.After(expiry)
}

// OverrideRequest carries the parameters for RequestOverride.
type OverrideRequest struct {
	Type            OverrideType
	Authority       OverrideAuthority
	AffectedDomains []string
	Reason          string
	ApprovedBy      string
	ReviewTicket    string
	Duration        time.Duration
}

// RequestOverride validates authority boundaries and records an override,
// charging the override budget. Fail-closed: refused while frozen, and an
// exhausted budget freezes the system.
//
// Authority matrix: PERMANENT needs SECURITY_TEAM plus a review ticket,
// EMERGENCY needs SECURITY_TEAM or ON_CALL, TESTING is CI_SYSTEM only.
func (c *Controller) RequestOverride(req OverrideRequest) (*Override, error) {
	if err := c.AssertNotFrozen("request_override"); err != nil {
		return nil, err
	}
	if err := validateAuthority(req.Type, req.Authority, req.ReviewTicket); err != nil {
		return nil, err
	}
	if req.Type == OverridePermanent {
		if err := c.AssertCalibrationAllows("permanent_override"); err != nil {
			return nil, err
		}
	}

	now := c.now()
	ov := &Override{
		ID:              newOverrideID(now),
		Type:            req.Type,
		Authority:       req.Authority,
		CreatedAt:       now.UTC().Format(time.RFC3339),
		ExpiresAt:       overrideExpiry(req.Type, req.Duration, now),
		AffectedDomains: req.AffectedDomains,
		Reason:          req.Reason,
		ApprovedBy:      req.ApprovedBy,
		ReviewTicket:    req.ReviewTicket,
		Active:          true,
	}

	// The budget charge and the override record land in one write cycle:
	// a grant is never persisted without its charge, or the other way around.
	var exhausted bool
	_, err := c.store.Update(func(st *State) error {
		exhausted = chargeOverrideBudget(&st.Budget, now)
		if exhausted {
			return nil
		}
		st.Overrides = append(st.Overrides, *ov)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exhausted {
		return nil, c.freezeOnBudgetExhaustion("override: "+req.Reason, now)
	}

	slog.Warn("policy override granted",
		"id", ov.ID, "type", ov.Type, "authority", ov.Authority,
		"approved_by", ov.ApprovedBy, "expires", ov.ExpiresAt)
	if c.audit != nil {
		c.audit.Log(audit.EventThresholdOverride, true, ov.AffectedDomains,
			"request_override", ov.Reason, map[string]string{
				"override_id": ov.ID,
				"authority":   string(ov.Authority),
				"approved_by": ov.ApprovedBy,
			}) //nolint:errcheck // override already persisted, audit failure logged by the logger
	}
	return ov, nil
}

func validateAuthority(typ OverrideType, authority OverrideAuthority, reviewTicket string) error {
	switch typ {
	case OverridePermanent:
		if authority != AuthoritySecurityTeam {
			return fmt.Errorf("%w: permanent overrides require %s, got %s",
				ErrUnauthorized, AuthoritySecurityTeam, authority)
		}
		if strings.TrimSpace(reviewTicket) == "" {
			return fmt.Errorf("%w: permanent overrides require a review ticket", ErrUnauthorized)
		}
	case OverrideEmergency:
		if authority != AuthoritySecurityTeam && authority != AuthorityOnCall {
			return fmt.Errorf("%w: emergency overrides require %s or %s, got %s",
				ErrUnauthorized, AuthoritySecurityTeam, AuthorityOnCall, authority)
		}
	case OverrideTesting:
		if authority != AuthorityCISystem {
			return fmt.Errorf("%w: testing overrides are for %s only, got %s",
				ErrUnauthorized, AuthorityCISystem, authority)
		}
	default:
		return fmt.Errorf("%w: unknown override type %q", ErrUnauthorized, typ)
	}
	return nil
}

func overrideExpiry(typ OverrideType, requested time.Duration, now time.Time) string {
	max, ok := overrideMaxDuration[typ]
	if !ok {
		return ""
	}
	d := requested
	if d <= 0 || d > max {
		if d > max {
			slog.Warn("override duration capped", "requested", requested, "max", max)
		}
		d = max
	}
	return now.Add(d).UTC().Format(time.RFC3339)
}

func newOverrideID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("OVERRIDE-%d-%s", now.Unix(), suffix)
}

// ActiveOverrides returns non-expired active overrides, lazily marking
// expired ones inactive.
func (c *Controller) ActiveOverrides() ([]Override, error) {
	now := c.now()
	st, err := c.store.Load()
	if err != nil {
		return nil, err
	}

	expired := false
	for i := range st.Overrides {
		if st.Overrides[i].Active && st.Overrides[i].Expired(now) {
			expired = true
			break
		}
	}
	if expired {
		st, err = c.store.Update(func(s *State) error {
			for i := range s.Overrides {
				if s.Overrides[i].Active && s.Overrides[i].Expired(now) {
					s.Overrides[i].Active = false
					slog.Info("override expired", "id", s.Overrides[i].ID)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var active []Override
	for _, o := range st.Overrides {
		if o.Active && !o.Expired(now) {
			active = append(active, o)
		}
	}
	return active, nil
}

// RevokeOverride deactivates an override by id.
func (c *Controller) RevokeOverride(id, revokedBy, reason string) error {
	found := false
	_, err := c.store.Update(func(st *State) error {
		for i := range st.Overrides {
			if st.Overrides[i].ID == id {
				st.Overrides[i].Active = false
				found = true
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrOverrideNotFound, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Warn("override revoked", "id", id, "by", revokedBy, "reason", reason)
	return nil
}
