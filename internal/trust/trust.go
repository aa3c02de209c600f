// Package trust implements the trusted-domain allowlist gate that runs before
// any model inference. Trusted domains bypass the classifier entirely.
package trust

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/phishguard/phishguard/internal/domain"
)

// Result of an allowlist check.
type Result struct {
	Trusted          bool   `json:"is_trusted"`
	RegisteredDomain string `json:"registered_domain"`
	MatchedDomain    string `json:"matched_domain,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Guard is the governance surface consulted before allowlist mutations.
// Mutations are refused while the system is frozen and each one consumes a
// unit of override budget.
type Guard interface {
	AssertNotFrozen(operation string) error
	ConsumeOverrideBudget(reason string) error
}

// Auditor records allowlist modifications to the policy audit trail.
type Auditor interface {
	LogAllowlistModification(domains []string, context, reason string, extra map[string]string) error
}

// Set is the runtime trusted-domain allowlist. Reads are lock-free hot path
// friendly (RWMutex); mutations go through governance.
type Set struct {
	domains map[string]bool
	guard   Guard
	auditor Auditor
	mu      sync.RWMutex
}

// NewSet builds a Set from the built-in seed list plus any additional
// domains. guard and auditor may be nil for read-only uses (tests, CLI
// inspection); mutations then skip governance, which is only acceptable
// outside the serving path.
func NewSet(additional []string, guard Guard, auditor Auditor) *Set {
	s := &Set{
		domains: make(map[string]bool, len(seedDomains)+len(additional)),
		guard:   guard,
		auditor: auditor,
	}
	for _, d := range seedDomains {
		s.domains[d] = true
	}
	for _, d := range additional {
		s.domains[normalize(d)] = true
	}
	slog.Info("trusted domain allowlist loaded", "count", len(s.domains))
	return s
}

// normalize reduces a URL or host to its registered domain. Bare suffixes
// ("gov") have no eTLD+1 and pass through unchanged.
func normalize(urlOrDomain string) string {
	reg, err := domain.FromURL(urlOrDomain)
	if err != nil {
		return urlOrDomain
	}
	return reg
}

// Check reports whether a URL or host belongs to a trusted domain.
// Match order: exact registered-domain match first, then the bare public
// suffix so an entry like "gov" trusts every .gov host.
func (s *Set) Check(urlOrDomain string) Result {
	reg, err := domain.FromURL(urlOrDomain)
	if err != nil {
		return Result{
			Trusted:          false,
			RegisteredDomain: urlOrDomain,
			Reason:           fmt.Sprintf("error parsing domain: %v", err),
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.domains[reg] {
		return Result{
			Trusted:          true,
			RegisteredDomain: reg,
			MatchedDomain:    reg,
			Reason:           fmt.Sprintf("domain %q is in trusted allowlist", reg),
		}
	}

	if suffix := domain.Suffix(reg); suffix != "" && s.domains[suffix] {
		return Result{
			Trusted:          true,
			RegisteredDomain: reg,
			MatchedDomain:    suffix,
			Reason:           fmt.Sprintf("suffix %q is in trusted allowlist", suffix),
		}
	}

	return Result{
		Trusted:          false,
		RegisteredDomain: reg,
		Reason:           "domain not in trusted allowlist",
	}
}

// IsTrusted is the boolean form of Check.
func (s *Set) IsTrusted(urlOrDomain string) bool {
	return s.Check(urlOrDomain).Trusted
}

// Add inserts a domain at runtime. Refused while frozen; consumes override
// budget; writes an allowlist-modification audit entry.
func (s *Set) Add(urlOrDomain, addedBy, reason string) error {
	if err := s.gate("add_trusted_domain", "add_domain:"+urlOrDomain); err != nil {
		return err
	}

	normalized := normalize(urlOrDomain)
	s.mu.Lock()
	s.domains[normalized] = true
	s.mu.Unlock()

	if err := s.audit(normalized, "runtime_add_domain", reason, addedBy, "added_by"); err != nil {
		return err
	}
	slog.Warn("trusted domain added", "domain", normalized, "by", addedBy, "reason", reason)
	return nil
}

// Remove deletes a domain at runtime under the same governance rules as Add.
func (s *Set) Remove(urlOrDomain, removedBy, reason string) error {
	if err := s.gate("remove_trusted_domain", "remove_domain:"+urlOrDomain); err != nil {
		return err
	}

	normalized := normalize(urlOrDomain)
	s.mu.Lock()
	delete(s.domains, normalized)
	s.mu.Unlock()

	if err := s.audit(normalized, "runtime_remove_domain", reason, removedBy, "removed_by"); err != nil {
		return err
	}
	slog.Warn("trusted domain removed", "domain", normalized, "by", removedBy, "reason", reason)
	return nil
}

func (s *Set) gate(operation, budgetReason string) error {
	if s.guard == nil {
		return nil
	}
	if err := s.guard.AssertNotFrozen(operation); err != nil {
		return err
	}
	return s.guard.ConsumeOverrideBudget(budgetReason)
}

func (s *Set) audit(normalized, context, reason, actor, actorKey string) error {
	if s.auditor == nil {
		return nil
	}
	return s.auditor.LogAllowlistModification(
		[]string{normalized}, context, reason, map[string]string{actorKey: actor})
}

// Domains returns a sorted-insensitive copy of the current allowlist.
func (s *Set) Domains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.domains))
	for d := range s.domains {
		out = append(out, d)
	}
	return out
}

// Len returns the allowlist size.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.domains)
}
