// Package audit writes the append-only policy override audit trail and the
// asynchronous explainability telemetry stream.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phishguard/phishguard/internal/lockfile"
)

// EventType classifies a policy override event.
type EventType string

// Override event types.
const (
	EventTrustedDomainReclassification EventType = "TRUSTED_DOMAIN_RECLASSIFICATION"
	EventAllowlistModification         EventType = "ALLOWLIST_MODIFICATION"
	EventCanaryPromotion               EventType = "CANARY_PROMOTION"
	EventThresholdOverride             EventType = "THRESHOLD_OVERRIDE"
	EventManifestVersionMismatch       EventType = "MANIFEST_VERSION_MISMATCH"
)

// Execution environments recorded with each entry.
const (
	EnvCI    = "CI"
	EnvLocal = "LOCAL"
	EnvProd  = "PROD"
)

// Entry is a structured audit record. Every field is required; a missing
// field indicates a logging failure upstream.
type Entry struct {
	Timestamp         string            `json:"timestamp"`
	Environment       string            `json:"environment"`
	EventType         EventType         `json:"event_type"`
	OverrideFlagValue bool              `json:"override_flag_value"`
	AffectedDomains   []string          `json:"affected_domains"`
	TriggeringContext string            `json:"triggering_context"`
	Reason            string            `json:"reason"`
	AdditionalData    map[string]string `json:"additional_data"`
}

// LogLine renders the human-readable form. More than five domains are
// truncated with an ellipsis; the full list lives in the JSON line below it.
func (e *Entry) LogLine() string {
	domains := e.AffectedDomains
	suffix := ""
	if len(domains) > 5 {
		domains = domains[:5]
		suffix = "..."
	}
	return fmt.Sprintf("%s | %s | %s | override=%t | domains=%s%s | context=%s | reason=%s",
		e.Timestamp, e.Environment, e.EventType, e.OverrideFlagValue,
		strings.Join(domains, ","), suffix, e.TriggeringContext, e.Reason)
}

// Logger appends override events to the audit log under an exclusive file
// lock. A write failure is raised to the caller: losing an audit record is
// itself a security event and must not be swallowed.
type Logger struct {
	path string
	env  string
}

// NewLogger creates the audit logger, ensuring the log directory exists.
func NewLogger(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit log directory: %w", err)
		}
	}
	l := &Logger{path: path, env: detectEnvironment()}
	slog.Info("policy audit logger initialized", "path", path, "environment", l.env)
	return l, nil
}

func detectEnvironment() string {
	for _, indicator := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS", "CIRCLECI", "AZURE_PIPELINES"} {
		if os.Getenv(indicator) != "" {
			return EnvCI
		}
	}
	if os.Getenv("PRODUCTION") != "" || os.Getenv("ENV") == "production" {
		return EnvProd
	}
	return EnvLocal
}

// Environment returns the detected execution environment.
func (l *Logger) Environment() string {
	return l.env
}

// Log appends an override event and returns the written entry.
func (l *Logger) Log(eventType EventType, overrideFlag bool, domains []string, context, reason string, extra map[string]string) (*Entry, error) {
	if extra == nil {
		extra = map[string]string{}
	}
	entry := &Entry{
		Timestamp:         time.Now().UTC().Format(time.RFC3339Nano),
		Environment:       l.env,
		EventType:         eventType,
		OverrideFlagValue: overrideFlag,
		AffectedDomains:   domains,
		TriggeringContext: context,
		Reason:            reason,
		AdditionalData:    extra,
	}

	if err := l.append(entry); err != nil {
		slog.Error("audit log write failed", "err", err)
		return nil, fmt.Errorf("audit logging failure: %w", err)
	}

	slog.Warn("policy override recorded",
		"event", eventType, "domains", strings.Join(domains, ","), "context", context)
	return entry, nil
}

func (l *Logger) append(entry *Entry) error {
	lock, err := lockfile.Exclusive(l.path, lockfile.ExclusiveTimeout)
	if err != nil {
		return err
	}
	defer lock.Unlock() //nolint:errcheck // write error takes precedence

	f := lock.File()
	if _, err := f.Seek(0, 2); err != nil {
		return err
	}

	jsonBody, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s\n  JSON: %s\n", entry.LogLine(), jsonBody); err != nil {
		return err
	}
	return f.Sync()
}

// LogAllowlistModification records a trusted-domain allowlist change.
func (l *Logger) LogAllowlistModification(domains []string, context, reason string, extra map[string]string) error {
	_, err := l.Log(EventAllowlistModification, true, domains, context, reason, extra)
	return err
}
