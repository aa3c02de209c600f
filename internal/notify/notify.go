// Package notify sends webhook notifications for governance freezes and
// high-confidence phishing verdicts.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/internal/store"
)

const httpTimeout = 10 * time.Second

// Event kinds the notifier understands.
const (
	EventFreeze   = "freeze"
	EventResume   = "resume"
	EventPhishing = "phishing_verdict"
)

// Event is one alertable occurrence.
type Event struct {
	At         time.Time `json:"timestamp"`
	Kind       string    `json:"kind"`
	Severity   string    `json:"severity"` // critical, warning, info
	Summary    string    `json:"summary"`
	Detail     string    `json:"detail,omitempty"`
	URL        string    `json:"url,omitempty"`
	IncidentID string    `json:"incident_id,omitempty"`
}

// key returns a deduplication key for cooldown tracking.
func (e *Event) key() string {
	switch e.Kind {
	case EventPhishing:
		return e.Kind + "/" + e.URL
	default:
		return e.Kind + "/" + e.IncidentID
	}
}

// Notifier delivers events to the configured webhooks. Delivery is
// fire-and-forget: a dead webhook must never block or fail a scan.
type Notifier struct {
	events   map[string]bool
	sent     map[string]time.Time
	client   *http.Client
	webhooks []config.WebhookConfig
	cooldown time.Duration
	mu       sync.Mutex
}

// New creates a Notifier from notification config. Returns nil if not
// enabled or no webhooks are configured.
func New(cfg config.NotificationConfig) *Notifier {
	if !cfg.Enabled || len(cfg.Webhooks) == 0 {
		return nil
	}

	events := make(map[string]bool)
	for _, e := range cfg.Events {
		events[e] = true
	}
	// Default to freeze + phishing if none specified.
	if len(events) == 0 {
		events[EventFreeze] = true
		events[EventPhishing] = true
	}

	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = time.Hour
	}

	return &Notifier{
		webhooks: cfg.Webhooks,
		events:   events,
		cooldown: cooldown,
		sent:     make(map[string]time.Time),
		client:   &http.Client{Timeout: httpTimeout},
	}
}

// Freeze reports a governance freeze. Always severity critical.
func (n *Notifier) Freeze(reason, incidentID string, details map[string]any) {
	detail := ""
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			detail = string(b)
		}
	}
	n.Notify(Event{
		At:         time.Now().UTC(),
		Kind:       EventFreeze,
		Severity:   "critical",
		Summary:    fmt.Sprintf("system frozen: %s (incident %s)", reason, incidentID),
		Detail:     detail,
		IncidentID: incidentID,
	})
}

// Resume reports a governance resume after a freeze.
func (n *Notifier) Resume(resumedBy, incidentID string) {
	n.Notify(Event{
		At:         time.Now().UTC(),
		Kind:       EventResume,
		Severity:   "info",
		Summary:    fmt.Sprintf("system resumed by %s (incident %s)", resumedBy, incidentID),
		IncidentID: incidentID,
	})
}

// Phishing reports a PHISHING verdict.
func (n *Notifier) Phishing(res *store.ScanResult) {
	if res == nil || res.Verdict != store.VerdictPhishing {
		return
	}
	n.Notify(Event{
		At:       time.Now().UTC(),
		Kind:     EventPhishing,
		Severity: "warning",
		Summary:  fmt.Sprintf("phishing verdict for %s (risk %.1f)", res.URL, res.RiskScore),
		Detail:   res.Explanation.Summary,
		URL:      res.URL,
	})
}

// Notify delivers one event to every webhook, subject to the event filter
// and per-key cooldown.
func (n *Notifier) Notify(ev Event) {
	if n == nil {
		return
	}
	if !n.events[ev.Kind] {
		return
	}

	key := ev.key()
	now := time.Now()
	n.mu.Lock()
	if lastSent, ok := n.sent[key]; ok && now.Sub(lastSent) < n.cooldown {
		n.mu.Unlock()
		return
	}
	n.sent[key] = now
	n.mu.Unlock()

	for i := range n.webhooks {
		wh := &n.webhooks[i]
		switch wh.Type {
		case "slack":
			n.sendSlack(wh.URL, ev)
		case "pagerduty":
			n.sendPagerDuty(wh, ev)
		case "grafana":
			n.sendGrafana(wh, ev)
		default:
			n.sendGeneric(wh.URL, ev)
		}
	}
}

// GenericPayload is the JSON body sent to generic webhooks.
type GenericPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Event     Event     `json:"event"`
}

func (n *Notifier) sendGeneric(webhookURL string, ev Event) {
	body, err := json.Marshal(GenericPayload{
		Timestamp: time.Now().UTC(),
		Service:   "phishguard",
		Event:     ev,
	})
	if err != nil {
		slog.Warn("notification: marshal error", "err", err)
		return
	}
	n.post(webhookURL, "application/json", body)
}

// SlackPayload is the JSON body sent to Slack incoming webhooks.
type SlackPayload struct {
	Blocks []SlackBlock `json:"blocks"`
}

// SlackBlock is a Slack Block Kit block.
type SlackBlock struct {
	Text *SlackText `json:"text,omitempty"`
	Type string     `json:"type"`
}

// SlackText is a Slack text element.
type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (n *Notifier) sendSlack(webhookURL string, ev Event) {
	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackText{
				Type: "plain_text",
				Text: fmt.Sprintf("phishguard: %s", ev.Kind),
			},
		},
		{
			Type: "section",
			Text: &SlackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("[%s] %s", strings.ToUpper(ev.Severity), ev.Summary),
			},
		},
	}
	if ev.Detail != "" {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{Type: "mrkdwn", Text: ev.Detail},
		})
	}
	blocks = append(blocks, SlackBlock{
		Type: "context",
		Text: &SlackText{
			Type: "mrkdwn",
			Text: fmt.Sprintf("Source: phishguard | %s", ev.At.Format(time.RFC3339)),
		},
	})

	body, err := json.Marshal(SlackPayload{Blocks: blocks})
	if err != nil {
		slog.Warn("notification: slack marshal error", "err", err)
		return
	}
	n.post(webhookURL, "application/json", body)
}

func (n *Notifier) post(webhookURL, contentType string, body []byte) {
	resp, err := n.client.Post(webhookURL, contentType, bytes.NewReader(body)) //nolint:noctx // fire-and-forget notification
	if err != nil {
		slog.Warn("notification: webhook delivery failed", "url", webhookURL, "err", err)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // read-only close
	if resp.StatusCode >= 300 {
		slog.Warn("notification: webhook returned non-2xx", "url", webhookURL, "status", resp.StatusCode)
	}
}
