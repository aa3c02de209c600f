package notify

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/phishguard/phishguard/internal/config"
)

// pagerDutyEventsURL is the PagerDuty Events API v2 endpoint (var for testing).
var pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue" //nolint:gosec // not a credential

// pdEvent is a PagerDuty Events API v2 request body.
type pdEvent struct {
	Payload     *pdPayload `json:"payload,omitempty"`
	RoutingKey  string     `json:"routing_key"`
	EventAction string     `json:"event_action"`
	DedupKey    string     `json:"dedup_key"`
}

// pdPayload is the payload section of a PagerDuty trigger event.
type pdPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary"`
	Source    string    `json:"source"`
	Severity  string    `json:"severity"`
}

func (n *Notifier) sendPagerDuty(wh *config.WebhookConfig, ev Event) {
	// A resume closes the incident opened by the matching freeze.
	if ev.Kind == EventResume {
		n.resolvePagerDuty(wh, EventFreeze+"/"+ev.IncidentID)
		return
	}

	event := pdEvent{
		RoutingKey:  wh.RoutingKey,
		EventAction: "trigger",
		DedupKey:    ev.key(),
		Payload: &pdPayload{
			Summary:   "[" + strings.ToUpper(ev.Severity) + "] " + ev.Summary,
			Source:    "phishguard",
			Severity:  pdSeverity(ev.Severity),
			Timestamp: ev.At,
		},
	}

	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	n.post(pagerDutyEventsURL, "application/json", body)
}

func (n *Notifier) resolvePagerDuty(wh *config.WebhookConfig, dedupKey string) {
	event := pdEvent{
		RoutingKey:  wh.RoutingKey,
		EventAction: "resolve",
		DedupKey:    dedupKey,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	n.post(pagerDutyEventsURL, "application/json", body)
}

func pdSeverity(s string) string {
	switch s {
	case "critical":
		return "critical"
	case "warning":
		return "warning"
	default:
		return "info"
	}
}
