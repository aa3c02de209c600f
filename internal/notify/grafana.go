package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/phishguard/phishguard/internal/config"
)

// grafanaAnnotation is the payload for Grafana's POST /api/annotations endpoint.
type grafanaAnnotation struct {
	Text         string   `json:"text"`
	DashboardUID string   `json:"dashboardUID,omitempty"`
	Tags         []string `json:"tags"`
	Time         int64    `json:"time"`
}

// sendGrafana drops an annotation on the phishguard dashboard so freezes and
// phishing spikes line up with the metric graphs.
func (n *Notifier) sendGrafana(wh *config.WebhookConfig, ev Event) {
	ann := grafanaAnnotation{
		Time: time.Now().UnixMilli(),
		Tags: []string{"phishguard", ev.Kind, ev.Severity},
		Text: ev.Summary,
	}
	if wh.DashboardUID != "" {
		ann.DashboardUID = wh.DashboardUID
	}

	body, err := json.Marshal(ann)
	if err != nil {
		slog.Warn("notification: grafana marshal error", "err", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(body)) //nolint:noctx // fire-and-forget notification
	if err != nil {
		slog.Warn("notification: grafana request error", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if wh.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+wh.APIToken)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("notification: grafana delivery failed", "url", wh.URL, "err", err)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // read-only close
	if resp.StatusCode >= 300 {
		slog.Warn("notification: grafana returned non-2xx", "url", wh.URL, "status", resp.StatusCode)
	}
}
