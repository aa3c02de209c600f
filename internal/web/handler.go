// Package web provides the HTTP API for the phishguard service.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/phishguard/phishguard/internal/feature"
	"github.com/phishguard/phishguard/internal/governance"
	"github.com/phishguard/phishguard/internal/history"
	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/internal/telemetry"
	"github.com/phishguard/phishguard/internal/trust"
)

// maxBatchURLs caps one batch-scan request.
const maxBatchURLs = 50

// Scanner runs URLs through the decision pipeline.
type Scanner interface {
	Scan(ctx context.Context, rawURL string) (*store.ScanResult, error)
	ScanFresh(ctx context.Context, rawURL string) (*store.ScanResult, error)
}

// GovernanceAPI is the subset of the governance controller the API exposes.
type GovernanceAPI interface {
	Status() (*governance.Status, error)
	ResumeFromFreeze(resumedBy, incidentID, justification string) error
	IsFrozen() bool
}

// Config wires the server's dependencies. Scanner is required; nil optional
// dependencies disable their endpoints.
type Config struct {
	Scanner   Scanner
	Gov       GovernanceAPI
	Trust     *trust.Set
	Telemetry *telemetry.Aggregator
	History   *history.Store
	Metrics   http.Handler
	Limiter   *RateLimiter
	AdminKey  string
}

// Server serves the scan and governance API.
type Server struct {
	cfg Config
}

// NewServer builds the server around its dependencies.
func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /scan", s.limited(http.HandlerFunc(s.handleScan)))
	mux.Handle("POST /api/batch-scan", s.limited(http.HandlerFunc(s.handleBatchScan)))
	if s.cfg.Gov != nil {
		mux.HandleFunc("GET /api/governance/status", s.handleGovernanceStatus)
		mux.HandleFunc("POST /api/governance/unfreeze", s.handleUnfreeze)
	}
	if s.cfg.Trust != nil {
		mux.HandleFunc("GET /api/trusted-domains", s.handleTrustedDomains)
	}
	if s.cfg.Telemetry != nil {
		mux.HandleFunc("GET /api/telemetry/summary", s.handleTelemetrySummary)
	}
	if s.cfg.History != nil {
		mux.HandleFunc("GET /api/scan-history", ScanHistoryHandler(s.cfg.History))
		mux.HandleFunc("GET /api/scan-trend", TrendHandler(s.cfg.History))
	}
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
	return mux
}

func (s *Server) limited(next http.Handler) http.Handler {
	if s.cfg.Limiter == nil {
		return next
	}
	return s.cfg.Limiter.Middleware(next)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.cfg.Gov != nil && s.cfg.Gov.IsFrozen() {
		resp["status"] = "frozen"
		resp["frozen"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

type scanRequest struct {
	URL   string `json:"url"`
	Fresh bool   `json:"fresh,omitempty"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := feature.CheckBounds(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	scan := s.cfg.Scanner.Scan
	if req.Fresh {
		scan = s.cfg.Scanner.ScanFresh
	}
	res, err := scan(r.Context(), req.URL)
	if err != nil {
		if errors.Is(err, governance.ErrSystemFrozen) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		slog.Error("scan failed", "url", req.URL, "err", err)
		writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}

	if s.cfg.History != nil {
		if saveErr := s.cfg.History.Save(res); saveErr != nil {
			slog.Error("saving scan history", "err", saveErr)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

type batchScanRequest struct {
	URLs []string `json:"urls"`
}

type batchScanEntry struct {
	URL    string            `json:"url"`
	Result *store.ScanResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func (s *Server) handleBatchScan(w http.ResponseWriter, r *http.Request) {
	var req batchScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls is required")
		return
	}
	if len(req.URLs) > maxBatchURLs {
		writeError(w, http.StatusBadRequest, "too many urls: the limit is 50 per request")
		return
	}

	results := make([]batchScanEntry, 0, len(req.URLs))
	for _, url := range req.URLs {
		entry := batchScanEntry{URL: url}
		if berr := feature.CheckBounds(url); berr != nil {
			entry.Error = berr.Error()
			results = append(results, entry)
			continue
		}
		res, err := s.cfg.Scanner.Scan(r.Context(), url)
		switch {
		case errors.Is(err, governance.ErrSystemFrozen):
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		case err != nil:
			entry.Error = err.Error()
		default:
			entry.Result = res
			if s.cfg.History != nil {
				if saveErr := s.cfg.History.Save(res); saveErr != nil {
					slog.Error("saving scan history", "err", saveErr)
				}
			}
		}
		results = append(results, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(results), "results": results})
}

func (s *Server) handleGovernanceStatus(w http.ResponseWriter, _ *http.Request) {
	status, err := s.cfg.Gov.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type unfreezeRequest struct {
	Force         bool   `json:"force"`
	IncidentID    string `json:"incident_id"`
	Justification string `json:"justification"`
	ResumedBy     string `json:"resumed_by"`
}

func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminKey == "" || r.Header.Get("X-Admin-Key") != s.cfg.AdminKey {
		writeError(w, http.StatusUnauthorized, "invalid admin key")
		return
	}

	var req unfreezeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Force {
		writeError(w, http.StatusBadRequest, "unfreeze requires force:true")
		return
	}
	if req.ResumedBy == "" {
		req.ResumedBy = "api"
	}

	err := s.cfg.Gov.ResumeFromFreeze(req.ResumedBy, req.IncidentID, req.Justification)
	switch {
	case errors.Is(err, governance.ErrNotFrozen):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, governance.ErrMissingIncident),
		errors.Is(err, governance.ErrInvalidJustification):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		slog.Warn("system unfrozen via API", "incident_id", req.IncidentID, "resumed_by", req.ResumedBy)
		writeJSON(w, http.StatusOK, map[string]any{"unfrozen": true, "incident_id": req.IncidentID})
	}
}

func (s *Server) handleTrustedDomains(w http.ResponseWriter, _ *http.Request) {
	domains := s.cfg.Trust.Domains()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(domains), "domains": domains})
}

func (s *Server) handleTelemetrySummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Telemetry.Summary())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
