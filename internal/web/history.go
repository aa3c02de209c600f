package web

import (
	"net/http"
	"strconv"

	"github.com/phishguard/phishguard/internal/history"
)

// ScanHistoryHandler returns recent scan summaries as JSON. A url query
// parameter narrows the history to one URL.
func ScanHistoryHandler(hs *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if q := r.URL.Query().Get("limit"); q != "" {
			if n, err := strconv.Atoi(q); err == nil && n > 0 {
				limit = n
			}
		}

		var (
			summaries []history.ScanSummary
			err       error
		)
		if url := r.URL.Query().Get("url"); url != "" {
			summaries, err = hs.ListByURL(url, limit)
		} else {
			summaries, err = hs.List(limit)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if summaries == nil {
			summaries = []history.ScanSummary{}
		}
		writeJSON(w, http.StatusOK, summaries)
	}
}

// TrendHandler returns per-day verdict counts as JSON.
func TrendHandler(hs *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := 30
		if q := r.URL.Query().Get("days"); q != "" {
			if n, err := strconv.Atoi(q); err == nil && n > 0 {
				days = n
			}
		}

		points, err := hs.Trend(days)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if points == nil {
			points = []history.TrendPoint{}
		}
		writeJSON(w, http.StatusOK, points)
	}
}
