// Package history provides persistent scan history storage using SQLite.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite driver

	"github.com/phishguard/phishguard/internal/store"
)

// ScanSummary is a compact representation of a historical scan.
type ScanSummary struct {
	ScannedAt  time.Time     `json:"scanned_at"`
	ID         int64         `json:"id"`
	URL        string        `json:"url"`
	Verdict    store.Verdict `json:"verdict"`
	RiskScore  float64       `json:"risk_score"`
	MLBypassed bool          `json:"ml_bypassed"`
	Incomplete bool          `json:"incomplete"`
}

// TrendPoint is one day's verdict counts for trend analysis.
type TrendPoint struct {
	Day        string `json:"day"`
	Safe       int    `json:"safe"`
	Suspicious int    `json:"suspicious"`
	Phishing   int    `json:"phishing"`
}

// sqliteTimeLayout is SQLite's canonical datetime text format. Timestamps
// are stored in UTC so date() and datetime('now') comparisons line up.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// Store persists scan results to SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists one completed scan.
func (s *Store) Save(res *store.ScanResult) error {
	if res == nil {
		return fmt.Errorf("nil scan result")
	}

	explanation, err := json.Marshal(res.Explanation)
	if err != nil {
		return fmt.Errorf("encoding explanation: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO scans (scanned_at, url, verdict, risk_score, probability,
		                   ml_bypassed, blocklist_match, allowlist_override,
		                   analysis_complete, drift_flags, duration_ms, explanation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ScannedAt.UTC().Format(sqliteTimeLayout), res.URL, res.Verdict, res.RiskScore, res.Probability,
		res.MLBypassed, res.BlocklistMatch, res.AllowlistOverride,
		res.AnalysisComplete, strings.Join(res.DriftFlags, ","), res.DurationMS,
		string(explanation),
	)
	if err != nil {
		return fmt.Errorf("inserting scan: %w", err)
	}
	return nil
}

// List returns the most recent scan summaries, ordered newest first.
func (s *Store) List(limit int) ([]ScanSummary, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, scanned_at, url, verdict, risk_score, ml_bypassed, analysis_complete
		FROM scans ORDER BY scanned_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying scans: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var summaries []ScanSummary
	for rows.Next() {
		var sum ScanSummary
		var complete bool
		if err := rows.Scan(&sum.ID, &sum.ScannedAt, &sum.URL, &sum.Verdict, &sum.RiskScore, &sum.MLBypassed, &complete); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		sum.Incomplete = !complete
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// ListByURL returns past scans of a single URL, newest first.
func (s *Store) ListByURL(url string, limit int) ([]ScanSummary, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, scanned_at, url, verdict, risk_score, ml_bypassed, analysis_complete
		FROM scans WHERE url = ? ORDER BY scanned_at DESC, id DESC LIMIT ?`,
		url, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying scans by url: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var summaries []ScanSummary
	for rows.Next() {
		var sum ScanSummary
		var complete bool
		if err := rows.Scan(&sum.ID, &sum.ScannedAt, &sum.URL, &sum.Verdict, &sum.RiskScore, &sum.MLBypassed, &complete); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		sum.Incomplete = !complete
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Get returns one full scan result by id, or nil when it does not exist.
func (s *Store) Get(id int64) (*store.ScanResult, error) {
	var (
		res         store.ScanResult
		driftFlags  string
		explanation string
	)
	err := s.db.QueryRow(`
		SELECT scanned_at, url, verdict, risk_score, probability,
		       ml_bypassed, blocklist_match, allowlist_override,
		       analysis_complete, drift_flags, duration_ms, explanation
		FROM scans WHERE id = ?`, id,
	).Scan(&res.ScannedAt, &res.URL, &res.Verdict, &res.RiskScore, &res.Probability,
		&res.MLBypassed, &res.BlocklistMatch, &res.AllowlistOverride,
		&res.AnalysisComplete, &driftFlags, &res.DurationMS, &explanation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying scan %d: %w", id, err)
	}

	if driftFlags != "" {
		res.DriftFlags = strings.Split(driftFlags, ",")
	}
	if explanation != "" {
		if err := json.Unmarshal([]byte(explanation), &res.Explanation); err != nil {
			return nil, fmt.Errorf("decoding explanation: %w", err)
		}
	}
	return &res, nil
}

// Trend returns per-day verdict counts for the last days, oldest first.
func (s *Store) Trend(days int) ([]TrendPoint, error) {
	if days <= 0 {
		days = 30
	}

	rows, err := s.db.Query(`
		SELECT date(scanned_at) AS day,
		       SUM(CASE WHEN verdict = 'SAFE' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN verdict = 'SUSPICIOUS' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN verdict = 'PHISHING' THEN 1 ELSE 0 END)
		FROM scans
		WHERE scanned_at >= datetime('now', ?)
		GROUP BY day ORDER BY day ASC`,
		fmt.Sprintf("-%d days", days),
	)
	if err != nil {
		return nil, fmt.Errorf("querying trend: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var points []TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Day, &p.Safe, &p.Suspicious, &p.Phishing); err != nil {
			return nil, fmt.Errorf("scanning trend point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// VerdictCounts returns cumulative verdict totals across all stored scans.
func (s *Store) VerdictCounts() (map[store.Verdict]int, error) {
	rows, err := s.db.Query("SELECT verdict, COUNT(*) FROM scans GROUP BY verdict")
	if err != nil {
		return nil, fmt.Errorf("querying verdict counts: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	counts := make(map[store.Verdict]int)
	for rows.Next() {
		var v store.Verdict
		var n int
		if err := rows.Scan(&v, &n); err != nil {
			return nil, fmt.Errorf("scanning verdict count: %w", err)
		}
		counts[v] = n
	}
	return counts, rows.Err()
}

// Prune deletes scans older than the retention window and returns the number
// of rows removed.
func (s *Store) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(sqliteTimeLayout)
	result, err := s.db.Exec("DELETE FROM scans WHERE scanned_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning scans: %w", err)
	}
	return result.RowsAffected()
}
