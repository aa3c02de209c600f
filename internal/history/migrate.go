package history

import (
	"database/sql"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS scans (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    scanned_at        DATETIME NOT NULL,
    url               TEXT NOT NULL DEFAULT '',
    verdict           TEXT NOT NULL DEFAULT '',
    risk_score        REAL NOT NULL DEFAULT 0,
    probability       REAL NOT NULL DEFAULT 0,
    ml_bypassed       BOOLEAN NOT NULL DEFAULT 0,
    blocklist_match   BOOLEAN NOT NULL DEFAULT 0,
    allowlist_override BOOLEAN NOT NULL DEFAULT 0,
    analysis_complete BOOLEAN NOT NULL DEFAULT 1,
    drift_flags       TEXT NOT NULL DEFAULT '',
    duration_ms       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_scans_at ON scans(scanned_at);
CREATE INDEX IF NOT EXISTS idx_scans_url ON scans(url);
CREATE INDEX IF NOT EXISTS idx_scans_verdict ON scans(verdict);
`

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	// v2: store the full explanation alongside the row (idempotent)
	for _, stmt := range []string{
		"ALTER TABLE scans ADD COLUMN explanation TEXT DEFAULT ''",
	} {
		if _, err := db.Exec(stmt); err != nil && !isDuplicateColumn(err) {
			return err
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	// SQLite returns "duplicate column name" when the column already exists.
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
