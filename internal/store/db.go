// Package store persists candidates, ephemeris samples, observability
// results, capture logs, sessions, and notifications in a single SQLite
// file. All writes are upsert-by-key so recomputation overwrites instead of
// duplicating.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// The serial scheduler is the only writer; one connection avoids SQLITE_BUSY
	// churn between the engine loop and the API.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS candidates (
		trksub      TEXT PRIMARY KEY,
		ra_deg      REAL,
		dec_deg     REAL,
		vmag        REAL,
		score       REAL,
		last_obs_at TIMESTAMP,
		updated_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ephemeris_samples (
		trksub              TEXT NOT NULL,
		epoch               TIMESTAMP NOT NULL,
		ra_deg              REAL NOT NULL,
		dec_deg             REAL NOT NULL,
		ra_rate_arcsec_min  REAL,
		dec_rate_arcsec_min REAL,
		azimuth_deg         REAL,
		elevation_deg       REAL,
		airmass             REAL,
		magnitude           REAL,
		uncertainty_arcsec  REAL,
		source              TEXT NOT NULL DEFAULT '',
		fetched_at          TIMESTAMP NOT NULL,
		PRIMARY KEY (trksub, epoch)
	)`,
	`CREATE TABLE IF NOT EXISTS observability_results (
		trksub               TEXT NOT NULL,
		night_key            TEXT NOT NULL,
		night_start          TIMESTAMP NOT NULL,
		night_end            TIMESTAMP NOT NULL,
		window_start         TIMESTAMP,
		window_end           TIMESTAMP,
		duration_minutes     REAL NOT NULL DEFAULT 0,
		max_altitude_deg     REAL NOT NULL DEFAULT 0,
		min_moon_sep_deg     REAL NOT NULL DEFAULT 0,
		max_sun_altitude_deg REAL NOT NULL DEFAULT 0,
		score                REAL NOT NULL DEFAULT 0,
		is_observable        INTEGER NOT NULL DEFAULT 0,
		limiting_factors     TEXT,
		computed_at          TIMESTAMP NOT NULL,
		PRIMARY KEY (trksub, night_key)
	)`,
	`CREATE TABLE IF NOT EXISTS capture_logs (
		id               TEXT PRIMARY KEY,
		target           TEXT NOT NULL,
		idx              INTEGER NOT NULL,
		kind             TEXT NOT NULL,
		predicted_ra_deg REAL,
		predicted_dec_deg REAL,
		solved_ra_deg    REAL,
		solved_dec_deg   REAL,
		path             TEXT NOT NULL DEFAULT '',
		outcome          TEXT NOT NULL,
		error            TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		status          TEXT NOT NULL,
		target_mode     TEXT NOT NULL,
		selected_target TEXT NOT NULL DEFAULT '',
		started_at      TIMESTAMP NOT NULL,
		ended_at        TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		level      TEXT NOT NULL,
		message    TEXT NOT NULL,
		context    TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ephemeris_trksub_epoch ON ephemeris_samples(trksub, epoch)`,
	`CREATE INDEX IF NOT EXISTS idx_observability_score ON observability_results(is_observable, score)`,
	`CREATE INDEX IF NOT EXISTS idx_capture_target ON capture_logs(target, created_at)`,
}
