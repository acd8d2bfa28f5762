package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo/neotrack/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite handle with typed accessors.
type Store struct {
	DB *sql.DB
}

// New creates a Store over an opened database.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// --- candidates ---

// UpsertCandidate writes a candidate row keyed by trksub. Feed ingestion is
// the normal writer; tests and the diag tool use it directly.
func (s *Store) UpsertCandidate(ctx context.Context, c domain.Candidate) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO candidates (trksub, ra_deg, dec_deg, vmag, score, last_obs_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trksub) DO UPDATE SET
			ra_deg = excluded.ra_deg,
			dec_deg = excluded.dec_deg,
			vmag = excluded.vmag,
			score = excluded.score,
			last_obs_at = excluded.last_obs_at,
			updated_at = excluded.updated_at`,
		c.Trksub, c.RADeg, c.DecDeg, c.Vmag, c.Score, c.LastObsAt, c.UpdatedAt)
	return err
}

// GetCandidate returns one candidate by trksub.
func (s *Store) GetCandidate(ctx context.Context, trksub string) (domain.Candidate, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT trksub, ra_deg, dec_deg, vmag, score, last_obs_at, updated_at
		FROM candidates WHERE trksub = ?`, trksub)
	return scanCandidate(row)
}

// ListCandidates returns all candidates, or only the named ones when
// trksubs is non-empty.
func (s *Store) ListCandidates(ctx context.Context, trksubs []string) ([]domain.Candidate, error) {
	query := `SELECT trksub, ra_deg, dec_deg, vmag, score, last_obs_at, updated_at FROM candidates`
	var args []any
	if len(trksubs) > 0 {
		query += ` WHERE trksub IN (?` + strings.Repeat(",?", len(trksubs)-1) + `)`
		for _, t := range trksubs {
			args = append(args, t)
		}
	}
	query += ` ORDER BY trksub`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Candidate
	for rows.Next() {
		c, err := scanCandidateRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCandidate(row *sql.Row) (domain.Candidate, error) {
	var c domain.Candidate
	err := row.Scan(&c.Trksub, &c.RADeg, &c.DecDeg, &c.Vmag, &c.Score, &c.LastObsAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func scanCandidateRows(rows *sql.Rows) (domain.Candidate, error) {
	var c domain.Candidate
	err := rows.Scan(&c.Trksub, &c.RADeg, &c.DecDeg, &c.Vmag, &c.Score, &c.LastObsAt, &c.UpdatedAt)
	return c, err
}

// --- ephemeris samples ---

// UpsertEphemeris writes samples keyed by (trksub, epoch). Existing rows are
// overwritten so a refetch never duplicates.
func (s *Store) UpsertEphemeris(ctx context.Context, samples []domain.EphemerisSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ephemeris_samples (
			trksub, epoch, ra_deg, dec_deg, ra_rate_arcsec_min, dec_rate_arcsec_min,
			azimuth_deg, elevation_deg, airmass, magnitude, uncertainty_arcsec, source, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trksub, epoch) DO UPDATE SET
			ra_deg = excluded.ra_deg,
			dec_deg = excluded.dec_deg,
			ra_rate_arcsec_min = excluded.ra_rate_arcsec_min,
			dec_rate_arcsec_min = excluded.dec_rate_arcsec_min,
			azimuth_deg = excluded.azimuth_deg,
			elevation_deg = excluded.elevation_deg,
			airmass = excluded.airmass,
			magnitude = excluded.magnitude,
			uncertainty_arcsec = excluded.uncertainty_arcsec,
			source = excluded.source,
			fetched_at = excluded.fetched_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range samples {
		if _, err := stmt.ExecContext(ctx,
			e.Trksub, e.Epoch.UTC(), e.RADeg, e.DecDeg, e.RARateArcsecMin, e.DecRateArcsecMin,
			e.AzimuthDeg, e.ElevationDeg, e.Airmass, e.Magnitude, e.Uncertainty3Sigma,
			e.Source, e.FetchedAt.UTC()); err != nil {
			return fmt.Errorf("upserting sample %s@%s: %w", e.Trksub, e.Epoch, err)
		}
	}
	return tx.Commit()
}

// EphemerisRange returns samples for a candidate within [start, end],
// ordered by epoch.
func (s *Store) EphemerisRange(ctx context.Context, trksub string, start, end time.Time) ([]domain.EphemerisSample, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT trksub, epoch, ra_deg, dec_deg, ra_rate_arcsec_min, dec_rate_arcsec_min,
		       azimuth_deg, elevation_deg, airmass, magnitude, uncertainty_arcsec, source, fetched_at
		FROM ephemeris_samples
		WHERE trksub = ? AND epoch >= ? AND epoch <= ?
		ORDER BY epoch`, trksub, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EphemerisSample
	for rows.Next() {
		var e domain.EphemerisSample
		if err := rows.Scan(&e.Trksub, &e.Epoch, &e.RADeg, &e.DecDeg, &e.RARateArcsecMin,
			&e.DecRateArcsecMin, &e.AzimuthDeg, &e.ElevationDeg, &e.Airmass,
			&e.Magnitude, &e.Uncertainty3Sigma, &e.Source, &e.FetchedAt); err != nil {
			return nil, err
		}
		e.Epoch = e.Epoch.UTC()
		e.FetchedAt = e.FetchedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEphemeris returns the sample with the greatest epoch at or before t,
// used by the scoring service for rates and uncertainty.
func (s *Store) LatestEphemeris(ctx context.Context, trksub string, t time.Time) (domain.EphemerisSample, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT trksub, epoch, ra_deg, dec_deg, ra_rate_arcsec_min, dec_rate_arcsec_min,
		       azimuth_deg, elevation_deg, airmass, magnitude, uncertainty_arcsec, source, fetched_at
		FROM ephemeris_samples
		WHERE trksub = ? AND epoch <= ?
		ORDER BY epoch DESC LIMIT 1`, trksub, t.UTC())

	var e domain.EphemerisSample
	err := row.Scan(&e.Trksub, &e.Epoch, &e.RADeg, &e.DecDeg, &e.RARateArcsecMin,
		&e.DecRateArcsecMin, &e.AzimuthDeg, &e.ElevationDeg, &e.Airmass,
		&e.Magnitude, &e.Uncertainty3Sigma, &e.Source, &e.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	e.Epoch = e.Epoch.UTC()
	return e, err
}

// --- observability results ---

// UpsertObservability overwrites the single row for (trksub, night_key).
func (s *Store) UpsertObservability(ctx context.Context, r domain.ObservabilityResult) error {
	factors, err := json.Marshal(r.LimitingFactors)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO observability_results (
			trksub, night_key, night_start, night_end, window_start, window_end,
			duration_minutes, max_altitude_deg, min_moon_sep_deg, max_sun_altitude_deg,
			score, is_observable, limiting_factors, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trksub, night_key) DO UPDATE SET
			night_start = excluded.night_start,
			night_end = excluded.night_end,
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			duration_minutes = excluded.duration_minutes,
			max_altitude_deg = excluded.max_altitude_deg,
			min_moon_sep_deg = excluded.min_moon_sep_deg,
			max_sun_altitude_deg = excluded.max_sun_altitude_deg,
			score = excluded.score,
			is_observable = excluded.is_observable,
			limiting_factors = excluded.limiting_factors,
			computed_at = excluded.computed_at`,
		r.Trksub, r.NightKey, r.NightStart.UTC(), r.NightEnd.UTC(),
		nullableTime(r.WindowStart), nullableTime(r.WindowEnd),
		r.DurationMinutes, r.MaxAltitudeDeg, r.MinMoonSepDeg, r.MaxSunAltitudeDeg,
		r.Score, boolToInt(r.IsObservable), string(factors), r.ComputedAt.UTC())
	return err
}

// GetObservability returns the row for (trksub, nightKey).
func (s *Store) GetObservability(ctx context.Context, trksub, nightKey string) (domain.ObservabilityResult, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT trksub, night_key, night_start, night_end, window_start, window_end,
		       duration_minutes, max_altitude_deg, min_moon_sep_deg, max_sun_altitude_deg,
		       score, is_observable, limiting_factors, computed_at
		FROM observability_results WHERE trksub = ? AND night_key = ?`, trksub, nightKey)
	return scanObservability(row.Scan)
}

// ListObservable returns observable candidates whose window contains now,
// ordered by window score descending.
func (s *Store) ListObservable(ctx context.Context, now time.Time) ([]domain.ObservabilityResult, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT trksub, night_key, night_start, night_end, window_start, window_end,
		       duration_minutes, max_altitude_deg, min_moon_sep_deg, max_sun_altitude_deg,
		       score, is_observable, limiting_factors, computed_at
		FROM observability_results
		WHERE is_observable = 1 AND window_start <= ? AND window_end > ?
		ORDER BY score DESC`, now.UTC(), now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ObservabilityResult
	for rows.Next() {
		r, err := scanObservability(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListObservability returns all stored results, most recently computed first.
func (s *Store) ListObservability(ctx context.Context) ([]domain.ObservabilityResult, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT trksub, night_key, night_start, night_end, window_start, window_end,
		       duration_minutes, max_altitude_deg, min_moon_sep_deg, max_sun_altitude_deg,
		       score, is_observable, limiting_factors, computed_at
		FROM observability_results ORDER BY computed_at DESC, trksub`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ObservabilityResult
	for rows.Next() {
		r, err := scanObservability(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanObservability(scan func(...any) error) (domain.ObservabilityResult, error) {
	var (
		r          domain.ObservabilityResult
		wStart     sql.NullTime
		wEnd       sql.NullTime
		observable int
		factors    sql.NullString
	)
	err := scan(&r.Trksub, &r.NightKey, &r.NightStart, &r.NightEnd, &wStart, &wEnd,
		&r.DurationMinutes, &r.MaxAltitudeDeg, &r.MinMoonSepDeg, &r.MaxSunAltitudeDeg,
		&r.Score, &observable, &factors, &r.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if wStart.Valid {
		t := wStart.Time.UTC()
		r.WindowStart = &t
	}
	if wEnd.Valid {
		t := wEnd.Time.UTC()
		r.WindowEnd = &t
	}
	r.IsObservable = observable != 0
	if factors.Valid && factors.String != "" {
		if err := json.Unmarshal([]byte(factors.String), &r.LimitingFactors); err != nil {
			return r, fmt.Errorf("decoding limiting factors: %w", err)
		}
	}
	r.NightStart = r.NightStart.UTC()
	r.NightEnd = r.NightEnd.UTC()
	r.ComputedAt = r.ComputedAt.UTC()
	return r, nil
}

// --- capture logs ---

// InsertCaptureLog records a completed capture attempt.
func (s *Store) InsertCaptureLog(ctx context.Context, c domain.CaptureLog) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO capture_logs (id, target, idx, kind, predicted_ra_deg, predicted_dec_deg,
			solved_ra_deg, solved_dec_deg, path, outcome, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Target, c.Index, c.Kind, c.PredictedRADeg, c.PredictedDec,
		c.SolvedRADeg, c.SolvedDecDeg, c.Path, string(c.Outcome), c.Error, c.CreatedAt.UTC())
	return err
}

// ListCaptureLogs returns capture logs, newest first, optionally filtered by
// target.
func (s *Store) ListCaptureLogs(ctx context.Context, target string, limit int) ([]domain.CaptureLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, target, idx, kind, predicted_ra_deg, predicted_dec_deg,
		solved_ra_deg, solved_dec_deg, path, outcome, error, created_at FROM capture_logs`
	var args []any
	if target != "" {
		query += ` WHERE target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CaptureLog
	for rows.Next() {
		var c domain.CaptureLog
		var outcome string
		if err := rows.Scan(&c.ID, &c.Target, &c.Index, &c.Kind, &c.PredictedRADeg, &c.PredictedDec,
			&c.SolvedRADeg, &c.SolvedDecDeg, &c.Path, &outcome, &c.Error, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Outcome = domain.CaptureOutcome(outcome)
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- sessions ---

// InsertSession writes a new session row.
func (s *Store) InsertSession(ctx context.Context, sess domain.Session) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (id, status, target_mode, selected_target, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Status), string(sess.TargetMode), sess.SelectedTarget,
		sess.StartedAt.UTC(), nullableTime(sess.EndedAt))
	return err
}

// UpdateSession overwrites the mutable fields of a session row.
func (s *Store) UpdateSession(ctx context.Context, sess domain.Session) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sessions SET status = ?, target_mode = ?, selected_target = ?, ended_at = ?
		WHERE id = ?`,
		string(sess.Status), string(sess.TargetMode), sess.SelectedTarget,
		nullableTime(sess.EndedAt), sess.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// --- notifications ---

// InsertNotification appends a notification row.
func (s *Store) InsertNotification(ctx context.Context, n domain.Notification) error {
	var contextJSON any
	if len(n.Context) > 0 {
		data, err := json.Marshal(n.Context)
		if err != nil {
			return err
		}
		contextJSON = string(data)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO notifications (level, message, context, created_at) VALUES (?, ?, ?, ?)`,
		n.Level, n.Message, contextJSON, n.CreatedAt.UTC())
	return err
}

// ListNotifications returns the newest notifications first.
func (s *Store) ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, level, message, context, created_at
		FROM notifications ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var contextJSON sql.NullString
		if err := rows.Scan(&n.ID, &n.Level, &n.Message, &contextJSON, &n.CreatedAt); err != nil {
			return nil, err
		}
		if contextJSON.Valid && contextJSON.String != "" {
			if err := json.Unmarshal([]byte(contextJSON.String), &n.Context); err != nil {
				return nil, fmt.Errorf("decoding notification context: %w", err)
			}
		}
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
