// Package domain holds the shared data model for NEO candidate tracking:
// feed candidates, cached ephemeris samples, observability results, and
// capture/session records. The types here are persistence-shaped; services
// own the behavior.
package domain

import "time"

// Position is a sky position in the ICRS equatorial frame.
type Position struct {
	RADeg  float64 `json:"ra_deg"`
	DecDeg float64 `json:"dec_deg"`
}

// Candidate is a NEOCP candidate as last seen on the confirmation feed.
// Rows are written by feed ingestion; this core only reads them.
type Candidate struct {
	Trksub    string     `json:"trksub"`
	RADeg     *float64   `json:"ra_deg"`
	DecDeg    *float64   `json:"dec_deg"`
	Vmag      *float64   `json:"vmag"`
	Score     *float64   `json:"score"` // feed priority score, 0-100
	LastObsAt *time.Time `json:"last_obs_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// EphemerisSample is one cached position sample for a candidate.
// Unique per (trksub, epoch); upserted, never duplicated.
type EphemerisSample struct {
	Trksub            string    `json:"trksub"`
	Epoch             time.Time `json:"epoch"`
	RADeg             float64   `json:"ra_deg"`
	DecDeg            float64   `json:"dec_deg"`
	RARateArcsecMin   *float64  `json:"ra_rate_arcsec_min"`
	DecRateArcsecMin  *float64  `json:"dec_rate_arcsec_min"`
	AzimuthDeg        *float64  `json:"azimuth_deg"`
	ElevationDeg      *float64  `json:"elevation_deg"`
	Airmass           *float64  `json:"airmass"`
	Magnitude         *float64  `json:"magnitude"`
	Uncertainty3Sigma *float64  `json:"uncertainty_3sigma_arcsec"`
	Source            string    `json:"source"`
	FetchedAt         time.Time `json:"fetched_at"`
}

// ObservabilityResult is the computed visibility window for one candidate
// on one night. One row per (trksub, night key), overwritten on recompute.
type ObservabilityResult struct {
	Trksub            string     `json:"trksub"`
	NightKey          string     `json:"night_key"` // YYYY-MM-DD of window start
	NightStart        time.Time  `json:"night_start"`
	NightEnd          time.Time  `json:"night_end"`
	WindowStart       *time.Time `json:"window_start"`
	WindowEnd         *time.Time `json:"window_end"`
	DurationMinutes   float64    `json:"duration_minutes"`
	MaxAltitudeDeg    float64    `json:"max_altitude_deg"`
	MinMoonSepDeg     float64    `json:"min_moon_separation_deg"`
	MaxSunAltitudeDeg float64    `json:"max_sun_altitude_deg"`
	Score             float64    `json:"score"`
	IsObservable      bool       `json:"is_observable"`
	LimitingFactors   []string   `json:"limiting_factors"`
	ComputedAt        time.Time  `json:"computed_at"`
}

// Limiting factors recorded by the observability engine.
const (
	FactorWeatherBlocked = "weather_blocked"
	FactorStaleCandidate = "stale_candidate"
	FactorMissingCoords  = "missing_coords"
	FactorTooFaint       = "too_faint"
	FactorBelowHorizon   = "below_horizon"
	FactorSunAboveLimit  = "sun_above_limit"
	FactorMoonTooClose   = "moon_too_close"
	FactorWindowTooShort = "window_too_short"
)

// CaptureOutcome classifies how a capture attempt ended.
type CaptureOutcome string

const (
	CaptureSucceeded   CaptureOutcome = "succeeded"
	CaptureSolveFailed CaptureOutcome = "solve_failed"
	CaptureFailed      CaptureOutcome = "failed"
)

// CaptureLog records one exposure attempt against a target.
// Terminal once Outcome is set.
type CaptureLog struct {
	ID             string         `json:"id"`
	Target         string         `json:"target"`
	Index          int            `json:"index"`
	Kind           string         `json:"kind"` // "science" or "confirmation"
	PredictedRADeg *float64       `json:"predicted_ra_deg"`
	PredictedDec   *float64       `json:"predicted_dec_deg"`
	SolvedRADeg    *float64       `json:"solved_ra_deg"`
	SolvedDecDeg   *float64       `json:"solved_dec_deg"`
	Path           string         `json:"path"`
	Outcome        CaptureOutcome `json:"outcome"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SessionStatus is the lifecycle state of an observing session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionStopped   SessionStatus = "stopped"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// TargetMode selects how the auto-pilot chooses its next target.
type TargetMode string

const (
	ModeAuto   TargetMode = "auto"
	ModeManual TargetMode = "manual"
)

// Session is a persisted observing session row.
type Session struct {
	ID             string        `json:"id"`
	Status         SessionStatus `json:"status"`
	TargetMode     TargetMode    `json:"target_mode"`
	SelectedTarget string        `json:"selected_target,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
}

// Notification is a user-visible alert emitted by background services.
type Notification struct {
	ID        int64             `json:"id"`
	Level     string            `json:"level"` // info, warn, error
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
