// Package session tracks the current observing session: lifecycle
// (start/pause/resume/end), target selection mode, captures accumulated
// tonight, and calibration frame counters. State lives in memory behind a
// mutex; lifecycle transitions are mirrored to the session row in sqlite.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/store"
)

var (
	// ErrNoSession is returned when an operation needs an active session.
	ErrNoSession = errors.New("no active session")
	// ErrSessionActive is returned by Start when a session is already running.
	ErrSessionActive = errors.New("session already active")
)

// Calibration tracks progress against one calibration frame type.
type Calibration struct {
	Type            string  `json:"type"`
	Required        int     `json:"required"`
	Completed       int     `json:"completed"`
	ExposureSeconds float64 `json:"exposure_seconds,omitempty"`
	Filter          string  `json:"filter,omitempty"`
}

// Remaining returns how many frames of this type are still needed.
func (c Calibration) Remaining() int {
	if c.Completed >= c.Required {
		return 0
	}
	return c.Required - c.Completed
}

// nightlyCalibrationPlan returns the standard frame counts. Darks need a
// matching exposure length, so they are only planned when one is known.
func nightlyCalibrationPlan(filter string, darkExposureSeconds float64) []Calibration {
	if filter == "" {
		filter = "L"
	}
	plan := []Calibration{
		{Type: "bias", Required: 20},
		{Type: "flat", Required: 10, Filter: filter},
	}
	if darkExposureSeconds > 0 {
		plan = append(plan, Calibration{Type: "dark", Required: 10, ExposureSeconds: darkExposureSeconds})
	}
	return plan
}

// Snapshot is a read-only view of the session state for the API.
type Snapshot struct {
	Session        *domain.Session     `json:"session"`
	TargetMode     domain.TargetMode   `json:"target_mode"`
	SelectedTarget string              `json:"selected_target,omitempty"`
	Calibrations   []Calibration       `json:"calibrations,omitempty"`
	Captures       []domain.CaptureLog `json:"captures"`
}

// Manager owns the observing session state.
type Manager struct {
	mu     sync.Mutex
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time

	current        *domain.Session
	calibrations   []Calibration
	captures       []domain.CaptureLog
	targetMode     domain.TargetMode
	selectedTarget string
}

// NewManager creates a Manager. Target mode starts in auto.
func NewManager(st *store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:      st,
		logger:     logger,
		now:        time.Now,
		targetMode: domain.ModeAuto,
	}
}

// SetClock overrides the wall clock for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Start opens a new observing session and persists its row.
// darkExposureSeconds sizes the dark calibration plan; zero skips darks.
func (m *Manager) Start(ctx context.Context, calibrationFilter string, darkExposureSeconds float64) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Status != domain.SessionStopped && m.current.Status != domain.SessionCompleted {
		return domain.Session{}, ErrSessionActive
	}

	sess := domain.Session{
		ID:             uuid.NewString(),
		Status:         domain.SessionActive,
		TargetMode:     m.targetMode,
		SelectedTarget: m.selectedTarget,
		StartedAt:      m.now().UTC(),
	}
	if err := m.store.InsertSession(ctx, sess); err != nil {
		return domain.Session{}, fmt.Errorf("persisting session: %w", err)
	}

	m.current = &sess
	m.calibrations = nightlyCalibrationPlan(calibrationFilter, darkExposureSeconds)
	m.captures = nil
	m.logger.Info("session started", "session_id", sess.ID, "target_mode", sess.TargetMode)
	return sess, nil
}

// Pause suspends the session. Any running sequence finishes its current
// frame; the next kickoff is refused until Resume.
func (m *Manager) Pause(ctx context.Context) (domain.Session, error) {
	return m.transition(ctx, domain.SessionPaused, domain.SessionActive)
}

// Resume reactivates a paused session.
func (m *Manager) Resume(ctx context.Context) (domain.Session, error) {
	return m.transition(ctx, domain.SessionActive, domain.SessionPaused)
}

// End closes the session and stamps ended_at.
func (m *Manager) End(ctx context.Context) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return domain.Session{}, ErrNoSession
	}
	ended := m.now().UTC()
	m.current.Status = domain.SessionCompleted
	m.current.EndedAt = &ended
	if err := m.store.UpdateSession(ctx, *m.current); err != nil {
		return domain.Session{}, fmt.Errorf("persisting session: %w", err)
	}

	sess := *m.current
	m.current = nil
	m.logger.Info("session ended", "session_id", sess.ID, "captures", len(m.captures))
	return sess, nil
}

func (m *Manager) transition(ctx context.Context, to, from domain.SessionStatus) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return domain.Session{}, ErrNoSession
	}
	if m.current.Status != from {
		return domain.Session{}, fmt.Errorf("session is %s, not %s", m.current.Status, from)
	}
	m.current.Status = to
	if err := m.store.UpdateSession(ctx, *m.current); err != nil {
		return domain.Session{}, fmt.Errorf("persisting session: %w", err)
	}
	m.logger.Info("session state changed", "session_id", m.current.ID, "status", to)
	return *m.current, nil
}

// Active reports whether a session is running (active or paused).
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Paused reports whether the current session is paused.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.Status == domain.SessionPaused
}

// ShouldContinue is the per-frame check handed to the capture loop: the
// sequence keeps going only while a session is active and unpaused.
func (m *Manager) ShouldContinue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.Status == domain.SessionActive
}

// SetTargetMode switches between auto and manual target selection. Auto
// clears any manual selection.
func (m *Manager) SetTargetMode(ctx context.Context, mode domain.TargetMode) error {
	if mode != domain.ModeAuto && mode != domain.ModeManual {
		return fmt.Errorf("invalid target mode %q", mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.targetMode = mode
	if mode == domain.ModeAuto {
		m.selectedTarget = ""
	}
	return m.syncCurrent(ctx)
}

// SelectTarget pins a manual target; an empty trksub clears the selection.
func (m *Manager) SelectTarget(ctx context.Context, trksub string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectedTarget = trksub
	if trksub != "" {
		m.targetMode = domain.ModeManual
	}
	return m.syncCurrent(ctx)
}

func (m *Manager) syncCurrent(ctx context.Context) error {
	if m.current == nil {
		return nil
	}
	m.current.TargetMode = m.targetMode
	m.current.SelectedTarget = m.selectedTarget
	if err := m.store.UpdateSession(ctx, *m.current); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	return nil
}

// TargetMode returns the current mode and manual selection.
func (m *Manager) TargetMode() (domain.TargetMode, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targetMode, m.selectedTarget
}

// AddCapture accumulates a capture on the session. Persistence of the row
// itself is the orchestrator's job; this only feeds the already-imaged
// exclusion and the session view.
func (m *Manager) AddCapture(c domain.CaptureLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captures = append(m.captures, c)
}

// HasImaged reports whether the session already holds a successful science
// capture of the target.
func (m *Manager) HasImaged(target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.captures {
		if c.Target == target && c.Kind == "science" && c.Outcome == domain.CaptureSucceeded {
			return true
		}
	}
	return false
}

// RecordCalibration advances the completed count for a frame type, capped at
// the requirement.
func (m *Manager) RecordCalibration(calType string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ErrNoSession
	}
	for i := range m.calibrations {
		if m.calibrations[i].Type != calType {
			continue
		}
		m.calibrations[i].Completed += count
		if m.calibrations[i].Completed > m.calibrations[i].Required {
			m.calibrations[i].Completed = m.calibrations[i].Required
		}
		return nil
	}
	return fmt.Errorf("unknown calibration type %q", calType)
}

// ResetCalibrations zeroes progress for one frame type, or all when calType
// is empty.
func (m *Manager) ResetCalibrations(calType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.calibrations {
		if calType == "" || m.calibrations[i].Type == calType {
			m.calibrations[i].Completed = 0
		}
	}
}

// Snapshot returns a copy of the session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		TargetMode:     m.targetMode,
		SelectedTarget: m.selectedTarget,
		Captures:       append([]domain.CaptureLog(nil), m.captures...),
	}
	if m.current != nil {
		sess := *m.current
		snap.Session = &sess
		snap.Calibrations = append([]Calibration(nil), m.calibrations...)
	}
	return snap
}
