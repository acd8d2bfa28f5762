// Package acquire centers the telescope on a predicted target position by
// slewing, taking a short verification exposure, and comparing the plate
// solve against the prediction. The flow is an explicit bounded state
// machine so the attempt budget is auditable.
package acquire

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo/neotrack/internal/bridge"
	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/transform"
)

// State is one step of the acquisition flow.
type State string

const (
	StatePredict        State = "PREDICT"
	StateSlew           State = "SLEW"
	StateConfirmExpose  State = "CONFIRM_EXPOSE"
	StateConfirmSolve   State = "CONFIRM_SOLVE"
	StateCentered       State = "CENTERED"
	StateOffsetTooLarge State = "OFFSET_TOO_LARGE"
	StateRefineSlew     State = "REFINE_SLEW"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// Config tunes the verification exposure and the refine budget.
type Config struct {
	// ConfirmExposureSeconds is the short verification exposure length.
	ConfirmExposureSeconds float64
	// ConfirmBinning trades resolution for download and solve speed.
	ConfirmBinning int
	// ToleranceArcsec is the accepted offset between prediction and solve.
	ToleranceArcsec float64
	// MaxRefineAttempts bounds the corrective re-slews.
	MaxRefineAttempts int
}

// DefaultConfig returns the standard acquisition tuning.
func DefaultConfig() Config {
	return Config{
		ConfirmExposureSeconds: 8,
		ConfirmBinning:         2,
		ToleranceArcsec:        120,
		MaxRefineAttempts:      2,
	}
}

// Predictor supplies the target position at acquisition time.
type Predictor interface {
	Predict(ctx context.Context, trksub string, when time.Time) (domain.Position, error)
}

// Result is the terminal outcome of one acquisition run. Whatever partial
// state was reached before a failure is carried along.
type Result struct {
	Success          bool             `json:"success"`
	State            State            `json:"state"`
	Predicted        domain.Position  `json:"predicted"`
	Solved           *domain.Position `json:"solved,omitempty"`
	OffsetArcsec     *float64         `json:"offset_arcsec,omitempty"`
	VerificationPath string           `json:"verification_path,omitempty"`
	RefineAttempted  bool             `json:"refine_attempted"`
	RefineAttempts   int              `json:"refine_attempts"`
	Message          string           `json:"message"`
}

// Acquirer runs the confirm-and-retry acquisition flow.
type Acquirer struct {
	bridge    bridge.Client
	predictor Predictor
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Acquirer.
func New(b bridge.Client, p Predictor, cfg Config, logger *slog.Logger) *Acquirer {
	if cfg.ConfirmExposureSeconds <= 0 {
		cfg.ConfirmExposureSeconds = 8
	}
	if cfg.ConfirmBinning <= 0 {
		cfg.ConfirmBinning = 2
	}
	if cfg.ToleranceArcsec <= 0 {
		cfg.ToleranceArcsec = 120
	}
	if cfg.MaxRefineAttempts <= 0 {
		cfg.MaxRefineAttempts = 2
	}
	return &Acquirer{
		bridge:    b,
		predictor: p,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the wall clock for tests.
func (a *Acquirer) SetClock(now func() time.Time) {
	a.now = now
}

// Acquire centers on the candidate. Every hardware or solve failure is
// converted to a failed Result; nothing escapes the stage boundary.
func (a *Acquirer) Acquire(ctx context.Context, trksub, targetName, filter string) Result {
	// PREDICT
	predicted, err := a.predictor.Predict(ctx, trksub, a.now().UTC())
	if err != nil {
		return Result{
			State:   StateFailed,
			Message: fmt.Sprintf("position prediction failed: %v", err),
		}
	}
	result := Result{Predicted: predicted}

	a.logger.Info("acquisition slew",
		"target", targetName,
		"ra_deg", predicted.RADeg,
		"dec_deg", predicted.DecDeg)

	// SLEW
	if err := a.slewAndSettle(ctx, predicted.RADeg, predicted.DecDeg); err != nil {
		result.State = StateFailed
		result.Message = fmt.Sprintf("slew failed: %v", err)
		return result
	}
	if err := a.bridge.WaitForCameraIdle(ctx); err != nil {
		result.State = StateFailed
		result.Message = fmt.Sprintf("camera not idle: %v", err)
		return result
	}

	// CONFIRM_EXPOSE: tagged so downstream processing skips it.
	exposure, err := a.bridge.StartExposure(ctx, bridge.ExposureRequest{
		Filter:  filter,
		Binning: a.cfg.ConfirmBinning,
		Seconds: a.cfg.ConfirmExposureSeconds,
		Target:  targetName + "_ACQ",
		Solve:   true,
	})
	if err != nil {
		result.State = StateFailed
		result.Message = fmt.Sprintf("confirmation exposure failed: %v", err)
		return result
	}
	result.VerificationPath = exposure.FilePath

	// CONFIRM_SOLVE
	solvedRA, solvedDec, err := exposure.SolvedPosition()
	if err != nil {
		result.State = StateFailed
		result.Message = fmt.Sprintf("confirmation solve failed: %v", err)
		return result
	}
	solved := domain.Position{RADeg: solvedRA, DecDeg: solvedDec}
	result.Solved = &solved

	offset := transform.SeparationArcsec(predicted.RADeg, predicted.DecDeg, solvedRA, solvedDec)
	result.OffsetArcsec = &offset

	// CENTERED
	if offset <= a.cfg.ToleranceArcsec {
		result.Success = true
		result.State = StateCentered
		result.Message = fmt.Sprintf("acquired, offset %.1f arcsec", offset)
		return result
	}

	// OFFSET_TOO_LARGE → REFINE_SLEW: point at the solved position instead.
	// Best effort, no second verification exposure.
	a.logger.Warn("acquisition offset over tolerance, refining",
		"target", targetName,
		"offset_arcsec", offset,
		"tolerance_arcsec", a.cfg.ToleranceArcsec)

	result.RefineAttempted = true
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxRefineAttempts; attempt++ {
		result.RefineAttempts = attempt
		if lastErr = a.slewAndSettle(ctx, solvedRA, solvedDec); lastErr == nil {
			result.Success = true
			result.State = StateDone
			result.Message = fmt.Sprintf("acquired after refine, offset was %.1f arcsec", offset)
			return result
		}
		a.logger.Warn("refine slew failed",
			"target", targetName,
			"attempt", attempt,
			"error", lastErr)
	}

	result.State = StateFailed
	result.Message = fmt.Sprintf("refine slew failed after %d attempts: %v", a.cfg.MaxRefineAttempts, lastErr)
	return result
}

func (a *Acquirer) slewAndSettle(ctx context.Context, raDeg, decDeg float64) error {
	if err := a.bridge.Slew(ctx, raDeg, decDeg); err != nil {
		return err
	}
	return a.bridge.WaitForMountReady(ctx)
}
