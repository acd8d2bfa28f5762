// Package capture orchestrates the synchronous exposure flow: fresh
// position prediction, a bounded confirm-and-center loop on a short
// verification frame, the science exposure itself, plate solving, and
// source association against the predicted position. Every stage converts
// its failure into a typed Outcome so callers see how far the flow got.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/neo/neotrack/internal/bridge"
	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/metrics"
	"github.com/neo/neotrack/internal/solver"
	"github.com/neo/neotrack/internal/store"
	"github.com/neo/neotrack/internal/transform"
)

// Predictor supplies the target position at a given time.
type Predictor interface {
	Predict(ctx context.Context, trksub string, when time.Time) (domain.Position, error)
}

// Config tunes the confirmation loop and file handling.
type Config struct {
	// ImagesDir is where the camera software writes FITS files.
	ImagesDir string
	// ConfirmExposureSeconds is the short centering exposure length.
	ConfirmExposureSeconds float64
	ConfirmBinning         int
	// ConfirmMaxAttempts bounds the slew-confirm-solve loop.
	ConfirmMaxAttempts int
	// ToleranceArcsec is the accepted offset between aim point and solve.
	ToleranceArcsec float64
	// AssociationToleranceArcsec is the match radius for detected sources.
	AssociationToleranceArcsec float64
	// SolveRadiusDeg is the search radius handed to the plate solver.
	SolveRadiusDeg float64
	// ConfirmFileTimeout bounds the wait for the confirmation image file.
	// The science image wait is sized from the exposure length instead.
	ConfirmFileTimeout time.Duration
	StableFor          time.Duration
	StableTimeout      time.Duration
}

// DefaultConfig returns the standard capture tuning.
func DefaultConfig() Config {
	return Config{
		ImagesDir:                  "/data/fits",
		ConfirmExposureSeconds:     5,
		ConfirmBinning:             2,
		ConfirmMaxAttempts:         3,
		ToleranceArcsec:            120,
		AssociationToleranceArcsec: 10,
		SolveRadiusDeg:             2,
		ConfirmFileTimeout:         30 * time.Second,
		StableFor:                  2 * time.Second,
		StableTimeout:              30 * time.Second,
	}
}

// Request describes one science capture.
type Request struct {
	Target  string
	Trksub  string
	Seconds float64
	Filter  string
	Binning int
	Index   int
}

// Outcome is the terminal result of a capture flow. Partial state reached
// before a failure is carried along for the caller.
type Outcome struct {
	Success         bool             `json:"success"`
	CaptureID       string           `json:"capture_id,omitempty"`
	Path            string           `json:"path,omitempty"`
	Solved          bool             `json:"solved"`
	ConfirmAttempts int              `json:"confirm_attempts"`
	Predicted       *domain.Position `json:"predicted,omitempty"`
	SolvedPosition  *domain.Position `json:"solved_position,omitempty"`
	Associated      bool             `json:"associated"`
	ResidualArcsec  *float64         `json:"residual_arcsec,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// Orchestrator runs capture flows against the mount, camera, and solver.
type Orchestrator struct {
	store     *store.Store
	bridge    bridge.Client
	predictor Predictor
	solver    solver.Solver
	detector  solver.Detector
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(st *store.Store, b bridge.Client, p Predictor, sv solver.Solver, det solver.Detector, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.ConfirmExposureSeconds <= 0 {
		cfg.ConfirmExposureSeconds = 5
	}
	if cfg.ConfirmBinning <= 0 {
		cfg.ConfirmBinning = 2
	}
	if cfg.ConfirmMaxAttempts <= 0 {
		cfg.ConfirmMaxAttempts = 3
	}
	if cfg.ToleranceArcsec <= 0 {
		cfg.ToleranceArcsec = 120
	}
	if cfg.AssociationToleranceArcsec <= 0 {
		cfg.AssociationToleranceArcsec = 10
	}
	if cfg.SolveRadiusDeg <= 0 {
		cfg.SolveRadiusDeg = 2
	}
	if cfg.ConfirmFileTimeout <= 0 {
		cfg.ConfirmFileTimeout = 30 * time.Second
	}
	if cfg.StableFor <= 0 {
		cfg.StableFor = 2 * time.Second
	}
	if cfg.StableTimeout <= 0 {
		cfg.StableTimeout = 30 * time.Second
	}
	return &Orchestrator{
		store:     st,
		bridge:    b,
		predictor: p,
		solver:    sv,
		detector:  det,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the wall clock for tests.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// CaptureWithConfirmation runs one full capture: predict, center via the
// confirmation loop, expose, solve, and associate. Hardware and solve
// failures end the flow with a failed Outcome instead of an error.
func (o *Orchestrator) CaptureWithConfirmation(ctx context.Context, req Request) Outcome {
	o.logger.Info("starting capture",
		"target", req.Target,
		"trksub", req.Trksub,
		"exposure_seconds", req.Seconds,
		"filter", req.Filter,
		"binning", req.Binning)

	predicted, err := o.predictor.Predict(ctx, req.Trksub, o.now().UTC())
	if err != nil {
		return o.fail(Outcome{}, fmt.Sprintf("position prediction failed: %v", err))
	}
	out := Outcome{Predicted: &predicted}

	// Confirmation loop: slew to the aim point, take a short frame, solve
	// it, and re-aim at the solved position until the offset is inside
	// tolerance or the attempt budget runs out.
	aim := predicted
	var lastOffset float64
	centered := false
	for attempt := 1; attempt <= o.cfg.ConfirmMaxAttempts; attempt++ {
		out.ConfirmAttempts = attempt

		solved, offset, err := o.confirmOnce(ctx, req, aim)
		if err != nil {
			o.logger.Warn("confirmation attempt failed",
				"target", req.Target,
				"attempt", attempt,
				"error", err)
			if attempt == o.cfg.ConfirmMaxAttempts {
				o.recordConfirmation(ctx, req, aim, nil, domain.CaptureFailed, err.Error())
				return o.fail(out, fmt.Sprintf("confirmation failed after %d attempts: %v", attempt, err))
			}
			continue
		}

		lastOffset = offset
		if offset <= o.cfg.ToleranceArcsec {
			o.logger.Info("target centered",
				"target", req.Target,
				"attempt", attempt,
				"offset_arcsec", offset)
			aim = solved
			centered = true
			break
		}

		o.logger.Warn("confirmation offset over tolerance, re-aiming at solved position",
			"target", req.Target,
			"attempt", attempt,
			"offset_arcsec", offset,
			"tolerance_arcsec", o.cfg.ToleranceArcsec)
		aim = solved
	}
	if !centered {
		o.recordConfirmation(ctx, req, predicted, &aim, domain.CaptureFailed,
			fmt.Sprintf("final offset %.1f arcsec", lastOffset))
		return o.fail(out, fmt.Sprintf("failed to center after %d attempts, offset %.1f arcsec",
			o.cfg.ConfirmMaxAttempts, lastOffset))
	}
	o.recordConfirmation(ctx, req, predicted, &aim, domain.CaptureSucceeded, "")

	// Science exposure at the confirmed position.
	out.CaptureID = uuid.NewString()
	if err := o.bridge.WaitForCameraIdle(ctx); err != nil {
		o.recordScience(ctx, req, out, aim, domain.CaptureFailed, err.Error())
		return o.fail(out, fmt.Sprintf("camera not idle: %v", err))
	}
	exposure, err := o.bridge.StartExposure(ctx, bridge.ExposureRequest{
		Filter:  req.Filter,
		Binning: req.Binning,
		Seconds: req.Seconds,
		Target:  req.Target,
		Solve:   false,
	})
	if err != nil {
		o.recordScience(ctx, req, out, aim, domain.CaptureFailed, err.Error())
		return o.fail(out, fmt.Sprintf("science exposure failed: %v", err))
	}

	fileTimeout := time.Duration(req.Seconds*float64(time.Second)) + time.Minute
	path, err := o.resolvePath(ctx, exposure, req.Target, fileTimeout)
	if err != nil {
		o.recordScience(ctx, req, out, aim, domain.CaptureFailed, err.Error())
		return o.fail(out, fmt.Sprintf("science image not created: %v", err))
	}
	out.Path = path

	// Local plate solve; a failure here still leaves a usable image on disk.
	solution, err := o.solver.Solve(ctx, path, &aim, o.cfg.SolveRadiusDeg)
	if err != nil {
		o.logger.Error("science solve failed", "target", req.Target, "path", path, "error", err)
		o.recordScience(ctx, req, out, aim, domain.CaptureSolveFailed, err.Error())
		metrics.RecordCaptureOutcome(string(domain.CaptureSolveFailed))
		out.Success = true
		out.Error = fmt.Sprintf("solve failed: %v", err)
		return out
	}
	solvedPos := domain.Position{RADeg: solution.RADeg, DecDeg: solution.DecDeg}
	out.SolvedPosition = &solvedPos
	out.Solved = true

	// Associate the nearest detected source with the predicted position.
	detections, err := o.detector.Detect(ctx, path)
	if err != nil {
		o.logger.Warn("source detection failed", "target", req.Target, "error", err)
	} else if match := solver.FindBestMatch(detections, aim, o.cfg.AssociationToleranceArcsec); match != nil {
		residual := match.SeparationArcsec
		out.Associated = true
		out.ResidualArcsec = &residual
		o.logger.Info("source associated",
			"target", req.Target,
			"residual_arcsec", residual)
	} else {
		o.logger.Warn("no source matched predicted position",
			"target", req.Target,
			"detections", len(detections),
			"tolerance_arcsec", o.cfg.AssociationToleranceArcsec)
	}

	o.recordScience(ctx, req, out, aim, domain.CaptureSucceeded, "")
	metrics.RecordCaptureOutcome(string(domain.CaptureSucceeded))
	out.Success = true
	return out
}

// confirmOnce runs a single slew, confirmation frame, and solve. It returns
// the solved position and its offset in arcsec from the aim point.
func (o *Orchestrator) confirmOnce(ctx context.Context, req Request, aim domain.Position) (domain.Position, float64, error) {
	if err := o.slewAndSettle(ctx, aim); err != nil {
		return domain.Position{}, 0, fmt.Errorf("slew: %w", err)
	}
	if err := o.bridge.WaitForCameraIdle(ctx); err != nil {
		return domain.Position{}, 0, fmt.Errorf("camera not idle: %w", err)
	}

	confirmTarget := req.Target + "-CONFIRM"
	exposure, err := o.bridge.StartExposure(ctx, bridge.ExposureRequest{
		Filter:  req.Filter,
		Binning: o.cfg.ConfirmBinning,
		Seconds: o.cfg.ConfirmExposureSeconds,
		Target:  confirmTarget,
		Solve:   false,
	})
	if err != nil {
		return domain.Position{}, 0, fmt.Errorf("confirmation exposure: %w", err)
	}

	path, err := o.resolvePath(ctx, exposure, confirmTarget, o.cfg.ConfirmFileTimeout)
	if err != nil {
		return domain.Position{}, 0, fmt.Errorf("confirmation image: %w", err)
	}

	solution, err := o.solver.Solve(ctx, path, &aim, o.cfg.SolveRadiusDeg)
	if err != nil {
		return domain.Position{}, 0, fmt.Errorf("confirmation solve: %w", err)
	}
	solved := domain.Position{RADeg: solution.RADeg, DecDeg: solution.DecDeg}
	offset := transform.SeparationArcsec(aim.RADeg, aim.DecDeg, solved.RADeg, solved.DecDeg)
	return solved, offset, nil
}

// resolvePath returns the image path for an exposure, polling the image
// directory when the camera response does not carry one, then waits for the
// writer to finish. A stability timeout is logged and tolerated.
func (o *Orchestrator) resolvePath(ctx context.Context, exposure bridge.ExposureResult, targetName string, timeout time.Duration) (string, error) {
	path := exposure.FilePath
	if path == "" {
		found, err := PollForFile(ctx, o.cfg.ImagesDir, targetName, timeout)
		if err != nil {
			return "", err
		}
		path = found
	}
	if err := WaitForFileSizeStable(ctx, path, o.cfg.StableFor, o.cfg.StableTimeout); err != nil {
		o.logger.Warn("file size did not stabilize, continuing", "path", path, "error", err)
	}
	return path, nil
}

func (o *Orchestrator) slewAndSettle(ctx context.Context, p domain.Position) error {
	if err := o.bridge.Slew(ctx, p.RADeg, p.DecDeg); err != nil {
		return err
	}
	return o.bridge.WaitForMountReady(ctx)
}

func (o *Orchestrator) fail(out Outcome, msg string) Outcome {
	o.logger.Error("capture failed", "error", msg)
	metrics.RecordCaptureOutcome(string(domain.CaptureFailed))
	out.Success = false
	out.Error = msg
	return out
}

func (o *Orchestrator) recordConfirmation(ctx context.Context, req Request, predicted domain.Position, solved *domain.Position, outcome domain.CaptureOutcome, errMsg string) {
	log := domain.CaptureLog{
		ID:             uuid.NewString(),
		Target:         req.Target,
		Index:          req.Index,
		Kind:           "confirmation",
		PredictedRADeg: &predicted.RADeg,
		PredictedDec:   &predicted.DecDeg,
		Outcome:        outcome,
		Error:          errMsg,
		CreatedAt:      o.now().UTC(),
	}
	if solved != nil {
		log.SolvedRADeg = &solved.RADeg
		log.SolvedDecDeg = &solved.DecDeg
	}
	o.record(ctx, log)
}

func (o *Orchestrator) recordScience(ctx context.Context, req Request, out Outcome, aim domain.Position, outcome domain.CaptureOutcome, errMsg string) {
	log := domain.CaptureLog{
		ID:             out.CaptureID,
		Target:         req.Target,
		Index:          req.Index,
		Kind:           "science",
		PredictedRADeg: &aim.RADeg,
		PredictedDec:   &aim.DecDeg,
		Path:           out.Path,
		Outcome:        outcome,
		Error:          errMsg,
		CreatedAt:      o.now().UTC(),
	}
	if out.SolvedPosition != nil {
		log.SolvedRADeg = &out.SolvedPosition.RADeg
		log.SolvedDecDeg = &out.SolvedPosition.DecDeg
	}
	o.record(ctx, log)
}

func (o *Orchestrator) record(ctx context.Context, c domain.CaptureLog) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := o.store.InsertCaptureLog(ctx, c); err != nil {
		o.logger.Error("persisting capture log", "target", c.Target, "error", err)
	}
}
