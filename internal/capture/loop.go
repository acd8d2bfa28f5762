package capture

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/neo/neotrack/internal/bridge"
	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/metrics"
	"github.com/neo/neotrack/internal/preset"
	"github.com/neo/neotrack/internal/transform"
)

// Sequence describes a multi-exposure plan for one target. Fallback is the
// static feed position used when prediction is unavailable for a frame.
type Sequence struct {
	Target   string
	Trksub   string
	Fallback domain.Position
	Plan     preset.Preset
}

// SequenceResult summarizes a completed exposure loop.
type SequenceResult struct {
	Target    string `json:"target"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// RunSequence runs the multi-exposure loop for one target. Each frame gets a
// fresh position prediction and a single-pass confirm-and-correct before the
// science exposure. A failed frame is logged and the loop proceeds to the
// next one; retrying the same frame risks an endless slew cycle when the
// camera software rejects captures. proceed, when non-nil, is checked before
// each frame so a paused or ended session stops the loop.
func (o *Orchestrator) RunSequence(ctx context.Context, seq Sequence, proceed func() bool) SequenceResult {
	result := SequenceResult{Target: seq.Target}

	for idx := 1; idx <= seq.Plan.Count; idx++ {
		if ctx.Err() != nil {
			o.logger.Warn("sequence canceled", "target", seq.Target, "frame", idx)
			break
		}
		if proceed != nil && !proceed() {
			o.logger.Warn("session no longer active, stopping sequence",
				"target", seq.Target,
				"frame", idx)
			break
		}

		aim := o.predictFrame(ctx, seq)
		o.logger.Info("frame aim point",
			"target", seq.Target,
			"frame", idx,
			"count", seq.Plan.Count,
			"ra_deg", aim.RADeg,
			"dec_deg", aim.DecDeg)

		if err := o.slewAndSettle(ctx, aim); err != nil {
			o.logger.Error("frame slew failed",
				"target", seq.Target, "frame", idx, "error", err)
			result.Failed++
			metrics.RecordCaptureOutcome(string(domain.CaptureFailed))
			continue
		}
		if err := o.bridge.WaitForCameraIdle(ctx); err != nil {
			o.logger.Error("camera not idle",
				"target", seq.Target, "frame", idx, "error", err)
			result.Failed++
			metrics.RecordCaptureOutcome(string(domain.CaptureFailed))
			continue
		}

		o.confirmInline(ctx, seq, aim)

		result.Attempted++
		exposure, err := o.bridge.StartExposure(ctx, bridge.ExposureRequest{
			Filter:  seq.Plan.Filter,
			Binning: seq.Plan.Binning,
			Seconds: seq.Plan.ExposureSeconds,
			Target:  seq.Target,
			Solve:   false,
		})
		if err != nil {
			o.logger.Error("science exposure failed",
				"target", seq.Target, "frame", idx, "error", err)
			o.record(ctx, domain.CaptureLog{
				ID:             uuid.NewString(),
				Target:         seq.Target,
				Index:          idx,
				Kind:           "science",
				PredictedRADeg: &aim.RADeg,
				PredictedDec:   &aim.DecDeg,
				Outcome:        domain.CaptureFailed,
				Error:          err.Error(),
				CreatedAt:      o.now().UTC(),
			})
			result.Failed++
			metrics.RecordCaptureOutcome(string(domain.CaptureFailed))
			continue
		}

		o.record(ctx, domain.CaptureLog{
			ID:             uuid.NewString(),
			Target:         seq.Target,
			Index:          idx,
			Kind:           "science",
			PredictedRADeg: &aim.RADeg,
			PredictedDec:   &aim.DecDeg,
			Path:           exposure.FilePath,
			Outcome:        domain.CaptureSucceeded,
			CreatedAt:      o.now().UTC(),
		})
		result.Succeeded++
		metrics.RecordCaptureOutcome(string(domain.CaptureSucceeded))

		if idx < seq.Plan.Count {
			sleepCtx(ctx, time.Duration(seq.Plan.DelaySeconds*float64(time.Second)))
		}
	}

	o.logger.Info("sequence complete",
		"target", seq.Target,
		"attempted", result.Attempted,
		"succeeded", result.Succeeded,
		"failed", result.Failed)
	return result
}

// predictFrame returns a fresh position for the frame, falling back to the
// static feed coordinates when prediction fails.
func (o *Orchestrator) predictFrame(ctx context.Context, seq Sequence) domain.Position {
	if seq.Trksub == "" {
		return seq.Fallback
	}
	predicted, err := o.predictor.Predict(ctx, seq.Trksub, o.now().UTC())
	if err != nil {
		o.logger.Warn("frame prediction failed, using static position",
			"target", seq.Target,
			"trksub", seq.Trksub,
			"error", err)
		return seq.Fallback
	}
	return predicted
}

// confirmInline is the lighter per-frame centering check: one short frame
// solved by the camera software, with at most one corrective re-slew. Every
// failure is tolerated; the science exposure proceeds on the current
// pointing either way.
func (o *Orchestrator) confirmInline(ctx context.Context, seq Sequence, aim domain.Position) {
	exposure, err := o.bridge.StartExposure(ctx, bridge.ExposureRequest{
		Filter:  seq.Plan.Filter,
		Binning: o.cfg.ConfirmBinning,
		Seconds: o.cfg.ConfirmExposureSeconds,
		Target:  seq.Target + "-CONFIRM",
		Solve:   true,
	})
	if err != nil {
		o.logger.Warn("confirmation exposure failed, continuing with predicted position",
			"target", seq.Target, "error", err)
		return
	}
	solvedRA, solvedDec, err := exposure.SolvedPosition()
	if err != nil {
		o.logger.Warn("confirmation solve unusable, continuing with predicted position",
			"target", seq.Target, "error", err)
		return
	}

	offset := transform.SeparationArcsec(aim.RADeg, aim.DecDeg, solvedRA, solvedDec)
	if offset <= o.cfg.ToleranceArcsec {
		o.logger.Info("pointing confirmed",
			"target", seq.Target,
			"offset_arcsec", offset)
		return
	}

	o.logger.Warn("pointing offset over tolerance, re-slewing to solved position",
		"target", seq.Target,
		"offset_arcsec", offset,
		"tolerance_arcsec", o.cfg.ToleranceArcsec)
	if err := o.slewAndSettle(ctx, domain.Position{RADeg: solvedRA, DecDeg: solvedDec}); err != nil {
		o.logger.Warn("corrective re-slew failed", "target", seq.Target, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
