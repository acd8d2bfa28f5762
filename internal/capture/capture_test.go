package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/neo/neotrack/internal/bridge"
	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/preset"
	"github.com/neo/neotrack/internal/solver"
	"github.com/neo/neotrack/internal/store"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

type fakePredictor struct {
	position domain.Position
	err      error
}

func (p fakePredictor) Predict(ctx context.Context, trksub string, when time.Time) (domain.Position, error) {
	if p.err != nil {
		return domain.Position{}, p.err
	}
	return p.position, nil
}

// fakeBridge records slews and exposure targets. Confirmation exposures are
// recognized by the "-CONFIRM" target suffix and served from a separate
// scripted result.
type fakeBridge struct {
	slews   []domain.Position
	slewErr error

	targets       []string
	confirm       bridge.ExposureResult
	confirmErr    error
	science       bridge.ExposureResult
	scienceErr    error
	scienceCalls  int
	scienceFailOn int // 1-based science call that fails; 0 disables
}

func (b *fakeBridge) Connect(ctx context.Context) error { return nil }
func (b *fakeBridge) Park(ctx context.Context) error    { return nil }

func (b *fakeBridge) Slew(ctx context.Context, raDeg, decDeg float64) error {
	if b.slewErr != nil {
		return b.slewErr
	}
	b.slews = append(b.slews, domain.Position{RADeg: raDeg, DecDeg: decDeg})
	return nil
}

func (b *fakeBridge) StartExposure(ctx context.Context, req bridge.ExposureRequest) (bridge.ExposureResult, error) {
	b.targets = append(b.targets, req.Target)
	if strings.HasSuffix(req.Target, "-CONFIRM") {
		if b.confirmErr != nil {
			return bridge.ExposureResult{}, b.confirmErr
		}
		return b.confirm, nil
	}
	b.scienceCalls++
	if b.scienceErr != nil && (b.scienceFailOn == 0 || b.scienceCalls == b.scienceFailOn) {
		return bridge.ExposureResult{}, b.scienceErr
	}
	return b.science, nil
}

func (b *fakeBridge) WaitForMountReady(ctx context.Context) error { return nil }
func (b *fakeBridge) WaitForCameraIdle(ctx context.Context) error { return nil }

// fakeSolver serves scripted solutions in call order; the last entry repeats.
type fakeSolver struct {
	solutions []solver.Solution
	errs      []error
	calls     int
}

func (s *fakeSolver) Solve(ctx context.Context, imagePath string, hint *domain.Position, radiusDeg float64) (solver.Solution, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return solver.Solution{}, s.errs[i]
	}
	if len(s.solutions) == 0 {
		return solver.Solution{}, errors.New("no scripted solution")
	}
	if i >= len(s.solutions) {
		i = len(s.solutions) - 1
	}
	return s.solutions[i], nil
}

type fakeDetector struct {
	detections []solver.Detection
	err        error
}

func (d *fakeDetector) Detect(ctx context.Context, imagePath string) ([]solver.Detection, error) {
	return d.detections, d.err
}

func solution(ra, dec float64) solver.Solution {
	return solver.Solution{RADeg: ra, DecDeg: dec, PixelScale: 1.8}
}

func newTestOrchestrator(t *testing.T, b bridge.Client, sv solver.Solver, det solver.Detector, p Predictor) (*Orchestrator, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "neotrack.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	cfg := DefaultConfig()
	cfg.ImagesDir = t.TempDir()
	cfg.ConfirmFileTimeout = 200 * time.Millisecond
	cfg.StableFor = 20 * time.Millisecond
	cfg.StableTimeout = 100 * time.Millisecond
	return NewOrchestrator(st, b, p, sv, det, cfg, testLogger), st
}

func exposureAt(path string) bridge.ExposureResult {
	return bridge.ExposureResult{FilePath: path}
}

func TestCaptureWithConfirmationHappyPath(t *testing.T) {
	b := &fakeBridge{
		confirm: exposureAt("/data/NT001-CONFIRM_0000.fits"),
		science: exposureAt("/data/NT001_0000.fits"),
	}
	sv := &fakeSolver{solutions: []solver.Solution{
		solution(10.0001, 20.0001), // confirm, well inside 120"
		solution(10.0002, 20.0001), // science
	}}
	det := &fakeDetector{detections: []solver.Detection{
		{RADeg: 10.0002, DecDeg: 20.0002, Flux: 900},
	}}
	o, st := newTestOrchestrator(t, b, sv, det, fakePredictor{position: domain.Position{RADeg: 10, DecDeg: 20}})

	out := o.CaptureWithConfirmation(context.Background(), Request{
		Target: "NT001", Trksub: "P21xQrs", Seconds: 60, Filter: "L", Binning: 1, Index: 1,
	})
	if !out.Success || !out.Solved {
		t.Fatalf("outcome = %+v", out)
	}
	if out.ConfirmAttempts != 1 {
		t.Errorf("confirm attempts = %d, want 1", out.ConfirmAttempts)
	}
	if !out.Associated || out.ResidualArcsec == nil || *out.ResidualArcsec > 10 {
		t.Errorf("association = %+v residual %v", out.Associated, out.ResidualArcsec)
	}
	if out.Path != "/data/NT001_0000.fits" {
		t.Errorf("path = %s", out.Path)
	}
	if len(b.slews) != 1 {
		t.Errorf("slew count = %d, want 1", len(b.slews))
	}

	logs, err := st.ListCaptureLogs(context.Background(), "NT001", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("capture logs = %d, want confirmation + science", len(logs))
	}
	kinds := map[string]domain.CaptureOutcome{}
	for _, l := range logs {
		kinds[l.Kind] = l.Outcome
	}
	if kinds["confirmation"] != domain.CaptureSucceeded || kinds["science"] != domain.CaptureSucceeded {
		t.Errorf("log outcomes = %v", kinds)
	}
}

func TestCaptureConfirmationRecentersOnce(t *testing.T) {
	b := &fakeBridge{
		confirm: exposureAt("/data/NT002-CONFIRM_0000.fits"),
		science: exposureAt("/data/NT002_0000.fits"),
	}
	// First confirm solve lands ~169" off the aim point; the loop re-aims at
	// the solved position and the second solve matches it.
	sv := &fakeSolver{solutions: []solver.Solution{
		solution(10.05, 20.0),
		solution(10.05, 20.0),
		solution(10.0501, 20.0), // science
	}}
	o, _ := newTestOrchestrator(t, b, sv, &fakeDetector{}, fakePredictor{position: domain.Position{RADeg: 10, DecDeg: 20}})

	out := o.CaptureWithConfirmation(context.Background(), Request{
		Target: "NT002", Trksub: "ZTF0042", Seconds: 60, Filter: "L", Binning: 1,
	})
	if !out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if out.ConfirmAttempts != 2 {
		t.Errorf("confirm attempts = %d, want 2", out.ConfirmAttempts)
	}
	if len(b.slews) != 2 {
		t.Fatalf("slew count = %d, want one per confirm attempt", len(b.slews))
	}
	if b.slews[1].RADeg != 10.05 {
		t.Errorf("second slew went to %+v, want first solved position", b.slews[1])
	}
}

func TestCaptureConfirmationExhaustsAttempts(t *testing.T) {
	b := &fakeBridge{
		confirm: exposureAt("/data/NT003-CONFIRM_0000.fits"),
		science: exposureAt("/data/NT003_0000.fits"),
	}
	// Every solve lands ~169" from the latest aim point so centering never
	// converges.
	sv := &fakeSolver{solutions: []solver.Solution{
		solution(10.05, 20.0),
		solution(10.10, 20.0),
		solution(10.15, 20.0),
	}}
	o, st := newTestOrchestrator(t, b, sv, &fakeDetector{}, fakePredictor{position: domain.Position{RADeg: 10, DecDeg: 20}})

	out := o.CaptureWithConfirmation(context.Background(), Request{
		Target: "NT003", Trksub: "ZTF0043", Seconds: 60, Filter: "L", Binning: 1,
	})
	if out.Success {
		t.Fatalf("outcome = %+v, want failure", out)
	}
	if out.ConfirmAttempts != 3 {
		t.Errorf("confirm attempts = %d, want full budget", out.ConfirmAttempts)
	}
	if !strings.Contains(out.Error, "center") {
		t.Errorf("error = %q", out.Error)
	}
	for _, target := range b.targets {
		if !strings.HasSuffix(target, "-CONFIRM") {
			t.Errorf("science exposure %q taken despite failed confirmation", target)
		}
	}

	logs, err := st.ListCaptureLogs(context.Background(), "NT003", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Kind != "confirmation" || logs[0].Outcome != domain.CaptureFailed {
		t.Errorf("logs = %+v", logs)
	}
}

func TestCapturePredictionFailure(t *testing.T) {
	b := &fakeBridge{}
	o, _ := newTestOrchestrator(t, b, &fakeSolver{}, &fakeDetector{}, fakePredictor{err: errors.New("ephemeris not available")})

	out := o.CaptureWithConfirmation(context.Background(), Request{Target: "NT004", Trksub: "X"})
	if out.Success || out.ConfirmAttempts != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if len(b.slews) != 0 {
		t.Error("no hardware action expected without a prediction")
	}
}

func TestCapturePollsImagesDirWhenNoPathReturned(t *testing.T) {
	b := &fakeBridge{} // exposures carry no file path
	sv := &fakeSolver{solutions: []solver.Solution{
		solution(10.0001, 20.0),
		solution(10.0001, 20.0),
	}}
	o, _ := newTestOrchestrator(t, b, sv, &fakeDetector{}, fakePredictor{position: domain.Position{RADeg: 10, DecDeg: 20}})

	dir := o.cfg.ImagesDir
	writeFile(t, filepath.Join(dir, "NT005-CONFIRM_0000.fits"))
	writeFile(t, filepath.Join(dir, "NT005_0000.fits"))

	out := o.CaptureWithConfirmation(context.Background(), Request{
		Target: "NT005", Trksub: "P21xQrs", Seconds: 0.1, Filter: "L", Binning: 1,
	})
	if !out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if filepath.Base(out.Path) != "NT005_0000.fits" {
		t.Errorf("path = %s, want polled science image", out.Path)
	}
}

func TestCaptureScienceSolveFailure(t *testing.T) {
	b := &fakeBridge{
		confirm: exposureAt("/data/NT006-CONFIRM_0000.fits"),
		science: exposureAt("/data/NT006_0000.fits"),
	}
	sv := &fakeSolver{
		solutions: []solver.Solution{solution(10.0001, 20.0)},
		errs:      []error{nil, errors.New("too few stars")},
	}
	o, st := newTestOrchestrator(t, b, sv, &fakeDetector{}, fakePredictor{position: domain.Position{RADeg: 10, DecDeg: 20}})

	out := o.CaptureWithConfirmation(context.Background(), Request{
		Target: "NT006", Trksub: "ZTF0044", Seconds: 60, Filter: "L", Binning: 1,
	})
	// The image exists on disk, so the capture counts even without a solve.
	if !out.Success || out.Solved {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Error == "" {
		t.Error("expected solve failure message")
	}

	logs, err := st.ListCaptureLogs(context.Background(), "NT006", 10)
	if err != nil {
		t.Fatal(err)
	}
	var science *domain.CaptureLog
	for i := range logs {
		if logs[i].Kind == "science" {
			science = &logs[i]
		}
	}
	if science == nil || science.Outcome != domain.CaptureSolveFailed {
		t.Errorf("science log = %+v", science)
	}
}

func TestCaptureAssociationMiss(t *testing.T) {
	b := &fakeBridge{
		confirm: exposureAt("/data/NT007-CONFIRM_0000.fits"),
		science: exposureAt("/data/NT007_0000.fits"),
	}
	sv := &fakeSolver{solutions: []solver.Solution{
		solution(10.0001, 20.0),
		solution(10.0001, 20.0),
	}}
	det := &fakeDetector{detections: []solver.Detection{
		{RADeg: 10.5, DecDeg: 20.5, Flux: 200}, // far outside 10"
	}}
	o, _ := newTestOrchestrator(t, b, sv, det, fakePredictor{position: domain.Position{RADeg: 10, DecDeg: 20}})

	out := o.CaptureWithConfirmation(context.Background(), Request{
		Target: "NT007", Trksub: "ZTF0045", Seconds: 60, Filter: "L", Binning: 1,
	})
	if !out.Success || !out.Solved {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Associated || out.ResidualArcsec != nil {
		t.Errorf("unexpected association: %+v", out)
	}
}

func sequencePlan(count int) preset.Preset {
	return preset.Preset{
		Name:            "test",
		ExposureSeconds: 0.1,
		Count:           count,
		Filter:          "L",
		Binning:         1,
		DelaySeconds:    0,
	}
}

func centeredConfirm(ra, dec float64) bridge.ExposureResult {
	r := ra
	d := dec
	return bridge.ExposureResult{
		FilePath: "/data/confirm.fits",
		Solve:    &bridge.PlateSolve{Success: true, RADeg: &r, DecDeg: &d},
	}
}

func TestRunSequenceCapturesAllFrames(t *testing.T) {
	b := &fakeBridge{
		confirm: centeredConfirm(10.0001, 20.0),
		science: exposureAt("/data/NT010_0000.fits"),
	}
	o, st := newTestOrchestrator(t, b, &fakeSolver{}, &fakeDetector{}, fakePredictor{position: domain.Position{RADeg: 10, DecDeg: 20}})

	result := o.RunSequence(context.Background(), Sequence{
		Target: "NT010", Trksub: "P21xQrs", Plan: sequencePlan(3),
	}, nil)
	if result.Attempted != 3 || result.Succeeded != 3 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(b.slews) != 3 {
		t.Errorf("slew count = %d, want one per frame", len(b.slews))
	}

	logs, err := st.ListCaptureLogs(context.Background(), "NT010", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Errorf("capture logs = %d, want 3", len(logs))
	}
}

func TestRunSequenceStopsWhenSessionInactive(t *testing.T) {
	b := &fakeBridge{
		confirm: centeredConfirm(10.0001, 20.0),
		science: exposureAt("/data/NT011_0000.fits"),
	}
	o, _ := newTestOrchestrator(t, b, &fakeSolver{}, &fakeDetector{}, fakePredictor{position: domain.Position{RADeg: 10, DecDeg: 20}})

	frames := 0
	result := o.RunSequence(context.Background(), Sequence{
		Target: "NT011", Trksub: "P21xQrs", Plan: sequencePlan(5),
	}, func() bool {
		frames++
		return frames <= 2
	})
	if result.Attempted != 2 {
		t.Errorf("attempted = %d, want loop stopped after 2 frames", result.Attempted)
	}
}

func TestRunSequenceProceedsPastFailedFrame(t *testing.T) {
	b := &fakeBridge{
		confirm:       centeredConfirm(10.0001, 20.0),
		science:       exposureAt("/data/NT012_0000.fits"),
		scienceErr:    errors.New("camera rejected capture"),
		scienceFailOn: 2,
	}
	o, _ := newTestOrchestrator(t, b, &fakeSolver{}, &fakeDetector{}, fakePredictor{position: domain.Position{RADeg: 10, DecDeg: 20}})

	result := o.RunSequence(context.Background(), Sequence{
		Target: "NT012", Trksub: "P21xQrs", Plan: sequencePlan(3),
	}, nil)
	if result.Attempted != 3 || result.Succeeded != 2 || result.Failed != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestRunSequenceReslewsOnLargeConfirmOffset(t *testing.T) {
	// Inline confirm solve lands ~169" from the aim point, which should
	// trigger a single corrective re-slew before the science exposure.
	b := &fakeBridge{
		confirm: centeredConfirm(10.05, 20.0),
		science: exposureAt("/data/NT013_0000.fits"),
	}
	o, _ := newTestOrchestrator(t, b, &fakeSolver{}, &fakeDetector{}, fakePredictor{position: domain.Position{RADeg: 10, DecDeg: 20}})

	result := o.RunSequence(context.Background(), Sequence{
		Target: "NT013", Trksub: "P21xQrs", Plan: sequencePlan(1),
	}, nil)
	if result.Succeeded != 1 {
		t.Fatalf("result = %+v", result)
	}
	if len(b.slews) != 2 {
		t.Fatalf("slew count = %d, want aim + corrective re-slew", len(b.slews))
	}
	if b.slews[1].RADeg != 10.05 {
		t.Errorf("corrective slew went to %+v, want solved position", b.slews[1])
	}
}

func TestRunSequenceFallsBackToStaticPosition(t *testing.T) {
	b := &fakeBridge{
		confirm: centeredConfirm(11.0001, 21.0),
		science: exposureAt("/data/NT014_0000.fits"),
	}
	o, _ := newTestOrchestrator(t, b, &fakeSolver{}, &fakeDetector{}, fakePredictor{err: errors.New("ephemeris not available")})

	result := o.RunSequence(context.Background(), Sequence{
		Target:   "NT014",
		Trksub:   "ZTF0050",
		Fallback: domain.Position{RADeg: 11, DecDeg: 21},
		Plan:     sequencePlan(1),
	}, nil)
	if result.Succeeded != 1 {
		t.Fatalf("result = %+v", result)
	}
	if len(b.slews) == 0 || b.slews[0].RADeg != 11 {
		t.Errorf("slews = %+v, want fallback position", b.slews)
	}
}
