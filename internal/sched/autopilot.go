package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/neo/neotrack/internal/capture"
	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/preset"
	"github.com/neo/neotrack/internal/scoring"
	"github.com/neo/neotrack/internal/session"
	"github.com/neo/neotrack/internal/store"
)

// Typed kickoff refusals. API handlers map these to status codes.
var (
	ErrSequenceRunning = errors.New("capture sequence already running")
	ErrSessionPaused   = errors.New("session is paused")
	ErrNoTarget        = errors.New("no observable target")
	ErrMissingCoords   = errors.New("target is missing coordinates")
)

// SequenceRunner executes a capture sequence. *capture.Orchestrator
// satisfies it.
type SequenceRunner interface {
	RunSequence(ctx context.Context, seq capture.Sequence, proceed func() bool) capture.SequenceResult
}

// Plan is the kickoff descriptor: which target will be imaged and how.
type Plan struct {
	Trksub   string          `json:"trksub"`
	Position domain.Position `json:"position"`
	Score    float64         `json:"score"`
	Preset   preset.Preset   `json:"preset"`
}

// AutoPilot chooses the next target and drives capture sequences through
// the serial queue.
type AutoPilot struct {
	store    *store.Store
	sessions *session.Manager
	scorer   *scoring.Scorer
	presets  *preset.Resolver
	runner   SequenceRunner
	queue    *Queue
	logger   *slog.Logger
	now      func() time.Time

	// running is the single scheduling guard: one sequence at a time.
	running atomic.Bool
}

// NewAutoPilot creates an AutoPilot.
func NewAutoPilot(st *store.Store, sessions *session.Manager, scorer *scoring.Scorer, presets *preset.Resolver, runner SequenceRunner, queue *Queue, logger *slog.Logger) *AutoPilot {
	return &AutoPilot{
		store:    st,
		sessions: sessions,
		scorer:   scorer,
		presets:  presets,
		runner:   runner,
		queue:    queue,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the wall clock for tests.
func (p *AutoPilot) SetClock(now func() time.Time) {
	p.now = now
}

// Running reports whether a sequence is in flight or queued.
func (p *AutoPilot) Running() bool {
	return p.running.Load()
}

// BeginManual claims the scheduling guard for a manual mount operation.
// Manual acquires and queued sequences share one guard, so neither can
// slew while the other is driving the mount.
func (p *AutoPilot) BeginManual() error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrSequenceRunning
	}
	return nil
}

// EndManual releases the guard claimed by BeginManual.
func (p *AutoPilot) EndManual() {
	p.running.Store(false)
}

// Kickoff chooses the next target, builds its exposure plan, and submits the
// sequence to the queue. It returns the plan descriptor immediately; the
// sequence runs on the queue worker. In auto mode the worker keeps choosing
// follow-up targets until none remain or the session leaves auto/active.
func (p *AutoPilot) Kickoff(ctx context.Context) (Plan, error) {
	if p.sessions.Paused() {
		return Plan{}, ErrSessionPaused
	}
	if !p.running.CompareAndSwap(false, true) {
		return Plan{}, ErrSequenceRunning
	}

	plan, err := p.choose(ctx)
	if err != nil {
		p.running.Store(false)
		return Plan{}, err
	}

	task := Task{
		Name: "capture_sequence_" + plan.Trksub,
		// A failed sequence submission retried blindly would re-slew the
		// mount; the sequence itself already retries per frame.
		Retries: 1,
		Run: func(ctx context.Context) error {
			return p.runSequences(ctx, plan)
		},
	}
	if err := p.queue.Submit(task); err != nil {
		p.running.Store(false)
		return Plan{}, fmt.Errorf("submitting sequence: %w", err)
	}

	p.logger.Info("kickoff scheduled",
		"trksub", plan.Trksub,
		"score", plan.Score,
		"preset", plan.Preset.Name)
	return plan, nil
}

// runSequences drives the selected plan and, in auto mode, keeps choosing
// follow-up targets in an explicit loop on the worker goroutine.
func (p *AutoPilot) runSequences(ctx context.Context, plan Plan) error {
	defer p.running.Store(false)

	current := plan
	for {
		result := p.runner.RunSequence(ctx, capture.Sequence{
			Target:   current.Trksub,
			Trksub:   current.Trksub,
			Fallback: current.Position,
			Plan:     current.Preset,
		}, p.sessions.ShouldContinue)

		if result.Succeeded > 0 {
			// Feed the already-imaged exclusion even when some frames failed.
			p.sessions.AddCapture(domain.CaptureLog{
				Target:    current.Trksub,
				Kind:      "science",
				Outcome:   domain.CaptureSucceeded,
				CreatedAt: p.now().UTC(),
			})
		}
		if result.Attempted > 0 && result.Succeeded == 0 {
			return fmt.Errorf("sequence for %s: all %d frames failed", current.Trksub, result.Failed)
		}

		mode, _ := p.sessions.TargetMode()
		if mode != domain.ModeAuto || !p.sessions.ShouldContinue() {
			return nil
		}
		next, err := p.choose(ctx)
		if errors.Is(err, ErrNoTarget) {
			p.logger.Info("auto-pilot done, no further observable targets")
			return nil
		}
		if err != nil {
			return fmt.Errorf("choosing next target: %w", err)
		}
		current = next
	}
}

// choose resolves the next target per the session's mode: the pinned manual
// target if still inside its window, or the highest-composite observable
// candidate not yet imaged this session.
func (p *AutoPilot) choose(ctx context.Context) (Plan, error) {
	now := p.now().UTC()
	observable, err := p.store.ListObservable(ctx, now)
	if err != nil {
		return Plan{}, fmt.Errorf("listing observable targets: %w", err)
	}

	mode, selected := p.sessions.TargetMode()
	var chosen *domain.ObservabilityResult
	var chosenScore float64

	if mode == domain.ModeManual {
		if selected == "" {
			return Plan{}, fmt.Errorf("manual mode without selection: %w", ErrNoTarget)
		}
		for i := range observable {
			if observable[i].Trksub == selected {
				chosen = &observable[i]
				break
			}
		}
		if chosen == nil {
			return Plan{}, fmt.Errorf("selected target %s is not inside an observable window: %w", selected, ErrNoTarget)
		}
		chosenScore = p.composite(ctx, *chosen, now)
	} else {
		for i := range observable {
			if p.sessions.HasImaged(observable[i].Trksub) {
				continue
			}
			score := p.composite(ctx, observable[i], now)
			if chosen == nil || score > chosenScore {
				chosen = &observable[i]
				chosenScore = score
			}
		}
		if chosen == nil {
			return Plan{}, ErrNoTarget
		}
	}

	candidate, err := p.store.GetCandidate(ctx, chosen.Trksub)
	if err != nil {
		return Plan{}, fmt.Errorf("loading candidate %s: %w", chosen.Trksub, err)
	}
	if candidate.RADeg == nil || candidate.DecDeg == nil {
		return Plan{}, fmt.Errorf("candidate %s: %w", chosen.Trksub, ErrMissingCoords)
	}

	urgency := math.Max(0, math.Min(1, chosenScore/100))
	pr := p.presets.Select(candidate.Vmag, urgency, p.motionRate(ctx, chosen.Trksub, now))

	return Plan{
		Trksub:   chosen.Trksub,
		Position: domain.Position{RADeg: *candidate.RADeg, DecDeg: *candidate.DecDeg},
		Score:    chosenScore,
		Preset:   pr,
	}, nil
}

// composite evaluates the multi-factor target score with whatever ephemeris
// context is cached.
func (p *AutoPilot) composite(ctx context.Context, obs domain.ObservabilityResult, now time.Time) float64 {
	candidate, err := p.store.GetCandidate(ctx, obs.Trksub)
	if err != nil {
		p.logger.Warn("candidate lookup for scoring failed", "trksub", obs.Trksub, "error", err)
		return obs.Score
	}
	var ephemeris *domain.EphemerisSample
	if sample, err := p.store.LatestEphemeris(ctx, obs.Trksub, now); err == nil {
		ephemeris = &sample
	}
	return p.scorer.Score(candidate, obs, ephemeris, now)
}

// motionRate returns the apparent sky motion in arcsec/min from the latest
// cached ephemeris, or nil when rates are unknown.
func (p *AutoPilot) motionRate(ctx context.Context, trksub string, now time.Time) *float64 {
	sample, err := p.store.LatestEphemeris(ctx, trksub, now)
	if err != nil || sample.RARateArcsecMin == nil || sample.DecRateArcsecMin == nil {
		return nil
	}
	raRate := *sample.RARateArcsecMin * math.Cos(sample.DecDeg*math.Pi/180)
	rate := math.Sqrt(raRate*raRate + *sample.DecRateArcsecMin**sample.DecRateArcsecMin)
	return &rate
}
