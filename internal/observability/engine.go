// Package observability computes nightly visibility windows for NEOCP
// candidates: when each one clears the local horizon mask, dark-sky, and
// moon-separation constraints at the configured site, and for how long.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/ephem"
	"github.com/neo/neotrack/internal/horizon"
	"github.com/neo/neotrack/internal/metrics"
	"github.com/neo/neotrack/internal/store"
	"github.com/neo/neotrack/internal/transform"
	"github.com/neo/neotrack/internal/weather"
)

// Config tunes the visibility scan.
type Config struct {
	// HorizonHours is the planning span scanned from now.
	HorizonHours int
	// SampleMinutes is the grid spacing.
	SampleMinutes int
	// MinAltitudeDeg is the floor applied on top of the horizon mask.
	MinAltitudeDeg float64
	// MaxSunAltitudeDeg is the dark-sky limit (astronomical twilight is -18).
	MaxSunAltitudeDeg float64
	// MinMoonSeparationDeg rejects samples too close to the Moon.
	MinMoonSeparationDeg float64
	// MaxVmag rejects candidates fainter than the instrument can reach.
	MaxVmag float64
	// MinWindowMinutes is the shortest window worth scheduling.
	MinWindowMinutes float64
	// TargetWindowMinutes saturates the duration term of the window score.
	TargetWindowMinutes float64
	// RecentHours rejects candidates whose feed row is older than this.
	RecentHours float64
}

// DefaultConfig returns the standard scan tuning.
func DefaultConfig() Config {
	return Config{
		HorizonHours:         12,
		SampleMinutes:        5,
		MinAltitudeDeg:       20,
		MaxSunAltitudeDeg:    -12,
		MinMoonSeparationDeg: 15,
		MaxVmag:              20.5,
		MinWindowMinutes:     20,
		TargetWindowMinutes:  60,
		RecentHours:          48,
	}
}

// PositionSource supplies per-candidate ephemeris series for the scan grid.
type PositionSource interface {
	Series(ctx context.Context, trksub string, start, end time.Time) ([]domain.EphemerisSample, error)
}

// WeatherGate reports whether the site is currently safe to observe.
type WeatherGate interface {
	Status(ctx context.Context) weather.Status
}

// Engine evaluates candidates against the site geometry and persists one
// ObservabilityResult per (candidate, night).
type Engine struct {
	store     *store.Store
	positions PositionSource
	gate      WeatherGate
	site      transform.Site
	mask      *horizon.Mask
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an Engine. mask may be nil when the site has no
// obstruction profile; gate may be nil to skip the weather check.
func NewEngine(st *store.Store, positions PositionSource, gate WeatherGate, site transform.Site, mask *horizon.Mask, cfg Config, logger *slog.Logger) *Engine {
	if cfg.HorizonHours <= 0 {
		cfg.HorizonHours = 12
	}
	if cfg.SampleMinutes <= 0 {
		cfg.SampleMinutes = 5
	}
	if cfg.TargetWindowMinutes <= 0 {
		cfg.TargetWindowMinutes = 60
	}
	return &Engine{
		store:     st,
		positions: positions,
		gate:      gate,
		site:      site,
		mask:      mask,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the wall clock so tests can pin the scan grid.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// grid holds the shared per-refresh scan state: the sample times plus the
// Sun and Moon series, which are candidate-independent.
type grid struct {
	times    []time.Time
	sunAlt   []float64
	moonRA   []float64
	moonDec  []float64
	nightKey string
	start    time.Time
	end      time.Time
	step     time.Duration
}

func (e *Engine) buildGrid() grid {
	step := time.Duration(e.cfg.SampleMinutes) * time.Minute
	start := e.now().UTC().Truncate(time.Minute)
	count := e.cfg.HorizonHours*60/e.cfg.SampleMinutes + 1

	g := grid{
		times:    make([]time.Time, count),
		sunAlt:   make([]float64, count),
		moonRA:   make([]float64, count),
		moonDec:  make([]float64, count),
		start:    start,
		step:     step,
		nightKey: start.Format("2006-01-02"),
	}
	for i := 0; i < count; i++ {
		t := start.Add(time.Duration(i) * step)
		g.times[i] = t
		g.sunAlt[i] = transform.SunAltitudeDeg(e.site, t)
		g.moonRA[i], g.moonDec[i] = transform.MoonPosition(t)
	}
	g.end = g.times[count-1]
	return g
}

// Refresh recomputes observability for the named candidates, or for every
// known candidate when trksubs is empty. Candidates are evaluated
// concurrently; persistence is serial.
func (e *Engine) Refresh(ctx context.Context, trksubs []string) ([]domain.ObservabilityResult, error) {
	started := time.Now()

	candidates, err := e.store.ListCandidates(ctx, trksubs)
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var status weather.Status
	if e.gate != nil {
		status = e.gate.Status(ctx)
	} else {
		status = weather.Status{IsSafe: true}
	}

	g := e.buildGrid()

	results := make([]domain.ObservabilityResult, len(candidates))
	sem := make(chan struct{}, runtime.NumCPU())
	var wg sync.WaitGroup

	for i, candidate := range candidates {
		wg.Add(1)
		go func(idx int, c domain.Candidate) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			results[idx] = e.evaluate(ctx, c, g, status)
		}(i, candidate)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	observable := 0
	for i := range results {
		if err := e.store.UpsertObservability(ctx, results[i]); err != nil {
			return nil, fmt.Errorf("persisting observability for %s: %w", results[i].Trksub, err)
		}
		if results[i].IsObservable {
			observable++
		}
	}

	metrics.ObserveRefresh(time.Since(started), observable)
	e.logger.Info("observability refresh complete",
		"candidates", len(candidates),
		"observable", observable,
		"night", g.nightKey,
		"duration_ms", time.Since(started).Milliseconds())
	return results, nil
}

// evaluate runs the full constraint scan for one candidate.
func (e *Engine) evaluate(ctx context.Context, c domain.Candidate, g grid, status weather.Status) domain.ObservabilityResult {
	result := domain.ObservabilityResult{
		Trksub:     c.Trksub,
		NightKey:   g.nightKey,
		NightStart: g.start,
		NightEnd:   g.end,
		ComputedAt: e.now().UTC(),
	}

	// Cheap rejections first; geometry is skipped entirely for these.
	if !status.IsSafe {
		if len(status.Reasons) > 0 {
			result.LimitingFactors = append(result.LimitingFactors, status.Reasons...)
		} else {
			result.LimitingFactors = append(result.LimitingFactors, domain.FactorWeatherBlocked)
		}
		return result
	}
	if age := e.now().Sub(c.UpdatedAt); age > time.Duration(e.cfg.RecentHours*float64(time.Hour)) {
		result.LimitingFactors = append(result.LimitingFactors, domain.FactorStaleCandidate)
		return result
	}
	if c.RADeg == nil || c.DecDeg == nil {
		result.LimitingFactors = append(result.LimitingFactors, domain.FactorMissingCoords)
		return result
	}
	if c.Vmag != nil && *c.Vmag > e.cfg.MaxVmag {
		result.LimitingFactors = append(result.LimitingFactors, domain.FactorTooFaint)
		return result
	}

	positions := e.gridPositions(ctx, c, g)

	altitudes := make([]float64, len(g.times))
	moonSep := make([]float64, len(g.times))
	visible := make([]bool, len(g.times))
	anyAltitude, anySun, anyMoon := false, false, false

	for i, t := range g.times {
		altaz := e.site.ToAltAz(positions[i].RADeg, positions[i].DecDeg, t)
		altitudes[i] = altaz.AltitudeDeg
		moonSep[i] = transform.SeparationDeg(positions[i].RADeg, positions[i].DecDeg, g.moonRA[i], g.moonDec[i])

		altitudeOK := altaz.AltitudeDeg >= math.Max(e.mask.LimitFor(altaz.AzimuthDeg), e.cfg.MinAltitudeDeg)
		sunOK := g.sunAlt[i] <= e.cfg.MaxSunAltitudeDeg
		moonOK := moonSep[i] >= e.cfg.MinMoonSeparationDeg

		anyAltitude = anyAltitude || altitudeOK
		anySun = anySun || sunOK
		anyMoon = anyMoon || moonOK
		visible[i] = altitudeOK && sunOK && moonOK
	}

	if !anyAltitude {
		result.LimitingFactors = append(result.LimitingFactors, domain.FactorBelowHorizon)
	}
	if !anySun {
		result.LimitingFactors = append(result.LimitingFactors, domain.FactorSunAboveLimit)
	}
	if !anyMoon {
		result.LimitingFactors = append(result.LimitingFactors, domain.FactorMoonTooClose)
	}

	runStart, runEnd, found := longestRun(visible)
	if !found {
		return result
	}

	durationMinutes := float64(runEnd-runStart+1) * float64(e.cfg.SampleMinutes)
	windowStart := g.times[runStart]
	windowEnd := g.times[runEnd].Add(g.step)
	result.WindowStart = &windowStart
	result.WindowEnd = &windowEnd
	result.DurationMinutes = durationMinutes

	if durationMinutes < e.cfg.MinWindowMinutes {
		result.LimitingFactors = append(result.LimitingFactors, domain.FactorWindowTooShort)
	}

	maxAltitude := altitudes[runStart]
	minMoon := moonSep[runStart]
	maxSun := g.sunAlt[runStart]
	for i := runStart + 1; i <= runEnd; i++ {
		maxAltitude = math.Max(maxAltitude, altitudes[i])
		minMoon = math.Min(minMoon, moonSep[i])
		maxSun = math.Max(maxSun, g.sunAlt[i])
	}
	result.MaxAltitudeDeg = maxAltitude
	result.MinMoonSepDeg = minMoon
	result.MaxSunAltitudeDeg = maxSun

	if durationMinutes >= e.cfg.MinWindowMinutes && len(result.LimitingFactors) == 0 {
		result.IsObservable = true
		result.Score = windowScore(durationMinutes, e.cfg.TargetWindowMinutes, maxAltitude, c.Score)
	}
	return result
}

// gridPositions returns a position per grid sample: interpolated from the
// ephemeris series when coverage exists, the static feed position otherwise.
func (e *Engine) gridPositions(ctx context.Context, c domain.Candidate, g grid) []domain.Position {
	static := domain.Position{RADeg: *c.RADeg, DecDeg: *c.DecDeg}

	positions := make([]domain.Position, len(g.times))
	rows, err := e.positions.Series(ctx, c.Trksub, g.start, g.end)
	if err != nil {
		e.logger.Warn("ephemeris series unavailable, using static position",
			"trksub", c.Trksub,
			"error", err)
		rows = nil
	}

	for i, t := range g.times {
		if pos, ok := ephem.Interpolate(rows, t); ok {
			positions[i] = pos
		} else {
			positions[i] = static
		}
	}
	return positions
}

// windowScore blends window length, peak altitude, and feed urgency into the
// 0-100 window quality score, rounded to two decimals so stored and reported
// scores compare stably.
func windowScore(durationMinutes, targetMinutes, maxAltitudeDeg float64, feedScore *float64) float64 {
	urgency := 0.0
	if feedScore != nil {
		urgency = *feedScore / 100.0
	}
	durationTerm := math.Min(1, durationMinutes/targetMinutes)
	altitudeTerm := math.Min(1, maxAltitudeDeg/90.0)
	score := 100.0 * (0.5*durationTerm + 0.3*altitudeTerm + 0.2*urgency)
	return math.Round(score*100) / 100
}

// longestRun returns the bounds of the longest contiguous true run,
// preferring the earliest on ties.
func longestRun(mask []bool) (start, end int, found bool) {
	bestLen := 0
	runStart := -1
	for i, v := range mask {
		if v && runStart < 0 {
			runStart = i
		}
		if (!v || i == len(mask)-1) && runStart >= 0 {
			runEnd := i - 1
			if v && i == len(mask)-1 {
				runEnd = i
			}
			if length := runEnd - runStart + 1; length > bestLen {
				bestLen = length
				start, end = runStart, runEnd
				found = true
			}
			runStart = -1
		}
	}
	return start, end, found
}
