package ephem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/metrics"
	"github.com/neo/neotrack/internal/store"
	"github.com/neo/neotrack/internal/transform"
)

// ErrNotAvailable is returned when no cached or fetched sample can cover the
// requested time. Callers fall back to the candidate's last static position.
var ErrNotAvailable = errors.New("ephemeris not available")

// Config tunes the predictor's cache behavior.
type Config struct {
	// SampleStep is the spacing of fetched samples.
	SampleStep time.Duration
	// Margin is how far either side of the requested time the predictor
	// looks for bracketing samples, and the span fetched on a cache miss.
	Margin time.Duration
	// MinFreshSamples is the minimum count of fresh cached samples inside
	// the margin window before a fetch is triggered.
	MinFreshSamples int
	// SampleTTL is how long a fetched sample counts as fresh.
	SampleTTL time.Duration
}

// DefaultConfig returns the standard cache tuning.
func DefaultConfig() Config {
	return Config{
		SampleStep:      5 * time.Minute,
		Margin:          60 * time.Minute,
		MinFreshSamples: 5,
		SampleTTL:       time.Hour,
	}
}

// Predictor interpolates candidate positions from cached ephemeris samples,
// fetching from the primary source (with one secondary fallback) when the
// cache is thin around the requested time.
type Predictor struct {
	store     *store.Store
	primary   Fetcher
	secondary Fetcher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewPredictor creates a Predictor. secondary may be nil.
func NewPredictor(st *store.Store, primary, secondary Fetcher, cfg Config, logger *slog.Logger) *Predictor {
	if cfg.SampleStep <= 0 {
		cfg.SampleStep = 5 * time.Minute
	}
	if cfg.Margin <= 0 {
		cfg.Margin = 60 * time.Minute
	}
	if cfg.MinFreshSamples <= 0 {
		cfg.MinFreshSamples = 5
	}
	if cfg.SampleTTL <= 0 {
		cfg.SampleTTL = time.Hour
	}
	return &Predictor{
		store:     st,
		primary:   primary,
		secondary: secondary,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the wall clock, used by tests to control freshness.
func (p *Predictor) SetClock(now func() time.Time) {
	p.now = now
}

// Predict returns the interpolated position of trksub at when. Dec is linear
// between the bracketing samples; RA follows the shortest arc around the
// 0°/360° wrap. A single-sided bracket is returned as-is without
// extrapolation. ErrNotAvailable means no sample could cover the time.
func (p *Predictor) Predict(ctx context.Context, trksub string, when time.Time) (domain.Position, error) {
	start := when.Add(-p.cfg.Margin).Truncate(time.Minute)
	end := when.Add(p.cfg.Margin).Truncate(time.Minute)

	rows, err := p.ensureSamples(ctx, trksub, start, end)
	if err != nil {
		return domain.Position{}, err
	}

	pos, ok := Interpolate(rows, when)
	if !ok {
		return domain.Position{}, fmt.Errorf("%s at %s: %w", trksub, when.UTC().Format(time.RFC3339), ErrNotAvailable)
	}
	return pos, nil
}

// Series returns cached samples covering [start, end], fetching the whole
// span first if the cache holds fewer rows than the span's sample count.
// The observability engine primes its scan grid through this.
func (p *Predictor) Series(ctx context.Context, trksub string, start, end time.Time) ([]domain.EphemerisSample, error) {
	start = start.Truncate(time.Minute)
	end = end.Truncate(time.Minute)

	rows, err := p.store.EphemerisRange(ctx, trksub, start, end)
	if err != nil {
		return nil, fmt.Errorf("loading cached ephemeris: %w", err)
	}

	expected := int(end.Sub(start)/p.cfg.SampleStep) + 1
	if len(rows) >= expected {
		return rows, nil
	}

	if fetched := p.fetchAndCache(ctx, trksub, start, end); fetched {
		rows, err = p.store.EphemerisRange(ctx, trksub, start, end)
		if err != nil {
			return nil, fmt.Errorf("reloading cached ephemeris: %w", err)
		}
	}
	return rows, nil
}

// ensureSamples loads the margin window and triggers a fetch when fewer than
// the minimum count of fresh samples remain in it.
func (p *Predictor) ensureSamples(ctx context.Context, trksub string, start, end time.Time) ([]domain.EphemerisSample, error) {
	rows, err := p.store.EphemerisRange(ctx, trksub, start, end)
	if err != nil {
		return nil, fmt.Errorf("loading cached ephemeris: %w", err)
	}

	cutoff := p.now().Add(-p.cfg.SampleTTL)
	fresh := 0
	for _, row := range rows {
		if row.FetchedAt.After(cutoff) {
			fresh++
		}
	}
	if fresh >= p.cfg.MinFreshSamples {
		return rows, nil
	}

	if fetched := p.fetchAndCache(ctx, trksub, start, end); fetched {
		rows, err = p.store.EphemerisRange(ctx, trksub, start, end)
		if err != nil {
			return nil, fmt.Errorf("reloading cached ephemeris: %w", err)
		}
	}
	return rows, nil
}

// fetchAndCache pulls the span from the primary source, falling back once to
// the secondary. Fetch failures are logged, not returned: stale cached rows
// are still better than nothing.
func (p *Predictor) fetchAndCache(ctx context.Context, trksub string, start, end time.Time) bool {
	step := int(p.cfg.SampleStep / time.Minute)

	samples, err := p.primary.Fetch(ctx, trksub, start, end, step)
	if err != nil {
		metrics.RecordEphemerisFetch(p.primary.Source(), "error")
		p.logger.Warn("primary ephemeris fetch failed",
			"trksub", trksub,
			"source", p.primary.Source(),
			"error", err)
		if p.secondary == nil {
			return false
		}
		samples, err = p.secondary.Fetch(ctx, trksub, start, end, step)
		if err != nil {
			metrics.RecordEphemerisFetch(p.secondary.Source(), "error")
			p.logger.Warn("secondary ephemeris fetch failed",
				"trksub", trksub,
				"source", p.secondary.Source(),
				"error", err)
			return false
		}
		metrics.RecordEphemerisFetch(p.secondary.Source(), "ok")
	} else {
		metrics.RecordEphemerisFetch(p.primary.Source(), "ok")
	}
	if len(samples) == 0 {
		return false
	}

	if err := p.store.UpsertEphemeris(ctx, samples); err != nil {
		p.logger.Error("caching ephemeris samples failed",
			"trksub", trksub,
			"count", len(samples),
			"error", err)
		return false
	}

	p.logger.Debug("cached ephemeris samples",
		"trksub", trksub,
		"count", len(samples),
		"source", samples[0].Source)
	return true
}

// Interpolate returns the position at when from epoch-ordered samples.
// Returns exactly the bracketing sample's position when when matches its
// epoch, and the nearer side alone when only one side brackets.
func Interpolate(rows []domain.EphemerisSample, when time.Time) (domain.Position, bool) {
	var before, after *domain.EphemerisSample
	for i := range rows {
		row := &rows[i]
		if !row.Epoch.After(when) {
			before = row
		}
		if !row.Epoch.Before(when) && after == nil {
			after = row
			break
		}
	}

	switch {
	case before == nil && after == nil:
		return domain.Position{}, false
	case before == nil:
		return domain.Position{RADeg: after.RADeg, DecDeg: after.DecDeg}, true
	case after == nil:
		return domain.Position{RADeg: before.RADeg, DecDeg: before.DecDeg}, true
	case before.Epoch.Equal(after.Epoch):
		return domain.Position{RADeg: before.RADeg, DecDeg: before.DecDeg}, true
	}

	fraction := when.Sub(before.Epoch).Seconds() / after.Epoch.Sub(before.Epoch).Seconds()
	return domain.Position{
		RADeg:  transform.InterpolateAngleDeg(before.RADeg, after.RADeg, fraction),
		DecDeg: before.DecDeg + (after.DecDeg-before.DecDeg)*fraction,
	}, true
}
