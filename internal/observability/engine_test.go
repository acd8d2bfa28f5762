package observability

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/store"
	"github.com/neo/neotrack/internal/transform"
	"github.com/neo/neotrack/internal/weather"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

// testNow is mid-morning UTC; sun constraints are disabled in most tests so
// the grid's absolute time only matters for sidereal geometry.
var testNow = time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)

type emptySeries struct{}

func (emptySeries) Series(ctx context.Context, trksub string, start, end time.Time) ([]domain.EphemerisSample, error) {
	return nil, nil
}

type stubGate struct {
	status weather.Status
}

func (g stubGate) Status(ctx context.Context) weather.Status { return g.status }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "obs.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.New(db)
}

func f64(v float64) *float64 { return &v }

// relaxedConfig disables the sun and moon clauses so tests control
// visibility purely through altitude.
func relaxedConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxSunAltitudeDeg = 90
	cfg.MinMoonSeparationDeg = 0
	return cfg
}

func seedCandidate(t *testing.T, st *store.Store, trksub string, ra, dec, score float64) {
	t.Helper()
	err := st.UpsertCandidate(context.Background(), domain.Candidate{
		Trksub:    trksub,
		RADeg:     f64(ra),
		DecDeg:    f64(dec),
		Vmag:      f64(18.5),
		Score:     f64(score),
		UpdatedAt: testNow,
	})
	if err != nil {
		t.Fatalf("seeding candidate: %v", err)
	}
}

func newEngine(st *store.Store, cfg Config) *Engine {
	site := transform.NewSite(40.0, -74.0, 100)
	e := NewEngine(st, emptySeries{}, nil, site, nil, cfg, testLogger)
	e.SetClock(func() time.Time { return testNow })
	return e
}

func TestRefreshCircumpolarTargetObservable(t *testing.T) {
	st := newTestStore(t)
	// Dec +89 from latitude +40 stays near altitude 40 all night.
	seedCandidate(t, st, "P21high", 120, 89, 90)

	e := newEngine(st, relaxedConfig())
	results, err := e.Refresh(context.Background(), nil)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	r := results[0]
	if !r.IsObservable {
		t.Fatalf("expected observable, factors = %v", r.LimitingFactors)
	}
	if r.Score <= 0 {
		t.Errorf("score = %v, want > 0", r.Score)
	}
	if r.WindowStart == nil || r.WindowEnd == nil {
		t.Fatal("expected window bounds")
	}
	if r.WindowStart.Before(r.NightStart) || r.WindowEnd.Before(*r.WindowStart) {
		t.Errorf("window [%v, %v] outside night [%v, %v]", r.WindowStart, r.WindowEnd, r.NightStart, r.NightEnd)
	}
	if r.MaxAltitudeDeg < 35 || r.MaxAltitudeDeg > 45 {
		t.Errorf("max altitude = %v, want near site latitude", r.MaxAltitudeDeg)
	}
}

func TestRefreshBelowHorizon(t *testing.T) {
	st := newTestStore(t)
	// Dec -89 never rises from latitude +40.
	seedCandidate(t, st, "P21low", 120, -89, 90)

	e := newEngine(st, relaxedConfig())
	results, err := e.Refresh(context.Background(), nil)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	r := results[0]
	if r.IsObservable {
		t.Error("expected unobservable")
	}
	if !hasFactor(r, domain.FactorBelowHorizon) {
		t.Errorf("factors = %v, want below_horizon", r.LimitingFactors)
	}
	if r.WindowStart != nil || r.WindowEnd != nil {
		t.Error("expected no window bounds for a target that never rises")
	}
}

func TestRefreshIdempotent(t *testing.T) {
	st := newTestStore(t)
	seedCandidate(t, st, "P21high", 120, 89, 90)

	e := newEngine(st, relaxedConfig())
	first, err := e.Refresh(context.Background(), nil)
	if err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	second, err := e.Refresh(context.Background(), nil)
	if err != nil {
		t.Fatalf("second Refresh: %v", err)
	}

	a, b := first[0], second[0]
	if a.Score != b.Score || a.DurationMinutes != b.DurationMinutes {
		t.Errorf("refresh not idempotent: score %v vs %v, duration %v vs %v",
			a.Score, b.Score, a.DurationMinutes, b.DurationMinutes)
	}
	if !a.WindowStart.Equal(*b.WindowStart) || !a.WindowEnd.Equal(*b.WindowEnd) {
		t.Errorf("windows differ: [%v, %v] vs [%v, %v]", a.WindowStart, a.WindowEnd, b.WindowStart, b.WindowEnd)
	}

	stored, err := st.ListObservability(context.Background())
	if err != nil {
		t.Fatalf("ListObservability: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("got %d stored rows after two refreshes, want 1", len(stored))
	}
}

func TestRefreshEarlyRejections(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertCandidate(ctx, domain.Candidate{
		Trksub: "nocoords", UpdatedAt: testNow,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertCandidate(ctx, domain.Candidate{
		Trksub: "faint", RADeg: f64(120), DecDeg: f64(89), Vmag: f64(22.0), UpdatedAt: testNow,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertCandidate(ctx, domain.Candidate{
		Trksub: "old", RADeg: f64(120), DecDeg: f64(89), UpdatedAt: testNow.Add(-80 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	e := newEngine(st, relaxedConfig())
	results, err := e.Refresh(ctx, nil)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	byTrksub := map[string]domain.ObservabilityResult{}
	for _, r := range results {
		byTrksub[r.Trksub] = r
	}
	if !hasFactor(byTrksub["nocoords"], domain.FactorMissingCoords) {
		t.Errorf("nocoords factors = %v", byTrksub["nocoords"].LimitingFactors)
	}
	if !hasFactor(byTrksub["faint"], domain.FactorTooFaint) {
		t.Errorf("faint factors = %v", byTrksub["faint"].LimitingFactors)
	}
	if !hasFactor(byTrksub["old"], domain.FactorStaleCandidate) {
		t.Errorf("old factors = %v", byTrksub["old"].LimitingFactors)
	}
}

func TestRefreshWeatherBlocked(t *testing.T) {
	st := newTestStore(t)
	seedCandidate(t, st, "P21high", 120, 89, 90)

	site := transform.NewSite(40.0, -74.0, 100)
	gate := stubGate{status: weather.Status{IsSafe: false, Reasons: []string{weather.ReasonWind}}}
	e := NewEngine(st, emptySeries{}, gate, site, nil, relaxedConfig(), testLogger)
	e.SetClock(func() time.Time { return testNow })

	results, err := e.Refresh(context.Background(), nil)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	r := results[0]
	if r.IsObservable {
		t.Error("expected unobservable under bad weather")
	}
	if !hasFactor(r, weather.ReasonWind) {
		t.Errorf("factors = %v, want %v", r.LimitingFactors, weather.ReasonWind)
	}
	if r.WindowStart != nil {
		t.Error("geometry should be skipped when weather blocks")
	}
}

func TestRefreshWindowTooShort(t *testing.T) {
	st := newTestStore(t)
	seedCandidate(t, st, "P21high", 120, 89, 90)

	cfg := relaxedConfig()
	cfg.MinWindowMinutes = 100000
	e := newEngine(st, cfg)

	results, err := e.Refresh(context.Background(), nil)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	r := results[0]
	if r.IsObservable {
		t.Error("expected unobservable")
	}
	if !hasFactor(r, domain.FactorWindowTooShort) {
		t.Errorf("factors = %v, want window_too_short", r.LimitingFactors)
	}
	// Geometry is still reported even though the window is too short.
	if r.WindowStart == nil || r.DurationMinutes <= 0 || r.MaxAltitudeDeg <= 0 {
		t.Errorf("expected geometry on short-window result: %+v", r)
	}
}

func TestWindowScoreFormula(t *testing.T) {
	// Saturated duration and 90° peak with priority 100: exactly 100.
	if got := windowScore(120, 60, 90, f64(100)); got != 100 {
		t.Errorf("saturated windowScore = %v, want 100", got)
	}
	// Half duration, 45° peak, priority 50: 100*(0.25 + 0.15 + 0.1) = 50.
	if got := windowScore(30, 60, 45, f64(50)); got != 50 {
		t.Errorf("windowScore = %v, want 50", got)
	}
	// Unknown priority contributes zero urgency.
	if got := windowScore(120, 60, 90, nil); got != 80 {
		t.Errorf("windowScore without feed score = %v, want 80", got)
	}
}

func TestLongestRunEarliestTie(t *testing.T) {
	cases := []struct {
		mask       []bool
		start, end int
		found      bool
	}{
		{[]bool{false, true, true, false, true, true}, 1, 2, true},
		{[]bool{true, true, false, true, true, true}, 3, 5, true},
		{[]bool{true, true, true}, 0, 2, true},
		{[]bool{false, false}, 0, 0, false},
		{[]bool{true}, 0, 0, true},
		{[]bool{false, true}, 1, 1, true},
	}
	for _, tc := range cases {
		start, end, found := longestRun(tc.mask)
		if found != tc.found || (found && (start != tc.start || end != tc.end)) {
			t.Errorf("longestRun(%v) = (%d, %d, %v), want (%d, %d, %v)",
				tc.mask, start, end, found, tc.start, tc.end, tc.found)
		}
	}
}

func hasFactor(r domain.ObservabilityResult, factor string) bool {
	for _, f := range r.LimitingFactors {
		if f == factor {
			return true
		}
	}
	return false
}
