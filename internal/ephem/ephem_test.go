package ephem

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/store"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "ephem.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.New(db)
}

// stubFetcher returns canned samples, or an error, and records call counts.
type stubFetcher struct {
	source  string
	samples []domain.EphemerisSample
	err     error
	calls   int
}

func (f *stubFetcher) Fetch(ctx context.Context, trksub string, start, end time.Time, stepMinutes int) ([]domain.EphemerisSample, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.samples, nil
}

func (f *stubFetcher) Source() string { return f.source }

func sampleAt(trksub string, epoch time.Time, ra, dec float64, fetchedAt time.Time) domain.EphemerisSample {
	return domain.EphemerisSample{
		Trksub: trksub, Epoch: epoch, RADeg: ra, DecDeg: dec,
		Source: "stub", FetchedAt: fetchedAt,
	}
}

func TestInterpolateExactAtSampleEpoch(t *testing.T) {
	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	rows := []domain.EphemerisSample{
		sampleAt("X", base, 100.5, -4.25, base),
		sampleAt("X", base.Add(5*time.Minute), 100.6, -4.20, base),
	}

	pos, ok := Interpolate(rows, base)
	if !ok {
		t.Fatal("expected interpolation to succeed")
	}
	if pos.RADeg != 100.5 || pos.DecDeg != -4.25 {
		t.Errorf("at sample epoch got (%v, %v), want exactly (100.5, -4.25)", pos.RADeg, pos.DecDeg)
	}
}

func TestInterpolateShortestArcAcrossWrap(t *testing.T) {
	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	rows := []domain.EphemerisSample{
		sampleAt("X", base, 359.0, 0, base),
		sampleAt("X", base.Add(10*time.Minute), 1.0, 0, base),
	}

	pos, ok := Interpolate(rows, base.Add(5*time.Minute))
	if !ok {
		t.Fatal("expected interpolation to succeed")
	}
	// Midway between 359° and 1° is 0°, never 180°.
	if math.Abs(pos.RADeg) > 1e-9 && math.Abs(pos.RADeg-360) > 1e-9 {
		t.Errorf("wrap midpoint RA = %v, want 0", pos.RADeg)
	}
}

func TestInterpolateLinearBetweenSamples(t *testing.T) {
	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	rows := []domain.EphemerisSample{
		sampleAt("X", base, 100.0, -4.0, base),
		sampleAt("X", base.Add(10*time.Minute), 100.2, -4.1, base),
	}

	pos, ok := Interpolate(rows, base.Add(5*time.Minute))
	if !ok {
		t.Fatal("expected interpolation to succeed")
	}
	if math.Abs(pos.RADeg-100.1) > 1e-9 {
		t.Errorf("RA = %v, want 100.1", pos.RADeg)
	}
	if math.Abs(pos.DecDeg-(-4.05)) > 1e-9 {
		t.Errorf("Dec = %v, want -4.05", pos.DecDeg)
	}
}

func TestInterpolateSingleSidedNoExtrapolation(t *testing.T) {
	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	rows := []domain.EphemerisSample{
		sampleAt("X", base, 100.0, -4.0, base),
		sampleAt("X", base.Add(5*time.Minute), 100.2, -4.1, base),
	}

	// Request well past the last sample: must return the last sample's
	// position, not an extrapolated one.
	pos, ok := Interpolate(rows, base.Add(time.Hour))
	if !ok {
		t.Fatal("expected single-sided result")
	}
	if pos.RADeg != 100.2 || pos.DecDeg != -4.1 {
		t.Errorf("got (%v, %v), want the last sample (100.2, -4.1)", pos.RADeg, pos.DecDeg)
	}

	// And before the first sample, the first sample.
	pos, ok = Interpolate(rows, base.Add(-time.Hour))
	if !ok {
		t.Fatal("expected single-sided result")
	}
	if pos.RADeg != 100.0 || pos.DecDeg != -4.0 {
		t.Errorf("got (%v, %v), want the first sample (100.0, -4.0)", pos.RADeg, pos.DecDeg)
	}
}

func TestPredictFromFreshCacheWithoutFetch(t *testing.T) {
	st := newTestStore(t)
	now := time.Date(2025, 8, 1, 2, 0, 0, 0, time.UTC)

	var cached []domain.EphemerisSample
	for i := 0; i < 6; i++ {
		epoch := now.Add(time.Duration(i-3) * 5 * time.Minute)
		cached = append(cached, sampleAt("P21xQrs", epoch, 100+float64(i)*0.01, -5, now))
	}
	if err := st.UpsertEphemeris(context.Background(), cached); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	primary := &stubFetcher{source: "mpc"}
	p := NewPredictor(st, primary, nil, DefaultConfig(), testLogger)
	p.SetClock(func() time.Time { return now })

	pos, err := p.Predict(context.Background(), "P21xQrs", now)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if math.Abs(pos.RADeg-100.03) > 1e-9 {
		t.Errorf("RA = %v, want 100.03", pos.RADeg)
	}
	if primary.calls != 0 {
		t.Errorf("fetcher called %d times with a fresh cache, want 0", primary.calls)
	}
}

func TestPredictFetchesWhenCacheStale(t *testing.T) {
	st := newTestStore(t)
	now := time.Date(2025, 8, 1, 2, 0, 0, 0, time.UTC)

	// Cached rows fetched 3 hours ago are past the 1 hour TTL.
	stale := now.Add(-3 * time.Hour)
	var cached []domain.EphemerisSample
	for i := 0; i < 6; i++ {
		epoch := now.Add(time.Duration(i-3) * 5 * time.Minute)
		cached = append(cached, sampleAt("P21xQrs", epoch, 100, -5, stale))
	}
	if err := st.UpsertEphemeris(context.Background(), cached); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	var refreshed []domain.EphemerisSample
	for i := 0; i < 6; i++ {
		epoch := now.Add(time.Duration(i-3) * 5 * time.Minute)
		refreshed = append(refreshed, sampleAt("P21xQrs", epoch, 101, -5, now))
	}
	primary := &stubFetcher{source: "mpc", samples: refreshed}

	p := NewPredictor(st, primary, nil, DefaultConfig(), testLogger)
	p.SetClock(func() time.Time { return now })

	pos, err := p.Predict(context.Background(), "P21xQrs", now)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("fetcher called %d times, want 1", primary.calls)
	}
	if math.Abs(pos.RADeg-101) > 1e-9 {
		t.Errorf("RA = %v, want refetched 101", pos.RADeg)
	}
}

func TestPredictFallsBackToSecondary(t *testing.T) {
	st := newTestStore(t)
	now := time.Date(2025, 8, 1, 2, 0, 0, 0, time.UTC)

	primary := &stubFetcher{source: "mpc", err: errors.New("connection refused")}
	secondary := &stubFetcher{source: "horizons", samples: []domain.EphemerisSample{
		sampleAt("P21xQrs", now.Add(-5*time.Minute), 100.0, -5, now),
		sampleAt("P21xQrs", now.Add(5*time.Minute), 100.2, -5, now),
	}}

	p := NewPredictor(st, primary, secondary, DefaultConfig(), testLogger)
	p.SetClock(func() time.Time { return now })

	pos, err := p.Predict(context.Background(), "P21xQrs", now)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("calls primary=%d secondary=%d, want 1 and 1", primary.calls, secondary.calls)
	}
	if math.Abs(pos.RADeg-100.1) > 1e-9 {
		t.Errorf("RA = %v, want 100.1", pos.RADeg)
	}
}

func TestPredictNotAvailable(t *testing.T) {
	st := newTestStore(t)
	now := time.Date(2025, 8, 1, 2, 0, 0, 0, time.UTC)

	primary := &stubFetcher{source: "mpc", err: errors.New("service down")}
	secondary := &stubFetcher{source: "horizons", err: errors.New("service down")}

	p := NewPredictor(st, primary, secondary, DefaultConfig(), testLogger)
	p.SetClock(func() time.Time { return now })

	_, err := p.Predict(context.Background(), "ZTF0042", now)
	if !errors.Is(err, ErrNotAvailable) {
		t.Errorf("expected ErrNotAvailable, got %v", err)
	}
}

func TestSeriesPrimesSpanOnce(t *testing.T) {
	st := newTestStore(t)
	now := time.Date(2025, 8, 1, 2, 0, 0, 0, time.UTC)

	var span []domain.EphemerisSample
	for i := 0; i <= 12; i++ {
		epoch := now.Add(time.Duration(i) * 5 * time.Minute)
		span = append(span, sampleAt("P21xQrs", epoch, 100+float64(i)*0.01, -5, now))
	}
	primary := &stubFetcher{source: "mpc", samples: span}

	p := NewPredictor(st, primary, nil, DefaultConfig(), testLogger)
	p.SetClock(func() time.Time { return now })

	rows, err := p.Series(context.Background(), "P21xQrs", now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if len(rows) != 13 {
		t.Fatalf("got %d rows, want 13", len(rows))
	}
	if primary.calls != 1 {
		t.Errorf("fetcher called %d times, want 1", primary.calls)
	}

	// Second call is served from the cache.
	if _, err := p.Series(context.Background(), "P21xQrs", now, now.Add(time.Hour)); err != nil {
		t.Fatalf("Series: %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("fetcher called %d times after cached re-read, want 1", primary.calls)
	}
}

func TestHTTPFetcherParsesEnvelope(t *testing.T) {
	var gotReq fetchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ephemeris":[
			{"epoch_iso":"2025-08-01T02:00:00Z","ra_deg":100.5,"dec_deg":-4.25,"vmag":19.2,"unc_arcsec":15.0},
			{"epoch_iso":"2025-08-01T02:05:00Z","ra":"100.52","dec":"-4.24"}
		]}`))
	}))
	defer server.Close()

	f := NewHTTPFetcher(server.URL, "mpc", 40.0, -74.0, 100.0)
	start := time.Date(2025, 8, 1, 2, 0, 0, 0, time.UTC)
	samples, err := f.Fetch(context.Background(), "P21xQrs", start, start.Add(time.Hour), 5)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotReq.Trksub != "P21xQrs" || gotReq.StepMinutes != 5 {
		t.Errorf("request payload = %+v", gotReq)
	}
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(samples))
	}
	if samples[0].RADeg != 100.5 || samples[0].Source != "mpc" {
		t.Errorf("first sample = %+v", samples[0])
	}
	if samples[0].Magnitude == nil || *samples[0].Magnitude != 19.2 {
		t.Error("expected magnitude 19.2 on first sample")
	}
	if samples[1].RADeg != 100.52 {
		t.Errorf("string-typed RA not parsed: %v", samples[1].RADeg)
	}
}

func TestHTTPFetcherBareListAndErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"time":"2025-08-01T02:00:00Z","ra_deg":10,"dec_deg":20}]`))
	}))
	defer server.Close()

	f := NewHTTPFetcher(server.URL, "horizons", 40.0, -74.0, 100.0)
	start := time.Date(2025, 8, 1, 2, 0, 0, 0, time.UTC)
	samples, err := f.Fetch(context.Background(), "X", start, start.Add(time.Hour), 5)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(samples) != 1 || samples[0].DecDeg != 20 {
		t.Errorf("samples = %+v", samples)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	f = NewHTTPFetcher(failing.URL, "mpc", 40.0, -74.0, 100.0)
	if _, err := f.Fetch(context.Background(), "X", start, start.Add(time.Hour), 5); err == nil {
		t.Error("expected error for 502 response")
	}
}
