// Package weather gates scheduling decisions on current site conditions.
// Conditions are fetched from Open-Meteo and cached with a short TTL so the
// observability engine and auto-pilot share one snapshot per cadence.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Status is the rolled-up safety verdict for the site.
type Status struct {
	IsSafe          bool      `json:"is_safe"`
	Reasons         []string  `json:"reasons,omitempty"`
	TemperatureC    *float64  `json:"temperature_c,omitempty"`
	WindSpeedMps    *float64  `json:"wind_speed_mps,omitempty"`
	HumidityPct     *float64  `json:"relative_humidity_pct,omitempty"`
	PrecipitationMm *float64  `json:"precipitation_mm,omitempty"`
	PrecipChancePct *float64  `json:"precipitation_probability_pct,omitempty"`
	CloudCoverPct   *float64  `json:"cloud_cover_pct,omitempty"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// Unsafe-condition reasons attached to Status.
const (
	ReasonWind         = "weather_wind"
	ReasonPrecip       = "weather_precip"
	ReasonPrecipChance = "weather_precip_chance"
	ReasonHumidity     = "weather_humidity"
	ReasonClouds       = "weather_clouds"
)

// Limits are the thresholds beyond which the site is unsafe to observe.
type Limits struct {
	MaxWindSpeedMps  float64
	PrecipBlockMm    float64
	MaxPrecipChance  float64
	MaxHumidityPct   float64
	MaxCloudCoverPct float64
}

// DefaultLimits returns conservative small-telescope thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxWindSpeedMps:  10,
		PrecipBlockMm:    0.1,
		MaxPrecipChance:  40,
		MaxHumidityPct:   85,
		MaxCloudCoverPct: 60,
	}
}

// Provider fetches a raw conditions snapshot.
type Provider interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// Snapshot holds the normalized metrics from one provider poll. Nil fields
// were not reported and do not trigger limits.
type Snapshot struct {
	TemperatureC    *float64
	WindSpeedMps    *float64
	HumidityPct     *float64
	PrecipitationMm *float64
	PrecipChancePct *float64
	CloudCoverPct   *float64
	FetchedAt       time.Time
}

// Gate evaluates provider snapshots against the limits, caching the verdict
// for the TTL. A fetch failure keeps serving the last snapshot if one exists,
// otherwise the gate reports unsafe-unknown rather than guessing.
type Gate struct {
	provider Provider
	limits   Limits
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cached *Status
}

// NewGate creates a Gate over the provider.
func NewGate(provider Provider, limits Limits, ttl time.Duration, logger *slog.Logger) *Gate {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Gate{
		provider: provider,
		limits:   limits,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the wall clock for tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// Status returns the current safety verdict, refreshing the snapshot when
// the cached one is older than the TTL.
func (g *Gate) Status(ctx context.Context) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.cached != nil && now.Sub(g.cached.FetchedAt) <= g.ttl {
		return *g.cached
	}

	snapshot, err := g.provider.Fetch(ctx)
	if err != nil {
		g.logger.Warn("weather fetch failed", "error", err)
		if g.cached != nil {
			return *g.cached
		}
		return Status{IsSafe: false, Reasons: []string{"weather_unknown"}, FetchedAt: now}
	}

	status := g.evaluate(snapshot)
	g.cached = &status
	return status
}

func (g *Gate) evaluate(s Snapshot) Status {
	var reasons []string
	if s.WindSpeedMps != nil && *s.WindSpeedMps > g.limits.MaxWindSpeedMps {
		reasons = append(reasons, ReasonWind)
	}
	if s.PrecipitationMm != nil && *s.PrecipitationMm >= g.limits.PrecipBlockMm {
		reasons = append(reasons, ReasonPrecip)
	}
	if s.PrecipChancePct != nil && *s.PrecipChancePct >= g.limits.MaxPrecipChance {
		reasons = append(reasons, ReasonPrecipChance)
	}
	if s.HumidityPct != nil && *s.HumidityPct >= g.limits.MaxHumidityPct {
		reasons = append(reasons, ReasonHumidity)
	}
	if s.CloudCoverPct != nil && *s.CloudCoverPct >= g.limits.MaxCloudCoverPct {
		reasons = append(reasons, ReasonClouds)
	}

	return Status{
		IsSafe:          len(reasons) == 0,
		Reasons:         reasons,
		TemperatureC:    s.TemperatureC,
		WindSpeedMps:    s.WindSpeedMps,
		HumidityPct:     s.HumidityPct,
		PrecipitationMm: s.PrecipitationMm,
		PrecipChancePct: s.PrecipChancePct,
		CloudCoverPct:   s.CloudCoverPct,
		FetchedAt:       s.FetchedAt,
	}
}

// OpenMeteo fetches current conditions from the Open-Meteo forecast API.
type OpenMeteo struct {
	endpoint   string
	httpClient *http.Client
}

const openMeteoBase = "https://api.open-meteo.com/v1/forecast"

// NewOpenMeteo creates a provider for the site coordinates. endpoint
// overrides the public API URL when non-empty.
func NewOpenMeteo(endpoint string, latitudeDeg, longitudeDeg float64) *OpenMeteo {
	if endpoint == "" {
		params := url.Values{}
		params.Set("latitude", fmt.Sprintf("%.4f", latitudeDeg))
		params.Set("longitude", fmt.Sprintf("%.4f", longitudeDeg))
		params.Set("current", "temperature_2m,wind_speed_10m,relative_humidity_2m,precipitation,cloud_cover")
		params.Set("hourly", "precipitation_probability")
		params.Set("windspeed_unit", "ms")
		params.Set("precipitation_unit", "mm")
		params.Set("timezone", "UTC")
		endpoint = openMeteoBase + "?" + params.Encode()
	}
	return &OpenMeteo{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type openMeteoResponse struct {
	Current struct {
		TemperatureC *float64 `json:"temperature_2m"`
		WindSpeedMps *float64 `json:"wind_speed_10m"`
		HumidityPct  *float64 `json:"relative_humidity_2m"`
		Precip       *float64 `json:"precipitation"`
		CloudCover   *float64 `json:"cloud_cover"`
	} `json:"current"`
	Hourly struct {
		PrecipChance []float64 `json:"precipitation_probability"`
	} `json:"hourly"`
}

// Fetch polls the endpoint and normalizes the current block.
func (o *OpenMeteo) Fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetching weather: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("unexpected status code %d from weather provider", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading response body: %w", err)
	}

	var payload openMeteoResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Snapshot{}, fmt.Errorf("parsing weather response: %w", err)
	}

	snapshot := Snapshot{
		TemperatureC:    payload.Current.TemperatureC,
		WindSpeedMps:    payload.Current.WindSpeedMps,
		HumidityPct:     payload.Current.HumidityPct,
		PrecipitationMm: payload.Current.Precip,
		CloudCoverPct:   payload.Current.CloudCover,
		FetchedAt:       time.Now().UTC(),
	}
	if len(payload.Hourly.PrecipChance) > 0 {
		v := payload.Hourly.PrecipChance[0]
		snapshot.PrecipChancePct = &v
	}
	return snapshot, nil
}
