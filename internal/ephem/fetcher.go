// Package ephem caches sparse ephemeris samples per candidate and predicts
// positions at arbitrary times by interpolating between bracketing samples.
package ephem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/neo/neotrack/internal/domain"
)

// Fetcher retrieves ephemeris samples for a candidate over a time span.
type Fetcher interface {
	// Fetch returns samples for trksub covering [start, end] at stepMinutes
	// spacing. The returned samples carry the fetcher's source tag.
	Fetch(ctx context.Context, trksub string, start, end time.Time, stepMinutes int) ([]domain.EphemerisSample, error)

	// Source identifies the upstream service for logging and sample tagging.
	Source() string
}

// HTTPFetcher fetches ephemerides from an ephemeris web service via a JSON
// POST. Both the MPC-style service and the Horizons proxy speak this shape.
type HTTPFetcher struct {
	url        string
	source     string
	latitude   float64
	longitude  float64
	elevationM float64
	httpClient *http.Client
}

// NewHTTPFetcher creates a fetcher against the given endpoint. The site
// coordinates are forwarded so the service returns topocentric positions.
func NewHTTPFetcher(url, source string, latitudeDeg, longitudeDeg, elevationM float64) *HTTPFetcher {
	return &HTTPFetcher{
		url:        url,
		source:     source,
		latitude:   latitudeDeg,
		longitude:  longitudeDeg,
		elevationM: elevationM,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Source returns the configured source tag.
func (f *HTTPFetcher) Source() string {
	return f.source
}

type fetchRequest struct {
	Trksub      string  `json:"trksub"`
	StartTime   string  `json:"start_time"`
	EndTime     string  `json:"end_time"`
	StepMinutes int     `json:"step_minutes"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	ElevationM  float64 `json:"elevation_m"`
	Format      string  `json:"format"`
}

// Fetch posts the span request and parses the returned sample list.
func (f *HTTPFetcher) Fetch(ctx context.Context, trksub string, start, end time.Time, stepMinutes int) ([]domain.EphemerisSample, error) {
	payload, err := json.Marshal(fetchRequest{
		Trksub:      trksub,
		StartTime:   start.UTC().Format("2006-01-02T15:04:05Z"),
		EndTime:     end.UTC().Format("2006-01-02T15:04:05Z"),
		StepMinutes: stepMinutes,
		Latitude:    f.latitude,
		Longitude:   f.longitude,
		ElevationM:  f.elevationM,
		Format:      "json",
	})
	if err != nil {
		return nil, fmt.Errorf("encoding ephemeris request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching ephemeris from %s: %w", f.source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, f.url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	entries, err := parseEntries(body)
	if err != nil {
		return nil, fmt.Errorf("parsing %s response: %w", f.source, err)
	}

	now := time.Now().UTC()
	samples := make([]domain.EphemerisSample, 0, len(entries))
	for _, entry := range entries {
		sample, ok := entryToSample(entry, trksub, f.source, now)
		if ok {
			samples = append(samples, sample)
		}
	}
	return samples, nil
}

// parseEntries accepts either a bare list of samples or an envelope with the
// list under "ephemeris" or "results".
func parseEntries(body []byte) ([]map[string]any, error) {
	var list []map[string]any
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("response is neither a list nor an object")
	}
	for _, key := range []string{"ephemeris", "results"} {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decoding %q list: %w", key, err)
		}
		return list, nil
	}
	return nil, fmt.Errorf("no ephemeris list in response")
}

// entryToSample maps one response entry into a sample, tolerating both the
// long and short field names the upstream services use.
func entryToSample(entry map[string]any, trksub, source string, fetchedAt time.Time) (domain.EphemerisSample, bool) {
	epoch, ok := entryEpoch(entry)
	if !ok {
		return domain.EphemerisSample{}, false
	}
	ra, okRA := entryFloat(entry, "ra_deg", "ra")
	dec, okDec := entryFloat(entry, "dec_deg", "dec")
	if !okRA || !okDec {
		return domain.EphemerisSample{}, false
	}

	sample := domain.EphemerisSample{
		Trksub:    trksub,
		Epoch:     epoch,
		RADeg:     ra,
		DecDeg:    dec,
		Source:    source,
		FetchedAt: fetchedAt,
	}
	if v, ok := entryFloat(entry, "ra_rate_arcsec_min", "ra_rate"); ok {
		sample.RARateArcsecMin = &v
	}
	if v, ok := entryFloat(entry, "dec_rate_arcsec_min", "dec_rate"); ok {
		sample.DecRateArcsecMin = &v
	}
	if v, ok := entryFloat(entry, "azimuth_deg", "az"); ok {
		sample.AzimuthDeg = &v
	}
	if v, ok := entryFloat(entry, "elevation_deg", "el", "alt"); ok {
		sample.ElevationDeg = &v
	}
	if v, ok := entryFloat(entry, "airmass"); ok {
		sample.Airmass = &v
	}
	if v, ok := entryFloat(entry, "magnitude", "vmag"); ok {
		sample.Magnitude = &v
	}
	if v, ok := entryFloat(entry, "uncertainty_3sigma_arcsec", "unc_arcsec"); ok {
		sample.Uncertainty3Sigma = &v
	}
	return sample, true
}

func entryEpoch(entry map[string]any) (time.Time, bool) {
	for _, key := range []string{"epoch_iso", "time", "epoch"} {
		v, ok := entry[key]
		if !ok {
			continue
		}
		switch value := v.(type) {
		case string:
			for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
				if t, err := time.Parse(layout, value); err == nil {
					return t.UTC().Truncate(time.Minute), true
				}
			}
		case float64:
			return time.Unix(int64(value), 0).UTC().Truncate(time.Minute), true
		}
	}
	return time.Time{}, false
}

func entryFloat(entry map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := entry[key]
		if !ok || v == nil {
			continue
		}
		switch value := v.(type) {
		case float64:
			return value, true
		case string:
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
