// Package horizon provides the site obstruction profile: a piecewise-linear
// minimum-altitude curve indexed by azimuth, closed across the 0°/360° wrap.
package horizon

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// Mask is an azimuth → minimum-altitude lookup built from sorted samples.
// Virtual endpoints at 0° and 360° are inserted on construction so the curve
// is continuous across the wrap boundary.
type Mask struct {
	azimuths  []float64
	altitudes []float64
}

// Point is one horizon profile sample.
type Point struct {
	AzimuthDeg  float64
	AltitudeDeg float64
}

// profileFile matches the site-survey export format: the profile sits under
// outputs.horizon_profile with either short or long key names per point.
type profileFile struct {
	Outputs struct {
		HorizonProfile []map[string]float64 `json:"horizon_profile"`
	} `json:"outputs"`
}

// New builds a Mask from profile points. Points are normalized into
// [0, 360), sorted, and closed at both ends. Returns nil for an empty set.
func New(points []Point) *Mask {
	if len(points) == 0 {
		return nil
	}

	norm := make([]Point, 0, len(points))
	for _, p := range points {
		az := math.Mod(p.AzimuthDeg, 360.0)
		if az < 0 {
			az += 360.0
		}
		norm = append(norm, Point{AzimuthDeg: az, AltitudeDeg: p.AltitudeDeg})
	}
	sort.Slice(norm, func(i, j int) bool { return norm[i].AzimuthDeg < norm[j].AzimuthDeg })

	az := make([]float64, 0, len(norm)+2)
	alt := make([]float64, 0, len(norm)+2)

	// Close the curve: both wrap endpoints carry the first sample's altitude
	// so limit(0) == limit(360) by construction.
	if norm[0].AzimuthDeg > 0 {
		az = append(az, 0)
		alt = append(alt, norm[0].AltitudeDeg)
	}
	for _, p := range norm {
		az = append(az, p.AzimuthDeg)
		alt = append(alt, p.AltitudeDeg)
	}
	if az[len(az)-1] < 360 {
		az = append(az, 360)
		alt = append(alt, norm[0].AltitudeDeg)
	}

	return &Mask{azimuths: az, altitudes: alt}
}

// Load reads a horizon profile JSON file. A missing or empty profile is a
// configuration error; callers decide whether to continue without a mask.
func Load(path string) (*Mask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading horizon mask: %w", err)
	}

	var file profileFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing horizon mask %s: %w", path, err)
	}

	points := make([]Point, 0, len(file.Outputs.HorizonProfile))
	for _, entry := range file.Outputs.HorizonProfile {
		az, okAz := firstOf(entry, "A", "azimuth", "az")
		alt, okAlt := firstOf(entry, "H_hor", "altitude", "alt")
		if okAz && okAlt {
			points = append(points, Point{AzimuthDeg: az, AltitudeDeg: alt})
		}
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("horizon mask %s contains no profile points", path)
	}

	return New(points), nil
}

func firstOf(entry map[string]float64, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := entry[k]; ok {
			return v, true
		}
	}
	return 0, false
}

// LimitFor returns the minimum clear altitude at the given azimuth, linearly
// interpolated between the nearest bracketing profile samples. Azimuth is
// wrapped modulo 360 first.
func (m *Mask) LimitFor(azimuthDeg float64) float64 {
	if m == nil || len(m.azimuths) == 0 {
		return 0
	}

	az := math.Mod(azimuthDeg, 360.0)
	if az < 0 {
		az += 360.0
	}

	// Find the first sample at or beyond az.
	i := sort.SearchFloat64s(m.azimuths, az)
	if i == 0 {
		return m.altitudes[0]
	}
	if i >= len(m.azimuths) {
		return m.altitudes[len(m.altitudes)-1]
	}
	if m.azimuths[i] == az {
		return m.altitudes[i]
	}

	lo, hi := i-1, i
	span := m.azimuths[hi] - m.azimuths[lo]
	if span == 0 {
		return m.altitudes[lo]
	}
	frac := (az - m.azimuths[lo]) / span
	return m.altitudes[lo] + (m.altitudes[hi]-m.altitudes[lo])*frac
}
