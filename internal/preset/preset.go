// Package preset maps target brightness and urgency to an exposure plan.
package preset

import (
	"fmt"
	"math"
)

// Preset is one exposure plan tier.
type Preset struct {
	Name            string  `yaml:"name" json:"name"`
	MaxVmag         float64 `yaml:"max_vmag" json:"max_vmag"`
	ExposureSeconds float64 `yaml:"exposure_seconds" json:"exposure_seconds"`
	Count           int     `yaml:"count" json:"count"`
	Filter          string  `yaml:"filter" json:"filter"`
	Binning         int     `yaml:"binning" json:"binning"`
	// DelaySeconds spaces exposures so a moving target shifts measurably
	// between frames.
	DelaySeconds float64 `yaml:"delay_seconds" json:"delay_seconds"`
}

// DefaultPresets returns the astrometry-oriented tiers, ordered brightest
// first. Select relies on this ordering.
func DefaultPresets() []Preset {
	return []Preset{
		{Name: "bright", MaxVmag: 16.0, ExposureSeconds: 60, Count: 4, Filter: "L", Binning: 1, DelaySeconds: 90},
		{Name: "medium", MaxVmag: 18.0, ExposureSeconds: 90, Count: 5, Filter: "L", Binning: 1, DelaySeconds: 120},
		{Name: "faint", MaxVmag: 99.0, ExposureSeconds: 120, Count: 6, Filter: "L", Binning: 2, DelaySeconds: 180},
	}
}

// Resolver selects an exposure plan for a target.
type Resolver struct {
	presets []Preset
}

// NewResolver creates a Resolver; nil or empty presets fall back to the
// defaults.
func NewResolver(presets []Preset) *Resolver {
	if len(presets) == 0 {
		presets = DefaultPresets()
	}
	return &Resolver{presets: presets}
}

// Presets returns the configured tiers.
func (r *Resolver) Presets() []Preset {
	return r.presets
}

// Select picks the first tier whose magnitude ceiling covers the target.
// vmag may be nil (unknown brightness), which selects the brightest tier on
// the theory that an unknown NEOCP target is usually a fresh, bright one.
// urgency in [0, 1] above 0.7 shortens exposures and adds frames; motion
// in arcsec/min above 30 halves exposure time and doubles the count so
// trailing stays bounded.
func (r *Resolver) Select(vmag *float64, urgency float64, motionArcsecMin *float64) Preset {
	chosen := r.presets[0]
	if vmag != nil {
		chosen = r.presets[len(r.presets)-1]
		for _, p := range r.presets {
			if *vmag <= p.MaxVmag {
				chosen = p
				break
			}
		}
	}

	if urgency >= 0.7 {
		chosen.Name = chosen.Name + "-urgent"
		chosen.ExposureSeconds = chosen.ExposureSeconds * 0.85
		if chosen.Count < 20 {
			chosen.Count += 2
		}
		chosen.DelaySeconds = chosen.DelaySeconds * 0.8
	}

	if motionArcsecMin != nil && *motionArcsecMin > 30 {
		chosen.Name = chosen.Name + "-fast"
		chosen.ExposureSeconds = math.Max(10, chosen.ExposureSeconds/2)
		chosen.Count = chosen.Count * 2
		chosen.DelaySeconds = math.Max(30, chosen.DelaySeconds/2)
	}

	return chosen
}

// Validate checks a preset list loaded from configuration.
func Validate(presets []Preset) error {
	for i, p := range presets {
		if p.ExposureSeconds <= 0 {
			return fmt.Errorf("preset %q: exposure_seconds must be positive", p.Name)
		}
		if p.Count <= 0 {
			return fmt.Errorf("preset %q: count must be positive", p.Name)
		}
		if p.Binning <= 0 {
			return fmt.Errorf("preset %q: binning must be positive", p.Name)
		}
		if i > 0 && p.MaxVmag < presets[i-1].MaxVmag {
			return fmt.Errorf("preset %q: tiers must be ordered by max_vmag", p.Name)
		}
	}
	return nil
}
