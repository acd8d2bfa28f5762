// Package site loads the observing site profile from a YAML file:
// coordinates, constraint limits, the horizon mask location, and optional
// exposure preset overrides.
package site

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/neo/neotrack/internal/observability"
	"github.com/neo/neotrack/internal/preset"
	"github.com/neo/neotrack/internal/transform"
)

// Constraints are the site's observing limits. Zero values fall back to the
// engine defaults.
type Constraints struct {
	MinAltitudeDeg       float64 `yaml:"min_altitude_deg"`
	MaxSunAltitudeDeg    float64 `yaml:"max_sun_altitude_deg"`
	MinMoonSeparationDeg float64 `yaml:"min_moon_separation_deg"`
	MaxVmag              float64 `yaml:"max_vmag"`
	MinWindowMinutes     float64 `yaml:"min_window_minutes"`
	TargetWindowMinutes  float64 `yaml:"target_window_minutes"`
	RecentHours          float64 `yaml:"recent_hours"`
}

// Profile is the full site configuration.
type Profile struct {
	Name            string          `yaml:"name"`
	LatitudeDeg     float64         `yaml:"latitude_deg"`
	LongitudeDeg    float64         `yaml:"longitude_deg"`
	ElevationM      float64         `yaml:"elevation_m"`
	HorizonMaskPath string          `yaml:"horizon_mask_path"`
	Constraints     Constraints     `yaml:"constraints"`
	Presets         []preset.Preset `yaml:"presets"`
}

// Load reads and validates a site profile.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("reading site profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parsing site profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks coordinate ranges and any preset overrides.
func (p Profile) Validate() error {
	if p.LatitudeDeg < -90 || p.LatitudeDeg > 90 {
		return fmt.Errorf("latitude_deg %v out of range [-90, 90]", p.LatitudeDeg)
	}
	if p.LongitudeDeg < -180 || p.LongitudeDeg > 180 {
		return fmt.Errorf("longitude_deg %v out of range [-180, 180]", p.LongitudeDeg)
	}
	if len(p.Presets) > 0 {
		if err := preset.Validate(p.Presets); err != nil {
			return fmt.Errorf("presets: %w", err)
		}
	}
	return nil
}

// Site returns the ground station for coordinate transforms.
func (p Profile) Site() transform.Site {
	return transform.NewSite(p.LatitudeDeg, p.LongitudeDeg, p.ElevationM)
}

// EngineConfig maps the constraint block onto the visibility scan config,
// keeping engine defaults for anything the profile leaves at zero.
// MaxSunAltitudeDeg is the exception: zero degrees is a meaningful limit,
// so the profile value is taken whenever any constraint is set.
func (p Profile) EngineConfig() observability.Config {
	cfg := observability.DefaultConfig()
	c := p.Constraints
	if c == (Constraints{}) {
		return cfg
	}
	cfg.MaxSunAltitudeDeg = c.MaxSunAltitudeDeg
	if c.MinAltitudeDeg > 0 {
		cfg.MinAltitudeDeg = c.MinAltitudeDeg
	}
	if c.MinMoonSeparationDeg > 0 {
		cfg.MinMoonSeparationDeg = c.MinMoonSeparationDeg
	}
	if c.MaxVmag > 0 {
		cfg.MaxVmag = c.MaxVmag
	}
	if c.MinWindowMinutes > 0 {
		cfg.MinWindowMinutes = c.MinWindowMinutes
	}
	if c.TargetWindowMinutes > 0 {
		cfg.TargetWindowMinutes = c.TargetWindowMinutes
	}
	if c.RecentHours > 0 {
		cfg.RecentHours = c.RecentHours
	}
	return cfg
}
