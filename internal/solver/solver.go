// Package solver wraps the out-of-process plate solver and source detector
// used to verify pointing and associate detections with predictions.
package solver

import (
	"context"
	"math"

	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/transform"
)

// Solution is a successful astrometric solution for an image.
type Solution struct {
	RADeg        float64 `json:"ra_deg"`
	DecDeg       float64 `json:"dec_deg"`
	PixelScale   float64 `json:"pixel_scale_arcsec,omitempty"`
	RotationDeg  float64 `json:"rotation_deg,omitempty"`
	SolveSeconds float64 `json:"solve_seconds,omitempty"`
}

// Solver plate-solves an image, optionally seeded with a position hint.
type Solver interface {
	Solve(ctx context.Context, imagePath string, hint *domain.Position, radiusDeg float64) (Solution, error)
}

// Detection is one source found in a solved image.
type Detection struct {
	RADeg  float64 `json:"ra_deg"`
	DecDeg float64 `json:"dec_deg"`
	Flux   float64 `json:"flux,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
}

// Detector extracts sources from a solved image.
type Detector interface {
	Detect(ctx context.Context, imagePath string) ([]Detection, error)
}

// Match pairs a detection with the predicted position it sits closest to.
type Match struct {
	Detection        Detection
	SeparationArcsec float64
}

// FindBestMatch returns the detection nearest the predicted position within
// tolerance, or nil when nothing qualifies.
func FindBestMatch(detections []Detection, predicted domain.Position, toleranceArcsec float64) *Match {
	var best *Match
	minDist := math.Inf(1)

	for _, d := range detections {
		dist := transform.SeparationArcsec(d.RADeg, d.DecDeg, predicted.RADeg, predicted.DecDeg)
		if dist < toleranceArcsec && dist < minDist {
			minDist = dist
			best = &Match{Detection: d, SeparationArcsec: dist}
		}
	}
	return best
}
