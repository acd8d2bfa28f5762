// Package scoring ranks candidates for imaging. The composite score blends
// feed priority with the current observing geometry and the astrometric
// value of another observation; it is pure and deterministic so the
// auto-pilot can re-rank on every kickoff.
package scoring

import (
	"math"
	"time"

	"github.com/neo/neotrack/internal/domain"
)

// Weights are the relative contributions of each sub-score. They should sum
// to 1; Normalize rescales them if they do not.
type Weights struct {
	Priority     float64
	Altitude     float64
	TimeToSet    float64
	MotionRate   float64
	Uncertainty  float64
	ArcFreshness float64
}

// DefaultWeights returns the standard blend.
func DefaultWeights() Weights {
	return Weights{
		Priority:     0.30,
		Altitude:     0.25,
		TimeToSet:    0.15,
		MotionRate:   0.10,
		Uncertainty:  0.10,
		ArcFreshness: 0.10,
	}
}

// Normalize rescales the weights to sum to 1. Zero-sum weights are replaced
// with the defaults.
func (w Weights) Normalize() Weights {
	sum := w.Priority + w.Altitude + w.TimeToSet + w.MotionRate + w.Uncertainty + w.ArcFreshness
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{
		Priority:     w.Priority / sum,
		Altitude:     w.Altitude / sum,
		TimeToSet:    w.TimeToSet / sum,
		MotionRate:   w.MotionRate / sum,
		Uncertainty:  w.Uncertainty / sum,
		ArcFreshness: w.ArcFreshness / sum,
	}
}

// Scorer computes composite target scores.
type Scorer struct {
	weights Weights
}

// New creates a Scorer with the given weights.
func New(weights Weights) *Scorer {
	return &Scorer{weights: weights.Normalize()}
}

// Score returns the 0-100 composite score for a candidate. ephemeris may be
// nil when no current sample exists; each sub-score has an unknown default.
func (s *Scorer) Score(candidate domain.Candidate, obs domain.ObservabilityResult, ephemeris *domain.EphemerisSample, now time.Time) float64 {
	composite := s.weights.Priority*scorePriority(candidate) +
		s.weights.Altitude*scoreAltitude(obs, ephemeris) +
		s.weights.TimeToSet*scoreTimeToSet(obs, now) +
		s.weights.MotionRate*scoreMotionRate(ephemeris) +
		s.weights.Uncertainty*scoreUncertainty(ephemeris) +
		s.weights.ArcFreshness*scoreArcFreshness(candidate, now)

	return math.Min(100, math.Max(0, composite))
}

// scorePriority passes the feed score through, 50 when unknown.
func scorePriority(candidate domain.Candidate) float64 {
	if candidate.Score == nil {
		return 50
	}
	return *candidate.Score
}

// scoreAltitude favors high elevation: 100 above 60°, then linear bands down
// to 0 at the horizon. The current ephemeris elevation wins over the night's
// peak altitude when present.
func scoreAltitude(obs domain.ObservabilityResult, ephemeris *domain.EphemerisSample) float64 {
	var altitude float64
	switch {
	case ephemeris != nil && ephemeris.ElevationDeg != nil:
		altitude = *ephemeris.ElevationDeg
	case obs.MaxAltitudeDeg > 0:
		altitude = obs.MaxAltitudeDeg
	default:
		return 50
	}

	switch {
	case altitude > 60:
		return 100
	case altitude > 45:
		return 80 + (altitude-45)*(20.0/15.0)
	case altitude > 30:
		return 50 + (altitude-30)*(30.0/15.0)
	default:
		return math.Max(0, altitude*(50.0/30.0))
	}
}

// scoreTimeToSet rewards targets with hours of window left over ones about
// to set.
func scoreTimeToSet(obs domain.ObservabilityResult, now time.Time) float64 {
	if obs.WindowEnd == nil {
		return 50
	}
	hoursRemaining := obs.WindowEnd.Sub(now).Hours()

	switch {
	case hoursRemaining > 4:
		return 100
	case hoursRemaining > 2:
		return 70 + (hoursRemaining-2)*(30.0/2.0)
	case hoursRemaining > 1:
		return 40 + (hoursRemaining-1)*30.0
	default:
		return math.Max(0, hoursRemaining*40)
	}
}

// scoreMotionRate favors slow movers. The plane-of-sky rate folds the RA
// rate by cos(dec) so polar targets are not penalized for coordinate speed.
func scoreMotionRate(ephemeris *domain.EphemerisSample) float64 {
	if ephemeris == nil || ephemeris.RARateArcsecMin == nil {
		return 70
	}
	raRate := *ephemeris.RARateArcsecMin * math.Cos(ephemeris.DecDeg*math.Pi/180)
	var decRate float64
	if ephemeris.DecRateArcsecMin != nil {
		decRate = *ephemeris.DecRateArcsecMin
	}
	rate := math.Sqrt(raRate*raRate + decRate*decRate)

	switch {
	case rate < 10:
		return 100
	case rate < 30:
		return 80 + (30-rate)*1.0
	case rate < 60:
		return 50 + (60-rate)*1.0
	default:
		return math.Max(0, 50-(rate-60)*0.5)
	}
}

// scoreUncertainty favors well-constrained positions (3σ in arcsec).
func scoreUncertainty(ephemeris *domain.EphemerisSample) float64 {
	if ephemeris == nil || ephemeris.Uncertainty3Sigma == nil {
		return 70
	}
	u := *ephemeris.Uncertainty3Sigma

	switch {
	case u < 10:
		return 100
	case u < 30:
		return 80 + (30-u)*1.0
	case u < 60:
		return 50 + (60-u)*1.0
	default:
		return math.Max(0, 50-(u-60)*0.5)
	}
}

// scoreArcFreshness rewards candidates whose last report is recent. Orbit
// determination improves most when a short arc is extended quickly.
func scoreArcFreshness(candidate domain.Candidate, now time.Time) float64 {
	if candidate.LastObsAt == nil {
		return 50
	}
	hoursSince := now.Sub(*candidate.LastObsAt).Hours()

	switch {
	case hoursSince < 6:
		return 100
	case hoursSince < 24:
		return 70 + (24-hoursSince)*(30.0/18.0)
	case hoursSince < 72:
		return 40 + (72-hoursSince)*(30.0/48.0)
	default:
		return math.Max(0, 40-(hoursSince-72)*(40.0/168.0))
	}
}
