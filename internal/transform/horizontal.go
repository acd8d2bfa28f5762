package transform

import (
	"math"
	"time"
)

// Site holds a ground site's location with trigonometric terms precomputed
// once so they can be reused across many grid-point transforms.
type Site struct {
	LatDeg, LonDeg float64
	ElevationM     float64

	sinLat, cosLat float64
	lonRad         float64
}

// NewSite creates a Site from geodetic coordinates in degrees (longitude
// east-positive) and elevation in meters.
func NewSite(latDeg, lonDeg, elevationM float64) Site {
	lat := latDeg * degToRad
	return Site{
		LatDeg:     latDeg,
		LonDeg:     lonDeg,
		ElevationM: elevationM,
		sinLat:     math.Sin(lat),
		cosLat:     math.Cos(lat),
		lonRad:     lonDeg * degToRad,
	}
}

// AltAz holds a horizontal-frame position.
type AltAz struct {
	AltitudeDeg float64 // 0 = horizon, 90 = zenith
	AzimuthDeg  float64 // 0 = North, measured clockwise through East
}

// ToAltAz converts an equatorial position (degrees) to altitude/azimuth for
// the site at time t. Refraction is ignored; the scheduler's altitude floors
// absorb it.
func (s Site) ToAltAz(raDeg, decDeg float64, t time.Time) AltAz {
	lst := GMST(t) + s.lonRad
	ha := lst - raDeg*degToRad

	dec := decDeg * degToRad
	sinDec := math.Sin(dec)
	cosDec := math.Cos(dec)
	cosHA := math.Cos(ha)

	sinAlt := sinDec*s.sinLat + cosDec*s.cosLat*cosHA
	if sinAlt > 1 {
		sinAlt = 1
	} else if sinAlt < -1 {
		sinAlt = -1
	}
	alt := math.Asin(sinAlt)

	// Azimuth from North, clockwise.
	az := math.Atan2(-cosDec*math.Sin(ha), sinDec*s.cosLat-cosDec*cosHA*s.sinLat)
	if az < 0 {
		az += 2 * math.Pi
	}

	return AltAz{
		AltitudeDeg: alt * radToDeg,
		AzimuthDeg:  az * radToDeg,
	}
}
