package transform

import "math"

// SeparationDeg returns the great-circle angular separation between two
// equatorial positions in degrees, using the haversine form which stays
// numerically stable for small angles.
func SeparationDeg(ra1Deg, dec1Deg, ra2Deg, dec2Deg float64) float64 {
	ra1 := ra1Deg * degToRad
	dec1 := dec1Deg * degToRad
	ra2 := ra2Deg * degToRad
	dec2 := dec2Deg * degToRad

	dRA := ra2 - ra1
	dDec := dec2 - dec1

	a := math.Sin(dDec/2)*math.Sin(dDec/2) +
		math.Cos(dec1)*math.Cos(dec2)*math.Sin(dRA/2)*math.Sin(dRA/2)
	if a > 1 {
		a = 1
	}
	return 2 * math.Asin(math.Sqrt(a)) * radToDeg
}

// SeparationArcsec returns the angular separation in arcseconds.
func SeparationArcsec(ra1Deg, dec1Deg, ra2Deg, dec2Deg float64) float64 {
	return SeparationDeg(ra1Deg, dec1Deg, ra2Deg, dec2Deg) * 3600.0
}

// InterpolateAngleDeg interpolates between two angles in degrees along the
// shortest arc, so a path from 359° to 1° crosses 0° instead of sweeping
// the long way around.
func InterpolateAngleDeg(start, end, fraction float64) float64 {
	delta := math.Mod(end-start+180.0, 360.0)
	if delta < 0 {
		delta += 360.0
	}
	delta -= 180.0
	return normalizeDeg(start + delta*fraction)
}
