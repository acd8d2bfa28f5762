package transform

import (
	"math"
	"time"
)

// SunPosition returns the apparent geocentric RA/Dec of the Sun in degrees
// using the Astronomical Almanac low-precision formulae (good to ~0.01°,
// valid 1950-2050).
func SunPosition(t time.Time) (raDeg, decDeg float64) {
	n := JulianDate(t) - j2000

	// Mean longitude and mean anomaly of the Sun.
	L := normalizeDeg(280.460 + 0.9856474*n)
	g := normalizeDeg(357.528+0.9856003*n) * degToRad

	// Ecliptic longitude with equation-of-center correction.
	lambda := (L + 1.915*math.Sin(g) + 0.020*math.Sin(2*g)) * degToRad

	// Obliquity of the ecliptic.
	eps := (23.439 - 4.0e-7*n) * degToRad

	ra := math.Atan2(math.Cos(eps)*math.Sin(lambda), math.Cos(lambda))
	if ra < 0 {
		ra += 2 * math.Pi
	}
	dec := math.Asin(math.Sin(eps) * math.Sin(lambda))

	return ra * radToDeg, dec * radToDeg
}

// SunAltitudeDeg returns the Sun's altitude above the horizon at the site.
func SunAltitudeDeg(site Site, t time.Time) float64 {
	ra, dec := SunPosition(t)
	return site.ToAltAz(ra, dec, t).AltitudeDeg
}
