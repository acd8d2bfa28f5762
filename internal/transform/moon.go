package transform

import (
	"math"
	"time"
)

// MoonPosition returns the geocentric RA/Dec of the Moon in degrees using a
// truncated ELP series (largest periodic terms only, accuracy ~0.3°). That
// is an order of magnitude tighter than the moon-separation thresholds the
// scheduler enforces.
func MoonPosition(t time.Time) (raDeg, decDeg float64) {
	tc := (JulianDate(t) - j2000) / 36525.0

	// Fundamental arguments (degrees), Meeus ch. 47 truncated.
	lp := normalizeDeg(218.3164477 + 481267.88123421*tc) // mean longitude
	d := normalizeDeg(297.8501921+445267.1114034*tc) * degToRad
	m := normalizeDeg(357.5291092+35999.0502909*tc) * degToRad   // Sun anomaly
	mp := normalizeDeg(134.9633964+477198.8675055*tc) * degToRad // Moon anomaly
	f := normalizeDeg(93.2720950+483202.0175233*tc) * degToRad   // arg. latitude

	// Ecliptic longitude (degrees).
	lambda := lp +
		6.288774*math.Sin(mp) +
		1.274027*math.Sin(2*d-mp) +
		0.658314*math.Sin(2*d) +
		0.213618*math.Sin(2*mp) -
		0.185116*math.Sin(m) -
		0.114332*math.Sin(2*f) +
		0.058793*math.Sin(2*d-2*mp) +
		0.057066*math.Sin(2*d-m-mp) +
		0.053322*math.Sin(2*d+mp) +
		0.045758*math.Sin(2*d-m)

	// Ecliptic latitude (degrees).
	beta := 5.128122*math.Sin(f) +
		0.280602*math.Sin(mp+f) +
		0.277693*math.Sin(mp-f) +
		0.173237*math.Sin(2*d-f) +
		0.055413*math.Sin(2*d+f-mp) +
		0.046271*math.Sin(2*d-f-mp)

	lam := normalizeDeg(lambda) * degToRad
	bet := beta * degToRad
	eps := (23.4392911 - 0.0130042*tc) * degToRad

	sinLam := math.Sin(lam)
	ra := math.Atan2(sinLam*math.Cos(eps)-math.Tan(bet)*math.Sin(eps), math.Cos(lam))
	if ra < 0 {
		ra += 2 * math.Pi
	}
	dec := math.Asin(math.Sin(bet)*math.Cos(eps) + math.Cos(bet)*math.Sin(eps)*sinLam)

	return ra * radToDeg, dec * radToDeg
}

// MoonSeparationDeg returns the angular distance in degrees between the Moon
// and an equatorial position at time t.
func MoonSeparationDeg(raDeg, decDeg float64, t time.Time) float64 {
	moonRA, moonDec := MoonPosition(t)
	return SeparationDeg(raDeg, decDeg, moonRA, moonDec)
}
