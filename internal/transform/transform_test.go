package transform

import (
	"math"
	"testing"
	"time"
)

func TestGMSTAtJ2000(t *testing.T) {
	// GMST at the J2000.0 epoch is 280.4606° (18h 41m 50.55s).
	got := GMST(time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)) * radToDeg
	want := 280.4606
	if math.Abs(got-want) > 0.01 {
		t.Errorf("GMST(J2000) = %.4f°, want %.4f°", got, want)
	}
}

func TestJulianDateKnownEpochs(t *testing.T) {
	cases := []struct {
		t    time.Time
		want float64
	}{
		{time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC), 2451545.0},
		{time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC), 2451179.5},
		{time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC), 2460720.5},
	}
	for _, tc := range cases {
		if got := JulianDate(tc.t); math.Abs(got-tc.want) > 1e-6 {
			t.Errorf("JulianDate(%v) = %.6f, want %.6f", tc.t, got, tc.want)
		}
	}
}

func TestPoleStarAltitudeMatchesLatitude(t *testing.T) {
	// An object at the celestial pole sits at an altitude equal to the
	// site latitude, at any time, azimuth due north.
	site := NewSite(40.7128, -74.006, 10)
	for hour := 0; hour < 24; hour += 3 {
		at := time.Date(2025, 3, 1, hour, 0, 0, 0, time.UTC)
		aa := site.ToAltAz(37.95, 89.99, at)
		if math.Abs(aa.AltitudeDeg-40.7128) > 0.05 {
			t.Errorf("hour %d: pole altitude = %.3f°, want ~40.713°", hour, aa.AltitudeDeg)
		}
		if aa.AzimuthDeg > 1.0 && aa.AzimuthDeg < 359.0 {
			t.Errorf("hour %d: pole azimuth = %.3f°, want ~0°/360°", hour, aa.AzimuthDeg)
		}
	}
}

func TestToAltAzTransit(t *testing.T) {
	// An object on the meridian with dec == latitude passes through the zenith.
	site := NewSite(30, 0, 0)
	at := time.Date(2025, 3, 1, 4, 0, 0, 0, time.UTC)
	lstDeg := GMST(at) * radToDeg // longitude 0, so LST == GMST

	aa := site.ToAltAz(lstDeg, 30, at)
	if aa.AltitudeDeg < 89.9 {
		t.Errorf("transit altitude = %.3f°, want ~90°", aa.AltitudeDeg)
	}
}

func TestSunDeclinationAtSolstice(t *testing.T) {
	_, dec := SunPosition(time.Date(2025, 6, 21, 3, 0, 0, 0, time.UTC))
	if math.Abs(dec-23.43) > 0.1 {
		t.Errorf("solstice declination = %.3f°, want ~23.43°", dec)
	}
}

func TestSunAltitudeDayNight(t *testing.T) {
	site := NewSite(40.7128, -74.006, 10)

	noon := SunAltitudeDeg(site, time.Date(2025, 6, 21, 17, 0, 0, 0, time.UTC))
	if noon < 50 {
		t.Errorf("local-noon sun altitude = %.1f°, want > 50°", noon)
	}

	midnight := SunAltitudeDeg(site, time.Date(2025, 6, 21, 5, 0, 0, 0, time.UTC))
	if midnight > -10 {
		t.Errorf("local-midnight sun altitude = %.1f°, want < -10°", midnight)
	}
}

func TestMoonPositionSanity(t *testing.T) {
	// The Moon stays within ~5.15° of the ecliptic, so |dec| < 29°.
	for m := 1; m <= 12; m++ {
		at := time.Date(2025, time.Month(m), 10, 0, 0, 0, 0, time.UTC)
		ra, dec := MoonPosition(at)
		if ra < 0 || ra >= 360 {
			t.Errorf("month %d: moon RA %.3f out of range", m, ra)
		}
		if math.Abs(dec) > 29 {
			t.Errorf("month %d: moon dec %.3f exceeds inclination bound", m, dec)
		}
	}
}

func TestSeparationArcsec(t *testing.T) {
	cases := []struct {
		name                 string
		ra1, dec1, ra2, dec2 float64
		want, tol            float64
	}{
		{"identical", 10, 20, 10, 20, 0, 1e-9},
		{"quarter arcsec", 10.0, 20.0, 10.00005, 20.00005, 0.24, 0.05},
		{"ra offset at dec 20", 10.0, 20.0, 10.05, 20.0, 169.1, 0.5},
		{"pure dec degree", 10, 20, 10, 21, 3600, 0.01},
	}
	for _, tc := range cases {
		got := SeparationArcsec(tc.ra1, tc.dec1, tc.ra2, tc.dec2)
		if math.Abs(got-tc.want) > tc.tol {
			t.Errorf("%s: separation = %.3f arcsec, want %.3f +/- %.3f", tc.name, got, tc.want, tc.tol)
		}
	}
}

func TestInterpolateAngleShortestArc(t *testing.T) {
	cases := []struct {
		start, end, frac, want float64
	}{
		{359, 1, 0.5, 0},  // crosses the wrap going forward
		{1, 359, 0.5, 0},  // crosses the wrap going backward
		{10, 20, 0.0, 10}, // exact endpoint
		{10, 20, 1.0, 20}, // exact endpoint
		{10, 20, 0.25, 12.5},
		{350, 10, 0.25, 355},
	}
	for _, tc := range cases {
		got := InterpolateAngleDeg(tc.start, tc.end, tc.frac)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("InterpolateAngleDeg(%v, %v, %v) = %v, want %v", tc.start, tc.end, tc.frac, got, tc.want)
		}
	}
}
