// Command diag is a one-shot geometry check for a site profile: sun and
// moon state now, the horizon limit around the compass, and optionally the
// alt/az of a given RA/Dec. Useful when a target is unexpectedly rejected.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/neo/neotrack/internal/horizon"
	"github.com/neo/neotrack/internal/site"
	"github.com/neo/neotrack/internal/transform"
)

func main() {
	profilePath := os.Getenv("NEOTRACK_SITE_PROFILE")
	if len(os.Args) > 1 {
		profilePath = os.Args[1]
	}
	if profilePath == "" {
		fmt.Println("usage: diag <site-profile.yaml> [ra_deg dec_deg]")
		os.Exit(1)
	}

	profile, err := site.Load(profilePath)
	if err != nil {
		fmt.Println("ERROR loading site profile:", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	st := profile.Site()
	fmt.Printf("Site %q: lat %.4f lon %.4f elev %.0fm\n",
		profile.Name, profile.LatitudeDeg, profile.LongitudeDeg, profile.ElevationM)
	fmt.Printf("Time: %s\n\n", now.Format(time.RFC3339))

	sunAlt := transform.SunAltitudeDeg(st, now)
	fmt.Printf("Sun altitude: %+.1f deg (dark-sky limit %.1f)\n", sunAlt, profile.EngineConfig().MaxSunAltitudeDeg)

	moonRA, moonDec := transform.MoonPosition(now)
	moonAltAz := st.ToAltAz(moonRA, moonDec, now)
	fmt.Printf("Moon: RA %.3f Dec %+.3f, alt %+.1f az %.1f\n\n",
		moonRA, moonDec, moonAltAz.AltitudeDeg, moonAltAz.AzimuthDeg)

	if profile.HorizonMaskPath != "" {
		mask, err := horizon.Load(profile.HorizonMaskPath)
		if err != nil {
			fmt.Println("ERROR loading horizon mask:", err)
		} else {
			fmt.Println("Horizon limits:")
			for az := 0.0; az < 360; az += 45 {
				fmt.Printf("  az %3.0f: %.1f deg\n", az, mask.LimitFor(az))
			}
			fmt.Println()
		}
	}

	if len(os.Args) > 3 {
		ra, errRA := strconv.ParseFloat(os.Args[2], 64)
		dec, errDec := strconv.ParseFloat(os.Args[3], 64)
		if errRA != nil || errDec != nil {
			fmt.Println("ERROR: ra_deg and dec_deg must be numbers")
			os.Exit(1)
		}
		altAz := st.ToAltAz(ra, dec, now)
		fmt.Printf("Target RA %.4f Dec %+.4f: alt %+.1f az %.1f\n", ra, dec, altAz.AltitudeDeg, altAz.AzimuthDeg)
		fmt.Printf("Moon separation: %.1f deg\n", transform.MoonSeparationDeg(ra, dec, now))
	}
}
