// Package bridge talks to the observatory control bridge: mount, camera,
// and the bridge-side plate solver. All waits are bounded polls that return
// typed timeout errors instead of hanging the scheduler worker.
package bridge

import (
	"context"
	"errors"
	"fmt"
)

// ErrTimeout marks a bounded hardware wait that expired. Callers convert it
// to a structured stage failure rather than letting it propagate.
var ErrTimeout = errors.New("hardware wait timed out")

// Client is the equipment control surface the acquisition and capture
// services depend on.
type Client interface {
	// Connect connects the telescope and camera.
	Connect(ctx context.Context) error

	// Park parks the mount.
	Park(ctx context.Context) error

	// Slew commands the mount to the given equatorial position.
	Slew(ctx context.Context, raDeg, decDeg float64) error

	// StartExposure drives one exposure and returns when the bridge reports
	// a result, including the inline plate solve when one was requested.
	StartExposure(ctx context.Context, req ExposureRequest) (ExposureResult, error)

	// WaitForMountReady blocks until the mount stops slewing and settles.
	WaitForMountReady(ctx context.Context) error

	// WaitForCameraIdle blocks until no exposure is in progress.
	WaitForCameraIdle(ctx context.Context) error
}

// ExposureRequest describes one exposure.
type ExposureRequest struct {
	Filter  string
	Binning int
	Seconds float64
	Target  string
	Solve   bool
}

// PlateSolve is the bridge-side solve attached to an exposure result.
type PlateSolve struct {
	Success bool
	RADeg   *float64
	DecDeg  *float64
}

// ExposureResult is what the bridge returns for a completed exposure. The
// file path may be empty when the bridge does not expose saved paths.
type ExposureResult struct {
	FilePath string
	Solve    *PlateSolve
}

// SolvedPosition returns the solved coordinates, or an error naming what is
// missing. Centralizes the probing the loosely-typed bridge payload needs.
func (r ExposureResult) SolvedPosition() (raDeg, decDeg float64, err error) {
	if r.Solve == nil || !r.Solve.Success {
		return 0, 0, fmt.Errorf("exposure did not solve")
	}
	if r.Solve.RADeg == nil || r.Solve.DecDeg == nil {
		return 0, 0, fmt.Errorf("plate solve missing coordinates")
	}
	return *r.Solve.RADeg, *r.Solve.DecDeg, nil
}
