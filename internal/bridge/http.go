package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Timeouts bound the polling waits.
type Timeouts struct {
	Mount        time.Duration
	MountSettle  time.Duration
	CameraIdle   time.Duration
	PollInterval time.Duration
}

// DefaultTimeouts returns the standard wait bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Mount:        3 * time.Minute,
		MountSettle:  3 * time.Second,
		CameraIdle:   2 * time.Minute,
		PollInterval: time.Second,
	}
}

// HTTPClient implements Client against the bridge's HTTP API.
type HTTPClient struct {
	baseURL    string
	timeouts   Timeouts
	logger     *slog.Logger
	httpClient *http.Client
}

// NewHTTPClient creates a client for the bridge at baseURL.
func NewHTTPClient(baseURL string, timeouts Timeouts, logger *slog.Logger) *HTTPClient {
	if timeouts.PollInterval <= 0 {
		timeouts = DefaultTimeouts()
	}
	return &HTTPClient{
		baseURL:  baseURL,
		timeouts: timeouts,
		logger:   logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading bridge response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge %s returned status %d: %s", path, resp.StatusCode, truncate(body, 200))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("parsing bridge response from %s: %w", path, err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Connect connects the telescope and camera devices.
func (c *HTTPClient) Connect(ctx context.Context) error {
	if err := c.get(ctx, "/equipment/telescope/connect", url.Values{"connect": {"true"}}, nil); err != nil {
		return err
	}
	return c.get(ctx, "/equipment/camera/connect", nil, nil)
}

// Park parks the mount.
func (c *HTTPClient) Park(ctx context.Context) error {
	return c.get(ctx, "/equipment/telescope/park", url.Values{"park": {"true"}}, nil)
}

// Slew commands a mount slew. Completion is observed via WaitForMountReady.
func (c *HTTPClient) Slew(ctx context.Context, raDeg, decDeg float64) error {
	params := url.Values{
		"ra":  {strconv.FormatFloat(raDeg, 'f', 6, 64)},
		"dec": {strconv.FormatFloat(decDeg, 'f', 6, 64)},
	}
	return c.get(ctx, "/equipment/mount/slew", params, nil)
}

// exposureResponse mirrors the bridge's capture payload.
type exposureResponse struct {
	File       string `json:"file"`
	PlateSolve *struct {
		Success     bool `json:"Success"`
		Coordinates *struct {
			RADegrees  *float64 `json:"RADegrees"`
			DECDegrees *float64 `json:"DECDegrees"`
		} `json:"Coordinates"`
	} `json:"platesolve"`
}

// StartExposure drives an exposure and blocks for the result. The HTTP
// timeout is widened past the exposure length to cover readout and solving.
func (c *HTTPClient) StartExposure(ctx context.Context, req ExposureRequest) (ExposureResult, error) {
	params := url.Values{
		"binning":       {strconv.Itoa(req.Binning)},
		"save":          {"true"},
		"solve":         {strconv.FormatBool(req.Solve)},
		"waitForResult": {"true"},
		"getResult":     {"true"},
	}
	if req.Seconds > 0 {
		params.Set("duration", strconv.FormatFloat(req.Seconds, 'f', 1, 64))
	}
	if req.Target != "" {
		params.Set("targetName", req.Target)
	}
	if req.Filter != "" {
		params.Set("filter", req.Filter)
	}

	// Exposure + readout + solve can exceed the default client timeout.
	deadline := time.Duration(req.Seconds)*time.Second + 60*time.Second
	exposureCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	client := &http.Client{Timeout: deadline}
	u := c.baseURL + "/equipment/camera/capture?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(exposureCtx, http.MethodGet, u, nil)
	if err != nil {
		return ExposureResult{}, fmt.Errorf("creating capture request: %w", err)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return ExposureResult{}, fmt.Errorf("capture request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ExposureResult{}, fmt.Errorf("reading capture response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ExposureResult{}, fmt.Errorf("capture returned status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var payload exposureResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return ExposureResult{}, fmt.Errorf("parsing capture response: %w", err)
	}

	result := ExposureResult{FilePath: payload.File}
	if payload.PlateSolve != nil {
		solve := &PlateSolve{Success: payload.PlateSolve.Success}
		if payload.PlateSolve.Coordinates != nil {
			solve.RADeg = payload.PlateSolve.Coordinates.RADegrees
			solve.DecDeg = payload.PlateSolve.Coordinates.DECDegrees
		}
		result.Solve = solve
	}
	return result, nil
}

type mountInfo struct {
	Slewing bool `json:"Slewing"`
}

// WaitForMountReady polls mount info until slewing stops and the mount has
// stayed still for the settle interval.
func (c *HTTPClient) WaitForMountReady(ctx context.Context) error {
	deadline := time.Now().Add(c.timeouts.Mount)
	var settledAt time.Time

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		var info mountInfo
		if err := c.get(ctx, "/equipment/mount/info", nil, &info); err != nil {
			return err
		}

		if !info.Slewing {
			if settledAt.IsZero() {
				settledAt = time.Now().Add(c.timeouts.MountSettle)
			} else if !time.Now().Before(settledAt) {
				return nil
			}
		} else {
			settledAt = time.Time{}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.timeouts.PollInterval):
		}
	}
	return fmt.Errorf("mount still slewing after %s: %w", c.timeouts.Mount, ErrTimeout)
}

type cameraInfo struct {
	IsExposing bool `json:"IsExposing"`
}

// WaitForCameraIdle polls camera info until no exposure is in progress.
func (c *HTTPClient) WaitForCameraIdle(ctx context.Context) error {
	deadline := time.Now().Add(c.timeouts.CameraIdle)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		var info cameraInfo
		if err := c.get(ctx, "/equipment/camera/info", nil, &info); err != nil {
			return err
		}
		if !info.IsExposing {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.timeouts.PollInterval):
		}
	}
	return fmt.Errorf("camera never reached idle after %s: %w", c.timeouts.CameraIdle, ErrTimeout)
}
