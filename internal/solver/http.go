package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/neo/neotrack/internal/domain"
)

// HTTPSolver calls a solver sidecar (astrometry.net style service) over
// HTTP. Solving a wide-field frame can take tens of seconds, hence the
// generous client timeout.
type HTTPSolver struct {
	url        string
	httpClient *http.Client
}

// NewHTTPSolver creates a solver client for the given endpoint.
func NewHTTPSolver(url string) *HTTPSolver {
	return &HTTPSolver{
		url: url,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

type solveRequest struct {
	Path      string   `json:"path"`
	RAHint    *float64 `json:"ra_hint,omitempty"`
	DecHint   *float64 `json:"dec_hint,omitempty"`
	RadiusDeg float64  `json:"radius_deg,omitempty"`
}

type solveResponse struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message,omitempty"`
	RADeg    *float64 `json:"ra_deg"`
	DecDeg   *float64 `json:"dec_deg"`
	Scale    float64  `json:"pixel_scale_arcsec"`
	Rotation float64  `json:"rotation_deg"`
	Seconds  float64  `json:"solve_seconds"`
}

// Solve posts the image path and hint to the solver service.
func (s *HTTPSolver) Solve(ctx context.Context, imagePath string, hint *domain.Position, radiusDeg float64) (Solution, error) {
	req := solveRequest{Path: imagePath, RadiusDeg: radiusDeg}
	if hint != nil {
		req.RAHint = &hint.RADeg
		req.DecHint = &hint.DecDeg
	}

	var resp solveResponse
	if err := s.post(ctx, s.url+"/solve", req, &resp); err != nil {
		return Solution{}, err
	}
	if !resp.Success || resp.RADeg == nil || resp.DecDeg == nil {
		return Solution{}, fmt.Errorf("solve failed: %s", orUnknown(resp.Message))
	}

	return Solution{
		RADeg:        *resp.RADeg,
		DecDeg:       *resp.DecDeg,
		PixelScale:   resp.Scale,
		RotationDeg:  resp.Rotation,
		SolveSeconds: resp.Seconds,
	}, nil
}

// HTTPDetector calls the source-extraction sidecar.
type HTTPDetector struct {
	url        string
	httpClient *http.Client
}

// NewHTTPDetector creates a detector client for the given endpoint.
func NewHTTPDetector(url string) *HTTPDetector {
	return &HTTPDetector{
		url: url,
		httpClient: &http.Client{
			Timeout: time.Minute,
		},
	}
}

type detectResponse struct {
	Detections []Detection `json:"detections"`
}

// Detect posts the image path and returns the extracted sources.
func (d *HTTPDetector) Detect(ctx context.Context, imagePath string) ([]Detection, error) {
	var resp detectResponse
	if err := post(ctx, d.httpClient, d.url+"/detect", map[string]string{"path": imagePath}, &resp); err != nil {
		return nil, err
	}
	return resp.Detections, nil
}

func (s *HTTPSolver) post(ctx context.Context, url string, in, out any) error {
	return post(ctx, s.httpClient, url, in, out)
}

func post(ctx context.Context, client *http.Client, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response from %s: %w", url, err)
	}
	return nil
}

func orUnknown(msg string) string {
	if msg == "" {
		return "unknown reason"
	}
	return msg
}
