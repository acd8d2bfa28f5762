// Package api exposes the operational HTTP surface: observability refresh,
// position prediction, session lifecycle, kickoff, captures, notifications,
// and weather, behind the metrics/logging/auth middleware chain.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/neo/neotrack/internal/acquire"
	"github.com/neo/neotrack/internal/auth"
	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/health"
	"github.com/neo/neotrack/internal/httputil"
	"github.com/neo/neotrack/internal/metrics"
	"github.com/neo/neotrack/internal/notify"
	"github.com/neo/neotrack/internal/preset"
	"github.com/neo/neotrack/internal/sched"
	"github.com/neo/neotrack/internal/session"
	"github.com/neo/neotrack/internal/store"
	"github.com/neo/neotrack/internal/weather"
)

// Refresher recomputes observability windows. *observability.Engine
// satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, trksubs []string) ([]domain.ObservabilityResult, error)
}

// TargetPredictor predicts a candidate's current position.
type TargetPredictor interface {
	Predict(ctx context.Context, trksub string, when time.Time) (domain.Position, error)
}

// Kickoffer schedules the next capture sequence and arbitrates manual
// mount access. *sched.AutoPilot satisfies it.
type Kickoffer interface {
	Kickoff(ctx context.Context) (sched.Plan, error)
	Running() bool
	BeginManual() error
	EndManual()
}

// WeatherSource reports current site safety.
type WeatherSource interface {
	Status(ctx context.Context) weather.Status
}

// Acquirer centers the telescope on a candidate without starting a full
// capture sequence. *acquire.Acquirer satisfies it.
type Acquirer interface {
	Acquire(ctx context.Context, trksub, targetName, filter string) acquire.Result
}

// Deps are the service components the API fronts.
type Deps struct {
	Store         *store.Store
	Sessions      *session.Manager
	Notifications *notify.Log
	Engine        Refresher
	Predictor     TargetPredictor
	Pilot         Kickoffer
	Weather       WeatherSource
	Presets       *preset.Resolver
	Acquire       Acquirer

	// TrustProxy enables X-Forwarded-For handling in request logs. Only set
	// behind a reverse proxy that overwrites forwarding headers.
	TrustProxy bool
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	deps       Deps
}

// NewServer creates a configured HTTP server.
func NewServer(addr string, logger *slog.Logger, authCfg auth.Config, deps Deps) *Server {
	s := &Server{logger: logger, deps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(func(ctx context.Context) error {
		return deps.Store.DB.PingContext(ctx)
	}))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/observability/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/v1/observability", s.handleListObservability)
	mux.HandleFunc("GET /api/v1/targets/observable", s.handleObservableTargets)
	mux.HandleFunc("GET /api/v1/predict/{trksub}", s.handlePredict)

	mux.HandleFunc("GET /api/v1/session", s.handleSessionStatus)
	mux.HandleFunc("POST /api/v1/session/start", s.handleSessionStart)
	mux.HandleFunc("POST /api/v1/session/pause", s.handleSessionPause)
	mux.HandleFunc("POST /api/v1/session/resume", s.handleSessionResume)
	mux.HandleFunc("POST /api/v1/session/end", s.handleSessionEnd)
	mux.HandleFunc("POST /api/v1/session/target-mode", s.handleTargetMode)
	mux.HandleFunc("POST /api/v1/session/target", s.handleSelectTarget)
	mux.HandleFunc("POST /api/v1/session/calibration", s.handleRecordCalibration)

	mux.HandleFunc("POST /api/v1/kickoff", s.handleKickoff)
	mux.HandleFunc("POST /api/v1/acquire", s.handleAcquire)
	mux.HandleFunc("GET /api/v1/captures", s.handleCaptures)
	mux.HandleFunc("GET /api/v1/notifications", s.handleNotifications)
	mux.HandleFunc("GET /api/v1/weather", s.handleWeather)
	mux.HandleFunc("GET /api/v1/presets", s.handlePresets)

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(authCfg)(handler)
	handler = loggingMiddleware(logger, deps.TrustProxy)(handler)
	handler = metrics.Middleware(handler)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *slog.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", httputil.ClientIP(r, trustProxy),
			)
		})
	}
}
