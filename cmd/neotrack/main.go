package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/neo/neotrack/internal/acquire"
	"github.com/neo/neotrack/internal/api"
	"github.com/neo/neotrack/internal/auth"
	"github.com/neo/neotrack/internal/bridge"
	"github.com/neo/neotrack/internal/capture"
	"github.com/neo/neotrack/internal/ephem"
	"github.com/neo/neotrack/internal/horizon"
	"github.com/neo/neotrack/internal/notify"
	"github.com/neo/neotrack/internal/observability"
	"github.com/neo/neotrack/internal/preset"
	"github.com/neo/neotrack/internal/sched"
	"github.com/neo/neotrack/internal/scoring"
	"github.com/neo/neotrack/internal/session"
	"github.com/neo/neotrack/internal/site"
	"github.com/neo/neotrack/internal/solver"
	"github.com/neo/neotrack/internal/store"
	"github.com/neo/neotrack/internal/weather"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	addr := os.Getenv("NEOTRACK_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	authCfg, err := loadAuthConfig(logger)
	if err != nil {
		logger.Error("invalid auth configuration", "error", err)
		os.Exit(1)
	}

	profilePath := os.Getenv("NEOTRACK_SITE_PROFILE")
	if profilePath == "" {
		logger.Error("NEOTRACK_SITE_PROFILE is required: the scheduler cannot run without site coordinates")
		os.Exit(1)
	}
	profile, err := site.Load(profilePath)
	if err != nil {
		logger.Error("loading site profile", "path", profilePath, "error", err)
		os.Exit(1)
	}
	logger.Info("site profile loaded",
		"name", profile.Name,
		"latitude_deg", profile.LatitudeDeg,
		"longitude_deg", profile.LongitudeDeg,
		"elevation_m", profile.ElevationM,
	)

	var mask *horizon.Mask
	if profile.HorizonMaskPath != "" {
		mask, err = horizon.Load(profile.HorizonMaskPath)
		if err != nil {
			logger.Warn("loading horizon mask failed, using flat horizon", "path", profile.HorizonMaskPath, "error", err)
			mask = nil
		}
	}

	dbPath := os.Getenv("NEOTRACK_DB_PATH")
	if dbPath == "" {
		dbPath = "/var/lib/neotrack/neotrack.db"
	}
	db, err := store.Open(dbPath)
	if err != nil {
		logger.Error("opening database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	st := store.New(db)

	predictor := ephem.NewPredictor(st,
		loadPrimaryFetcher(logger, profile),
		loadSecondaryFetcher(profile),
		ephem.DefaultConfig(),
		logger)

	gate := loadWeatherGate(logger, profile)

	engine := observability.NewEngine(st, predictor, gate, profile.Site(), mask, profile.EngineConfig(), logger)

	bridgeClient := bridge.NewHTTPClient(loadBridgeURL(logger), bridge.DefaultTimeouts(), logger)

	solverURL := os.Getenv("NEOTRACK_SOLVER_URL")
	if solverURL == "" {
		solverURL = "http://127.0.0.1:8090"
	}
	detectorURL := os.Getenv("NEOTRACK_DETECTOR_URL")
	if detectorURL == "" {
		detectorURL = solverURL
	}
	plateSolver := solver.NewHTTPSolver(solverURL)
	detector := solver.NewHTTPDetector(detectorURL)

	presets := preset.NewResolver(profile.Presets)
	orch := capture.NewOrchestrator(st, bridgeClient, predictor, plateSolver, detector, loadCaptureConfig(logger), logger)
	acquirer := acquire.New(bridgeClient, predictor, acquire.DefaultConfig(), logger)

	sessions := session.NewManager(st, logger)
	notes := notify.NewLog(st, 50, logger)
	queue := sched.NewQueue(loadQueueBuffer(logger), notes, logger)
	pilot := sched.NewAutoPilot(st, sessions, scoring.New(scoring.DefaultWeights()), presets, orch, queue, logger)

	srv := api.NewServer(addr, logger, authCfg, api.Deps{
		Store:         st,
		Sessions:      sessions,
		Notifications: notes,
		Engine:        engine,
		Predictor:     predictor,
		Pilot:         pilot,
		Weather:       gate,
		Presets:       presets,
		Acquire:       acquirer,
		TrustProxy:    os.Getenv("NEOTRACK_TRUST_PROXY") == "true",
	})

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start the task queue worker and the observability refresh loop.
	go queue.Run(ctx)
	go engine.RunLoop(ctx, loadRefreshCadence(logger))

	go func() {
		logger.Info("starting server", "addr", addr, "auth_enabled", authCfg.Enabled, "site", profile.Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func loadAuthConfig(logger *slog.Logger) (auth.Config, error) {
	cfg := auth.Config{}

	enabledStr := os.Getenv("NEOTRACK_AUTH_ENABLED")
	if enabledStr != "" {
		enabled, err := strconv.ParseBool(enabledStr)
		if err != nil {
			return cfg, errors.New("NEOTRACK_AUTH_ENABLED must be a boolean value (true/false/1/0)")
		}
		cfg.Enabled = enabled
	}

	if cfg.Enabled {
		cfg.Token = os.Getenv("NEOTRACK_AUTH_TOKEN")
		if cfg.Token == "" {
			return cfg, errors.New("NEOTRACK_AUTH_TOKEN is required when auth is enabled")
		}
		logger.Info("auth enabled")
	}

	return cfg, nil
}

func loadPrimaryFetcher(logger *slog.Logger, profile site.Profile) ephem.Fetcher {
	url := os.Getenv("NEOTRACK_EPHEM_PRIMARY_URL")
	if url == "" {
		url = "http://127.0.0.1:8082/ephemeris"
		logger.Warn("NEOTRACK_EPHEM_PRIMARY_URL not set, using local ephemeris service", "url", url)
	}
	return ephem.NewHTTPFetcher(url, "mpc", profile.LatitudeDeg, profile.LongitudeDeg, profile.ElevationM)
}

func loadSecondaryFetcher(profile site.Profile) ephem.Fetcher {
	url := os.Getenv("NEOTRACK_EPHEM_SECONDARY_URL")
	if url == "" {
		return nil
	}
	return ephem.NewHTTPFetcher(url, "horizons", profile.LatitudeDeg, profile.LongitudeDeg, profile.ElevationM)
}

func loadWeatherGate(logger *slog.Logger, profile site.Profile) *weather.Gate {
	endpoint := os.Getenv("NEOTRACK_WEATHER_ENDPOINT")
	if endpoint == "" {
		endpoint = "https://api.open-meteo.com/v1/forecast"
	}

	ttl := 10 * time.Minute
	if v := os.Getenv("NEOTRACK_WEATHER_TTL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid NEOTRACK_WEATHER_TTL value, using default", "value", v, "default", 600)
		} else {
			ttl = time.Duration(n) * time.Second
		}
	}

	provider := weather.NewOpenMeteo(endpoint, profile.LatitudeDeg, profile.LongitudeDeg)
	return weather.NewGate(provider, weather.DefaultLimits(), ttl, logger)
}

func loadBridgeURL(logger *slog.Logger) string {
	url := os.Getenv("NEOTRACK_BRIDGE_URL")
	if url == "" {
		url = "http://127.0.0.1:5005"
		logger.Warn("NEOTRACK_BRIDGE_URL not set, using default", "url", url)
	}
	return url
}

func loadCaptureConfig(logger *slog.Logger) capture.Config {
	cfg := capture.DefaultConfig()

	if v := os.Getenv("NEOTRACK_IMAGES_DIR"); v != "" {
		cfg.ImagesDir = v
	}

	if v := os.Getenv("NEOTRACK_CONFIRM_TOLERANCE_ARCSEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			logger.Warn("invalid NEOTRACK_CONFIRM_TOLERANCE_ARCSEC value, using default", "value", v, "default", cfg.ToleranceArcsec)
		} else {
			cfg.ToleranceArcsec = f
		}
	}

	if v := os.Getenv("NEOTRACK_CONFIRM_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid NEOTRACK_CONFIRM_MAX_ATTEMPTS value, using default", "value", v, "default", cfg.ConfirmMaxAttempts)
		} else {
			cfg.ConfirmMaxAttempts = n
		}
	}

	logger.Info("capture config",
		"images_dir", cfg.ImagesDir,
		"confirm_tolerance_arcsec", cfg.ToleranceArcsec,
		"confirm_max_attempts", cfg.ConfirmMaxAttempts,
	)

	return cfg
}

func loadQueueBuffer(logger *slog.Logger) int {
	buffer := 16
	if v := os.Getenv("NEOTRACK_QUEUE_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid NEOTRACK_QUEUE_BUFFER value, using default", "value", v, "default", buffer)
		} else {
			buffer = n
		}
	}
	return buffer
}

func loadRefreshCadence(logger *slog.Logger) time.Duration {
	cadence := 10 * time.Minute
	if v := os.Getenv("NEOTRACK_REFRESH_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid NEOTRACK_REFRESH_MINUTES value, using default", "value", v, "default", 10)
		} else {
			cadence = time.Duration(n) * time.Minute
		}
	}
	return cadence
}
