// Command scout runs the creator discovery service: the job API, the signed
// stage endpoints, one relay per stage queue and the completion sweeper, all
// in one process.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/scout/dbopen"
	"github.com/hazyhaar/scout/discovery"
	"github.com/hazyhaar/scout/observability"
	"github.com/hazyhaar/scout/provider"
	"github.com/hazyhaar/scout/qsig"
	"github.com/hazyhaar/scout/relay"
	"github.com/hazyhaar/scout/shield"
)

const (
	serviceName       = "scout"
	heartbeatInterval = 15 * time.Second
)

func main() {
	// A missing .env is fine; real deployments set the environment.
	_ = godotenv.Load()

	mcpTransport := env("MCP_TRANSPORT", "")

	// stdout belongs to the MCP transport when it runs over stdio.
	var logOut io.Writer = os.Stdout
	if mcpTransport == "stdio" {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: logLevel(env("LOG_LEVEL", "info"))}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(os.Getenv("SCOUT_CONFIG"))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Job store, queues and cache share one database.
	db, dialect, closeDB, err := dbopen.OpenDSN(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("database", "error", err)
		os.Exit(1)
	}
	defer closeDB()

	var (
		recorder *observability.Recorder
		obsDB    *sql.DB
	)
	if cfg.Database.ObservabilityURL != "" {
		obsDB, err = dbopen.Open(cfg.Database.ObservabilityURL, dbopen.WithMkdirAll())
		if err != nil {
			slog.Error("observability db", "error", err)
			os.Exit(1)
		}
		defer obsDB.Close()
		if err := observability.Init(obsDB); err != nil {
			slog.Error("observability init", "error", err)
			os.Exit(1)
		}
		retention := observability.RetentionConfig{EventLogsDays: 30, MetricsDays: 7, HeartbeatsDays: 3}
		if err := observability.Cleanup(ctx, obsDB, retention); err != nil {
			slog.Warn("observability cleanup", "error", err)
		}
		metrics := observability.NewMetricsManager(obsDB, 100, 10*time.Second)
		defer metrics.Close()
		recorder = observability.NewRecorder(observability.NewEventLogger(obsDB), metrics, serviceName)

	}

	adapter, err := newAdapter(cfg, logger)
	if err != nil {
		slog.Error("provider", "error", err)
		os.Exit(1)
	}

	svc, err := discovery.New(ctx, db, dialect, adapter, cfg,
		discovery.WithRecorder(recorder),
		discovery.WithLogger(logger),
	)
	if err != nil {
		slog.Error("discovery service", "error", err)
		os.Exit(1)
	}

	verifier, err := qsig.NewVerifier([]byte(cfg.Signing.Key), []byte(cfg.Signing.NextKey), qsig.WithIssuer(serviceName))
	if err != nil {
		slog.Error("verifier", "error", err)
		os.Exit(1)
	}
	signer, err := qsig.NewSigner([]byte(cfg.Signing.Key), qsig.WithIssuer(serviceName))
	if err != nil {
		slog.Error("signer", "error", err)
		os.Exit(1)
	}

	// Relays sign for the public URL; the stage endpoints of this process
	// verify against the same URL.
	relayClient := &http.Client{Timeout: cfg.Queue.Visibility}
	for _, stage := range discovery.Stages {
		opts := []relay.Option{
			relay.WithClient(relayClient),
			relay.WithLogger(logger),
			relay.WithBatch(cfg.Queue.BatchSize, cfg.Queue.Concurrency),
		}
		if recorder != nil {
			opts = append(opts, relay.WithObserver(recorder))
		}
		rl := relay.New(svc.Queue(stage), svc.WorkerURL(stage), signer, opts...)
		go rl.Run(ctx)
	}

	go discovery.NewSweeper(svc).Run(ctx)

	if obsDB != nil {
		hb := observability.NewHeartbeatWriter(obsDB, serviceName, heartbeatInterval,
			observability.WithBacklog(queueBacklog(svc)))
		hb.Start(ctx)
		defer hb.Stop()
	}

	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    serviceName,
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		go func() {
			slog.Info("MCP stdio starting")
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("MCP stdio", "error", err)
			}
		}()
	}

	limiter := shield.NewRateLimiter([]shield.Rule{
		{Method: http.MethodPost, Prefix: "/v1/jobs", MaxRequests: 30, Window: time.Minute},
		{Method: http.MethodGet, Prefix: "/v1/jobs", MaxRequests: 300, Window: time.Minute},
	})
	limiter.StartGC(ctx.Done(), 5*time.Minute)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newRouter(svc, verifier, limiter, obsDB),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Queue.Visibility + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.HTTP.Addr, "public_url", cfg.HTTP.PublicURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// loadConfig reads the YAML file at path, or the defaults when path is
// empty, then applies the environment overrides.
func loadConfig(path string) (*discovery.Config, error) {
	cfg := discovery.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = discovery.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *discovery.Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.HTTP.Addr = ":" + port
	}
	cfg.Database.URL = env("DATABASE_URL", cfg.Database.URL)
	cfg.Database.ObservabilityURL = env("OBSERVABILITY_DB", cfg.Database.ObservabilityURL)
	cfg.HTTP.PublicURL = env("PUBLIC_URL", cfg.HTTP.PublicURL)
	cfg.HTTP.IntakeToken = env("INTAKE_TOKEN", cfg.HTTP.IntakeToken)
	cfg.Signing.Key = env("SIGNING_KEY", cfg.Signing.Key)
	cfg.Signing.NextKey = env("NEXT_SIGNING_KEY", cfg.Signing.NextKey)
	cfg.Provider.Kind = env("PROVIDER", cfg.Provider.Kind)
	cfg.Provider.URL = env("PROVIDER_URL", cfg.Provider.URL)
	cfg.Provider.Token = env("PROVIDER_TOKEN", cfg.Provider.Token)
	cfg.Provider.Apify.Token = env("APIFY_API_TOKEN", cfg.Provider.Apify.Token)
}

// newAdapter builds the configured provider behind a timeout and breaker
// guard.
func newAdapter(cfg *discovery.Config, logger *slog.Logger) (provider.Adapter, error) {
	var inner provider.Adapter
	switch cfg.Provider.Kind {
	case "http":
		inner = provider.NewHTTPAdapter(cfg.Provider.URL, provider.WithToken(cfg.Provider.Token))
	case "apify":
		inner = provider.NewApifyAdapter(cfg.Provider.Apify, nil)
	default:
		return nil, errors.New("unknown provider kind " + cfg.Provider.Kind)
	}
	breaker := provider.NewBreaker(
		provider.WithBreakerThreshold(cfg.Provider.BreakerThreshold),
		provider.WithBreakerResetTimeout(cfg.Provider.BreakerReset),
	)
	return provider.NewGuard(inner, cfg.Provider.Kind,
		provider.WithTimeout(cfg.Provider.Timeout),
		provider.WithBreaker(breaker),
		provider.WithLogger(logger),
	), nil
}

// newRouter mounts the health check and the service routes behind the
// shield stack. obsDB may be nil.
func newRouter(svc *discovery.Service, v *qsig.Verifier, rl *shield.RateLimiter, obsDB *sql.DB) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.DefaultAPIStack(rl) {
		r.Use(mw)
	}
	r.Get("/health", healthHandler(obsDB))
	r.Mount("/", svc.Routes(v))
	return r
}

// queueBacklog reports the pending messages of every stage queue.
func queueBacklog(svc *discovery.Service) observability.BacklogFunc {
	return func(ctx context.Context) (map[string]int, error) {
		depths := make(map[string]int, len(discovery.Stages))
		for _, stage := range discovery.Stages {
			n, err := svc.Queue(stage).Len(ctx)
			if err != nil {
				return nil, err
			}
			depths[stage] = n
		}
		return depths, nil
	}
}

func healthHandler(obsDB *sql.DB) http.HandlerFunc {
	// Three missed heartbeats.
	const stalenessThreshold = 3 * heartbeatInterval

	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}
		if obsDB != nil {
			hb, err := observability.LatestHeartbeat(r.Context(), obsDB, serviceName, stalenessThreshold)
			if err == nil && hb != nil {
				resp["heartbeat"] = hb
				if !hb.Alive {
					resp["status"] = "degraded"
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
