package rewardd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"incentives/core/events"
	"incentives/native/incentives"
	"incentives/observability"
	"incentives/observability/logging"
	"incentives/observability/metrics"
	telemetry "incentives/observability/otel"
	"incentives/services/rewardd/middleware"
	"incentives/storage"
	"incentives/storage/journal"
)

// Main initialises and runs the reward daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/rewardd/config.yaml", "path to rewardd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("INCENTIVES_ENV"))
	}
	logger := logging.SetupWithOptions("rewardd", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("rewardd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	params := incentives.DefaultParams()
	if strings.TrimSpace(cfg.ParamsPath) != "" {
		params, err = incentives.LoadParams(cfg.ParamsPath)
		if err != nil {
			return fmt.Errorf("load params: %w", err)
		}
	}

	db, err := openRegistry(cfg.Registry)
	if err != nil {
		return err
	}
	defer db.Close()

	emitters := []events.Emitter{observability.Events().Emitter()}
	var rewardJournal *journal.Journal
	if strings.TrimSpace(cfg.Journal.DSN) != "" {
		rewardJournal, err = journal.Open(cfg.Journal.Driver, cfg.Journal.DSN, journal.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer rewardJournal.Close()
		emitters = append(emitters, rewardJournal.Emitter())
	}

	opts := []incentives.Option{
		incentives.WithParams(params),
		incentives.WithDatabase(db),
		incentives.WithEmitter(events.Multi(emitters...)),
		incentives.WithLogger(logger),
		incentives.WithMetrics(metrics.Ranks()),
		incentives.WithRewardMetrics(observability.Rewards()),
		incentives.WithTierSource(NewHTTPTierSource(cfg.Tier)),
		incentives.WithCreditor(NewHTTPCreditor(cfg.Credit)),
	}
	if cfg.RootDepth != nil {
		opts = append(opts, incentives.WithRootDepth(*cfg.RootDepth))
	}
	module, err := incentives.New(opts...)
	if err != nil {
		return fmt.Errorf("init incentives: %w", err)
	}
	for _, z := range params.Zones {
		metrics.Ranks().InitZone(z)
	}

	server := NewServer(module, incentives.NewAdmin(module, RoleAuthorizer), rewardJournal, logger)
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: cfg.Admin.HMACSecret,
		Issuer:     cfg.Admin.Issuer,
		Audience:   cfg.Admin.Audience,
		RoleClaim:  cfg.Admin.RoleClaim,
		ClockSkew:  cfg.Admin.ClockSkew.Duration,
	}, logger)
	routerCfg := RouterConfig{
		Authenticator: auth,
		RateLimiter:   middleware.NewRateLimiter(rateLimits(cfg.RateLimits)),
		Observability: middleware.NewObservability("rewardd", cfg.Logging.LogRequests, logger),
	}
	if cfg.Admin.RequireWriteToken {
		routerCfg.WriteAuthenticator = auth
	} else {
		logger.Warn("write routes accept unauthenticated requests")
	}
	handler := server.Routes(routerCfg)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(handler, "rewardd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("rewardd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func openRegistry(cfg RegistryConfig) (storage.Database, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemDB(), nil
	default:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open registry: %w", err)
		}
		return db, nil
	}
}

func rateLimits(in map[string]RateLimitConfig) map[string]middleware.RateLimit {
	out := make(map[string]middleware.RateLimit, len(in))
	for key, cfg := range in {
		out[key] = middleware.RateLimit{RequestsPerMinute: cfg.RequestsPerMinute, Burst: cfg.Burst}
	}
	return out
}
