package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/nowcast-service/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/nowcast-service/internal/adapter/kafka"
	"github.com/couchcryptid/nowcast-service/internal/adapter/nws"
	"github.com/couchcryptid/nowcast-service/internal/adapter/openmeteo"
	"github.com/couchcryptid/nowcast-service/internal/adapter/postgres"
	redisadapter "github.com/couchcryptid/nowcast-service/internal/adapter/redis"
	"github.com/couchcryptid/nowcast-service/internal/alert"
	"github.com/couchcryptid/nowcast-service/internal/cache"
	"github.com/couchcryptid/nowcast-service/internal/config"
	"github.com/couchcryptid/nowcast-service/internal/domain"
	"github.com/couchcryptid/nowcast-service/internal/nowcast"
	"github.com/couchcryptid/nowcast-service/internal/observability"
	"github.com/couchcryptid/nowcast-service/internal/pipeline"
)

const maxPendingEvents = 1000

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, feed, err := buildProviders(cfg, clock, logger)
	if err != nil {
		logger.Error("failed to build providers", "error", err)
		os.Exit(1)
	}

	cacheCfg := cache.Config{
		Capacity:       cfg.CacheCapacity,
		TTL:            cfg.CacheTTL,
		StaleRetention: cfg.CacheStaleRetention,
		FetchTimeout:   cfg.FetchTimeout,
		StaleFallback:  cfg.CacheStaleFallback,
		HistoryDepth:   cfg.HistoryDepth,
	}
	store, err := cache.New(cacheCfg, providers, clock, logger, metrics)
	if err != nil {
		logger.Error("failed to build cache", "error", err)
		os.Exit(1)
	}

	engineCfg := nowcast.DefaultConfig()
	engineCfg.HorizonMinutes = cfg.NowcastHorizonMinutes
	engineCfg.StepMinutes = cfg.NowcastStepMinutes
	engineCfg.SearchRadius = cfg.NowcastSearchRadius
	engine, err := nowcast.NewEngine(engineCfg, logger, metrics)
	if err != nil {
		logger.Error("failed to build nowcast engine", "error", err)
		os.Exit(1)
	}

	checks := []sharedobs.ReadinessChecker{}

	var pool *pgxpool.Pool
	var geofences pipeline.GeofenceSource
	switch {
	case cfg.DatabaseURL != "":
		pool, err = postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		repo := postgres.NewGeofenceRepository(pool, logger)
		geofences = repo
		checks = append(checks, repo)
		logger.Info("geofences from postgres")
	case cfg.GeofencesFile != "":
		src, err := alert.LoadFile(cfg.GeofencesFile)
		if err != nil {
			logger.Error("failed to load geofences", "path", cfg.GeofencesFile, "error", err)
			os.Exit(1)
		}
		geofences = src
		logger.Info("geofences from file", "path", cfg.GeofencesFile)
	default:
		src, _ := alert.NewStaticSource(nil)
		geofences = src
		logger.Warn("no geofence source configured; tracking LOCATIONS only")
	}

	var states alert.StateStore = alert.NewMemoryStore()
	if cfg.RedisAddr != "" {
		client := redisadapter.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer client.Close()
		rs := redisadapter.NewStateStore(client, redisadapter.DefaultHashKey, logger)
		states = rs
		checks = append(checks, rs)
		logger.Info("alert state persisted to redis", "addr", cfg.RedisAddr)
	}

	evaluator := alert.NewEvaluator(cfg.AlertCooldown, states, clock, logger, metrics)
	if n, err := evaluator.Restore(ctx); err != nil {
		logger.Warn("alert state restore failed, starting quiet", "error", err)
	} else {
		logger.Info("alert state restored", "states", n)
	}

	var sink alert.Sink = alert.NewLogSink(logger)
	var writer *kafkaadapter.Writer
	if len(cfg.KafkaBrokers) > 0 {
		writer = kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaAlertTopic, logger)
		sink = writer
		logger.Info("alert events published to kafka", "topic", cfg.KafkaAlertTopic)
	}
	dispatcher := alert.NewDispatcher(sink, maxPendingEvents, logger, metrics)

	orch := pipeline.New(pipeline.Config{
		Interval:       cfg.RefreshInterval,
		ArmedInterval:  cfg.ArmedRefreshInterval,
		LatencyBudget:  cfg.CycleLatencyBudget,
		Workers:        cfg.WorkerPoolSize,
		HorizonMinutes: cfg.NowcastHorizonMinutes,
		MaxAge:         cfg.CacheTTL,
		Locations:      cfg.Locations,
	}, store, engine, evaluator, dispatcher, geofences, clock, logger, metrics)

	checks = append(checks, orch)
	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.AllReady(checks...), orch, feed, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start refresh cycles.
	go func() {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("orchestrator error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// buildProviders constructs adapters in PROVIDER_ORDER. The government
// adapter also backs the official alerts endpoint.
func buildProviders(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) ([]domain.Provider, domain.AlertFeed, error) {
	var (
		providers []domain.Provider
		feed      domain.AlertFeed
	)
	for _, name := range cfg.ProviderOrder {
		var (
			p   domain.Provider
			err error
		)
		switch name {
		case config.ProviderNWS:
			var a *nws.Adapter
			a, err = nws.New(nws.Config{
				ProviderConfig: cfg.NWS,
				Rows:           cfg.FieldRows,
				Cols:           cfg.FieldCols,
				CellDeg:        cfg.FieldCellDeg,
			}, clock, logger.With("provider", name))
			if err == nil {
				p = a
				if feed == nil {
					feed = a
				}
			}
		case config.ProviderOpenMeteo:
			var a *openmeteo.Adapter
			a, err = openmeteo.New(openmeteo.Config{
				ProviderConfig: cfg.OpenMeteo,
				Rows:           cfg.FieldRows,
				Cols:           cfg.FieldCols,
				CellDeg:        cfg.FieldCellDeg,
			}, clock, logger.With("provider", name))
			p = a
		default:
			err = fmt.Errorf("unknown provider %q", name)
		}
		if err != nil {
			return nil, nil, err
		}
		logger.Info("provider enabled", "provider", name, "profile", p.Profile())
		providers = append(providers, p)
	}
	return providers, feed, nil
}
