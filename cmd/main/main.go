package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/billing-verify-processor/internal/classifier"
	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
	"gitlab.com/timkado/api/billing-verify-processor/internal/destination"
	"gitlab.com/timkado/api/billing-verify-processor/internal/enrichment"
	"gitlab.com/timkado/api/billing-verify-processor/internal/healthcheck"
	"gitlab.com/timkado/api/billing-verify-processor/internal/jetstream"
	"gitlab.com/timkado/api/billing-verify-processor/internal/observer"
	"gitlab.com/timkado/api/billing-verify-processor/internal/pipeline"
	"gitlab.com/timkado/api/billing-verify-processor/internal/ratelimit"
	"gitlab.com/timkado/api/billing-verify-processor/internal/storage"
	"gitlab.com/timkado/api/billing-verify-processor/internal/telephony"
	"gitlab.com/timkado/api/billing-verify-processor/internal/usecase"
	"gitlab.com/timkado/api/billing-verify-processor/internal/varmap"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metricsEnabled := cfg.Metrics.Enabled
	observer.InitMetrics(metricsEnabled)

	logger.Log.Info("Starting Billing Verify Processor",
		zap.String("environment", cfg.Environment),
		zap.String("company_id", cfg.Company.ID),
		zap.String("nats_url", cfg.NATS.URL),
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("rate_limit_backend", cfg.RateLimit.Backend),
	)

	store, err := initStore(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize store", zap.Error(err))
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	limiter, closeLimiter, err := ratelimit.New(startupCtx, cfg.RateLimit, cfg.Redis)
	startupCancel()
	if err != nil {
		logger.Log.Fatal("Failed to initialize call rate limiter", zap.Error(err))
	}

	jsClient, err := initJetStreamClient(cfg.NATS.URL, "billing-verify-processor-"+cfg.Company.ID)
	if err != nil {
		logger.Log.Fatal("Failed to initialize JetStream client", zap.Error(err))
	}

	// Screening pipeline
	classify := classifier.NewHTTPClient(cfg.Classifier)
	search := enrichment.NewHTTPClient(cfg.Enrichment)
	sequencer := pipeline.NewDefaultSequencer(cfg.Pipeline, store, classify, store, search)

	// Call orchestration
	orchestrator := usecase.NewCallOrchestrator(store, store, telephony.NewHTTPProvider(cfg.Telephony), limiter)
	dispatcher, err := usecase.NewCallDispatcher(cfg.WorkerPools.Calls, orchestrator, cfg.Telephony.Timeout+5*time.Second, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize call dispatcher", zap.Error(err))
	}

	screening := usecase.NewScreeningService(store, store, sequencer, destination.NewResolver(cfg.Phone.DefaultRegion), dispatcher, varmap.Options{
		CompanyName: cfg.Company.Name,
		Disclosure:  cfg.Compliance.Disclosure,
		AgentName:   cfg.Compliance.AgentName,
	})

	reconciler := usecase.NewReconciler(store, store, cfg.Reconciler, cfg.Company.ID, logger.Log)
	reconciler.SetCallRetrier(screening)

	processor := usecase.NewProcessor(screening, reconciler, jsClient, cfg, cfg.Company.ID)
	if err := processor.Setup(); err != nil {
		logger.Log.Fatal("Failed to set up processor", zap.Error(err))
	}

	healthServer := healthcheck.NewServer(strconv.Itoa(cfg.Server.Port), logger.Log, cfg.Company.ID)
	healthServer.RegisterReadinessCheck("database", store.Ping)
	healthServer.RegisterReadinessCheck("nats", func(context.Context) error {
		if !jsClient.Connected() {
			return errors.New("nats connection is down")
		}
		return nil
	})
	healthServer.RegisterAuditHandler(store)

	// Register metrics handler if enabled BEFORE starting the server
	if metricsEnabled {
		healthServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	} else {
		logger.Log.Info("Metrics endpoint disabled for environment", zap.String("environment", cfg.Environment))
	}

	healthServer.Start()

	logger.Log.Info("HTTP endpoints available",
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("readiness", fmt.Sprintf("http://localhost:%d/ready", cfg.Server.Port)),
		zap.String("audit", fmt.Sprintf("http://localhost:%d/v1/messages/{id}/audit", cfg.Server.Port)),
	)

	reconciler.Start()

	if err := processor.Start(); err != nil {
		logger.Log.Fatal("Failed to start processor", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", shutdownTimeout))

	done := make(chan struct{})
	utils.SafeGo(func() {
		defer close(done)
		shutdown(shutdownCtx, processor, dispatcher, reconciler, healthServer, store, closeLimiter, jsClient)
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic during shutdown",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		close(done)
	})

	select {
	case <-done:
		logger.Log.Info("[shutdown] All components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}

	logger.Log.Info("Billing Verify Processor shutdown complete")
}

// shutdown stops everything that submits calls (intake and the retry sweep) first, then
// drains the call pool before the stores it writes to are closed.
func shutdown(
	ctx context.Context,
	processor *usecase.Processor,
	dispatcher *usecase.CallDispatcher,
	reconciler *usecase.Reconciler,
	healthServer *healthcheck.Server,
	store closableStore,
	closeLimiter func() error,
	jsClient *jetstream.Client,
) {
	step("Stopping event processor", processor.Stop)
	step("Stopping reconciler", reconciler.Stop)
	step("Draining call dispatcher", dispatcher.Stop)

	// The health server and the remaining connections are independent.
	var wg sync.WaitGroup
	wg.Add(2)
	utils.SafeGo(func() {
		defer wg.Done()
		step("Stopping health check server", func() {
			if err := healthServer.Stop(ctx); err != nil {
				logger.Log.Error("[shutdown] Error stopping health check server", zap.Error(err))
			}
		})
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping health check server", zap.Any("panic", r), zap.ByteString("stack", stack))
		wg.Done()
	})
	utils.SafeGo(func() {
		defer wg.Done()
		step("Closing store", func() {
			if err := store.Close(ctx); err != nil {
				logger.Log.Error("[shutdown] Failed to close store", zap.Error(err))
			}
		})
		step("Closing rate limiter", func() {
			if err := closeLimiter(); err != nil {
				logger.Log.Error("[shutdown] Failed to close rate limiter", zap.Error(err))
			}
		})
		step("Closing JetStream connection", jsClient.Close)
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while closing connections", zap.Any("panic", r), zap.ByteString("stack", stack))
		wg.Done()
	})
	wg.Wait()
}

func step(name string, fn func()) {
	logger.Log.Info("[shutdown] " + name)
	start := time.Now()
	fn()
	logger.Log.Info("[shutdown] Done: "+name, zap.Duration("duration", time.Since(start)))
}

type closableStore interface {
	storage.Store
	Close(ctx context.Context) error
}

// initStore opens the store selected by database.driver.
func initStore(cfg *config.Config) (closableStore, error) {
	if cfg.Database.Driver == "memory" {
		logger.Log.Warn("Using in-memory store, state is lost on restart")
		return storage.NewMemoryStore(), nil
	}

	if cfg.Database.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	repo, err := storage.NewPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate, cfg.Company.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}

	logger.Log.Info("Initialized PostgreSQL repository")
	return repo, nil
}

func initJetStreamClient(url, name string) (*jetstream.Client, error) {
	client, err := jetstream.NewClient(url, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream client: %w", err)
	}
	return client, nil
}
