// Package main is the entry point for netsettled, the off-chain netting
// and settlement daemon. It wires the Store, Session Policy Registry,
// Admission Controller, Netting Engine, Settlement Driver, and API
// server through a svc.Registry and runs them until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/LabsX402/phantom-paradox-sub002/internal/admission"
	"github.com/LabsX402/phantom-paradox-sub002/internal/api"
	"github.com/LabsX402/phantom-paradox-sub002/internal/netting"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/config"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/health"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/logging"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/metrics"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/svc"
	"github.com/LabsX402/phantom-paradox-sub002/internal/policy"
	"github.com/LabsX402/phantom-paradox-sub002/internal/rpcchain"
	"github.com/LabsX402/phantom-paradox-sub002/internal/security"
	"github.com/LabsX402/phantom-paradox-sub002/internal/settlement"
	"github.com/LabsX402/phantom-paradox-sub002/internal/store"
	"github.com/LabsX402/phantom-paradox-sub002/internal/walletkey"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	opts := config.DefaultLoadOptions()
	if *configFile != "" {
		opts.ConfigFile = *configFile
	}

	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := logging.New(logging.Config{
		Level:       logging.LogLevel(cfg.Log.Level),
		Output:      os.Stdout,
		ServiceName: cfg.Log.ServiceName,
		Environment: cfg.Log.Environment,
	})

	metricsCollector := metrics.New(metrics.Config{
		Namespace:   cfg.Metrics.Namespace,
		ServiceName: cfg.Metrics.ServiceName,
	})
	healthRegistry := health.NewRegistry(logger)

	if cfg.Metrics.Enabled {
		go startMetricsServer(cfg, metricsCollector, logger)
	}
	if cfg.Health.Enabled {
		go startHealthServer(cfg, healthRegistry, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uptimeDone := make(chan struct{})
	metricsCollector.RecordUptime(uptimeDone)
	defer close(uptimeDone)

	redisStore, err := store.NewRedisStore(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Error("failed to connect to store", "error", err.Error())
		os.Exit(1)
	}
	defer redisStore.Close()

	policies := policy.New(redisStore)
	if err := policies.LoadFromSource(ctx); err != nil {
		logger.Error("failed to load session policies", "error", err.Error())
		os.Exit(1)
	}

	securityManager, err := security.NewSecurityManager(cfg.Redis.Address, cfg.Auth.JWTSecret)
	if err != nil {
		logger.Error("failed to initialize security manager", "error", err.Error())
		os.Exit(1)
	}

	ctrl := admission.New(redisStore, policies, cfg.Admission.RequireSignature)

	var ingest *admission.Ingest
	if cfg.Kafka.Brokers != "" {
		ingest, err = admission.NewIngest(cfg, logger, metricsCollector, ctrl)
		if err != nil {
			logger.Error("failed to initialize admission ingest", "error", err.Error())
			os.Exit(1)
		}
		go func() {
			if err := ingest.Run(ctx); err != nil {
				logger.Error("admission ingest stopped", "error", err.Error())
			}
		}()
	}

	nettingEngine := netting.New(redisStore, logger, metricsCollector)
	nettingService := netting.NewService(nettingEngine, netting.Params{
		MinIntentsPerBatch: cfg.Batch.MinIntents,
		MaxIntentsPerBatch: cfg.Batch.MaxIntents,
		BatchWindowSeconds: int64(cfg.Batch.WindowSeconds),
	}, cfg.Batch.PollInterval)

	var settlementService *settlement.Service
	if cfg.Settlement.Enabled {
		authority, err := walletkey.ImportAuthority(cfg.Authority.Secret)
		if err != nil {
			logger.Error("failed to load settlement authority", "error", err.Error())
			os.Exit(1)
		}
		chain := rpcchain.New(cfg.RPC.Endpoint, cfg.Program.ID, cfg.RPC.Timeout)
		driver := settlement.New(redisStore, chain, authority, cfg.Settlement, logger, metricsCollector)
		settlementService = settlement.NewService(driver, cfg.Settlement.PollInterval)
	}

	apiService := api.NewService(cfg, redisStore, ctrl, nettingEngine,
		serviceDriverOrNil(settlementService), policies, securityManager, logger, metricsCollector)

	stdLogger := log.New(os.Stdout, "[netsettled] ", log.LstdFlags)
	registry := svc.NewRegistry(stdLogger)

	logger.Info("initializing services")
	if err := registry.Register(nettingService); err != nil {
		logger.Error("failed to register netting service", "error", err.Error())
		os.Exit(1)
	}
	healthRegistry.Register("netting-engine", health.ServiceChecker("netting-engine", func(ctx context.Context) error {
		return nettingService.Health()
	}))

	if settlementService != nil {
		if err := registry.Register(settlementService); err != nil {
			logger.Error("failed to register settlement service", "error", err.Error())
			os.Exit(1)
		}
		healthRegistry.Register("settlement-driver", health.ServiceChecker("settlement-driver", func(ctx context.Context) error {
			return settlementService.Health()
		}))
	}

	if err := registry.Register(apiService); err != nil {
		logger.Error("failed to register api service", "error", err.Error())
		os.Exit(1)
	}
	healthRegistry.Register("api", health.ServiceChecker("api", func(ctx context.Context) error {
		return apiService.Health()
	}))
	healthRegistry.Register("redis", health.RedisChecker(cfg.Redis.Address, func(ctx context.Context) error {
		return redisStore.Ping(ctx)
	}))

	logger.Info("starting all services")
	if err := registry.StartAll(ctx); err != nil {
		logger.Error("failed to start services", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("all services started")

	var settlementFatal <-chan error
	if settlementService != nil {
		settlementFatal = settlementService.Fatal()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-sigs:
		logger.Info("shutting down gracefully")
	case err := <-settlementFatal:
		logger.Error("unrecoverable on-chain settlement failure", "error", err.Error())
		exitCode = 2
	}
	cancel()

	if err := registry.StopAll(context.Background()); err != nil {
		logger.Error("error during shutdown", "error", err.Error())
	}
	logger.Info("shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// serviceDriverOrNil extracts the *settlement.Driver from a nil-able
// settlement.Service for api.NewService, which uses it directly for the
// operator retry-settlement route. When settlement is disabled there is
// no Service and it returns nil, and that route reports the driver as
// not enabled.
func serviceDriverOrNil(s *settlement.Service) *settlement.Driver {
	if s == nil {
		return nil
	}
	return s.Driver()
}

func startMetricsServer(cfg *config.Config, m *metrics.Metrics, logger *logging.Logger) {
	addr := fmt.Sprintf(":%s", cfg.Metrics.Port)
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Endpoint, m.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("starting metrics server", "addr", addr, "endpoint", cfg.Metrics.Endpoint)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err.Error())
	}
}

func startHealthServer(cfg *config.Config, registry *health.Registry, logger *logging.Logger) {
	addr := fmt.Sprintf(":%s", cfg.Health.Port)
	mux := http.NewServeMux()
	mux.Handle(cfg.Health.Endpoint, registry.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("starting health check server", "addr", addr, "endpoint", cfg.Health.Endpoint)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health check server failed", "error", err.Error())
	}
}
