// Command anchor-callback-processor receives deposit callbacks from an
// anchor platform, stores them in time-partitioned PostgreSQL tables, and
// periodically reconciles pending transactions against the Stellar ledger.
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
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/withObsrvr/anchor-callback-processor/config"
	"github.com/withObsrvr/anchor-callback-processor/flags"
	"github.com/withObsrvr/anchor-callback-processor/gateway"
	"github.com/withObsrvr/anchor-callback-processor/ledger"
	"github.com/withObsrvr/anchor-callback-processor/logging"
	"github.com/withObsrvr/anchor-callback-processor/scheduler"
	"github.com/withObsrvr/anchor-callback-processor/settlement"
	"github.com/withObsrvr/anchor-callback-processor/store"
)

const serviceVersion = "1.2.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := logging.NewComponentLogger(cfg.Service.Name, serviceVersion,
		cfg.Logging.Level, cfg.Logging.Format)
	logger.LogStartup(logging.StartupConfig{
		ServiceName:       cfg.Service.Name,
		ServerPort:        cfg.Service.Port,
		HorizonURL:        cfg.Horizon.URL,
		PostgresHost:      cfg.Postgres.Host,
		PostgresDatabase:  cfg.Postgres.Database,
		SettlementEnabled: true,
		PartitionTick:     cfg.Partitions.TickInterval(),
		SettlementTick:    cfg.Settlement.TickInterval(),
	})

	// Background context for the periodic tasks; cancelled on shutdown.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	db, err := store.NewStore(bgCtx, cfg.Postgres.GetPostgresDSN(), cfg.Postgres.MaxConns, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer db.Close()

	if err := db.InitSchema(bgCtx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database schema")
	}

	// Partitions must exist before the first callback can be stored, so
	// the first rotation pass runs synchronously at startup.
	partitionManager := store.NewPartitionManager(db,
		cfg.Partitions.PartitionWindow(),
		cfg.Partitions.LookaheadWindows,
		cfg.Partitions.Retention(),
		logger)
	partitionTask := scheduler.NewTask("partition-rotation",
		cfg.Partitions.TickInterval(), partitionManager.Tick, logger)
	partitionTask.RunNow(bgCtx)
	partitionTask.Start(bgCtx)

	flagService := flags.NewService(db, logger)
	if err := flagService.Refresh(bgCtx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load feature flags")
	}
	flagTask := scheduler.NewTask("flag-refresh",
		cfg.Flags.RefreshInterval(), flagService.Refresh, logger)
	flagTask.Start(bgCtx)

	primaryHorizon := ledger.NewHorizonClient(cfg.Horizon.URL, cfg.Horizon.Timeout(), logger)
	var fallbackHorizon ledger.Client
	if cfg.Horizon.FallbackURL != "" {
		fallbackHorizon = ledger.NewHorizonClient(cfg.Horizon.FallbackURL, cfg.Horizon.Timeout(), logger)
	}

	engine := settlement.NewEngine(db, primaryHorizon, fallbackHorizon, flagService,
		settlement.Options{
			SafetyLag:   cfg.Settlement.SafetyLag(),
			BatchLimit:  cfg.Settlement.BatchLimit,
			MaxAttempts: cfg.Settlement.MaxAttempts,
			Tolerance:   cfg.Settlement.Tolerance(),
			WorkerLimit: cfg.Settlement.WorkerLimit,
		}, logger)
	settlementTask := scheduler.NewTask("settlement",
		cfg.Settlement.TickInterval(), engine.Tick, logger)
	settlementTask.Start(bgCtx)

	router := mux.NewRouter()
	gw := gateway.NewGateway(db, logger)
	gw.RegisterRoutes(router)
	flagService.RegisterAdminRoutes(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Service.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Service.WriteTimeoutSeconds) * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.Service.Port).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down")

	// Stop the periodic tasks first and wait for any in-flight tick so a
	// settlement commit is never interrupted halfway.
	bgCancel()
	settlementTask.Wait()
	partitionTask.Wait()
	flagTask.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited")
}
