package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	app_service "bitcoin-graph-importer/internal/application/service"
	"bitcoin-graph-importer/internal/domain/repository"
	domain_service "bitcoin-graph-importer/internal/domain/service"
	"bitcoin-graph-importer/internal/infrastructure/blockchain"
	"bitcoin-graph-importer/internal/infrastructure/checkpoint"
	"bitcoin-graph-importer/internal/infrastructure/config"
	"bitcoin-graph-importer/internal/infrastructure/database"
	"bitcoin-graph-importer/internal/infrastructure/logger"
	"bitcoin-graph-importer/internal/infrastructure/messaging"

	"github.com/spf13/afero"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.NewLogger(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	// Create FX application
	app := fx.New(
		// Provide dependencies
		fx.Supply(cfg),
		fx.Supply(log),
		fx.Supply(&cfg.Bitcoin),
		fx.Supply(&cfg.Neo4J),
		fx.Supply(&cfg.Importer),
		fx.Supply(&cfg.NATS),
		fx.Provide(func() *zap.Logger { return log.Logger }),

		// Infrastructure providers
		fx.Provide(
			database.NewNeo4JClient,
			database.NewNeo4JGraphWriter,
			blockchain.NewBitcoinClient,
			messaging.NewBlockSignal,
			func(cfg *config.ImporterConfig, log *logger.Logger) *checkpoint.FileStore {
				return checkpoint.NewFileStore(afero.NewOsFs(), cfg.CheckpointPath, cfg.StartHeight, log)
			},
		),

		// Application providers
		fx.Provide(
			func(
				cfg *config.ImporterConfig,
				source *blockchain.BitcoinClient,
				writer repository.GraphWriter,
				checkpoints *checkpoint.FileStore,
				blockSignal *messaging.BlockSignal,
				log *logger.Logger,
			) domain_service.ImportService {
				return app_service.NewImportApplicationService(cfg, source, writer, checkpoints, blockSignal.Signal(), log)
			},
		),

		// Lifecycle hooks
		fx.Invoke(startImporter),
		fx.Invoke(startHealthServer),

		// Configure logging
		fx.WithLogger(func() fxevent.Logger {
			return fxevent.NopLogger
		}),
	)

	// Start the application
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		log.Error("Failed to start application", zap.Error(err))
		os.Exit(1)
	}

	// Wait for shutdown signal or backfill completion
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info("Shutting down application...")
	case <-app.Done():
		log.Info("Application requested shutdown")
	}

	// Stop the application
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Stop(stopCtx); err != nil {
		log.Error("Failed to stop application gracefully", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Application stopped successfully")
}

// startImporter connects the external services and runs the import loop
func startImporter(
	lifecycle fx.Lifecycle,
	shutdowner fx.Shutdowner,
	importService domain_service.ImportService,
	source *blockchain.BitcoinClient,
	blockSignal *messaging.BlockSignal,
	neo4jClient *database.Neo4JClient,
	log *logger.Logger,
	cfg *config.Config,
) {
	runCtx, cancelRun := context.WithCancel(context.Background())
	done := make(chan struct{})

	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("Starting import service...")

			// Connect to Neo4J and set up the graph schema
			log.Info("Connecting to Neo4J database")
			if err := neo4jClient.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to Neo4J: %w", err)
			}

			// Verify the Bitcoin Core connection and log the chain tip
			head, err := source.CurrentHeight(ctx)
			if err != nil {
				return fmt.Errorf("failed to reach Bitcoin Core: %w", err)
			}
			log.Info("Connected to Bitcoin Core", zap.Int64("chain_head", head))

			// Optional block announcements
			if err := blockSignal.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}

			go func() {
				defer close(done)
				if err := importService.Run(runCtx); err != nil && runCtx.Err() == nil {
					log.Error("Import loop failed", zap.Error(err))
				}
				// Backfill completion and fatal errors both end the process
				if runCtx.Err() == nil {
					_ = shutdowner.Shutdown()
				}
			}()

			log.Info("Import service started successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Stopping import service...")

			// Let the loop finish its in-flight block and persist its checkpoint
			cancelRun()
			select {
			case <-done:
			case <-ctx.Done():
				log.Warn("Import loop did not drain before stop timeout")
			}

			if err := neo4jClient.Close(ctx); err != nil {
				log.Error("Failed to close Neo4J connection", zap.Error(err))
			}
			source.Shutdown()
			return blockSignal.Disconnect()
		},
	})
}

// startHealthServer starts the health check server
func startHealthServer(
	lifecycle fx.Lifecycle,
	cfg *config.Config,
	logger *logger.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting health server...", zap.Int("port", cfg.App.HTTPPort))

			// Create health check server
			mux := http.NewServeMux()
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(`{"status":"ok"}`))
			})

			server := &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.App.HTTPPort),
				Handler: mux,
			}

			// Start server in background
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("Health server error", zap.Error(err))
				}
			}()

			logger.Info("Health server started successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping health server...")
			return nil
		},
	})
}
