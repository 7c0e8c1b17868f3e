// Package main is the unified entry point for Gunaso.
// This single binary runs the broker, the worker pools, and the HTTP
// and WebSocket surfaces together with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/config"
	"github.com/gunaso/gunaso/internal/common/httpmw"
	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/crypto"
	"github.com/gunaso/gunaso/internal/db"
	"github.com/gunaso/gunaso/internal/events/bus"
	gateways "github.com/gunaso/gunaso/internal/gateway/websocket"
	"github.com/gunaso/gunaso/internal/grievance/handlers"
	"github.com/gunaso/gunaso/internal/grievance/repository"
	grievanceservice "github.com/gunaso/gunaso/internal/grievance/service"
	"github.com/gunaso/gunaso/internal/llm"
	"github.com/gunaso/gunaso/internal/notify"
	"github.com/gunaso/gunaso/internal/orchestrator/broker"
	"github.com/gunaso/gunaso/internal/orchestrator/lifecycle"
	"github.com/gunaso/gunaso/internal/orchestrator/pipeline"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
	"github.com/gunaso/gunaso/internal/orchestrator/statusbus"
	"github.com/gunaso/gunaso/internal/orchestrator/worker"
	"github.com/gunaso/gunaso/internal/tasks"
	"github.com/gunaso/gunaso/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Gunaso (unified mode)...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory for unified mode, NATS if configured.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Database: PostgreSQL when a host is configured, SQLite otherwise.
	var writer, reader *sqlx.DB
	if cfg.Database.UsePostgres() {
		pgDB, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		writer = sqlx.NewDb(pgDB, "pgx")
		reader = writer
		log.Info("Connected to PostgreSQL",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName))
	} else {
		writerDB, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			log.Fatal("Failed to open SQLite database", zap.Error(err), zap.String("path", cfg.Database.Path))
		}
		readerDB, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			log.Fatal("Failed to open SQLite reader pool", zap.Error(err), zap.String("path", cfg.Database.Path))
		}
		writer = sqlx.NewDb(writerDB, "sqlite3")
		reader = sqlx.NewDb(readerDB, "sqlite3")
		log.Info("SQLite database initialized", zap.String("path", cfg.Database.Path))
	}
	pool := db.NewPool(writer, reader)
	defer pool.Close()

	repo, closeRepo, err := repository.Provide(writer, reader)
	if err != nil {
		log.Fatal("Failed to initialize repository", zap.Error(err))
	}
	defer closeRepo()

	cipher, err := crypto.NewFieldCipher(cfg.Encryption.KeyPath)
	if err != nil {
		log.Fatal("Failed to load encryption key", zap.Error(err))
	}

	// Orchestration core.
	reg := registry.New(map[registry.TaskKind]string{
		registry.KindLLM:        cfg.Queues.LLM,
		registry.KindFileUpload: cfg.Queues.FileUpload,
		registry.KindMessaging:  cfg.Queues.Messaging,
		registry.KindDatabase:   cfg.Queues.Database,
		registry.KindDefault:    cfg.Queues.Default,
	})
	brk := broker.New(eventBus, reg, log)
	statusPub := statusbus.NewBusPublisher(eventBus, log)
	lifecycleMgr := lifecycle.NewManager(statusPub, brk, log)
	composer := pipeline.NewComposer(brk, reg, log)

	dbTasks := grievanceservice.NewDBTaskService(repo, cipher, log)
	llmClient := llm.NewClient(cfg.LLM, log)

	providers := map[string]notify.Provider{
		tasks.ChannelSMS:     notify.NewSMSProvider(cfg.Notify.SMSWebhookURL),
		tasks.ChannelApprise: notify.NewAppriseProvider(),
	}

	tasks.RegisterAll(tasks.Deps{
		Registry:  reg,
		Composer:  composer,
		DBTasks:   dbTasks,
		LLM:       llmClient,
		Providers: providers,
		Config:    cfg,
		Logger:    log,
	})
	log.Info("Task registry initialized", zap.Int("queues", len(reg.Queues())))

	brk.Start(ctx)

	wkr := worker.New(reg, brk, lifecycleMgr, telemetry.Tracer("gunaso.worker"), log, worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		SoftTimeLimit: time.Duration(cfg.Worker.SoftTimeLimit) * time.Second,
		HardTimeLimit: time.Duration(cfg.Worker.HardTimeLimit) * time.Second,
		StoreTask:     tasks.TaskStoreResultToDB,
	})
	if err := wkr.Start(ctx); err != nil {
		log.Fatal("Failed to start worker pools", zap.Error(err))
	}
	log.Info("Worker pools started", zap.Int("concurrency", cfg.Worker.Concurrency))

	// WebSocket gateway.
	gateway := gateways.NewGateway(log)
	go gateway.Hub.Run(ctx)
	gateways.RegisterStatusNotifications(ctx, eventBus, gateway.Hub, log)
	gateways.RegisterTaskStatusHandler(gateway.Dispatcher, repo)

	// HTTP server.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "gunaso"))
	router.Use(httpmw.OtelTracing("gunaso"))

	gateway.SetupRoutes(router)
	statusbus.RegisterBridgeRoutes(router, statusPub, log)

	intake := handlers.NewIntakeHandlers(composer, repo, log)
	intake.RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "gunaso",
			"mode":    "unified",
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Gunaso...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	wkr.Stop()
	brk.Stop()

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Gunaso stopped")
}
