package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/smaops/avops/internal/agents"
	"github.com/smaops/avops/internal/api"
	"github.com/smaops/avops/internal/auth"
	"github.com/smaops/avops/internal/bundles"
	"github.com/smaops/avops/internal/config"
	"github.com/smaops/avops/internal/logging"
	"github.com/smaops/avops/internal/mcp"
	"github.com/smaops/avops/internal/orchestrator"
	"github.com/smaops/avops/internal/recipes"
	"github.com/smaops/avops/internal/repository"
	"github.com/smaops/avops/internal/workflow"
)

func main() {
	ctx := context.Background()

	// Initialize logging
	logger := logging.NewLogger()

	// Parse command line flags
	configFile := flag.String("config", "", "Path to config file")
	tickEvery := flag.Duration("tick", time.Minute, "Scheduler tick interval (0 disables the scheduler)")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		log.Fatalf("Configuration loading failed: %v", err)
	}

	logger.Info("Starting AV Ops Orchestration Service")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Data directory: %v", err)
	}

	// Initialize storage
	store, err := repository.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		logger.Error("Failed to initialize database: %v", err)
		log.Fatalf("Database initialization failed: %v", err)
	}
	defer store.Close()
	logger.Info("Database connected (%s)", cfg.DB.Driver)

	// Domain services
	recipesDir := filepath.Join(cfg.DataDir, "recipes")
	bundleStore := bundles.NewStore(filepath.Join(cfg.DataDir, "bundles"), logger)
	compiler := recipes.NewCompiler(cfg.DataDir, bundleStore)
	runner := orchestrator.NewRunner()
	engine := workflow.NewEngine(store, agents.StubPublisher{}, logger)
	workflows := workflow.NewService(store, engine, recipesDir, logger)

	logger.Info("Service layer initialized")

	// Create Echo server
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("avops"))

	srv := &api.Server{
		Store:      store,
		Bundles:    bundleStore,
		Compiler:   compiler,
		Runner:     runner,
		Workflows:  workflows,
		DataDir:    cfg.DataDir,
		RecipesDir: recipesDir,
		Log:        logger,
	}

	e.GET("/healthz", srv.HandleHealth)

	// Mount REST API handlers
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(auth.RequireToken(cfg.Auth.Token))
	srv.RegisterRoutes(apiGroup)

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(store, compiler, workflows)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	logger.Info("MCP protocol handlers mounted")

	// Interval scheduler
	schedCtx, stopSched := context.WithCancel(ctx)
	defer stopSched()
	if *tickEvery > 0 {
		go runScheduler(schedCtx, workflows, *tickEvery, logger)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting on %s", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error: %v", err)
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received: %v", sig)
		stopSched()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error: %v", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
}

// runScheduler ticks due interval workflows until the context is canceled.
func runScheduler(ctx context.Context, workflows *workflow.Service, every time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			report, err := workflows.Tick(ctx, now.UTC())
			if err != nil {
				logger.Error("Scheduler tick failed: %v", err)
				continue
			}
			if report.Due > 0 {
				logger.Info("Scheduler tick: %d due, %d ran, %d failed", report.Due, report.Ran, len(report.Failures))
			}
		}
	}
}
