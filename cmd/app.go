package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"modelforge/app/handler"
	"modelforge/internal/jobs"
	"modelforge/internal/service"
	"modelforge/internal/service/training"
	"modelforge/pkg/capacity"
	"modelforge/pkg/checkpoint"
	"modelforge/pkg/config"
	"modelforge/pkg/dispatcher"
	"modelforge/pkg/hardware"
	"modelforge/pkg/logger"
	"modelforge/pkg/marketdata"
	"modelforge/pkg/store/database"
	redisstore "modelforge/pkg/store/redis"
	"modelforge/pkg/trainer"

	"github.com/gin-gonic/gin"
)

// Application manages the lifecycle of the control plane
type Application struct {
	// Infrastructure
	config      *config.Config
	repo        *database.Repository
	redisClient *redisstore.RedisClient
	checkpoints *checkpoint.Store
	candles     *marketdata.CandleCache
	source      marketdata.Source
	hardware    hardware.Info
	trainer     trainer.Trainer

	// Core
	capacityMgr  *capacity.Manager
	dispatcher   *dispatcher.Dispatcher
	progress     handler.ProgressSource
	orchestrator *training.Orchestrator

	// Service layer
	configurationService *service.ConfigurationService
	datasetService       *service.DatasetService
	modelTestService     *service.ModelTestService

	// Handler layer
	jobHandler           *handler.JobHandler
	configurationHandler *handler.ConfigurationHandler
	datasetHandler       *handler.DatasetHandler
	resourceHandler      *handler.ResourceHandler
	taskHandler          *handler.TaskHandler
	modelTestHandler     *handler.ModelTestHandler

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Background jobs
	jobsManager *jobs.Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cleanupFuncs []func()
}

// NewApplication creates a new Application instance
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize initializes all components in dependency order
func (app *Application) Initialize() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"configuration", app.initConfig},
		{"logging", app.initLogger},
		{"database", app.initDatabase},
		{"redis", app.initRedis},
		{"checkpoint storage", app.initStorage},
		{"hardware", app.initHardware},
		{"capacity", app.initCapacity},
		{"market data", app.initMarketData},
		{"dispatcher", app.initDispatcher},
		{"service layer", app.initServices},
		{"orchestrator", app.initOrchestrator},
		{"background jobs", app.initJobs},
		{"handler layer", app.initHandlers},
		{"HTTP server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "initializing %s...", step.name)
		if err := step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	logger.InfoCtx(app.ctx, "application initialization completed")
	return nil
}

// Start starts the dispatcher, background jobs and the HTTP server
func (app *Application) Start() error {
	if err := app.dispatcher.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	app.jobsManager.Start()
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.jobsManager.Wait()
	}()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	logger.InfoCtx(app.ctx, "control plane started, %s", app.hardware)
	return nil
}

// Shutdown stops accepting requests, cancels running jobs and flushes
// pending task writes before closing connections
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error

	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}

	logger.InfoCtx(app.ctx, "stopping %d running training jobs...", app.orchestrator.ActiveCount())
	if err := app.orchestrator.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}

	app.dispatcher.Stop(shutdownCtx)

	app.cancel()
	app.jobsManager.Stop()

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "shutdown timeout, some background work may not have completed")
	}

	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	logger.InfoCtx(app.ctx, "graceful shutdown completed")
	_ = logger.Sync()
	return errors.Join(errs...)
}

// registerCleanup registers a function run at shutdown, last registered first
func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}
