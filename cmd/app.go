package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"dio/app/handler"
	"dio/internal/admission"
	"dio/internal/events"
	"dio/internal/health"
	"dio/internal/jobs"
	"dio/internal/registry"
	"dio/internal/scheduler"
	"dio/internal/service"
	"dio/pkg/autoscaler"
	"dio/pkg/config"
	"dio/pkg/interfaces"
	"dio/pkg/logger"
	mysqlstore "dio/pkg/store/mysql"
	redisstore "dio/pkg/store/redis"
)

// Application manages the lifecycle of the entire application
type Application struct {
	// Infrastructure components
	config      *config.Config
	mysqlRepo   *mysqlstore.Repository
	redisClient *redisstore.RedisClient
	broadcaster *events.Broadcaster

	// Core
	registry     *registry.Registry
	workerClient interfaces.WorkerClient
	tracker      *health.Tracker
	scheduler    *scheduler.Scheduler
	admission    *admission.Controller
	estimator    interfaces.CostEstimator

	// Scaling
	provisioner   interfaces.Provisioner
	autoscalerMgr *autoscaler.Manager

	// Service layer
	inferenceService   *service.InferenceService
	workerService      *service.WorkerService
	workerEventService *service.WorkerEventService

	// Handler layer
	inferenceHandler  *handler.InferenceHandler
	workerHandler     *handler.WorkerHandler
	modelHandler      *handler.ModelHandler
	autoscalerHandler *handler.AutoScalerHandler
	eventsHandler     *handler.EventsHandler

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Background tasks
	jobsManager *jobs.Manager

	// Context management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Background task cleanup functions
	cleanupFuncs []func()
}

// NewApplication creates a new Application instance
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:          ctx,
		cancel:       cancel,
		cleanupFuncs: make([]func(), 0),
	}
}

// Initialize initializes all application components
func (app *Application) Initialize() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Redis", app.initRedis},
		{"MySQL", app.initMySQL},
		{"Worker Registry", app.initRegistry},
		{"Request Path", app.initRequestPath},
		{"Auto-scaler", app.initAutoScaler},
		{"Service Layer", app.initServices},
		{"Background Tasks", app.initJobs},
		{"Handler Layer", app.initHandlers},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err := step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Application initialization completed")
	return nil
}

// Start starts all application components
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting application components...")

	// 1. Persist worker events
	if app.workerEventService.Enabled() {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.workerEventService.Run(app.ctx)
		}()
	}

	// 2. Start background tasks (health probes, gauges, retention)
	if app.jobsManager != nil {
		logger.InfoCtx(app.ctx, "Starting background task manager, jobs: %v", app.jobsManager.Jobs())
		app.jobsManager.Start()
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.jobsManager.Wait()
		}()
	}

	// 3. Start AutoScaler. The loop idles while disabled so the admin API can enable it later.
	if app.autoscalerMgr != nil {
		if err := app.autoscalerMgr.Start(app.ctx); err != nil {
			logger.ErrorCtx(app.ctx, "Failed to start autoscaler: %v", err)
		} else {
			logger.InfoCtx(app.ctx, "Autoscaler started successfully")
		}
	}

	// 4. Start HTTP server
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	logger.InfoCtx(app.ctx, "All components started successfully")
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. Stop accepting requests; in-flight inference finishes first
	logger.InfoCtx(app.ctx, "Shutting down HTTP server...")
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
	}

	// 2. Stop AutoScaler before its provisioner is closed
	if app.autoscalerMgr != nil && app.autoscalerMgr.IsRunning() {
		logger.InfoCtx(app.ctx, "Stopping autoscaler...")
		if err := app.autoscalerMgr.Stop(); err != nil {
			logger.ErrorCtx(app.ctx, "Autoscaler stop error: %v", err)
		}
	}

	// 3. Cancel all background tasks
	logger.InfoCtx(app.ctx, "Canceling background tasks...")
	app.cancel()
	if app.jobsManager != nil {
		app.jobsManager.Stop()
	}

	// 4. Wait for all background tasks to complete
	logger.InfoCtx(app.ctx, "Waiting for background tasks to complete...")
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	// 5. Execute all cleanup functions (in reverse registration order)
	logger.InfoCtx(app.ctx, "Executing cleanup functions...")
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	logger.InfoCtx(app.ctx, "Graceful shutdown completed")
	logger.Sync()
	return nil
}

// registerCleanup registers cleanup function
func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}
