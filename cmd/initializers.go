package main

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"dio/app/handler"
	"dio/app/router"
	"dio/internal/admission"
	"dio/internal/events"
	"dio/internal/health"
	"dio/internal/registry"
	"dio/internal/scheduler"
	"dio/internal/service"
	"dio/pkg/autoscaler"
	"dio/pkg/config"
	"dio/pkg/costing"
	"dio/pkg/deploy"
	"dio/pkg/logger"
	"dio/pkg/notification"
	mysqlstore "dio/pkg/store/mysql"
	redisstore "dio/pkg/store/redis"
	"dio/pkg/workerclient"
)

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging and reports values replaced by defaults
func (app *Application) initLogger() error {
	if err := logger.Init(); err != nil {
		return err
	}
	for _, w := range app.config.Warnings {
		logger.WarnCtx(app.ctx, "config: %s", w)
	}
	return nil
}

// initRedis connects Redis. Without an address the orchestrator runs single-instance:
// locks always succeed and the autoscaler enabled flag lives in memory.
func (app *Application) initRedis() error {
	if app.config.Redis.Addr == "" {
		logger.InfoCtx(app.ctx, "Redis not configured, running in single-instance mode")
		return nil
	}

	client, err := redisstore.NewRedisClient(app.config.Redis)
	if err != nil {
		return err
	}

	app.redisClient = client
	app.registerCleanup(func() {
		client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})
	return nil
}

// initMySQL opens the history database when configured
func (app *Application) initMySQL() error {
	if !app.config.MySQL.Enabled() {
		logger.InfoCtx(app.ctx, "MySQL not configured, scaling and worker history are kept in memory only")
		return nil
	}

	repo, err := mysqlstore.NewRepository(app.config.MySQL)
	if err != nil {
		return err
	}

	app.mysqlRepo = repo
	app.registerCleanup(func() {
		repo.Close()
		logger.InfoCtx(app.ctx, "MySQL connection has been closed")
	})
	return nil
}

// initRegistry creates the event broadcaster and the worker registry
func (app *Application) initRegistry() error {
	app.broadcaster = events.NewBroadcaster(app.config.Registry.EventBuffer)
	app.registry = registry.New(
		registry.WithPublisher(app.broadcaster),
		registry.WithDefaultMaxConcurrency(app.config.Registry.DefaultMaxConcurrency),
	)
	return nil
}

// initRequestPath wires health tracking, scheduling and admission
func (app *Application) initRequestPath() error {
	// per-call deadlines come from contexts; the transport cap sits above the dispatch timeout
	client := workerclient.New(2 * app.config.Gateway.DispatchTimeout)
	app.workerClient = client

	app.tracker = health.NewTracker(app.registry, client, app.config.Health)
	app.scheduler = scheduler.New(app.registry, app.config.Scheduler, nil)
	app.admission = admission.NewController(app.config.Admission)
	app.estimator = costing.NewTokenEstimator(app.config.Admission.CostWeights)
	return nil
}

// initAutoScaler creates the provisioner, executor and control loop
func (app *Application) initAutoScaler() error {
	prov, err := deploy.CreateProvisioner(app.config)
	if err != nil {
		return fmt.Errorf("failed to create provisioner: %w", err)
	}
	app.provisioner = prov
	logger.InfoCtx(app.ctx, "Using %s provisioner", prov.Name())

	if closer, ok := prov.(io.Closer); ok {
		app.registerCleanup(func() {
			closer.Close()
			logger.InfoCtx(app.ctx, "%s provisioner has been closed", prov.Name())
		})
	}

	// interface values stay nil unless backed by a real store
	var history autoscaler.HistoryStore
	if app.mysqlRepo != nil {
		history = app.mysqlRepo.ScalingEvent
	}
	var notifier autoscaler.Notifier
	if n := notification.NewWebhookNotifier(app.config.Notification.WebhookURL); n != nil {
		notifier = n
	}

	executor := autoscaler.NewExecutor(prov, history, notifier, app.broadcaster)
	app.autoscalerMgr = autoscaler.NewManager(
		autoscaler.ConfigFrom(app.config.AutoScaler),
		app.registry,
		prov,
		executor,
		history,
		app.redis(),
	)
	return nil
}

// initServices initializes service layer
func (app *Application) initServices() error {
	app.inferenceService = service.NewInferenceService(
		app.admission,
		app.scheduler,
		app.tracker,
		app.workerClient,
		app.estimator,
		app.config.Gateway.DispatchTimeout,
	)
	app.workerService = service.NewWorkerService(app.registry, app.tracker)

	var store service.WorkerEventStore
	if app.mysqlRepo != nil {
		store = app.mysqlRepo.WorkerEvent
	}
	app.workerEventService = service.NewWorkerEventService(app.broadcaster, store)
	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.inferenceHandler = handler.NewInferenceHandler(app.inferenceService, app.config.Gateway.MaxPayloadBytes)
	app.workerHandler = handler.NewWorkerHandler(app.workerService, app.workerEventService)
	app.modelHandler = handler.NewModelHandler(app.workerService, app.scheduler, app.tracker, app.admission)
	app.autoscalerHandler = handler.NewAutoScalerHandler(app.autoscalerMgr)
	app.eventsHandler = handler.NewEventsHandler(app.broadcaster)
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	gin.SetMode(app.config.Server.Mode)
	app.ginEngine = gin.New()

	r := router.NewRouter(
		app.inferenceHandler,
		app.workerHandler,
		app.modelHandler,
		app.autoscalerHandler,
		app.eventsHandler,
		app.config.Server.APIKey,
	)
	r.Setup(app.ginEngine)

	if app.config.Server.APIKey == "" {
		logger.WarnCtx(app.ctx, "server.api_key is empty, admin and worker routes are unauthenticated")
	}

	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: app.ginEngine,
	}
	return nil
}

// redis returns the raw client, nil in single-instance mode
func (app *Application) redis() *redis.Client {
	if app.redisClient == nil {
		return nil
	}
	return app.redisClient.GetClient()
}
