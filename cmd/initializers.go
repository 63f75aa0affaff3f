package main

import (
	"fmt"
	"net/http"
	"time"

	"modelforge/app/handler"
	"modelforge/app/router"
	"modelforge/internal/model"
	"modelforge/internal/service"
	"modelforge/internal/service/training"
	"modelforge/pkg/capacity"
	"modelforge/pkg/checkpoint"
	"modelforge/pkg/config"
	"modelforge/pkg/dispatcher"
	"modelforge/pkg/hardware"
	"modelforge/pkg/logger"
	"modelforge/pkg/marketdata"
	"modelforge/pkg/notification"
	"modelforge/pkg/storage"
	"modelforge/pkg/store/database"
	redisstore "modelforge/pkg/store/redis"
	"modelforge/pkg/trainer/gd"

	"github.com/gin-gonic/gin"
)

func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

func (app *Application) initLogger() error {
	return logger.Init()
}

func (app *Application) initDatabase() error {
	repo, err := database.NewRepository(app.config.Database)
	if err != nil {
		return err
	}
	app.repo = repo
	app.registerCleanup(func() {
		if err := repo.Close(); err != nil {
			logger.WarnCtx(app.ctx, "failed to close database: %v", err)
		}
	})
	return nil
}

// initRedis connects when enabled. Without Redis progress stays in process
// and maintenance locks are always granted.
func (app *Application) initRedis() error {
	if !app.config.Redis.Enabled {
		logger.InfoCtx(app.ctx, "redis disabled, using in-process progress hub")
		return nil
	}
	client, err := redisstore.NewRedisClient(app.config.Redis)
	if err != nil {
		return err
	}
	app.redisClient = client
	app.registerCleanup(func() {
		client.Close()
	})
	return nil
}

func (app *Application) initStorage() error {
	store, err := checkpoint.NewStore(app.config.Storage.BaseDir, app.config.Storage.WeightsExt)
	if err != nil {
		return err
	}
	if app.config.Mirror.Enabled {
		mirror, err := storage.NewMinIOMirror(app.ctx, app.config.Mirror)
		if err != nil {
			return fmt.Errorf("checkpoint mirror: %w", err)
		}
		store.SetMirror(mirror)
		logger.InfoCtx(app.ctx, "checkpoints mirrored to bucket %s", app.config.Mirror.Bucket)
	}
	app.checkpoints = store
	app.trainer = gd.New()
	return nil
}

func (app *Application) initHardware() error {
	app.hardware = hardware.Detect(app.ctx)
	logger.InfoCtx(app.ctx, "detected hardware: %s", app.hardware)
	return nil
}

// initCapacity loads containers and queues and seeds the defaults before
// anything can ask for a slot
func (app *Application) initCapacity() error {
	mgr := capacity.NewManager(app.repo.Resource, app.config.Training.DefaultQueueMaxJobs)
	if err := mgr.Load(app.ctx); err != nil {
		return err
	}
	if _, err := mgr.EnsureDefault(app.ctx, app.hardware); err != nil {
		return err
	}
	app.capacityMgr = mgr
	return nil
}

func (app *Application) initMarketData() error {
	cache, err := marketdata.OpenCandleCache(app.config.MarketData.CachePath)
	if err != nil {
		return err
	}
	app.candles = cache
	app.source = marketdata.NewCSVSource(app.config.MarketData.CSVDir)
	app.registerCleanup(func() {
		if err := cache.Close(); err != nil {
			logger.WarnCtx(app.ctx, "failed to close candle cache: %v", err)
		}
	})
	return nil
}

func (app *Application) initDispatcher() error {
	app.dispatcher = dispatcher.New(app.repo.Task, app.config.Dispatcher)
	return nil
}

func (app *Application) initServices() error {
	repo := app.repo
	app.configurationService = service.NewConfigurationService(
		repo.Configuration,
		repo.Dataset,
		repo.Job,
		app.capacityMgr,
	)
	app.datasetService = service.NewDatasetService(
		repo.Dataset,
		repo.Configuration,
		repo.Job,
		repo.ModelTest,
		app.candles,
		app.source,
		app.dispatcher,
	)
	app.modelTestService = service.NewModelTestService(
		repo.ModelTest,
		repo.Job,
		repo.Configuration,
		repo.Dataset,
		app.candles,
		app.checkpoints,
		app.trainer,
		app.dispatcher,
		app.config.Training.AnnualizationFactor,
	)

	app.dispatcher.Register(model.TaskTypeDatasetIngestion, app.datasetService.IngestionHandler())
	app.dispatcher.Register(model.TaskTypeModelTest, app.modelTestService.Handler())
	return nil
}

// initOrchestrator builds the orchestrator and reconciles jobs left active
// by a previous process before any command is accepted
func (app *Application) initOrchestrator() error {
	var publisher training.ProgressPublisher
	if app.redisClient != nil {
		bus := redisstore.NewProgressBus(app.redisClient)
		publisher, app.progress = bus, bus
	} else {
		hub := training.NewHub()
		publisher, app.progress = hub, hub
	}
	if notifier := notification.NewFeishuNotifier(app.config.Notification); notifier.Enabled() {
		publisher = notification.NewPublisher(publisher, notifier)
	}

	app.orchestrator = training.New(
		app.repo.Job,
		app.repo.Configuration,
		app.datasetService,
		app.checkpoints,
		app.capacityMgr,
		app.trainer,
		publisher,
		app.config.Training,
	)
	return app.orchestrator.Reconcile(app.ctx)
}

func (app *Application) initHandlers() error {
	app.jobHandler = handler.NewJobHandler(app.orchestrator, app.progress)
	app.configurationHandler = handler.NewConfigurationHandler(app.configurationService)
	app.datasetHandler = handler.NewDatasetHandler(app.datasetService)
	app.resourceHandler = handler.NewResourceHandler(app.capacityMgr, app.hardware)
	app.taskHandler = handler.NewTaskHandler(app.dispatcher)
	app.modelTestHandler = handler.NewModelTestHandler(app.modelTestService)
	return nil
}

func (app *Application) initHTTPServer() error {
	gin.SetMode(app.config.Server.Mode)
	app.ginEngine = gin.New()

	r := router.NewRouter(
		app.jobHandler,
		app.configurationHandler,
		app.datasetHandler,
		app.resourceHandler,
		app.taskHandler,
		app.modelTestHandler,
	)
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.ginEngine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}
