package router

import (
	"net/http"

	"modelforge/app/handler"
	"modelforge/app/middleware"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	jobHandler           *handler.JobHandler
	configurationHandler *handler.ConfigurationHandler
	datasetHandler       *handler.DatasetHandler
	resourceHandler      *handler.ResourceHandler
	taskHandler          *handler.TaskHandler
	modelTestHandler     *handler.ModelTestHandler
}

// NewRouter creates a new Router
func NewRouter(
	jobHandler *handler.JobHandler,
	configurationHandler *handler.ConfigurationHandler,
	datasetHandler *handler.DatasetHandler,
	resourceHandler *handler.ResourceHandler,
	taskHandler *handler.TaskHandler,
	modelTestHandler *handler.ModelTestHandler,
) *Router {
	return &Router{
		jobHandler:           jobHandler,
		configurationHandler: configurationHandler,
		datasetHandler:       datasetHandler,
		resourceHandler:      resourceHandler,
		taskHandler:          taskHandler,
		modelTestHandler:     modelTestHandler,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	api := engine.Group("/api/v1")
	api.Use(middleware.AuthMiddleware())
	{
		jobs := api.Group("/jobs")
		{
			jobs.POST("", r.jobHandler.Start)
			jobs.GET("", r.jobHandler.List)
			jobs.GET("/:id", r.jobHandler.Get)
			jobs.POST("/:id/cancel", r.jobHandler.Cancel)
			jobs.POST("/:id/pause", r.jobHandler.Pause)
			jobs.POST("/:id/resume", r.jobHandler.Resume)
			jobs.POST("/:id/retry", r.jobHandler.Retry)
			jobs.POST("/:id/resume-from-checkpoint", r.jobHandler.ResumeFromCheckpoint)
			jobs.GET("/:id/progress", r.jobHandler.Progress)
			jobs.GET("/:id/stream", r.jobHandler.Stream) // WebSocket
			jobs.GET("/:id/tests", r.modelTestHandler.ListByJob)
		}

		configurations := api.Group("/configurations")
		{
			configurations.POST("", r.configurationHandler.Create)
			configurations.GET("", r.configurationHandler.List)
			configurations.GET("/:id", r.configurationHandler.Get)
			configurations.PUT("/:id", r.configurationHandler.Update)
			configurations.DELETE("/:id", r.configurationHandler.Delete)
		}

		datasets := api.Group("/datasets")
		{
			datasets.POST("", r.datasetHandler.Create)
			datasets.GET("", r.datasetHandler.List)
			datasets.GET("/:id", r.datasetHandler.Get)
			datasets.GET("/:id/candles", r.datasetHandler.Candles)
			datasets.POST("/:id/reingest", r.datasetHandler.Reingest)
			datasets.DELETE("/:id", r.datasetHandler.Delete)
		}

		containers := api.Group("/containers")
		{
			containers.POST("", r.resourceHandler.CreateContainer)
			containers.GET("", r.resourceHandler.ListContainers)
			containers.GET("/:id", r.resourceHandler.GetContainer)
			containers.PUT("/:id", r.resourceHandler.UpdateContainer)
			containers.DELETE("/:id", r.resourceHandler.DeleteContainer)
		}

		queues := api.Group("/queues")
		{
			queues.POST("", r.resourceHandler.CreateQueue)
			queues.GET("", r.resourceHandler.ListQueues)
			queues.GET("/:id", r.resourceHandler.GetQueue)
			queues.PUT("/:id", r.resourceHandler.UpdateQueue)
			queues.DELETE("/:id", r.resourceHandler.DeleteQueue)
		}

		api.GET("/hardware", r.resourceHandler.Hardware)

		tasks := api.Group("/tasks")
		{
			tasks.GET("", r.taskHandler.List)
			tasks.GET("/stats", r.taskHandler.Stats)
			tasks.GET("/:id", r.taskHandler.Get)
			tasks.POST("/:id/cancel", r.taskHandler.Cancel)
		}

		tests := api.Group("/model-tests")
		{
			tests.POST("", r.modelTestHandler.Create)
			tests.GET("/:id", r.modelTestHandler.Get)
			tests.DELETE("/:id", r.modelTestHandler.Delete)
		}
	}

	// Health check
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
