package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dio/app/handler"
	"dio/app/middleware"
)

// Router Router
type Router struct {
	inferenceHandler  *handler.InferenceHandler
	workerHandler     *handler.WorkerHandler
	modelHandler      *handler.ModelHandler
	autoscalerHandler *handler.AutoScalerHandler
	eventsHandler     *handler.EventsHandler
	apiKey            string
}

// NewRouter creates a new Router. A nil autoscalerHandler leaves the autoscaler routes out.
func NewRouter(
	inferenceHandler *handler.InferenceHandler,
	workerHandler *handler.WorkerHandler,
	modelHandler *handler.ModelHandler,
	autoscalerHandler *handler.AutoScalerHandler,
	eventsHandler *handler.EventsHandler,
	apiKey string,
) *Router {
	return &Router{
		inferenceHandler:  inferenceHandler,
		workerHandler:     workerHandler,
		modelHandler:      modelHandler,
		autoscalerHandler: autoscalerHandler,
		eventsHandler:     eventsHandler,
		apiKey:            apiKey,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	v1 := engine.Group("/v1")
	{
		// Client inference interface
		v1.POST("/inference", r.inferenceHandler.Infer)
		v1.POST("/models/:model/infer", r.inferenceHandler.Infer)
	}

	// Worker and admin interfaces share the API key
	admin := v1.Group("")
	admin.Use(middleware.APIKey(r.apiKey))
	{
		workers := admin.Group("/workers")
		{
			workers.POST("/register", r.workerHandler.Register)
			workers.GET("", r.workerHandler.List)
			workers.GET("/:id", r.workerHandler.Get)
			workers.DELETE("/:id", r.workerHandler.Delete)
			workers.POST("/:id/drain", r.workerHandler.Drain)
			workers.GET("/:id/events", r.workerHandler.Events)
		}

		models := admin.Group("/models")
		{
			models.GET("", r.modelHandler.List)
			models.GET("/:model/weights", r.modelHandler.Weights)
			models.GET("/:model/budget", r.modelHandler.GetBudget)
			models.PUT("/:model/budget", r.modelHandler.PutBudget)
		}
		admin.GET("/admission", r.modelHandler.Admission)

		if r.autoscalerHandler != nil {
			autoscaler := admin.Group("/autoscaler")
			{
				autoscaler.GET("/status", r.autoscalerHandler.GetStatus)
				autoscaler.GET("/intents", r.autoscalerHandler.ListIntents)
				autoscaler.POST("/intents/:id/resolve", r.autoscalerHandler.ResolveIntent)
				autoscaler.POST("/enable", r.autoscalerHandler.Enable)
				autoscaler.POST("/disable", r.autoscalerHandler.Disable)
				autoscaler.POST("/trigger", r.autoscalerHandler.Trigger)
				autoscaler.GET("/history", r.autoscalerHandler.GetHistory)
			}
		}

		admin.GET("/events", r.eventsHandler.Stream)
	}

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
