package router

import (
	"net/http"

	"github.com/cuongbtq/scout-sync/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	if deps.Registerer != nil {
		r.Use(MetricsMiddleware(deps.Registerer))
	}
	r.Use(CORSMiddleware())

	serviceName := deps.ServiceName
	if serviceName == "" {
		serviceName = "sync-api-service"
	}
	r.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": serviceName,
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
		})
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/sync-jobs")
		{
			// POST /api/v1/sync-jobs - Enqueue (returns the active job for the scope)
			jobs.POST("", jobHandler.EnqueueJob)

			// GET /api/v1/sync-jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// POST /api/v1/sync-jobs/kick - Run due jobs synchronously
			jobs.POST("/kick", jobHandler.Kick)

			// GET /api/v1/sync-jobs/:job_id - Poll a job, kicking the queue while it is active
			jobs.GET("/:job_id", jobHandler.GetJob)
		}
	}

	return r
}
