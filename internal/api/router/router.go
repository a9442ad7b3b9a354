package router

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/golfarena/arena-be/internal/api/handler"
)

// HealthChecker reports backing-store health for the health endpoint.
type HealthChecker func(ctx context.Context) error

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, health HealthChecker) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if health != nil {
			if err := health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "degraded",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "arena-api-service",
		})
	})

	submissionHandler := handler.NewSubmissionHandler(deps)

	v1 := r.Group("/api/v1")
	v1.Use(AuthRateLimitMiddleware(deps.Limiter))
	{
		submissions := v1.Group("/submissions")
		{
			submissions.POST("", submissionHandler.Submit)
			submissions.GET("/:job_id", submissionHandler.Poll)
		}

		tasks := v1.Group("/tasks")
		{
			tasks.GET("/:task_id/leaderboard", submissionHandler.Leaderboard)
		}
	}

	return r
}
