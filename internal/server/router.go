package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/storyloom/backend/internal/handlers"
)

type RouterConfig struct {
	StoriesHandler *handlers.StoriesHandler
	JobsHandler    *handlers.JobsHandler
	AllowOrigins   []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/stories/generate", cfg.StoriesHandler.Generate)
		api.POST("/stories/:id/iterate", cfg.StoriesHandler.Iterate)
		api.GET("/stories/:id", cfg.StoriesHandler.GetStory)
		api.GET("/stories/:id/versions", cfg.StoriesHandler.ListVersions)
		api.GET("/stories/:id/versions/:number", cfg.StoriesHandler.GetVersion)

		api.GET("/jobs/:id", cfg.JobsHandler.GetJobByID)
		api.GET("/jobs/:id/events", cfg.JobsHandler.StreamEvents)
	}

	return router
}
