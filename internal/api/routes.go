package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine with CORS and every API route
func NewRouter(handler *Handler, allowOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(allowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	SetupRoutes(router, handler)
	return router
}

func SetupRoutes(router *gin.Engine, handler *Handler) {
	api := router.Group("/api")
	{
		api.GET("/properties", handler.GetProperties)
		api.GET("/properties/:id", handler.GetProperty)
		api.GET("/properties/:id/trend", handler.GetPriceTrend)
		api.GET("/sources", handler.GetSources)
		api.POST("/scrape", handler.StartScrape)
		api.GET("/runs", handler.GetRuns)
		api.GET("/migrations", handler.GetMigrations)
		api.POST("/migrations/migrate", handler.Migrate)
		api.POST("/migrations/rollback", handler.Rollback)
		api.GET("/integrity", handler.GetIntegrity)
	}
}
