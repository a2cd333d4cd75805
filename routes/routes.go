package routes

import (
	"net/http"

	"neighborly/internal/config"
	"neighborly/internal/handlers"
	"neighborly/internal/middleware"
	"neighborly/pkg/websocket"

	"github.com/gin-gonic/gin"
)

// SetupRoutes wires every route group onto the engine
func SetupRoutes(
	r *gin.Engine,
	alertHandler *handlers.AlertHandler,
	helperHandler *handlers.HelperHandler,
	wsHandler *websocket.Handler,
	security *config.SecurityConfig,
) {
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	SetupAlertRoutes(api, alertHandler, security)
	SetupHelperRoutes(api, helperHandler, security)

	// Live updates for requesters and helpers
	ws := r.Group("/ws")
	ws.Use(middleware.AuthRequired(security))
	{
		ws.GET("", wsHandler.ServeWS)
	}
}
