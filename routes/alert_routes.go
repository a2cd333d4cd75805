package routes

import (
	"neighborly/internal/config"
	"neighborly/internal/handlers"
	"neighborly/internal/middleware"

	"github.com/gin-gonic/gin"
)

// SetupAlertRoutes sets up routes for raising alerts and observing dispatch
func SetupAlertRoutes(r *gin.RouterGroup, alertHandler *handlers.AlertHandler, security *config.SecurityConfig) {
	alerts := r.Group("/alerts")
	alerts.Use(middleware.AuthRequired(security))
	{
		alerts.POST("", alertHandler.RaiseAlert)
		alerts.GET("/:id", alertHandler.GetAlert)
		alerts.POST("/:id/cancel", alertHandler.CancelAlert)
		alerts.POST("/:id/resolve", alertHandler.ResolveAlert)

		// Dispatch session surface
		alerts.GET("/:id/dispatch", alertHandler.GetDispatchStatus)
		alerts.DELETE("/:id/dispatch", alertHandler.StopDispatch)
		alerts.GET("/:id/requests", alertHandler.GetRequestHistory)
	}
}
