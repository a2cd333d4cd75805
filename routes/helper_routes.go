package routes

import (
	"neighborly/internal/config"
	"neighborly/internal/handlers"
	"neighborly/internal/middleware"

	"github.com/gin-gonic/gin"
)

// SetupHelperRoutes sets up routes for the helper side of dispatch
func SetupHelperRoutes(r *gin.RouterGroup, helperHandler *handlers.HelperHandler, security *config.SecurityConfig) {
	helpers := r.Group("/helpers")
	helpers.Use(middleware.AuthRequired(security))
	{
		helpers.POST("/requests/:id/accept", helperHandler.AcceptRequest)
		helpers.POST("/requests/:id/decline", helperHandler.DeclineRequest)

		helpers.PUT("/location", helperHandler.UpdateLocation)
		helpers.PUT("/availability", helperHandler.SetAvailability)
		helpers.POST("/devices", helperHandler.RegisterDevice)
	}
}
