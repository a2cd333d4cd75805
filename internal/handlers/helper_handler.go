package handlers

import (
	"errors"
	"net/http"
	"time"

	"neighborly/internal/middleware"
	"neighborly/internal/models"
	"neighborly/internal/repositories/interfaces"
	"neighborly/internal/services"
	"neighborly/internal/utils"
	"neighborly/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type HelperHandler struct {
	responderService services.ResponderService
	rankingService   services.RankingService
	helpers          interfaces.HelperRepository
	log              *logger.Logger
}

func NewHelperHandler(
	responderService services.ResponderService,
	rankingService services.RankingService,
	helpers interfaces.HelperRepository,
	log *logger.Logger,
) *HelperHandler {
	return &HelperHandler{
		responderService: responderService,
		rankingService:   rankingService,
		helpers:          helpers,
		log:              log,
	}
}

// AcceptRequest records the helper's commitment to an alert. Only the first
// accept against a still pending request wins; everyone else gets 410.
// POST /api/v1/helpers/requests/:id/accept
func (h *HelperHandler) AcceptRequest(c *gin.Context) {
	helperID, ok := middleware.UserID(c)
	if !ok {
		utils.UnauthorizedResponse(c)
		return
	}

	requestID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid request ID")
		return
	}

	request, err := h.responderService.Accept(c.Request.Context(), requestID, helperID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotRequestOwner):
			utils.ErrorResponse(c, http.StatusForbidden, "NOT_REQUEST_OWNER",
				"This dispatch request was sent to another helper")
		case errors.Is(err, services.ErrRequestNoLongerAvailable):
			utils.GoneResponse(c, "This request has expired or the alert was already resolved")
		default:
			h.log.WithRequestID(requestID).WithError(err).Error("Failed to accept dispatch request")
			utils.InternalServerErrorResponse(c)
		}
		return
	}

	utils.SuccessResponse(c, "Request accepted", request)
}

// DeclineRequest passes the alert on to the next helper in line.
// POST /api/v1/helpers/requests/:id/decline
func (h *HelperHandler) DeclineRequest(c *gin.Context) {
	helperID, ok := middleware.UserID(c)
	if !ok {
		utils.UnauthorizedResponse(c)
		return
	}

	requestID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid request ID")
		return
	}

	if err := h.responderService.Decline(c.Request.Context(), requestID, helperID); err != nil {
		switch {
		case errors.Is(err, services.ErrNotRequestOwner):
			utils.ErrorResponse(c, http.StatusForbidden, "NOT_REQUEST_OWNER",
				"This dispatch request was sent to another helper")
		case errors.Is(err, services.ErrRequestNoLongerAvailable):
			utils.GoneResponse(c, "This request is no longer pending")
		default:
			h.log.WithRequestID(requestID).WithError(err).Error("Failed to decline dispatch request")
			utils.InternalServerErrorResponse(c)
		}
		return
	}

	utils.SuccessResponse(c, "Request declined", nil)
}

type updateLocationRequest struct {
	Latitude  float64 `json:"latitude" binding:"required"`
	Longitude float64 `json:"longitude" binding:"required"`
}

// UpdateLocation refreshes the helper's position in the geo index so ranking
// sees current distances.
// PUT /api/v1/helpers/location
func (h *HelperHandler) UpdateLocation(c *gin.Context) {
	helperID, ok := middleware.UserID(c)
	if !ok {
		utils.UnauthorizedResponse(c)
		return
	}

	var req updateLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	location := models.NewPoint(req.Latitude, req.Longitude)
	if err := h.rankingService.UpdateHelperLocation(c.Request.Context(), helperID, location); err != nil {
		h.log.WithHelperID(helperID).WithError(err).Error("Failed to update helper location")
		utils.InternalServerErrorResponse(c)
		return
	}

	utils.SuccessResponse(c, "Location updated", nil)
}

type setAvailabilityRequest struct {
	Available *bool `json:"available" binding:"required"`
}

// SetAvailability toggles whether the helper can be dispatched.
// PUT /api/v1/helpers/availability
func (h *HelperHandler) SetAvailability(c *gin.Context) {
	helperID, ok := middleware.UserID(c)
	if !ok {
		utils.UnauthorizedResponse(c)
		return
	}

	var req setAvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	if err := h.rankingService.SetAvailability(c.Request.Context(), helperID, *req.Available); err != nil {
		h.log.WithHelperID(helperID).WithError(err).Error("Failed to update helper availability")
		utils.InternalServerErrorResponse(c)
		return
	}

	utils.SuccessResponse(c, "Availability updated", gin.H{"available": *req.Available})
}

type registerDeviceRequest struct {
	Platform  models.DevicePlatform `json:"platform" binding:"required,oneof=android ios"`
	PushToken string                `json:"push_token" binding:"required"`
}

// RegisterDevice stores a push token for dispatch notifications. One token
// per platform; re-registering replaces the previous token.
// POST /api/v1/helpers/devices
func (h *HelperHandler) RegisterDevice(c *gin.Context) {
	helperID, ok := middleware.UserID(c)
	if !ok {
		utils.UnauthorizedResponse(c)
		return
	}

	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	device := models.HelperDevice{
		Platform:  req.Platform,
		PushToken: req.PushToken,
		AddedAt:   time.Now(),
	}
	if err := h.helpers.RegisterDevice(c.Request.Context(), helperID, device); err != nil {
		h.log.WithHelperID(helperID).WithError(err).Error("Failed to register device")
		utils.InternalServerErrorResponse(c)
		return
	}

	utils.SuccessResponse(c, "Device registered", nil)
}
