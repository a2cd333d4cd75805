package handlers

import (
	"errors"
	"net/http"

	"neighborly/internal/middleware"
	"neighborly/internal/models"
	"neighborly/internal/services"
	"neighborly/internal/utils"
	"neighborly/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type AlertHandler struct {
	alertService    services.AlertService
	dispatchService services.DispatchService
	log             *logger.Logger
}

func NewAlertHandler(alertService services.AlertService, dispatchService services.DispatchService, log *logger.Logger) *AlertHandler {
	return &AlertHandler{
		alertService:    alertService,
		dispatchService: dispatchService,
		log:             log,
	}
}

type raiseAlertRequest struct {
	Category    models.AlertCategory `json:"category" binding:"required"`
	Latitude    float64              `json:"latitude" binding:"required"`
	Longitude   float64              `json:"longitude" binding:"required"`
	Address     string               `json:"address"`
	Description string               `json:"description"`
}

// RaiseAlert creates an alert and starts dispatching helpers toward it.
// POST /api/v1/alerts
func (h *AlertHandler) RaiseAlert(c *gin.Context) {
	requesterID, ok := middleware.UserID(c)
	if !ok {
		utils.UnauthorizedResponse(c)
		return
	}

	var req raiseAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	location := models.NewPoint(req.Latitude, req.Longitude)
	location.Address = req.Address

	alert := &models.Alert{
		RequesterID: requesterID,
		Category:    req.Category,
		Location:    location,
		Description: req.Description,
	}

	alert, snapshot, err := h.alertService.Raise(c.Request.Context(), alert)
	if err != nil {
		if errors.Is(err, services.ErrNoCandidatesAvailable) {
			// The alert exists but nobody is in range. The app falls back to
			// manual escalation, so this is not a server error.
			utils.ErrorResponse(c, http.StatusUnprocessableEntity,
				"NO_CANDIDATES_AVAILABLE", "No helpers available nearby")
			return
		}
		h.log.WithError(err).Error("Failed to raise alert")
		utils.InternalServerErrorResponse(c)
		return
	}

	utils.CreatedResponse(c, "Alert raised", gin.H{
		"alert":    alert,
		"dispatch": snapshot,
	})
}

// GetAlert returns the alert document.
// GET /api/v1/alerts/:id
func (h *AlertHandler) GetAlert(c *gin.Context) {
	alertID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid alert ID")
		return
	}

	alert, err := h.alertService.Get(c.Request.Context(), alertID)
	if err != nil {
		utils.NotFoundResponse(c, "Alert")
		return
	}

	utils.SuccessResponse(c, "Alert retrieved", alert)
}

// GetDispatchStatus returns the live snapshot of the alert's dispatch session.
// GET /api/v1/alerts/:id/dispatch
func (h *AlertHandler) GetDispatchStatus(c *gin.Context) {
	alertID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid alert ID")
		return
	}

	snapshot, err := h.dispatchService.Snapshot(alertID)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			utils.NotFoundResponse(c, "Dispatch session")
			return
		}
		h.log.WithAlertID(alertID).WithError(err).Error("Failed to read dispatch snapshot")
		utils.InternalServerErrorResponse(c)
		return
	}

	utils.SuccessResponse(c, "Dispatch status retrieved", snapshot)
}

// StopDispatch cancels the alert's dispatch session without touching the
// alert itself. Stopping an already finished session returns the final
// snapshot again.
// DELETE /api/v1/alerts/:id/dispatch
func (h *AlertHandler) StopDispatch(c *gin.Context) {
	alertID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid alert ID")
		return
	}

	snapshot, err := h.dispatchService.Stop(c.Request.Context(), alertID)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			utils.NotFoundResponse(c, "Dispatch session")
			return
		}
		h.log.WithAlertID(alertID).WithError(err).Error("Failed to stop dispatch session")
		utils.InternalServerErrorResponse(c)
		return
	}

	utils.SuccessResponse(c, "Dispatch stopped", snapshot)
}

// CancelAlert cancels the alert and stops its dispatch session.
// POST /api/v1/alerts/:id/cancel
func (h *AlertHandler) CancelAlert(c *gin.Context) {
	requesterID, ok := middleware.UserID(c)
	if !ok {
		utils.UnauthorizedResponse(c)
		return
	}

	alertID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid alert ID")
		return
	}

	if err := h.alertService.Cancel(c.Request.Context(), alertID, requesterID); err != nil {
		h.log.WithAlertID(alertID).WithError(err).Error("Failed to cancel alert")
		utils.ErrorResponse(c, http.StatusForbidden, "CANCEL_FAILED", err.Error())
		return
	}

	utils.SuccessResponse(c, "Alert cancelled", nil)
}

// ResolveAlert marks the alert as resolved and stops any remaining dispatch.
// POST /api/v1/alerts/:id/resolve
func (h *AlertHandler) ResolveAlert(c *gin.Context) {
	resolvedBy, ok := middleware.UserID(c)
	if !ok {
		utils.UnauthorizedResponse(c)
		return
	}

	alertID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid alert ID")
		return
	}

	if err := h.alertService.Resolve(c.Request.Context(), alertID, resolvedBy); err != nil {
		if errors.Is(err, services.ErrNotAlertParticipant) {
			utils.ErrorResponse(c, http.StatusForbidden, "NOT_ALERT_PARTICIPANT",
				"Only the requester or the accepted helper can resolve this alert")
			return
		}
		h.log.WithAlertID(alertID).WithError(err).Error("Failed to resolve alert")
		utils.InternalServerErrorResponse(c)
		return
	}

	utils.SuccessResponse(c, "Alert resolved", nil)
}

// GetRequestHistory lists every dispatch request ever issued for the alert,
// in contact order. Useful for the post-incident audit trail.
// GET /api/v1/alerts/:id/requests
func (h *AlertHandler) GetRequestHistory(c *gin.Context) {
	alertID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid alert ID")
		return
	}

	requests, err := h.alertService.RequestHistory(c.Request.Context(), alertID)
	if err != nil {
		h.log.WithAlertID(alertID).WithError(err).Error("Failed to load request history")
		utils.InternalServerErrorResponse(c)
		return
	}

	utils.SuccessResponse(c, "Request history retrieved", requests)
}
