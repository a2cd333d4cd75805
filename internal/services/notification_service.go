package services

import (
	"context"
	"errors"
	"fmt"

	"neighborly/internal/models"
	"neighborly/pkg/logger"
	"neighborly/pkg/push"
	"neighborly/pkg/sms"
	"neighborly/pkg/websocket"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// NotificationService is the out-of-band side channel of dispatch: push/SMS
// toward helpers, WebSocket events toward the requester. Everything here is
// best-effort; a delivery failure must never stall or fail a session.
type NotificationService interface {
	NotifyHelper(ctx context.Context, helper *models.Helper, alert *models.Alert, request *models.DispatchRequest) error
	NotifyRequesterProgress(requesterID primitive.ObjectID, snapshot *models.DispatchSnapshot)
	NotifyRequesterOutcome(requesterID primitive.ObjectID, outcome *models.DispatchOutcome)
}

type notificationService struct {
	pushProviders map[models.DevicePlatform]push.Provider
	smsProvider   sms.Provider
	hub           *websocket.Hub
	log           *logger.Logger
}

func NewNotificationService(
	fcm push.Provider,
	apns push.Provider,
	smsProvider sms.Provider,
	hub *websocket.Hub,
	log *logger.Logger,
) NotificationService {
	providers := make(map[models.DevicePlatform]push.Provider)
	if fcm != nil {
		providers[models.DevicePlatformAndroid] = fcm
	}
	if apns != nil {
		providers[models.DevicePlatformIOS] = apns
	}
	return &notificationService{
		pushProviders: providers,
		smsProvider:   smsProvider,
		hub:           hub,
		log:           log,
	}
}

func (s *notificationService) NotifyHelper(ctx context.Context, helper *models.Helper, alert *models.Alert, request *models.DispatchRequest) error {
	notification := &push.NotificationRequest{
		Title:    "Someone nearby needs help",
		Body:     fmt.Sprintf("A neighbor raised a %s alert near %s", alert.Category, alert.Location.Address),
		Priority: "high",
		Sound:    "emergency.caf",
		Category: "dispatch_request",
		Data: map[string]string{
			"request_id": request.ID.Hex(),
			"alert_id":   alert.ID.Hex(),
			"category":   string(alert.Category),
		},
	}

	var errs []error
	delivered := false
	for _, device := range helper.Devices {
		provider, ok := s.pushProviders[device.Platform]
		if !ok {
			continue
		}
		req := *notification
		req.Token = device.PushToken
		if _, err := provider.SendNotification(ctx, &req); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered = true
	}

	if !delivered && s.smsProvider != nil && helper.Phone != "" {
		_, err := s.smsProvider.SendSMS(ctx, &sms.SMSRequest{
			To:      helper.Phone,
			Message: fmt.Sprintf("Neighborly: a neighbor near %s needs help. Open the app to respond.", alert.Location.Address),
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			delivered = true
		}
	}

	if !delivered && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (s *notificationService) NotifyRequesterProgress(requesterID primitive.ObjectID, snapshot *models.DispatchSnapshot) {
	if s.hub == nil {
		return
	}
	data := map[string]interface{}{
		"current_candidate_index": snapshot.CurrentCandidateIndex,
		"total_candidates":        snapshot.TotalCandidates,
		"time_remaining_ms":       snapshot.TimeRemaining.Milliseconds(),
		"total_elapsed_ms":        snapshot.TotalElapsed.Milliseconds(),
	}
	if snapshot.ActiveHelperID != nil {
		data["active_helper_id"] = snapshot.ActiveHelperID.Hex()
	}
	s.hub.SendToUser(requesterID, "dispatch_progress", data)
}

func (s *notificationService) NotifyRequesterOutcome(requesterID primitive.ObjectID, outcome *models.DispatchOutcome) {
	if s.hub == nil {
		return
	}
	data := map[string]interface{}{
		"kind":             string(outcome.Kind),
		"alert_id":         outcome.AlertID.Hex(),
		"total_elapsed_ms": outcome.TotalElapsed.Milliseconds(),
	}
	if outcome.HelperID != nil {
		data["helper_id"] = outcome.HelperID.Hex()
	}
	if outcome.EstimatedArrival != nil {
		data["estimated_arrival"] = outcome.EstimatedArrival.Unix()
	}
	s.hub.SendToUser(requesterID, "dispatch_outcome", data)
}
