package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"neighborly/internal/models"
	"neighborly/internal/repositories/interfaces"
	"neighborly/pkg/logger"
	"neighborly/pkg/maps"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrRequestNoLongerAvailable = errors.New("dispatch request no longer available")
	ErrNotRequestOwner          = errors.New("dispatch request belongs to another helper")
)

// ResponderService is the helper-side half of dispatch. Accept and decline
// are single-shot conditional writes: only the caller whose compare-and-swap
// matches the pending row wins, which is what resolves concurrent accepts.
type ResponderService interface {
	Accept(ctx context.Context, requestID, helperID primitive.ObjectID) (*models.DispatchRequest, error)
	Decline(ctx context.Context, requestID, helperID primitive.ObjectID) error
}

type responderService struct {
	requests interfaces.DispatchRepository
	helpers  interfaces.HelperRepository
	alerts   interfaces.AlertRepository
	eta      maps.ETAProvider
	log      *logger.Logger
	now      func() time.Time
}

func NewResponderService(
	requests interfaces.DispatchRepository,
	helpers interfaces.HelperRepository,
	alerts interfaces.AlertRepository,
	eta maps.ETAProvider,
	log *logger.Logger,
) ResponderService {
	return &responderService{
		requests: requests,
		helpers:  helpers,
		alerts:   alerts,
		eta:      eta,
		log:      log,
		now:      time.Now,
	}
}

func (s *responderService) Accept(ctx context.Context, requestID, helperID primitive.ObjectID) (*models.DispatchRequest, error) {
	request, err := s.requests.GetRequestByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dispatch request: %w", err)
	}
	if request.HelperID != helperID {
		return nil, ErrNotRequestOwner
	}
	if request.Status == models.DispatchRequestAccepted {
		// Retried accept from the same helper is a success, not a conflict.
		return request, nil
	}

	respondedAt := s.now()
	update := &interfaces.ResponseUpdate{
		RespondedAt:      &respondedAt,
		EstimatedArrival: s.estimateArrival(ctx, request),
	}

	ok, err := s.requests.ConditionalUpdateStatus(ctx, requestID,
		models.DispatchRequestPending, models.DispatchRequestAccepted, update)
	if err != nil {
		return nil, fmt.Errorf("failed to accept dispatch request: %w", err)
	}
	if !ok {
		// The precondition did not match: the request expired, was
		// superseded, or the session was cancelled before this write landed.
		s.log.WithRequestID(requestID).WithHelperID(helperID).
			Info("Accept lost the race, request no longer available")
		return nil, ErrRequestNoLongerAvailable
	}

	// The winner goes off-roster until the alert is over. Ranking filters on
	// availability, so a stale geo entry cannot re-dispatch this helper.
	if err := s.helpers.SetAvailability(ctx, helperID, false); err != nil {
		s.log.WithHelperID(helperID).WithError(err).Warn("Failed to mark helper unavailable")
	}

	request.Status = models.DispatchRequestAccepted
	request.RespondedAt = update.RespondedAt
	request.EstimatedArrival = update.EstimatedArrival

	s.log.WithRequestID(requestID).WithHelperID(helperID).
		WithAlertID(request.AlertID).Info("Helper accepted dispatch request")
	return request, nil
}

func (s *responderService) Decline(ctx context.Context, requestID, helperID primitive.ObjectID) error {
	request, err := s.requests.GetRequestByID(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to load dispatch request: %w", err)
	}
	if request.HelperID != helperID {
		return ErrNotRequestOwner
	}
	if request.Status == models.DispatchRequestDeclined {
		return nil
	}

	respondedAt := s.now()
	ok, err := s.requests.ConditionalUpdateStatus(ctx, requestID,
		models.DispatchRequestPending, models.DispatchRequestDeclined,
		&interfaces.ResponseUpdate{RespondedAt: &respondedAt})
	if err != nil {
		return fmt.Errorf("failed to decline dispatch request: %w", err)
	}
	if !ok {
		return ErrRequestNoLongerAvailable
	}

	s.log.WithRequestID(requestID).WithHelperID(helperID).
		WithAlertID(request.AlertID).Info("Helper declined dispatch request")
	return nil
}

// estimateArrival is best-effort: accept never fails because an ETA could
// not be computed.
func (s *responderService) estimateArrival(ctx context.Context, request *models.DispatchRequest) *time.Time {
	if s.eta == nil {
		return nil
	}

	helper, err := s.helpers.GetByID(ctx, request.HelperID)
	if err != nil || helper.LastLocation == nil {
		return nil
	}
	alert, err := s.alerts.GetByID(ctx, request.AlertID)
	if err != nil {
		return nil
	}

	travel, err := s.eta.EstimateArrival(ctx,
		maps.LatLng{Lat: helper.LastLocation.Latitude(), Lng: helper.LastLocation.Longitude()},
		maps.LatLng{Lat: alert.Location.Latitude(), Lng: alert.Location.Longitude()})
	if err != nil {
		s.log.WithRequestID(request.ID).WithError(err).Debug("ETA estimate failed")
		return nil
	}

	arrival := s.now().Add(travel)
	return &arrival
}
