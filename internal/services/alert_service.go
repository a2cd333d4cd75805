package services

import (
	"context"
	"errors"
	"fmt"

	"neighborly/internal/models"
	"neighborly/internal/repositories/interfaces"
	"neighborly/pkg/logger"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var ErrNotAlertParticipant = errors.New("alert can only be closed by its requester or the accepted helper")

// AlertService owns the alert lifecycle around the dispatch engine: raising
// an alert starts a session, cancelling or resolving one tears it down.
type AlertService interface {
	Raise(ctx context.Context, alert *models.Alert) (*models.Alert, *models.DispatchSnapshot, error)
	Get(ctx context.Context, id primitive.ObjectID) (*models.Alert, error)
	Cancel(ctx context.Context, id primitive.ObjectID, requesterID primitive.ObjectID) error
	Resolve(ctx context.Context, id primitive.ObjectID, resolvedBy primitive.ObjectID) error
	RequestHistory(ctx context.Context, id primitive.ObjectID) ([]*models.DispatchRequest, error)
}

type alertService struct {
	alerts   interfaces.AlertRepository
	requests interfaces.DispatchRepository
	dispatch DispatchService
	log      *logger.Logger
}

func NewAlertService(
	alerts interfaces.AlertRepository,
	requests interfaces.DispatchRepository,
	dispatch DispatchService,
	log *logger.Logger,
) AlertService {
	return &alertService{
		alerts:   alerts,
		requests: requests,
		dispatch: dispatch,
		log:      log,
	}
}

// Raise persists the alert and immediately starts dispatching. An alert with
// no reachable helpers is still created; the caller gets the alert back
// together with ErrNoCandidatesAvailable so the app can offer manual
// fallback (call emergency services).
func (s *alertService) Raise(ctx context.Context, alert *models.Alert) (*models.Alert, *models.DispatchSnapshot, error) {
	if err := s.alerts.Create(ctx, alert); err != nil {
		return nil, nil, fmt.Errorf("failed to create alert: %w", err)
	}

	s.log.WithAlertID(alert.ID).WithField("category", alert.Category).Info("Alert raised")

	snapshot, err := s.dispatch.Start(ctx, alert.ID)
	if err != nil {
		if errors.Is(err, ErrNoCandidatesAvailable) {
			return alert, nil, ErrNoCandidatesAvailable
		}
		return alert, nil, err
	}
	return alert, snapshot, nil
}

func (s *alertService) Get(ctx context.Context, id primitive.ObjectID) (*models.Alert, error) {
	return s.alerts.GetByID(ctx, id)
}

func (s *alertService) Cancel(ctx context.Context, id primitive.ObjectID, requesterID primitive.ObjectID) error {
	alert, err := s.alerts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if alert.RequesterID != requesterID {
		return errors.New("alert belongs to another requester")
	}
	if !alert.IsActive() {
		return nil
	}

	if _, err := s.dispatch.Stop(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("failed to stop dispatch session: %w", err)
	}
	if err := s.alerts.UpdateStatus(ctx, id, models.AlertStatusCancelled); err != nil {
		return err
	}

	s.log.WithAlertID(id).Info("Alert cancelled")
	return nil
}

// Resolve closes the alert. Only the requester or the helper whose accept
// won the dispatch may resolve it.
func (s *alertService) Resolve(ctx context.Context, id primitive.ObjectID, resolvedBy primitive.ObjectID) error {
	alert, err := s.alerts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if alert.RequesterID != resolvedBy {
		accepted, err := s.acceptedHelper(ctx, id)
		if err != nil {
			return err
		}
		if accepted == nil || *accepted != resolvedBy {
			return ErrNotAlertParticipant
		}
	}

	if _, err := s.dispatch.Stop(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("failed to stop dispatch session: %w", err)
	}
	if err := s.alerts.Resolve(ctx, id, resolvedBy); err != nil {
		return err
	}

	s.log.WithAlertID(id).Info("Alert resolved")
	return nil
}

func (s *alertService) RequestHistory(ctx context.Context, id primitive.ObjectID) ([]*models.DispatchRequest, error) {
	return s.requests.GetRequestsByAlert(ctx, id)
}

// acceptedHelper returns the helper whose request for the alert was accepted,
// or nil when no accept has landed.
func (s *alertService) acceptedHelper(ctx context.Context, alertID primitive.ObjectID) (*primitive.ObjectID, error) {
	requests, err := s.requests.GetRequestsByAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dispatch requests: %w", err)
	}
	for _, request := range requests {
		if request.Status == models.DispatchRequestAccepted {
			helperID := request.HelperID
			return &helperID, nil
		}
	}
	return nil, nil
}
