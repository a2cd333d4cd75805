package services

import (
	"context"
	"testing"
	"time"

	"neighborly/internal/models"
	"neighborly/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func newAlertService(f *dispatchFixture) AlertService {
	return NewAlertService(f.alerts, f.repo, f.service, logger.NewNop())
}

func TestRaiseStartsDispatch(t *testing.T) {
	f := newDispatchFixture(t, 2)
	svc := newAlertService(f)

	alert := &models.Alert{
		RequesterID: primitive.NewObjectID(),
		Category:    models.AlertCategoryAccident,
		Location:    models.NewPoint(48.85, 2.35),
	}

	created, snapshot, err := svc.Raise(context.Background(), alert)
	require.NoError(t, err)
	assert.False(t, created.ID.IsZero())
	assert.Equal(t, models.AlertStatusActive, created.Status)
	require.NotNil(t, snapshot)
	assert.True(t, snapshot.IsRequesting)

	request := f.waitForRequest(t)
	assert.Equal(t, created.ID, request.AlertID)

	_, err = f.service.Stop(context.Background(), created.ID)
	require.NoError(t, err)
}

func TestRaiseWithEmptyPoolStillCreatesAlert(t *testing.T) {
	f := newDispatchFixture(t, 0)
	svc := newAlertService(f)

	alert := &models.Alert{
		RequesterID: primitive.NewObjectID(),
		Category:    models.AlertCategoryMedical,
		Location:    models.NewPoint(48.85, 2.35),
	}

	created, snapshot, err := svc.Raise(context.Background(), alert)
	require.ErrorIs(t, err, ErrNoCandidatesAvailable)
	require.NotNil(t, created, "the alert survives so the app can escalate manually")
	assert.Nil(t, snapshot)

	stored, err := f.alerts.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive())
}

func TestCancelStopsDispatchAndClosesAlert(t *testing.T) {
	f := newDispatchFixture(t, 2)
	svc := newAlertService(f)

	alert := &models.Alert{
		RequesterID: primitive.NewObjectID(),
		Category:    models.AlertCategorySafety,
		Location:    models.NewPoint(48.85, 2.35),
	}
	created, _, err := svc.Raise(context.Background(), alert)
	require.NoError(t, err)
	request := f.waitForRequest(t)

	require.NoError(t, svc.Cancel(context.Background(), created.ID, created.RequesterID))

	stored, err := f.alerts.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusCancelled, stored.Status)
	assert.Equal(t, models.DispatchRequestExpired, f.requestStatus(t, request.ID))

	// Cancelling an already closed alert is a no-op.
	require.NoError(t, svc.Cancel(context.Background(), created.ID, created.RequesterID))
}

func TestCancelRejectsForeignRequester(t *testing.T) {
	f := newDispatchFixture(t, 1)
	svc := newAlertService(f)

	alert := &models.Alert{
		RequesterID: primitive.NewObjectID(),
		Category:    models.AlertCategorySafety,
		Location:    models.NewPoint(48.85, 2.35),
	}
	created, _, err := svc.Raise(context.Background(), alert)
	require.NoError(t, err)
	f.waitForRequest(t)

	err = svc.Cancel(context.Background(), created.ID, primitive.NewObjectID())
	require.Error(t, err)

	stored, err := f.alerts.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive())

	_, err = f.service.Stop(context.Background(), created.ID)
	require.NoError(t, err)
}

func TestResolveStopsDispatch(t *testing.T) {
	f := newDispatchFixture(t, 1)
	svc := newAlertService(f)

	alert := &models.Alert{
		RequesterID: primitive.NewObjectID(),
		Category:    models.AlertCategoryMedical,
		Location:    models.NewPoint(48.85, 2.35),
	}
	created, _, err := svc.Raise(context.Background(), alert)
	require.NoError(t, err)
	f.waitForRequest(t)

	require.NoError(t, svc.Resolve(context.Background(), created.ID, created.RequesterID))

	stored, err := f.alerts.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, stored.Status)
	require.NotNil(t, stored.ResolvedBy)
	assert.Equal(t, created.RequesterID, *stored.ResolvedBy)
	require.NotNil(t, stored.ResolvedAt)
	assert.WithinDuration(t, time.Now(), *stored.ResolvedAt, time.Minute)
}

func TestResolveRejectsUninvolvedUser(t *testing.T) {
	f := newDispatchFixture(t, 1)
	svc := newAlertService(f)

	alert := &models.Alert{
		RequesterID: primitive.NewObjectID(),
		Category:    models.AlertCategorySafety,
		Location:    models.NewPoint(48.85, 2.35),
	}
	created, _, err := svc.Raise(context.Background(), alert)
	require.NoError(t, err)
	f.waitForRequest(t)

	err = svc.Resolve(context.Background(), created.ID, primitive.NewObjectID())
	require.ErrorIs(t, err, ErrNotAlertParticipant)

	stored, err := f.alerts.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive(), "a stranger cannot tear down someone else's alert")

	_, err = f.service.Stop(context.Background(), created.ID)
	require.NoError(t, err)
}

func TestResolveAllowsAcceptedHelper(t *testing.T) {
	f := newDispatchFixture(t, 1)
	svc := newAlertService(f)

	alert := &models.Alert{
		RequesterID: primitive.NewObjectID(),
		Category:    models.AlertCategoryMedical,
		Location:    models.NewPoint(48.85, 2.35),
	}
	created, _, err := svc.Raise(context.Background(), alert)
	require.NoError(t, err)

	request := f.waitForRequest(t)
	f.accept(t, request.ID)
	f.waitForOutcome(t)

	require.NoError(t, svc.Resolve(context.Background(), created.ID, request.HelperID))

	stored, err := f.alerts.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, stored.Status)
	require.NotNil(t, stored.ResolvedBy)
	assert.Equal(t, request.HelperID, *stored.ResolvedBy)
}

func TestRequestHistoryListsContactOrder(t *testing.T) {
	f := newDispatchFixture(t, 2)
	svc := newAlertService(f)

	alert := &models.Alert{
		RequesterID: primitive.NewObjectID(),
		Category:    models.AlertCategoryOther,
		Location:    models.NewPoint(48.85, 2.35),
	}
	created, _, err := svc.Raise(context.Background(), alert)
	require.NoError(t, err)

	first := f.waitForRequest(t)
	f.decline(t, first.ID)
	second := f.waitForRequest(t)
	f.accept(t, second.ID)
	f.waitForOutcome(t)

	history, err := svc.RequestHistory(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, second.ID, history[1].ID)
}
