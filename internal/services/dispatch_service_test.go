package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"neighborly/internal/config"
	"neighborly/internal/models"
	"neighborly/internal/repositories/interfaces"
	"neighborly/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type dispatchFixture struct {
	clock    *fakeClock
	timers   *manualTimers
	repo     *fakeDispatchRepo
	alerts   *fakeAlertRepo
	helpers  *fakeHelperRepo
	ranker   *fakeRanker
	notifier *fakeNotifier
	service  *dispatchService

	alert     *models.Alert
	helperIDs []primitive.ObjectID
}

func newDispatchFixture(t *testing.T, helperCount int) *dispatchFixture {
	t.Helper()

	f := &dispatchFixture{
		clock:    newFakeClock(),
		timers:   &manualTimers{},
		repo:     newFakeDispatchRepo(),
		alerts:   newFakeAlertRepo(),
		helpers:  newFakeHelperRepo(),
		ranker:   &fakeRanker{},
		notifier: newFakeNotifier(),
	}

	for i := 0; i < helperCount; i++ {
		helper := &models.Helper{
			ID:          primitive.NewObjectID(),
			UserID:      primitive.NewObjectID(),
			FirstName:   "Helper",
			IsAvailable: true,
		}
		f.helpers.Add(helper)
		f.helperIDs = append(f.helperIDs, helper.ID)
		f.ranker.candidates = append(f.ranker.candidates, models.HelperCandidate{
			HelperID:   helper.ID,
			DistanceKM: 0.3 * float64(i+1),
			Available:  true,
		})
	}

	f.alert = &models.Alert{
		RequesterID: primitive.NewObjectID(),
		Category:    models.AlertCategorySafety,
		Location:    models.NewPoint(52.52, 13.405),
	}
	require.NoError(t, f.alerts.Create(context.Background(), f.alert))

	cfg := &config.DispatchConfig{
		ResponseDeadline:  30 * time.Second,
		StoreMaxRetries:   2,
		StoreRetryBackoff: time.Millisecond,
		SearchRadiusKM:    5,
		MaxCandidates:     10,
		SessionRetention:  10 * time.Minute,
	}

	service := NewDispatchService(cfg, f.ranker, f.repo, f.alerts, f.helpers,
		f.notifier, logger.NewNop()).(*dispatchService)
	service.now = f.clock.Now
	service.afterFunc = f.timers.AfterFunc
	f.service = service

	return f
}

func (f *dispatchFixture) waitForRequest(t *testing.T) *models.DispatchRequest {
	t.Helper()
	select {
	case request := <-f.repo.created:
		return request
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dispatch request")
		return nil
	}
}

func (f *dispatchFixture) waitForOutcome(t *testing.T) *models.DispatchOutcome {
	t.Helper()
	select {
	case outcome := <-f.notifier.outcomes:
		return outcome
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dispatch outcome")
		return nil
	}
}

func (f *dispatchFixture) accept(t *testing.T, requestID primitive.ObjectID) {
	t.Helper()
	respondedAt := f.clock.Now()
	ok, err := f.repo.ConditionalUpdateStatus(context.Background(), requestID,
		models.DispatchRequestPending, models.DispatchRequestAccepted,
		&interfaces.ResponseUpdate{RespondedAt: &respondedAt})
	require.NoError(t, err)
	require.True(t, ok, "accept should win while the request is pending")
}

func (f *dispatchFixture) decline(t *testing.T, requestID primitive.ObjectID) {
	t.Helper()
	respondedAt := f.clock.Now()
	ok, err := f.repo.ConditionalUpdateStatus(context.Background(), requestID,
		models.DispatchRequestPending, models.DispatchRequestDeclined,
		&interfaces.ResponseUpdate{RespondedAt: &respondedAt})
	require.NoError(t, err)
	require.True(t, ok, "decline should win while the request is pending")
}

func (f *dispatchFixture) requestStatus(t *testing.T, requestID primitive.ObjectID) models.DispatchRequestStatus {
	t.Helper()
	request, err := f.repo.GetRequestByID(context.Background(), requestID)
	require.NoError(t, err)
	return request.Status
}

func TestStartFailsWhenPoolIsEmpty(t *testing.T) {
	f := newDispatchFixture(t, 0)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.ErrorIs(t, err, ErrNoCandidatesAvailable)

	// No session is left behind for a failed start.
	_, err = f.service.Snapshot(f.alert.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStartFailsWhenAlertIsNotActive(t *testing.T) {
	f := newDispatchFixture(t, 2)
	require.NoError(t, f.alerts.UpdateStatus(context.Background(), f.alert.ID, models.AlertStatusResolved))

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.ErrorIs(t, err, ErrAlertNotActive)
}

func TestStartIsExclusivePerAlert(t *testing.T) {
	f := newDispatchFixture(t, 2)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)

	_, err = f.service.Start(context.Background(), f.alert.ID)
	require.ErrorIs(t, err, ErrSessionAlreadyActive)

	_, err = f.service.Stop(context.Background(), f.alert.ID)
	require.NoError(t, err)
}

func TestContactsNearestFirstAndResolvesOnAccept(t *testing.T) {
	f := newDispatchFixture(t, 2)

	snapshot, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)
	assert.True(t, snapshot.IsRequesting)
	assert.Equal(t, 2, snapshot.TotalCandidates)

	request := f.waitForRequest(t)
	assert.Equal(t, f.helperIDs[0], request.HelperID, "nearest helper is contacted first")
	assert.Equal(t, models.DispatchRequestPending, f.requestStatus(t, request.ID))

	require.Eventually(t, func() bool {
		snap, err := f.service.Snapshot(f.alert.ID)
		return err == nil && snap.ActiveHelperID != nil
	}, 2*time.Second, 10*time.Millisecond)

	snapshot, err = f.service.Snapshot(f.alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.CurrentCandidateIndex)
	assert.Equal(t, f.helperIDs[0], *snapshot.ActiveHelperID)
	assert.Equal(t, 30*time.Second, snapshot.TimeRemaining)

	f.accept(t, request.ID)

	outcome := f.waitForOutcome(t)
	assert.Equal(t, models.DispatchOutcomeAccepted, outcome.Kind)
	require.NotNil(t, outcome.HelperID)
	assert.Equal(t, f.helperIDs[0], *outcome.HelperID)

	snapshot, err = f.service.Snapshot(f.alert.ID)
	require.NoError(t, err)
	assert.False(t, snapshot.IsRequesting)
	require.NotNil(t, snapshot.Outcome)

	// The second candidate was never contacted.
	history, err := f.repo.GetRequestsByAlert(context.Background(), f.alert.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTimeoutEscalatesToNextCandidate(t *testing.T) {
	f := newDispatchFixture(t, 2)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)

	first := f.waitForRequest(t)
	assert.Equal(t, f.helperIDs[0], first.HelperID)

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.timers.FireNext())

	second := f.waitForRequest(t)
	assert.Equal(t, f.helperIDs[1], second.HelperID)
	assert.Equal(t, models.DispatchRequestExpired, f.requestStatus(t, first.ID))

	f.clock.Advance(5 * time.Second)
	f.accept(t, second.ID)

	outcome := f.waitForOutcome(t)
	assert.Equal(t, models.DispatchOutcomeAccepted, outcome.Kind)
	assert.Equal(t, f.helperIDs[1], *outcome.HelperID)
	assert.GreaterOrEqual(t, outcome.TotalElapsed, 30*time.Second,
		"escalating past a candidate costs at least one full response window")
}

func TestDeclineAdvancesImmediately(t *testing.T) {
	f := newDispatchFixture(t, 2)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)

	first := f.waitForRequest(t)
	f.decline(t, first.ID)

	second := f.waitForRequest(t)
	assert.Equal(t, f.helperIDs[1], second.HelperID)
	assert.Equal(t, models.DispatchRequestDeclined, f.requestStatus(t, first.ID))

	f.accept(t, second.ID)
	outcome := f.waitForOutcome(t)
	assert.Equal(t, models.DispatchOutcomeAccepted, outcome.Kind)
	assert.Equal(t, f.helperIDs[1], *outcome.HelperID)
}

func TestEscalationAcrossTimeoutDeclineAccept(t *testing.T) {
	f := newDispatchFixture(t, 3)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)

	first := f.waitForRequest(t)
	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.timers.FireNext())

	second := f.waitForRequest(t)
	f.decline(t, second.ID)

	third := f.waitForRequest(t)
	f.accept(t, third.ID)

	outcome := f.waitForOutcome(t)
	assert.Equal(t, models.DispatchOutcomeAccepted, outcome.Kind)
	assert.Equal(t, f.helperIDs[2], *outcome.HelperID)

	history, err := f.repo.GetRequestsByAlert(context.Background(), f.alert.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []primitive.ObjectID{first.ID, second.ID, third.ID},
		[]primitive.ObjectID{history[0].ID, history[1].ID, history[2].ID},
		"requests are issued strictly in ranked order")
	assert.Equal(t, models.DispatchRequestExpired, history[0].Status)
	assert.Equal(t, models.DispatchRequestDeclined, history[1].Status)
	assert.Equal(t, models.DispatchRequestAccepted, history[2].Status)
}

func TestAllCandidatesExhausted(t *testing.T) {
	f := newDispatchFixture(t, 2)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)

	first := f.waitForRequest(t)
	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.timers.FireNext())

	second := f.waitForRequest(t)
	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.timers.FireNext())

	outcome := f.waitForOutcome(t)
	assert.Equal(t, models.DispatchOutcomeExhausted, outcome.Kind)
	assert.Nil(t, outcome.HelperID)

	assert.Equal(t, models.DispatchRequestExpired, f.requestStatus(t, first.ID))
	assert.Equal(t, models.DispatchRequestExpired, f.requestStatus(t, second.ID))

	snapshot, err := f.service.Snapshot(f.alert.ID)
	require.NoError(t, err)
	assert.False(t, snapshot.IsRequesting)
	require.NotNil(t, snapshot.Outcome)
	assert.Equal(t, models.DispatchOutcomeExhausted, snapshot.Outcome.Kind)
}

func TestStopCancelsAndIsIdempotent(t *testing.T) {
	f := newDispatchFixture(t, 2)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)
	request := f.waitForRequest(t)

	snapshot, err := f.service.Stop(context.Background(), f.alert.ID)
	require.NoError(t, err)
	require.NotNil(t, snapshot.Outcome)
	assert.Equal(t, models.DispatchOutcomeCancelled, snapshot.Outcome.Kind)
	assert.Equal(t, models.DispatchRequestExpired, f.requestStatus(t, request.ID))

	// A second stop observes the terminal state and writes nothing.
	writes := f.repo.WriteCount()
	again, err := f.service.Stop(context.Background(), f.alert.ID)
	require.NoError(t, err)
	require.NotNil(t, again.Outcome)
	assert.Equal(t, models.DispatchOutcomeCancelled, again.Outcome.Kind)
	assert.Equal(t, writes, f.repo.WriteCount())
}

func TestStopRetriesExpiryThroughTransientStoreFailure(t *testing.T) {
	f := newDispatchFixture(t, 1)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)
	request := f.waitForRequest(t)

	// One blip must not leave the request pending for a later accept.
	f.repo.FailStatusUpdates(1)
	snapshot, err := f.service.Stop(context.Background(), f.alert.ID)
	require.NoError(t, err)
	require.NotNil(t, snapshot.Outcome)
	assert.Equal(t, models.DispatchOutcomeCancelled, snapshot.Outcome.Kind)
	assert.Equal(t, models.DispatchRequestExpired, f.requestStatus(t, request.ID))

	ok, err := f.repo.ConditionalUpdateStatus(context.Background(), request.ID,
		models.DispatchRequestPending, models.DispatchRequestAccepted, nil)
	require.NoError(t, err)
	assert.False(t, ok, "a late accept must not land after the session is cancelled")
	assert.Equal(t, models.DispatchRequestExpired, f.requestStatus(t, request.ID))
}

func TestDeadlineExpiryRetriesThroughTransientStoreFailure(t *testing.T) {
	f := newDispatchFixture(t, 2)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)
	first := f.waitForRequest(t)

	f.repo.FailStatusUpdates(1)
	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.timers.FireNext())

	second := f.waitForRequest(t)
	assert.Equal(t, f.helperIDs[1], second.HelperID)
	assert.Equal(t, models.DispatchRequestExpired, f.requestStatus(t, first.ID),
		"the timed-out request is expired despite the first write failing")
}

func TestTerminalSessionIsEvictedAfterRetention(t *testing.T) {
	f := newDispatchFixture(t, 1)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)
	f.waitForRequest(t)

	_, err = f.service.Stop(context.Background(), f.alert.ID)
	require.NoError(t, err)

	// The terminal snapshot stays readable during the retention window.
	snapshot, err := f.service.Snapshot(f.alert.ID)
	require.NoError(t, err)
	require.NotNil(t, snapshot.Outcome)

	// Two timers end up armed: the candidate deadline, whose late fire is
	// dropped by the cancelled session, and the retention timer.
	require.NoError(t, f.timers.FireNext())
	require.NoError(t, f.timers.FireNext())

	require.Eventually(t, func() bool {
		_, err := f.service.Snapshot(f.alert.ID)
		return errors.Is(err, ErrSessionNotFound)
	}, 2*time.Second, 10*time.Millisecond, "the finished session is dropped after retention")
}

func TestLateAcceptAfterStopLosesRace(t *testing.T) {
	f := newDispatchFixture(t, 1)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)
	request := f.waitForRequest(t)

	_, err = f.service.Stop(context.Background(), f.alert.ID)
	require.NoError(t, err)

	// The stop already expired the request, so the helper's conditional
	// accept cannot match.
	ok, err := f.repo.ConditionalUpdateStatus(context.Background(), request.ID,
		models.DispatchRequestPending, models.DispatchRequestAccepted, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.DispatchRequestExpired, f.requestStatus(t, request.ID))
}

func TestAcceptArrivingWithDeadlineWins(t *testing.T) {
	f := newDispatchFixture(t, 2)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)
	request := f.waitForRequest(t)

	// The helper's accept landed in the store but its feed event has not
	// reached the engine when the deadline fires.
	f.repo.SetStatusSilently(request.ID, models.DispatchRequestAccepted)
	require.NoError(t, f.timers.FireNext())

	outcome := f.waitForOutcome(t)
	assert.Equal(t, models.DispatchOutcomeAccepted, outcome.Kind)
	require.NotNil(t, outcome.HelperID)
	assert.Equal(t, f.helperIDs[0], *outcome.HelperID)
}

func TestStoreFailureSkipsCandidate(t *testing.T) {
	f := newDispatchFixture(t, 2)
	// Exceeds the retry budget, so the first candidate counts as declined.
	f.repo.FailCreatesFor(f.helperIDs[0], 3)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)

	request := f.waitForRequest(t)
	assert.Equal(t, f.helperIDs[1], request.HelperID)

	f.accept(t, request.ID)
	outcome := f.waitForOutcome(t)
	assert.Equal(t, models.DispatchOutcomeAccepted, outcome.Kind)
	assert.Equal(t, f.helperIDs[1], *outcome.HelperID)

	history, err := f.repo.GetRequestsByAlert(context.Background(), f.alert.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "the failed candidate leaves no row behind")
}

func TestStaleGenerationEventsAreIgnored(t *testing.T) {
	f := newDispatchFixture(t, 1)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)
	request := f.waitForRequest(t)

	// A leftover accepted row from a previous run of the same alert.
	f.repo.Publish(&models.DispatchRequest{
		ID:         primitive.NewObjectID(),
		AlertID:    f.alert.ID,
		HelperID:   primitive.NewObjectID(),
		Generation: request.Generation + 100,
		Status:     models.DispatchRequestAccepted,
	})

	time.Sleep(50 * time.Millisecond)
	snapshot, err := f.service.Snapshot(f.alert.ID)
	require.NoError(t, err)
	assert.True(t, snapshot.IsRequesting, "a stale accept must not finish the session")

	f.accept(t, request.ID)
	outcome := f.waitForOutcome(t)
	assert.Equal(t, models.DispatchOutcomeAccepted, outcome.Kind)
	assert.Equal(t, f.helperIDs[0], *outcome.HelperID)
}

func TestAcceptSupersedesOtherPendingRequests(t *testing.T) {
	f := newDispatchFixture(t, 2)

	_, err := f.service.Start(context.Background(), f.alert.ID)
	require.NoError(t, err)
	request := f.waitForRequest(t)

	// Stage a second pending row for the alert, as if left over from an
	// interrupted escalation.
	other := &models.DispatchRequest{
		AlertID:    f.alert.ID,
		HelperID:   f.helperIDs[1],
		Generation: request.Generation + 1,
	}
	require.NoError(t, f.repo.CreateRequest(context.Background(), other))
	<-f.repo.created

	f.accept(t, request.ID)
	outcome := f.waitForOutcome(t)
	assert.Equal(t, models.DispatchOutcomeAccepted, outcome.Kind)

	require.Eventually(t, func() bool {
		current, err := f.repo.GetRequestByID(context.Background(), other.ID)
		return err == nil && current.Status == models.DispatchRequestSuperseded
	}, 2*time.Second, 10*time.Millisecond, "every other pending request is superseded")
}
