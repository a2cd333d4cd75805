package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"neighborly/internal/config"
	"neighborly/internal/models"
	"neighborly/internal/repositories/interfaces"
	"neighborly/pkg/logger"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrNoCandidatesAvailable = errors.New("no helper candidates available")
	ErrSessionAlreadyActive  = errors.New("dispatch session already active for alert")
	ErrSessionNotFound       = errors.New("no dispatch session for alert")
	ErrAlertNotActive        = errors.New("alert is not active")
)

// DispatchService runs the sequential contact-and-wait algorithm: one
// candidate at a time, one pending request at a time, a deadline per
// candidate, and a single terminal outcome per session.
type DispatchService interface {
	// Start begins a dispatch session for an active alert. It fails with
	// ErrNoCandidatesAvailable when the ranked pool is empty and with
	// ErrSessionAlreadyActive when a session for the alert is still running.
	Start(ctx context.Context, alertID primitive.ObjectID) (*models.DispatchSnapshot, error)

	// Stop cancels a running session. Idempotent: stopping a session that
	// already reached a terminal state returns the same snapshot and
	// performs no further writes.
	Stop(ctx context.Context, alertID primitive.ObjectID) (*models.DispatchSnapshot, error)

	// Snapshot is a read-only view of the session for presentation.
	Snapshot(alertID primitive.ObjectID) (*models.DispatchSnapshot, error)
}

type sessionEventKind int

const (
	eventAccept sessionEventKind = iota
	eventDecline
	eventDeadline
)

type sessionEvent struct {
	kind       sessionEventKind
	generation uint64
	request    *models.DispatchRequest
}

// dispatchSession is the engine's working state for one run. Fields above
// the mutex are immutable after creation; the generation tag is what lets
// late timer fires and watcher events be discarded safely.
type dispatchSession struct {
	alertID     primitive.ObjectID
	requesterID primitive.ObjectID
	origin      models.Location
	generation  uint64
	candidates  []models.HelperCandidate

	ctx    context.Context
	cancel context.CancelFunc
	events chan sessionEvent

	mu            sync.Mutex
	index         int
	activeRequest *models.DispatchRequest
	deadline      time.Time
	startedAt     time.Time
	outcome       *models.DispatchOutcome
}

func (sess *dispatchSession) terminal() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.outcome != nil
}

// deliver hands an event to the session loop without ever blocking a dead
// session: once the session context is cancelled the event is dropped.
func (sess *dispatchSession) deliver(ev sessionEvent) {
	select {
	case sess.events <- ev:
	case <-sess.ctx.Done():
	}
}

func (sess *dispatchSession) snapshot(now time.Time) *models.DispatchSnapshot {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	snap := &models.DispatchSnapshot{
		TotalCandidates: len(sess.candidates),
	}

	index := sess.index + 1
	if index > len(sess.candidates) {
		index = len(sess.candidates)
	}
	snap.CurrentCandidateIndex = index

	if sess.outcome != nil {
		outcome := *sess.outcome
		snap.Outcome = &outcome
		snap.TotalElapsed = outcome.TotalElapsed
		return snap
	}

	snap.IsRequesting = true
	snap.TotalElapsed = now.Sub(sess.startedAt)
	if sess.activeRequest != nil {
		helperID := sess.activeRequest.HelperID
		snap.ActiveHelperID = &helperID
		if remaining := sess.deadline.Sub(now); remaining > 0 {
			snap.TimeRemaining = remaining
		}
	}
	return snap
}

type dispatchService struct {
	config   *config.DispatchConfig
	ranker   RankingService
	requests interfaces.DispatchRepository
	alerts   interfaces.AlertRepository
	helpers  interfaces.HelperRepository
	notifier NotificationService
	log      *logger.Logger

	// injected for deterministic tests
	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer

	generation atomic.Uint64
	mu         sync.Mutex
	sessions   map[primitive.ObjectID]*dispatchSession
}

func NewDispatchService(
	cfg *config.DispatchConfig,
	ranker RankingService,
	requests interfaces.DispatchRepository,
	alerts interfaces.AlertRepository,
	helpers interfaces.HelperRepository,
	notifier NotificationService,
	log *logger.Logger,
) DispatchService {
	return &dispatchService{
		config:    cfg,
		ranker:    ranker,
		requests:  requests,
		alerts:    alerts,
		helpers:   helpers,
		notifier:  notifier,
		log:       log,
		now:       time.Now,
		afterFunc: time.AfterFunc,
		sessions:  make(map[primitive.ObjectID]*dispatchSession),
	}
}

func (s *dispatchService) Start(ctx context.Context, alertID primitive.ObjectID) (*models.DispatchSnapshot, error) {
	s.mu.Lock()
	if existing, ok := s.sessions[alertID]; ok && !existing.terminal() {
		s.mu.Unlock()
		return nil, ErrSessionAlreadyActive
	}
	s.mu.Unlock()

	alert, err := s.alerts.GetByID(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	if !alert.IsActive() {
		return nil, ErrAlertNotActive
	}

	candidates, err := s.ranker.RankCandidates(ctx, alert.Location)
	if err != nil {
		return nil, fmt.Errorf("failed to rank candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidatesAvailable
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &dispatchSession{
		alertID:     alertID,
		requesterID: alert.RequesterID,
		origin:      alert.Location,
		generation:  s.generation.Add(1),
		candidates:  candidates,
		ctx:         sessCtx,
		cancel:      cancel,
		events:      make(chan sessionEvent, 16),
		index:       -1,
		startedAt:   s.now(),
	}

	s.mu.Lock()
	if existing, ok := s.sessions[alertID]; ok && !existing.terminal() {
		s.mu.Unlock()
		cancel()
		return nil, ErrSessionAlreadyActive
	}
	s.sessions[alertID] = sess
	s.mu.Unlock()

	feed, err := s.requests.WatchAlert(sessCtx, alertID)
	if err != nil {
		cancel()
		s.removeSession(sess)
		return nil, fmt.Errorf("failed to watch dispatch requests: %w", err)
	}

	s.log.WithAlertID(alertID).WithGeneration(sess.generation).
		WithField("candidates", len(candidates)).Info("Dispatch session started")

	go s.watchResponses(sess, feed)
	go s.runSession(sess)

	return sess.snapshot(s.now()), nil
}

func (s *dispatchService) Stop(ctx context.Context, alertID primitive.ObjectID) (*models.DispatchSnapshot, error) {
	s.mu.Lock()
	sess, ok := s.sessions[alertID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	sess.mu.Lock()
	if sess.outcome != nil {
		sess.mu.Unlock()
		return sess.snapshot(s.now()), nil
	}
	sess.outcome = &models.DispatchOutcome{
		Kind:         models.DispatchOutcomeCancelled,
		AlertID:      sess.alertID,
		TotalElapsed: s.now().Sub(sess.startedAt),
	}
	active := sess.activeRequest
	sess.activeRequest = nil
	sess.mu.Unlock()

	// Wake the session loop and the watcher before touching the store so no
	// further candidate is dispatched.
	sess.cancel()

	if active != nil {
		s.expireRequest(sess, active)
	}

	s.log.WithAlertID(alertID).WithGeneration(sess.generation).Info("Dispatch session cancelled")
	s.notifyOutcome(sess)
	s.scheduleEviction(sess)

	return sess.snapshot(s.now()), nil
}

func (s *dispatchService) Snapshot(alertID primitive.ObjectID) (*models.DispatchSnapshot, error) {
	s.mu.Lock()
	sess, ok := s.sessions[alertID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.snapshot(s.now()), nil
}

// runSession is the per-session state machine loop. It is the only goroutine
// that advances the candidate index, so requests are strictly sequential.
func (s *dispatchService) runSession(sess *dispatchSession) {
	defer sess.cancel()

	for {
		request, ok := s.dispatchNext(sess)
		if !ok {
			return
		}
		if !s.awaitResponse(sess, request) {
			return
		}
	}
}

// dispatchNext advances to the next candidate and creates its pending
// request. It returns false once the session reached a terminal state, either
// because the pool is exhausted or because it was stopped concurrently.
func (s *dispatchService) dispatchNext(sess *dispatchSession) (*models.DispatchRequest, bool) {
	for {
		sess.mu.Lock()
		if sess.outcome != nil {
			sess.mu.Unlock()
			return nil, false
		}
		sess.index++
		index := sess.index
		sess.activeRequest = nil
		sess.mu.Unlock()

		if index >= len(sess.candidates) {
			s.finishExhausted(sess)
			return nil, false
		}

		candidate := sess.candidates[index]
		request := &models.DispatchRequest{
			AlertID:        sess.alertID,
			HelperID:       candidate.HelperID,
			Generation:     sess.generation,
			IdempotencyKey: uuid.NewString(),
		}

		if err := s.createWithRetry(sess, request); err != nil {
			if sess.ctx.Err() != nil {
				return nil, false
			}
			// Treated as a decline so the session never hangs on a flaky
			// store; move on to the next candidate.
			s.log.WithAlertID(sess.alertID).WithHelperID(candidate.HelperID).
				WithError(err).Warn("Dispatch request write failed, advancing")
			continue
		}

		sess.mu.Lock()
		if sess.outcome != nil {
			// Stopped while the request write was in flight.
			sess.mu.Unlock()
			s.expireRequest(sess, request)
			return nil, false
		}
		sess.activeRequest = request
		sess.deadline = s.now().Add(s.config.ResponseDeadline)
		sess.mu.Unlock()

		s.log.WithAlertID(sess.alertID).WithHelperID(candidate.HelperID).
			WithRequestID(request.ID).WithField("candidate_index", index).
			Info("Helper dispatched")

		go s.notifyHelper(sess, request)
		s.notifyProgress(sess)

		return request, true
	}
}

// awaitResponse blocks until the active request resolves. It returns true to
// advance to the next candidate and false when the session is terminal.
func (s *dispatchService) awaitResponse(sess *dispatchSession, request *models.DispatchRequest) bool {
	timer := s.afterFunc(s.config.ResponseDeadline, func() {
		sess.deliver(sessionEvent{kind: eventDeadline, generation: sess.generation, request: request})
	})
	defer timer.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return false
		case ev := <-sess.events:
			if ev.generation != sess.generation {
				s.log.WithAlertID(sess.alertID).WithGeneration(ev.generation).
					Debug("Ignoring stale dispatch event")
				continue
			}
			switch ev.kind {
			case eventAccept:
				s.finishAccepted(sess, ev.request)
				return false
			case eventDecline:
				if ev.request.ID != request.ID {
					continue
				}
				s.log.WithAlertID(sess.alertID).WithHelperID(request.HelperID).
					Info("Helper declined")
				return true
			case eventDeadline:
				if ev.request.ID != request.ID {
					continue
				}
				return s.handleDeadline(sess, request)
			}
		}
	}
}

// handleDeadline expires the active request. The expiry is a conditional
// write: if it loses, the helper responded in the same instant and the
// response, not the timeout, decides the transition.
func (s *dispatchService) handleDeadline(sess *dispatchSession, request *models.DispatchRequest) bool {
	ctx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFn()

	ok, err := s.updateStatusWithRetry(ctx, request.ID,
		models.DispatchRequestPending, models.DispatchRequestExpired)
	if err != nil {
		s.log.WithAlertID(sess.alertID).WithRequestID(request.ID).
			WithError(err).Warn("Failed to expire dispatch request, advancing")
		return true
	}
	if ok {
		s.log.WithAlertID(sess.alertID).WithHelperID(request.HelperID).
			Info("Helper response deadline elapsed")
		return true
	}

	current, err := s.requests.GetRequestByID(ctx, request.ID)
	if err != nil {
		s.log.WithAlertID(sess.alertID).WithRequestID(request.ID).
			WithError(err).Warn("Failed to re-read raced dispatch request, advancing")
		return true
	}
	if current.Status == models.DispatchRequestAccepted {
		s.finishAccepted(sess, current)
		return false
	}
	return true
}

func (s *dispatchService) finishAccepted(sess *dispatchSession, accepted *models.DispatchRequest) {
	sess.mu.Lock()
	if sess.outcome != nil {
		sess.mu.Unlock()
		s.log.WithAlertID(sess.alertID).WithRequestID(accepted.ID).
			Debug("Ignoring accept for terminal session")
		return
	}
	helperID := accepted.HelperID
	requestID := accepted.ID
	sess.outcome = &models.DispatchOutcome{
		Kind:             models.DispatchOutcomeAccepted,
		AlertID:          sess.alertID,
		HelperID:         &helperID,
		RequestID:        &requestID,
		EstimatedArrival: accepted.EstimatedArrival,
		TotalElapsed:     s.now().Sub(sess.startedAt),
	}
	sess.activeRequest = nil
	sess.mu.Unlock()

	// Single-winner teardown: every other pending request for the alert is
	// forced to superseded.
	ctx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFn()
	var err error
	for attempt := 0; attempt <= s.config.StoreMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt) * s.config.StoreRetryBackoff):
			}
			if ctx.Err() != nil {
				break
			}
		}
		if _, err = s.requests.SupersedeOthers(ctx, sess.alertID, accepted.ID); err == nil {
			break
		}
		s.log.WithAlertID(sess.alertID).WithField("attempt", attempt+1).
			WithError(err).Warn("Supersede write failed")
	}
	if err != nil {
		s.log.WithAlertID(sess.alertID).WithError(err).
			Error("Failed to supersede outstanding dispatch requests")
	}

	s.log.WithAlertID(sess.alertID).WithHelperID(accepted.HelperID).
		WithRequestID(accepted.ID).Info("Helper accepted, dispatch resolved")
	s.notifyOutcome(sess)
	s.scheduleEviction(sess)
}

func (s *dispatchService) finishExhausted(sess *dispatchSession) {
	sess.mu.Lock()
	if sess.outcome != nil {
		sess.mu.Unlock()
		return
	}
	sess.outcome = &models.DispatchOutcome{
		Kind:         models.DispatchOutcomeExhausted,
		AlertID:      sess.alertID,
		TotalElapsed: s.now().Sub(sess.startedAt),
	}
	sess.mu.Unlock()

	s.log.WithAlertID(sess.alertID).WithGeneration(sess.generation).
		WithField("candidates", len(sess.candidates)).
		Warn("All helper candidates exhausted")
	s.notifyOutcome(sess)
	s.scheduleEviction(sess)
}

// createWithRetry writes the pending request with bounded retries. The
// unique (alert, helper, generation) index makes a retried create land on
// the already-inserted row instead of dispatching twice.
func (s *dispatchService) createWithRetry(sess *dispatchSession, request *models.DispatchRequest) error {
	var err error
	for attempt := 0; attempt <= s.config.StoreMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * s.config.StoreRetryBackoff
			select {
			case <-sess.ctx.Done():
				return sess.ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err = s.requests.CreateRequest(sess.ctx, request); err == nil {
			return nil
		}
		if sess.ctx.Err() != nil {
			return sess.ctx.Err()
		}
		s.log.WithAlertID(sess.alertID).WithHelperID(request.HelperID).
			WithField("attempt", attempt+1).WithError(err).
			Warn("Dispatch request write failed")
	}
	return fmt.Errorf("store write failed after %d attempts: %w", s.config.StoreMaxRetries+1, err)
}

// expireRequest marks a request expired so a late helper response fails its
// conditional write instead of reviving a finished session.
func (s *dispatchService) expireRequest(sess *dispatchSession, request *models.DispatchRequest) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFn()

	if _, err := s.updateStatusWithRetry(ctx, request.ID,
		models.DispatchRequestPending, models.DispatchRequestExpired); err != nil {
		s.log.WithAlertID(sess.alertID).WithRequestID(request.ID).
			WithError(err).Error("Failed to expire dispatch request")
	}
}

// updateStatusWithRetry is the status-write twin of createWithRetry: the
// same bounded retry and backoff, so one store blip cannot leave a row
// pending forever. A false result without error is a lost race and is never
// retried.
func (s *dispatchService) updateStatusWithRetry(ctx context.Context, requestID primitive.ObjectID, expected, next models.DispatchRequestStatus) (bool, error) {
	var err error
	for attempt := 0; attempt <= s.config.StoreMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * s.config.StoreRetryBackoff
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(backoff):
			}
		}
		var ok bool
		if ok, err = s.requests.ConditionalUpdateStatus(ctx, requestID, expected, next, nil); err == nil {
			return ok, nil
		}
		s.log.WithRequestID(requestID).WithField("attempt", attempt+1).
			WithError(err).Warn("Dispatch status write failed")
	}
	return false, fmt.Errorf("store write failed after %d attempts: %w", s.config.StoreMaxRetries+1, err)
}

func (s *dispatchService) notifyHelper(sess *dispatchSession, request *models.DispatchRequest) {
	if s.notifier == nil {
		return
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelFn()

	helper, err := s.helpers.GetByID(ctx, request.HelperID)
	if err != nil {
		s.log.WithAlertID(sess.alertID).WithHelperID(request.HelperID).
			WithError(err).Warn("Failed to load helper for notification")
		return
	}

	alert := &models.Alert{
		ID:          sess.alertID,
		RequesterID: sess.requesterID,
		Location:    sess.origin,
	}
	if err := s.notifier.NotifyHelper(ctx, helper, alert, request); err != nil {
		// Best-effort: a failed notification never fails the session.
		s.log.WithAlertID(sess.alertID).WithHelperID(request.HelperID).
			WithError(err).Warn("Helper notification failed")
	}
}

func (s *dispatchService) notifyProgress(sess *dispatchSession) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyRequesterProgress(sess.requesterID, sess.snapshot(s.now()))
}

func (s *dispatchService) notifyOutcome(sess *dispatchSession) {
	if s.notifier == nil {
		return
	}
	sess.mu.Lock()
	outcome := *sess.outcome
	sess.mu.Unlock()
	s.notifier.NotifyRequesterOutcome(sess.requesterID, &outcome)
}

// scheduleEviction drops a finished session from the map after the retention
// window. The terminal snapshot stays readable until then, so repeated stops
// and status reads keep working for a while after resolution.
func (s *dispatchService) scheduleEviction(sess *dispatchSession) {
	s.afterFunc(s.config.SessionRetention, func() {
		s.removeSession(sess)
	})
}

func (s *dispatchService) removeSession(sess *dispatchSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.sessions[sess.alertID]; ok && current == sess {
		delete(s.sessions, sess.alertID)
	}
}
