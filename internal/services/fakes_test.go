package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"neighborly/internal/models"
	"neighborly/internal/repositories/interfaces"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakeClock is a hand-advanced clock wired into the service's now hook.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// manualTimers captures deadline callbacks so tests decide when a candidate's
// response window elapses.
type manualTimers struct {
	mu  sync.Mutex
	fns []func()
}

func (m *manualTimers) AfterFunc(_ time.Duration, fn func()) *time.Timer {
	m.mu.Lock()
	m.fns = append(m.fns, fn)
	m.mu.Unlock()
	// The returned timer only exists so Stop has something to act on.
	return time.AfterFunc(time.Hour, func() {})
}

// FireNext runs the oldest captured callback, waiting for one to be armed.
func (m *manualTimers) FireNext() error {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		if len(m.fns) > 0 {
			fn := m.fns[0]
			m.fns = m.fns[1:]
			m.mu.Unlock()
			fn()
			return nil
		}
		m.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return errors.New("no deadline timer armed")
}

// fakeDispatchRepo is an in-memory request store with the same contract as
// the Mongo repository, including the change feed.
type fakeDispatchRepo struct {
	mu       sync.Mutex
	requests map[primitive.ObjectID]*models.DispatchRequest
	order    []primitive.ObjectID
	feeds    map[primitive.ObjectID][]chan *models.DispatchRequest

	// created receives a copy of every inserted request so tests can wait
	// for the engine to contact the next candidate.
	created chan *models.DispatchRequest

	failCreates       map[primitive.ObjectID]int
	failStatusUpdates int
	writes            int
}

func newFakeDispatchRepo() *fakeDispatchRepo {
	return &fakeDispatchRepo{
		requests:    make(map[primitive.ObjectID]*models.DispatchRequest),
		feeds:       make(map[primitive.ObjectID][]chan *models.DispatchRequest),
		created:     make(chan *models.DispatchRequest, 16),
		failCreates: make(map[primitive.ObjectID]int),
	}
}

func (r *fakeDispatchRepo) FailCreatesFor(helperID primitive.ObjectID, times int) {
	r.mu.Lock()
	r.failCreates[helperID] = times
	r.mu.Unlock()
}

// FailStatusUpdates makes the next N conditional status writes error before
// touching the row, simulating a transient store outage.
func (r *fakeDispatchRepo) FailStatusUpdates(times int) {
	r.mu.Lock()
	r.failStatusUpdates = times
	r.mu.Unlock()
}

func (r *fakeDispatchRepo) CreateRequest(_ context.Context, request *models.DispatchRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if remaining := r.failCreates[request.HelperID]; remaining > 0 {
		r.failCreates[request.HelperID] = remaining - 1
		return errors.New("store write failed")
	}

	// Uniqueness on (alert, helper, generation): a retried insert lands on
	// the existing row instead of creating a second one.
	for _, id := range r.order {
		existing := r.requests[id]
		if existing.AlertID == request.AlertID &&
			existing.HelperID == request.HelperID &&
			existing.Generation == request.Generation {
			*request = *existing
			return nil
		}
	}

	r.writes++
	request.ID = primitive.NewObjectID()
	if request.Status == "" {
		request.Status = models.DispatchRequestPending
	}
	request.CreatedAt = time.Now()
	request.UpdatedAt = request.CreatedAt

	stored := *request
	r.requests[request.ID] = &stored
	r.order = append(r.order, request.ID)

	copied := stored
	select {
	case r.created <- &copied:
	default:
	}
	return nil
}

func (r *fakeDispatchRepo) GetRequestByID(_ context.Context, id primitive.ObjectID) (*models.DispatchRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[id]
	if !ok {
		return nil, fmt.Errorf("dispatch request %s not found", id.Hex())
	}
	copied := *request
	return &copied, nil
}

func (r *fakeDispatchRepo) GetRequestsByAlert(_ context.Context, alertID primitive.ObjectID) ([]*models.DispatchRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.DispatchRequest
	for _, id := range r.order {
		if r.requests[id].AlertID == alertID {
			copied := *r.requests[id]
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeDispatchRepo) ConditionalUpdateStatus(_ context.Context, requestID primitive.ObjectID, expected, next models.DispatchRequestStatus, update *interfaces.ResponseUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failStatusUpdates > 0 {
		r.failStatusUpdates--
		return false, errors.New("store write failed")
	}

	request, ok := r.requests[requestID]
	if !ok {
		return false, fmt.Errorf("dispatch request %s not found", requestID.Hex())
	}
	if request.Status != expected {
		return false, nil
	}

	r.writes++
	request.Status = next
	request.UpdatedAt = time.Now()
	if update != nil {
		request.RespondedAt = update.RespondedAt
		request.EstimatedArrival = update.EstimatedArrival
	}

	r.publishLocked(request)
	return true, nil
}

func (r *fakeDispatchRepo) SupersedeOthers(_ context.Context, alertID, exceptRequestID primitive.ObjectID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, request := range r.requests {
		if request.AlertID != alertID || request.ID == exceptRequestID {
			continue
		}
		if request.Status != models.DispatchRequestPending {
			continue
		}
		r.writes++
		request.Status = models.DispatchRequestSuperseded
		request.UpdatedAt = time.Now()
		r.publishLocked(request)
		count++
	}
	return count, nil
}

func (r *fakeDispatchRepo) WatchAlert(ctx context.Context, alertID primitive.ObjectID) (<-chan *models.DispatchRequest, error) {
	ch := make(chan *models.DispatchRequest, 32)
	r.mu.Lock()
	r.feeds[alertID] = append(r.feeds[alertID], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		feeds := r.feeds[alertID]
		for i, feed := range feeds {
			if feed == ch {
				r.feeds[alertID] = append(feeds[:i], feeds[i+1:]...)
				break
			}
		}
		close(ch)
		r.mu.Unlock()
	}()
	return ch, nil
}

func (r *fakeDispatchRepo) publishLocked(request *models.DispatchRequest) {
	for _, feed := range r.feeds[request.AlertID] {
		copied := *request
		select {
		case feed <- &copied:
		default:
		}
	}
}

// Publish injects an arbitrary row into the alert's change feed, bypassing
// the store. Used to simulate stale rows from earlier sessions.
func (r *fakeDispatchRepo) Publish(request *models.DispatchRequest) {
	r.mu.Lock()
	r.publishLocked(request)
	r.mu.Unlock()
}

// SetStatusSilently mutates a row without emitting a feed event, so tests can
// stage races the feed has not reported yet.
func (r *fakeDispatchRepo) SetStatusSilently(requestID primitive.ObjectID, status models.DispatchRequestStatus) {
	r.mu.Lock()
	if request, ok := r.requests[requestID]; ok {
		request.Status = status
	}
	r.mu.Unlock()
}

func (r *fakeDispatchRepo) WriteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

type fakeAlertRepo struct {
	mu     sync.Mutex
	alerts map[primitive.ObjectID]*models.Alert
}

func newFakeAlertRepo() *fakeAlertRepo {
	return &fakeAlertRepo{alerts: make(map[primitive.ObjectID]*models.Alert)}
}

func (r *fakeAlertRepo) Create(_ context.Context, alert *models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if alert.ID.IsZero() {
		alert.ID = primitive.NewObjectID()
	}
	if alert.Status == "" {
		alert.Status = models.AlertStatusActive
	}
	alert.CreatedAt = time.Now()
	alert.UpdatedAt = alert.CreatedAt
	copied := *alert
	r.alerts[alert.ID] = &copied
	return nil
}

func (r *fakeAlertRepo) GetByID(_ context.Context, id primitive.ObjectID) (*models.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s not found", id.Hex())
	}
	copied := *alert
	return &copied, nil
}

func (r *fakeAlertRepo) UpdateStatus(_ context.Context, id primitive.ObjectID, status models.AlertStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id.Hex())
	}
	alert.Status = status
	alert.UpdatedAt = time.Now()
	return nil
}

func (r *fakeAlertRepo) Resolve(_ context.Context, id primitive.ObjectID, resolvedBy primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id.Hex())
	}
	now := time.Now()
	alert.Status = models.AlertStatusResolved
	alert.ResolvedBy = &resolvedBy
	alert.ResolvedAt = &now
	alert.UpdatedAt = now
	return nil
}

func (r *fakeAlertRepo) GetActiveByRequester(_ context.Context, requesterID primitive.ObjectID) ([]*models.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Alert
	for _, alert := range r.alerts {
		if alert.RequesterID == requesterID && alert.IsActive() {
			copied := *alert
			out = append(out, &copied)
		}
	}
	return out, nil
}

type fakeHelperRepo struct {
	mu      sync.Mutex
	helpers map[primitive.ObjectID]*models.Helper
}

func newFakeHelperRepo() *fakeHelperRepo {
	return &fakeHelperRepo{helpers: make(map[primitive.ObjectID]*models.Helper)}
}

func (r *fakeHelperRepo) Add(helper *models.Helper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *helper
	r.helpers[helper.ID] = &copied
}

func (r *fakeHelperRepo) Create(_ context.Context, helper *models.Helper) error {
	if helper.ID.IsZero() {
		helper.ID = primitive.NewObjectID()
	}
	r.Add(helper)
	return nil
}

func (r *fakeHelperRepo) GetByID(_ context.Context, id primitive.ObjectID) (*models.Helper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	helper, ok := r.helpers[id]
	if !ok {
		return nil, fmt.Errorf("helper %s not found", id.Hex())
	}
	copied := *helper
	return &copied, nil
}

func (r *fakeHelperRepo) GetByIDs(_ context.Context, ids []primitive.ObjectID) ([]*models.Helper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Helper
	for _, id := range ids {
		if helper, ok := r.helpers[id]; ok {
			copied := *helper
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeHelperRepo) SetAvailability(_ context.Context, id primitive.ObjectID, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	helper, ok := r.helpers[id]
	if !ok {
		return fmt.Errorf("helper %s not found", id.Hex())
	}
	helper.IsAvailable = available
	return nil
}

func (r *fakeHelperRepo) UpdateLocation(_ context.Context, id primitive.ObjectID, location models.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	helper, ok := r.helpers[id]
	if !ok {
		return fmt.Errorf("helper %s not found", id.Hex())
	}
	helper.LastLocation = &location
	return nil
}

func (r *fakeHelperRepo) RegisterDevice(_ context.Context, id primitive.ObjectID, device models.HelperDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	helper, ok := r.helpers[id]
	if !ok {
		return fmt.Errorf("helper %s not found", id.Hex())
	}
	helper.Devices = append(helper.Devices, device)
	return nil
}

// fakeRanker returns a preset ordered pool.
type fakeRanker struct {
	mu         sync.Mutex
	candidates []models.HelperCandidate
	err        error
}

func (f *fakeRanker) RankCandidates(_ context.Context, _ models.Location) ([]models.HelperCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.HelperCandidate, len(f.candidates))
	copy(out, f.candidates)
	return out, nil
}

func (f *fakeRanker) UpdateHelperLocation(_ context.Context, _ primitive.ObjectID, _ models.Location) error {
	return nil
}

func (f *fakeRanker) SetAvailability(_ context.Context, _ primitive.ObjectID, _ bool) error {
	return nil
}

// fakeNotifier records notifications and exposes outcomes on a channel so
// tests can wait for a session to finish.
type fakeNotifier struct {
	mu            sync.Mutex
	helperNotices []primitive.ObjectID
	progressCount int
	outcomes      chan *models.DispatchOutcome
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{outcomes: make(chan *models.DispatchOutcome, 4)}
}

func (f *fakeNotifier) NotifyHelper(_ context.Context, helper *models.Helper, _ *models.Alert, _ *models.DispatchRequest) error {
	f.mu.Lock()
	f.helperNotices = append(f.helperNotices, helper.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) NotifyRequesterProgress(_ primitive.ObjectID, _ *models.DispatchSnapshot) {
	f.mu.Lock()
	f.progressCount++
	f.mu.Unlock()
}

func (f *fakeNotifier) NotifyRequesterOutcome(_ primitive.ObjectID, outcome *models.DispatchOutcome) {
	select {
	case f.outcomes <- outcome:
	default:
	}
}

func (f *fakeNotifier) ProgressCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progressCount
}
