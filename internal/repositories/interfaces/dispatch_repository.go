package interfaces

import (
	"context"
	"time"

	"neighborly/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ResponseUpdate carries the extra fields written together with a status
// transition, so accept and its arrival estimate commit in one write.
type ResponseUpdate struct {
	RespondedAt      *time.Time
	EstimatedArrival *time.Time
}

// DispatchRepository is the shared request store the engine and every
// helper's responder mutate concurrently. ConditionalUpdateStatus is the
// only write used to leave pending: it succeeds for exactly one caller per
// request, which is what resolves accept races.
type DispatchRepository interface {
	// CreateRequest inserts a pending request. The store enforces uniqueness
	// on (alert_id, helper_id, generation) so a retried create cannot
	// double-dispatch.
	CreateRequest(ctx context.Context, request *models.DispatchRequest) error

	GetRequestByID(ctx context.Context, id primitive.ObjectID) (*models.DispatchRequest, error)
	GetRequestsByAlert(ctx context.Context, alertID primitive.ObjectID) ([]*models.DispatchRequest, error)

	// ConditionalUpdateStatus performs a compare-and-swap on status. It
	// returns false, with no error, when the request was not in the expected
	// status — the caller lost the race.
	ConditionalUpdateStatus(ctx context.Context, requestID primitive.ObjectID, expected, next models.DispatchRequestStatus, update *ResponseUpdate) (bool, error)

	// SupersedeOthers forces every still-pending request for the alert,
	// except the winner, to superseded. Returns the number of rows touched.
	SupersedeOthers(ctx context.Context, alertID, exceptRequestID primitive.ObjectID) (int64, error)

	// WatchAlert streams every request change for the alert until ctx is
	// cancelled. The returned channel is closed when the feed ends.
	WatchAlert(ctx context.Context, alertID primitive.ObjectID) (<-chan *models.DispatchRequest, error)
}
