package mongodb

import (
	"context"
	"fmt"
	"time"

	"neighborly/internal/models"
	"neighborly/internal/repositories/interfaces"
	"neighborly/pkg/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const watchPollInterval = 2 * time.Second

type dispatchRepository struct {
	collection *mongo.Collection
	log        *logger.Logger
}

func NewDispatchRepository(db *mongo.Database, log *logger.Logger) interfaces.DispatchRepository {
	return &dispatchRepository{
		collection: db.Collection("dispatch_requests"),
		log:        log,
	}
}

// EnsureDispatchIndexes creates the uniqueness and lookup indexes the
// repository relies on. The unique (alert, helper, generation) index is what
// makes CreateRequest retry-safe.
func EnsureDispatchIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("dispatch_requests").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "alert_id", Value: 1},
				{Key: "helper_id", Value: 1},
				{Key: "generation", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "alert_id", Value: 1},
				{Key: "status", Value: 1},
			},
		},
		{
			Keys: bson.D{{Key: "helper_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatch indexes: %w", err)
	}
	return nil
}

func (r *dispatchRepository) CreateRequest(ctx context.Context, request *models.DispatchRequest) error {
	request.ID = primitive.NewObjectID()
	request.Status = models.DispatchRequestPending
	request.CreatedAt = time.Now()
	request.UpdatedAt = request.CreatedAt

	_, err := r.collection.InsertOne(ctx, request)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// A previous attempt for this (alert, helper, generation) already
			// landed; surface the existing row instead of a second dispatch.
			return r.loadExisting(ctx, request)
		}
		return fmt.Errorf("failed to create dispatch request: %w", err)
	}
	return nil
}

func (r *dispatchRepository) loadExisting(ctx context.Context, request *models.DispatchRequest) error {
	var existing models.DispatchRequest
	err := r.collection.FindOne(ctx, bson.M{
		"alert_id":   request.AlertID,
		"helper_id":  request.HelperID,
		"generation": request.Generation,
	}).Decode(&existing)
	if err != nil {
		return fmt.Errorf("failed to load existing dispatch request: %w", err)
	}
	*request = existing
	return nil
}

func (r *dispatchRepository) GetRequestByID(ctx context.Context, id primitive.ObjectID) (*models.DispatchRequest, error) {
	var request models.DispatchRequest
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&request)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("dispatch request not found")
		}
		return nil, fmt.Errorf("failed to get dispatch request: %w", err)
	}
	return &request, nil
}

func (r *dispatchRepository) GetRequestsByAlert(ctx context.Context, alertID primitive.ObjectID) ([]*models.DispatchRequest, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"alert_id": alertID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to find dispatch requests: %w", err)
	}
	defer cursor.Close(ctx)

	var requests []*models.DispatchRequest
	for cursor.Next(ctx) {
		var request models.DispatchRequest
		if err := cursor.Decode(&request); err != nil {
			return nil, fmt.Errorf("failed to decode dispatch request: %w", err)
		}
		requests = append(requests, &request)
	}
	return requests, nil
}

func (r *dispatchRepository) ConditionalUpdateStatus(ctx context.Context, requestID primitive.ObjectID, expected, next models.DispatchRequestStatus, update *interfaces.ResponseUpdate) (bool, error) {
	set := bson.M{
		"status":     next,
		"updated_at": time.Now(),
	}
	if update != nil {
		if update.RespondedAt != nil {
			set["responded_at"] = update.RespondedAt
		}
		if update.EstimatedArrival != nil {
			set["estimated_arrival"] = update.EstimatedArrival
		}
	}

	result, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": requestID, "status": expected},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, fmt.Errorf("failed to update dispatch request status: %w", err)
	}
	return result.MatchedCount == 1, nil
}

func (r *dispatchRepository) SupersedeOthers(ctx context.Context, alertID, exceptRequestID primitive.ObjectID) (int64, error) {
	result, err := r.collection.UpdateMany(
		ctx,
		bson.M{
			"alert_id": alertID,
			"_id":      bson.M{"$ne": exceptRequestID},
			"status":   models.DispatchRequestPending,
		},
		bson.M{"$set": bson.M{
			"status":     models.DispatchRequestSuperseded,
			"updated_at": time.Now(),
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede dispatch requests: %w", err)
	}
	return result.ModifiedCount, nil
}

func (r *dispatchRepository) WatchAlert(ctx context.Context, alertID primitive.ObjectID) (<-chan *models.DispatchRequest, error) {
	out := make(chan *models.DispatchRequest, 16)

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"fullDocument.alert_id": alertID,
		}}},
	}
	stream, err := r.collection.Watch(ctx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		// Change streams need a replica set; fall back to polling so the
		// watcher still works against a standalone deployment.
		r.log.WithError(err).Warn("Change stream unavailable, polling dispatch requests")
		go r.pollAlert(ctx, alertID, out)
		return out, nil
	}

	go func() {
		defer close(out)
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			var event struct {
				FullDocument models.DispatchRequest `bson:"fullDocument"`
			}
			if err := stream.Decode(&event); err != nil {
				r.log.WithError(err).Error("Failed to decode dispatch change event")
				continue
			}
			doc := event.FullDocument
			select {
			case out <- &doc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// pollAlert re-reads the alert's requests on an interval and emits rows whose
// updated_at advanced since the last pass.
func (r *dispatchRepository) pollAlert(ctx context.Context, alertID primitive.ObjectID, out chan<- *models.DispatchRequest) {
	defer close(out)

	lastSeen := make(map[primitive.ObjectID]time.Time)
	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		requests, err := r.GetRequestsByAlert(ctx, alertID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).Warn("Dispatch request poll failed")
			continue
		}
		for _, request := range requests {
			if seen, ok := lastSeen[request.ID]; ok && !request.UpdatedAt.After(seen) {
				continue
			}
			lastSeen[request.ID] = request.UpdatedAt
			select {
			case out <- request:
			case <-ctx.Done():
				return
			}
		}
	}
}
