package mongodb

import (
	"context"
	"fmt"
	"time"

	"neighborly/internal/models"
	"neighborly/internal/repositories/interfaces"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

type helperRepository struct {
	collection *mongo.Collection
}

func NewHelperRepository(db *mongo.Database) interfaces.HelperRepository {
	return &helperRepository{
		collection: db.Collection("helpers"),
	}
}

func (r *helperRepository) Create(ctx context.Context, helper *models.Helper) error {
	helper.ID = primitive.NewObjectID()
	helper.CreatedAt = time.Now()
	helper.UpdatedAt = helper.CreatedAt

	_, err := r.collection.InsertOne(ctx, helper)
	if err != nil {
		return fmt.Errorf("failed to create helper: %w", err)
	}
	return nil
}

func (r *helperRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Helper, error) {
	var helper models.Helper
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&helper)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("helper not found")
		}
		return nil, fmt.Errorf("failed to get helper: %w", err)
	}
	return &helper, nil
}

func (r *helperRepository) GetByIDs(ctx context.Context, ids []primitive.ObjectID) ([]*models.Helper, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cursor, err := r.collection.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("failed to find helpers: %w", err)
	}
	defer cursor.Close(ctx)

	var helpers []*models.Helper
	for cursor.Next(ctx) {
		var helper models.Helper
		if err := cursor.Decode(&helper); err != nil {
			return nil, fmt.Errorf("failed to decode helper: %w", err)
		}
		helpers = append(helpers, &helper)
	}
	return helpers, nil
}

func (r *helperRepository) SetAvailability(ctx context.Context, id primitive.ObjectID, available bool) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"is_available": available,
		"updated_at":   time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("failed to set helper availability: %w", err)
	}
	return nil
}

func (r *helperRepository) UpdateLocation(ctx context.Context, id primitive.ObjectID, location models.Location) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"last_location": location,
		"updated_at":    time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("failed to update helper location: %w", err)
	}
	return nil
}

func (r *helperRepository) RegisterDevice(ctx context.Context, id primitive.ObjectID, device models.HelperDevice) error {
	device.AddedAt = time.Now()

	// Replace an existing token for the same platform instead of stacking.
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$pull": bson.M{"devices": bson.M{"platform": device.Platform}},
	})
	if err != nil {
		return fmt.Errorf("failed to clear helper device: %w", err)
	}

	_, err = r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$push": bson.M{"devices": device},
		"$set":  bson.M{"updated_at": time.Now()},
	})
	if err != nil {
		return fmt.Errorf("failed to register helper device: %w", err)
	}
	return nil
}
