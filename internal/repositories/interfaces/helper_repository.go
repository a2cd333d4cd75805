package interfaces

import (
	"context"

	"neighborly/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type HelperRepository interface {
	Create(ctx context.Context, helper *models.Helper) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Helper, error)
	GetByIDs(ctx context.Context, ids []primitive.ObjectID) ([]*models.Helper, error)
	SetAvailability(ctx context.Context, id primitive.ObjectID, available bool) error
	UpdateLocation(ctx context.Context, id primitive.ObjectID, location models.Location) error
	RegisterDevice(ctx context.Context, id primitive.ObjectID, device models.HelperDevice) error
}
