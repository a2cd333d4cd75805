package interfaces

import (
	"context"

	"neighborly/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type AlertRepository interface {
	Create(ctx context.Context, alert *models.Alert) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Alert, error)
	UpdateStatus(ctx context.Context, id primitive.ObjectID, status models.AlertStatus) error
	Resolve(ctx context.Context, id primitive.ObjectID, resolvedBy primitive.ObjectID) error
	GetActiveByRequester(ctx context.Context, requesterID primitive.ObjectID) ([]*models.Alert, error)
}
