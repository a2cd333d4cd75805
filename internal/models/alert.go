package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type AlertStatus string
type AlertCategory string

const (
	AlertStatusActive    AlertStatus = "active"
	AlertStatusResolved  AlertStatus = "resolved"
	AlertStatusCancelled AlertStatus = "cancelled"

	AlertCategoryMedical   AlertCategory = "medical"
	AlertCategorySafety    AlertCategory = "safety"
	AlertCategoryAccident  AlertCategory = "accident"
	AlertCategoryBreakdown AlertCategory = "breakdown"
	AlertCategoryOther     AlertCategory = "other"
)

// Alert is the emergency event a dispatch session tries to resolve.
// Location is fixed at creation; only status and resolution fields change.
type Alert struct {
	ID          primitive.ObjectID  `json:"id" bson:"_id,omitempty"`
	RequesterID primitive.ObjectID  `json:"requester_id" bson:"requester_id" validate:"required"`
	Category    AlertCategory       `json:"category" bson:"category" validate:"required"`
	Status      AlertStatus         `json:"status" bson:"status" default:"active"`
	Location    Location            `json:"location" bson:"location" validate:"required"`
	Description string              `json:"description" bson:"description"`
	ResolvedBy  *primitive.ObjectID `json:"resolved_by" bson:"resolved_by"`
	CreatedAt   time.Time           `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at" bson:"updated_at"`
	ResolvedAt  *time.Time          `json:"resolved_at" bson:"resolved_at"`
}

func (a *Alert) IsActive() bool {
	return a.Status == AlertStatusActive
}
