package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type DevicePlatform string

const (
	DevicePlatformAndroid DevicePlatform = "android"
	DevicePlatformIOS     DevicePlatform = "ios"
)

// Helper is a community volunteer who can be dispatched to alerts.
type Helper struct {
	ID           primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	UserID       primitive.ObjectID `json:"user_id" bson:"user_id" validate:"required"`
	FirstName    string             `json:"first_name" bson:"first_name"`
	LastName     string             `json:"last_name" bson:"last_name"`
	Phone        string             `json:"phone" bson:"phone"`
	IsAvailable  bool               `json:"is_available" bson:"is_available"`
	LastLocation *Location          `json:"last_location" bson:"last_location"`
	Devices      []HelperDevice     `json:"devices" bson:"devices"`
	Rating       float64            `json:"rating" bson:"rating"`
	HelpCount    int64              `json:"help_count" bson:"help_count"`
	CreatedAt    time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" bson:"updated_at"`
}

type HelperDevice struct {
	Platform  DevicePlatform `json:"platform" bson:"platform"`
	PushToken string         `json:"push_token" bson:"push_token"`
	AddedAt   time.Time      `json:"added_at" bson:"added_at"`
}

// HelperCandidate is one entry of the ranked pool returned by the ranker.
// It is a transient ordering input and is never persisted.
type HelperCandidate struct {
	HelperID   primitive.ObjectID `json:"helper_id"`
	DistanceKM float64            `json:"distance_km"`
	Available  bool               `json:"available"`
}
