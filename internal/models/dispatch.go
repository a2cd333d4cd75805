package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type DispatchRequestStatus string

const (
	DispatchRequestPending    DispatchRequestStatus = "pending"
	DispatchRequestAccepted   DispatchRequestStatus = "accepted"
	DispatchRequestDeclined   DispatchRequestStatus = "declined"
	DispatchRequestExpired    DispatchRequestStatus = "expired"
	DispatchRequestSuperseded DispatchRequestStatus = "superseded"
)

// IsTerminal reports whether a request can no longer change status.
func (s DispatchRequestStatus) IsTerminal() bool {
	return s != DispatchRequestPending
}

// DispatchRequest is one contact attempt toward a single helper. Rows are
// never deleted; they form the audit trail of a dispatch session.
//
// Invariant: for a given alert at most one request is ever accepted, and the
// moment one is, every other pending request for that alert is forced to
// superseded.
type DispatchRequest struct {
	ID               primitive.ObjectID    `json:"id" bson:"_id,omitempty"`
	AlertID          primitive.ObjectID    `json:"alert_id" bson:"alert_id" validate:"required"`
	HelperID         primitive.ObjectID    `json:"helper_id" bson:"helper_id" validate:"required"`
	Generation       uint64                `json:"generation" bson:"generation"`
	IdempotencyKey   string                `json:"idempotency_key" bson:"idempotency_key"`
	Status           DispatchRequestStatus `json:"status" bson:"status" default:"pending"`
	EstimatedArrival *time.Time            `json:"estimated_arrival" bson:"estimated_arrival"`
	CreatedAt        time.Time             `json:"created_at" bson:"created_at"`
	RespondedAt      *time.Time            `json:"responded_at" bson:"responded_at"`
	UpdatedAt        time.Time             `json:"updated_at" bson:"updated_at"`
}

type DispatchOutcomeKind string

const (
	DispatchOutcomeAccepted  DispatchOutcomeKind = "accepted"
	DispatchOutcomeExhausted DispatchOutcomeKind = "exhausted"
	DispatchOutcomeCancelled DispatchOutcomeKind = "cancelled"
)

// DispatchOutcome is the terminal result of one dispatch session.
type DispatchOutcome struct {
	Kind             DispatchOutcomeKind `json:"kind"`
	AlertID          primitive.ObjectID  `json:"alert_id"`
	HelperID         *primitive.ObjectID `json:"helper_id,omitempty"`
	RequestID        *primitive.ObjectID `json:"request_id,omitempty"`
	EstimatedArrival *time.Time          `json:"estimated_arrival,omitempty"`
	TotalElapsed     time.Duration       `json:"total_elapsed"`
}

// DispatchSnapshot is the read-only view of a running session, shaped for
// presentation. It never exposes mutable engine state.
type DispatchSnapshot struct {
	IsRequesting          bool                `json:"is_requesting"`
	CurrentCandidateIndex int                 `json:"current_candidate_index"`
	TotalCandidates       int                 `json:"total_candidates"`
	ActiveHelperID        *primitive.ObjectID `json:"active_helper_id,omitempty"`
	TimeRemaining         time.Duration       `json:"time_remaining"`
	TotalElapsed          time.Duration       `json:"total_elapsed"`
	Outcome               *DispatchOutcome    `json:"outcome,omitempty"`
}
