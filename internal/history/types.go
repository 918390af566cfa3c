// Package history records delivery outcomes and command runs in SQLite.
//
// The history is append-only. It is never replayed: a lost or rejected
// delivery is retried by the sender, not by this process.
package history

import (
	"errors"
	"time"
)

var (
	ErrRunNotFound      = errors.New("run not found")
	ErrDeliveryNotFound = errors.New("delivery not found")
)

// Outcome is how the ingress disposed of a delivery.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRejected Outcome = "rejected"
)

// Delivery is one webhook request and its response.
type Delivery struct {
	ID         int64     `json:"id"`
	DeliveryID string    `json:"delivery_id"`
	Event      string    `json:"event"`
	Ref        string    `json:"ref,omitempty"`
	ObjectID   string    `json:"object_id,omitempty"`
	ObjectType string    `json:"object_type,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	StatusCode int       `json:"status_code"`
	Reason     string    `json:"reason,omitempty"`
	Signer     string    `json:"signer,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)
