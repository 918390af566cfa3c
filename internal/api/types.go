package api

import (
	"time"

	"github.com/mattjoyce/webhook-runner/internal/history"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Workers       WorkerStatus      `json:"workers"`
	Repository    RepoStatus        `json:"repository"`
	Verification  map[string]string `json:"verification"`
	History       bool              `json:"history"`
}

// WorkerStatus reports worker pool slot usage.
type WorkerStatus struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
}

// RepoStatus reports the last synchronized object of the mirror.
type RepoStatus struct {
	LastSynced string     `json:"last_synced,omitempty"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
}

// JobStatusResponse is returned by GET /job/{jobID}
type JobStatusResponse struct {
	JobID       string    `json:"job_id"`
	DeliveryID  string    `json:"delivery_id,omitempty"`
	Kind        string    `json:"kind"`
	Ref         string    `json:"ref"`
	ObjectID    string    `json:"object_id"`
	Status      string    `json:"status"`
	ExitCode    int       `json:"exit_code"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`
}

// DeliveryListResponse is returned by GET /deliveries.
type DeliveryListResponse struct {
	Deliveries []history.Delivery `json:"deliveries"`
}
