package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrUnavailable is returned by Submit when every worker slot is busy.
var ErrUnavailable = errors.New("no free worker slot")

// Kind selects the command template for a job.
type Kind string

const (
	KindCommit Kind = "commit"
	KindTag    Kind = "tag"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusTimedOut    Status = "timed_out"
	StatusSpawnFailed Status = "spawn_failed"
)

// Job is one verified event handed to the worker pool.
type Job struct {
	ID         string
	Kind       Kind
	Event      string
	Ref        string
	ObjectID   string
	ObjectType string
	DeliveryID string
	Remote     string
	GitDir     string
	// Signer is the fingerprint of the validating key, empty when
	// verification was skipped.
	Signer   string
	Verified bool
	// Payload is the raw webhook body, written verbatim to stdin.
	Payload []byte
	// Timeout overrides the configured command timeout when positive.
	Timeout     time.Duration
	SubmittedAt time.Time
}

// RefName returns the ref without its refs/heads/ or refs/tags/ prefix.
func (j Job) RefName() string {
	for _, prefix := range []string{"refs/heads/", "refs/tags/"} {
		if strings.HasPrefix(j.Ref, prefix) {
			return strings.TrimPrefix(j.Ref, prefix)
		}
	}
	return j.Ref
}

// Accepted is the result of a successful Submit.
type Accepted struct {
	JobID string `json:"job_id,omitempty"`
	// Skipped is true when no command is configured for the job kind.
	Skipped bool `json:"skipped,omitempty"`
}

// Result records one command execution.
type Result struct {
	JobID      string    `json:"job_id"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	Kind       Kind      `json:"kind"`
	Ref        string    `json:"ref"`
	ObjectID   string    `json:"object_id"`
	Status     Status    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall-clock run time.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Recorder persists run results.
type Recorder interface {
	RecordRun(ctx context.Context, r Result) error
}

// Publisher broadcasts lifecycle events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Config holds the command templates and execution limits.
type Config struct {
	Commands map[Kind]string
	Shell    string
	Workdir  string
	Timeout  time.Duration
	Workers  int
}
