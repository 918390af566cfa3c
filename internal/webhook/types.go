package webhook

import (
	"context"

	"github.com/mattjoyce/webhook-runner/internal/dispatch"
	"github.com/mattjoyce/webhook-runner/internal/history"
	"github.com/mattjoyce/webhook-runner/internal/repository"
	"github.com/mattjoyce/webhook-runner/internal/signature"
)

//go:generate mockgen -destination=mocks/mock_pipeline.go -package=mocks github.com/mattjoyce/webhook-runner/internal/webhook Synchronizer,Verifier,Dispatcher

// Synchronizer makes the pushed object available locally.
type Synchronizer interface {
	EnsureObject(ctx context.Context, req repository.Request) (repository.Object, error)
	Handle() repository.Handle
}

// Verifier checks an object signature against a domain keyring.
type Verifier interface {
	Verify(obj signature.SignedObject, kr *signature.Keyring) (signature.Identity, error)
}

// Dispatcher runs the configured command in the background.
type Dispatcher interface {
	HasCommand(kind dispatch.Kind) bool
	Submit(job dispatch.Job) (dispatch.Accepted, error)
}

// DeliveryRecorder stores the outcome of each request.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d history.Delivery) error
}

// Publisher broadcasts delivery events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Config holds webhook server configuration.
type Config struct {
	Listen string
	// Path is the URL path receiving deliveries (default "/").
	Path string
	// SignatureHeader carries the HMAC digest (default X-Hub-Signature-256).
	SignatureHeader string
	Secret          string
	MaxBodySize     int64
	// RateLimit is the sustained requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// CommitKeyring and TagKeyring are nil when the domain is not configured.
	CommitKeyring *signature.Keyring
	TagKeyring    *signature.Keyring
}

// Deps are the pipeline collaborators. Recorder and Publisher may be nil.
type Deps struct {
	Synchronizer Synchronizer
	Verifier     Verifier
	Dispatcher   Dispatcher
	Recorder     DeliveryRecorder
	Publisher    Publisher
}

// Response is the JSON body for accepted and ignored deliveries.
type Response struct {
	Status     string `json:"status"`
	DeliveryID string `json:"delivery_id"`
	JobID      string `json:"job_id,omitempty"`
	ObjectID   string `json:"object_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ErrorResponse is the JSON body for rejected deliveries.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Default values
const (
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultPath            = "/"
	DefaultSignatureHeader = "X-Hub-Signature-256"

	eventHeader    = "X-GitHub-Event"
	deliveryHeader = "X-GitHub-Delivery"
)

// Rejection classes.
const (
	classUnauthorized       = "unauthorized"
	classInvalidPayload     = "invalid_payload"
	classSyncFailed         = "sync_failed"
	classVerificationFailed = "verification_failed"
	classUnavailable        = "unavailable"
	classPayloadTooLarge    = "payload_too_large"
	classRateLimited        = "rate_limited"
	classInternal           = "internal_error"
)
