package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/webhook-runner/internal/dispatch"
	"github.com/mattjoyce/webhook-runner/internal/events"
	"github.com/mattjoyce/webhook-runner/internal/history"
	"github.com/mattjoyce/webhook-runner/internal/repository"
	"github.com/mattjoyce/webhook-runner/internal/signature"
)

// Server represents the webhook HTTP server.
type Server struct {
	config  Config
	auth    *Authenticator
	deps    Deps
	limiter *rate.Limiter
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new webhook server instance.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = DefaultSignatureHeader
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = max(1, int(config.RateLimit))
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return &Server{
		config:  config,
		auth:    NewAuthenticator(config.Secret),
		deps:    deps,
		limiter: limiter,
		logger:  logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the webhook HTTP server (blocking). requestTimeout bounds
// writing a response and must exceed the repository clone timeout, since
// synchronization happens before the response is sent.
func (s *Server) Start(ctx context.Context, requestTimeout time.Duration) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      requestTimeout,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "path", s.config.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post(s.config.Path, s.handleWebhook)

	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// delivery carries per-request state through the pipeline.
type delivery struct {
	id     string
	logger *slog.Logger
	record history.Delivery
}

// handleWebhook runs authenticate, parse, sync, verify and dispatch in
// order. Every step before dispatch is synchronous and fails closed.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	d := &delivery{id: r.Header.Get(deliveryHeader)}
	if d.id == "" {
		d.id = uuid.NewString()
	}
	eventName := r.Header.Get(eventHeader)
	d.logger = s.logger.With("delivery_id", d.id, "request_id", middleware.GetReqID(ctx))
	d.record = history.Delivery{DeliveryID: d.id, Event: eventName, ReceivedAt: time.Now().UTC()}
	if d.record.Event == "" {
		d.record.Event = "push"
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(ctx, w, d, "read", http.StatusRequestEntityTooLarge, classPayloadTooLarge, "body_too_large", err)
			return
		}
		s.reject(ctx, w, d, "read", http.StatusBadRequest, classInvalidPayload, "unreadable_body", err)
		return
	}

	// Received → Authenticated
	if err := s.auth.Authenticate(body, r.Header.Get(s.config.SignatureHeader)); err != nil {
		s.rejectErr(ctx, w, d, "authenticate", err)
		return
	}
	// Rate limiting counts authenticated deliveries only.
	if s.limiter != nil && !s.limiter.Allow() {
		s.reject(ctx, w, d, "rate_limit", http.StatusTooManyRequests, classRateLimited, "rate_limited", nil)
		return
	}

	switch eventName {
	case "ping":
		s.ignore(ctx, w, d, "pong")
		return
	case "", "push":
	default:
		s.ignore(ctx, w, d, "unsupported_event")
		return
	}

	// Authenticated → Parsed
	ev, err := ParseEvent(eventName, body)
	if err != nil {
		s.rejectErr(ctx, w, d, "parse", err)
		return
	}
	d.record.Ref = ev.Ref
	d.record.ObjectID = ev.ObjectID
	d.logger = d.logger.With("ref", ev.Ref, "object_id", ev.ObjectID)

	if ev.Deleted {
		s.ignore(ctx, w, d, "ref_deleted")
		return
	}
	kind, ok := ev.DispatchKind()
	if !ok {
		s.ignore(ctx, w, d, "unsupported_ref")
		return
	}
	if !s.deps.Dispatcher.HasCommand(kind) {
		s.ignore(ctx, w, d, "no_command")
		return
	}

	// Parsed → Synced
	obj, err := s.deps.Synchronizer.EnsureObject(ctx, repository.Request{
		URL:      ev.CloneURL,
		Ref:      ev.Ref,
		ObjectID: ev.ObjectID,
	})
	if err != nil {
		s.rejectErr(ctx, w, d, "sync", err)
		return
	}
	d.record.ObjectType = obj.Type.String()

	// Synced → Verified
	signed, err := obj.Signed()
	if err != nil {
		s.rejectErr(ctx, w, d, "sync", err)
		return
	}
	identity, err := s.deps.Verifier.Verify(signed, s.keyringFor(kind))
	if err != nil {
		s.rejectErr(ctx, w, d, "verify", err)
		return
	}
	if identity.Skipped {
		d.logger.Debug("signature verification skipped, no keyring configured", "kind", kind)
	} else {
		d.record.Signer = identity.Fingerprint
		d.logger.Info("signature verified", "key_id", identity.KeyID, "signer", identity.UserID)
	}

	// Verified → Dispatched
	handle := s.deps.Synchronizer.Handle()
	accepted, err := s.deps.Dispatcher.Submit(dispatch.Job{
		Kind:        kind,
		Event:       d.record.Event,
		Ref:         ev.Ref,
		ObjectID:    ev.ObjectID,
		ObjectType:  signed.Type,
		DeliveryID:  d.id,
		Remote:      handle.URL,
		GitDir:      handle.Path,
		Signer:      identity.Fingerprint,
		Verified:    !identity.Skipped,
		Payload:     body,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		s.rejectErr(ctx, w, d, "dispatch", err)
		return
	}
	if accepted.Skipped {
		s.ignore(ctx, w, d, "no_command")
		return
	}

	d.record.Outcome = history.OutcomeAccepted
	d.record.StatusCode = http.StatusAccepted
	d.record.JobID = accepted.JobID
	d.logger.Info("delivery accepted", "job_id", accepted.JobID, "kind", kind)
	s.finish(ctx, d, events.DeliveryAccepted)
	s.respondJSON(w, http.StatusAccepted, Response{
		Status:     "accepted",
		DeliveryID: d.id,
		JobID:      accepted.JobID,
		ObjectID:   ev.ObjectID,
	})
}

func (s *Server) keyringFor(kind dispatch.Kind) *signature.Keyring {
	if kind == dispatch.KindTag {
		return s.config.TagKeyring
	}
	return s.config.CommitKeyring
}

// ignore answers 200 for deliveries that need no command.
func (s *Server) ignore(ctx context.Context, w http.ResponseWriter, d *delivery, reason string) {
	d.record.Outcome = history.OutcomeIgnored
	d.record.StatusCode = http.StatusOK
	d.record.Reason = reason
	d.logger.Info("delivery ignored", "reason", reason)
	s.finish(ctx, d, events.DeliveryIgnored)

	status := "ignored"
	if reason == "pong" {
		status = "pong"
	}
	resp := Response{Status: status, DeliveryID: d.id, ObjectID: d.record.ObjectID}
	if status == "ignored" {
		resp.Reason = reason
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) rejectErr(ctx context.Context, w http.ResponseWriter, d *delivery, check string, err error) {
	status, class, reason := rejectionFor(err)
	s.reject(ctx, w, d, check, status, class, reason, err)
}

// reject logs which check failed and answers with the class and reason
// only. The error text itself never reaches the caller.
func (s *Server) reject(ctx context.Context, w http.ResponseWriter, d *delivery, check string, status int, class, reason string, err error) {
	d.record.Outcome = history.OutcomeRejected
	d.record.StatusCode = status
	d.record.Reason = reason
	d.logger.Warn("delivery rejected",
		"check", check,
		"class", class,
		"reason", reason,
		"status", status,
		"error", err,
	)
	s.finish(ctx, d, events.DeliveryRejected)
	s.respondJSON(w, status, ErrorResponse{Error: class, Reason: reason})
}

// finish records and publishes the delivery outcome.
func (s *Server) finish(ctx context.Context, d *delivery, eventType string) {
	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.RecordDelivery(context.WithoutCancel(ctx), d.record); err != nil {
			d.logger.Error("failed to record delivery", "error", err)
		}
	}
	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(eventType, d.record)
	}
}

// rejectionFor maps pipeline errors to an HTTP status, class and reason.
func rejectionFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized, classUnauthorized, "invalid_signature"
	case errors.Is(err, ErrInvalidPayload):
		return http.StatusBadRequest, classInvalidPayload, "malformed_payload"
	case errors.Is(err, repository.ErrRemoteMismatch):
		return http.StatusBadRequest, classInvalidPayload, repository.Reason(err)
	case errors.Is(err, repository.ErrTimeout):
		return http.StatusGatewayTimeout, classSyncFailed, repository.Reason(err)
	case errors.Is(err, repository.ErrCanceled):
		return http.StatusServiceUnavailable, classSyncFailed, repository.Reason(err)
	case errors.Is(err, repository.ErrObjectNotFound):
		return http.StatusUnprocessableEntity, classSyncFailed, repository.Reason(err)
	case errors.Is(err, repository.ErrAuth), errors.Is(err, repository.ErrNetwork):
		return http.StatusBadGateway, classSyncFailed, repository.Reason(err)
	case errors.Is(err, signature.ErrUnsigned),
		errors.Is(err, signature.ErrUntrustedSigner),
		errors.Is(err, signature.ErrMalformedSignature):
		return http.StatusForbidden, classVerificationFailed, signature.Reason(err)
	case errors.Is(err, dispatch.ErrUnavailable):
		return http.StatusServiceUnavailable, classUnavailable, "pool_exhausted"
	default:
		return http.StatusInternalServerError, classInternal, "internal"
	}
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
