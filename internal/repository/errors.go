package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

var (
	// ErrTimeout means a clone or fetch did not finish before its deadline.
	ErrTimeout = errors.New("repository operation timed out")
	// ErrCanceled means the caller went away before synchronization finished.
	ErrCanceled = errors.New("repository operation abandoned by caller")
	// ErrAuth means the remote rejected our credentials.
	ErrAuth = errors.New("repository authentication failed")
	// ErrNetwork covers every other transport failure.
	ErrNetwork = errors.New("repository network failure")
	// ErrObjectNotFound means the object is absent even after fetching.
	ErrObjectNotFound = errors.New("object not found")
	// ErrRemoteMismatch means a delivery names a different remote than the mirror.
	ErrRemoteMismatch = errors.New("remote does not match working copy")
)

// classifyError maps go-git and context errors onto the sync taxonomy.
// The original error stays in the message but not in the chain, so
// callers only ever match the classified sentinel.
func classifyError(err error, op string) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, ErrCanceled)
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod),
		isSSHAuthFailure(err):
		return fmt.Errorf("%s: %w: %v", op, ErrAuth, err)
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return fmt.Errorf("%s: %w", op, ErrObjectNotFound)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrNetwork, err)
	}
}

// isSSHAuthFailure detects golang.org/x/crypto/ssh handshake rejections,
// which go-git surfaces as untyped errors.
func isSSHAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "knownhosts: key mismatch") ||
		strings.Contains(msg, "knownhosts: key is unknown")
}

// Reason returns the short reason tag for a sync error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrAuth):
		return "auth_error"
	case errors.Is(err, ErrObjectNotFound):
		return "object_not_found"
	case errors.Is(err, ErrRemoteMismatch):
		return "remote_mismatch"
	default:
		return "network_failure"
	}
}
