// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"fmt"

	"github.com/aiku/mautrix-twitter/pkg/twapi"
)

// ValidationError reports malformed caller input (room ids, hashtags,
// screen names). It is returned synchronously and never retried.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// AuthError reports expired or revoked credentials. Revoked tokens must not
// be retried; other auth failures may be retried by re-acquisition.
type AuthError struct {
	Cause   error
	Revoked bool
}

func (e *AuthError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("credentials revoked: %v", e.Cause)
	}
	return fmt.Sprintf("authentication failed: %v", e.Cause)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// RemoteUnavailableError reports a transient platform failure. The operation
// is abandoned for this tick; the scheduler itself is the retry mechanism.
type RemoteUnavailableError struct {
	Cause error
}

func (e *RemoteUnavailableError) Error() string {
	return fmt.Sprintf("remote platform unavailable: %v", e.Cause)
}

func (e *RemoteUnavailableError) Unwrap() error {
	return e.Cause
}

// ContextError reports an outbound post that is not permitted in its rooms.
// UserMessage is friendly text for the originating room; Detail is the
// technical explanation for the log. Never retried.
type ContextError struct {
	UserMessage string
	Detail      string
}

func (e *ContextError) Error() string {
	return e.Detail
}

// classifyRemoteError wraps a twapi error into the taxonomy: 401/403 become
// AuthError, everything else RemoteUnavailableError.
func classifyRemoteError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *twapi.APIError
	if errors.As(err, &apiErr) && apiErr.IsAuth() {
		return &AuthError{Cause: err}
	}
	return &RemoteUnavailableError{Cause: err}
}

// retryable reports whether a failure may succeed on a later attempt.
// Transport errors, 5xx and 429 responses qualify; definitive 4xx responses
// like a deleted tweet do not.
func retryable(err error) bool {
	var remoteErr *RemoteUnavailableError
	if !errors.As(err, &remoteErr) {
		return false
	}
	var apiErr *twapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	return true
}
