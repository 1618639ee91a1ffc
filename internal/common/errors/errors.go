// Package errors provides the Pynchy error taxonomy: a small set of kinds
// that every subsystem boundary returns explicit values for, instead of
// letting arbitrary errors propagate.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an AppError into one of the taxonomy buckets subsystem
// boundaries are expected to return.
type Kind string

const (
	// KindConfiguration is terminal: it fails startup before anything
	// side-effecting runs (e.g. the admin clean-room check).
	KindConfiguration Kind = "configuration"
	// KindPolicyDenied is non-retryable and is surfaced to the agent as
	// an error IPC response; always audit-logged.
	KindPolicyDenied Kind = "policy_denied"
	// KindNeedsHuman is not a failure: it means work paused pending a
	// human decision. Callers check for it explicitly with IsNeedsHuman,
	// they do not treat it as an error condition.
	KindNeedsHuman Kind = "needs_human"
	// KindTransient covers subprocess, filesystem, and channel network
	// errors that are retried with backoff where the caller supports it.
	KindTransient Kind = "transient"
	// KindSchema is a malformed IPC payload: the file is logged and
	// deleted, processing continues.
	KindSchema Kind = "schema"
	// KindAgentTerminated marks a container that exited without emitting
	// a result event.
	KindAgentTerminated Kind = "agent_terminated"
	// KindCopFailure marks a Cop inspection that could not complete.
	// Callers fail open on this kind; it is never surfaced to a user.
	KindCopFailure Kind = "cop_failure"
	// KindInternal is the fallback for anything else.
	KindInternal Kind = "internal"
)

var kindHTTPStatus = map[Kind]int{
	KindConfiguration:   http.StatusInternalServerError,
	KindPolicyDenied:    http.StatusForbidden,
	KindNeedsHuman:      http.StatusAccepted,
	KindTransient:       http.StatusServiceUnavailable,
	KindSchema:          http.StatusBadRequest,
	KindAgentTerminated: http.StatusBadGateway,
	KindCopFailure:      http.StatusOK,
	KindInternal:        http.StatusInternalServerError,
}

// AppError is the concrete error type returned across subsystem boundaries.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is / errors.As against the wrapped cause.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the status code this kind maps to for the handful of
// REST endpoints that surface errors directly (GET /health, POST /deploy).
func (e *AppError) HTTPStatus() int {
	if s, ok := kindHTTPStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// Configuration builds a terminal configuration error.
func Configuration(message string, err error) *AppError {
	return Wrap(KindConfiguration, message, err)
}

// PolicyDenied builds a non-retryable policy-denial error carrying the
// human-readable reason the security gate produced.
func PolicyDenied(reason string) *AppError {
	return New(KindPolicyDenied, reason)
}

// NeedsHuman is a sentinel value, not a fatal condition: handlers check
// IsNeedsHuman(err) and, on true, stop without writing an IPC response.
func NeedsHuman(reason string) *AppError {
	return New(KindNeedsHuman, reason)
}

// Transient builds a retryable I/O error.
func Transient(message string, err error) *AppError {
	return Wrap(KindTransient, message, err)
}

// Schema builds a malformed-payload error.
func Schema(message string, err error) *AppError {
	return Wrap(KindSchema, message, err)
}

// AgentTerminated builds an error for a container that exited without a
// result event.
func AgentTerminated(message string) *AppError {
	return New(KindAgentTerminated, message)
}

// CopFailure builds a fail-open Cop error; callers log it and proceed as
// if the Cop had returned flagged=false.
func CopFailure(message string, err error) *AppError {
	return Wrap(KindCopFailure, message, err)
}

func kindOf(err error) (Kind, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind, true
	}
	return "", false
}

// IsNeedsHuman reports whether err represents a pending-human-decision
// pause rather than a failure.
func IsNeedsHuman(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNeedsHuman
}

// IsPolicyDenied reports whether err is a non-retryable policy denial.
func IsPolicyDenied(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindPolicyDenied
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// HTTPStatus returns the status code for err, defaulting to 500 when err
// is not an *AppError.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}
