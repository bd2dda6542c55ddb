// Package dberr defines the error kinds the engine reports to clients.
// Every error carries a stable string code plus a human-readable message;
// some carry structured details (replication lag reports current and
// required positions so clients can retry against the primary).
package dberr

import (
	"errors"
	"fmt"
)

// Code is a stable, client-visible error code.
type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeAlreadyExists     Code = "already_exists"
	CodeWriteOnReplica    Code = "write_on_replica"
	CodeReplicationLag    Code = "replication_lag"
	CodeWALChain          Code = "wal_chain"
	CodeUnauthorized      Code = "unauthorized"
	CodeInvalidRequest    Code = "invalid_request"
	CodeTimeout           Code = "timeout"
	CodeStorage           Code = "storage"
	CodeTEERequired       Code = "tee_required"
	CodeAttestationFailed Code = "attestation_failed"
	CodeRateLimited       Code = "rate_limited"
)

// Error is the engine's client-facing error value.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on code so callers can write errors.Is(err, dberr.NotFound("")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// New creates an error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code that wraps cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails attaches structured details and returns e.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func AlreadyExists(format string, args ...any) *Error {
	return New(CodeAlreadyExists, format, args...)
}

func WriteOnReplica(format string, args ...any) *Error {
	return New(CodeWriteOnReplica, format, args...)
}

// ReplicationLag reports that a replica has not reached the required
// WAL position. Current and required travel as structured details.
func ReplicationLag(current, required uint64) *Error {
	return New(CodeReplicationLag, "replica at position %d, required %d", current, required).
		WithDetails(map[string]any{"current": current, "required": required})
}

func WALChain(format string, args ...any) *Error {
	return New(CodeWALChain, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(CodeUnauthorized, format, args...)
}

func InvalidRequest(format string, args ...any) *Error {
	return New(CodeInvalidRequest, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return New(CodeTimeout, format, args...)
}

// Storage wraps a SQLite-reported error, preserving the underlying message.
func Storage(cause error, format string, args ...any) *Error {
	return Wrap(CodeStorage, cause, format, args...)
}

func TEERequired(format string, args ...any) *Error {
	return New(CodeTEERequired, format, args...)
}

func AttestationFailed(format string, args ...any) *Error {
	return New(CodeAttestationFailed, format, args...)
}

// CodeOf extracts the error code, defaulting to storage for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStorage
}

// AsError extracts the typed error, or wraps err as a storage error.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Storage(err, "internal error")
}
