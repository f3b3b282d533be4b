// Package fault defines the stable, caller-visible error contract of the PIX
// service. Every operation surfaces failures as a Fault with a numeric code;
// the code is the contract, the message is advisory only.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes. These are frozen: callers branch on them programmatically, so a
// code must never change meaning across versions.
const (
	// CodeInvalidSystem covers every authorization failure: empty, unknown or
	// revoked token, or a token not scoped to the requested organization.
	CodeInvalidSystem = 1

	// CodeValidation indicates a missing or malformed mandatory field,
	// rejected before any store mutation.
	CodeValidation = 2

	// CodeAmbiguousMatch indicates the matching engine found conflicting or
	// multiple equally plausible candidates and refused to guess.
	CodeAmbiguousMatch = 3

	// CodeNotFound indicates a referenced identity or alias does not exist.
	CodeNotFound = 4

	// CodeStorage indicates the underlying store was unavailable. The
	// operation left no partial writes and is safe to retry with backoff.
	CodeStorage = 5
)

// ErrNotFound is the sentinel returned by repositories for a missing record.
// It is translated to CodeNotFound at the API boundary.
var ErrNotFound = errors.New("record not found")

// Fault is the structured error returned to callers.
type Fault struct {
	ErrorCode int    `json:"errorCode"`
	Message   string `json:"message"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault %d: %s", f.ErrorCode, f.Message)
}

// New creates a Fault with the given code and message.
func New(code int, message string) *Fault {
	return &Fault{ErrorCode: code, Message: message}
}

// InvalidSystem creates a code-1 fault.
func InvalidSystem(message string) *Fault {
	return New(CodeInvalidSystem, message)
}

// Validation creates a code-2 fault for a missing or malformed field.
func Validation(field, reason string) *Fault {
	return New(CodeValidation, fmt.Sprintf("%s: %s", field, reason))
}

// Ambiguous creates a code-3 fault.
func Ambiguous(message string) *Fault {
	return New(CodeAmbiguousMatch, message)
}

// NotFound creates a code-4 fault.
func NotFound(message string) *Fault {
	return New(CodeNotFound, message)
}

// Storage creates a code-5 fault. Internal detail is deliberately dropped so
// no stack or driver information crosses the API boundary.
func Storage() *Fault {
	return New(CodeStorage, "storage temporarily unavailable, retry later")
}

// From translates an internal error into a Fault. Faults pass through
// unchanged; the repository not-found sentinel becomes code 4; everything
// else (driver errors, cancelled contexts mid-write) becomes code 5.
func From(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, ErrNotFound) {
		return NotFound("record not found")
	}
	return Storage()
}

// HTTPStatus maps an error code to the HTTP status used on the wire. The
// body always carries the fault JSON regardless of status.
func HTTPStatus(code int) int {
	switch code {
	case CodeInvalidSystem:
		return http.StatusUnauthorized
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAmbiguousMatch:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStorage:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
