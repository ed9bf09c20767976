// Package errs provides structured error types and helpers for dexroute services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeIntegrity indicates persisted state that contradicts a delivered job.
	CodeIntegrity Code = "integrity"
	// CodeVenue indicates a venue-side quote or execution failure.
	CodeVenue Code = "venue_error"
	// CodeTimeout indicates a venue call exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodePersistence indicates a storage failure.
	CodePersistence Code = "persistence"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the dexroute stack.
type E struct {
	Scope    string
	Code     Code
	HTTP     int
	Message  string
	Metadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:    strings.TrimSpace(scope),
		Code:     code,
		HTTP:     0,
		Message:  "",
		Metadata: nil,
		cause:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Reason returns the message, falling back to the cause text, for user-facing failure reasons.
func (e *E) Reason() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		if e.cause != nil {
			return e.Message + ": " + e.cause.Error()
		}
		return e.Message
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return string(e.Code)
}

// Is reports whether any error in err's chain is an envelope carrying code.
func Is(err error, code Code) bool {
	var e *E
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// Reason extracts a human-readable failure reason from err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Reason()
	}
	return err.Error()
}

// Retryable reports whether a failure is worth redelivering. Invalid input and integrity faults
// are not; everything else (venue, timeout, persistence, unknown) is.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !Is(err, CodeIntegrity) && !Is(err, CodeInvalid)
}
