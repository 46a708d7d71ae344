// Package errors contains the typed errors returned to callers of the enforcement
// and routing layer. Every error carries a Kind that callers can match with
// errors.Is against the exported sentinels, and a gRPC status code.
package errors

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const InternalServerErrorMsg = "Internal Server Error"

// Kind classifies an Error.
type Kind string

const (
	KindPolicyNotFound    Kind = "policy-not-found"
	KindUnauthorized      Kind = "unauthorized"
	KindTransient         Kind = "transient"
	KindLiveTimeout       Kind = "live-timeout"
	KindProtocolViolation Kind = "protocol-violation"
	KindMalformedCommand  Kind = "malformed-command"
	KindTwinNotFound      Kind = "twin-not-found"
	KindRateLimited       Kind = "rate-limited"
	KindQueueFull         Kind = "queue-full"
	KindInternal          Kind = "internal"
)

var (
	ErrPolicyNotFound    = &Error{Kind: KindPolicyNotFound, Message: "policy not found"}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized, Message: "permission denied"}
	ErrTransient         = &Error{Kind: KindTransient, Message: "temporarily unavailable"}
	ErrLiveTimeout       = &Error{Kind: KindLiveTimeout, Message: "no live response within deadline"}
	ErrProtocolViolation = &Error{Kind: KindProtocolViolation, Message: "protocol violation"}
	ErrMalformedCommand  = &Error{Kind: KindMalformedCommand, Message: "malformed command"}
	ErrTwinNotFound      = &Error{Kind: KindTwinNotFound, Message: "twin not found"}
	ErrRateLimited       = &Error{Kind: KindRateLimited, Message: "too many requests"}
	ErrQueueFull         = &Error{Kind: KindQueueFull, Message: "inbound queue full"}
	ErrInternal          = &Error{Kind: KindInternal, Message: InternalServerErrorMsg}
)

var kindCodes = map[Kind]codes.Code{
	KindPolicyNotFound:    codes.NotFound,
	KindUnauthorized:      codes.PermissionDenied,
	KindTransient:         codes.Unavailable,
	KindLiveTimeout:       codes.DeadlineExceeded,
	KindProtocolViolation: codes.FailedPrecondition,
	KindMalformedCommand:  codes.InvalidArgument,
	KindTwinNotFound:      codes.NotFound,
	KindRateLimited:       codes.ResourceExhausted,
	KindQueueFull:         codes.ResourceExhausted,
	KindInternal:          codes.Internal,
}

// Error is the error envelope delivered to callers. Only the exported fields
// travel between replicas; the cause stays local.
type Error struct {
	Kind          Kind   `cbor:"kind" json:"kind"`
	Message       string `cbor:"message" json:"message"`
	EntityID      string `cbor:"entity_id,omitempty" json:"entity_id,omitempty"`
	CorrelationID string `cbor:"correlation_id,omitempty" json:"correlation_id,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s: %s (entity '%s')", e.Kind, e.Message, e.EntityID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether the caller may resubmit the command unchanged.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransient, KindRateLimited, KindQueueFull, KindLiveTimeout:
		return true
	default:
		return false
	}
}

// Code returns the gRPC code for the error kind.
func (e *Error) Code() codes.Code {
	if c, ok := kindCodes[e.Kind]; ok {
		return c
	}
	return codes.Unknown
}

// GRPCStatus allows status.FromError and status.Code to be used on an *Error.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code(), e.Error())
}

// WithCorrelation returns a copy of the error bound to a signal.
func (e *Error) WithCorrelation(entityID, correlationID string) *Error {
	c := *e
	if entityID != "" {
		c.EntityID = entityID
	}
	c.CorrelationID = correlationID
	return &c
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

func PolicyNotFound(entityID string) *Error {
	err := newError(KindPolicyNotFound, nil, "no policy found for entity")
	err.EntityID = entityID
	return err
}

func Unauthorized(entityID, resource, permission string) *Error {
	err := newError(KindUnauthorized, nil, "the subjects are not allowed to %s '%s'", permission, resource)
	err.EntityID = entityID
	return err
}

// Transient wraps an error that survived all internal retries.
func Transient(cause error, what string) *Error {
	return newError(KindTransient, cause, "%s is temporarily unavailable", what)
}

func LiveTimeout(timeout time.Duration) *Error {
	return newError(KindLiveTimeout, nil, "no live response was received within '%s'", timeout)
}

func ProtocolViolation(correlationID string) *Error {
	err := newError(KindProtocolViolation, nil, "a live query with correlation id '%s' is already pending", correlationID)
	err.CorrelationID = correlationID
	return err
}

func MalformedCommand(cause error) *Error {
	return newError(KindMalformedCommand, cause, "%s", cause)
}

func TwinNotFound(entityID string) *Error {
	err := newError(KindTwinNotFound, nil, "the twin could not be found")
	err.EntityID = entityID
	return err
}

func RateLimited(reason string) *Error {
	return newError(KindRateLimited, nil, "%s", reason)
}

func QueueFull(capacity int) *Error {
	return newError(KindQueueFull, nil, "the inbound queue is at its capacity of %d", capacity)
}

// NewInternalError hides internal details from users. Use `public` to return an error message to the user.
func NewInternalError(public string, internal error) *Error {
	if public == "" {
		public = InternalServerErrorMsg
	}
	return newError(KindInternal, internal, "%s", public)
}

// HandleError converts an arbitrary error into an *Error, keeping it as the cause.
func HandleError(public string, err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return NewInternalError(public, err)
}
