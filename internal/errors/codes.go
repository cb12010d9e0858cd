package errors

import (
	"errors"
	"fmt"
)

// Kind is the stable string identifier for a pipeline error. Clients
// branch on the kind, so renaming a kind is a wire-compatibility break.
type Kind string

const (
	KindUnknownService     Kind = "classify.unknownService"
	KindMissingField       Kind = "classify.missingField"
	KindBadEncoding        Kind = "classify.badEncoding"
	KindUnauthorizedOrigin Kind = "classify.unauthorizedOrigin"
	KindOverloaded         Kind = "overloaded"
	KindTimeout            Kind = "timeout"
	KindNotImplemented     Kind = "notImplemented"
	KindNotLoadable        Kind = "notLoadable"
	KindClockSkew          Kind = "clockSkew"
	KindStorageTransient   Kind = "storage.transient"
	KindStoragePermanent   Kind = "storage.permanent"
	KindUnauthorized       Kind = "unauthorized"
	KindNotFound           Kind = "notFound"
	KindSchemaViolation    Kind = "schemaViolation"
	KindShuttingDown       Kind = "shuttingDown"
	KindOvercapacity       Kind = "overcapacity"
)

// Error is a structured pipeline error with a stable kind and context.
type Error struct {
	Kind    Kind
	Message string
	CallID  string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// WithCallID tags the error with the originating call.
func (e *Error) WithCallID(callID string) *Error {
	e.CallID = callID
	return e
}

// Convenience constructors for common errors

func UnknownService(service string) *Error {
	return New(KindUnknownService, fmt.Sprintf("unknown service '%s'", service), nil).
		WithDetail("service", service)
}

func MissingField(field string) *Error {
	return New(KindMissingField, fmt.Sprintf("missing required field '%s'", field), nil).
		WithDetail("field", field)
}

func BadEncoding(cause error) *Error {
	return New(KindBadEncoding, "malformed message encoding", cause)
}

func UnauthorizedOrigin(origin string) *Error {
	return New(KindUnauthorizedOrigin, fmt.Sprintf("origin '%s' may not invoke this operation", origin), nil).
		WithDetail("origin", origin)
}

func Overloaded(limit int64) *Error {
	return New(KindOverloaded, fmt.Sprintf("node at concurrency limit %d", limit), nil).
		WithDetail("limit", limit)
}

func Timeout(timeoutMillis int64) *Error {
	return New(KindTimeout, fmt.Sprintf("operation exceeded %dms", timeoutMillis), nil).
		WithDetail("timeout_ms", timeoutMillis)
}

func NotImplemented(service, callID string) *Error {
	return New(KindNotImplemented, fmt.Sprintf("no handler registered for service '%s'", service), nil).
		WithDetail("service", service).
		WithCallID(callID)
}

func NotLoadable(mapName, key string) *Error {
	return New(KindNotLoadable, fmt.Sprintf("key '%s' in map '%s' has unflushed queued writes", key, mapName), nil).
		WithDetail("map", mapName).
		WithDetail("key", key)
}

func ClockSkew(remoteMillis, wallMillis, maxSkewMillis int64) *Error {
	return New(KindClockSkew, fmt.Sprintf("remote clock %dms outside tolerated skew %dms", remoteMillis-wallMillis, maxSkewMillis), nil).
		WithDetail("remote_ms", remoteMillis).
		WithDetail("wall_ms", wallMillis).
		WithDetail("max_skew_ms", maxSkewMillis)
}

func StorageTransient(message string, cause error) *Error {
	return New(KindStorageTransient, message, cause)
}

func StoragePermanent(message string, cause error) *Error {
	return New(KindStoragePermanent, message, cause)
}

func NotFound(mapName, key string) *Error {
	return New(KindNotFound, fmt.Sprintf("key '%s' not found in map '%s'", key, mapName), nil).
		WithDetail("map", mapName).
		WithDetail("key", key)
}

func SchemaViolation(mapName, reason string) *Error {
	return New(KindSchemaViolation, fmt.Sprintf("map '%s': %s", mapName, reason), nil).
		WithDetail("map", mapName)
}

func ShuttingDown() *Error {
	return New(KindShuttingDown, "node is draining", nil)
}

func Overcapacity(cost, limit int64) *Error {
	return New(KindOvercapacity, fmt.Sprintf("engine cost %d exceeds limit %d with spill disabled", cost, limit), nil).
		WithDetail("cost", cost).
		WithDetail("limit", limit)
}

// KindOf extracts the kind from an error, unwrapping as needed.
// Unclassified errors report as permanent storage failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStoragePermanent
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the error may succeed on retry.
func IsRetryable(err error) bool {
	return KindOf(err) == KindStorageTransient
}
