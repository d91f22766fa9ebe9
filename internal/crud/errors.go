package crud

import "fmt"

// ErrorKind is the machine-readable classification surfaced to callers.
type ErrorKind string

const (
	// KindInvalidArguments reports a malformed query envelope.
	KindInvalidArguments ErrorKind = "InvalidArguments"
	// KindInvalidModelType reports a type absent from the schema.
	KindInvalidModelType ErrorKind = "CRUDInvalidModelType"
	// KindInvalidParams reports missing or mistyped query parameters.
	KindInvalidParams ErrorKind = "CRUDInvalidParams"
	// KindInvalidOperation reports an operation the data model forbids.
	KindInvalidOperation ErrorKind = "CRUDInvalidOperation"
	// KindPublishNotAllowed reports an outside publish to a crud> channel.
	KindPublishNotAllowed ErrorKind = "CRUDPublishNotAllowedError"
	// KindSubscribeFailed reports a resource-channel subscription failure
	// while reads were buffered behind it.
	KindSubscribeFailed ErrorKind = "FailedToSubscribeToResourceChannel"
	// KindStoreError wraps a store I/O failure; the raw cause is logged and
	// callers see the sanitized message.
	KindStoreError ErrorKind = "CRUDStoreError"
)

// Error is the typed error of the CRUD layer.
type Error struct {
	kind    ErrorKind
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.message == "" {
		return string(e.kind)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Kind returns the error classification.
func (e *Error) Kind() ErrorKind {
	return e.kind
}

func newError(kind ErrorKind, message string) *Error {
	return &Error{kind: kind, message: message}
}

func newStoreError(cause error) *Error {
	return &Error{kind: KindStoreError, message: "storage operation failed", cause: cause}
}
