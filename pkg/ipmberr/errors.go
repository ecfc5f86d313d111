// Package ipmberr defines the closed error-kind taxonomy shared by every
// layer of the bus: transport, rendezvous, controller and endpoint.
//
// Structured errors with a Kind and contextual fields rather than bare
// errors.New strings: callers across process/OS boundaries only ever
// need the Kind, not the originating OS error text.
package ipmberr

import "fmt"

// Kind enumerates the closed error taxonomy. Kinds are not Go types:
// a single Error carries one Kind plus optional context.
type Kind int

const (
	KindUnknown Kind = iota
	KindEncode
	KindDecode
	KindTypeUUIDNotFound
	KindTimeout
	KindDisconnect
	KindVersionMismatch
	KindTokenMismatch
	KindPermissionDenied
	KindIdentifierInUse
	KindIdentifierNotInUse
	KindMemoryRegionMapping
)

func (k Kind) String() string {
	switch k {
	case KindEncode:
		return "encode"
	case KindDecode:
		return "decode"
	case KindTypeUUIDNotFound:
		return "type_uuid_not_found"
	case KindTimeout:
		return "timeout"
	case KindDisconnect:
		return "disconnect"
	case KindVersionMismatch:
		return "version_mismatch"
	case KindTokenMismatch:
		return "token_mismatch"
	case KindPermissionDenied:
		return "permission_denied"
	case KindIdentifierInUse:
		return "identifier_in_use"
	case KindIdentifierNotInUse:
		return "identifier_not_in_use"
	case KindMemoryRegionMapping:
		return "memory_region_mapping"
	default:
		return "unknown"
	}
}

// Error is a structured error carrying a Kind, a human-readable message,
// an optional wrapped cause (not surfaced across the caller boundary,
// but useful for local logging), and optional context such as the
// remote peer's Version on a mismatch.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, ipmberr.New(kind, "")) by comparing Kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithContext attaches a context field and returns the receiver.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Of reports the Kind of err if it is (or wraps) an *Error, else KindUnknown.
func Of(err error) Kind {
	var e *Error
	for err != nil {
		if ie, ok := err.(*Error); ok {
			e = ie
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return KindUnknown
	}
	return e.Kind
}

// Is reports whether err's Kind equals kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
