// Package errs defines the error kinds that cross the dispatcher boundary.
//
// Every component (session, room, membership, messagelog) returns a *Error
// with one of the Kinds below instead of an ad-hoc sentinel or a panic; the
// dispatcher maps the Kind directly onto an outbound error frame. Internal
// invariant violations never go through this type — those are fatal and go
// through logging.Fatal instead.
package errs

import "fmt"

// Kind enumerates the error categories surfaced across the core boundary.
type Kind string

const (
	NotFound        Kind = "NotFound"
	Forbidden       Kind = "Forbidden"
	Conflict        Kind = "Conflict"
	Protected       Kind = "Protected"
	BadRequest      Kind = "BadRequest"
	Gone            Kind = "Gone"
	TransportFailed Kind = "TransportFailed"
)

// Error is the typed error returned by core components. It never wraps a
// lower-level error; it is the leaf.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an *Error of the given Kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// KindOf extracts the Kind of err, defaulting to BadRequest for untyped
// errors reaching a boundary that expects one (should not normally happen).
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return BadRequest
}
