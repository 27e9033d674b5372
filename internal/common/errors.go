package common

import "fmt"

// Kind classifies an error so the REST and WebSocket surfaces can map it to
// an HTTP status or an ERROR frame code without string matching.
type Kind string

const (
	KindUnknownSymbol       Kind = "UNKNOWN_SYMBOL"
	KindInvalidOrder        Kind = "INVALID_ORDER"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindNotFound            Kind = "NOT_FOUND"
	KindForbidden           Kind = "FORBIDDEN"
	KindFOKUnfillable       Kind = "FOK_UNFILLABLE"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindMalformed           Kind = "MALFORMED"
	KindUnknownMessageType  Kind = "UNKNOWN_MESSAGE_TYPE"
	KindInternal            Kind = "INTERNAL"
)

type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// E builds a kinded error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from an error, defaulting to INTERNAL for
// anything that did not originate in this module's taxonomy.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindInternal
}
