package call

import (
	"errors"
	"fmt"
)

// Classification of call failures.
type Kind string

const (
	// The user or the OS refused access to the camera or microphone, or no device is available.
	KindCaptureDenied Kind = "CaptureDenied"
	// The peer connection could not produce or consume an offer or answer.
	KindNegotiationFailed Kind = "NegotiationFailed"
	// The session store rejected (or failed) a read or a write.
	KindSessionWriteFailed Kind = "SessionWriteFailed"
	// A required identifier, state or stored offer is missing.
	KindPreconditionMissing Kind = "PreconditionMissing"
	// The remote participant did not respond in time, or negotiation took too long.
	KindTimeout Kind = "Timeout"
)

// A classified failure of a call operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Matches the bare kind errors below, so that `errors.Is(err, ErrCaptureDenied)` works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrCaptureDenied       = &Error{Kind: KindCaptureDenied}
	ErrNegotiationFailed   = &Error{Kind: KindNegotiationFailed}
	ErrSessionWriteFailed  = &Error{Kind: KindSessionWriteFailed}
	ErrPreconditionMissing = &Error{Kind: KindPreconditionMissing}
	ErrTimeout             = &Error{Kind: KindTimeout}
)

var (
	ErrCallActive       = errors.New("a call is already in progress")
	ErrNotIncoming      = errors.New("there is no incoming call")
	ErrAcceptInProgress = errors.New("the call is already being accepted")
	ErrOfferMissing     = errors.New("call session has no offer")
	ErrNotCallee        = errors.New("call session is addressed to another participant")
	ErrNotRinging       = errors.New("call session is no longer ringing")
	ErrNoAnswer         = errors.New("remote participant did not answer")
	ErrConnectionFailed = errors.New("peer connection failed")
	// Returned by StartCall and AcceptCall when the attempt was ended while they were in flight.
	ErrAttemptCancelled = errors.New("call attempt was cancelled")
	ErrClosed           = errors.New("call coordinator is closed")
)

// Returns the kind of a classified error.
func KindOf(err error) (Kind, bool) {
	var callErr *Error
	if errors.As(err, &callErr) {
		return callErr.Kind, true
	}
	return "", false
}
