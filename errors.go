package openiap

import (
	"errors"
	"fmt"
)

// ErrorKind classifies binding errors.
type ErrorKind int

const (
	// KindPrecondition: the client was closed, never connected or was
	// given an unusable argument.
	KindPrecondition ErrorKind = iota
	// KindNoResponse: the native call returned NULL.
	KindNoResponse
	// KindApplication: the native side reported success=false.
	KindApplication
	// KindTimeout: a bounded wait expired.
	KindTimeout
	// KindDecode: a response could not be decoded into the requested value.
	KindDecode
	// KindValidation: a document failed its collection schema.
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindNoResponse:
		return "no response"
	case KindApplication:
		return "application"
	case KindTimeout:
		return "timeout"
	case KindDecode:
		return "decode"
	case KindValidation:
		return "validation"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is returned by every Client and Binding operation.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch e.Kind {
	case KindNoResponse:
		return fmt.Sprintf("%s: no response from native library", e.Op)
	case KindApplication:
		return fmt.Sprintf("%s failed: %s", e.Op, msg)
	case KindTimeout:
		return fmt.Sprintf("%s: timed out: %s", e.Op, msg)
	case KindDecode:
		return fmt.Sprintf("%s: decode: %s", e.Op, msg)
	case KindValidation:
		return fmt.Sprintf("%s: validation: %s", e.Op, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the same kind, so errors.Is(err, ErrTimeout)
// holds for every timeout regardless of operation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" {
		return false
	}
	if t.Message != "" && t.Message != e.Message {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNoResponse = &Error{Kind: KindNoResponse}
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrDecode     = &Error{Kind: KindDecode}
	ErrValidation = &Error{Kind: KindValidation}

	// ErrClosed and ErrNotConnected are preconditions; they match by message.
	ErrClosed       = &Error{Kind: KindPrecondition, Message: "client is closed"}
	ErrNotConnected = &Error{Kind: KindPrecondition, Message: "client is not connected"}

	// ErrApplication matches any error the native side reported.
	ErrApplication = &Error{Kind: KindApplication}
)

func newError(kind ErrorKind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

func wrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

func closedError(op string) error {
	return &Error{Kind: KindPrecondition, Op: op, Message: ErrClosed.Message}
}

func notConnectedError(op string) error {
	return &Error{Kind: KindPrecondition, Op: op, Message: ErrNotConnected.Message}
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
