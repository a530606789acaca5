package protocol

import (
	"errors"
	"fmt"
)

// Error is the error type returned across the handshake. Kind decides which of
// the four error families it belongs to; Op names the failing step.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for Error. Two errors match when their kinds match,
// so errors.Is(err, ErrProtocol) holds for every protocol failure.
func (e *Error) Is(target error) bool {
	var pe *Error
	if errors.As(target, &pe) {
		return e.Kind == pe.Kind
	}
	return false
}

// Sentinel errors, one per kind.
var (
	ErrFormat         = &Error{Kind: KindFormat}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrProtocol       = &Error{Kind: KindProtocol}
)

// NewError creates an Error of the given kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FormatError wraps err as a FormatError.
func FormatError(op string, err error) error {
	return NewError(KindFormat, op, err)
}

// ValidationError wraps err as a ValidationError.
func ValidationError(op string, err error) error {
	return NewError(KindValidation, op, err)
}

// AuthenticationError wraps err as an AuthenticationError.
func AuthenticationError(op string, err error) error {
	return NewError(KindAuthentication, op, err)
}

// ProtocolError wraps err as a ProtocolError. When err already carries a
// kind it is kept in the chain, so errors.Is still finds it.
func ProtocolError(op string, err error) error {
	return NewError(KindProtocol, op, err)
}

// KindOf returns the outermost kind found in the error chain, or 0.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// HasKind reports whether any error in the chain has the given kind.
func HasKind(err error, kind Kind) bool {
	for err != nil {
		var pe *Error
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Kind == kind {
			return true
		}
		err = pe.Err
	}
	return false
}
