package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway failure taxonomy. A *Error matches
// exactly one of them under errors.Is.
var (
	ErrNetwork            = errors.New("auth service unreachable")
	ErrInvalidCredentials = errors.New("request rejected by auth service")
	ErrServer             = errors.New("auth service error")
)

// Kind classifies a gateway failure.
type Kind int

const (
	KindNetwork Kind = iota
	KindInvalidCredentials
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindServer:
		return "server"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidCredentials:
		return ErrInvalidCredentials
	case KindServer:
		return ErrServer
	default:
		return ErrNetwork
	}
}

// Error is returned by every Client operation.
type Error struct {
	Kind Kind
	// Op is the operation name, e.g. "authenticate".
	Op string
	// Status is the HTTP status, zero when no response arrived.
	Status int
	// Message is the server's message when it sent one.
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Op, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Message returns the server-supplied message carried by err, or "".
func Message(err error) string {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Message
	}
	return ""
}
