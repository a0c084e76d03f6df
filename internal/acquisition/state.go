package acquisition

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the current connection state. Nothing is written and no event emitted.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrClosed is returned by operations on a closed Controller.
	ErrClosed = errors.New("controller closed")
)

// State is the controller's connection state.
type State int32

const (
	Disconnected State = iota
	Connected
	Capturing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Capturing:
		return "capturing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrorKind is the error taxonomy visible to presentation.
type ErrorKind int

const (
	// ErrorPortUnavailable means the port could not be opened.
	ErrorPortUnavailable ErrorKind = iota + 1
	// ErrorCommandFailed means a start or stop command could not be written.
	ErrorCommandFailed
	// ErrorConnectionLost means the link failed while a session was live.
	ErrorConnectionLost
	// ErrorInvalidOptions means the configured serial options were rejected
	// before any port was touched.
	ErrorInvalidOptions
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorPortUnavailable:
		return "port_unavailable"
	case ErrorCommandFailed:
		return "command_failed"
	case ErrorConnectionLost:
		return "connection_lost"
	case ErrorInvalidOptions:
		return "invalid_options"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// MarshalText renders the kind name.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func transitionError(op string, from State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, op, from)
}
