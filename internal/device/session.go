// Package device owns the serial link to the spectrometer: opening and
// releasing the port, sending the capture commands, and the receive loop that
// turns incoming lines into frames.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MIGO-OvO/TSL1401CL/internal/frame"
	"github.com/MIGO-OvO/TSL1401CL/internal/monitoring"
)

// Commands understood by the spectrometer firmware.
const (
	CommandStart byte = 'S'
	CommandStop  byte = 'X'
)

var (
	ErrPortUnavailable = errors.New("serial port unavailable")
	ErrWriteFailed     = errors.New("failed to write to serial port")
	ErrSessionClosed   = errors.New("serial session closed")
	ErrConnectionLost  = errors.New("serial connection lost")
	ErrUnknownCommand  = errors.New("unknown device command")
	ErrInvalidOptions  = errors.New("invalid serial options")
)

// Gate tells the receive loop whether lines should be decoded. Epoch
// identifies the capture run the gate belongs to and is stamped on every
// frame read while it is open.
type Gate struct {
	Open  bool
	Epoch uint64
}

// EventKind classifies receive loop output.
type EventKind int

const (
	// EventFrame carries a successfully decoded frame.
	EventFrame EventKind = iota
	// EventDropped reports a line the codec rejected.
	EventDropped
	// EventConnectionLost is the last event of a loop that hit a port fault.
	EventConnectionLost
)

// Event is a message from the receive loop to its consumer.
type Event struct {
	Kind  EventKind
	Frame frame.Raw
	Epoch uint64
	Err   error
}

// Session is one open connection to the device. The port handle belongs to
// the session and is released exactly once by Close.
type Session struct {
	id   string
	name string
	opts PortOptions
	port SerialPorter

	commandMu sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens name through factory. Any failure, including failure to apply
// the read timeout after the port opened, leaves no handle behind.
func Open(factory PortFactory, name string, opts PortOptions) (*Session, error) {
	normalized, err := opts.Normalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	port, err := factory.Open(name, normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPortUnavailable, name, err)
	}

	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(normalized.ReadTimeout); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("%w: %s: set read timeout: %w", ErrPortUnavailable, name, err)
		}
	}

	s := &Session{
		id:   uuid.NewString(),
		name: name,
		opts: normalized,
		port: port,
	}
	monitoring.Logger().Infow("serial port opened", "port", name, "session", s.id, "baud", normalized.BaudRate)
	return s, nil
}

// ID uniquely identifies this session.
func (s *Session) ID() string { return s.id }

// Name is the port the session was opened on.
func (s *Session) Name() string { return s.name }

// Options returns the normalized options the port was opened with.
func (s *Session) Options() PortOptions { return s.opts }

// SendStartCommand asks the device to begin streaming frames.
func (s *Session) SendStartCommand() error { return s.SendCommand(CommandStart) }

// SendStopCommand asks the device to stop streaming frames.
func (s *Session) SendStopCommand() error { return s.SendCommand(CommandStop) }

// SendCommand writes a single command byte to the device.
func (s *Session) SendCommand(cmd byte) error {
	if cmd != CommandStart && cmd != CommandStop {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	if s.closed.Load() {
		return ErrSessionClosed
	}

	n, err := s.port.Write([]byte{cmd})
	if err != nil {
		return fmt.Errorf("%w: command %q: %w", ErrWriteFailed, cmd, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: command %q: short write", ErrWriteFailed, cmd)
	}
	monitoring.Logger().Debugw("command sent", "port", s.name, "command", string(cmd))
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed.Load() }

// Close releases the port. Only the first call touches the handle; later
// calls return the same result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.port.Close()
		if s.closeErr != nil {
			monitoring.Logger().Warnw("serial port close failed", "port", s.name, "session", s.id, "error", s.closeErr)
			return
		}
		monitoring.Logger().Infow("serial port released", "port", s.name, "session", s.id)
	})
	return s.closeErr
}

// ReceiveLoop reads lines until ctx is cancelled or the port faults.
//
// The loop keeps the most recent Gate received on gate and consults it each
// time a line completes. While the gate is closed, lines are read and
// discarded so the device's buffered output does not pile up. While it is
// open, each line is decoded and the result sent on out. Senders keep at most
// one pending value in gate.
//
// A port fault while ctx is live emits EventConnectionLost, releases the port
// and returns an error wrapping ErrConnectionLost. Cancellation returns
// ctx.Err() and leaves releasing the port to the caller.
func (s *Session) ReceiveLoop(ctx context.Context, gate <-chan Gate, out chan<- Event) error {
	lines := newLineReader(s.port, maxLineLength)
	var current Gate

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := lines.next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.closed.Load() {
				return ErrSessionClosed
			}

			lost := fmt.Errorf("%w: %s: %w", ErrConnectionLost, s.name, err)
			monitoring.Logger().Warnw("serial receive loop stopped", "port", s.name, "session", s.id, "error", err)
			s.send(ctx, out, Event{Kind: EventConnectionLost, Err: lost})
			_ = s.Close()
			return lost
		}
		if line == nil {
			continue
		}
		select {
		case g := <-gate:
			current = g
		default:
		}
		if !current.Open {
			continue
		}

		raw, perr := frame.ParseLine(line)
		ev := Event{Kind: EventFrame, Frame: raw, Epoch: current.Epoch}
		if perr != nil {
			ev = Event{Kind: EventDropped, Epoch: current.Epoch, Err: perr}
		}
		if !s.send(ctx, out, ev) {
			return ctx.Err()
		}
	}
}

func (s *Session) send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("%s@%d", s.name, s.opts.BaudRate)
}
