package device

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// go.bug.st/serial ports implement it; a read that times out returns 0, nil.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// PortFactory opens serial ports. It is injected so sessions, port
// enumeration and the controller can run against test doubles.
type PortFactory interface {
	// Open opens a serial port at the specified path with the given options.
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// PortFactoryFunc adapts a function to PortFactory.
type PortFactoryFunc func(path string, opts PortOptions) (SerialPorter, error)

// Open calls f.
func (f PortFactoryFunc) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}

// RealPortFactory opens hardware ports through go.bug.st/serial.
type RealPortFactory struct{}

// Open opens path with the serial mode derived from opts.
func (RealPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}
