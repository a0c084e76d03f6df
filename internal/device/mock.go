package device

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// errPortClosed is what TestablePort returns once closed.
var errPortClosed = errors.New("serial port closed")

// TestablePort implements TimeoutSerialPorter with configurable behaviour for
// testing. An empty read buffer behaves like an expired read timeout: Read
// waits EmptyReadDelay and returns 0, nil.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// EmptyReadDelay is how long Read waits when there is nothing to return
	EmptyReadDelay time.Duration

	// ReadError is returned by the next Read call once buffered data is consumed
	ReadError error

	// WriteError is returned by every Write call while set
	WriteError error

	// ShortWrite makes Write report zero bytes written without an error
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// TimeoutError is returned by SetReadTimeout if set
	TimeoutError error

	// Closed indicates whether Close was called
	Closed bool

	// CloseCalls records the number of Close calls
	CloseCalls int

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration
}

// NewTestablePort creates a new TestablePort for testing.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		ReadBuffer:     bytes.NewBuffer(nil),
		WriteBuffer:    bytes.NewBuffer(nil),
		EmptyReadDelay: 2 * time.Millisecond,
	}
}

// Read returns buffered data, then any injected error, then timeouts.
func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	t.ReadCalls++

	if t.Closed {
		t.mu.Unlock()
		return 0, errPortClosed
	}
	if t.ReadBuffer.Len() > 0 {
		defer t.mu.Unlock()
		return t.ReadBuffer.Read(p)
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		t.mu.Unlock()
		return 0, err
	}
	delay := t.EmptyReadDelay
	t.mu.Unlock()

	time.Sleep(delay)
	return 0, nil
}

// Write records p unless an error is injected.
func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		return 0, t.WriteError
	}
	if t.ShortWrite {
		return 0, nil
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.CloseCalls++
	t.Closed = true
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.TimeoutError != nil {
		return t.TimeoutError
	}
	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
}

// FailNextRead makes the next Read after buffered data return err.
func (t *TestablePort) FailNextRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadError = err
}

// SetWriteError makes every subsequent Write fail with err (nil clears it).
func (t *TestablePort) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WriteError = err
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestablePort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// CloseCount returns the number of Close calls.
func (t *TestablePort) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CloseCalls
}

// IsClosed reports whether Close was called.
func (t *TestablePort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// MockPortFactory implements PortFactory for testing.
type MockPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// NewPort, when set, builds a fresh port for every Open call
	NewPort func(path string) SerialPorter

	// Error is returned by Open if set
	Error error

	// PathErrors fails Open for specific paths
	PathErrors map[string]error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockPortFactory creates a new MockPortFactory.
func NewMockPortFactory(port SerialPorter) *MockPortFactory {
	return &MockPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Opts: opts})

	if err, ok := f.PathErrors[path]; ok {
		return nil, err
	}
	if f.Error != nil {
		return nil, f.Error
	}
	if f.NewPort != nil {
		return f.NewPort(path), nil
	}
	return f.Port, nil
}

// SetError changes the error returned by Open.
func (f *MockPortFactory) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Error = err
}

// Calls returns the number of Open calls.
func (f *MockPortFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.OpenCalls)
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	c := f.OpenCalls[len(f.OpenCalls)-1]
	return &c
}
