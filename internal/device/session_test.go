package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MIGO-OvO/TSL1401CL/internal/frame"
	"github.com/MIGO-OvO/TSL1401CL/internal/testutil"
)

func openTestSession(t *testing.T) (*Session, *TestablePort) {
	t.Helper()
	port := NewTestablePort()
	s, err := Open(NewMockPortFactory(port), "/dev/ttyUSB0", PortOptions{})
	require.NoError(t, err)
	return s, port
}

func runLoop(t *testing.T, s *Session) (chan<- Gate, <-chan Event, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	gate := make(chan Gate, 1)
	out := make(chan Event, 8)
	done := make(chan error, 1)
	go func() { done <- s.ReceiveLoop(ctx, gate, out) }()
	t.Cleanup(cancel)
	return gate, out, cancel, done
}

func nextEvent(t *testing.T, out <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for receive loop event")
		return Event{}
	}
}

func TestOpen_AppliesOptionsAndTimeout(t *testing.T) {
	port := NewTestablePort()
	factory := NewMockPortFactory(port)

	s, err := Open(factory, "/dev/ttyACM0", PortOptions{ReadTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", s.Name())
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, 115200, s.Options().BaudRate)
	assert.Equal(t, 200*time.Millisecond, port.ReadTimeout)
	require.NotNil(t, factory.LastCall())
	assert.Equal(t, "/dev/ttyACM0", factory.LastCall().Path)
	assert.Equal(t, "/dev/ttyACM0@115200", s.String())
}

func TestOpen_FactoryFailure(t *testing.T) {
	factory := NewMockPortFactory(nil)
	factory.SetError(errors.New("permission denied"))

	s, err := Open(factory, "/dev/ttyUSB3", PortOptions{})
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrPortUnavailable)
	assert.Contains(t, err.Error(), "/dev/ttyUSB3")
	assert.Contains(t, err.Error(), "permission denied")
}

func TestOpen_TimeoutFailureReleasesPort(t *testing.T) {
	port := NewTestablePort()
	port.TimeoutError = errors.New("ioctl failed")

	_, err := Open(NewMockPortFactory(port), "/dev/ttyUSB0", PortOptions{})
	assert.ErrorIs(t, err, ErrPortUnavailable)
	assert.True(t, port.IsClosed())
}

func TestOpen_InvalidOptions(t *testing.T) {
	factory := NewMockPortFactory(NewTestablePort())
	_, err := Open(factory, "/dev/ttyUSB0", PortOptions{BaudRate: 1})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	assert.NotErrorIs(t, err, ErrPortUnavailable)
	assert.Zero(t, factory.Calls())
}

func TestSession_SendCommands(t *testing.T) {
	s, port := openTestSession(t)

	require.NoError(t, s.SendStartCommand())
	require.NoError(t, s.SendStopCommand())
	assert.Equal(t, []byte("SX"), port.GetWrittenData())

	err := s.SendCommand('Q')
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.Equal(t, []byte("SX"), port.GetWrittenData())
}

func TestSession_SendCommandFailures(t *testing.T) {
	s, port := openTestSession(t)

	port.SetWriteError(errors.New("EIO"))
	assert.ErrorIs(t, s.SendStartCommand(), ErrWriteFailed)

	port.SetWriteError(nil)
	port.ShortWrite = true
	assert.ErrorIs(t, s.SendStopCommand(), ErrWriteFailed)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s, port := openTestSession(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, s.Closed())
	assert.Equal(t, 1, port.CloseCount())

	assert.ErrorIs(t, s.SendStartCommand(), ErrSessionClosed)
	assert.Empty(t, port.GetWrittenData())
}

func TestSession_CloseErrorIsSticky(t *testing.T) {
	s, port := openTestSession(t)
	port.CloseError = errors.New("busy")

	assert.EqualError(t, s.Close(), "busy")
	assert.EqualError(t, s.Close(), "busy")
	assert.Equal(t, 1, port.CloseCount())
}

func TestReceiveLoop_DecodesWhileGateOpen(t *testing.T) {
	s, port := openTestSession(t)
	gate, out, cancel, done := runLoop(t, s)

	gate <- Gate{Open: true, Epoch: 7}
	port.AddReadData([]byte(testutil.FrameLine(testutil.RampValues(frame.Length))))

	ev := nextEvent(t, out)
	require.Equal(t, EventFrame, ev.Kind)
	assert.Equal(t, uint64(7), ev.Epoch)
	assert.Equal(t, 0, ev.Frame[0])
	assert.Equal(t, 127, ev.Frame[127])

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, port.IsClosed(), "cancellation leaves the port to the owner")
}

func TestReceiveLoop_DropsMalformedLines(t *testing.T) {
	s, port := openTestSession(t)
	gate, out, _, _ := runLoop(t, s)

	gate <- Gate{Open: true, Epoch: 1}
	port.AddReadData([]byte(testutil.FrameLine(testutil.ConstantValues(127, 5))))

	ev := nextEvent(t, out)
	assert.Equal(t, EventDropped, ev.Kind)
	assert.ErrorIs(t, ev.Err, frame.ErrWrongLength)
}

func TestReceiveLoop_DropsEmptyLines(t *testing.T) {
	s, port := openTestSession(t)
	gate, out, _, _ := runLoop(t, s)

	gate <- Gate{Open: true, Epoch: 1}
	port.AddReadData([]byte("\r\n"))

	ev := nextEvent(t, out)
	assert.Equal(t, EventDropped, ev.Kind)
	assert.ErrorIs(t, ev.Err, frame.ErrEmptyLine)
}

func TestReceiveLoop_DiscardsWhileGateClosed(t *testing.T) {
	s, port := openTestSession(t)
	gate, out, _, _ := runLoop(t, s)

	port.AddReadData([]byte(testutil.FrameLine(testutil.ConstantValues(frame.Length, 1))))
	require.Eventually(t, func() bool {
		port.mu.Lock()
		defer port.mu.Unlock()
		return port.ReadBuffer.Len() == 0
	}, time.Second, 5*time.Millisecond)

	select {
	case ev := <-out:
		t.Fatalf("unexpected event while gate closed: %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}

	gate <- Gate{Open: true, Epoch: 2}
	port.AddReadData([]byte(testutil.FrameLine(testutil.ConstantValues(frame.Length, 9))))
	ev := nextEvent(t, out)
	assert.Equal(t, EventFrame, ev.Kind)
	assert.Equal(t, uint64(2), ev.Epoch)
	assert.Equal(t, 9, ev.Frame[64])
}

func TestReceiveLoop_PortFaultReportsConnectionLost(t *testing.T) {
	s, port := openTestSession(t)
	_, out, _, done := runLoop(t, s)

	port.FailNextRead(errors.New("device disconnected"))

	ev := nextEvent(t, out)
	assert.Equal(t, EventConnectionLost, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrConnectionLost)

	err := <-done
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.True(t, s.Closed())
	assert.Equal(t, 1, port.CloseCount())
}

func TestReceiveLoop_CloseDuringReadIsNotAFault(t *testing.T) {
	s, _ := openTestSession(t)
	_, out, _, done := runLoop(t, s)

	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not stop after Close")
	}
	assert.Empty(t, out)
}

func TestReceiveLoop_CancelUnblocksPendingSend(t *testing.T) {
	s, port := openTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	gate := make(chan Gate, 1)
	out := make(chan Event) // never read
	done := make(chan error, 1)
	go func() { done <- s.ReceiveLoop(ctx, gate, out) }()

	gate <- Gate{Open: true, Epoch: 1}
	port.AddReadData([]byte(testutil.FrameLine(testutil.ConstantValues(frame.Length, 3))))
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop blocked on send after cancellation")
	}
}
