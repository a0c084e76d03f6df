package acquisition

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MIGO-OvO/TSL1401CL/internal/device"
	"github.com/MIGO-OvO/TSL1401CL/internal/frame"
	"github.com/MIGO-OvO/TSL1401CL/internal/monitoring"
	"github.com/MIGO-OvO/TSL1401CL/internal/timeutil"
)

func currentRun(c *Controller) *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

func TestDeliver_DiscardsStaleEpochs(t *testing.T) {
	monitoring.SetLogger(nil)
	c := New(Options{Factory: device.NewMockPortFactory(device.NewTestablePort())})
	defer c.Close()
	_, events := c.Subscribe()

	require.NoError(t, c.Connect("/dev/ttyUSB0"))
	require.NoError(t, c.StartCapture())
	require.NoError(t, c.StopCapture())
	require.NoError(t, c.StartCapture())
	for i := 0; i < 4; i++ {
		<-events
	}
	r := currentRun(c)
	require.NotNil(t, r)

	// A frame read under the first capture must not surface in the second.
	c.handle(r, device.Event{Kind: device.EventFrame, Epoch: 1})
	assert.Empty(t, events)

	c.handle(r, device.Event{Kind: device.EventFrame, Epoch: 2})
	ev := <-events
	assert.Equal(t, EventFrameUpdate, ev.Type)

	counters := c.Counters()
	assert.Equal(t, uint64(2), counters.FramesReceived)
	assert.Equal(t, uint64(1), counters.FramesEmitted)
	assert.Equal(t, uint64(1), counters.FramesStale)
}

func TestDeliver_DiscardsWhenNotCapturing(t *testing.T) {
	monitoring.SetLogger(nil)
	c := New(Options{Factory: device.NewMockPortFactory(device.NewTestablePort())})
	defer c.Close()

	require.NoError(t, c.Connect("/dev/ttyUSB0"))
	c.handle(currentRun(c), device.Event{Kind: device.EventFrame, Epoch: 0})

	assert.Equal(t, uint64(1), c.Counters().FramesStale)
	assert.Nil(t, c.Latest())
}

// stuckPort never returns from Read until released, whatever Close does.
type stuckPort struct {
	release chan struct{}
	once    sync.Once
}

func (p *stuckPort) Read([]byte) (int, error) {
	<-p.release
	return 0, errors.New("released")
}
func (p *stuckPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *stuckPort) Close() error                { return nil }
func (p *stuckPort) free()                       { p.once.Do(func() { close(p.release) }) }

func TestDisconnect_AbandonsStuckReceiveLoop(t *testing.T) {
	monitoring.SetLogger(nil)
	port := &stuckPort{release: make(chan struct{})}
	defer port.free()

	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(Options{
		Factory:     device.NewMockPortFactory(port),
		Clock:       clock,
		StopTimeout: 1500 * time.Millisecond,
	})
	defer c.Close()

	require.NoError(t, c.Connect("/dev/ttyUSB0"))

	done := make(chan error, 1)
	go func() { done <- c.Disconnect() }()

	require.True(t, clock.BlockUntilWaiters(1, 2*time.Second), "disconnect never started waiting")
	select {
	case <-done:
		t.Fatal("disconnect returned before the stop timeout")
	default:
	}

	clock.Advance(1500 * time.Millisecond)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not give up on the receive loop")
	}
	assert.Equal(t, Disconnected, c.State())
}

func TestDropReason(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"", DropEmpty},
		{"1,a", DropNonInteger},
		{"1,2,3", DropLength},
	}
	for _, tt := range tests {
		_, err := frame.ParseLine([]byte(tt.line))
		require.Error(t, err)
		assert.Equal(t, tt.want, dropReason(err), "line %q", tt.line)
	}
	assert.Equal(t, DropOther, dropReason(errors.New("other")))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "capturing", Capturing.String())
	assert.Equal(t, "State(9)", State(9).String())
	assert.Equal(t, "port_unavailable", ErrorPortUnavailable.String())
	assert.Equal(t, "command_failed", ErrorCommandFailed.String())
	assert.Equal(t, "connection_lost", ErrorConnectionLost.String())
}
