// Package acquisition runs the spectrometer state machine: it owns the device
// session, gates capture, turns accepted frames into FrameUpdate events and
// reports state changes and errors to subscribers.
package acquisition

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MIGO-OvO/TSL1401CL/internal/device"
	"github.com/MIGO-OvO/TSL1401CL/internal/frame"
	"github.com/MIGO-OvO/TSL1401CL/internal/monitoring"
	"github.com/MIGO-OvO/TSL1401CL/internal/stats"
	"github.com/MIGO-OvO/TSL1401CL/internal/timeutil"
)

// DefaultStopTimeout bounds how long Disconnect waits for the receive loop.
const DefaultStopTimeout = time.Second

// Options configures a Controller. Zero values select the hardware defaults.
type Options struct {
	Factory     device.PortFactory
	Lister      device.PortLister
	PortPattern *regexp.Regexp
	PortOptions device.PortOptions
	StopTimeout time.Duration
	EventBuffer int
	Clock       timeutil.Clock
	Handler     Handler
}

// Status is a point-in-time view of the controller.
type Status struct {
	State     State    `json:"state"`
	Port      string   `json:"port,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Counters  Counters `json:"counters"`
}

// run ties a session to its receive loop and consumer goroutines.
type run struct {
	session    *device.Session
	cancel     context.CancelFunc
	gate       chan device.Gate
	events     chan device.Event
	workerDone chan struct{}
}

// Controller is the acquisition state machine. Control operations are
// serialised and never block on serial reads.
type Controller struct {
	factory     device.PortFactory
	lister      device.PortLister
	pattern     *regexp.Regexp
	portOpts    device.PortOptions
	stopTimeout time.Duration
	clock       timeutil.Clock
	handler     Handler

	mu     sync.Mutex
	run    *run
	epochs uint64
	closed bool

	state        atomic.Int32
	captureEpoch atomic.Uint64

	// emitMu orders state changes against frame delivery so no FrameUpdate
	// follows the event that ended its capture.
	emitMu sync.Mutex
	bus    *Bus

	latest   atomic.Pointer[FrameUpdate]
	seq      atomic.Uint64
	counters counters
}

// New returns a disconnected controller.
func New(opts Options) *Controller {
	c := &Controller{
		factory:     opts.Factory,
		lister:      opts.Lister,
		pattern:     opts.PortPattern,
		portOpts:    opts.PortOptions,
		stopTimeout: opts.StopTimeout,
		clock:       opts.Clock,
		handler:     opts.Handler,
		bus:         NewBus(opts.EventBuffer),
	}
	if c.factory == nil {
		c.factory = device.RealPortFactory{}
	}
	if c.lister == nil {
		c.lister = device.SystemPortLister
	}
	if c.pattern == nil {
		c.pattern = regexp.MustCompile(device.DefaultPortPattern())
	}
	if c.stopTimeout <= 0 {
		c.stopTimeout = DefaultStopTimeout
	}
	if c.clock == nil {
		c.clock = timeutil.RealClock{}
	}
	return c
}

// State returns the current connection state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Status reports the state, the connected port and the counters.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{State: c.State()}
	if c.run != nil {
		st.Port = c.run.session.Name()
		st.SessionID = c.run.session.ID()
	}
	c.mu.Unlock()

	st.Counters = c.Counters()
	return st
}

// Counters returns a snapshot of the pipeline counters.
func (c *Controller) Counters() Counters {
	snap := c.counters.snapshot()
	snap.EventsDropped = c.bus.Dropped()
	return snap
}

// Latest returns the most recent FrameUpdate of the current session, or nil
// before its first frame.
func (c *Controller) Latest() *FrameUpdate {
	return c.latest.Load()
}

// Ports lists the spectrometer ports that can be opened right now.
func (c *Controller) Ports() ([]device.PortInfo, error) {
	return device.ListPorts(c.lister, c.factory, c.pattern)
}

// Subscribe registers for events. See Bus.Subscribe.
func (c *Controller) Subscribe() (string, <-chan Event) {
	return c.bus.Subscribe()
}

// Unsubscribe removes a subscription.
func (c *Controller) Unsubscribe(id string) {
	c.bus.Unsubscribe(id)
}

// Connect opens port and starts its receive loop. On failure the controller
// stays Disconnected and an ErrorPortUnavailable event is emitted.
func (c *Controller) Connect(port string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if st := c.State(); st != Disconnected {
		return transitionError("connect", st)
	}

	session, err := device.Open(c.factory, port, c.portOpts)
	if err != nil {
		monitoring.Logger().Warnw("connect failed", "port", port, "error", err)
		c.emitError(openErrorKind(err), err)
		return err
	}

	c.run = c.startRun(session)
	c.setState(Connected)
	return nil
}

func openErrorKind(err error) ErrorKind {
	if errors.Is(err, device.ErrInvalidOptions) {
		return ErrorInvalidOptions
	}
	return ErrorPortUnavailable
}

// Disconnect stops any capture, releases the port and emits a single
// Disconnected state change.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	st := c.State()
	if st == Disconnected {
		return transitionError("disconnect", st)
	}

	c.teardown(st == Capturing)
	c.setState(Disconnected)
	return nil
}

// StartCapture sends the start command and opens the gate under a new epoch.
func (c *Controller) StartCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if st := c.State(); st != Connected {
		return transitionError("start capture", st)
	}

	if err := c.run.session.SendStartCommand(); err != nil {
		c.commandFailed(err)
		return err
	}

	c.epochs++
	epoch := c.epochs
	c.emitMu.Lock()
	c.captureEpoch.Store(epoch)
	setGate(c.run.gate, device.Gate{Open: true, Epoch: epoch})
	c.state.Store(int32(Capturing))
	c.publishLocked(Event{Type: EventStateChanged, Time: c.clock.Now(), State: Capturing})
	c.emitMu.Unlock()

	monitoring.Logger().Infow("capture started", "port", c.run.session.Name(), "epoch", epoch)
	return nil
}

// StopCapture closes the gate and sends the stop command. No frame is
// emitted after the gate closes.
func (c *Controller) StopCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if st := c.State(); st != Capturing {
		return transitionError("stop capture", st)
	}

	c.closeGate()
	if err := c.run.session.SendStopCommand(); err != nil {
		c.commandFailed(err)
		return err
	}

	c.setState(Connected)
	monitoring.Logger().Infow("capture stopped", "port", c.run.session.Name())
	return nil
}

// Close disconnects if needed and closes every subscription. The controller
// cannot be reused.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if st := c.State(); st != Disconnected {
		c.teardown(st == Capturing)
		c.setState(Disconnected)
	}
	c.closed = true
	c.bus.Close()
	return nil
}

func (c *Controller) startRun(session *device.Session) *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		session:    session,
		cancel:     cancel,
		gate:       make(chan device.Gate, 1),
		events:     make(chan device.Event, 1),
		workerDone: make(chan struct{}),
	}

	go func() {
		defer close(r.workerDone)
		err := session.ReceiveLoop(ctx, r.gate, r.events)
		monitoring.Logger().Debugw("receive loop exited", "port", session.Name(), "session", session.ID(), "error", err)
	}()
	go c.consume(r)

	return r
}

// teardown releases the current run. Callers hold c.mu.
func (c *Controller) teardown(sendStop bool) {
	r := c.run
	if r == nil {
		return
	}
	c.closeGate()
	c.run = nil
	c.latest.Store(nil)
	if sendStop {
		if err := r.session.SendStopCommand(); err != nil {
			monitoring.Logger().Warnw("stop command failed during disconnect", "port", r.session.Name(), "error", err)
		}
	}

	r.cancel()
	if err := r.session.Close(); err != nil {
		monitoring.Logger().Warnw("close failed", "port", r.session.Name(), "error", err)
	}

	start := c.clock.Now()
	select {
	case <-r.workerDone:
		monitoring.Logger().Debugw("receive loop stopped", "port", r.session.Name(), "took", c.clock.Since(start))
	case <-c.clock.After(c.stopTimeout):
		monitoring.Logger().Warnw("receive loop did not stop in time; abandoning it",
			"port", r.session.Name(), "timeout", c.stopTimeout)
	}
}

// closeGate ends the current capture epoch. Callers hold c.mu.
func (c *Controller) closeGate() {
	c.emitMu.Lock()
	c.captureEpoch.Store(0)
	c.emitMu.Unlock()

	if c.run != nil {
		setGate(c.run.gate, device.Gate{})
	}
}

// commandFailed reverts to Disconnected after a command write error.
// Callers hold c.mu.
func (c *Controller) commandFailed(err error) {
	monitoring.Logger().Warnw("command failed", "error", err)
	c.emitError(ErrorCommandFailed, err)
	c.teardown(false)
	c.setState(Disconnected)
}

// setGate replaces any gate value the receive loop has not picked up yet.
func setGate(gate chan device.Gate, g device.Gate) {
	select {
	case <-gate:
	default:
	}
	gate <- g
}

func (c *Controller) consume(r *run) {
	for {
		select {
		case ev := <-r.events:
			c.handle(r, ev)
		case <-r.workerDone:
			for {
				select {
				case ev := <-r.events:
					c.handle(r, ev)
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) handle(r *run, ev device.Event) {
	switch ev.Kind {
	case device.EventFrame:
		c.counters.received.Add(1)
		c.deliver(r, ev)
	case device.EventDropped:
		c.counters.drop(ev.Err)
		monitoring.Logger().Debugw("line dropped", "port", r.session.Name(), "error", ev.Err)
	case device.EventConnectionLost:
		c.connectionLost(r, ev.Err)
	}
}

func (c *Controller) deliver(r *run, ev device.Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	epoch := c.captureEpoch.Load()
	if c.State() != Capturing || epoch == 0 || ev.Epoch != epoch {
		c.counters.stale.Add(1)
		return
	}

	processed := frame.Trim(ev.Frame)
	now := c.clock.Now()
	update := &FrameUpdate{
		Seq:       c.seq.Add(1),
		Time:      now,
		Port:      r.session.Name(),
		Processed: processed,
		Stats:     stats.Compute(processed),
	}
	c.latest.Store(update)
	c.counters.emitted.Add(1)
	c.publishLocked(Event{Type: EventFrameUpdate, Time: now, Frame: update})
}

func (c *Controller) connectionLost(r *run, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run != r {
		return
	}
	monitoring.Logger().Warnw("connection lost", "port", r.session.Name(), "error", err)
	c.emitError(ErrorConnectionLost, err)
	c.teardown(false)
	c.setState(Disconnected)
}

func (c *Controller) setState(s State) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	prev := State(c.state.Swap(int32(s)))
	monitoring.Logger().Infow("state changed", "from", prev, "to", s)
	c.publishLocked(Event{Type: EventStateChanged, Time: c.clock.Now(), State: s})
}

func (c *Controller) emitError(kind ErrorKind, err error) {
	msg := kind.String()
	if err != nil {
		msg = err.Error()
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.publishLocked(Event{Type: EventError, Time: c.clock.Now(), Error: &ErrorInfo{Kind: kind, Message: msg}})
}

func (c *Controller) publishLocked(ev Event) {
	c.bus.Publish(ev)
	if c.handler != nil {
		c.handler(ev)
	}
}
