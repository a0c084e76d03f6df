package device

import (
	"bytes"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/MIGO-OvO/TSL1401CL/internal/frame"
)

// SimulatedPortName is the port name the simulator advertises.
const SimulatedPortName = "SIM0"

// Simulator emulates the spectrometer firmware for dev mode: after 'S' it
// streams one synthetic frame per Interval until 'X'. A read with nothing to
// return waits out the read timeout like a real port.
type Simulator struct {
	mu          sync.Mutex
	out         bytes.Buffer
	streaming   bool
	closed      bool
	interval    time.Duration
	readTimeout time.Duration
	next        time.Time
	seq         int
	rng         *rand.Rand
}

// NewSimulator returns a simulator that emits a frame every interval.
func NewSimulator(interval time.Duration) *Simulator {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Simulator{
		interval:    interval,
		readTimeout: DefaultReadTimeout,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SimulatorFactory returns a PortFactory whose ports are fresh simulators.
func SimulatorFactory(interval time.Duration) PortFactory {
	return PortFactoryFunc(func(path string, _ PortOptions) (SerialPorter, error) {
		return NewSimulator(interval), nil
	})
}

// Write interprets command bytes.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errPortClosed
	}
	for _, b := range p {
		switch b {
		case CommandStart:
			if !s.streaming {
				s.streaming = true
				s.next = time.Now()
			}
		case CommandStop:
			s.streaming = false
		}
	}
	return len(p), nil
}

// Read returns generated frame lines, or 0, nil once the read timeout expires.
func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	deadline := time.Now().Add(s.readTimeout)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, errPortClosed
		}
		if s.out.Len() > 0 {
			n, err := s.out.Read(p)
			s.mu.Unlock()
			return n, err
		}
		now := time.Now()
		if s.streaming && !now.Before(s.next) {
			s.writeFrameLocked()
			s.next = now.Add(s.interval)
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		if !now.Before(deadline) {
			return 0, nil
		}
		wait := 5 * time.Millisecond
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		time.Sleep(wait)
	}
}

// SetReadTimeout implements TimeoutSerialPorter.
func (s *Simulator) SetReadTimeout(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readTimeout = timeout
	return nil
}

// Close stops the simulator.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.streaming = false
	return nil
}

// writeFrameLocked appends one frame: a dark-current pedestal, a Gaussian
// emission line drifting across the sensor, and a little read noise.
func (s *Simulator) writeFrameLocked() {
	s.seq++
	centre := 64 + 30*math.Sin(float64(s.seq)/20)
	line := make([]byte, 0, 4*frame.Length+2)
	for i := 0; i < frame.Length; i++ {
		v := 40 + 700*math.Exp(-math.Pow(float64(i)-centre, 2)/(2*36)) + s.rng.NormFloat64()*4
		if i < frame.LeadingTrim {
			v += 150
		}
		n := int(math.Round(v))
		n = max(0, min(frame.MaxValue, n))
		if i > 0 {
			line = append(line, ',')
		}
		line = strconv.AppendInt(line, int64(n), 10)
	}
	line = append(line, '\r', '\n')
	s.out.Write(line)
}
