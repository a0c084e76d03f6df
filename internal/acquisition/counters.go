package acquisition

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MIGO-OvO/TSL1401CL/internal/frame"
)

// Drop reasons reported by Counters.
const (
	DropEmpty      = "empty"
	DropNonInteger = "non_integer"
	DropLength     = "wrong_length"
	DropRange      = "out_of_range"
	DropOther      = "other"
)

// Counters is a snapshot of the pipeline counters.
type Counters struct {
	FramesReceived uint64            `json:"frames_received"`
	FramesEmitted  uint64            `json:"frames_emitted"`
	FramesStale    uint64            `json:"frames_stale"`
	LinesDropped   map[string]uint64 `json:"lines_dropped"`
	EventsDropped  uint64            `json:"events_dropped"`
}

type counters struct {
	received atomic.Uint64
	emitted  atomic.Uint64
	stale    atomic.Uint64

	mu      sync.Mutex
	dropped map[string]uint64
}

func (c *counters) drop(err error) {
	reason := dropReason(err)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped == nil {
		c.dropped = make(map[string]uint64)
	}
	c.dropped[reason]++
}

func (c *counters) snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := make(map[string]uint64, len(c.dropped))
	for k, v := range c.dropped {
		dropped[k] = v
	}
	return Counters{
		FramesReceived: c.received.Load(),
		FramesEmitted:  c.emitted.Load(),
		FramesStale:    c.stale.Load(),
		LinesDropped:   dropped,
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, frame.ErrEmptyLine):
		return DropEmpty
	case errors.Is(err, frame.ErrNonIntegerToken):
		return DropNonInteger
	case errors.Is(err, frame.ErrWrongLength):
		return DropLength
	case errors.Is(err, frame.ErrValueOutOfRange):
		return DropRange
	default:
		return DropOther
	}
}
