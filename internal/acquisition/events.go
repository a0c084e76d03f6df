package acquisition

import (
	"encoding/json"
	"time"

	"github.com/MIGO-OvO/TSL1401CL/internal/frame"
	"github.com/MIGO-OvO/TSL1401CL/internal/stats"
)

// EventType identifies what an Event carries.
type EventType string

const (
	EventStateChanged EventType = "state"
	EventFrameUpdate  EventType = "frame"
	EventError        EventType = "error"
)

// FrameUpdate is one processed frame with its statistics.
type FrameUpdate struct {
	Seq       uint64                `json:"seq"`
	Time      time.Time             `json:"time"`
	Port      string                `json:"port"`
	Processed frame.Processed       `json:"processed"`
	Stats     stats.FrameStatistics `json:"stats"`
}

// ErrorInfo describes a recoverable failure.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Event is everything the controller tells presentation about. Exactly one of
// State (for EventStateChanged), Frame or Error is meaningful.
type Event struct {
	Type  EventType
	Time  time.Time
	State State
	Frame *FrameUpdate
	Error *ErrorInfo
}

// MarshalJSON emits only the payload field that belongs to the event type.
func (e Event) MarshalJSON() ([]byte, error) {
	out := struct {
		Type  EventType    `json:"type"`
		Time  time.Time    `json:"time"`
		State *State       `json:"state,omitempty"`
		Frame *FrameUpdate `json:"frame,omitempty"`
		Error *ErrorInfo   `json:"error,omitempty"`
	}{
		Type:  e.Type,
		Time:  e.Time,
		Frame: e.Frame,
		Error: e.Error,
	}
	if e.Type == EventStateChanged {
		st := e.State
		out.State = &st
	}
	return json.Marshal(out)
}

// Handler receives every event synchronously, in order. It runs while the
// controller is emitting and must not call the controller's control
// operations.
type Handler func(Event)
