package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MIGO-OvO/TSL1401CL/internal/acquisition"
	"github.com/MIGO-OvO/TSL1401CL/internal/httputil"
	"github.com/MIGO-OvO/TSL1401CL/internal/monitoring"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// snapshot returns the events a new client needs to catch up: the current
// state and, if there is one, the latest frame.
func (s *Server) snapshot() []acquisition.Event {
	now := time.Now()
	events := []acquisition.Event{{Type: acquisition.EventStateChanged, Time: now, State: s.c.State()}}
	if latest := s.c.Latest(); latest != nil {
		events = append(events, acquisition.Event{Type: acquisition.EventFrameUpdate, Time: latest.Time, Frame: latest})
	}
	return events
}

// streamEvents issues Server-Sent Events for every controller event.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, events := s.c.Subscribe()
	defer s.c.Unsubscribe(id)

	// Send initial ping to establish connection
	if _, err := w.Write([]byte(": ping\n\n")); err != nil {
		return
	}
	for _, ev := range s.snapshot() {
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev acquisition.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// streamWebSocket sends every controller event as a JSON text message.
// Messages from the client are read and discarded; a read error ends the
// stream.
func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logger().Debugw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id, events := s.c.Subscribe()
	defer s.c.Unsubscribe(id)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev acquisition.Event) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(ev)
	}

	for _, ev := range s.snapshot() {
		if err := send(ev); err != nil {
			return
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			if err := send(ev); err != nil {
				monitoring.Logger().Debugw("websocket write failed", "error", err)
				return
			}
		case <-gone:
			return
		}
	}
}
