// Package api is the HTTP presentation adapter for the acquisition
// controller: control endpoints, event streams, charts and debug routes.
package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/MIGO-OvO/TSL1401CL/internal/acquisition"
	"github.com/MIGO-OvO/TSL1401CL/internal/device"
	"github.com/MIGO-OvO/TSL1401CL/internal/httputil"
	"github.com/MIGO-OvO/TSL1401CL/internal/monitoring"
)

// ANSI escape codes used by the request log
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Controller is the part of the acquisition controller the handlers use.
type Controller interface {
	State() acquisition.State
	Status() acquisition.Status
	Counters() acquisition.Counters
	Latest() *acquisition.FrameUpdate
	Ports() ([]device.PortInfo, error)
	Connect(port string) error
	Disconnect() error
	StartCapture() error
	StopCapture() error
	Subscribe() (string, <-chan acquisition.Event)
	Unsubscribe(id string)
}

var _ Controller = (*acquisition.Controller)(nil)

// Server serves the spectrometer HTTP API.
type Server struct {
	c         Controller
	keepAlive time.Duration
}

// NewServer returns a server backed by c.
func NewServer(c Controller) *Server {
	return &Server{c: c, keepAlive: 15 * time.Second}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logger().Infof(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns a mux with every API route mounted.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ports", s.listPorts)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/latest", s.showLatest)
	mux.HandleFunc("/api/connect", s.connect)
	mux.HandleFunc("/api/disconnect", s.post(s.c.Disconnect))
	mux.HandleFunc("/api/capture/start", s.post(s.c.StartCapture))
	mux.HandleFunc("/api/capture/stop", s.post(s.c.StopCapture))
	mux.HandleFunc("/api/events", s.streamEvents)
	mux.HandleFunc("/api/ws", s.streamWebSocket)
	mux.HandleFunc("/api/spectrum.png", s.spectrumPNG)
	mux.HandleFunc("/chart", s.spectrumChart)
	return mux
}

func (s *Server) listPorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ports, err := s.c.Ports()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, ports)
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.c.Status())
}

func (s *Server) showLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	latest := s.c.Latest()
	if latest == nil {
		httputil.NotFound(w, "no frame captured yet")
		return
	}
	httputil.WriteJSONOK(w, latest)
}

type connectRequest struct {
	Port string `json:"port"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req connectRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Port == "" {
		req.Port = r.URL.Query().Get("port")
	}
	if req.Port == "" {
		httputil.BadRequest(w, "missing port")
		return
	}

	if err := s.c.Connect(req.Port); err != nil {
		writeControlError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.c.Status())
}

// post adapts a parameterless control operation to a POST handler that
// answers with the resulting status.
func (s *Server) post(op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		if err := op(); err != nil {
			writeControlError(w, err)
			return
		}
		httputil.WriteJSONOK(w, s.c.Status())
	}
}

func writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, acquisition.ErrInvalidTransition):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, device.ErrPortUnavailable),
		errors.Is(err, device.ErrWriteFailed),
		errors.Is(err, device.ErrSessionClosed):
		httputil.BadGateway(w, err.Error())
	case errors.Is(err, acquisition.ErrClosed):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}
