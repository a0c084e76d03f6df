package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/MIGO-OvO/TSL1401CL/internal/device"
	"github.com/MIGO-OvO/TSL1401CL/internal/httputil"
)

const sendCommandPage = `<!DOCTYPE html>
<html><head><title>Send command</title></head>
<body>
<h1>Send command</h1>
<form method="post" action="send-command-api">
<button name="command" value="S">Start capture (S)</button>
<button name="command" value="X">Stop capture (X)</button>
</form>
</body></html>
`

// AttachDebugRoutes mounts admin debugging endpoints under /debug/. These
// routes are reachable only from localhost or the tailnet.
func (s *Server) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("counters", "acquisition pipeline counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.c.Counters())
	})

	debug.HandleFunc("send-command", "send a start or stop command to the spectrometer", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, sendCommandPage)
	})

	// Commands go through the controller so the state machine stays in
	// charge of the port.
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}

		if len(command) != 1 {
			http.Error(w, fmt.Sprintf("Unsupported command %q", command), http.StatusBadRequest)
			return
		}

		var err error
		switch command[0] {
		case device.CommandStart:
			err = s.c.StartCapture()
		case device.CommandStop:
			err = s.c.StopCapture()
		default:
			http.Error(w, fmt.Sprintf("Unsupported command %q", command), http.StatusBadRequest)
			return
		}
		if err != nil {
			writeControlError(w, err)
			return
		}
		_, _ = io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})
}
