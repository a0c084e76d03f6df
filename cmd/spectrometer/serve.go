package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MIGO-OvO/TSL1401CL/internal/api"
	"github.com/MIGO-OvO/TSL1401CL/internal/monitoring"
)

const shutdownTimeout = time.Second

type serveOptions struct {
	listen string
	port   string
}

func newServeCommand(g *globalOptions) *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API and live spectrum UI.",
		Long: `Starts a local HTTP server exposing the spectrometer controls, a live
event stream (Server-Sent Events and WebSocket), an interactive spectrum chart
at /chart and debug routes under /debug/.

With --port (or port in the config file) the server connects on startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, g, o, nil)
		},
	}
	cmd.Flags().StringVarP(&o.listen, "listen", "l", "", "HTTP listen address (default from config, else localhost:8080)")
	cmd.Flags().StringVarP(&o.port, "port", "p", "", "serial port to connect to on startup")
	return cmd
}

// runServe serves until ctx ends. When ready is non-nil it receives the bound
// listener address once the server accepts connections.
func runServe(ctx context.Context, g *globalOptions, o *serveOptions, ready chan<- string) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}

	listen := o.listen
	if listen == "" {
		listen = cfg.GetListen()
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}

	c := g.newController(cfg)
	defer func() {
		if err := c.Close(); err != nil {
			monitoring.Logger().Warnw("controller close failed", "error", err)
		}
	}()

	if port := g.resolvePort(o.port, cfg); port != "" {
		if err := c.Connect(port); err != nil {
			// The server stays up Disconnected; clients may connect later.
			monitoring.Logger().Warnw("initial connect failed", "port", port, "error", err)
		}
	}

	srv := api.NewServer(c)
	mux := srv.ServeMux()
	srv.AttachDebugRoutes(mux)
	mux.Handle("/", http.RedirectHandler("/chart", http.StatusFound))

	server := &http.Server{
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	monitoring.Logger().Infow("serving", "addr", ln.Addr().String(), "state", c.State().String())
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	monitoring.Logger().Info("shutting down HTTP server...")

	// Streaming handlers return once their subscriptions close.
	if err := c.Close(); err != nil {
		monitoring.Logger().Warnw("controller close failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logger().Warnw("HTTP server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			monitoring.Logger().Warnw("HTTP server force close error", "error", err)
		}
	}

	monitoring.Logger().Info("graceful shutdown complete")
	return nil
}
