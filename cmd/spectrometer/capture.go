package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MIGO-OvO/TSL1401CL/internal/acquisition"
	"github.com/MIGO-OvO/TSL1401CL/internal/monitoring"
)

type captureOptions struct {
	port   string
	frames int
}

func newCaptureCommand(g *globalOptions) *cobra.Command {
	o := &captureOptions{}
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture frames headlessly and print their statistics.",
		Long: `Connects to the port, starts capture and prints one statistics line per
frame until --frames frames have arrived or the command is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.frames < 0 {
				return fmt.Errorf("--frames must not be negative, got %d", o.frames)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCapture(ctx, g, o, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&o.port, "port", "p", "", "serial port to capture from")
	cmd.Flags().IntVarP(&o.frames, "frames", "n", 0, "stop after this many frames (0 runs until interrupted)")
	return cmd
}

var errCaptureEnded = errors.New("capture ended")

func runCapture(ctx context.Context, g *globalOptions, o *captureOptions, out io.Writer) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	port := g.resolvePort(o.port, cfg)
	if port == "" {
		return errNoPort
	}

	c := g.newController(cfg)
	defer c.Close()

	id, events := c.Subscribe()
	defer c.Unsubscribe(id)

	if err := c.Connect(port); err != nil {
		return err
	}
	if err := c.StartCapture(); err != nil {
		return err
	}

	count := 0
	for {
		select {
		case <-ctx.Done():
			return finishCapture(c)
		case ev, ok := <-events:
			if !ok {
				return errCaptureEnded
			}
			switch ev.Type {
			case acquisition.EventFrameUpdate:
				count++
				_, _ = fmt.Fprintf(out, "#%d %s\n", ev.Frame.Seq, ev.Frame.Stats)
				if o.frames > 0 && count >= o.frames {
					return finishCapture(c)
				}
			case acquisition.EventError:
				return fmt.Errorf("%w: %s: %s", errCaptureEnded, ev.Error.Kind, ev.Error.Message)
			case acquisition.EventStateChanged:
				monitoring.Logger().Debugw("state changed", "state", ev.State.String())
			}
		}
	}
}

// finishCapture stops capture and releases the port.
func finishCapture(c *acquisition.Controller) error {
	if c.State() == acquisition.Capturing {
		if err := c.StopCapture(); err != nil {
			return err
		}
	}
	return c.Disconnect()
}
