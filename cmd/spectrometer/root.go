package main

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/MIGO-OvO/TSL1401CL/internal/acquisition"
	"github.com/MIGO-OvO/TSL1401CL/internal/config"
	"github.com/MIGO-OvO/TSL1401CL/internal/device"
	"github.com/MIGO-OvO/TSL1401CL/internal/monitoring"
	"github.com/MIGO-OvO/TSL1401CL/internal/version"
)

// simulatorInterval is the frame period of the --simulate device.
const simulatorInterval = 100 * time.Millisecond

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	simulate   bool
}

func newRootCommand() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "spectrometer",
		Short: "Control a TSL1401CL spectrometer over a serial port.",
		Long: `Connects to a TSL1401CL linear CCD spectrometer, starts and stops
capture, and turns each 128-pixel line into a trimmed 113-pixel spectrum with
summary statistics.

Settings are read from a YAML file (spectrometer.yaml by default); flags
override file values. Use --simulate to run against a synthetic device.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to configuration file (default "+config.DefaultConfigPath+" if present)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn or error")
	root.PersistentFlags().BoolVar(&g.simulate, "simulate", false, "use a simulated device instead of real serial ports")

	root.AddCommand(newServeCommand(g), newPortsCommand(g), newCaptureCommand(g))
	version.AttachCobraVersionCommand(root)
	return root
}

// load reads the configuration and applies the log level. An explicit
// --config path must exist; the default path is optional.
func (g *globalOptions) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath != "" {
		cfg, err = config.Load(g.configPath)
	} else {
		cfg, err = config.LoadOrDefault(config.DefaultConfigPath)
	}
	if err != nil {
		return nil, err
	}

	name := cfg.GetLogLevel()
	if g.logLevel != "" {
		name = g.logLevel
	}
	lvl, ok := monitoring.ParseLevel(name)
	if !ok {
		return nil, fmt.Errorf("invalid log level %q", name)
	}
	monitoring.SetLevel(lvl)
	monitoring.Logger().Debugw("configuration loaded", "path", g.configPath, "log_level", monitoring.Level().String())
	return cfg, nil
}

// newController builds a controller for cfg, backed by real serial ports or
// by the simulator.
func (g *globalOptions) newController(cfg *config.Config) *acquisition.Controller {
	opts := acquisition.Options{
		Factory:     device.RealPortFactory{},
		Lister:      device.SystemPortLister,
		PortPattern: cfg.GetPortPattern(),
		PortOptions: cfg.PortOptions(),
		StopTimeout: cfg.GetStopTimeout(),
		EventBuffer: cfg.GetEventBuffer(),
	}
	if g.simulate {
		opts.Factory = device.SimulatorFactory(simulatorInterval)
		opts.Lister = device.StaticPortLister(device.SimulatedPortName)
		opts.PortPattern = regexp.MustCompile(`^` + regexp.QuoteMeta(device.SimulatedPortName) + `$`)
	}
	return acquisition.New(opts)
}

// resolvePort picks the port to use: the flag, then the config file, then the
// simulator's port when simulating.
func (g *globalOptions) resolvePort(flag string, cfg *config.Config) string {
	switch {
	case flag != "":
		return flag
	case cfg.GetPort() != "":
		return cfg.GetPort()
	case g.simulate:
		return device.SimulatedPortName
	default:
		return ""
	}
}

var errNoPort = errors.New("no serial port given: use --port or set port in the config file")
