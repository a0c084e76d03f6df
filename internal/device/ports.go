package device

import (
	"fmt"
	"regexp"
	"runtime"
	"sort"

	"go.bug.st/serial/enumerator"

	"github.com/MIGO-OvO/TSL1401CL/internal/monitoring"
)

// PortInfo describes a serial port offered for connection.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// PortLister enumerates the system's serial ports.
type PortLister func() ([]*enumerator.PortDetails, error)

// SystemPortLister uses the OS enumerator.
func SystemPortLister() ([]*enumerator.PortDetails, error) {
	return enumerator.GetDetailedPortsList()
}

// DefaultPortPattern is the naming convention for spectrometer ports on the
// current platform.
func DefaultPortPattern() string {
	return portPatternFor(runtime.GOOS)
}

func portPatternFor(goos string) string {
	switch goos {
	case "windows":
		return `(?i)^COM\d+$`
	case "darwin":
		return `^/dev/cu\.(usbserial|usbmodem)[-\w.]*$`
	default:
		return `^/dev/tty(USB|ACM)\d+$`
	}
}

// ListPorts returns the ports whose names match pattern and that can actually
// be opened right now. Each candidate is opened and closed immediately, which
// filters out ports held by another process.
func ListPorts(lister PortLister, factory PortFactory, pattern *regexp.Regexp) ([]PortInfo, error) {
	details, err := lister()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil || (pattern != nil && !pattern.MatchString(d.Name)) {
			continue
		}

		p, err := factory.Open(d.Name, DefaultPortOptions())
		if err != nil {
			monitoring.Logger().Debugw("skipping unavailable port", "port", d.Name, "error", err)
			continue
		}
		if err := p.Close(); err != nil {
			monitoring.Logger().Debugw("close after check failed", "port", d.Name, "error", err)
		}

		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports, nil
}

// StaticPortLister returns a lister that always reports the given names.
func StaticPortLister(names ...string) PortLister {
	return func() ([]*enumerator.PortDetails, error) {
		out := make([]*enumerator.PortDetails, len(names))
		for i, n := range names {
			out[i] = &enumerator.PortDetails{Name: n}
		}
		return out, nil
	}
}
