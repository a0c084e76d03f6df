package device

import (
	"testing"
	"time"

	"go.bug.st/serial"
)

func TestPortOptions_Normalize_Defaults(t *testing.T) {
	// Zero-value options should get the spectrometer defaults applied
	got, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.BaudRate != 115200 {
		t.Errorf("BaudRate = %d, want 115200", got.BaudRate)
	}
	if got.DataBits != 8 {
		t.Errorf("DataBits = %d, want 8", got.DataBits)
	}
	if got.StopBits != 1 {
		t.Errorf("StopBits = %d, want 1", got.StopBits)
	}
	if got.Parity != "N" {
		t.Errorf("Parity = %q, want %q", got.Parity, "N")
	}
	if got.ReadTimeout != time.Second {
		t.Errorf("ReadTimeout = %v, want 1s", got.ReadTimeout)
	}
}

func TestPortOptions_Normalize_ExplicitValues(t *testing.T) {
	opts := PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even", ReadTimeout: 250 * time.Millisecond}
	got, err := opts.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.BaudRate != 9600 || got.DataBits != 7 || got.StopBits != 2 || got.Parity != "E" {
		t.Errorf("Normalize() = %+v", got)
	}
	if got.ReadTimeout != 250*time.Millisecond {
		t.Errorf("ReadTimeout = %v", got.ReadTimeout)
	}
}

func TestPortOptions_Normalize_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"baud", PortOptions{BaudRate: 12345}},
		{"data bits low", PortOptions{DataBits: 4}},
		{"data bits high", PortOptions{DataBits: 9}},
		{"stop bits", PortOptions{StopBits: 3}},
		{"parity", PortOptions{Parity: "mark"}},
		{"timeout", PortOptions{ReadTimeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.opts.Normalize(); err == nil {
				t.Errorf("expected error for %+v", tt.opts)
			}
		})
	}
}

func TestPortOptions_Equal(t *testing.T) {
	if !(PortOptions{}).Equal(PortOptions{BaudRate: 115200, Parity: "none"}) {
		t.Error("defaults should equal explicit 115200 8N1")
	}
	if (PortOptions{}).Equal(PortOptions{BaudRate: 9600}) {
		t.Error("different baud rates should not be equal")
	}
	if (PortOptions{Parity: "bogus"}).Equal(PortOptions{Parity: "bogus"}) {
		t.Error("invalid options should never compare equal")
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.BaudRate != 115200 || mode.DataBits != 8 {
		t.Errorf("mode = %+v", mode)
	}
	if mode.Parity != serial.NoParity {
		t.Errorf("Parity = %v, want NoParity", mode.Parity)
	}
	if mode.StopBits != serial.OneStopBit {
		t.Errorf("StopBits = %v, want OneStopBit", mode.StopBits)
	}

	mode, err = PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.StopBits != serial.TwoStopBits || mode.Parity != serial.OddParity {
		t.Errorf("mode = %+v", mode)
	}

	if _, err := (PortOptions{DataBits: 12}).SerialMode(); err == nil {
		t.Error("expected error for invalid options")
	}
}
