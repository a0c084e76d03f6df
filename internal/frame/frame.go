// Package frame decodes the spectrometer's line protocol. Each line carries
// one complete frame of 128 comma-separated ADC readings; there is no
// reassembly across lines.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Length is the number of pixels reported by the TSL1401CL per frame.
	Length = 128

	// MaxValue is the largest reading produced by the 10-bit ADC.
	MaxValue = 1023

	// LeadingTrim is the number of dark-current samples dropped from the start
	// of every frame.
	LeadingTrim = 12
	// TrailingTrim is the number of edge samples dropped from the end of every
	// frame.
	TrailingTrim = 3

	// ProcessedLength is the number of samples left after trimming.
	ProcessedLength = Length - LeadingTrim - TrailingTrim
)

var (
	ErrEmptyLine       = errors.New("empty line")
	ErrNonIntegerToken = errors.New("non-integer token")
	ErrWrongLength     = errors.New("wrong frame length")
	ErrValueOutOfRange = errors.New("value out of range")
)

// ParseError describes why a line was rejected. Reason is one of the
// package's sentinel errors so callers can classify it with errors.Is.
type ParseError struct {
	Reason error
	// Index is the offending token position, or -1 when the failure is not
	// tied to a single token.
	Index int
	// Count is the number of tokens found on the line.
	Count int
	Token string
}

func (e *ParseError) Error() string {
	switch {
	case errors.Is(e.Reason, ErrWrongLength):
		return fmt.Sprintf("%v: got %d values, want %d", e.Reason, e.Count, Length)
	case e.Index >= 0:
		return fmt.Sprintf("%v: token %d %q", e.Reason, e.Index, e.Token)
	default:
		return e.Reason.Error()
	}
}

func (e *ParseError) Unwrap() error { return e.Reason }

// Raw is one validated frame exactly as it came off the wire, indexed by
// physical pixel position.
type Raw [Length]int

// Processed is a Raw frame with the unreliable edge samples removed.
type Processed []int

// ParseLine decodes a single line of device output into a Raw frame.
func ParseLine(raw []byte) (Raw, error) {
	var f Raw

	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return f, &ParseError{Reason: ErrEmptyLine, Index: -1}
	}

	tokens := strings.Split(string(line), ",")
	for i, tok := range tokens {
		tok = strings.TrimSpace(tok)
		v, err := strconv.Atoi(tok)
		if err != nil {
			return f, &ParseError{Reason: ErrNonIntegerToken, Index: i, Count: len(tokens), Token: tok}
		}
		if i >= Length {
			// Keep validating so a garbage tail reports as a bad token rather
			// than a length mismatch.
			continue
		}
		f[i] = v
	}

	if len(tokens) != Length {
		return f, &ParseError{Reason: ErrWrongLength, Index: -1, Count: len(tokens)}
	}

	for i, v := range f {
		if v < 0 || v > MaxValue {
			return f, &ParseError{Reason: ErrValueOutOfRange, Index: i, Count: len(tokens), Token: strconv.Itoa(v)}
		}
	}

	return f, nil
}

// Trim drops the first LeadingTrim and last TrailingTrim samples. The result
// is a fresh slice; the input is not retained.
func Trim(f Raw) Processed {
	out := make(Processed, ProcessedLength)
	copy(out, f[LeadingTrim:Length-TrailingTrim])
	return out
}

// Floats returns the samples as float64 values for numeric routines.
func (p Processed) Floats() []float64 {
	out := make([]float64, len(p))
	for i, v := range p {
		out[i] = float64(v)
	}
	return out
}

// String formats the frame the way the device sends it.
func (f Raw) String() string {
	var b strings.Builder
	for i, v := range f {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(v))
	}
	return b.String()
}
