package device

import (
	"bytes"
	"io"
)

// maxLineLength caps a single line. A well-formed frame is under 600 bytes;
// anything far beyond that is line noise and is discarded up to the next
// newline.
const maxLineLength = 64 * 1024

// lineReader splits a timeout-driven byte stream into lines. Unlike
// bufio.Scanner it tolerates reads that return no data, which is how a serial
// port reports an expired read timeout.
type lineReader struct {
	r          io.Reader
	buf        []byte
	pending    []byte
	max        int
	discarding bool
}

func newLineReader(r io.Reader, max int) *lineReader {
	return &lineReader{
		r:   r,
		buf: make([]byte, 4096),
		max: max,
	}
}

// next returns the next complete line without its terminator. It performs at
// most one Read; a nil line with a nil error means no complete line is
// available yet.
func (l *lineReader) next() ([]byte, error) {
	if line, ok := l.take(); ok {
		return line, nil
	}

	n, err := l.r.Read(l.buf)
	if n > 0 {
		l.pending = append(l.pending, l.buf[:n]...)
	}
	if line, ok := l.take(); ok {
		return line, nil
	}
	if err != nil {
		return nil, err
	}

	if len(l.pending) > l.max {
		l.pending = l.pending[:0]
		l.discarding = true
	}
	return nil, nil
}

func (l *lineReader) take() ([]byte, bool) {
	for {
		idx := bytes.IndexByte(l.pending, '\n')
		if idx < 0 {
			return nil, false
		}

		line := bytes.TrimSuffix(l.pending[:idx], []byte{'\r'})
		out := make([]byte, len(line))
		copy(out, line)
		l.pending = append(l.pending[:0], l.pending[idx+1:]...)

		if l.discarding {
			l.discarding = false
			continue
		}
		return out, true
	}
}
