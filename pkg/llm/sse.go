package llm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	sseReadSize = 32 * 1024

	// MaxSSELineSize bounds a single buffered line. A longer line cannot be
	// skipped safely because its end is unknown, so it fails the stream.
	MaxSSELineSize = 1 << 20
)

// DoneSentinel is the OpenAI-style end-of-stream marker.
const DoneSentinel = "[DONE]"

// SSEReader frames a server-sent event byte stream into "data:" payloads.
//
// Network reads do not line up with event boundaries, so the reader keeps
// an incomplete trailing fragment buffered until the rest of the line
// arrives. Only complete lines are inspected. Lines other than "data:"
// (event names, ids, comments, blank separators) are ignored: every vendor
// this package supports repeats the event type inside the JSON payload.
//
//	reader := NewSSEReader("openai", body)
//	for reader.Next() {
//	    payload := reader.Data()
//	}
//	if err := reader.Err(); err != nil {
//	    // transport or framing failure
//	}
type SSEReader struct {
	provider string
	r        io.Reader
	scratch  []byte
	buf      []byte
	pending  []string
	data     string
	eof      bool
	err      error
}

// NewSSEReader creates a reader over r. provider labels errors.
func NewSSEReader(provider string, r io.Reader) *SSEReader {
	return &SSEReader{
		provider: provider,
		r:        r,
		scratch:  make([]byte, sseReadSize),
	}
}

// Next advances to the next data payload. It returns false at the end of
// the stream or on error; call Err to tell them apart.
func (s *SSEReader) Next() bool {
	for {
		for len(s.pending) > 0 {
			line := s.pending[0]
			s.pending = s.pending[1:]
			if data, ok := dataPayload(line); ok {
				s.data = data
				return true
			}
		}
		if s.err != nil {
			return false
		}
		if s.eof {
			// A final line without a trailing newline is still complete once
			// the transport has closed.
			if len(s.buf) > 0 {
				line := strings.TrimSuffix(string(s.buf), "\r")
				s.buf = nil
				if data, ok := dataPayload(line); ok {
					s.data = data
					return true
				}
			}
			return false
		}
		s.fill()
	}
}

// Data returns the payload of the current data line.
func (s *SSEReader) Data() string {
	return s.data
}

// Err returns the first non-EOF error encountered.
func (s *SSEReader) Err() error {
	return s.err
}

func (s *SSEReader) fill() {
	n, err := s.r.Read(s.scratch)
	if n > 0 {
		s.buf = append(s.buf, s.scratch[:n]...)
		start := 0
		for {
			i := bytes.IndexByte(s.buf[start:], '\n')
			if i < 0 {
				break
			}
			line := string(s.buf[start : start+i])
			s.pending = append(s.pending, strings.TrimSuffix(line, "\r"))
			start += i + 1
		}
		rest := copy(s.buf, s.buf[start:])
		s.buf = s.buf[:rest]

		if len(s.buf) > MaxSSELineSize {
			s.err = &StreamParseError{
				Provider: s.provider,
				Line:     string(s.buf[:64]),
				Err:      fmt.Errorf("line exceeds %d bytes", MaxSSELineSize),
			}
			return
		}
	}
	switch {
	case errors.Is(err, io.EOF):
		s.eof = true
	case err != nil:
		s.err = fmt.Errorf("%s: reading stream: %w", s.provider, err)
	}
}

func dataPayload(line string) (string, bool) {
	value, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(value, " "), true
}
