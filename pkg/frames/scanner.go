package frames

import (
	"bufio"
	"io"
)

// Scanner assembles complete frame lines from a byte stream and
// decodes them one at a time. Partial lines are buffered internally
// and never surfaced, so callers only ever observe whole frames.
type Scanner struct {
	s *bufio.Scanner
}

// maxFrameSize bounds a single frame line. Large data/file payloads
// fit comfortably; anything bigger indicates a broken producer.
const maxFrameSize = 4 * 1024 * 1024

func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Scanner{s: s}
}

// Next returns the next complete frame, io.EOF when the stream ends
// cleanly, or a decode/read error.
func (sc *Scanner) Next() (Frame, error) {
	if !sc.s.Scan() {
		if err := sc.s.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := sc.s.Bytes()
	if len(line) == 0 {
		return sc.Next()
	}
	return Decode(line)
}

// NextRaw returns the next raw frame line (without trailing newline)
// after validating that it decodes, for consumers that forward frames
// verbatim.
func (sc *Scanner) NextRaw() ([]byte, error) {
	if !sc.s.Scan() {
		if err := sc.s.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := sc.s.Bytes()
	if len(line) == 0 {
		return sc.NextRaw()
	}
	if _, err := Decode(line); err != nil {
		return nil, err
	}
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}
