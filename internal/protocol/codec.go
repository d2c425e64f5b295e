package protocol

import (
	"bufio"
	"io"
)

// DefaultReadBufferSize is the scanner buffer size used when none is
// configured — matches spec.md §6's 8 KiB read-buffer constant.
const DefaultReadBufferSize = 8 * 1024

// FrameReader accumulates bytes from a connection and splits them into
// newline-delimited frames, discarding empty lines. It wraps bufio.Scanner
// with a buffer that starts at the configured read-buffer size and may grow
// to four times that; a longer line ends reading with an error instead of
// being silently truncated.
type FrameReader struct {
	scanner *bufio.Scanner
}

// NewFrameReader wraps r with a scanner whose initial buffer is bufSize
// bytes and whose max token size is 4*bufSize.
func NewFrameReader(r io.Reader, bufSize int) *FrameReader {
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, bufSize), bufSize*4)
	return &FrameReader{scanner: s}
}

// Next returns the next non-empty line, or (nil, err) on EOF/read error.
// Empty lines are skipped transparently.
func (fr *FrameReader) Next() ([]byte, error) {
	for fr.scanner.Scan() {
		line := fr.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Bytes() is reused by the scanner on the next Scan; copy it out.
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := fr.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// WriteFrame encodes f and writes it to w as a single syscall, per the
// "writes must be serialized per-socket" rule in spec.md §4.I. Callers are
// responsible for ensuring only one goroutine writes to w at a time (the
// dispatch worker and writePump do this via per-client send queues).
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
