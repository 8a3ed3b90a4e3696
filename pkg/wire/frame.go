// Package wire extracts CRLF-delimited frames from a byte stream.
package wire

import (
	"bufio"
	"bytes"
	"io"

	"github.com/deejcoder/asyncit/pkg/errors"
)

const DefaultMaxFrameSize = 64 * 1024

const readBufferSize = 2048

var frameDelimiter = []byte{'\r', '\n'}

// ScanCRLFFrames is a bufio.SplitFunc that yields one frame per CRLF
// delimiter, with the delimiter excluded from the token. A stream that
// ends exactly on a delimiter is a clean close; a stream that ends with
// undelimited bytes buffered yields a PartialFrame error.
func ScanCRLFFrames(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.Index(data, frameDelimiter); i >= 0 {
		return i + len(frameDelimiter), data[:i], nil
	}

	if atEOF {
		if len(data) == 0 {
			return 0, nil, nil
		}
		return 0, nil, &errors.PartialFrame{Buffered: len(data)}
	}

	// Not enough bytes for a full frame yet.
	return 0, nil, nil
}

// NewFrameScanner wraps r in a scanner that produces complete frames.
// Frames larger than maxFrameSize terminate the scan with
// bufio.ErrTooLong.
func NewFrameScanner(r io.Reader, maxFrameSize int) *bufio.Scanner {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, readBufferSize), maxFrameSize)
	scanner.Split(ScanCRLFFrames)
	return scanner
}
