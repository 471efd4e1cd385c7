package capture

import (
	"bufio"
	"context"
	"errors"
	"io"
)

// Source delivers decoded frames from one video feed. Implementations own
// the underlying media handle; Close releases it and unblocks ReadFrame.
type Source interface {
	// ReadFrame blocks until the next frame, the context is cancelled, or
	// the read timeout elapses. The returned slice is owned by the caller.
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Factory opens a Source for a stream URL. Workers hold a Factory so tests
// can substitute fake feeds.
type Factory func(url string) (Source, error)

var (
	ErrReadTimeout  = errors.New("capture: frame read timeout")
	ErrSourceClosed = errors.New("capture: source closed")
)

// jpeg stream markers
const (
	markerPrefix = 0xff
	markerSOI    = 0xd8
	markerEOI    = 0xd9
)

// readJPEG extracts the next complete JPEG image from an MJPEG byte stream.
// Bytes before the SOI marker are discarded.
func readJPEG(r *bufio.Reader) ([]byte, error) {
	// scan to start of image
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != markerPrefix {
			continue
		}
		nxt, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if nxt == markerSOI {
			break
		}
	}
	buf := make([]byte, 0, 64*1024)
	buf = append(buf, markerPrefix, markerSOI)
	prev := byte(0)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf = append(buf, b)
		if prev == markerPrefix && b == markerEOI {
			return buf, nil
		}
		prev = b
	}
}
