package capture

import (
	"bufio"
	"bytes"
	"io"
	"testing"
)

func fakeJPEG(payload []byte) []byte {
	out := []byte{0xff, 0xd8}
	out = append(out, payload...)
	out = append(out, 0xff, 0xd9)
	return out
}

func TestReadJPEGSplitsFrames(t *testing.T) {
	first := fakeJPEG([]byte{0x01, 0x02, 0x03})
	second := fakeJPEG([]byte{0x04, 0x05})
	stream := append(append([]byte{0x00, 0x11}, first...), second...)

	r := bufio.NewReader(bytes.NewReader(stream))

	got, err := readJPEG(r)
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Fatalf("first frame mismatch: %x", got)
	}
	got, err = readJPEG(r)
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Fatalf("second frame mismatch: %x", got)
	}
	if _, err := readJPEG(r); err == nil {
		t.Fatalf("expected error at end of stream")
	}
}

func TestReadJPEGTruncatedFrame(t *testing.T) {
	partial := []byte{0xff, 0xd8, 0x01, 0x02}
	r := bufio.NewReader(bytes.NewReader(partial))
	if _, err := readJPEG(r); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestReadJPEGHandlesEmbeddedMarkers(t *testing.T) {
	// 0xff bytes inside the payload must not terminate the frame early
	frame := fakeJPEG([]byte{0xff, 0x00, 0xff, 0x01})
	r := bufio.NewReader(bytes.NewReader(frame))
	got, err := readJPEG(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("frame mismatch: %x", got)
	}
}
