package network

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// maxFrameSize bounds one encoded envelope (16 MB).
	maxFrameSize = 16 << 20

	// frameHeaderSize is the size of the big-endian length prefix.
	frameHeaderSize = 4
)

// writeFrame writes data prefixed with its length in a single write.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(data), maxFrameSize)
	}

	buf := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[frameHeaderSize:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header:\n%w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body:\n%w", err)
	}

	return data, nil
}
