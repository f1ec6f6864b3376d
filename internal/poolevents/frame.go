package poolevents

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameLen bounds a single frame's declared length so a corrupt or
// malicious length prefix can't force an unbounded read-side allocation.
const maxFrameLen = 16 << 20

// WriteFrame serializes msg and writes it as a 4-byte little-endian length
// prefix followed by the serialized ControlMessage, matching the subscriber
// socket's wire format.
func WriteFrame(w io.Writer, msg ControlMessage) error {
	var buf bytes.Buffer
	if err := EncodeControlMessage(&buf, msg); err != nil {
		return err
	}
	if buf.Len() > maxFrameLen {
		return fmt.Errorf("poolevents: encoded frame length %d exceeds max %d", buf.Len(), maxFrameLen)
	}
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFrame reads one length-prefixed frame and decodes the ControlMessage
// it carries.
func ReadFrame(r io.Reader) (ControlMessage, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenPrefix[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("poolevents: frame length %d exceeds max %d", n, maxFrameLen)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return DecodeControlMessage(bytes.NewReader(payload))
}
