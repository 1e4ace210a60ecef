package wire

import (
	"fmt"
	"math"

	"github.com/opd-ai/fedmesh/buffer"
)

// Frame is one decoded protocol message.
type Frame struct {
	Command uint16
	Payload []byte
}

// Size returns the number of bytes the frame occupies on the wire.
func (f Frame) Size() int {
	return HeaderSize + len(f.Payload)
}

// BuildFrame serializes a header and payload into a new Sequence owned by
// the caller.
func BuildFrame(command uint16, payload []byte) (*buffer.Sequence, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	seq := buffer.New(HeaderSize + len(payload))
	NewHeader(uint32(len(payload)), command).AppendTo(seq)
	seq.AppendBytes(payload)
	return seq, nil
}

// ParseFrame decodes exactly one frame from the start of b. It returns the
// frame and the number of bytes consumed. The payload is copied out of b.
func ParseFrame(b []byte, maxLength uint32) (Frame, int, error) {
	h, ok := DecodeAt(b, 0)
	if !ok {
		return Frame{}, 0, ErrIncompleteHeader
	}
	if !h.Valid() {
		return Frame{}, 0, ErrChecksumMismatch
	}
	if h.Length > maxLength {
		return Frame{}, 0, fmt.Errorf("%w: length %d exceeds limit %d", ErrFrameTooLarge, h.Length, maxLength)
	}
	total := HeaderSize + int(h.Length)
	if len(b) < total {
		return Frame{}, 0, ErrIncompletePayload
	}
	payload := make([]byte, h.Length)
	copy(payload, b[HeaderSize:total])
	return Frame{Command: h.Command, Payload: payload}, total, nil
}
