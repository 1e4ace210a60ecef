package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxFrameLength is the largest payload length a frame header may claim.
	MaxFrameLength = 16 * 1024 * 1024

	// MaxReassemblyBuffer bounds the unparsed bytes held per connection,
	// including garbage discarded since the last valid frame.
	MaxReassemblyBuffer = 2 * MaxFrameLength

	// DefaultScanBudget is the window examined per resynchronization pass.
	DefaultScanBudget = 4096

	// HeaderOverhead is the size of the frame header preceding every payload.
	HeaderOverhead = 8
)

var (
	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateFrameSize validates a frame payload against maxLength. Empty
// payloads are valid.
func ValidateFrameSize(payload []byte, maxLength int) error {
	if len(payload) > maxLength {
		return fmt.Errorf("%w: frame payload %d exceeds limit %d", ErrMessageTooLarge, len(payload), maxLength)
	}
	return nil
}

// ValidateReassembly reports whether holding buffered bytes plus discarded
// garbage stays within ceiling.
func ValidateReassembly(buffered, discarded, ceiling int) error {
	if total := buffered + discarded; total > ceiling {
		return fmt.Errorf("%w: reassembly holds %d bytes, limit %d", ErrMessageTooLarge, total, ceiling)
	}
	return nil
}
