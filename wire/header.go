package wire

import (
	"encoding/binary"
	"errors"

	"github.com/howeyc/crc16"

	"github.com/opd-ai/fedmesh/buffer"
)

// HeaderSize is the serialized size of a Header.
const HeaderSize = 8

// checksummedSize is the number of leading header bytes covered by the checksum.
const checksummedSize = 6

var (
	// ErrIncompleteHeader indicates fewer than HeaderSize bytes were available.
	ErrIncompleteHeader = errors.New("wire: incomplete header")

	// ErrIncompletePayload indicates a valid header whose payload has not fully arrived.
	ErrIncompletePayload = errors.New("wire: incomplete payload")

	// ErrChecksumMismatch indicates the header checksum does not cover its fields.
	ErrChecksumMismatch = errors.New("wire: header checksum mismatch")

	// ErrFrameTooLarge indicates a frame length beyond the permitted ceiling.
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

// Header is the fixed prefix of every frame.
type Header struct {
	Length   uint32
	Command  uint16
	Checksum uint16
}

// Checksum computes the CRC-16 used by the header.
func Checksum(b []byte) uint16 {
	return crc16.ChecksumIBM(b)
}

// NewHeader returns a header for a payload of the given length with its
// checksum filled in.
func NewHeader(length uint32, command uint16) Header {
	var fields [checksummedSize]byte
	binary.LittleEndian.PutUint32(fields[0:4], length)
	binary.LittleEndian.PutUint16(fields[4:6], command)
	return Header{
		Length:   length,
		Command:  command,
		Checksum: Checksum(fields[:]),
	}
}

// Valid reports whether the checksum matches the length and command fields.
func (h Header) Valid() bool {
	return NewHeader(h.Length, h.Command).Checksum == h.Checksum
}

// AppendTo serializes h onto seq.
func (h Header) AppendTo(seq *buffer.Sequence) {
	seq.AppendUint32(h.Length)
	seq.AppendUint16(h.Command)
	seq.AppendUint16(h.Checksum)
}

// Encode serializes a header for the given length and command.
func Encode(length uint32, command uint16) [HeaderSize]byte {
	seq := buffer.New(HeaderSize)
	NewHeader(length, command).AppendTo(seq)

	var out [HeaderSize]byte
	copy(out[:], seq.Bytes())
	return out
}

// DecodeAt parses the header starting at offset without checking its
// checksum. It reports false if fewer than HeaderSize bytes remain.
func DecodeAt(b []byte, offset int) (Header, bool) {
	if offset < 0 || offset+HeaderSize > len(b) {
		return Header{}, false
	}
	p := b[offset : offset+HeaderSize]
	return Header{
		Length:   binary.LittleEndian.Uint32(p[0:4]),
		Command:  binary.LittleEndian.Uint16(p[4:6]),
		Checksum: binary.LittleEndian.Uint16(p[6:8]),
	}, true
}

// ValidAt reports whether a checksum-valid header starts at offset.
func ValidAt(b []byte, offset int) bool {
	if offset < 0 || offset+HeaderSize > len(b) {
		return false
	}
	want := binary.LittleEndian.Uint16(b[offset+checksummedSize : offset+HeaderSize])
	return Checksum(b[offset:offset+checksummedSize]) == want
}

// FindValidHeader returns the offset of the first checksum-valid header in b,
// or -1 if there is none.
func FindValidHeader(b []byte) int {
	for offset := 0; offset+HeaderSize <= len(b); offset++ {
		if ValidAt(b, offset) {
			return offset
		}
	}
	return -1
}
