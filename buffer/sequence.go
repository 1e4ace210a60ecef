// Package buffer provides the owned, growable byte sequence used to
// serialize outbound frames and to hold per-connection reassembly state.
package buffer

// DefaultCapacity is the initial capacity of a zero-value Sequence on first append.
const DefaultCapacity = 64

// noCopy lets `go vet -copylocks` flag accidental copies of a Sequence.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Sequence is a growable byte buffer with exclusive ownership of its memory.
//
// A Sequence must not be copied after first use; hand it off by pointer and
// stop touching it, or move its contents out with Take or Swap. Capacity
// doubles whenever an append would overflow it, and bytes already appended
// are never modified by growth.
//
// Multi-byte integers are appended least-significant byte first.
//
// A Sequence is not safe for concurrent use.
type Sequence struct {
	_   noCopy
	buf []byte
}

// New returns an empty Sequence with at least the given capacity.
func New(capacity int) *Sequence {
	if capacity < 0 {
		capacity = 0
	}
	return &Sequence{buf: make([]byte, 0, capacity)}
}

// Len returns the number of bytes held.
func (s *Sequence) Len() int { return len(s.buf) }

// Cap returns the current capacity.
func (s *Sequence) Cap() int { return cap(s.buf) }

// Bytes exposes the current contents without copying. The slice aliases the
// Sequence's memory and is only valid until the next mutating call.
func (s *Sequence) Bytes() []byte { return s.buf }

// grow makes room for n more bytes, doubling capacity until it fits.
func (s *Sequence) grow(n int) {
	need := len(s.buf) + n
	if need <= cap(s.buf) {
		return
	}
	newCap := cap(s.buf)
	if newCap == 0 {
		newCap = DefaultCapacity
	}
	for newCap < need {
		newCap *= 2
	}
	next := make([]byte, len(s.buf), newCap)
	copy(next, s.buf)
	s.buf = next
}

// AppendByte appends a single byte.
func (s *Sequence) AppendByte(b byte) {
	s.grow(1)
	s.buf = append(s.buf, b)
}

// AppendBytes appends p.
func (s *Sequence) AppendBytes(p []byte) {
	s.grow(len(p))
	s.buf = append(s.buf, p...)
}

// AppendString appends the raw bytes of str.
func (s *Sequence) AppendString(str string) {
	s.grow(len(str))
	s.buf = append(s.buf, str...)
}

// AppendUint16 appends v in little-endian order.
func (s *Sequence) AppendUint16(v uint16) {
	s.appendLE(uint64(v), 2)
}

// AppendUint32 appends v in little-endian order.
func (s *Sequence) AppendUint32(v uint32) {
	s.appendLE(uint64(v), 4)
}

// AppendUint64 appends v in little-endian order.
func (s *Sequence) AppendUint64(v uint64) {
	s.appendLE(v, 8)
}

// AppendInt32 appends the two's complement bits of v in little-endian order.
func (s *Sequence) AppendInt32(v int32) {
	s.appendLE(uint64(uint32(v)), 4)
}

// AppendInt64 appends the two's complement bits of v in little-endian order.
func (s *Sequence) AppendInt64(v int64) {
	s.appendLE(uint64(v), 8)
}

// AppendBool appends 1 for true and 0 for false.
func (s *Sequence) AppendBool(v bool) {
	if v {
		s.AppendByte(1)
		return
	}
	s.AppendByte(0)
}

func (s *Sequence) appendLE(v uint64, width int) {
	s.grow(width)
	for i := 0; i < width; i++ {
		s.buf = append(s.buf, byte(v>>(8*i)))
	}
}

// Discard drops the first n bytes, keeping the remainder at the front.
// Discarding more than Len empties the Sequence.
func (s *Sequence) Discard(n int) {
	if n <= 0 {
		return
	}
	if n >= len(s.buf) {
		s.buf = s.buf[:0]
		return
	}
	rest := copy(s.buf, s.buf[n:])
	s.buf = s.buf[:rest]
}

// Reset empties the Sequence but keeps its capacity.
func (s *Sequence) Reset() {
	s.buf = s.buf[:0]
}

// Swap exchanges the contents of s and other.
func (s *Sequence) Swap(other *Sequence) {
	s.buf, other.buf = other.buf, s.buf
}

// Take moves the contents out of s, leaving it empty with no capacity.
// The caller becomes the sole owner of the returned slice.
func (s *Sequence) Take() []byte {
	out := s.buf
	s.buf = nil
	return out
}
