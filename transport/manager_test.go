package transport

import (
	"bytes"
	"io"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/fedmesh/wire"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// frameRecorder collects the frames a Manager hands to its FrameHandler.
type frameRecorder struct {
	mu      sync.Mutex
	batches [][]wire.Frame
}

func (r *frameRecorder) handle(_ *Connection, frames []wire.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, frames)
}

func (r *frameRecorder) frames() []wire.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []wire.Frame
	for _, b := range r.batches {
		all = append(all, b...)
	}
	return all
}

func (r *frameRecorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func newTestManager(t *testing.T, opts *Options) (*Manager, *frameRecorder) {
	t.Helper()
	if opts == nil {
		opts = NewOptions()
	}
	opts.Logger = quietLogger()
	rec := &frameRecorder{}
	m, err := NewManager(opts, rec.handle)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m, rec
}

func encodeFrame(t *testing.T, command uint16, payload []byte) []byte {
	t.Helper()
	seq, err := wire.BuildFrame(command, payload)
	require.NoError(t, err)
	return seq.Take()
}

// garbage returns n random bytes containing no valid header at any offset,
// including offsets whose header would run into the bytes that follow.
func garbage(t *testing.T, seed int64, n int, follow []byte) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	stream := make([]byte, n+len(follow))
	rng.Read(stream[:n])
	copy(stream[n:], follow)

	for changed := true; changed; {
		changed = false
		for i := 0; i < n; i++ {
			if wire.ValidAt(stream, i) {
				stream[i] ^= 0xFF
				changed = true
			}
		}
	}
	require.Equal(t, -1, wire.FindValidHeader(stream[:n]))
	return stream[:n]
}

func TestOnBytesReceivedFragmentedHeader(t *testing.T) {
	m, rec := newTestManager(t, nil)
	c := newConnection("peer", "tcp", RoleInbound)
	frame := encodeFrame(t, 9, []byte("fragmented"))

	m.OnBytesReceived(c, frame[:4])
	assert.Equal(t, 0, rec.calls())
	assert.Equal(t, 4, c.Buffered())
	assert.Equal(t, StateNew, c.State(), "a partial header must not close the connection")

	m.OnBytesReceived(c, frame[4:])
	got := rec.frames()
	require.Len(t, got, 1)
	assert.Equal(t, uint16(9), got[0].Command)
	assert.Equal(t, []byte("fragmented"), got[0].Payload)
	assert.Equal(t, 0, c.Buffered())
}

func TestOnBytesReceivedByteAtATime(t *testing.T) {
	m, rec := newTestManager(t, nil)
	c := newConnection("peer", "tcp", RoleInbound)
	frame := encodeFrame(t, 3, []byte("slow"))

	for i := range frame {
		m.OnBytesReceived(c, frame[i:i+1])
	}

	got := rec.frames()
	require.Len(t, got, 1)
	assert.Equal(t, []byte("slow"), got[0].Payload)
}

func TestOnBytesReceivedBackToBackFrames(t *testing.T) {
	m, rec := newTestManager(t, nil)
	c := newConnection("peer", "tcp", RoleInbound)

	var stream []byte
	stream = append(stream, encodeFrame(t, 1, []byte("first"))...)
	stream = append(stream, encodeFrame(t, 2, nil)...)
	stream = append(stream, encodeFrame(t, 3, []byte("third"))...)

	m.OnBytesReceived(c, stream)

	require.Equal(t, 1, rec.calls(), "frames from one chunk are delivered together")
	got := rec.frames()
	require.Len(t, got, 3)
	for i, want := range []uint16{1, 2, 3} {
		assert.Equal(t, want, got[i].Command)
	}
	assert.Empty(t, got[1].Payload)
}

func TestOnBytesReceivedSkipsGarbagePrefix(t *testing.T) {
	m, rec := newTestManager(t, nil)
	c := newConnection("peer", "tcp", RoleInbound)

	frame := encodeFrame(t, 42, []byte("after the noise"))
	noise := garbage(t, 1, 5000, frame)

	m.OnBytesReceived(c, append(append([]byte{}, noise...), frame...))

	got := rec.frames()
	require.Len(t, got, 1)
	assert.Equal(t, uint16(42), got[0].Command)
	assert.Equal(t, []byte("after the noise"), got[0].Payload)
	assert.Equal(t, 0, c.Buffered())
	assert.False(t, c.isClosing())
}

func TestOnBytesReceivedKeepsHeaderSplitAfterGarbage(t *testing.T) {
	m, rec := newTestManager(t, nil)
	c := newConnection("peer", "tcp", RoleInbound)

	frame := encodeFrame(t, 5, []byte("split"))
	noise := garbage(t, 2, 100, frame)

	m.OnBytesReceived(c, append(append([]byte{}, noise...), frame[:3]...))
	assert.Equal(t, 0, rec.calls())
	assert.LessOrEqual(t, c.Buffered(), wire.HeaderSize-1)

	m.OnBytesReceived(c, frame[3:])
	got := rec.frames()
	require.Len(t, got, 1)
	assert.Equal(t, []byte("split"), got[0].Payload)
}

func TestOnBytesReceivedSkipsOversizedCandidate(t *testing.T) {
	opts := NewOptions()
	opts.MaxFrameLength = 64
	opts.ReassemblyCeiling = 1024
	m, rec := newTestManager(t, opts)
	c := newConnection("peer", "tcp", RoleInbound)

	bogus := wire.Encode(1000, 7)
	stream := append(bogus[:], encodeFrame(t, 8, []byte("real"))...)

	m.OnBytesReceived(c, stream)

	got := rec.frames()
	require.Len(t, got, 1)
	assert.Equal(t, uint16(8), got[0].Command)
}

func TestOnBytesReceivedSkipsCorruptedFrame(t *testing.T) {
	m, rec := newTestManager(t, nil)
	c := newConnection("peer", "tcp", RoleInbound)

	bad := encodeFrame(t, 1, []byte("corrupted"))
	bad[6] ^= 0x01
	stream := append(bad, encodeFrame(t, 2, []byte("intact"))...)

	m.OnBytesReceived(c, stream)

	got := rec.frames()
	require.Len(t, got, 1)
	assert.Equal(t, uint16(2), got[0].Command)
	assert.Equal(t, []byte("intact"), got[0].Payload)
}

func TestOnBytesReceivedClosesUnsyncableStream(t *testing.T) {
	opts := NewOptions()
	opts.MaxFrameLength = 64
	opts.ReassemblyCeiling = 128
	opts.ScanBudget = 16
	m, rec := newTestManager(t, opts)
	c := newConnection("peer", "tcp", RoleInbound)

	noise := garbage(t, 3, 200, nil)
	for i := 0; i < len(noise); i += 25 {
		m.OnBytesReceived(c, noise[i:i+25])
	}

	assert.Equal(t, 0, rec.calls())
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, c.Buffered())
}

func TestReadLoopReassemblesPartialReads(t *testing.T) {
	m, rec := newTestManager(t, nil)
	server, client := net.Pipe()
	defer client.Close()

	c := m.Adopt(server)
	assert.Equal(t, RoleInbound, c.Role())
	assert.Equal(t, StateConnected, c.State())

	var stream []byte
	for i := 0; i < 5; i++ {
		stream = append(stream, encodeFrame(t, uint16(i), bytes.Repeat([]byte{byte(i)}, i*10))...)
	}
	for len(stream) > 0 {
		n := 3
		if n > len(stream) {
			n = len(stream)
		}
		_, err := client.Write(stream[:n])
		require.NoError(t, err)
		stream = stream[n:]
	}

	require.Eventually(t, func() bool { return len(rec.frames()) == 5 }, time.Second, 5*time.Millisecond)
	for i, f := range rec.frames() {
		assert.Equal(t, uint16(i), f.Command)
		assert.Len(t, f.Payload, i*10)
	}
}

func TestEnqueueWriteDrainsInOrder(t *testing.T) {
	m, _ := newTestManager(t, nil)
	server, client := net.Pipe()
	defer client.Close()
	c := m.Adopt(server)

	var mu sync.Mutex
	var statuses []Status
	for i := 0; i < 3; i++ {
		seq, err := wire.BuildFrame(uint16(i), []byte{byte(i)})
		require.NoError(t, err)
		m.EnqueueWrite(c, seq, func(s Status) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		})
	}

	buf := make([]byte, 3*(wire.HeaderSize+1))
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f, n, err := wire.ParseFrame(buf, 16)
		require.NoError(t, err)
		assert.Equal(t, uint16(i), f.Command)
		buf = buf[n:]
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Status{StatusSuccess, StatusSuccess, StatusSuccess}, statuses)
}

func TestCloseCancelsQueuedWrites(t *testing.T) {
	m, _ := newTestManager(t, nil)
	c := newConnection("peer", "tcp", RoleOutbound)

	var got []Status
	for i := 0; i < 2; i++ {
		seq, err := wire.BuildFrame(1, nil)
		require.NoError(t, err)
		m.EnqueueWrite(c, seq, func(s Status) { got = append(got, s) })
	}
	assert.Equal(t, 2, c.QueuedWrites())

	m.Close(c)
	assert.Equal(t, []Status{StatusCancelled, StatusCancelled}, got)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, c.QueuedWrites())

	// Closing again does nothing.
	m.Close(c)
	assert.Len(t, got, 2)
}

func TestEnqueueWriteOnClosedConnection(t *testing.T) {
	m, _ := newTestManager(t, nil)
	c := newConnection("peer", "tcp", RoleOutbound)
	m.Close(c)

	done := make(chan Status, 1)
	seq, err := wire.BuildFrame(1, nil)
	require.NoError(t, err)
	m.EnqueueWrite(c, seq, func(s Status) { done <- s })

	select {
	case s := <-done:
		assert.Equal(t, StatusCancelled, s)
	case <-time.After(time.Second):
		t.Fatal("write callback never fired")
	}
}

func TestOpenReusesLiveConnection(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	a, err := m.Open("tcp4", ln.Addr().String())
	require.NoError(t, err)
	b, err := m.Open("tcp4", ln.Addr().String())
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, m.Len())

	m.Close(a)
	assert.Equal(t, 0, m.Len())

	c, err := m.Open("tcp4", ln.Addr().String())
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestOpenRejectsMalformedAddress(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.Open("tcp4", "no-port")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestDialFailureReportsConnectionFailed(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, err := m.Open("tcp4", addr)
	require.NoError(t, err)

	done := make(chan Status, 1)
	seq, err := wire.BuildFrame(1, nil)
	require.NoError(t, err)
	m.EnqueueWrite(c, seq, func(s Status) { done <- s })

	select {
	case s := <-done:
		assert.Equal(t, StatusConnectionFailed, s)
	case <-time.After(5 * time.Second):
		t.Fatal("write callback never fired")
	}
}

func TestOnBytesReceivedManySmallFramesInOneChunk(t *testing.T) {
	m, rec := newTestManager(t, nil)
	c := newConnection("peer", "tcp", RoleInbound)

	const count = 4000
	var stream []byte
	for i := 0; i < count; i++ {
		stream = append(stream, encodeFrame(t, uint16(i), []byte{byte(i)})...)
	}
	tail := encodeFrame(t, 1, []byte("tail"))
	stream = append(stream, tail[:5]...)

	m.OnBytesReceived(c, stream)

	got := rec.frames()
	require.Len(t, got, count)
	for i, f := range got {
		if !assert.Equal(t, uint16(i), f.Command) {
			break
		}
	}
	assert.Equal(t, 5, c.Buffered(), "only the partial header stays buffered")

	m.OnBytesReceived(c, tail[5:])
	got = rec.frames()
	require.Len(t, got, count+1)
	assert.Equal(t, []byte("tail"), got[count].Payload)
}
