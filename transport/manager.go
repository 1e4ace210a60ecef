package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fedmesh/buffer"
	"github.com/opd-ai/fedmesh/limits"
	"github.com/opd-ai/fedmesh/tasks"
	"github.com/opd-ai/fedmesh/wire"
)

type connKey struct {
	role Role
	addr string
}

// closeHook observes every connection close together with the sends that
// were still awaiting a reply on it.
type closeHook func(c *Connection, status Status, awaiting []*pendingSend)

// Manager owns the connections of one node.
//
// It maps peer addresses to Connections, runs one reader and one writer
// goroutine per connected socket, drains each connection's write queue in
// FIFO order, and turns inbound bytes into frames for its FrameHandler.
// The connection table is guarded by a single mutex.
type Manager struct {
	mu    sync.Mutex
	conns map[connKey]*Connection

	opts    *Options
	tracker *tasks.Tracker
	metrics *Metrics
	logger  *logrus.Logger

	onFrames FrameHandler
	onClose  closeHook
}

// NewManager creates a standalone Manager that delivers extracted frames to
// onFrames. A nil opts selects NewOptions.
func NewManager(opts *Options, onFrames FrameHandler) (*Manager, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return newManager(opts, tasks.New(opts.Logger), nil, onFrames), nil
}

func newManager(opts *Options, tracker *tasks.Tracker, metrics *Metrics, onFrames FrameHandler) *Manager {
	return &Manager{
		conns:    make(map[connKey]*Connection),
		opts:     opts,
		tracker:  tracker,
		metrics:  metrics,
		logger:   opts.Logger,
		onFrames: onFrames,
	}
}

// Open returns the outbound connection to address, creating it and starting
// an asynchronous dial if there is none or the existing one is closing.
func (m *Manager) Open(network, address string) (*Connection, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, newOpError("open", address, ErrInvalidAddress)
	}

	key := connKey{role: RoleOutbound, addr: address}

	m.mu.Lock()
	if c, ok := m.conns[key]; ok && c.State() < StateClosing {
		m.mu.Unlock()
		return c, nil
	}
	c := newConnection(address, network, RoleOutbound)
	m.conns[key] = c
	m.mu.Unlock()

	m.metrics.connectionOpened(RoleOutbound)
	if c.beginDial() {
		m.tracker.Go("dial", func() { m.dial(c) })
	}

	return c, nil
}

// Adopt registers an accepted socket as a CONNECTED inbound connection and
// starts its I/O goroutines.
func (m *Manager) Adopt(nc net.Conn) *Connection {
	addr := nc.RemoteAddr().String()
	c := newConnection(addr, nc.RemoteAddr().Network(), RoleInbound)
	c.attach(nc)

	key := connKey{role: RoleInbound, addr: addr}
	m.mu.Lock()
	old := m.conns[key]
	m.conns[key] = c
	m.mu.Unlock()

	if old != nil {
		m.Close(old)
	}

	m.metrics.connectionOpened(RoleInbound)
	m.logger.WithFields(logrus.Fields{
		"function": "Manager.Adopt",
		"remote":   addr,
	}).Debug("Accepted connection")

	m.startIO(c, nc)
	return c
}

// Get returns the live connection for address and role, if any.
func (m *Manager) Get(role Role, address string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connKey{role: role, addr: address}]
	return c, ok
}

// Len returns the number of registered connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// EnqueueWrite appends frame to c's write queue and takes ownership of it.
// cb fires exactly once, from another goroutine, when the frame has been
// written or has been dropped because the connection closed.
func (m *Manager) EnqueueWrite(c *Connection, frame *buffer.Sequence, cb WriteCallback) {
	if cb == nil {
		cb = func(Status) {}
	}
	ok, status := c.push(writeRequest{frame: frame, cb: cb})
	if ok {
		return
	}
	m.tracker.Go("write-cancel", func() { cb(status) })
}

// Close closes c, cancelling its unflushed writes. Closing a connection that
// is already closing or closed does nothing.
func (m *Manager) Close(c *Connection) {
	m.closeWith(c, StatusCancelled, nil)
}

// CloseAll closes every registered connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.Close(c)
	}
}

// Shutdown closes every connection and waits for all I/O goroutines.
func (m *Manager) Shutdown() {
	m.CloseAll()
	m.tracker.WaitForClose()
}

func (m *Manager) closeWith(c *Connection, status Status, cause error) {
	nc, queue, awaiting, ok := c.beginClose(status)
	if !ok {
		return
	}

	if nc != nil {
		nc.Close()
	}

	key := connKey{role: c.role, addr: c.key}
	m.mu.Lock()
	if m.conns[key] == c {
		delete(m.conns, key)
	}
	m.mu.Unlock()

	fields := logrus.Fields{
		"function": "Manager.closeWith",
		"remote":   c.key,
		"role":     c.role.String(),
		"status":   status.String(),
		"dropped":  len(queue),
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	m.logger.WithFields(fields).Debug("Closing connection")

	for _, req := range queue {
		req.cb(status)
	}
	if m.onClose != nil {
		m.onClose(c, status, awaiting)
	}

	c.finishClose()
	m.metrics.connectionClosed(status)
}

func (m *Manager) dial(c *Connection) {
	d := net.Dialer{Timeout: m.opts.DialTimeout}
	nc, err := d.DialContext(c.ctx, c.network, c.key)
	if err != nil {
		if !c.isClosing() {
			m.logger.WithFields(logrus.Fields{
				"function": "Manager.dial",
				"remote":   c.key,
				"error":    err.Error(),
			}).Warn("Failed to connect to peer")
		}
		m.closeWith(c, StatusConnectionFailed, err)
		return
	}

	if !c.attach(nc) {
		nc.Close()
		return
	}
	m.startIO(c, nc)
}

func (m *Manager) startIO(c *Connection, nc net.Conn) {
	m.tracker.Go("reader", func() { m.readLoop(c, nc) })
	m.tracker.Go("writer", func() { m.writeLoop(c) })
}

// readLoop feeds socket bytes into the connection's reassembly buffer until
// the socket fails or the connection closes.
func (m *Manager) readLoop(c *Connection, nc net.Conn) {
	buf := make([]byte, m.opts.ReadChunk)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			m.OnBytesReceived(c, buf[:n])
		}
		if err != nil {
			if !c.isClosing() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				m.logger.WithFields(logrus.Fields{
					"function": "Manager.readLoop",
					"remote":   c.key,
					"error":    err.Error(),
				}).Warn("Read failed")
			}
			m.closeWith(c, StatusCancelled, err)
			return
		}
	}
}

// writeLoop drains the write queue in order.
func (m *Manager) writeLoop(c *Connection) {
	for {
		select {
		case <-c.wake:
		case <-c.closed:
			return
		}

		for {
			req, nc, ok := c.pop()
			if !ok {
				break
			}
			if err := m.write(nc, req.frame); err != nil {
				status := StatusWriteFailed
				if c.isClosing() {
					status = StatusCancelled
				}
				req.cb(status)
				m.closeWith(c, StatusCancelled, err)
				return
			}
			m.metrics.frameSent()
			req.cb(StatusSuccess)
		}
	}
}

func (m *Manager) write(nc net.Conn, frame *buffer.Sequence) error {
	if err := nc.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout)); err != nil {
		return err
	}
	_, err := nc.Write(frame.Take())
	return err
}

// OnBytesReceived appends data to c's reassembly buffer and hands every
// complete frame it now holds to the FrameHandler, in stream order.
//
// Bytes that cannot start a valid header are discarded in bounded scans. A
// connection whose buffered and discarded bytes pass the reassembly ceiling
// without yielding a frame is closed.
func (m *Manager) OnBytesReceived(c *Connection, data []byte) {
	if c.isClosing() {
		return
	}

	c.rmu.Lock()
	c.reassembly.AppendBytes(data)
	frames := m.extract(c)
	err := limits.ValidateReassembly(c.reassembly.Len(), c.discarded, m.opts.ReassemblyCeiling)
	if err != nil {
		c.reassembly.Reset()
	}
	c.rmu.Unlock()

	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"function": "Manager.OnBytesReceived",
			"remote":   c.key,
			"error":    err.Error(),
		}).Warn("Closing unsynchronizable connection")
		m.closeWith(c, StatusCancelled, newOpError("read", c.key, ErrUnsyncable))
		return
	}

	if len(frames) == 0 {
		return
	}
	m.metrics.frameReceived(len(frames))
	if m.onFrames != nil {
		m.onFrames(c, frames)
	}
}

// extract pulls every complete frame out of the reassembly buffer. It walks
// the buffer with a read offset and drops the consumed prefix once, before
// returning. c.rmu must be held.
func (m *Manager) extract(c *Connection) []wire.Frame {
	var frames []wire.Frame
	maxLen := uint32(m.opts.MaxFrameLength)
	buf := c.reassembly.Bytes()
	off := 0
	defer func() { c.reassembly.Discard(off) }()

	for {
		b := buf[off:]
		if len(b) < wire.HeaderSize {
			return frames
		}

		if wire.ValidAt(b, 0) {
			f, n, err := wire.ParseFrame(b, maxLen)
			switch {
			case err == nil:
				off += n
				c.discarded = 0
				frames = append(frames, f)
				continue
			case errors.Is(err, wire.ErrIncompletePayload):
				return frames
			default:
				// Checksum matched but the length is impossible: a false
				// positive, skip past it.
				off += m.skip(c, 1, len(b)-1)
				continue
			}
		}

		window := b
		if limit := m.opts.ScanBudget + wire.HeaderSize - 1; len(window) > limit {
			window = window[:limit]
		}
		if pos := wire.FindValidHeader(window); pos > 0 {
			off += m.skip(c, pos, len(b)-pos)
			continue
		}

		// Nothing in the window; keep its tail, which may be the start of a
		// header split across reads.
		n := len(window) - (wire.HeaderSize - 1)
		off += m.skip(c, n, len(b)-n)
		if len(window) == len(b) {
			return frames
		}
	}
}

// skip accounts for n garbage bytes and returns n. remaining is what stays
// buffered after them.
func (m *Manager) skip(c *Connection, n, remaining int) int {
	c.discarded += n
	m.metrics.discarded(n)
	m.logger.WithFields(logrus.Fields{
		"function":  "Manager.skip",
		"remote":    c.key,
		"discarded": n,
		"buffered":  remaining,
	}).Debug("Resynchronizing stream")
	return n
}
