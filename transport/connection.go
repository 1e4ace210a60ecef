package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/opd-ai/fedmesh/buffer"
)

// ConnectionState is the lifecycle stage of a Connection.
//
// Outbound connections move NEW → CONNECTING → CONNECTED → CLOSING → CLOSED.
// Accepted connections skip CONNECTING. A connection never moves backwards.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Role says which side opened a connection, and so how its inbound frames
// are interpreted.
type Role int

const (
	// RoleOutbound connections were dialed by this node; inbound frames are
	// replies to its sends.
	RoleOutbound Role = iota
	// RoleInbound connections were accepted; inbound frames are requests.
	RoleInbound
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleInbound {
		return "inbound"
	}
	return "outbound"
}

type writeRequest struct {
	frame *buffer.Sequence
	cb    WriteCallback
}

// Connection is the per-peer state owned by a Manager.
type Connection struct {
	key     string
	network string
	role    Role

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}
	wake   chan struct{}

	mu          sync.Mutex
	state       ConnectionState
	conn        net.Conn
	queue       []writeRequest
	awaiting    []*pendingSend
	closeStatus Status

	// sendMu keeps the awaiting queue and the write queue in the same order.
	sendMu sync.Mutex

	// reassembly state, touched only while holding rmu
	rmu        sync.Mutex
	reassembly buffer.Sequence
	discarded  int
}

func newConnection(key, network string, role Role) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		key:     key,
		network: network,
		role:    role,
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
		wake:    make(chan struct{}, 1),
		state:   StateNew,
	}
}

// Key returns the peer address the connection is registered under.
func (c *Connection) Key() string { return c.key }

// Role returns which side opened the connection.
func (c *Connection) Role() Role { return c.role }

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection starts closing.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// RemoteAddr returns the peer's address once connected, or nil.
func (c *Connection) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// Buffered returns the number of bytes waiting in the reassembly buffer.
func (c *Connection) Buffered() int {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.reassembly.Len()
}

// QueuedWrites returns the number of writes not yet handed to the socket.
func (c *Connection) QueuedWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// live reports whether the connection can still accept work.
// c.mu must be held.
func (c *Connection) live() bool {
	return c.state < StateClosing
}

// beginDial moves a NEW connection to CONNECTING.
func (c *Connection) beginDial() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateNew {
		return false
	}
	c.state = StateConnecting
	return true
}

// attach binds a socket and moves the connection to CONNECTED. It fails if
// the connection was closed in the meantime.
func (c *Connection) attach(nc net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateNew && c.state != StateConnecting {
		return false
	}
	c.conn = nc
	c.state = StateConnected
	return true
}

// push appends a write to the FIFO. It reports false, and the close status,
// if the connection no longer accepts writes.
func (c *Connection) push(req writeRequest) (bool, Status) {
	c.mu.Lock()
	if !c.live() {
		status := c.closeStatus
		c.mu.Unlock()
		return false, status
	}
	c.queue = append(c.queue, req)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true, StatusSuccess
}

// pop removes the oldest queued write while the connection is CONNECTED.
func (c *Connection) pop() (writeRequest, net.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || len(c.queue) == 0 {
		return writeRequest{}, nil, false
	}
	req := c.queue[0]
	c.queue[0] = writeRequest{}
	c.queue = c.queue[1:]
	return req, c.conn, true
}

// pushAwaiting records a send that expects the next unclaimed reply.
func (c *Connection) pushAwaiting(p *pendingSend) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live() {
		return false
	}
	c.awaiting = append(c.awaiting, p)
	return true
}

// popAwaiting removes the oldest send awaiting a reply.
func (c *Connection) popAwaiting() *pendingSend {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.awaiting) == 0 {
		return nil
	}
	p := c.awaiting[0]
	c.awaiting[0] = nil
	c.awaiting = c.awaiting[1:]
	return p
}

// beginClose moves the connection to CLOSING and hands back everything that
// must be released. It reports false if the connection was already closing.
func (c *Connection) beginClose(status Status) (net.Conn, []writeRequest, []*pendingSend, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live() {
		return nil, nil, nil, false
	}
	c.state = StateClosing
	c.closeStatus = status
	queue, awaiting := c.queue, c.awaiting
	c.queue, c.awaiting = nil, nil
	c.cancel()
	close(c.closed)
	return c.conn, queue, awaiting, true
}

func (c *Connection) finishClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
}

// isClosing reports whether the connection has started closing.
func (c *Connection) isClosing() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
