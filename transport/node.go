package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fedmesh/dedup"
	"github.com/opd-ai/fedmesh/limits"
	"github.com/opd-ai/fedmesh/tasks"
	"github.com/opd-ai/fedmesh/wire"
)

// Node is a peer in the mesh. It serves inbound requests through a
// receive callback and sends requests to other peers, reporting each
// outcome through a completion callback.
//
// A Node owns its duplicate checker, task tracker, connection manager and
// metrics registry; nothing is shared between nodes in one process.
type Node struct {
	opts     *Options
	logger   *logrus.Logger
	registry *prometheus.Registry
	metrics  *Metrics
	tracker  *tasks.Tracker
	checker  *dedup.Checker
	manager  *Manager

	// stateMu guards the service lifecycle. Send holds it for reading so
	// StopService cannot miss a connection opened concurrently.
	stateMu  sync.RWMutex
	svc      *service
	stopping bool
	stopDone chan struct{}
	closed   bool

	pendingMu sync.Mutex
	pending   map[*pendingSend]struct{}

	handlersMu sync.RWMutex
	handlers   map[uint16]ReceiveFunc
	receive    ReceiveFunc

	// gate admits completion callbacks, timers admits timeout handlers.
	gate   callbackGate
	timers callbackGate
}

// NewNode creates a Node. A nil opts selects NewOptions. The node can send
// immediately; call StartService to accept inbound connections.
func NewNode(opts *Options) (*Node, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	n := &Node{
		opts:     opts,
		logger:   opts.Logger,
		registry: registry,
		metrics:  NewMetrics(registry),
		tracker:  tasks.New(opts.Logger),
		handlers: make(map[uint16]ReceiveFunc),
		pending:  make(map[*pendingSend]struct{}),
	}
	n.checker = dedup.New(opts.DuplicateExpiry, opts.SweepInterval, dedup.WithLogger(opts.Logger))
	n.manager = newManager(opts, n.tracker, n.metrics, n.handleFrames)
	n.manager.onClose = n.connectionClosed
	n.tracker.SetDeleteCallback(func(tasks.ID) { n.metrics.taskReaped() })

	return n, nil
}

// SetReceiveCallback registers the default handler for inbound requests.
// It replaces any previous callback.
func (n *Node) SetReceiveCallback(fn ReceiveFunc) {
	n.handlersMu.Lock()
	defer n.handlersMu.Unlock()
	n.receive = fn
}

// RegisterHandler routes requests with the given command to fn instead of
// the receive callback. A nil fn removes the route.
func (n *Node) RegisterHandler(command uint16, fn ReceiveFunc) {
	n.handlersMu.Lock()
	defer n.handlersMu.Unlock()
	if fn == nil {
		delete(n.handlers, command)
		return
	}
	n.handlers[command] = fn
}

func (n *Node) route(command uint16) ReceiveFunc {
	n.handlersMu.RLock()
	defer n.handlersMu.RUnlock()
	if fn, ok := n.handlers[command]; ok {
		return fn
	}
	return n.receive
}

// StartService listens on bindAddr:port and starts one accept goroutine and
// workers dispatch goroutines. On error nothing is left running.
func (n *Node) StartService(bindAddr string, port uint16, workers int) error {
	addr := net.JoinHostPort(bindAddr, strconv.Itoa(int(port)))
	if workers < 1 {
		return newOpError("start", addr, fmt.Errorf("%w: %d", ErrInvalidWorkers, workers))
	}

	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	switch {
	case n.closed:
		return newOpError("start", addr, ErrNodeClosed)
	case n.stopping:
		return newOpError("start", addr, ErrNodeStopping)
	case n.svc != nil:
		return newOpError("start", addr, ErrAlreadyRunning)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"function": "Node.StartService",
			"address":  addr,
			"error":    err.Error(),
		}).Error("Failed to bind listener")
		return newOpError("listen", addr, err)
	}

	svc := newService(ln, workers, n.opts.MaxInflightBatches)
	for i := 0; i < workers; i++ {
		n.tracker.Go("worker", func() { n.workerLoop(svc) })
	}
	n.tracker.Go("accept", func() { n.acceptLoop(svc) })
	n.svc = svc

	n.logger.WithFields(logrus.Fields{
		"function": "Node.StartService",
		"address":  ln.Addr().String(),
		"workers":  workers,
	}).Info("Service started")

	return nil
}

// StopService stops accepting, closes every connection, cancels every
// pending send and waits for all goroutines of the node to exit. No
// completion callback runs after it returns. Calling it on a stopped node
// does nothing beyond closing leftover outbound connections; calling it
// while another StopService is running waits for that one to finish.
func (n *Node) StopService() {
	n.stateMu.Lock()
	if n.stopping {
		done := n.stopDone
		n.stateMu.Unlock()
		<-done
		return
	}
	n.stopping = true
	n.stopDone = make(chan struct{})
	svc := n.svc
	n.svc = nil
	n.stateMu.Unlock()

	if svc != nil {
		svc.stop()
	}
	n.manager.CloseAll()

	// A timeout handler may be closing a connection CloseAll no longer
	// sees. Claim whatever is left before shutting the gates.
	if cancelled := n.cancelPending(); cancelled > 0 {
		n.logger.WithFields(logrus.Fields{
			"function":  "Node.StopService",
			"cancelled": cancelled,
		}).Debug("Cancelled pending sends")
	}
	n.timers.quiesce()
	n.tracker.WaitForClose()
	n.gate.quiesce()
	n.gate.reopen()
	n.timers.reopen()

	n.stateMu.Lock()
	n.stopping = false
	close(n.stopDone)
	n.stopDone = nil
	n.stateMu.Unlock()

	if svc != nil {
		n.logger.WithFields(logrus.Fields{
			"function": "Node.StopService",
			"address":  svc.listener.Addr().String(),
		}).Info("Service stopped")
	}
}

// Close stops the service and the duplicate checker. The node cannot be
// used afterwards.
func (n *Node) Close() error {
	n.stateMu.Lock()
	if n.closed {
		n.stateMu.Unlock()
		return nil
	}
	n.closed = true
	n.stateMu.Unlock()

	n.StopService()
	return n.checker.Close()
}

// LocalAddr returns the listening address, or nil when the service is not running.
func (n *Node) LocalAddr() net.Addr {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	if n.svc == nil {
		return nil
	}
	return n.svc.listener.Addr()
}

// Registry returns the Prometheus registry holding the node's metrics.
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// Connections returns the number of open connections.
func (n *Node) Connections() int {
	return n.manager.Len()
}

// Send writes a request frame to ip:port and reports the reply, or the
// failure, to onComplete exactly once. It never blocks and never calls
// onComplete before returning. A zero timeout selects the default send
// timeout.
//
// Send returns an error, and onComplete is never called, only when the
// arguments are invalid or the node is stopping or closed.
func (n *Node) Send(ip string, port uint16, family AddressFamily, command uint16, payload []byte, timeout time.Duration, onComplete CompletionFunc) error {
	addr := net.JoinHostPort(ip, strconv.Itoa(int(port)))
	if onComplete == nil {
		return newOpError("send", addr, ErrNilCallback)
	}
	network, err := family.network()
	if err != nil {
		return newOpError("send", addr, err)
	}
	if err := checkFamily(ip, family); err != nil {
		return newOpError("send", addr, err)
	}
	if err := limits.ValidateFrameSize(payload, n.opts.MaxFrameLength); err != nil {
		return newOpError("send", addr, err)
	}
	if timeout <= 0 {
		timeout = n.opts.DefaultSendTimeout
	}

	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	switch {
	case n.closed:
		return newOpError("send", addr, ErrNodeClosed)
	case n.stopping:
		return newOpError("send", addr, ErrNodeStopping)
	}

	frame, err := wire.BuildFrame(command, payload)
	if err != nil {
		return newOpError("send", addr, err)
	}
	c, err := n.manager.Open(network, addr)
	if err != nil {
		return err
	}

	p := newPendingSend(command, onComplete)
	n.track(p)
	p.arm(timeout, func() { n.expire(c, p) })

	c.sendMu.Lock()
	c.pushAwaiting(p)
	n.manager.EnqueueWrite(c, frame, func(status Status) {
		if status != StatusSuccess {
			n.finish(p, status, command, nil)
		}
	})
	c.sendMu.Unlock()

	n.logger.WithFields(logrus.Fields{
		"function": "Node.Send",
		"send_id":  p.id.String(),
		"remote":   addr,
		"command":  command,
		"size":     len(payload),
	}).Debug("Queued request")

	return nil
}

// expire delivers a timeout for p. The reply stream of c can no longer be
// matched to its requests, so c is closed.
func (n *Node) expire(c *Connection, p *pendingSend) {
	if !n.timers.enter() {
		return
	}
	defer n.timers.leave()

	if !n.finish(p, StatusTimeout, p.command, nil) {
		return
	}
	n.logger.WithFields(logrus.Fields{
		"function": "Node.expire",
		"send_id":  p.id.String(),
		"remote":   c.Key(),
	}).Warn("Send timed out, closing connection")
	n.manager.Close(c)
}

// connectionClosed fails every send still awaiting a reply on c.
func (n *Node) connectionClosed(c *Connection, status Status, awaiting []*pendingSend) {
	for _, p := range awaiting {
		n.finish(p, status, p.command, nil)
	}
}

func checkFamily(ip string, family AddressFamily) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("%w: %q is not an IP address", ErrInvalidAddress, ip)
	}
	isV4 := parsed.To4() != nil
	if family == IPv4 && !isV4 {
		return fmt.Errorf("%w: %s is not IPv4", ErrInvalidAddress, ip)
	}
	if family == IPv6 && isV4 {
		return fmt.Errorf("%w: %s is not IPv6", ErrInvalidAddress, ip)
	}
	return nil
}
