package transport

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fedmesh/dedup"
	"github.com/opd-ai/fedmesh/forkjoin"
	"github.com/opd-ai/fedmesh/limits"
	"github.com/opd-ai/fedmesh/wire"
)

// dispatchJob is one batch of request frames read from a connection.
type dispatchJob struct {
	conn   *Connection
	frames []wire.Frame
	done   chan struct{}
}

// handleFrames is the manager's FrameHandler. Frames on outbound
// connections are replies; frames on inbound connections are requests.
func (n *Node) handleFrames(c *Connection, frames []wire.Frame) {
	if c.Role() == RoleOutbound {
		for _, f := range frames {
			n.completeReply(c, f)
		}
		return
	}
	n.submit(c, frames)
}

// completeReply matches a reply to the oldest send awaiting one on c.
func (n *Node) completeReply(c *Connection, f wire.Frame) {
	p := c.popAwaiting()
	if p == nil {
		n.logger.WithFields(logrus.Fields{
			"function": "Node.completeReply",
			"remote":   c.Key(),
			"command":  f.Command,
		}).Warn("Dropping unsolicited reply")
		return
	}
	n.finish(p, StatusSuccess, f.Command, f.Payload)
}

func (n *Node) currentService() *service {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.svc
}

// submit hands a request batch to the worker pool and waits until its
// replies are queued, so replies on one connection keep request order.
func (n *Node) submit(c *Connection, frames []wire.Frame) {
	svc := n.currentService()
	if svc == nil {
		return
	}

	if err := svc.inflight.Acquire(c.ctx, 1); err != nil {
		return
	}
	defer svc.inflight.Release(1)

	job := &dispatchJob{conn: c, frames: frames, done: make(chan struct{})}
	select {
	case svc.jobs <- job:
	case <-svc.quit:
		return
	case <-c.Done():
		return
	}

	select {
	case <-job.done:
	case <-svc.quit:
	case <-c.Done():
	}
}

// workerLoop runs request batches until the service stops.
func (n *Node) workerLoop(svc *service) {
	for {
		select {
		case job := <-svc.jobs:
			n.processBatch(job)
		case <-svc.quit:
			return
		}
	}
}

// processBatch answers every request in the batch, fanning out across
// goroutines when there is more than one, and queues the replies in order.
func (n *Node) processBatch(job *dispatchJob) {
	defer close(job.done)

	frames := job.frames
	replies := make([]wire.Frame, len(frames))
	n.metrics.batch(len(frames))

	if len(frames) == 1 {
		replies[0] = n.handleRequest(job.conn, frames[0])
	} else {
		width := n.opts.FanOut
		if width > len(frames) {
			width = len(frames)
		}
		err := forkjoin.Run(width, forkjoin.Dynamic, len(frames), func(i, _ int) {
			replies[i] = n.handleRequest(job.conn, frames[i])
		})
		if err != nil {
			n.logger.WithFields(logrus.Fields{
				"function": "Node.processBatch",
				"error":    err.Error(),
			}).Error("Fork-join dispatch failed")
			return
		}
	}

	for _, reply := range replies {
		n.reply(job.conn, reply)
	}
}

func (n *Node) reply(c *Connection, f wire.Frame) {
	seq, err := wire.BuildFrame(f.Command, f.Payload)
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"function": "Node.reply",
			"error":    err.Error(),
		}).Error("Failed to build reply")
		return
	}
	n.manager.EnqueueWrite(c, seq, func(status Status) {
		if status == StatusSuccess || status == StatusCancelled {
			return
		}
		n.logger.WithFields(logrus.Fields{
			"function": "Node.reply",
			"remote":   c.Key(),
			"command":  f.Command,
			"status":   status.String(),
		}).Warn("Reply not delivered")
	})
}

// handleRequest runs the duplicate check and the routed handler for one
// request and returns the reply frame. Suppressed, unroutable and failing
// requests are answered with an empty echo of their command, which keeps
// the peer's replies aligned with its requests.
func (n *Node) handleRequest(c *Connection, f wire.Frame) wire.Frame {
	echo := wire.Frame{Command: f.Command}

	fp := dedup.FingerprintFrame(f.Command, f.Payload)
	if n.checker.CheckAndAdd(fp) {
		n.metrics.duplicate()
		n.logger.WithFields(logrus.Fields{
			"function":    "Node.handleRequest",
			"remote":      c.Key(),
			"command":     f.Command,
			"fingerprint": fp.String(),
		}).Debug("Suppressed duplicate request")
		return echo
	}

	handler := n.route(f.Command)
	if handler == nil {
		n.metrics.protocolError()
		n.logger.WithFields(logrus.Fields{
			"function": "Node.handleRequest",
			"remote":   c.Key(),
			"command":  f.Command,
			"error":    ErrUnknownCommand.Error(),
		}).Warn("No handler for command")
		return echo
	}

	reply, err := n.invoke(handler, f)
	if err != nil {
		n.metrics.protocolError()
		n.logger.WithFields(logrus.Fields{
			"function": "Node.handleRequest",
			"remote":   c.Key(),
			"command":  f.Command,
			"error":    err.Error(),
		}).Error("Request handler failed")
		return echo
	}
	return reply
}

// invoke calls handler, converting a panic or an oversized reply into an error.
func (n *Node) invoke(handler ReceiveFunc, f wire.Frame) (reply wire.Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	cmd, payload := handler(f.Command, f.Payload)
	if err := limits.ValidateFrameSize(payload, n.opts.MaxFrameLength); err != nil {
		return wire.Frame{}, err
	}
	return wire.Frame{Command: cmd, Payload: payload}, nil
}
