package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"
)

// pendingSend tracks one Send until its completion callback has fired.
type pendingSend struct {
	id         ksuid.KSUID
	command    uint16
	onComplete CompletionFunc
	fired      atomic.Bool

	mu    sync.Mutex
	timer *time.Timer
}

func newPendingSend(command uint16, onComplete CompletionFunc) *pendingSend {
	return &pendingSend{
		id:         ksuid.New(),
		command:    command,
		onComplete: onComplete,
	}
}

func (p *pendingSend) arm(d time.Duration, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fired.Load() {
		return
	}
	p.timer = time.AfterFunc(d, fn)
}

func (p *pendingSend) disarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// callbackGate lets StopService wait for work that is already running and
// refuse work that has not started.
type callbackGate struct {
	mu       sync.RWMutex
	quiesced bool
	running  sync.WaitGroup
}

// enter reports whether work may start. Each successful enter must be
// paired with leave.
func (g *callbackGate) enter() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.quiesced {
		return false
	}
	g.running.Add(1)
	return true
}

func (g *callbackGate) leave() {
	g.running.Done()
}

// quiesce blocks until all entered work has left. Later enters fail.
func (g *callbackGate) quiesce() {
	g.mu.Lock()
	g.quiesced = true
	g.mu.Unlock()
	g.running.Wait()
}

func (g *callbackGate) reopen() {
	g.mu.Lock()
	g.quiesced = false
	g.mu.Unlock()
}

// track registers p as in flight on the node.
func (n *Node) track(p *pendingSend) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	n.pending[p] = struct{}{}
}

func (n *Node) untrack(p *pendingSend) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	delete(n.pending, p)
}

// cancelPending completes every send that has not completed yet with
// StatusCancelled and returns how many it completed.
func (n *Node) cancelPending() int {
	n.pendingMu.Lock()
	sends := make([]*pendingSend, 0, len(n.pending))
	for p := range n.pending {
		sends = append(sends, p)
	}
	n.pendingMu.Unlock()

	cancelled := 0
	for _, p := range sends {
		p.disarm()
		if n.finish(p, StatusCancelled, p.command, nil) {
			cancelled++
		}
	}
	return cancelled
}

// finish claims p and runs its completion callback. It reports whether this
// call was the one that completed p.
func (n *Node) finish(p *pendingSend, status Status, command uint16, payload []byte) (completed bool) {
	if !n.gate.enter() {
		return false
	}
	defer n.gate.leave()

	if !p.fired.CompareAndSwap(false, true) {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			n.logger.WithFields(logrus.Fields{
				"function": "Node.finish",
				"send_id":  p.id.String(),
				"panic":    fmt.Sprint(r),
			}).Error("Completion callback panicked")
		}
	}()

	completed = true
	p.disarm()
	n.untrack(p)
	n.metrics.sendCompleted(status)
	p.onComplete(status, command, payload)
	return completed
}
