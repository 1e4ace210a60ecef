package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// acceptBackoff is the pause after a failed Accept before retrying.
const acceptBackoff = 50 * time.Millisecond

// service is the state of one StartService/StopService cycle.
type service struct {
	listener   net.Listener
	workers    int
	jobs       chan *dispatchJob
	quit       chan struct{}
	acceptDone chan struct{}
	inflight   *semaphore.Weighted
	stopOnce   sync.Once
}

func newService(ln net.Listener, workers int, maxInflight int64) *service {
	return &service{
		listener:   ln,
		workers:    workers,
		jobs:       make(chan *dispatchJob),
		quit:       make(chan struct{}),
		acceptDone: make(chan struct{}),
		inflight:   semaphore.NewWeighted(maxInflight),
	}
}

// stop closes the listener and waits for the accept goroutine, so no
// connection can be adopted after it returns.
func (s *service) stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.listener.Close()
	})
	<-s.acceptDone
}

// acceptLoop handles incoming connections.
func (n *Node) acceptLoop(svc *service) {
	defer close(svc.acceptDone)

	for {
		conn, err := svc.listener.Accept()
		if err != nil {
			select {
			case <-svc.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			n.logger.WithFields(logrus.Fields{
				"function": "Node.acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")

			select {
			case <-time.After(acceptBackoff):
			case <-svc.quit:
				return
			}
			continue
		}

		select {
		case <-svc.quit:
			conn.Close()
			return
		default:
		}

		n.manager.Adopt(conn)

		// Reap finished per-connection goroutines while we are here.
		n.tracker.AutoClean()
	}
}
