// Package dedup suppresses reprocessing of messages that were already seen
// within an expiry window.
package dedup

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// DefaultSweepInterval is how often expired fingerprints are removed when no
// interval is configured.
const DefaultSweepInterval = 60 * time.Second

// Fingerprint identifies a message for duplicate suppression.
type Fingerprint [blake2b.Size256]byte

// String returns a short hex prefix suitable for logs.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%x", f[:8])
}

// FingerprintFrame derives the fingerprint of a frame from its command and
// payload.
func FingerprintFrame(command uint16, payload []byte) Fingerprint {
	h, _ := blake2b.New256(nil)
	var cmd [2]byte
	binary.LittleEndian.PutUint16(cmd[:], command)
	h.Write(cmd[:])
	h.Write(payload)

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// Checker is a time-expiring set of fingerprints.
//
// Each Checker owns one background goroutine that sweeps expired entries
// every sweep interval. The goroutine starts in New and is stopped and
// joined by Close:
//
//	c := dedup.New(10*time.Minute, time.Minute)
//	defer c.Close()
//
//	if c.CheckAndAdd(fp) {
//	    // already seen, drop
//	}
//
// All methods are safe for concurrent use and share one mutex; sweeps are
// rare relative to lookups. An entry whose last sighting is at least the
// expiry old is removed by the next sweep, so Find may keep reporting it
// for up to one sweep interval past expiry.
type Checker struct {
	mu           sync.Mutex
	seen         map[Fingerprint]int64 // fingerprint -> last seen, unix seconds
	expire       time.Duration
	interval     time.Duration
	stopChan     chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
	logger       *logrus.Logger
	timeProvider TimeProvider
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger. The standard logrus logger is used by default.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeProvider sets the clock used to stamp and expire entries.
func WithTimeProvider(tp TimeProvider) Option {
	return func(c *Checker) {
		if tp != nil {
			c.timeProvider = tp
		}
	}
}

// New creates a Checker and starts its sweep goroutine. A non-positive
// sweepInterval selects DefaultSweepInterval.
func New(expire, sweepInterval time.Duration, opts ...Option) *Checker {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	c := &Checker{
		seen:         make(map[Fingerprint]int64),
		expire:       expire,
		interval:     sweepInterval,
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
		logger:       logrus.StandardLogger(),
		timeProvider: DefaultTimeProvider{},
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.sweepLoop()

	return c
}

// Add records fp as seen now, refreshing an existing entry.
func (c *Checker) Add(fp Fingerprint) {
	now := c.timeProvider.Now().Unix()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[fp] = now
}

// Find reports whether fp is present. It does not refresh the entry.
func (c *Checker) Find(fp Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[fp]
	return ok
}

// CheckAndAdd records fp and reports whether it was already present.
// The lookup and the insert happen under one lock, so of several concurrent
// callers with the same fingerprint exactly one observes false.
func (c *Checker) CheckAndAdd(fp Fingerprint) bool {
	now := c.timeProvider.Now().Unix()

	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.seen[fp]
	c.seen[fp] = now
	if ok {
		c.logger.WithFields(logrus.Fields{
			"function":    "Checker.CheckAndAdd",
			"fingerprint": fp.String(),
		}).Debug("Duplicate fingerprint")
	}
	return ok
}

// Len returns the number of tracked fingerprints.
func (c *Checker) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Sweep removes every entry last seen at least the expiry ago and returns
// how many were removed.
func (c *Checker) Sweep() int {
	now := c.timeProvider.Now().Unix()
	expire := expireSeconds(c.expire)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for fp, lastSeen := range c.seen {
		if now-lastSeen >= expire {
			delete(c.seen, fp)
			removed++
		}
	}

	if removed > 0 {
		c.logger.WithFields(logrus.Fields{
			"function":  "Checker.Sweep",
			"removed":   removed,
			"remaining": len(c.seen),
		}).Debug("Swept expired fingerprints")
	}
	return removed
}

// expireSeconds converts d to whole seconds, rounding up. Entries are
// stamped in seconds, so an expiry below one second still keeps an entry
// for the rest of the second it was added in.
func expireSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// sweepLoop periodically removes expired fingerprints
func (c *Checker) sweepLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopChan:
			return
		}
	}
}

// Close stops the sweep goroutine and waits for it to exit. It is safe to
// call more than once.
func (c *Checker) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
	<-c.done
	return nil
}
