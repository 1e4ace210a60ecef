package transport

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fedmesh/dedup"
	"github.com/opd-ai/fedmesh/limits"
)

// Options contains the tunables of a Node and its connection manager.
type Options struct {
	// DuplicateExpiry is how long a request fingerprint suppresses repeats.
	DuplicateExpiry time.Duration
	// SweepInterval is how often expired fingerprints are removed.
	SweepInterval time.Duration

	// DefaultSendTimeout applies to sends issued with a zero timeout.
	DefaultSendTimeout time.Duration
	DialTimeout        time.Duration
	WriteTimeout       time.Duration

	// MaxFrameLength bounds the payload length of frames sent and accepted.
	MaxFrameLength int
	// ReassemblyCeiling bounds unparsed plus discarded bytes per connection.
	ReassemblyCeiling int
	// ScanBudget bounds the bytes examined by one resynchronization pass.
	ScanBudget int
	// ReadChunk is the size of each socket read.
	ReadChunk int

	// FanOut is the fork-join width used for batches of inbound requests.
	FanOut int
	// MaxInflightBatches bounds request batches queued across all connections.
	MaxInflightBatches int64

	Logger   *logrus.Logger
	Registry *prometheus.Registry
}

// NewOptions returns Options with default values.
func NewOptions() *Options {
	return &Options{
		DuplicateExpiry:    10 * time.Minute,
		SweepInterval:      dedup.DefaultSweepInterval,
		DefaultSendTimeout: 30 * time.Second,
		DialTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		MaxFrameLength:     limits.MaxFrameLength,
		ReassemblyCeiling:  limits.MaxReassemblyBuffer,
		ScanBudget:         limits.DefaultScanBudget,
		ReadChunk:          32 * 1024,
		FanOut:             4,
		MaxInflightBatches: 1024,
		Logger:             logrus.StandardLogger(),
	}
}

// validate checks option consistency and fills zero values with defaults.
func (o *Options) validate() error {
	def := NewOptions()
	if o.DuplicateExpiry <= 0 {
		o.DuplicateExpiry = def.DuplicateExpiry
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = def.SweepInterval
	}
	if o.DefaultSendTimeout <= 0 {
		o.DefaultSendTimeout = def.DefaultSendTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.MaxFrameLength <= 0 {
		o.MaxFrameLength = def.MaxFrameLength
	}
	if o.ReassemblyCeiling <= 0 {
		o.ReassemblyCeiling = def.ReassemblyCeiling
	}
	if o.ScanBudget <= 0 {
		o.ScanBudget = def.ScanBudget
	}
	if o.ReadChunk <= 0 {
		o.ReadChunk = def.ReadChunk
	}
	if o.FanOut <= 0 {
		o.FanOut = def.FanOut
	}
	if o.MaxInflightBatches <= 0 {
		o.MaxInflightBatches = def.MaxInflightBatches
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}

	if o.ReassemblyCeiling < o.MaxFrameLength+limits.HeaderOverhead {
		return fmt.Errorf("%w: reassembly ceiling %d cannot hold a %d byte frame",
			ErrInvalidOptions, o.ReassemblyCeiling, o.MaxFrameLength+limits.HeaderOverhead)
	}
	return nil
}
