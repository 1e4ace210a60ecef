package transport

import (
	"fmt"

	"github.com/opd-ai/fedmesh/wire"
)

// ReceiveFunc handles one inbound request frame and returns the reply frame
// written back to the originating connection.
type ReceiveFunc func(command uint16, payload []byte) (responseCommand uint16, responsePayload []byte)

// CompletionFunc reports the outcome of a Send. On StatusSuccess command and
// payload hold the reply frame; otherwise command echoes the request and
// payload is nil.
type CompletionFunc func(status Status, command uint16, payload []byte)

// WriteCallback reports the outcome of one queued write.
type WriteCallback func(status Status)

// FrameHandler receives the frames extracted from one chunk of inbound bytes,
// in stream order.
type FrameHandler func(c *Connection, frames []wire.Frame)

// AddressFamily selects the IP version used to reach a peer.
type AddressFamily int

const (
	// IPv4 dials over TCP on IPv4.
	IPv4 AddressFamily = iota
	// IPv6 dials over TCP on IPv6.
	IPv6
)

// String returns the family name.
func (f AddressFamily) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("AddressFamily(%d)", int(f))
	}
}

// network returns the Go network name for dialing.
func (f AddressFamily) network() (string, error) {
	switch f {
	case IPv4:
		return "tcp4", nil
	case IPv6:
		return "tcp6", nil
	default:
		return "", fmt.Errorf("%w: %v", ErrInvalidFamily, f)
	}
}
