package transport

import "fmt"

// Status is the outcome reported to a send's completion callback.
type Status int

const (
	// StatusSuccess means the request was written and a reply frame arrived.
	StatusSuccess Status = iota
	// StatusConnectionFailed means the destination could not be reached.
	StatusConnectionFailed
	// StatusWriteFailed means the request could not be written to the connection.
	StatusWriteFailed
	// StatusTimeout means no reply arrived before the send's deadline.
	StatusTimeout
	// StatusCancelled means the connection was closed before the send completed.
	StatusCancelled
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusConnectionFailed:
		return "connection_failed"
	case StatusWriteFailed:
		return "write_failed"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}
