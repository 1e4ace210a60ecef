package transport

import (
	"errors"
	"fmt"
)

// Common transport errors
var (
	// ErrNodeClosed indicates the node has been closed for good
	ErrNodeClosed = errors.New("node closed")

	// ErrNodeStopping indicates StopService is in progress
	ErrNodeStopping = errors.New("node is stopping")

	// ErrAlreadyRunning indicates StartService was called on a running node
	ErrAlreadyRunning = errors.New("service already running")

	// ErrInvalidWorkers indicates a worker count below one
	ErrInvalidWorkers = errors.New("worker count must be positive")

	// ErrInvalidAddress indicates an unparseable or mismatched destination address
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidFamily indicates an address family other than IPv4 or IPv6
	ErrInvalidFamily = errors.New("invalid address family")

	// ErrNilCallback indicates a send without a completion callback
	ErrNilCallback = errors.New("completion callback is nil")

	// ErrInvalidOptions indicates inconsistent transport options
	ErrInvalidOptions = errors.New("invalid options")

	// ErrUnknownCommand indicates a frame with no registered handler
	ErrUnknownCommand = errors.New("unknown command")

	// ErrUnsyncable indicates a stream that never produced a valid header
	// within the reassembly ceiling
	ErrUnsyncable = errors.New("unable to resynchronize stream")
)

// OpError represents a transport error with additional context
type OpError struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *OpError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("fedmesh %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("fedmesh %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func newOpError(op, addr string, err error) *OpError {
	return &OpError{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}
