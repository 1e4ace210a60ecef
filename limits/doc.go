// Package limits provides centralized frame size constants and validation
// functions for the fedmesh transport. It keeps the send path and the
// reassembly path agreeing on the same ceilings.
//
// # Size Hierarchy
//
//   - MaxFrameLength (16 MiB): the largest payload a single frame may carry.
//     Model updates exchanged between peers are the largest expected
//     payloads; anything bigger must be chunked by the application.
//
//   - MaxReassemblyBuffer (32 MiB): the most unparsed bytes a connection may
//     hold, counting garbage discarded since its last good frame. A peer
//     that exceeds it is disconnected. It must leave room for one full
//     frame plus its header.
//
//   - DefaultScanBudget (4 KiB): how many bytes one resynchronization pass
//     examines before discarding what it scanned.
//
// # Validation
//
//	if err := limits.ValidateFrameSize(payload, limits.MaxFrameLength); err != nil {
//	    // errors.Is(err, limits.ErrMessageTooLarge)
//	}
//
// Empty payloads are legal frames.
package limits
