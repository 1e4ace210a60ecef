// Package wire implements the fedmesh frame format: an 8-byte header
// followed by an opaque payload, carried over a raw byte stream.
//
// # Header Layout
//
// All integers are little-endian:
//
//	[0..4)  length   uint32  number of payload bytes that follow
//	[4..6)  command  uint16  application command id
//	[6..8)  checksum uint16  CRC-16 (IBM polynomial) over bytes [0..6)
//
// The checksum covers only the length and command fields. It lets a reader
// that has lost alignment with the stream locate the next plausible header:
//
//	pos := wire.FindValidHeader(window)
//	if pos < 0 {
//	    // no candidate in window, discard and read more
//	}
//
// FindValidHeader returns a 0-based offset. A 16-bit checksum matches random
// data with probability 1/65536 per tested offset, so a located header is a
// candidate only: callers must still check the claimed length against their
// frame ceiling and wait for the payload to arrive.
//
// # Building Frames
//
//	seq, err := wire.BuildFrame(command, payload)
//	if err != nil {
//	    return err
//	}
//	conn.Write(seq.Bytes())
package wire
