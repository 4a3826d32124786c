// Package limits provides centralized frame size constants and validation functions
// for the session wire protocol. Every transport and the framing codec consult this
// package so that a frame accepted on one side is never rejected on the other.
//
// # Size Hierarchy
//
//   - MaxHeaderSize (1024 bytes): the header block of one frame, including the
//     terminating blank line. A stream that accumulates more than this without a
//     terminator is considered malformed.
//
//   - MaxDatagramSize (1472 bytes): the largest frame a datagram transport will send.
//     Larger frames are rejected before they reach the socket.
//
//   - MaxBodySize (1MB): the absolute maximum a LEN field may announce. This prevents
//     a peer from forcing an unbounded receive buffer.
//
// # Validation Functions
//
//	if err := limits.ValidateBodySize(length); err != nil {
//	    // errors.Is(err, limits.ErrFrameTooLarge)
//	}
//
//	if err := limits.ValidateDatagram(frame, 0); err != nil {
//	    // reject before writing
//	}
package limits
