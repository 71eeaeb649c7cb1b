// Package transport carries protocol frames over local stream sockets.
//
// # Framing
//
// Each frame is a 4-byte big-endian length followed by the payload. A
// frame may carry up to MaxFDsPerFrame file descriptors as SCM_RIGHTS
// ancillary data; they are sent with the first byte of the frame and
// handed to the receiver together with the frame they arrived with.
//
//	┌────────────────────────────────┐
//	│      CBOR Messages             │
//	├────────────────────────────────┤
//	│ Length-Prefix Framing (4B)     │
//	│ + SCM_RIGHTS descriptors       │
//	├────────────────────────────────┤
//	│  Unix domain stream socket     │
//	└────────────────────────────────┘
//
// Descriptors received by a Conn are owned by the caller of Receive.
// Descriptors that cannot be delivered (connection closed before the frame
// was complete) are closed.
package transport
