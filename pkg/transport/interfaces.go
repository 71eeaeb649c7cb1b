package transport

import (
	"context"
	"net"
	"time"
)

// Connection is a framed, descriptor-carrying connection.
// Implemented by Conn.
type Connection interface {
	ID() string
	Send(data []byte, fds []int) error
	Receive(timeout time.Duration) ([]byte, []int, error)
	Close() error
}

// TransportServer accepts connections.
// Implemented by Server.
type TransportServer interface {
	Start(ctx context.Context) error
	Stop() error
	Addr() net.Addr
	ConnectionCount() int
}

// FrameReadWriter provides length-prefixed frame I/O with descriptors.
// Implemented by Framer.
type FrameReadWriter interface {
	ReadFrame() ([]byte, []int, error)
	WriteFrame(data []byte, fds []int) error
}

var (
	_ Connection      = (*Conn)(nil)
	_ TransportServer = (*Server)(nil)
	_ FrameReadWriter = (*Framer)(nil)
)
