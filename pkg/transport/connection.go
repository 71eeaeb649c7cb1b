package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/propbus/propbus-go/pkg/log"
)

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
)

// Conn is one end of a framed stream socket.
type Conn struct {
	uc     *net.UnixConn
	framer *Framer
	id     string

	closeCh   chan struct{}
	closeOnce sync.Once
	readMu    sync.Mutex
}

// newConn wraps uc with a fresh connection ID.
func newConn(uc *net.UnixConn, maxSize uint32, logger log.Logger) *Conn {
	c := &Conn{
		uc:      uc,
		framer:  NewFramerWithMaxSize(uc, maxSize),
		id:      uuid.New().String(),
		closeCh: make(chan struct{}),
	}
	if logger != nil {
		c.framer.SetLogger(logger, c.id)
	}
	return c
}

// ID returns the unique connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address. Unnamed peers report an empty name.
func (c *Conn) RemoteAddr() net.Addr {
	return c.uc.RemoteAddr()
}

// Send writes a frame with attached descriptors. The descriptors stay owned
// by the caller. Safe for concurrent use.
func (c *Conn) Send(data []byte, fds []int) error {
	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}
	return c.framer.WriteFrame(data, fds)
}

// Receive reads the next frame. A zero timeout waits indefinitely.
// The returned descriptors are owned by the caller.
func (c *Conn) Receive(timeout time.Duration) ([]byte, []int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	select {
	case <-c.closeCh:
		return nil, nil, ErrConnectionClosed
	default:
	}

	if timeout > 0 {
		_ = c.uc.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = c.uc.SetReadDeadline(time.Time{}) }()
	}
	return c.framer.ReadFrame()
}

// Closed returns a channel closed by Close.
func (c *Conn) Closed() <-chan struct{} {
	return c.closeCh
}

// Close closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.uc.Close()
	})
	return err
}

// remoteName returns a printable peer address.
func (c *Conn) remoteName() string {
	if a := c.uc.RemoteAddr(); a != nil && a.String() != "" {
		return a.String()
	}
	return "@"
}
