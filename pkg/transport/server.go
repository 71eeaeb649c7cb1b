package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/propbus/propbus-go/pkg/log"
)

// DefaultSocketPath is the hub socket used when none is configured.
const DefaultSocketPath = "/tmp/propbus.sock"

// ServerConfig configures a Server.
type ServerConfig struct {
	// Path of the listening socket. A stale socket file is replaced.
	Path string

	// Mode is applied to the socket file (default 0660).
	Mode fs.FileMode

	// MaxMessageSize is the maximum payload size (default 16 MiB).
	MaxMessageSize uint32

	// Logger for protocol capture (optional).
	Logger log.Logger

	// OnConnect is called when a connection is accepted.
	OnConnect func(conn *Conn)

	// OnDisconnect is called after a connection's read loop ends.
	OnDisconnect func(conn *Conn)

	// OnFrame is called for every received frame on the connection's read
	// goroutine. The handler owns fds.
	OnFrame func(conn *Conn, data []byte, fds []int)

	// OnError is called for accept and read errors other than a clean close.
	OnError func(conn *Conn, err error)
}

// Server accepts connections on a unix socket.
type Server struct {
	config   ServerConfig
	listener *net.UnixListener

	conns   map[*Conn]struct{}
	connsMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server; call Start to listen.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Path == "" {
		config.Path = DefaultSocketPath
	}
	if config.Mode == 0 {
		config.Mode = 0660
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.OnFrame == nil {
		return nil, fmt.Errorf("OnFrame is required")
	}
	return &Server{
		config: config,
		conns:  make(map[*Conn]struct{}),
	}, nil
}

// Start listens and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	if err := removeStaleSocket(s.config.Path); err != nil {
		return err
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.config.Path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	listener.SetUnlinkOnClose(true)
	if err := os.Chmod(s.config.Path, s.config.Mode); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket mode: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every connection and waits for the read
// loops to finish.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	s.listener.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		uc, err := s.listener.AcceptUnix()
		if err != nil {
			if s.running.Load() && s.config.OnError != nil {
				s.config.OnError(nil, fmt.Errorf("accept error: %w", err))
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(uc)
	}
}

func (s *Server) handleConnection(uc *net.UnixConn) {
	defer s.wg.Done()

	conn := newConn(uc, s.config.MaxMessageSize, s.config.Logger)
	s.logState(conn, "", "CONNECTED")

	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()

	if s.config.OnConnect != nil {
		s.config.OnConnect(conn)
	}

	s.readLoop(conn)
	conn.Close()

	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()

	s.logState(conn, "CONNECTED", "DISCONNECTED")
	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(conn)
	}
}

func (s *Server) readLoop(conn *Conn) {
	for {
		data, fds, err := conn.Receive(0)
		if err != nil {
			if s.config.OnError != nil && s.running.Load() && !isCleanClose(err) {
				select {
				case <-conn.Closed():
				default:
					s.config.OnError(conn, err)
				}
			}
			return
		}
		s.config.OnFrame(conn, data, fds)
	}
}

func (s *Server) logState(conn *Conn, oldState, newState string) {
	if s.config.Logger == nil {
		return
	}
	s.config.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: conn.ID(),
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		LocalRole:    log.RoleHub,
		RemoteAddr:   conn.remoteName(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
		},
	})
}

func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrConnectionClosed)
}

// removeStaleSocket deletes path if it is a socket nobody listens on.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket: %w", err)
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if c, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
		c.Close()
		return fmt.Errorf("%s is in use", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}
