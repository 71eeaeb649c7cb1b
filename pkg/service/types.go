package service

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/propbus/propbus-go/pkg/bus"
	"github.com/propbus/propbus-go/pkg/connection"
	"github.com/propbus/propbus-go/pkg/log"
	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/shm"
	"github.com/propbus/propbus-go/pkg/wire"
)

// Service errors.
var (
	ErrNotStarted     = errors.New("service not started")
	ErrAlreadyStarted = errors.New("service already started")
	ErrNotConnected   = errors.New("not connected")
	ErrSessionClosed  = errors.New("session closed")
	ErrDriverFailed   = errors.New("driver failed")
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnsupported    = errors.New("unsupported by hub")

	// ErrNotOwner is returned when a connection changes a device another
	// connection or driver owns.
	ErrNotOwner = fmt.Errorf("%w: not the owner", bus.ErrDeviceOwned)
)

// ServiceState represents the service state.
type ServiceState uint8

const (
	// StateIdle - service created but not started.
	StateIdle ServiceState = iota

	// StateRunning - service is accepting connections.
	StateRunning

	// StateStopped - service has stopped.
	StateStopped
)

// String returns the state name.
func (s ServiceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// HubConfig configures a HubService.
type HubConfig struct {
	// SocketPath is the unix socket to listen on.
	SocketPath string

	// SocketMode is applied to the socket file (default 0660).
	SocketMode fs.FileMode

	// MaxMessageSize is the maximum frame payload.
	MaxMessageSize uint32

	// Allocator maps blob descriptors received from connections.
	// Defaults to shm.DefaultAllocator().
	Allocator *shm.Allocator

	// HistoryDepth is the number of attached segments kept per blob
	// element after newer ones arrive (default shm.DefaultHistoryDepth).
	HistoryDepth int

	// Logger for operational logs. Defaults to slog.Default().
	Logger *slog.Logger

	// ProtocolLogger captures frames and messages (optional).
	ProtocolLogger log.Logger
}

func (c HubConfig) withDefaults() HubConfig {
	if c.Allocator == nil {
		c.Allocator = shm.DefaultAllocator()
	}
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = shm.DefaultHistoryDepth
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// RemoteConfig configures a Remote.
type RemoteConfig struct {
	// SocketPath is the hub socket to dial.
	SocketPath string

	// MaxMessageSize is the maximum frame payload.
	MaxMessageSize uint32

	// Allocator maps blob descriptors received from the hub.
	// Defaults to shm.DefaultAllocator().
	Allocator *shm.Allocator

	// HistoryDepth is the number of received segments kept per blob element
	// (default shm.DefaultHistoryDepth).
	HistoryDepth int

	// RequestTimeout bounds a request when its context has no deadline
	// (default 10s).
	RequestTimeout time.Duration

	// Redial configures redialing after the connection is lost. With
	// MaxAttempts set, the Remote fails pending requests and reports
	// connection.StateFailed once the hub stays unreachable.
	Redial connection.RedialPolicy

	// Dial replaces dialing SocketPath, e.g. with one end of transport.Pair.
	Dial DialFunc

	// Logger for operational logs. Defaults to slog.Default().
	Logger *slog.Logger

	// ProtocolLogger captures frames and messages (optional).
	ProtocolLogger log.Logger
}

func (c RemoteConfig) withDefaults() RemoteConfig {
	if c.Allocator == nil {
		c.Allocator = shm.DefaultAllocator()
	}
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = shm.DefaultHistoryDepth
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// codeFor classifies err for an Error message.
func codeFor(err error) wire.ErrorCode {
	switch {
	case err == nil:
		return wire.ErrorCodeOK
	case errors.Is(err, model.ErrPropertyMismatch):
		return wire.ErrorCodePropertyMismatch
	case errors.Is(err, bus.ErrUnknownDevice), errors.Is(err, bus.ErrNoDriver):
		return wire.ErrorCodeUnknownDevice
	case errors.Is(err, bus.ErrDeviceOwned):
		return wire.ErrorCodeNotOwner
	case errors.Is(err, shm.ErrUnsupported):
		return wire.ErrorCodeUnsupported
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, model.ErrInvalidVector),
		errors.Is(err, wire.ErrBadDescriptor), errors.Is(err, shm.ErrAllocation), errors.Is(err, shm.ErrRange):
		return wire.ErrorCodeInvalidMessage
	default:
		return wire.ErrorCodeDriverFailed
	}
}

// errorFor turns a received Error message back into an error that matches
// the sentinel of the side that raised it.
func errorFor(m *wire.Error) error {
	var base error
	switch m.Code {
	case wire.ErrorCodeOK:
		return nil
	case wire.ErrorCodePropertyMismatch:
		base = model.ErrPropertyMismatch
	case wire.ErrorCodeUnknownDevice:
		base = bus.ErrUnknownDevice
	case wire.ErrorCodeNotOwner:
		base = ErrNotOwner
	case wire.ErrorCodeDriverFailed:
		base = ErrDriverFailed
	case wire.ErrorCodeUnsupported:
		base = ErrUnsupported
	default:
		base = ErrInvalidMessage
	}
	if m.Message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, m.Message)
}
