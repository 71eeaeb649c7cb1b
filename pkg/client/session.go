package client

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/propbus/propbus-go/pkg/await"
	"github.com/propbus/propbus-go/pkg/bus"
	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/snoop"
)

// Errors returned by a Session.
var (
	ErrUnknownVector = errors.New("unknown vector")
	ErrNotBlob       = errors.New("element is not a blob")
	ErrDetached      = errors.New("session detached")
	ErrCorruptBlob   = errors.New("corrupt compressed blob")
)

// Config configures a Session.
type Config struct {
	// ID names the session on the hub. Alerts for rejected requests are
	// delivered to it alone. Required.
	ID string

	// Blobs selects whether blob vectors are received (default BlobNever).
	Blobs snoop.BlobPolicy

	// Logger for operational logs. Defaults to slog.Default().
	Logger *slog.Logger

	// OnEvent, if set, is called for every event after the cache has been
	// updated, on the session's delivery goroutine.
	OnEvent func(ev bus.Event)
}

// Session is a client attached to a hub. It mirrors every vector it
// receives and turns asynchronous updates into blocking commands.
type Session struct {
	hub    bus.Hub
	id     string
	logger *slog.Logger
	notify func(ev bus.Event)

	mu       sync.RWMutex
	devices  map[string]*model.Device
	syncs    map[string]*pendingRequest
	messages []Message
	detached bool

	// version counts applied events; WaitFor blocks on it.
	version *await.Cond[uint64]
}

// pendingRequest tracks the command in flight on one vector. Updates stamped
// before issued belong to earlier commands and never complete it.
type pendingRequest struct {
	sync   *await.Synchronizer
	issued time.Time
}

// Message is a device message received by the session.
type Message struct {
	Device string
	Text   string
}

// maxMessages bounds the message backlog kept by a session.
const maxMessages = 256

// Attach creates a session and attaches it to hub. The hub replays every
// current definition.
func Attach(hub bus.Hub, config Config) (*Session, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("client: session ID is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	s := &Session{
		hub:     hub,
		id:      config.ID,
		logger:  config.Logger.With("session", config.ID),
		notify:  config.OnEvent,
		devices: make(map[string]*model.Device),
		syncs:   make(map[string]*pendingRequest),
		version: await.NewCond[uint64](0),
	}
	if err := hub.Attach(config.ID, bus.ListenerFunc(s.handleEvent), config.Blobs); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Detach stops receiving events.
func (s *Session) Detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
	s.hub.Detach(s.id)
}

func (s *Session) handleEvent(ev bus.Event) {
	s.mu.Lock()
	switch ev.Type {
	case snoop.EventDefine, snoop.EventUpdate:
		if ev.Vector != nil {
			dev, ok := s.devices[ev.Device]
			if !ok {
				dev = model.NewDevice(ev.Device)
				s.devices[ev.Device] = dev
			}
			dev.Replace(ev.Vector)
		}
	case snoop.EventDelete:
		if dev, ok := s.devices[ev.Device]; ok {
			if ev.Property == "" {
				delete(s.devices, ev.Device)
			} else {
				_ = dev.Delete(ev.Property)
				if dev.Len() == 0 {
					delete(s.devices, ev.Device)
				}
			}
		}
	case snoop.EventMessage:
		s.messages = append(s.messages, Message{Device: ev.Device, Text: ev.Message})
		if len(s.messages) > maxMessages {
			s.messages = s.messages[len(s.messages)-maxMessages:]
		}
	}
	var waiter *await.Synchronizer
	if p, ok := s.syncs[key(ev.Device, ev.Property)]; ok && ev.Vector != nil && !ev.Vector.Timestamp.Before(p.issued) {
		waiter = p.sync
	}
	s.mu.Unlock()

	if ev.Type == snoop.EventUpdate && ev.Vector != nil {
		if ev.Message != "" {
			s.logger.Debug("update", "device", ev.Device, "vector", ev.Property,
				"state", ev.Vector.State.String(), "message", ev.Message)
		}
		if waiter != nil && ev.Vector.State.Settled() {
			waiter.SignalComplete(ev.Vector.State)
		}
	}

	s.version.Update(func(v uint64) uint64 { return v + 1 })
	if s.notify != nil {
		s.notify(ev)
	}
}

// Request sends new element values without waiting for them to settle.
func (s *Session) Request(ctx context.Context, device, name string, values ...model.Element) error {
	if s.isDetached() {
		return ErrDetached
	}
	return s.hub.Request(ctx, s.id, device, name, values)
}

// RequestAndWait sends a request and blocks until the addressed vector
// leaves Busy, returning the settled state (Ok, Idle or Alert). Only
// updates issued after the request was sent count; settled updates still
// queued from earlier commands are skipped. A request that does not match
// the definition returns StateAlert and the error. If ctx expires first,
// await.ErrSettleTimeout is returned.
func (s *Session) RequestAndWait(ctx context.Context, device, name string, values ...model.Element) (model.State, error) {
	if s.isDetached() {
		return model.StateIdle, ErrDetached
	}
	waiter := s.markPending(device, name)

	if err := s.hub.Request(ctx, s.id, device, name, values); err != nil {
		if errors.Is(err, model.ErrPropertyMismatch) {
			return model.StateAlert, err
		}
		return model.StateIdle, err
	}
	return waiter.Wait(ctx)
}

// markPending arms the vector's synchronizer for a new command.
func (s *Session) markPending(device, name string) *await.Synchronizer {
	k := key(device, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.syncs[k]
	if !ok {
		p = &pendingRequest{sync: await.NewSynchronizer()}
		s.syncs[k] = p
	}
	p.sync.MarkPending()
	p.issued = time.Now()
	return p.sync
}

// WaitFor blocks until the cached vector satisfies pred, checking the
// current copy first. It returns the matching copy.
func (s *Session) WaitFor(ctx context.Context, device, name string, pred func(*model.Vector) bool) (*model.Vector, error) {
	var match *model.Vector
	_, err := s.version.Await(ctx, func(uint64) bool {
		v, err := s.Vector(device, name)
		if err != nil || !pred(v) {
			return false
		}
		match = v
		return true
	}, nil)
	if err != nil {
		return nil, err
	}
	return match, nil
}

// Vector returns a copy of a cached vector.
func (s *Session) Vector(device, name string) (*model.Vector, error) {
	s.mu.RLock()
	dev, ok := s.devices[device]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownVector, device, name)
	}
	v, err := dev.Vector(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownVector, device, name)
	}
	return v, nil
}

// Devices returns the sorted names of the cached devices.
func (s *Session) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.devices))
	for name := range s.devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Vectors returns copies of every cached vector of device.
func (s *Session) Vectors(device string) []*model.Vector {
	s.mu.RLock()
	dev, ok := s.devices[device]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return dev.Vectors()
}

// Messages returns the device messages received so far, oldest first.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...)
}

// ReadBlob returns the payload of a blob element, whether inline or in a
// shared segment. A compressed blob is inflated. The returned slice is a
// copy.
func ReadBlob(e model.Element) ([]byte, error) {
	b, ok := e.Value.(model.Blob)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotBlob, e.Name)
	}
	if b.Compressed {
		return inflate(b.Bytes())
	}
	if !b.Attached() {
		return append([]byte(nil), b.Data...), nil
	}
	size := b.Size
	if size <= 0 || size > b.Segment.Size() {
		size = b.Segment.Size()
	}
	out := make([]byte, size)
	n, err := b.Segment.ReadAt(out, 0)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// inflate expands a zlib stream.
func inflate(raw []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptBlob, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptBlob, err)
	}
	return out, nil
}

// ReadBlob reads a blob element of a cached vector.
func (s *Session) ReadBlob(device, name, element string) ([]byte, error) {
	v, err := s.Vector(device, name)
	if err != nil {
		return nil, err
	}
	e, ok := v.Element(element)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s.%s", ErrUnknownVector, device, name, element)
	}
	return ReadBlob(e)
}

func (s *Session) isDetached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detached
}

func key(device, name string) string {
	return device + "." + name
}
