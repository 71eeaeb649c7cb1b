package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/propbus/propbus-go/pkg/bus"
	"github.com/propbus/propbus-go/pkg/log"
	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/shm"
	"github.com/propbus/propbus-go/pkg/snoop"
	"github.com/propbus/propbus-go/pkg/transport"
	"github.com/propbus/propbus-go/pkg/wire"
)

// requestTimeout bounds the hand-off of a request to an in-process driver.
const requestTimeout = 5 * time.Second

// HubService serves a bus.Bus to other processes over a unix socket.
//
// A connection becomes the driver of every device it defines and receives
// the requests for them. A connection that watches devices receives their
// definitions, updates, deletions and messages. Attached blob descriptors
// are mapped on arrival and passed on to watchers as descriptors again.
type HubService struct {
	bus      *bus.Bus
	config   HubConfig
	logger   *slog.Logger
	plog     log.Logger
	segments *shm.History
	tracker  *connTracker

	mu     sync.Mutex
	state  ServiceState
	server *transport.Server
	wg     sync.WaitGroup
}

// NewHubService creates a hub service for b. Call Start to listen.
func NewHubService(b *bus.Bus, config HubConfig) *HubService {
	config = config.withDefaults()
	return &HubService{
		bus:      b,
		config:   config,
		logger:   config.Logger,
		plog:     log.OrNoop(config.ProtocolLogger),
		segments: shm.NewHistory(config.HistoryDepth),
		tracker:  newConnTracker(),
	}
}

// Bus returns the served bus.
func (h *HubService) Bus() *bus.Bus {
	return h.bus
}

// State returns the service state.
func (h *HubService) State() ServiceState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start listens on the configured socket.
func (h *HubService) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateRunning {
		return ErrAlreadyStarted
	}

	server, err := transport.NewServer(transport.ServerConfig{
		Path:           h.config.SocketPath,
		Mode:           h.config.SocketMode,
		MaxMessageSize: h.config.MaxMessageSize,
		Logger:         h.config.ProtocolLogger,
		OnConnect:      func(c *transport.Conn) { h.addSession(c) },
		OnDisconnect:   h.onDisconnect,
		OnFrame:        h.onFrame,
		OnError:        h.onError,
	})
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return err
	}

	h.server = server
	h.state = StateRunning
	h.logger.Info("hub listening", "socket", server.Addr().String())
	return nil
}

// Stop closes the listener and every connection. Devices driven over
// connections are deleted from the bus.
func (h *HubService) Stop() error {
	h.mu.Lock()
	server := h.server
	h.server = nil
	h.state = StateStopped
	h.mu.Unlock()

	var err error
	if server != nil {
		err = server.Stop()
	}
	for _, s := range h.tracker.Sessions() {
		_ = s.conn.Close()
		h.removeSession(s)
	}
	h.wg.Wait()
	h.segments.Close()
	return err
}

// ServeConn serves an already connected Conn, e.g. one end of
// transport.Pair, until it is closed.
func (h *HubService) ServeConn(conn *transport.Conn) {
	s := h.addSession(conn)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			data, fds, err := conn.Receive(0)
			if err != nil {
				s.logger.Debug("connection closed", "error", err)
				break
			}
			s.handleFrame(data, fds)
		}
		_ = conn.Close()
		h.removeSession(s)
	}()
}

// ConnectionCount returns the number of served connections.
func (h *HubService) ConnectionCount() int {
	return h.tracker.Len()
}

// Connections describes the served connections, oldest first.
func (h *HubService) Connections() []ConnInfo {
	return h.tracker.Infos()
}

// CloseIdle closes connections older than maxAge that neither drive a
// device nor watch anything. It returns the number closed.
func (h *HubService) CloseIdle(maxAge time.Duration) int {
	return h.tracker.CloseStale(maxAge)
}

func (h *HubService) addSession(conn sessionConn) *hubSession {
	s := &hubSession{
		hub:         h,
		conn:        conn,
		id:          conn.ID(),
		connectedAt: time.Now(),
		logger:      h.logger.With("conn", conn.ID()),
		owned:       make(map[string]struct{}),
		watches:     make(map[watchKey]struct{}),
	}
	h.tracker.Add(s)
	s.logger.Debug("connection accepted")
	return s
}

func (h *HubService) removeSession(s *hubSession) {
	devices, ok := s.close()
	if !ok {
		return
	}
	h.tracker.Remove(s)
	h.bus.Detach(s.id)
	for _, device := range devices {
		h.bus.UnregisterDriver(device)
		h.segments.ReleasePrefix(device + ".")
	}
	s.logger.Info("connection closed", "devices", len(devices))
}

func (h *HubService) onFrame(c *transport.Conn, data []byte, fds []int) {
	s, ok := h.tracker.Get(c.ID())
	if !ok {
		transport.CloseFDs(fds)
		return
	}
	s.handleFrame(data, fds)
}

func (h *HubService) onDisconnect(c *transport.Conn) {
	if s, ok := h.tracker.Get(c.ID()); ok {
		h.removeSession(s)
	}
}

func (h *HubService) onError(c *transport.Conn, err error) {
	id := ""
	if c != nil {
		id = c.ID()
	}
	h.logger.Warn("transport error", "conn", id, "error", err)
	logError(h.plog, id, log.RoleHub, log.LayerTransport, "receive", err)
}

// sessionConn is the part of a transport connection a session uses.
type sessionConn interface {
	ID() string
	Send(data []byte, fds []int) error
	Close() error
}

type watchKey struct {
	device   string
	property string
}

// hubSession is the hub side of one connection.
type hubSession struct {
	hub         *HubService
	conn        sessionConn
	id          string
	connectedAt time.Time
	logger      *slog.Logger

	mu      sync.Mutex
	owned   map[string]struct{}
	watches map[watchKey]struct{}
	closed  bool
}

// requester names the session as the origin of requests. Nothing watches
// under this name: a rejected request is answered with an Error message.
func (s *hubSession) requester() string {
	return s.id + "/request"
}

func (s *hubSession) handleFrame(data []byte, fds []int) {
	h := s.hub
	msg, err := wire.Decode(data)
	if err != nil {
		transport.CloseFDs(fds)
		s.logger.Warn("invalid message", "error", err)
		logError(h.plog, s.id, log.RoleHub, log.LayerWire, "decode", err)
		s.reply(0, "", "", fmt.Errorf("%w: %w", ErrInvalidMessage, err))
		return
	}
	device, property := logMessage(h.plog, s.id, log.DirectionIn, log.RoleHub, msg)

	frame := newFrameFDs(h.config.Allocator, fds)
	var reqID uint32
	switch m := msg.(type) {
	case *wire.Define:
		err = s.handleDefine(m, frame)
	case *wire.Update:
		err = s.handleUpdate(m, frame)
	case *wire.Delete:
		err = s.handleDelete(m)
	case *wire.Request:
		reqID = m.ID
		err = s.handleRequest(m, frame)
	case *wire.Watch:
		err = s.handleWatch(m)
	case *wire.GetProperties:
		err = s.handleGetProperties(m)
	case *wire.DeviceMessage:
		err = s.handleMessage(m)
	case *wire.Error:
		s.handleError(m)
	}
	frame.finish(err == nil)

	if err != nil {
		s.logger.Debug("message rejected", "type", msg.Type().String(), "device", device,
			"property", property, "error", err)
	}
	if err != nil || reqID != 0 {
		s.reply(reqID, device, property, err)
	}
}

func (s *hubSession) handleDefine(m *wire.Define, frame *frameFDs) error {
	h := s.hub
	v, err := wire.ToVector(m.Vector, frame.resolve)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := s.own(v.Device); err != nil {
		return err
	}
	if err := h.bus.Define(v); err != nil {
		return err
	}
	keepBlobs(h.segments, v.Device, v.Name, v.Elements)
	if m.Message != "" {
		return h.bus.Message(v.Device, m.Message)
	}
	return nil
}

func (s *hubSession) handleUpdate(m *wire.Update, frame *frameFDs) error {
	h := s.hub
	if !s.owns(m.Device) {
		return fmt.Errorf("%w: %s", ErrNotOwner, m.Device)
	}
	elems, err := wire.ToElements(m.Elements, frame.resolve)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if _, err := h.bus.UpdateVector(m.Device, m.Name, model.State(m.State), elems, m.Message); err != nil {
		return err
	}
	keepBlobs(h.segments, m.Device, m.Name, elems)
	return nil
}

func (s *hubSession) handleDelete(m *wire.Delete) error {
	h := s.hub
	if !s.owns(m.Device) {
		return fmt.Errorf("%w: %s", ErrNotOwner, m.Device)
	}
	if m.Message != "" {
		_ = h.bus.Message(m.Device, m.Message)
	}
	if m.Name == "" {
		s.disown(m.Device)
		h.bus.UnregisterDriver(m.Device)
		h.segments.ReleasePrefix(m.Device + ".")
		return nil
	}
	if err := h.bus.Delete(m.Device, m.Name); err != nil {
		return err
	}
	h.segments.ReleasePrefix(m.Device + "." + m.Name + ".")
	return nil
}

func (s *hubSession) handleRequest(m *wire.Request, frame *frameFDs) error {
	h := s.hub
	elems, err := wire.ToElements(m.Elements, frame.resolve)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := h.bus.RequestWithID(ctx, s.requester(), m.ID, m.Device, m.Name, elems); err != nil {
		return err
	}
	keepBlobs(h.segments, m.Device, m.Name, elems)
	return nil
}

func (s *hubSession) handleWatch(m *wire.Watch) error {
	h := s.hub
	k := watchKey{m.Device, m.Name}
	if m.Remove {
		h.bus.Unwatch(s.id, m.Device, m.Name)
		s.mu.Lock()
		delete(s.watches, k)
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	s.watches[k] = struct{}{}
	s.mu.Unlock()

	policy := snoop.BlobPolicy(m.Policy)
	if m.Device == "" {
		return h.bus.Attach(s.id, bus.ListenerFunc(s.sendEvent), policy)
	}
	return h.bus.Watch(s.id, m.Device, m.Name, policy, s.sendEvent)
}

// handleGetProperties replays definitions. A connection that watches
// nothing yet is attached to every device first, which replays everything.
func (s *hubSession) handleGetProperties(m *wire.GetProperties) error {
	h := s.hub
	s.mu.Lock()
	watching := len(s.watches) > 0
	if !watching {
		s.watches[watchKey{}] = struct{}{}
	}
	s.mu.Unlock()

	if !watching {
		return h.bus.Attach(s.id, bus.ListenerFunc(s.sendEvent), snoop.BlobNever)
	}
	h.bus.GetProperties(s.id, m.Device, m.Name)
	return nil
}

func (s *hubSession) handleMessage(m *wire.DeviceMessage) error {
	if m.Device != "" && !s.owns(m.Device) {
		return fmt.Errorf("%w: %s", ErrNotOwner, m.Device)
	}
	return s.hub.bus.Message(m.Device, m.Text)
}

func (s *hubSession) handleError(m *wire.Error) {
	if m.Code == wire.ErrorCodeOK {
		return
	}
	s.logger.Warn("peer reported error", "code", m.Code.String(), "request", m.RequestID,
		"device", m.Device, "property", m.Name, "message", m.Message)
}

// sendEvent forwards a bus event to the connection.
func (s *hubSession) sendEvent(ev bus.Event) {
	var att wire.Attachments
	var msg wire.Message
	switch ev.Type {
	case snoop.EventDefine:
		if ev.Vector == nil {
			return
		}
		msg = &wire.Define{Vector: wire.FromVector(ev.Vector, &att), Message: ev.Message}
	case snoop.EventUpdate:
		if ev.Vector == nil {
			return
		}
		u := wire.FromUpdate(ev.Vector, ev.Changed, &att)
		u.Message = ev.Message
		msg = u
	case snoop.EventDelete:
		msg = &wire.Delete{Device: ev.Device, Name: ev.Property}
	case snoop.EventMessage:
		msg = &wire.DeviceMessage{Device: ev.Device, Text: ev.Message, Timestamp: time.Now().UnixNano()}
	default:
		return
	}
	if err := s.send(msg, att.FDs); err != nil {
		s.logger.Debug("event not delivered", "event", ev.Type.String(), "device", ev.Device,
			"property", ev.Property, "error", err)
	}
}

// reply answers a message with an Error, ErrorCodeOK when err is nil.
func (s *hubSession) reply(reqID uint32, device, name string, err error) {
	msg := &wire.Error{RequestID: reqID, Code: codeFor(err), Device: device, Name: name}
	if err != nil {
		msg.Message = err.Error()
	}
	if sendErr := s.send(msg, nil); sendErr != nil {
		s.logger.Debug("reply not delivered", "error", sendErr)
	}
}

func (s *hubSession) send(msg wire.Message, fds []int) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.conn.Send(data, fds); err != nil {
		return err
	}
	logMessage(s.hub.plog, s.id, log.DirectionOut, log.RoleHub, msg)
	return nil
}

// own makes the session the driver of device unless it already is.
func (s *hubSession) own(device string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if _, ok := s.owned[device]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.hub.bus.RegisterDriver(device, connDriver{s}); err != nil {
		return err
	}

	s.mu.Lock()
	s.owned[device] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("connection drives device", "device", device)
	return nil
}

func (s *hubSession) owns(device string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.owned[device]
	return ok
}

func (s *hubSession) disown(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owned, device)
}

// close marks the session closed and returns the devices it drove. It
// reports false if the session was already closed.
func (s *hubSession) close() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	devices := make([]string, 0, len(s.owned))
	for d := range s.owned {
		devices = append(devices, d)
	}
	slices.Sort(devices)
	s.owned = make(map[string]struct{})
	return devices, true
}

// idle reports whether the session neither drives nor watches anything.
func (s *hubSession) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owned) == 0 && len(s.watches) == 0
}

func (s *hubSession) info() ConnInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := make([]string, 0, len(s.owned))
	for d := range s.owned {
		devices = append(devices, d)
	}
	slices.Sort(devices)
	return ConnInfo{
		ID:          s.id,
		ConnectedAt: s.connectedAt,
		Devices:     devices,
		Watching:    len(s.watches) > 0,
	}
}

// connDriver forwards requests for a device to the connection that drives
// it. The driver answers with updates; delivery failure is the only error.
type connDriver struct {
	s *hubSession
}

// HandleRequest implements bus.Driver.
func (d connDriver) HandleRequest(_ context.Context, req bus.Request) error {
	var att wire.Attachments
	msg := &wire.Request{
		ID:       req.ID,
		Device:   req.Device,
		Name:     req.Name,
		Elements: wire.FromElements(req.Values, &att),
	}
	if err := d.s.send(msg, att.FDs); err != nil {
		return fmt.Errorf("%w: %w", ErrDriverFailed, err)
	}
	return nil
}

var _ bus.Driver = connDriver{}
