package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/propbus/propbus-go/pkg/bus"
	"github.com/propbus/propbus-go/pkg/connection"
	"github.com/propbus/propbus-go/pkg/log"
	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/shm"
	"github.com/propbus/propbus-go/pkg/snoop"
	"github.com/propbus/propbus-go/pkg/transport"
	"github.com/propbus/propbus-go/pkg/wire"
)

// DialFunc opens a connection to a hub.
type DialFunc func(ctx context.Context) (*transport.Conn, error)

// driverQueueSize bounds the requests waiting for local drivers.
const driverQueueSize = 64

// Remote is a connection to a HubService that implements bus.Hub, so that
// drivers and client sessions run unchanged in another process.
//
// Events from the hub are dispatched to local watchers through a local snoop
// registry. Requests wait for the hub's acknowledgement. Requests for
// devices driven here are handed to the registered drivers in order. After
// the connection is lost, it is redialed with backoff and the watches and
// definitions of local drivers are sent again.
type Remote struct {
	config   RemoteConfig
	logger   *slog.Logger
	plog     log.Logger
	mgr      *connection.Manager
	snoop    *snoop.Registry
	segments *shm.History

	mu      sync.Mutex
	conn    *transport.Conn
	devices map[string]*model.Device
	drivers map[string]bus.Driver
	watches map[watchKey]*remoteWatch
	pending map[uint32]chan error
	nextID  uint32
	closed  bool

	requests chan bus.Request
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// remoteWatch is one hub-level watch shared by local watchers.
type remoteWatch struct {
	policies map[string]snoop.BlobPolicy
}

// policy returns the union of the local watchers' blob policies.
func (w *remoteWatch) policy() snoop.BlobPolicy {
	var never, only bool
	for _, p := range w.policies {
		switch p {
		case snoop.BlobNever:
			never = true
		case snoop.BlobOnly:
			only = true
		default:
			return snoop.BlobAlso
		}
	}
	if never && only {
		return snoop.BlobAlso
	}
	if only {
		return snoop.BlobOnly
	}
	return snoop.BlobNever
}

// Dial connects to a hub. The initial connection must succeed; later losses
// are redialed in the background.
func Dial(ctx context.Context, config RemoteConfig) (*Remote, error) {
	config = config.withDefaults()
	rctx, cancel := context.WithCancel(context.Background())
	r := &Remote{
		config:   config,
		logger:   config.Logger,
		plog:     log.OrNoop(config.ProtocolLogger),
		snoop:    snoop.NewRegistry(config.Logger),
		segments: shm.NewHistory(config.HistoryDepth),
		devices:  make(map[string]*model.Device),
		drivers:  make(map[string]bus.Driver),
		watches:  make(map[watchKey]*remoteWatch),
		pending:  make(map[uint32]chan error),
		requests: make(chan bus.Request, driverQueueSize),
		ctx:      rctx,
		cancel:   cancel,
	}
	r.mgr = connection.NewManager(r.connect, config.Redial)
	r.mgr.OnReconnecting(func(attempt int, delay time.Duration) {
		r.logger.Info("redialing hub", "attempt", attempt, "delay", delay)
	})
	r.mgr.OnGiveUp(func(attempts int) {
		r.logger.Error("hub unreachable, giving up", "socket", config.SocketPath, "attempts", attempts)
	})
	r.mgr.StartReconnectLoop()

	if err := r.mgr.Connect(ctx); err != nil {
		r.mgr.Close()
		cancel()
		return nil, err
	}

	r.wg.Add(1)
	go r.driverLoop()
	return r, nil
}

func (r *Remote) dial(ctx context.Context) (*transport.Conn, error) {
	if r.config.Dial != nil {
		return r.config.Dial(ctx)
	}
	return transport.Dial(ctx, r.config.SocketPath, transport.ClientConfig{
		MaxMessageSize: r.config.MaxMessageSize,
		Logger:         r.config.ProtocolLogger,
	})
}

// connect dials and restores the hub-side state of this process.
func (r *Remote) connect(ctx context.Context) error {
	conn, err := r.dial(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	r.conn = conn
	var watches []*wire.Watch
	for k, w := range r.watches {
		watches = append(watches, &wire.Watch{Device: k.device, Name: k.property, Policy: uint8(w.policy())})
	}
	var defines []*model.Vector
	for device := range r.drivers {
		if dev, ok := r.devices[device]; ok {
			defines = append(defines, dev.Vectors()...)
		}
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go r.readLoop(conn)

	for _, v := range defines {
		if err := r.sendVector(v); err != nil {
			return err
		}
	}
	for _, w := range watches {
		if err := r.send(w, nil); err != nil {
			return err
		}
	}
	r.logger.Info("connected to hub", "conn", conn.ID(), "watches", len(watches), "vectors", len(defines))
	return nil
}

// State returns the connection state.
func (r *Remote) State() connection.State {
	return r.mgr.State()
}

// WaitConnected blocks until the connection to the hub is up.
func (r *Remote) WaitConnected(ctx context.Context) error {
	return r.mgr.WaitConnected(ctx)
}

// Close disconnects and stops every local watcher.
func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.failPendingLocked(ErrSessionClosed)
	r.mu.Unlock()

	r.mgr.Close()
	if conn != nil {
		_ = conn.Close()
	}
	r.cancel()
	r.wg.Wait()
	r.snoop.Close()
	r.segments.Close()
	return nil
}

// Define implements bus.Hub.
func (r *Remote) Define(v *model.Vector) error {
	if err := v.Validate(); err != nil {
		return err
	}
	v = v.Clone()
	r.mu.Lock()
	dev, ok := r.devices[v.Device]
	if !ok {
		dev = model.NewDevice(v.Device)
		r.devices[v.Device] = dev
	}
	dev.Replace(v)
	r.mu.Unlock()
	return r.sendVector(v)
}

func (r *Remote) sendVector(v *model.Vector) error {
	var att wire.Attachments
	return r.send(&wire.Define{Vector: wire.FromVector(v, &att)}, att.FDs)
}

// Update implements bus.Hub.
func (r *Remote) Update(device, name string, state model.State, changed []model.Element) error {
	dev, err := r.device(device)
	if err != nil {
		return err
	}
	after, err := dev.Update(name, state, changed)
	if err != nil {
		return err
	}
	var att wire.Attachments
	return r.send(wire.FromUpdate(after, changed, &att), att.FDs)
}

// Delete implements bus.Hub.
func (r *Remote) Delete(device, name string) error {
	r.mu.Lock()
	if dev, ok := r.devices[device]; ok {
		if name != "" {
			_ = dev.Delete(name)
		}
		if name == "" || dev.Len() == 0 {
			delete(r.devices, device)
		}
	}
	r.mu.Unlock()
	return r.send(&wire.Delete{Device: device, Name: name}, nil)
}

// Message implements bus.Hub.
func (r *Remote) Message(device, text string) error {
	return r.send(&wire.DeviceMessage{Device: device, Text: text, Timestamp: time.Now().UnixNano()}, nil)
}

// Request implements bus.Hub. It returns once the hub has handed the
// request to the owning driver, or with the hub's error. A request that
// does not match the definition delivers an Alert copy of the vector to
// the local watcher named from.
func (r *Remote) Request(ctx context.Context, from, device, name string, values []model.Element) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.RequestTimeout)
		defer cancel()
	}

	r.mu.Lock()
	r.nextID++
	if r.nextID == 0 {
		r.nextID = 1
	}
	id := r.nextID
	reply := make(chan error, 1)
	r.pending[id] = reply
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	var att wire.Attachments
	msg := &wire.Request{ID: id, Device: device, Name: name, Elements: wire.FromElements(values, &att)}
	if err := r.send(msg, att.FDs); err != nil {
		return err
	}

	select {
	case err := <-reply:
		if errors.Is(err, model.ErrPropertyMismatch) {
			r.alert(from, device, name, err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// alert delivers an Alert copy of a cached vector to one local watcher.
func (r *Remote) alert(watcher, device, name string, cause error) {
	dev, err := r.device(device)
	if err != nil {
		return
	}
	v, err := dev.Vector(name)
	if err != nil {
		return
	}
	v.State = model.StateAlert
	v.Timestamp = time.Now()
	r.snoop.DeliverTo(watcher, bus.Event{
		Type:     snoop.EventUpdate,
		Device:   device,
		Property: name,
		Vector:   v,
		Message:  cause.Error(),
	})
}

// Watch implements bus.Hub. The current definitions are replayed to the
// new watcher.
func (r *Remote) Watch(watcher, device, property string, policy snoop.BlobPolicy, fn snoop.Handler) error {
	if device == "" && property != "" {
		return fmt.Errorf("%w: watch of %q without device", ErrInvalidMessage, property)
	}
	if err := r.snoop.Watch(watcher, device, property, policy, fn); err != nil {
		return err
	}

	k := watchKey{device, property}
	r.mu.Lock()
	w, ok := r.watches[k]
	if !ok {
		w = &remoteWatch{policies: make(map[string]snoop.BlobPolicy)}
		r.watches[k] = w
	}
	before := w.policy()
	w.policies[watcher] = policy
	after := w.policy()
	r.mu.Unlock()

	if !ok || before != after {
		// The hub replays its definitions to the connection.
		return r.send(&wire.Watch{Device: device, Name: property, Policy: uint8(after)}, nil)
	}
	r.replay(watcher, device, property)
	return nil
}

// Unwatch implements bus.Hub.
func (r *Remote) Unwatch(watcher, device, property string) {
	r.snoop.Unwatch(watcher, device, property)
	r.forget(watcher, watchKey{device, property})
}

// Attach implements bus.Hub.
func (r *Remote) Attach(id string, l bus.Listener, policy snoop.BlobPolicy) error {
	return r.Watch(id, "", "", policy, l.HandleEvent)
}

// Detach implements bus.Hub.
func (r *Remote) Detach(id string) {
	r.snoop.UnwatchAll(id)
	r.mu.Lock()
	var keys []watchKey
	for k, w := range r.watches {
		if _, ok := w.policies[id]; ok {
			keys = append(keys, k)
		}
	}
	r.mu.Unlock()
	for _, k := range keys {
		r.forget(id, k)
	}
}

// forget drops watcher from a hub-level watch and cancels or narrows it.
func (r *Remote) forget(watcher string, k watchKey) {
	r.mu.Lock()
	w, ok := r.watches[k]
	if !ok {
		r.mu.Unlock()
		return
	}
	before := w.policy()
	delete(w.policies, watcher)
	var msg *wire.Watch
	switch {
	case len(w.policies) == 0:
		delete(r.watches, k)
		msg = &wire.Watch{Device: k.device, Name: k.property, Remove: true}
	case w.policy() != before:
		msg = &wire.Watch{Device: k.device, Name: k.property, Policy: uint8(w.policy())}
	}
	r.mu.Unlock()

	if msg != nil {
		if err := r.send(msg, nil); err != nil {
			r.logger.Debug("watch change not sent", "device", k.device, "property", k.property, "error", err)
		}
	}
}

// GetProperties asks the hub to replay the definitions of device (every
// device when empty) to this connection.
func (r *Remote) GetProperties(device, property string) error {
	return r.send(&wire.GetProperties{Device: device, Name: property}, nil)
}

// RegisterDriver implements bus.Hub. The hub records the connection as the
// driver when the first vector of device is defined.
func (r *Remote) RegisterDriver(device string, d bus.Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrSessionClosed
	}
	if _, ok := r.drivers[device]; ok {
		return fmt.Errorf("%w: %s", bus.ErrDeviceOwned, device)
	}
	r.drivers[device] = d
	return nil
}

// UnregisterDriver implements bus.Hub. The device is deleted from the hub.
func (r *Remote) UnregisterDriver(device string) {
	r.mu.Lock()
	_, ok := r.drivers[device]
	delete(r.drivers, device)
	delete(r.devices, device)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.segments.ReleasePrefix(device + ".")
	if err := r.send(&wire.Delete{Device: device}, nil); err != nil {
		r.logger.Debug("device delete not sent", "device", device, "error", err)
	}
}

// Vector returns a copy of a vector received from the hub or defined here.
func (r *Remote) Vector(device, name string) (*model.Vector, error) {
	dev, err := r.device(device)
	if err != nil {
		return nil, err
	}
	return dev.Vector(name)
}

func (r *Remote) device(name string) (*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bus.ErrUnknownDevice, name)
	}
	return dev, nil
}

func (r *Remote) replay(watcher, device, property string) {
	r.mu.Lock()
	var vectors []*model.Vector
	for name, dev := range r.devices {
		if device != "" && name != device {
			continue
		}
		for _, v := range dev.Vectors() {
			if property == "" || v.Name == property {
				vectors = append(vectors, v)
			}
		}
	}
	r.mu.Unlock()

	for _, v := range vectors {
		r.snoop.DeliverTo(watcher, bus.Event{Type: snoop.EventDefine, Device: v.Device, Property: v.Name, Vector: v})
	}
}

func (r *Remote) send(msg wire.Message, fds []int) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.Send(data, fds); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	logMessage(r.plog, conn.ID(), log.DirectionOut, r.role(), msg)
	return nil
}

func (r *Remote) role() log.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.drivers) > 0 {
		return log.RoleDriver
	}
	return log.RoleClient
}

func (r *Remote) readLoop(conn *transport.Conn) {
	defer r.wg.Done()
	for {
		data, fds, err := conn.Receive(0)
		if err != nil {
			r.connectionLost(conn, err)
			return
		}
		r.handleFrame(conn.ID(), data, fds)
	}
}

func (r *Remote) connectionLost(conn *transport.Conn, err error) {
	_ = conn.Close()

	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.failPendingLocked(fmt.Errorf("%w: %w", ErrNotConnected, err))

	// Devices driven elsewhere are gone until the hub replays them.
	var gone []string
	for name := range r.devices {
		if _, local := r.drivers[name]; !local {
			gone = append(gone, name)
			delete(r.devices, name)
		}
	}
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return
	}
	r.logger.Warn("hub connection lost", "error", err)
	for _, name := range gone {
		r.segments.ReleasePrefix(name + ".")
		r.snoop.Deliver(bus.Event{Type: snoop.EventDelete, Device: name})
	}
	r.mgr.NotifyConnectionLost()
}

func (r *Remote) failPendingLocked(err error) {
	for id, ch := range r.pending {
		ch <- err
		delete(r.pending, id)
	}
}

func (r *Remote) handleFrame(connID string, data []byte, fds []int) {
	msg, err := wire.Decode(data)
	if err != nil {
		transport.CloseFDs(fds)
		r.logger.Warn("invalid message from hub", "error", err)
		logError(r.plog, connID, r.role(), log.LayerWire, "decode", err)
		return
	}
	logMessage(r.plog, connID, log.DirectionIn, r.role(), msg)

	frame := newFrameFDs(r.config.Allocator, fds)
	switch m := msg.(type) {
	case *wire.Define:
		err = r.handleDefine(m, frame)
	case *wire.Update:
		err = r.handleUpdate(m, frame)
	case *wire.Delete:
		r.handleDelete(m)
	case *wire.DeviceMessage:
		r.snoop.Deliver(bus.Event{Type: snoop.EventMessage, Device: m.Device, Message: m.Text})
	case *wire.Request:
		err = r.handleRequest(m, frame)
	case *wire.Error:
		r.handleError(m)
	default:
		err = fmt.Errorf("%w: unexpected %s from hub", ErrInvalidMessage, msg.Type())
	}
	frame.finish(err == nil)
	if err != nil {
		r.logger.Warn("message from hub dropped", "type", msg.Type().String(), "error", err)
	}
}

func (r *Remote) handleDefine(m *wire.Define, frame *frameFDs) error {
	v, err := wire.ToVector(m.Vector, frame.resolve)
	if err != nil {
		return err
	}
	r.mu.Lock()
	dev, ok := r.devices[v.Device]
	if !ok {
		dev = model.NewDevice(v.Device)
		r.devices[v.Device] = dev
	}
	dev.Replace(v)
	r.mu.Unlock()

	keepBlobs(r.segments, v.Device, v.Name, v.Elements)
	r.snoop.Deliver(bus.Event{Type: snoop.EventDefine, Device: v.Device, Property: v.Name, Vector: v.Clone(), Message: m.Message})
	return nil
}

func (r *Remote) handleUpdate(m *wire.Update, frame *frameFDs) error {
	elems, err := wire.ToElements(m.Elements, frame.resolve)
	if err != nil {
		return err
	}
	dev, err := r.device(m.Device)
	if err != nil {
		return err
	}
	after, err := dev.Update(m.Name, model.State(m.State), elems)
	if err != nil {
		return err
	}
	keepBlobs(r.segments, m.Device, m.Name, elems)
	r.snoop.Deliver(bus.Event{
		Type:     snoop.EventUpdate,
		Device:   m.Device,
		Property: m.Name,
		Vector:   after,
		Changed:  elems,
		Message:  m.Message,
	})
	return nil
}

func (r *Remote) handleDelete(m *wire.Delete) {
	r.mu.Lock()
	if dev, ok := r.devices[m.Device]; ok {
		if m.Name != "" {
			_ = dev.Delete(m.Name)
		}
		if m.Name == "" || dev.Len() == 0 {
			delete(r.devices, m.Device)
		}
	}
	r.mu.Unlock()

	prefix := m.Device + "."
	if m.Name != "" {
		prefix += m.Name + "."
	}
	r.segments.ReleasePrefix(prefix)
	r.snoop.Deliver(bus.Event{Type: snoop.EventDelete, Device: m.Device, Property: m.Name})
}

// handleRequest queues a request for the local driver of its device.
func (r *Remote) handleRequest(m *wire.Request, frame *frameFDs) error {
	elems, err := wire.ToElements(m.Elements, frame.resolve)
	if err != nil {
		return err
	}
	req := bus.Request{From: "hub", ID: m.ID, Device: m.Device, Name: m.Name, Values: elems}
	select {
	case r.requests <- req:
		keepBlobs(r.segments, m.Device, m.Name, elems)
		return nil
	default:
		err := fmt.Errorf("%w: request queue full", ErrDriverFailed)
		r.reportFailure(req, err)
		return err
	}
}

func (r *Remote) driverLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case req := <-r.requests:
			r.mu.Lock()
			d, ok := r.drivers[req.Device]
			r.mu.Unlock()
			if !ok {
				r.reportFailure(req, fmt.Errorf("%w: %s", bus.ErrUnknownDevice, req.Device))
				continue
			}
			ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
			err := d.HandleRequest(ctx, req)
			cancel()
			if err != nil {
				r.reportFailure(req, err)
			}
		}
	}
}

// reportFailure tells the hub a driver could not handle a request.
func (r *Remote) reportFailure(req bus.Request, err error) {
	r.logger.Warn("driver failed request", "device", req.Device, "vector", req.Name, "error", err)
	msg := &wire.Error{
		RequestID: req.ID,
		Code:      codeFor(err),
		Device:    req.Device,
		Name:      req.Name,
		Message:   err.Error(),
	}
	if msg.Code == wire.ErrorCodeOK {
		msg.Code = wire.ErrorCodeDriverFailed
	}
	if sendErr := r.send(msg, nil); sendErr != nil {
		r.logger.Debug("failure report not sent", "error", sendErr)
	}
}

func (r *Remote) handleError(m *wire.Error) {
	if m.RequestID != 0 {
		r.mu.Lock()
		ch, ok := r.pending[m.RequestID]
		delete(r.pending, m.RequestID)
		r.mu.Unlock()
		if ok {
			ch <- errorFor(m)
			return
		}
	}
	if m.Code != wire.ErrorCodeOK {
		r.logger.Warn("hub reported error", "code", m.Code.String(), "device", m.Device,
			"property", m.Name, "message", m.Message)
	}
}

var _ bus.Hub = (*Remote)(nil)
