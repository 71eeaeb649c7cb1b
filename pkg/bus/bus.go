package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/propbus/propbus-go/pkg/log"
	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/snoop"
)

// Bus errors.
var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNoDriver      = errors.New("device has no driver")
	ErrDeviceOwned   = errors.New("device already has a driver")
	ErrClosed        = errors.New("bus closed")
)

// Event is what listeners and watchers receive.
type Event = snoop.Event

// Request is a client request as handed to the owning driver.
type Request struct {
	// From names the requesting client or driver.
	From   string
	ID     uint32
	Device string
	Name   string
	Values []model.Element
}

// Driver owns a device and decides how requests on its vectors settle.
type Driver interface {
	// HandleRequest is called with a request that already passed
	// validation against the vector definition. The driver reports the
	// outcome with Update; a returned error is reported to the requester.
	HandleRequest(ctx context.Context, req Request) error
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, req Request) error

// HandleRequest calls f.
func (f DriverFunc) HandleRequest(ctx context.Context, req Request) error { return f(ctx, req) }

// Listener receives every event a client is allowed to see.
type Listener interface {
	HandleEvent(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

// HandleEvent calls f.
func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }

// Hub is the protocol contract shared by the in-process Bus and remote
// connections to one.
type Hub interface {
	Define(v *model.Vector) error
	Update(device, name string, state model.State, changed []model.Element) error
	Delete(device, name string) error
	Message(device, text string) error
	Request(ctx context.Context, from, device, name string, values []model.Element) error
	Watch(watcher, device, property string, policy snoop.BlobPolicy, fn snoop.Handler) error
	Unwatch(watcher, device, property string)
	RegisterDriver(device string, d Driver) error
	UnregisterDriver(device string)
	Attach(id string, l Listener, policy snoop.BlobPolicy) error
	Detach(id string)
}

// Config configures a Bus.
type Config struct {
	// Logger for operational logs. Defaults to slog.Default().
	Logger *slog.Logger

	// ProtocolLogger captures device and vector lifecycle events (optional).
	ProtocolLogger log.Logger
}

// Bus is the in-process hub: it caches every defined vector, validates
// client requests, routes them to drivers and fans events out to
// listeners and snooping drivers.
type Bus struct {
	mu      sync.RWMutex
	devices map[string]*model.Device
	order   []string
	drivers map[string]Driver
	closed  bool

	snoop  *snoop.Registry
	logger *slog.Logger
	plog   log.Logger
}

// New creates a bus with default configuration.
func New() *Bus {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a bus.
func NewWithConfig(config Config) *Bus {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Bus{
		devices: make(map[string]*model.Device),
		drivers: make(map[string]Driver),
		snoop:   snoop.NewRegistry(config.Logger),
		logger:  config.Logger,
		plog:    log.OrNoop(config.ProtocolLogger),
	}
}

// Define announces a vector. Defining an existing vector again replaces
// its definition, as drivers do after reconfiguration.
func (b *Bus) Define(v *model.Vector) error {
	if err := v.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	dev, ok := b.devices[v.Device]
	if !ok {
		dev = model.NewDevice(v.Device)
		b.devices[v.Device] = dev
		b.order = append(b.order, v.Device)
	}
	dev.Replace(v)
	b.mu.Unlock()

	if !ok {
		b.logLifecycle(log.StateEntityDevice, v.Device, "", "", "DEFINED")
	}
	b.logger.Debug("vector defined", "device", v.Device, "vector", v.Name,
		"kind", v.Kind.String(), "state", v.State.String())

	b.snoop.Deliver(Event{Type: snoop.EventDefine, Device: v.Device, Property: v.Name, Vector: v.Clone()})
	return nil
}

// Update records a vector's new state and changed values and broadcasts
// them.
func (b *Bus) Update(device, name string, state model.State, changed []model.Element) error {
	_, err := b.UpdateVector(device, name, state, changed, "")
	return err
}

// UpdateVector is Update with an attached message; it returns the vector
// after the change.
func (b *Bus) UpdateVector(device, name string, state model.State, changed []model.Element, message string) (*model.Vector, error) {
	dev, err := b.device(device)
	if err != nil {
		return nil, err
	}

	before, err := dev.Vector(name)
	if err != nil {
		return nil, err
	}
	after, err := dev.Update(name, state, changed)
	if err != nil {
		return nil, err
	}

	if before.State == model.StateBusy && state == model.StateBusy && len(changed) == 0 {
		b.logger.Debug("busy vector re-reported busy without changes", "device", device, "vector", name)
	}
	if before.State != state {
		b.logLifecycle(log.StateEntityVector, device, name, before.State.String(), state.String())
	}

	b.snoop.Deliver(Event{
		Type:     snoop.EventUpdate,
		Device:   device,
		Property: name,
		Vector:   after,
		Changed:  changed,
		Message:  message,
	})
	return after, nil
}

// Delete removes a vector, or the whole device when name is empty. A
// device whose last vector is deleted is removed as well.
func (b *Bus) Delete(device, name string) error {
	b.mu.Lock()
	dev, ok := b.devices[device]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, device)
	}
	if name != "" {
		if err := dev.Delete(name); err != nil {
			b.mu.Unlock()
			return err
		}
	}
	removed := name == "" || dev.Len() == 0
	if removed {
		b.removeDeviceLocked(device)
	}
	b.mu.Unlock()

	b.snoop.Deliver(Event{Type: snoop.EventDelete, Device: device, Property: name})
	if removed {
		b.logLifecycle(log.StateEntityDevice, device, "", "DEFINED", "DELETED")
	}
	return nil
}

func (b *Bus) removeDeviceLocked(device string) {
	delete(b.devices, device)
	b.order = slices.DeleteFunc(b.order, func(d string) bool { return d == device })
}

// Message broadcasts free text attached to a device (or the hub when
// device is empty).
func (b *Bus) Message(device, text string) error {
	b.snoop.Deliver(Event{Type: snoop.EventMessage, Device: device, Message: text})
	return nil
}

// Request validates a client request and hands it to the owning driver.
//
// A request that does not match the vector definition is never applied:
// the requester alone receives an Alert update of the addressed vector and
// the error is returned.
func (b *Bus) Request(ctx context.Context, from, device, name string, values []model.Element) error {
	return b.RequestWithID(ctx, from, 0, device, name, values)
}

// RequestWithID is Request with a correlation ID passed on to the driver.
func (b *Bus) RequestWithID(ctx context.Context, from string, id uint32, device, name string, values []model.Element) error {
	dev, err := b.device(device)
	if err != nil {
		return err
	}

	if err := dev.CheckRequest(name, values); err != nil {
		b.rejectRequest(from, dev, name, err)
		return err
	}

	b.mu.RLock()
	drv, ok := b.drivers[device]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDriver, device)
	}

	req := Request{From: from, ID: id, Device: device, Name: name, Values: values}
	if err := drv.HandleRequest(ctx, req); err != nil {
		b.logger.Warn("driver rejected request", "device", device, "vector", name, "from", from, "error", err)
		return err
	}
	return nil
}

func (b *Bus) rejectRequest(from string, dev *model.Device, name string, cause error) {
	b.logger.Info("request rejected", "device", dev.Name(), "vector", name, "from", from, "error", cause)
	b.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: from,
		Direction:    log.DirectionIn,
		Layer:        log.LayerService,
		Category:     log.CategoryError,
		Device:       dev.Name(),
		Property:     name,
		Error: &log.ErrorEventData{
			Layer:   log.LayerService,
			Message: cause.Error(),
			Context: "request",
		},
	})

	v, err := dev.Vector(name)
	if err != nil {
		return
	}
	v.State = model.StateAlert
	v.Timestamp = time.Now()
	b.snoop.DeliverTo(from, Event{
		Type:     snoop.EventUpdate,
		Device:   v.Device,
		Property: v.Name,
		Vector:   v,
		Message:  cause.Error(),
	})
}

// Watch lets watcher snoop on device/property (empty property: the whole
// device). Current definitions that match are replayed to the watcher.
func (b *Bus) Watch(watcher, device, property string, policy snoop.BlobPolicy, fn snoop.Handler) error {
	if err := b.snoop.Watch(watcher, device, property, policy, fn); err != nil {
		return err
	}
	b.replay(watcher, device, property)
	return nil
}

// Unwatch removes a single watch.
func (b *Bus) Unwatch(watcher, device, property string) {
	b.snoop.Unwatch(watcher, device, property)
}

// Attach registers a client listener for every device and replays the
// current definitions to it.
func (b *Bus) Attach(id string, l Listener, policy snoop.BlobPolicy) error {
	if err := b.snoop.Watch(id, "", "", policy, l.HandleEvent); err != nil {
		return err
	}
	b.replay(id, "", "")
	return nil
}

// Detach removes a listener or watcher with all its watches.
func (b *Bus) Detach(id string) {
	b.snoop.UnwatchAll(id)
}

// GetProperties replays the current definitions matching device/property
// to an attached listener or watcher.
func (b *Bus) GetProperties(id, device, property string) {
	b.replay(id, device, property)
}

func (b *Bus) replay(watcher, device, property string) {
	for _, v := range b.Snapshot() {
		if device != "" && v.Device != device {
			continue
		}
		if property != "" && v.Name != property {
			continue
		}
		b.snoop.DeliverTo(watcher, Event{Type: snoop.EventDefine, Device: v.Device, Property: v.Name, Vector: v})
	}
}

// RegisterDriver makes d the owner of device.
func (b *Bus) RegisterDriver(device string, d Driver) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if _, owned := b.drivers[device]; owned {
		return fmt.Errorf("%w: %s", ErrDeviceOwned, device)
	}
	b.drivers[device] = d
	b.logger.Info("driver registered", "device", device)
	return nil
}

// UnregisterDriver releases device and deletes its vectors.
func (b *Bus) UnregisterDriver(device string) {
	b.mu.Lock()
	_, owned := b.drivers[device]
	delete(b.drivers, device)
	_, defined := b.devices[device]
	b.mu.Unlock()

	if !owned {
		return
	}
	b.logger.Info("driver unregistered", "device", device)
	if defined {
		_ = b.Delete(device, "")
	}
}

// Snapshot returns copies of every vector, grouped by device in
// definition order.
func (b *Bus) Snapshot() []*model.Vector {
	b.mu.RLock()
	devs := make([]*model.Device, 0, len(b.order))
	for _, name := range b.order {
		devs = append(devs, b.devices[name])
	}
	b.mu.RUnlock()

	var out []*model.Vector
	for _, d := range devs {
		out = append(out, d.Vectors()...)
	}
	return out
}

// Devices returns the defined device names in definition order.
func (b *Bus) Devices() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.order)
}

// Vector returns a copy of one cached vector.
func (b *Bus) Vector(device, name string) (*model.Vector, error) {
	dev, err := b.device(device)
	if err != nil {
		return nil, err
	}
	return dev.Vector(name)
}

// HasDriver reports whether device has a registered driver.
func (b *Bus) HasDriver(device string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.drivers[device]
	return ok
}

// Watchers returns the watchers that would see an update of
// device/property.
func (b *Bus) Watchers(device, property string) []string {
	return b.snoop.Watchers(device, property)
}

// Close stops event delivery. Further defines and registrations fail.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.snoop.Close()
}

func (b *Bus) device(name string) (*model.Device, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dev, ok := b.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}
	return dev, nil
}

func (b *Bus) logLifecycle(entity log.StateEntity, device, property, oldState, newState string) {
	b.plog.Log(log.Event{
		Timestamp:   time.Now(),
		Layer:       log.LayerService,
		Category:    log.CategoryState,
		LocalRole:   log.RoleHub,
		Device:      device,
		Property:    property,
		StateChange: &log.StateChangeEvent{Entity: entity, OldState: oldState, NewState: newState},
	})
}

var _ Hub = (*Bus)(nil)
