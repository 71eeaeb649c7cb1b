package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/propbus/propbus-go/pkg/bus"
	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/persistence"
	"github.com/propbus/propbus-go/pkg/snoop"
)

// ErrClosed is returned by operations on a closed Device.
var ErrClosed = errors.New("driver device closed")

// RequestHandler decides how a validated client request settles. It
// typically calls Set with Busy and later with Ok or Alert.
type RequestHandler func(ctx context.Context, d *Device, req bus.Request) error

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.logger = l }
}

// WithStore enables saving writable vector values to store and restoring
// them when the vectors are defined.
func WithStore(store *persistence.DeviceStateStore) Option {
	return func(d *Device) { d.store = store }
}

// Device owns one device name on a hub. It keeps its own copy of every
// vector it defines, answers requests for them and snoops on other devices.
type Device struct {
	hub    bus.Hub
	local  *model.Device
	logger *slog.Logger
	store  *persistence.DeviceStateStore

	mu       sync.RWMutex
	handlers map[string]RequestHandler
	locks    map[string]*sync.Mutex
	saved    *persistence.DeviceState
	closed   bool
}

// New registers a driver for device name on hub.
func New(hub bus.Hub, name string, opts ...Option) (*Device, error) {
	d := &Device{
		hub:      hub,
		local:    model.NewDevice(name),
		handlers: make(map[string]RequestHandler),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("device", name)

	if d.store != nil {
		saved, err := d.store.Load()
		if err != nil {
			d.logger.Warn("ignoring saved configuration", "path", d.store.Path(), "error", err)
		}
		d.saved = saved
	}

	if err := hub.RegisterDriver(name, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.local.Name()
}

// Define announces a vector. Saved values of a writable vector are applied
// before it is announced.
func (d *Device) Define(v *model.Vector) error {
	if d.isClosed() {
		return ErrClosed
	}
	v = v.Clone()
	if v.Device == "" {
		v.Device = d.Name()
	}
	d.restore(v)

	if err := d.local.Define(v); err != nil {
		return err
	}
	return d.hub.Define(v)
}

func (d *Device) restore(v *model.Vector) {
	if d.saved == nil || !v.Perm.CanWrite() {
		return
	}
	vs, ok := d.saved.Vector(v.Name)
	if !ok {
		return
	}
	if err := v.Apply(vs.Elements(v.Kind)); err != nil {
		d.logger.Warn("saved values do not match definition", "vector", v.Name, "error", err)
		return
	}
	d.logger.Debug("restored saved values", "vector", v.Name)
}

// Vector returns a copy of one of the device's own vectors.
func (d *Device) Vector(name string) (*model.Vector, error) {
	return d.local.Vector(name)
}

// Set reports a new state and changed values for one of the device's
// vectors. Reports on one vector reach the hub in the order they change the
// local copy.
func (d *Device) Set(name string, state model.State, values ...model.Element) error {
	l := d.vectorLock(name)
	l.Lock()
	defer l.Unlock()
	return d.set(name, state, values)
}

func (d *Device) set(name string, state model.State, values []model.Element) error {
	if d.isClosed() {
		return ErrClosed
	}
	v, err := d.local.Update(name, state, values)
	if err != nil {
		return err
	}
	if err := d.hub.Update(d.Name(), name, state, values); err != nil {
		return err
	}
	if v.Perm.CanWrite() {
		d.save()
	}
	return nil
}

// SetState is Set without values.
func (d *Device) SetState(name string, state model.State) error {
	return d.Set(name, state)
}

// Delete removes a vector, or every vector when name is empty.
func (d *Device) Delete(name string) error {
	if d.isClosed() {
		return ErrClosed
	}
	if name == "" {
		for _, v := range d.local.Vectors() {
			_ = d.local.Delete(v.Name)
		}
	} else if err := d.local.Delete(name); err != nil {
		return err
	}
	return d.hub.Delete(d.Name(), name)
}

// Message sends free text attached to the device.
func (d *Device) Message(text string) error {
	return d.hub.Message(d.Name(), text)
}

// OnRequest installs the handler for requests on one vector. Without a
// handler a request is applied as is and the vector reported Ok.
func (d *Device) OnRequest(vector string, h RequestHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[vector] = h
}

// Snoop watches a property of another device (all of its properties when
// property is empty).
func (d *Device) Snoop(target, property string, policy snoop.BlobPolicy, fn snoop.Handler) error {
	return d.hub.Watch(d.Name(), target, property, policy, fn)
}

// Unsnoop stops watching a property of another device.
func (d *Device) Unsnoop(target, property string) {
	d.hub.Unwatch(d.Name(), target, property)
}

// Request issues a request on any device, this one included, as a client
// would.
func (d *Device) Request(ctx context.Context, device, name string, values ...model.Element) error {
	return d.hub.Request(ctx, d.Name(), device, name, values)
}

// HandleRequest implements bus.Driver.
func (d *Device) HandleRequest(ctx context.Context, req bus.Request) error {
	if req.Device != d.Name() {
		return fmt.Errorf("%w: %s", bus.ErrUnknownDevice, req.Device)
	}

	d.mu.RLock()
	h, ok := d.handlers[req.Name]
	d.mu.RUnlock()

	d.logger.Debug("request", "vector", req.Name, "from", req.From, "elements", len(req.Values))
	if ok {
		return h(ctx, d, req)
	}
	return d.Accept(req, model.StateOk)
}

// Accept applies the requested values, enforcing switch rules, and reports
// the full vector with state.
func (d *Device) Accept(req bus.Request, state model.State) error {
	l := d.vectorLock(req.Name)
	l.Lock()
	defer l.Unlock()
	v, err := d.local.Apply(req.Name, req.Values)
	if err != nil {
		return err
	}
	return d.set(req.Name, state, v.Values())
}

// vectorLock returns the mutex serializing reports on one vector.
func (d *Device) vectorLock(name string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[name]
	if !ok {
		l = &sync.Mutex{}
		d.locks[name] = l
	}
	return l
}

// Close deletes the device from the hub and stops snooping.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.hub.Detach(d.Name())
	d.hub.UnregisterDriver(d.Name())
	return nil
}

func (d *Device) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func (d *Device) save() {
	if d.store == nil {
		return
	}
	state := persistence.Capture(d.Name(), d.local.Vectors())
	if err := d.store.Save(state); err != nil {
		d.logger.Warn("saving configuration failed", "path", d.store.Path(), "error", err)
	}
}

var _ bus.Driver = (*Device)(nil)
