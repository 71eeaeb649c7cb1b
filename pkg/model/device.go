package model

import (
	"fmt"
	"slices"
	"sync"
)

// Device is a named collection of vectors. It is safe for concurrent use;
// all vectors handed out are clones.
type Device struct {
	mu sync.RWMutex

	name    string
	vectors map[string]*Vector

	// order holds vector names in definition order.
	order []string
}

// NewDevice creates an empty device.
func NewDevice(name string) *Device {
	return &Device{
		name:    name,
		vectors: make(map[string]*Vector),
	}
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// Define adds a vector. A vector with an empty Device field is adopted.
func (d *Device) Define(v *Vector) error {
	v = v.Clone()
	if v.Device == "" {
		v.Device = d.name
	}
	if v.Device != d.name {
		return fmt.Errorf("%w: %s defined on %s", ErrDeviceMismatch, v.Key(), d.name)
	}
	if err := v.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.vectors[v.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateVector, v.Key())
	}
	d.vectors[v.Name] = v
	d.order = append(d.order, v.Name)
	return nil
}

// Replace stores v, defining it if necessary. Used by caches that mirror
// another party's definitions.
func (d *Device) Replace(v *Vector) {
	v = v.Clone()
	v.Device = d.name

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.vectors[v.Name]; !exists {
		d.order = append(d.order, v.Name)
	}
	d.vectors[v.Name] = v
}

// Vector returns a copy of the named vector.
func (d *Device) Vector(name string) (*Vector, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, ok := d.vectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrVectorNotFound, d.name, name)
	}
	return v.Clone(), nil
}

// Vectors returns copies of all vectors in definition order.
func (d *Device) Vectors() []*Vector {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Vector, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.vectors[name].Clone())
	}
	return out
}

// Delete removes the named vector.
func (d *Device) Delete(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.vectors[name]; !ok {
		return fmt.Errorf("%w: %s.%s", ErrVectorNotFound, d.name, name)
	}
	delete(d.vectors, name)
	d.order = slices.DeleteFunc(d.order, func(n string) bool { return n == name })
	return nil
}

// Len returns the number of defined vectors.
func (d *Device) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.vectors)
}

// CheckRequest validates a client request against the named vector.
func (d *Device) CheckRequest(name string, values []Element) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, ok := d.vectors[name]
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrVectorNotFound, d.name, name)
	}
	return v.CheckRequest(values)
}

// Apply applies a client request to the named vector and returns the
// resulting copy.
func (d *Device) Apply(name string, values []Element) (*Vector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.vectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrVectorNotFound, d.name, name)
	}
	if err := v.Apply(values); err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

// Update sets state and values of the named vector and returns the resulting
// copy.
func (d *Device) Update(name string, state State, values []Element) (*Vector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.vectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrVectorNotFound, d.name, name)
	}
	if err := v.Update(state, values); err != nil {
		return nil, err
	}
	return v.Clone(), nil
}
