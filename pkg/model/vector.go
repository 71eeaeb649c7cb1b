package model

import (
	"fmt"
	"time"
)

// Vector is a named, typed group of elements belonging to one device.
type Vector struct {
	Device string
	Name   string
	Label  string
	Group  string

	Kind  Kind
	Perm  Perm
	State State

	// Rule applies to switch vectors only.
	Rule Rule

	// Timeout is the driver's worst-case time, in seconds, to settle a
	// request. Zero means unspecified.
	Timeout float64

	Timestamp time.Time
	Elements  []Element
}

// NewVector creates an Idle vector. The kind is taken from the first element.
func NewVector(device, name, label string, perm Perm, elements ...Element) *Vector {
	v := &Vector{
		Device:    device,
		Name:      name,
		Label:     label,
		Perm:      perm,
		State:     StateIdle,
		Timestamp: time.Now(),
		Elements:  elements,
	}
	if len(elements) > 0 {
		v.Kind = elements[0].Kind()
	}
	return v
}

// Validate checks the definition: non-empty names, unique element names,
// every element of the vector's kind and sane number ranges.
func (v *Vector) Validate() error {
	if v.Device == "" || v.Name == "" {
		return fmt.Errorf("%w: device and vector name are required", ErrInvalidVector)
	}
	if len(v.Elements) == 0 {
		return fmt.Errorf("%w: %s.%s has no elements", ErrInvalidVector, v.Device, v.Name)
	}
	if v.Kind == KindLight && v.Perm != PermReadOnly {
		return fmt.Errorf("%w: light vector %s must be read-only", ErrInvalidVector, v.Name)
	}

	seen := make(map[string]struct{}, len(v.Elements))
	on := 0
	for _, e := range v.Elements {
		if e.Name == "" {
			return fmt.Errorf("%w: %s has an unnamed element", ErrInvalidVector, v.Name)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("%w: %s has duplicate element %q", ErrInvalidVector, v.Name, e.Name)
		}
		seen[e.Name] = struct{}{}

		if e.Value == nil || e.Value.Kind() != v.Kind {
			return fmt.Errorf("%w: element %q is not %s", ErrInvalidVector, e.Name, v.Kind)
		}
		switch val := e.Value.(type) {
		case Number:
			if val.Min > val.Max {
				return fmt.Errorf("%w: element %q has min > max", ErrInvalidVector, e.Name)
			}
		case Switch:
			if val {
				on++
			}
		}
	}

	if v.Kind == KindSwitch && v.Rule != RuleAnyOfMany && on > 1 {
		return fmt.Errorf("%w: %s has %d switches on under %s", ErrInvalidVector, v.Name, on, v.Rule)
	}
	return nil
}

// Clone returns a copy whose element slice can be modified independently.
// Blob payloads are shared and must be treated as immutable.
func (v *Vector) Clone() *Vector {
	c := *v
	c.Elements = make([]Element, len(v.Elements))
	copy(c.Elements, v.Elements)
	return &c
}

// Element returns the element with the given name.
func (v *Vector) Element(name string) (Element, bool) {
	i := v.index(name)
	if i < 0 {
		return Element{}, false
	}
	return v.Elements[i], true
}

// Values returns name/value pairs for every element, without labels.
func (v *Vector) Values() []Element {
	out := make([]Element, len(v.Elements))
	for i, e := range v.Elements {
		out[i] = Set(e.Name, e.Value)
	}
	return out
}

// Key returns "device.name", used for logging and map keys.
func (v *Vector) Key() string {
	return v.Device + "." + v.Name
}

func (v *Vector) index(name string) int {
	for i := range v.Elements {
		if v.Elements[i].Name == name {
			return i
		}
	}
	return -1
}

// CheckRequest validates a client request against the definition without
// modifying the vector.
func (v *Vector) CheckRequest(values []Element) error {
	if !v.Perm.CanWrite() || v.Kind == KindLight {
		return fmt.Errorf("%w: %s", ErrReadOnlyVector, v.Key())
	}
	for _, req := range values {
		i := v.index(req.Name)
		if i < 0 {
			return fmt.Errorf("%w: %s has no element %q", ErrUnknownElement, v.Key(), req.Name)
		}
		if req.Value == nil || req.Value.Kind() != v.Kind {
			return fmt.Errorf("%w: %s.%s expects %s", ErrKindMismatch, v.Key(), req.Name, v.Kind)
		}
		if n, ok := req.Value.(Number); ok {
			def := v.Elements[i].Value.(Number)
			if !def.InRange(n.Value) {
				return fmt.Errorf("%w: %s.%s = %g not in [%g, %g]",
					ErrOutOfRange, v.Key(), req.Name, n.Value, def.Min, def.Max)
			}
		}
	}
	if v.Kind == KindSwitch {
		if _, err := v.switchResult(values); err != nil {
			return err
		}
	}
	return nil
}

// switchResult computes the switch states after applying values and checks
// the vector's rule against them.
func (v *Vector) switchResult(values []Element) ([]Switch, error) {
	result := make([]Switch, len(v.Elements))
	for i, e := range v.Elements {
		result[i] = e.Value.(Switch)
	}

	turnsOn := false
	for _, req := range values {
		if s, ok := req.Value.(Switch); ok && s == SwitchOn {
			turnsOn = true
		}
	}
	if turnsOn && v.Rule != RuleAnyOfMany {
		for i := range result {
			result[i] = SwitchOff
		}
	}
	for _, req := range values {
		if i := v.index(req.Name); i >= 0 {
			result[i] = req.Value.(Switch)
		}
	}

	on := 0
	for _, s := range result {
		if s {
			on++
		}
	}
	switch v.Rule {
	case RuleOneOfMany:
		if on != 1 {
			return nil, fmt.Errorf("%w: %s requires exactly one switch on, got %d", ErrSwitchRule, v.Key(), on)
		}
	case RuleAtMostOne:
		if on > 1 {
			return nil, fmt.Errorf("%w: %s allows at most one switch on, got %d", ErrSwitchRule, v.Key(), on)
		}
	}
	return result, nil
}

// Apply validates a client request and, if valid, stores the requested
// values. The state is left for the driver to decide.
func (v *Vector) Apply(values []Element) error {
	if err := v.CheckRequest(values); err != nil {
		return err
	}
	if v.Kind == KindSwitch {
		result, _ := v.switchResult(values)
		for i := range v.Elements {
			v.Elements[i].Value = result[i]
		}
	} else {
		for _, req := range values {
			v.assign(v.index(req.Name), req.Value)
		}
	}
	v.Timestamp = time.Now()
	return nil
}

// Update is the driver-side counterpart of Apply: it sets the state and the
// given element values. Range and switch rules are the driver's business
// and are not checked; names and kinds are.
func (v *Vector) Update(state State, values []Element) error {
	idx := make([]int, len(values))
	for j, val := range values {
		i := v.index(val.Name)
		if i < 0 {
			return fmt.Errorf("%w: %s has no element %q", ErrUnknownElement, v.Key(), val.Name)
		}
		if val.Value == nil || val.Value.Kind() != v.Kind {
			return fmt.Errorf("%w: %s.%s expects %s", ErrKindMismatch, v.Key(), val.Name, v.Kind)
		}
		idx[j] = i
	}
	for j, val := range values {
		v.assign(idx[j], val.Value)
	}
	v.State = state
	v.Timestamp = time.Now()
	return nil
}

// SetState changes only the state.
func (v *Vector) SetState(state State) {
	v.State = state
	v.Timestamp = time.Now()
}

// assign stores val at element i, keeping definition metadata that a
// request does not carry.
func (v *Vector) assign(i int, val Value) {
	switch nv := val.(type) {
	case Number:
		def := v.Elements[i].Value.(Number)
		def.Value = nv.Value
		v.Elements[i].Value = def
	case Blob:
		def := v.Elements[i].Value.(Blob)
		if nv.Format == "" {
			nv.Format = def.Format
		}
		v.Elements[i].Value = nv
	default:
		v.Elements[i].Value = val
	}
}
