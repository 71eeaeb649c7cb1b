package model

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"math"

	"github.com/propbus/propbus-go/pkg/shm"
)

// Value is the typed payload of an element. It is implemented by Text,
// Number, Switch, Light and Blob only.
type Value interface {
	// Kind returns the element kind the value belongs to.
	Kind() Kind

	isValue()
}

// Text is a text element value.
type Text string

// Kind returns KindText.
func (Text) Kind() Kind { return KindText }
func (Text) isValue()   {}

// Number is a number element value with its display and range metadata.
// The range is ignored when Min == Max; Step is ignored when zero.
type Number struct {
	Value  float64
	Min    float64
	Max    float64
	Step   float64
	Format string // printf-style, e.g. "%.2f"
}

// Kind returns KindNumber.
func (Number) Kind() Kind { return KindNumber }
func (Number) isValue()   {}

// Bounded returns true if the number has a range.
func (n Number) Bounded() bool { return n.Min != n.Max }

// InRange reports whether v is within the number's range.
func (n Number) InRange(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	if !n.Bounded() {
		return true
	}
	return v >= n.Min && v <= n.Max
}

// String formats the value with Format, or %g if none is set.
func (n Number) String() string {
	if n.Format == "" {
		return fmt.Sprintf("%g", n.Value)
	}
	return fmt.Sprintf(n.Format, n.Value)
}

// Switch is a switch element value.
type Switch bool

// Switch values.
const (
	SwitchOff Switch = false
	SwitchOn  Switch = true
)

// Kind returns KindSwitch.
func (Switch) Kind() Kind { return KindSwitch }
func (Switch) isValue()   {}

// String returns "On" or "Off".
func (s Switch) String() string {
	if s {
		return "On"
	}
	return "Off"
}

// Light is a light element value; it displays a state.
type Light State

// Kind returns KindLight.
func (Light) Kind() Kind { return KindLight }
func (Light) isValue()   {}

// String returns the light's state name.
func (l Light) String() string { return State(l).String() }

// Blob is a binary element value. The payload is either inline (Data) or
// carried by a sealed shared segment (Segment); Size is the declared
// payload size in both cases. A Compressed payload is a zlib stream and
// Size counts the compressed bytes.
type Blob struct {
	Data       []byte
	Segment    *shm.ImmutableSegment
	Size       int
	Format     string // e.g. ".fits", ".jpg"
	Compressed bool
}

// CompressedBlob deflates data into an inline blob.
func CompressedBlob(data []byte, format string) (Blob, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return Blob{}, err
	}
	if err := zw.Close(); err != nil {
		return Blob{}, err
	}
	return Blob{Data: buf.Bytes(), Size: buf.Len(), Format: format, Compressed: true}, nil
}

// Kind returns KindBlob.
func (Blob) Kind() Kind { return KindBlob }
func (Blob) isValue()   {}

// Attached returns true if the payload lives in a shared segment.
func (b Blob) Attached() bool { return b.Segment != nil }

// Bytes returns the payload. For attached blobs this is the read-only
// mapping; it must not be written and is invalid once the segment is
// released.
func (b Blob) Bytes() []byte {
	if b.Segment == nil {
		return b.Data
	}
	data := b.Segment.Bytes()
	if b.Size < len(data) {
		return data[:b.Size]
	}
	return data
}

// Element is one named value within a vector.
type Element struct {
	Name  string
	Label string
	Value Value
}

// TextElement creates a text element.
func TextElement(name, label, text string) Element {
	return Element{Name: name, Label: label, Value: Text(text)}
}

// NumberElement creates a number element.
func NumberElement(name, label, format string, min, max, step, value float64) Element {
	return Element{Name: name, Label: label, Value: Number{
		Value:  value,
		Min:    min,
		Max:    max,
		Step:   step,
		Format: format,
	}}
}

// SwitchElement creates a switch element.
func SwitchElement(name, label string, on Switch) Element {
	return Element{Name: name, Label: label, Value: on}
}

// LightElement creates a light element.
func LightElement(name, label string, state State) Element {
	return Element{Name: name, Label: label, Value: Light(state)}
}

// BlobElement creates an empty blob element with a format tag.
func BlobElement(name, label, format string) Element {
	return Element{Name: name, Label: label, Value: Blob{Format: format}}
}

// Kind returns the kind of the element's value.
func (e Element) Kind() Kind {
	if e.Value == nil {
		return KindText
	}
	return e.Value.Kind()
}

// Set is the element-level payload of a request or update: element name
// and new value. Only Value is significant; number ranges in a Set are
// ignored.
func Set(name string, v Value) Element {
	return Element{Name: name, Value: v}
}
