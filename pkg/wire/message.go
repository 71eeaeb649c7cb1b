package wire

import (
	"fmt"
)

// MessageType identifies a message. It is always encoded under key 1.
type MessageType uint8

const (
	MessageTypeUnknown MessageType = iota
	MessageTypeDefine
	MessageTypeUpdate
	MessageTypeDelete
	MessageTypeRequest
	MessageTypeWatch
	MessageTypeGetProperties
	MessageTypeMessage
	MessageTypeError
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MessageTypeDefine:
		return "Define"
	case MessageTypeUpdate:
		return "Update"
	case MessageTypeDelete:
		return "Delete"
	case MessageTypeRequest:
		return "Request"
	case MessageTypeWatch:
		return "Watch"
	case MessageTypeGetProperties:
		return "GetProperties"
	case MessageTypeMessage:
		return "Message"
	case MessageTypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Message is implemented by every wire message.
type Message interface {
	Type() MessageType
	Validate() error
}

// Vector is the wire form of a full vector definition.
//
// CBOR encoding:
//
//	{
//	  1: device, 2: name, 3: label, 4: group,
//	  5: kind, 6: perm, 7: state, 8: rule,
//	  9: timeout (seconds), 10: timestamp (unix ns),
//	  11: [element, ...]
//	}
type Vector struct {
	Device    string    `cbor:"1,keyasint"`
	Name      string    `cbor:"2,keyasint"`
	Label     string    `cbor:"3,keyasint,omitempty"`
	Group     string    `cbor:"4,keyasint,omitempty"`
	Kind      uint8     `cbor:"5,keyasint"`
	Perm      uint8     `cbor:"6,keyasint"`
	State     uint8     `cbor:"7,keyasint"`
	Rule      uint8     `cbor:"8,keyasint,omitempty"`
	Timeout   float64   `cbor:"9,keyasint,omitempty"`
	Timestamp int64     `cbor:"10,keyasint,omitempty"`
	Elements  []Element `cbor:"11,keyasint"`
}

// Element is the wire form of an element. Exactly one of the value keys
// (3 to 7) is present.
type Element struct {
	Name   string  `cbor:"1,keyasint"`
	Label  string  `cbor:"2,keyasint,omitempty"`
	Text   *string `cbor:"3,keyasint,omitempty"`
	Number *Number `cbor:"4,keyasint,omitempty"`
	Switch *bool   `cbor:"5,keyasint,omitempty"`
	Light  *uint8  `cbor:"6,keyasint,omitempty"`
	Blob   *Blob   `cbor:"7,keyasint,omitempty"`
}

// Number is the wire form of a number value.
type Number struct {
	Value  float64 `cbor:"1,keyasint"`
	Min    float64 `cbor:"2,keyasint,omitempty"`
	Max    float64 `cbor:"3,keyasint,omitempty"`
	Step   float64 `cbor:"4,keyasint,omitempty"`
	Format string  `cbor:"5,keyasint,omitempty"`
}

// Blob is the wire form of a blob value. FD is the index of the
// descriptor within the frame's attachments, or absent for inline data.
type Blob struct {
	Data       []byte `cbor:"1,keyasint,omitempty"`
	FD         *int   `cbor:"2,keyasint,omitempty"`
	Size       int    `cbor:"3,keyasint"`
	Format     string `cbor:"4,keyasint,omitempty"`
	Compressed bool   `cbor:"5,keyasint,omitempty"`
}

// Define announces a vector.
type Define struct {
	MsgType MessageType `cbor:"1,keyasint"`
	Vector  Vector      `cbor:"2,keyasint"`
	Message string      `cbor:"3,keyasint,omitempty"`
}

// Update reports a vector's new state and changed elements.
type Update struct {
	MsgType   MessageType `cbor:"1,keyasint"`
	Device    string      `cbor:"2,keyasint"`
	Name      string      `cbor:"3,keyasint"`
	State     uint8       `cbor:"4,keyasint"`
	Elements  []Element   `cbor:"5,keyasint,omitempty"`
	Timestamp int64       `cbor:"6,keyasint,omitempty"`
	Message   string      `cbor:"7,keyasint,omitempty"`
}

// Delete removes a vector, or every vector of Device when Name is empty.
type Delete struct {
	MsgType MessageType `cbor:"1,keyasint"`
	Device  string      `cbor:"2,keyasint"`
	Name    string      `cbor:"3,keyasint,omitempty"`
	Message string      `cbor:"4,keyasint,omitempty"`
}

// Request asks the owning driver for new element values. A non-zero ID asks
// the hub to answer with an Error carrying the same RequestID, ErrorCodeOK
// when the request was accepted.
type Request struct {
	MsgType  MessageType `cbor:"1,keyasint"`
	ID       uint32      `cbor:"2,keyasint,omitempty"`
	Device   string      `cbor:"3,keyasint"`
	Name     string      `cbor:"4,keyasint"`
	Elements []Element   `cbor:"5,keyasint"`
}

// Watch subscribes to a foreign device (empty Name), a vector, or every
// device (empty Device and Name). Policy is a snoop.BlobPolicy value.
// Remove cancels the watch.
type Watch struct {
	MsgType MessageType `cbor:"1,keyasint"`
	Device  string      `cbor:"2,keyasint"`
	Name    string      `cbor:"3,keyasint,omitempty"`
	Policy  uint8       `cbor:"4,keyasint,omitempty"`
	Remove  bool        `cbor:"5,keyasint,omitempty"`
}

// GetProperties asks for the current definitions of a device, a vector,
// or everything when Device is empty.
type GetProperties struct {
	MsgType MessageType `cbor:"1,keyasint"`
	Device  string      `cbor:"2,keyasint,omitempty"`
	Name    string      `cbor:"3,keyasint,omitempty"`
}

// DeviceMessage is free text attached to a device (or the hub when empty).
type DeviceMessage struct {
	MsgType   MessageType `cbor:"1,keyasint"`
	Device    string      `cbor:"2,keyasint,omitempty"`
	Text      string      `cbor:"3,keyasint"`
	Timestamp int64       `cbor:"4,keyasint,omitempty"`
}

// Error reports a rejected message, or acknowledges a correlated request.
type Error struct {
	MsgType   MessageType `cbor:"1,keyasint"`
	RequestID uint32      `cbor:"2,keyasint,omitempty"`
	Code      ErrorCode   `cbor:"3,keyasint"`
	Device    string      `cbor:"4,keyasint,omitempty"`
	Name      string      `cbor:"5,keyasint,omitempty"`
	Message   string      `cbor:"6,keyasint,omitempty"`
}

// Type implementations.

func (*Define) Type() MessageType        { return MessageTypeDefine }
func (*Update) Type() MessageType        { return MessageTypeUpdate }
func (*Delete) Type() MessageType        { return MessageTypeDelete }
func (*Request) Type() MessageType       { return MessageTypeRequest }
func (*Watch) Type() MessageType         { return MessageTypeWatch }
func (*GetProperties) Type() MessageType { return MessageTypeGetProperties }
func (*DeviceMessage) Type() MessageType { return MessageTypeMessage }
func (*Error) Type() MessageType         { return MessageTypeError }

// Validate checks that the definition is addressable and non-empty.
func (m *Define) Validate() error {
	if m.Vector.Device == "" || m.Vector.Name == "" {
		return fmt.Errorf("define: device and name are required")
	}
	if len(m.Vector.Elements) == 0 {
		return fmt.Errorf("define %s.%s: no elements", m.Vector.Device, m.Vector.Name)
	}
	return validateElements(m.Vector.Elements)
}

// Validate checks the update is addressable.
func (m *Update) Validate() error {
	if m.Device == "" || m.Name == "" {
		return fmt.Errorf("update: device and name are required")
	}
	return validateElements(m.Elements)
}

// Validate checks the delete names a device.
func (m *Delete) Validate() error {
	if m.Device == "" {
		return fmt.Errorf("delete: device is required")
	}
	return nil
}

// Validate checks the request is addressable and carries values.
func (m *Request) Validate() error {
	if m.Device == "" || m.Name == "" {
		return fmt.Errorf("request: device and name are required")
	}
	if len(m.Elements) == 0 {
		return fmt.Errorf("request %s.%s: no elements", m.Device, m.Name)
	}
	return validateElements(m.Elements)
}

// Validate checks the watch names a device.
func (m *Watch) Validate() error {
	if m.Device == "" && m.Name != "" {
		return fmt.Errorf("watch: vector %q without device", m.Name)
	}
	if m.Policy > 2 {
		return fmt.Errorf("watch: invalid blob policy %d", m.Policy)
	}
	return nil
}

// Validate always succeeds.
func (m *GetProperties) Validate() error { return nil }

// Validate always succeeds.
func (m *DeviceMessage) Validate() error { return nil }

// Validate always succeeds.
func (m *Error) Validate() error { return nil }

func validateElements(elems []Element) error {
	for _, e := range elems {
		if e.Name == "" {
			return fmt.Errorf("unnamed element")
		}
		n := 0
		if e.Text != nil {
			n++
		}
		if e.Number != nil {
			n++
		}
		if e.Switch != nil {
			n++
		}
		if e.Light != nil {
			n++
		}
		if e.Blob != nil {
			n++
		}
		if n != 1 {
			return fmt.Errorf("element %q: expected exactly one value, got %d", e.Name, n)
		}
	}
	return nil
}
