package log

import (
	"time"

	"github.com/propbus/propbus-go/pkg/wire"
)

// Event is one captured protocol event. Exactly one of the payload fields
// (Frame, Message, StateChange, Error) is set.
type Event struct {
	Timestamp    time.Time `cbor:"1,keyasint"`
	ConnectionID string    `cbor:"2,keyasint"`
	Direction    Direction `cbor:"3,keyasint"`
	Layer        Layer     `cbor:"4,keyasint"`
	Category     Category  `cbor:"5,keyasint"`
	LocalRole    Role      `cbor:"6,keyasint,omitempty"`
	RemoteAddr   string    `cbor:"7,keyasint,omitempty"`

	// Device and Property identify the vector the event concerns, if any.
	Device   string `cbor:"8,keyasint,omitempty"`
	Property string `cbor:"9,keyasint,omitempty"`

	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates message flow.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer is where the event was captured.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes and descriptors).
	LayerTransport Layer = 0
	// LayerWire is the decoded message layer.
	LayerWire Layer = 1
	// LayerService is the hub/bus layer.
	LayerService Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerService:
		return "SERVICE"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event.
type Category uint8

const (
	CategoryMessage Category = 0
	CategoryState   Category = 2
	CategoryError   Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role is the local side's role on a connection.
type Role uint8

const (
	RoleHub    Role = 0
	RoleDriver Role = 1
	RoleClient Role = 2
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleHub:
		return "HUB"
	case RoleDriver:
		return "DRIVER"
	case RoleClient:
		return "CLIENT"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures a raw frame.
type FrameEvent struct {
	// Size is the frame size in bytes, without the length prefix.
	Size int `cbor:"1,keyasint"`

	// Data is the frame, possibly truncated.
	Data      []byte `cbor:"2,keyasint,omitempty"`
	Truncated bool   `cbor:"3,keyasint,omitempty"`

	// FDs is the number of descriptors that travelled with the frame.
	FDs int `cbor:"4,keyasint,omitempty"`
}

// MaxFrameCapture is the number of frame bytes kept in a FrameEvent.
const MaxFrameCapture = 256

// NewFrameEvent builds a FrameEvent, truncating data to MaxFrameCapture.
func NewFrameEvent(data []byte, fds int) *FrameEvent {
	ev := &FrameEvent{Size: len(data), FDs: fds}
	if len(data) > MaxFrameCapture {
		ev.Data = append([]byte(nil), data[:MaxFrameCapture]...)
		ev.Truncated = true
	} else {
		ev.Data = append([]byte(nil), data...)
	}
	return ev
}

// MessageEvent captures a decoded message.
type MessageEvent struct {
	Type      wire.MessageType `cbor:"1,keyasint"`
	RequestID uint32           `cbor:"2,keyasint,omitempty"`

	// State is the vector state carried by defines and updates.
	State *uint8 `cbor:"3,keyasint,omitempty"`

	// Elements is the number of element values carried.
	Elements int `cbor:"4,keyasint,omitempty"`

	// Code is set for Error messages.
	Code *wire.ErrorCode `cbor:"5,keyasint,omitempty"`

	Text string `cbor:"6,keyasint,omitempty"`
}

// StateChangeEvent captures a lifecycle change of a connection, device or
// vector.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity is what changed state.
type StateEntity uint8

const (
	StateEntityConnection StateEntity = 0
	StateEntityDevice     StateEntity = 1
	StateEntityVector     StateEntity = 2
)

// String returns the entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityDevice:
		return "DEVICE"
	case StateEntityVector:
		return "VECTOR"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures an error at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	Code    *int   `cbor:"3,keyasint,omitempty"`

	// Context names the operation that failed.
	Context string `cbor:"4,keyasint,omitempty"`
}

// MessageEventFor describes msg and returns the device and property it
// addresses.
func MessageEventFor(msg wire.Message) (ev *MessageEvent, device, property string) {
	ev = &MessageEvent{Type: msg.Type()}
	switch m := msg.(type) {
	case *wire.Define:
		device, property = m.Vector.Device, m.Vector.Name
		s := m.Vector.State
		ev.State = &s
		ev.Elements = len(m.Vector.Elements)
		ev.Text = m.Message
	case *wire.Update:
		device, property = m.Device, m.Name
		s := m.State
		ev.State = &s
		ev.Elements = len(m.Elements)
		ev.Text = m.Message
	case *wire.Delete:
		device, property = m.Device, m.Name
		ev.Text = m.Message
	case *wire.Request:
		device, property = m.Device, m.Name
		ev.RequestID = m.ID
		ev.Elements = len(m.Elements)
	case *wire.Watch:
		device, property = m.Device, m.Name
	case *wire.GetProperties:
		device, property = m.Device, m.Name
	case *wire.DeviceMessage:
		device = m.Device
		ev.Text = m.Text
	case *wire.Error:
		device, property = m.Device, m.Name
		ev.RequestID = m.RequestID
		code := m.Code
		ev.Code = &code
		ev.Text = m.Message
	}
	return ev, device, property
}
