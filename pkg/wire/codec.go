package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownMessage is returned by Decode for an unrecognized message type.
var ErrUnknownMessage = errors.New("unknown message type")

// encMode is the CBOR encoder mode for protocol messages.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for protocol messages.
var decMode cbor.DecMode

func init() {
	var err error

	// Configure encoder for deterministic output
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical, // Deterministic key ordering
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix, // Unix timestamps
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Configure decoder to be lenient for forward compatibility
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet, // Ignore duplicate keys (last wins)
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder creates a new CBOR encoder that writes to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder creates a new CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// Encode validates msg, stamps its type and encodes it to CBOR bytes.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Define:
		m.MsgType = MessageTypeDefine
	case *Update:
		m.MsgType = MessageTypeUpdate
	case *Delete:
		m.MsgType = MessageTypeDelete
	case *Request:
		m.MsgType = MessageTypeRequest
	case *Watch:
		m.MsgType = MessageTypeWatch
	case *GetProperties:
		m.MsgType = MessageTypeGetProperties
	case *DeviceMessage:
		m.MsgType = MessageTypeMessage
	case *Error:
		m.MsgType = MessageTypeError
	default:
		return nil, fmt.Errorf("unsupported message %T", msg)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", msg.Type(), err)
	}
	return Marshal(msg)
}

// Decode decodes CBOR bytes into the message type named by key 1 and
// validates it.
func Decode(data []byte) (Message, error) {
	t, err := PeekMessageType(data)
	if err != nil {
		return nil, err
	}

	var msg Message
	switch t {
	case MessageTypeDefine:
		msg = &Define{}
	case MessageTypeUpdate:
		msg = &Update{}
	case MessageTypeDelete:
		msg = &Delete{}
	case MessageTypeRequest:
		msg = &Request{}
	case MessageTypeWatch:
		msg = &Watch{}
	case MessageTypeGetProperties:
		msg = &GetProperties{}
	case MessageTypeMessage:
		msg = &DeviceMessage{}
	case MessageTypeError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnknownMessage, t)
	}

	if err := Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", t, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", t, err)
	}
	return msg, nil
}

// PeekMessageType examines CBOR data to determine the message type
// without decoding the body.
func PeekMessageType(data []byte) (MessageType, error) {
	var peek struct {
		Type MessageType `cbor:"1,keyasint"`
	}
	if err := Unmarshal(data, &peek); err != nil {
		return MessageTypeUnknown, fmt.Errorf("failed to peek message: %w", err)
	}
	return peek.Type, nil
}

// Clone creates a deep copy of the CBOR data by re-encoding.
// Useful for copying messages without shared references.
func Clone[T any](v T) (T, error) {
	var result T
	data, err := Marshal(v)
	if err != nil {
		return result, err
	}
	err = Unmarshal(data, &result)
	return result, err
}

// Equal compares two values by their CBOR encoding.
func Equal(a, b any) bool {
	dataA, errA := Marshal(a)
	dataB, errB := Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(dataA, dataB)
}
