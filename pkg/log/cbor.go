package log

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// A capture file is a CBOR sequence. It opens with a Header wrapped in
// headerTag, followed by one map per Event. Files written by older tools
// carry no header; readers accept both.

// CaptureVersion is the capture format written by FileLogger.
const CaptureVersion = 1

// headerTag marks the capture header ("pbus" as a first-come-first-served
// tag number).
const headerTag = 0x70627573

// Header describes the hub that produced a capture file.
type Header struct {
	Version    int       `cbor:"1,keyasint"`
	SocketPath string    `cbor:"2,keyasint,omitempty"`
	PID        int       `cbor:"3,keyasint,omitempty"`
	Started    time.Time `cbor:"4,keyasint"`

	// Rotation counts the files rotated away before this one was opened.
	Rotation int `cbor:"5,keyasint,omitempty"`
}

var (
	captureEnc cbor.EncMode
	captureDec cbor.DecMode
)

func init() {
	var err error
	captureEnc, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("log: capture encoder: %v", err))
	}
	captureDec, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
		TagsMd:      cbor.TagsAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("log: capture decoder: %v", err))
	}
}

// EncodeEvent encodes one event record.
func EncodeEvent(event Event) ([]byte, error) {
	return captureEnc.Marshal(event)
}

// DecodeEvent decodes one event record.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := captureDec.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// EncodeHeader encodes a tagged capture header.
func EncodeHeader(h Header) ([]byte, error) {
	return captureEnc.Marshal(cbor.Tag{Number: headerTag, Content: h})
}

// decodeHeader reports whether raw is a capture header and decodes it.
func decodeHeader(raw cbor.RawMessage) (*Header, bool, error) {
	// Major type 6 is a tag; events are maps.
	if len(raw) == 0 || raw[0]>>5 != 6 {
		return nil, false, nil
	}
	var tag cbor.RawTag
	if err := captureDec.Unmarshal(raw, &tag); err != nil {
		return nil, false, err
	}
	if tag.Number != headerTag {
		return nil, false, fmt.Errorf("log: unexpected tag %d in capture", tag.Number)
	}
	var h Header
	if err := captureDec.Unmarshal(tag.Content, &h); err != nil {
		return nil, false, fmt.Errorf("log: capture header: %w", err)
	}
	return &h, true, nil
}

// NewDecoder returns a decoder for the records of a capture stream.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return captureDec.NewDecoder(r)
}
