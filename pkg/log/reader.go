package log

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/propbus/propbus-go/pkg/wire"
)

// Filter specifies criteria for filtering log events.
// Empty/nil fields match all events for that criterion.
type Filter struct {
	// ConnectionID filters by exact connection ID match.
	ConnectionID string

	// Direction filters by message direction.
	Direction *Direction

	// Layer filters by protocol layer.
	Layer *Layer

	// Category filters by event category.
	Category *Category

	// TimeStart filters events at or after this time.
	TimeStart *time.Time

	// TimeEnd filters events before this time.
	TimeEnd *time.Time

	// Device filters by device name.
	Device string

	// Property filters by vector name. It only applies together with Device.
	Property string

	// MessageType filters wire-layer events by message type.
	MessageType *wire.MessageType
}

// matches returns true if the event matches all filter criteria.
func (f *Filter) matches(event Event) bool {
	if f.ConnectionID != "" && event.ConnectionID != f.ConnectionID {
		return false
	}
	if f.Direction != nil && event.Direction != *f.Direction {
		return false
	}
	if f.Layer != nil && event.Layer != *f.Layer {
		return false
	}
	if f.Category != nil && event.Category != *f.Category {
		return false
	}
	if f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart) {
		return false
	}
	if f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd) {
		return false
	}
	if f.Device != "" && event.Device != f.Device {
		return false
	}
	if f.Device != "" && f.Property != "" && event.Property != f.Property {
		return false
	}
	if f.MessageType != nil && (event.Message == nil || event.Message.Type != *f.MessageType) {
		return false
	}
	return true
}

// Reader streams events from a capture file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
	header  *Header
	pending cbor.RawMessage
}

// NewReader creates a Reader that reads all events from the specified log file.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader creates a Reader that reads events matching the filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		file:    f,
		decoder: NewDecoder(f),
		filter:  filter,
	}

	var first cbor.RawMessage
	switch err := r.decoder.Decode(&first); {
	case errors.Is(err, io.EOF):
	case err != nil:
		_ = f.Close()
		return nil, err
	default:
		h, ok, err := decodeHeader(first)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if ok {
			r.header = h
		} else {
			r.pending = first
		}
	}
	return r, nil
}

// Header returns the capture header, or nil for a file written without one.
func (r *Reader) Header() *Header {
	return r.header
}

// Next returns the next event that matches the filter, or io.EOF.
func (r *Reader) Next() (Event, error) {
	for {
		raw := r.pending
		r.pending = nil
		if raw == nil {
			if err := r.decoder.Decode(&raw); err != nil {
				return Event{}, err
			}
		}
		event, err := DecodeEvent(raw)
		if err != nil {
			return Event{}, err
		}
		if r.filter.matches(event) {
			return event, nil
		}
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadAll returns every matching event left in the file.
func (r *Reader) ReadAll() ([]Event, error) {
	var events []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
