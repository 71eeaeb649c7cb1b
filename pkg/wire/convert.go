package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/shm"
)

// ErrBadDescriptor is returned when an attached blob references a
// descriptor index the frame does not carry.
var ErrBadDescriptor = errors.New("attached blob references missing descriptor")

// Attachments collects the descriptors of attached blobs while encoding.
// The descriptors are borrowed from their segments and must stay open until
// the frame has been sent.
type Attachments struct {
	FDs []int
}

// add returns the index of fd, appending it if new.
func (a *Attachments) add(fd int) int {
	for i, have := range a.FDs {
		if have == fd {
			return i
		}
	}
	a.FDs = append(a.FDs, fd)
	return len(a.FDs) - 1
}

// BlobResolver turns a received descriptor into a mapped segment. index is
// the position within the frame's descriptors.
type BlobResolver func(index, size int) (*shm.ImmutableSegment, error)

// FromVector converts a model vector to its wire definition. Attached blobs
// are added to att; a nil att inlines their bytes instead.
func FromVector(v *model.Vector, att *Attachments) Vector {
	return Vector{
		Device:    v.Device,
		Name:      v.Name,
		Label:     v.Label,
		Group:     v.Group,
		Kind:      uint8(v.Kind),
		Perm:      uint8(v.Perm),
		State:     uint8(v.State),
		Rule:      uint8(v.Rule),
		Timeout:   v.Timeout,
		Timestamp: unixNano(v.Timestamp),
		Elements:  FromElements(v.Elements, att),
	}
}

// ToVector converts a wire definition to a model vector.
func ToVector(w Vector, resolve BlobResolver) (*model.Vector, error) {
	elems, err := ToElements(w.Elements, resolve)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", w.Device, w.Name, err)
	}
	return &model.Vector{
		Device:    w.Device,
		Name:      w.Name,
		Label:     w.Label,
		Group:     w.Group,
		Kind:      model.Kind(w.Kind),
		Perm:      model.Perm(w.Perm),
		State:     model.State(w.State),
		Rule:      model.Rule(w.Rule),
		Timeout:   w.Timeout,
		Timestamp: fromUnixNano(w.Timestamp),
		Elements:  elems,
	}, nil
}

// FromElements converts model elements to wire elements.
func FromElements(elems []model.Element, att *Attachments) []Element {
	out := make([]Element, 0, len(elems))
	for _, e := range elems {
		w := Element{Name: e.Name, Label: e.Label}
		switch v := e.Value.(type) {
		case model.Text:
			s := string(v)
			w.Text = &s
		case model.Number:
			w.Number = &Number{Value: v.Value, Min: v.Min, Max: v.Max, Step: v.Step, Format: v.Format}
		case model.Switch:
			b := bool(v)
			w.Switch = &b
		case model.Light:
			l := uint8(v)
			w.Light = &l
		case model.Blob:
			w.Blob = fromBlob(v, att)
		default:
			// An element without a value travels as empty text.
			s := ""
			w.Text = &s
		}
		out = append(out, w)
	}
	return out
}

func fromBlob(b model.Blob, att *Attachments) *Blob {
	w := &Blob{Size: b.Size, Format: b.Format, Compressed: b.Compressed}
	switch {
	case b.Attached() && att != nil:
		idx := att.add(b.Segment.FD())
		w.FD = &idx
	default:
		w.Data = b.Bytes()
		if w.Size == 0 {
			w.Size = len(w.Data)
		}
	}
	return w
}

// ToElements converts wire elements to model elements.
func ToElements(elems []Element, resolve BlobResolver) ([]model.Element, error) {
	out := make([]model.Element, 0, len(elems))
	for _, w := range elems {
		e := model.Element{Name: w.Name, Label: w.Label}
		switch {
		case w.Text != nil:
			e.Value = model.Text(*w.Text)
		case w.Number != nil:
			n := w.Number
			e.Value = model.Number{Value: n.Value, Min: n.Min, Max: n.Max, Step: n.Step, Format: n.Format}
		case w.Switch != nil:
			e.Value = model.Switch(*w.Switch)
		case w.Light != nil:
			e.Value = model.Light(*w.Light)
		case w.Blob != nil:
			b, err := toBlob(w.Blob, resolve)
			if err != nil {
				return nil, fmt.Errorf("element %q: %w", w.Name, err)
			}
			e.Value = b
		default:
			return nil, fmt.Errorf("element %q has no value", w.Name)
		}
		out = append(out, e)
	}
	return out, nil
}

func toBlob(w *Blob, resolve BlobResolver) (model.Blob, error) {
	b := model.Blob{Size: w.Size, Format: w.Format, Compressed: w.Compressed}
	if w.FD == nil {
		b.Data = w.Data
		if b.Size == 0 {
			b.Size = len(w.Data)
		}
		return b, nil
	}
	if resolve == nil {
		return b, fmt.Errorf("%w: index %d", ErrBadDescriptor, *w.FD)
	}
	seg, err := resolve(*w.FD, w.Size)
	if err != nil {
		return b, err
	}
	b.Segment = seg
	return b, nil
}

// FromUpdate builds an Update message from the vector's state and the
// changed elements.
func FromUpdate(v *model.Vector, changed []model.Element, att *Attachments) *Update {
	return &Update{
		Device:    v.Device,
		Name:      v.Name,
		State:     uint8(v.State),
		Elements:  FromElements(changed, att),
		Timestamp: unixNano(v.Timestamp),
	}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Timestamp converts a wire timestamp to time.Time.
func Timestamp(ns int64) time.Time {
	return fromUnixNano(ns)
}
