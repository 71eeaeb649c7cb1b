package service

import (
	"fmt"
	"time"

	"github.com/propbus/propbus-go/pkg/log"
	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/shm"
	"github.com/propbus/propbus-go/pkg/transport"
	"github.com/propbus/propbus-go/pkg/wire"
)

// frameFDs resolves the descriptors received with one frame into attached
// segments. Descriptors no blob referenced are closed by finish.
type frameFDs struct {
	alloc *shm.Allocator
	fds   []int
	segs  map[int]*shm.ImmutableSegment
}

func newFrameFDs(alloc *shm.Allocator, fds []int) *frameFDs {
	return &frameFDs{alloc: alloc, fds: fds}
}

// resolve implements wire.BlobResolver. An index referenced twice yields the
// same segment.
func (f *frameFDs) resolve(index, size int) (*shm.ImmutableSegment, error) {
	if seg, ok := f.segs[index]; ok {
		return seg, nil
	}
	if index < 0 || index >= len(f.fds) || f.fds[index] < 0 {
		return nil, fmt.Errorf("%w: index %d of %d", wire.ErrBadDescriptor, index, len(f.fds))
	}
	seg, err := f.alloc.Attach(f.fds[index], size)
	if err != nil {
		return nil, err
	}
	f.fds[index] = -1
	if f.segs == nil {
		f.segs = make(map[int]*shm.ImmutableSegment)
	}
	f.segs[index] = seg
	return seg, nil
}

// finish closes unreferenced descriptors. When the frame was rejected the
// attached segments are detached as well.
func (f *frameFDs) finish(accepted bool) {
	var rest []int
	for _, fd := range f.fds {
		if fd >= 0 {
			rest = append(rest, fd)
		}
	}
	transport.CloseFDs(rest)
	if !accepted {
		for _, seg := range f.segs {
			_ = seg.Detach()
		}
	}
	f.fds = nil
	f.segs = nil
}

// keepBlobs hands the attached blobs of elems to history, keyed by element.
func keepBlobs(history *shm.History, device, name string, elems []model.Element) {
	for _, e := range elems {
		b, ok := e.Value.(model.Blob)
		if !ok || !b.Attached() {
			continue
		}
		history.Push(blobKey(device, name, e.Name), b.Segment)
	}
}

func blobKey(device, name, element string) string {
	return device + "." + name + "." + element
}

// logMessage records a decoded message with the protocol logger and returns
// the device and property it addresses.
func logMessage(l log.Logger, connID string, dir log.Direction, role log.Role, msg wire.Message) (device, property string) {
	ev, device, property := log.MessageEventFor(msg)
	l.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    dir,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		LocalRole:    role,
		Device:       device,
		Property:     property,
		Message:      ev,
	})
	return device, property
}

// logError records a failure with the protocol logger.
func logError(l log.Logger, connID string, role log.Role, layer log.Layer, context string, err error) {
	code := int(codeFor(err))
	l.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    log.DirectionIn,
		Layer:        layer,
		Category:     log.CategoryError,
		LocalRole:    role,
		Error: &log.ErrorEventData{
			Layer:   layer,
			Message: err.Error(),
			Code:    &code,
			Context: context,
		},
	})
}
