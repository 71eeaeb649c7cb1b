package shm

import (
	"slices"
	"sync"
	"unsafe"
)

// ID identifies a live segment within a Registry.
type ID uint64

// Registry tracks every segment currently mapped by this process.
//
// Lock order: a segment's own mutex is always taken before the registry
// mutex, never the other way around.
type Registry struct {
	mu     sync.Mutex
	nextID ID
	byID   map[ID]*segment
	byAddr map[uintptr]ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[ID]*segment),
		byAddr: make(map[uintptr]ID),
	}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry used by DefaultAllocator.
// Call Drain on it at shutdown.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

func addrOf(b []byte) uintptr {
	if cap(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// add assigns an ID to seg and indexes its mapping address.
func (r *Registry) add(seg *segment) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	seg.id = r.nextID
	r.byID[seg.id] = seg
	r.byAddr[addrOf(seg.data)] = seg.id
	return seg.id
}

// remove drops seg from both indexes. It reports false if seg was not present.
func (r *Registry) remove(seg *segment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byID[seg.id]; !ok || cur != seg {
		return false
	}
	delete(r.byID, seg.id)
	delete(r.byAddr, addrOf(seg.data))
	return true
}

// remap runs fn with the registry locked and swaps the address index from
// the old mapping to the one fn returns. Observers of the registry see either
// the old or the new address, never a stale one.
func (r *Registry) remap(seg *segment, fn func(old []byte) ([]byte, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := fn(seg.data)
	if err != nil {
		return err
	}
	delete(r.byAddr, addrOf(seg.data))
	seg.data = data
	r.byAddr[addrOf(data)] = seg.id
	return nil
}

func (r *Registry) find(id ID) (*segment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seg, ok := r.byID[id]
	return seg, ok
}

func (r *Registry) findAddr(b []byte) (*segment, bool) {
	addr := addrOf(b)
	if addr == 0 {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAddr[addr]
	if !ok {
		return nil, false
	}
	return r.byID[id], true
}

// Find returns a snapshot of the segment with the given ID.
func (r *Registry) Find(id ID) (Info, error) {
	seg, ok := r.find(id)
	if !ok {
		return Info{}, ErrUnknownSegment
	}
	return seg.info(), nil
}

// FindAddr returns a snapshot of the segment whose mapping starts at b.
func (r *Registry) FindAddr(b []byte) (Info, error) {
	seg, ok := r.findAddr(b)
	if !ok {
		return Info{}, ErrUnknownSegment
	}
	return seg.info(), nil
}

// Len returns the number of live segments.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// IDs returns the IDs of all live segments in ascending order.
func (r *Registry) IDs() []ID {
	r.mu.Lock()
	ids := make([]ID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Drain force-releases every remaining segment and returns how many were
// released. Intended for process shutdown.
func (r *Registry) Drain() int {
	r.mu.Lock()
	segs := make([]*segment, 0, len(r.byID))
	for _, seg := range r.byID {
		segs = append(segs, seg)
	}
	r.mu.Unlock()

	n := 0
	for _, seg := range segs {
		if seg.release() == nil {
			n++
		}
	}
	return n
}
