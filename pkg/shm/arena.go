package shm

import "sync/atomic"

// Arena offers one allocate/release interface for both shared and private
// buffers. Buffers at least Threshold bytes long (or explicitly requested
// as shared) live in shared segments; smaller ones are ordinary heap slices.
type Arena struct {
	alloc     *Allocator
	threshold int

	sharedReleases  atomic.Int64
	privateReleases atomic.Int64
}

// NewArena creates an arena on top of alloc. A threshold of zero or less
// means only explicitly shared buffers use segments.
func NewArena(alloc *Allocator, threshold int) *Arena {
	if alloc == nil {
		alloc = DefaultAllocator()
	}
	return &Arena{alloc: alloc, threshold: threshold}
}

// Alloc returns a zeroed buffer of len size. When the buffer is shared the
// MutableSegment backing it is returned as well.
func (a *Arena) Alloc(size int, shared bool) ([]byte, *MutableSegment, error) {
	if !shared && (a.threshold <= 0 || size < a.threshold) {
		return make([]byte, size), nil, nil
	}
	seg, err := a.alloc.Allocate(size)
	if err != nil {
		return nil, nil, err
	}
	return seg.Bytes(), seg, nil
}

// Release frees b. Shared buffers are unmapped; anything else is handed back
// to the garbage collector. Release never fails.
func (a *Arena) Release(b []byte) {
	if a.alloc.Free(b) {
		a.sharedReleases.Add(1)
		return
	}
	a.privateReleases.Add(1)
}

// SharedReleases returns how many releases hit a shared segment.
func (a *Arena) SharedReleases() int64 { return a.sharedReleases.Load() }

// PrivateReleases returns how many releases fell back to the private path.
func (a *Arena) PrivateReleases() int64 { return a.privateReleases.Load() }
