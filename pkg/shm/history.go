package shm

import "sync"

// DefaultHistoryDepth is the number of segments a History keeps per key.
const DefaultHistoryDepth = 2

// History keeps the most recent segments published under a key and releases
// older ones. Readers that picked up the previous segment from an event
// still being delivered keep a valid mapping until the next one arrives.
type History struct {
	mu    sync.Mutex
	depth int
	segs  map[string][]*ImmutableSegment
}

// NewHistory creates a History keeping depth segments per key (minimum 1).
func NewHistory(depth int) *History {
	if depth < 1 {
		depth = 1
	}
	return &History{depth: depth, segs: make(map[string][]*ImmutableSegment)}
}

// Push records seg as the newest segment for key and releases the segments
// that fell out of the window. Pushing the segment already at the head is a
// no-op.
func (h *History) Push(key string, seg *ImmutableSegment) {
	h.mu.Lock()
	list := h.segs[key]
	if n := len(list); n > 0 && list[n-1] == seg {
		h.mu.Unlock()
		return
	}
	list = append(list, seg)
	var old []*ImmutableSegment
	if len(list) > h.depth {
		old = append(old, list[:len(list)-h.depth]...)
		list = append([]*ImmutableSegment(nil), list[len(list)-h.depth:]...)
	}
	h.segs[key] = list
	h.mu.Unlock()

	releaseAll(old)
}

// Release releases every segment kept for key.
func (h *History) Release(key string) {
	h.mu.Lock()
	list := h.segs[key]
	delete(h.segs, key)
	h.mu.Unlock()

	releaseAll(list)
}

// ReleasePrefix releases every key starting with prefix.
func (h *History) ReleasePrefix(prefix string) {
	h.mu.Lock()
	var list []*ImmutableSegment
	for k, segs := range h.segs {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			list = append(list, segs...)
			delete(h.segs, k)
		}
	}
	h.mu.Unlock()

	releaseAll(list)
}

// Len returns the number of segments kept.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, segs := range h.segs {
		n += len(segs)
	}
	return n
}

// Close releases everything.
func (h *History) Close() {
	h.ReleasePrefix("")
}

func releaseAll(list []*ImmutableSegment) {
	for _, s := range list {
		// Already released segments report ErrReleased; nothing else to do.
		_ = s.seg.release()
	}
}
