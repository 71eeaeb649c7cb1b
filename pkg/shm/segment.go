package shm

import (
	"errors"
	"fmt"
	"sync"
)

// Info is a point-in-time description of a registered segment.
type Info struct {
	ID        ID
	FD        int
	Size      int
	Allocated int
	Sealed    bool
	Owner     bool
}

// segment is the shared state behind Mutable and Immutable handles.
type segment struct {
	mu       sync.RWMutex
	id       ID
	reg      *Registry
	unit     int
	fd       int
	data     []byte // full allocated storage
	size     int    // logical size
	sealed   bool
	owner    bool
	released bool
	frozen   *ImmutableSegment
}

func (s *segment) info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:        s.id,
		FD:        s.fd,
		Size:      s.size,
		Allocated: len(s.data),
		Sealed:    s.sealed,
		Owner:     s.owner,
	}
}

// release unmaps the storage, closes the descriptor and drops the registry
// entry. Releasing twice returns ErrReleased.
func (s *segment) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrReleased
	}
	s.released = true
	s.reg.remove(s)

	var errs []error
	if err := memUnmap(s.data); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	if err := memClose(s.fd); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	s.data = nil
	s.fd = -1
	return errors.Join(errs...)
}

func (s *segment) write(offset int, p []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.released:
		return ErrReleased
	case s.sealed:
		return ErrReadOnly
	case offset < 0 || offset+len(p) > s.size:
		return fmt.Errorf("%w: write [%d,%d) exceeds size %d", ErrRange, offset, offset+len(p), s.size)
	}
	copy(s.data[offset:], p)
	return nil
}

func (s *segment) readAt(p []byte, offset int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.released {
		return 0, ErrReleased
	}
	if offset < 0 || offset > s.size {
		return 0, fmt.Errorf("%w: read at %d of size %d", ErrRange, offset, s.size)
	}
	return copy(p, s.data[offset:s.size]), nil
}

func (s *segment) bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return nil
	}
	return s.data[:s.size]
}

// MutableSegment is an owner-side segment that can still be written and grown.
// Only the owning goroutine may Write or Grow it.
type MutableSegment struct {
	seg *segment
}

// ID returns the registry ID.
func (m *MutableSegment) ID() ID { return m.seg.id }

// Size returns the logical size in bytes.
func (m *MutableSegment) Size() int { return m.seg.info().Size }

// Allocated returns the size of the backing storage.
func (m *MutableSegment) Allocated() int { return m.seg.info().Allocated }

// Sealed reports whether Seal has been called.
func (m *MutableSegment) Sealed() bool { return m.seg.info().Sealed }

// Bytes returns the writable mapping truncated to the logical size.
// The slice is invalidated by Grow and by Free.
func (m *MutableSegment) Bytes() []byte { return m.seg.bytes() }

// Write copies p into the segment at offset.
func (m *MutableSegment) Write(offset int, p []byte) error {
	return m.seg.write(offset, p)
}

// ReadAt copies bytes starting at offset into p.
func (m *MutableSegment) ReadAt(p []byte, offset int) (int, error) {
	return m.seg.readAt(p, offset)
}

// Grow extends the logical size to newSize. Storage is only resized when
// newSize exceeds it, in which case the mapping may move.
func (m *MutableSegment) Grow(newSize int) error {
	s := m.seg
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.released:
		return ErrReleased
	case s.sealed:
		return ErrReadOnly
	case newSize < s.size:
		return fmt.Errorf("%w: cannot shrink from %d to %d", ErrRange, s.size, newSize)
	}

	if newSize <= len(s.data) {
		s.size = newSize
		return nil
	}

	allocated := roundUp(newSize, s.unit)
	if err := memResize(s.fd, allocated); err != nil {
		return fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	err := s.reg.remap(s, func(old []byte) ([]byte, error) {
		return memRemap(old, allocated)
	})
	if err != nil {
		// Storage is bigger than the mapping now; shrink it back so the
		// allocated size stays consistent.
		_ = memResize(s.fd, len(s.data))
		return fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	s.size = newSize
	return nil
}

// Seal turns the segment read-only in place and returns its immutable view.
// Sealing an already sealed segment returns the same view.
func (m *MutableSegment) Seal() (*ImmutableSegment, error) {
	s := m.seg
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen != nil {
		return s.frozen, nil
	}
	if s.released {
		return nil, ErrReleased
	}
	if err := memProtectReadOnly(s.data); err != nil {
		return nil, err
	}
	// The mapping is read-only from here on, even if the kernel seals fail.
	s.sealed = true
	if err := memSeal(s.fd); err != nil {
		return nil, err
	}
	s.frozen = &ImmutableSegment{seg: s}
	return s.frozen, nil
}

// ShareFD seals the segment and returns its descriptor for out-of-band
// transfer. The descriptor stays owned by the segment.
func (m *MutableSegment) ShareFD() (int, error) {
	im, err := m.Seal()
	if err != nil {
		return -1, err
	}
	return im.FD(), nil
}

// Free releases the mapping, the descriptor and the registry entry.
func (m *MutableSegment) Free() error {
	return m.seg.release()
}

// ImmutableSegment is a read-only segment: either a sealed owner segment or
// one attached from a descriptor received from another process.
type ImmutableSegment struct {
	seg *segment
}

// ID returns the registry ID.
func (im *ImmutableSegment) ID() ID { return im.seg.id }

// FD returns the descriptor. It stays owned by the segment.
func (im *ImmutableSegment) FD() int { return im.seg.info().FD }

// DupFD returns a new descriptor for the same storage owned by the caller.
func (im *ImmutableSegment) DupFD() (int, error) {
	info := im.seg.info()
	if info.FD < 0 {
		return -1, ErrReleased
	}
	return memDup(info.FD)
}

// Size returns the logical size in bytes.
func (im *ImmutableSegment) Size() int { return im.seg.info().Size }

// Allocated returns the size of the backing storage.
func (im *ImmutableSegment) Allocated() int { return im.seg.info().Allocated }

// Owner reports whether this process allocated the segment.
func (im *ImmutableSegment) Owner() bool { return im.seg.info().Owner }

// Bytes returns the read-only mapping truncated to the logical size.
// Writing through the slice faults.
func (im *ImmutableSegment) Bytes() []byte { return im.seg.bytes() }

// ReadAt copies bytes starting at offset into p.
func (im *ImmutableSegment) ReadAt(p []byte, offset int) (int, error) {
	return im.seg.readAt(p, offset)
}

// Free releases an owned segment.
func (im *ImmutableSegment) Free() error {
	return im.seg.release()
}

// Detach releases an attached segment. Only the local mapping and the
// local duplicate descriptor are dropped; the storage size is never touched.
func (im *ImmutableSegment) Detach() error {
	return im.seg.release()
}

func roundUp(size, unit int) int {
	if size <= 0 {
		return unit
	}
	return (size + unit - 1) / unit * unit
}
