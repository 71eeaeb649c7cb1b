package shm

import (
	"fmt"
	"log/slog"
)

// DefaultAllocationUnit is the granularity of backing storage (1 MiB).
const DefaultAllocationUnit = 1 << 20

// Config configures an Allocator.
type Config struct {
	// AllocationUnit is the storage granularity in bytes (default 1 MiB).
	AllocationUnit int

	// Registry tracks live segments (default: DefaultRegistry()).
	Registry *Registry

	// Logger receives operational logs (default: slog.Default()).
	Logger *slog.Logger
}

// DefaultConfig returns the default allocator configuration.
func DefaultConfig() Config {
	return Config{
		AllocationUnit: DefaultAllocationUnit,
		Registry:       DefaultRegistry(),
	}
}

// Allocator creates and attaches shared segments.
// It is safe for concurrent use.
type Allocator struct {
	unit   int
	reg    *Registry
	logger *slog.Logger
}

// NewAllocator creates an allocator with the given configuration.
func NewAllocator(config Config) *Allocator {
	if config.AllocationUnit <= 0 {
		config.AllocationUnit = DefaultAllocationUnit
	}
	if config.Registry == nil {
		config.Registry = DefaultRegistry()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Allocator{
		unit:   config.AllocationUnit,
		reg:    config.Registry,
		logger: config.Logger,
	}
}

var defaultAllocator = NewAllocator(DefaultConfig())

// DefaultAllocator returns the process-wide allocator.
func DefaultAllocator() *Allocator {
	return defaultAllocator
}

// AllocationUnit returns the storage granularity.
func (a *Allocator) AllocationUnit() int { return a.unit }

// Registry returns the registry tracking this allocator's segments.
func (a *Allocator) Registry() *Registry { return a.reg }

// Allocate creates a zero-filled, writable segment with the given logical
// size. The backing storage is size rounded up to the allocation unit.
func (a *Allocator) Allocate(size int) (*MutableSegment, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrAllocation, size)
	}
	allocated := roundUp(size, a.unit)

	fd, err := memCreate(allocated)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	data, err := memMap(fd, allocated, true)
	if err != nil {
		_ = memClose(fd)
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}

	seg := &segment{
		reg:   a.reg,
		unit:  a.unit,
		fd:    fd,
		data:  data,
		size:  size,
		owner: true,
	}
	a.reg.add(seg)

	a.logger.Debug("shm: allocated segment", "id", seg.id, "size", size, "allocated", allocated)
	return &MutableSegment{seg: seg}, nil
}

// Attach maps a descriptor received from another process read-only.
// On success the segment owns fd and closes it on Detach; on failure the
// caller keeps ownership.
func (a *Allocator) Attach(fd, size int) (*ImmutableSegment, error) {
	if fd < 0 {
		return nil, fmt.Errorf("%w: invalid descriptor %d", ErrAllocation, fd)
	}
	storage, err := memStorageSize(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	if size < 0 || size > storage {
		return nil, fmt.Errorf("%w: declared size %d exceeds storage %d", ErrRange, size, storage)
	}
	if storage == 0 {
		return nil, fmt.Errorf("%w: empty storage", ErrAllocation)
	}

	data, err := memMap(fd, storage, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}

	seg := &segment{
		reg:    a.reg,
		unit:   a.unit,
		fd:     fd,
		data:   data,
		size:   size,
		sealed: true,
	}
	seg.frozen = &ImmutableSegment{seg: seg}
	a.reg.add(seg)

	a.logger.Debug("shm: attached segment", "id", seg.id, "size", size, "storage", storage)
	return seg.frozen, nil
}

// Write copies p into the registered segment id at offset. Attached and
// sealed segments return ErrReadOnly.
func (a *Allocator) Write(id ID, offset int, p []byte) error {
	seg, ok := a.reg.find(id)
	if !ok {
		return ErrUnknownSegment
	}
	return seg.write(offset, p)
}

// Free releases the segment whose mapping starts at b. It reports whether b
// was a shared mapping; any other address is treated as a private
// allocation and left to the garbage collector.
func (a *Allocator) Free(b []byte) bool {
	seg, ok := a.reg.findAddr(b)
	if !ok {
		return false
	}
	if !seg.info().Owner {
		a.logger.Warn("shm: free called on attached segment, detaching", "id", seg.id)
	}
	if err := seg.release(); err != nil {
		a.logger.Debug("shm: release", "id", seg.id, "error", err)
	}
	return true
}

// Detach drops the attached mapping starting at b. Unknown addresses are
// treated like Free does.
func (a *Allocator) Detach(b []byte) bool {
	seg, ok := a.reg.findAddr(b)
	if !ok {
		return false
	}
	if err := seg.release(); err != nil {
		a.logger.Debug("shm: release", "id", seg.id, "error", err)
	}
	return true
}
