package shm

import "errors"

// Segment errors.
var (
	// ErrAllocation indicates descriptor creation, storage sizing or mapping failed.
	// Partially created resources have been released.
	ErrAllocation = errors.New("shared segment allocation failed")

	// ErrReadOnly indicates a write or grow on a sealed segment.
	ErrReadOnly = errors.New("shared segment is sealed")

	// ErrRange indicates an access outside the segment's logical size.
	ErrRange = errors.New("access outside segment bounds")

	// ErrUnknownSegment indicates an ID or address not present in the registry.
	ErrUnknownSegment = errors.New("unknown shared segment")

	// ErrReleased indicates an operation on a freed or detached segment.
	ErrReleased = errors.New("shared segment released")

	// ErrUnsupported indicates the platform has no anonymous shared memory.
	ErrUnsupported = errors.New("shared segments not supported on this platform")
)
