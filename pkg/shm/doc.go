// Package shm implements shared binary segments for large property payloads.
//
// Blob properties (camera frames, raw sensor dumps) are too large to copy
// through the protocol. Instead a driver allocates a shared segment, fills
// it, seals it and hands its file descriptor to the receiver, which maps the
// same pages read-only.
//
// # Lifecycle
//
//	seg, _ := alloc.Allocate(len(frame))   // anonymous memfd, mapped read-write
//	_ = seg.Write(0, frame)
//	ro, _ := seg.Seal()                     // read-only in place, kernel sealed
//	fd := ro.FD()                           // safe to pass via SCM_RIGHTS
//	...
//	_ = ro.Free()
//
// On the receiving side, Attach takes ownership of the descriptor it is
// given, so a descriptor that is still owned elsewhere is duplicated first:
//
//	fd, _ := ro.DupFD()                     // in-process; a received fd is used as is
//	view, _ := alloc.Attach(fd, size)       // read-only mapping of the same pages
//	data := view.Bytes()
//	_ = view.Detach()
//
// # Sizing
//
// Backing storage is always a multiple of the allocation unit (1 MiB by
// default). The logical size can grow within the allocated storage without
// touching the kernel; growing past it resizes and remaps, which may move the
// mapping. Slices returned by Bytes are invalid after a Grow.
//
// # Registry
//
// Every live mapping is tracked in a Registry keyed by an opaque ID with a
// reverse index by mapping address. Address changes caused by Grow update
// the index inside the registry's critical section, so FindAddr never sees a
// stale address. Releasing an address the registry does not know is not an
// error: it is treated as a private allocation (see Arena).
//
// Shared segments are only available on Linux. Other platforms return
// ErrUnsupported from Allocate and Attach.
package shm
