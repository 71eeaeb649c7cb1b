//go:build linux

package shm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// memfdName only shows up in /proc/<pid>/fd links; it has no filesystem entry.
const memfdName = "propbus-segment"

func memCreate(size int) (int, error) {
	fd, err := unix.MemfdCreate(memfdName, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("ftruncate %d: %w", size, err)
	}
	return fd, nil
}

func memMap(fd, size int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %d: %w", size, err)
	}
	return data, nil
}

func memResize(fd, size int) error {
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return fmt.Errorf("ftruncate %d: %w", size, err)
	}
	return nil
}

func memRemap(old []byte, size int) ([]byte, error) {
	data, err := unix.Mremap(old, size, unix.MREMAP_MAYMOVE)
	if err != nil {
		return nil, fmt.Errorf("mremap %d: %w", size, err)
	}
	return data, nil
}

func memProtectReadOnly(data []byte) error {
	if err := unix.Mprotect(data, unix.PROT_READ); err != nil {
		return fmt.Errorf("mprotect: %w", err)
	}
	return nil
}

// memSeal forbids resizing and any future writable mapping. Kernels older
// than 5.1 lack F_SEAL_FUTURE_WRITE; those only get the size seals.
func memSeal(fd int) error {
	seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_FUTURE_WRITE | unix.F_SEAL_SEAL
	_, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, seals)
	if errors.Is(err, unix.EINVAL) {
		_, err = unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_SEAL)
	}
	if err != nil {
		return fmt.Errorf("add seals: %w", err)
	}
	return nil
}

func memStorageSize(fd int) (int, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}
	return int(st.Size), nil
}

func memUnmap(data []byte) error {
	return unix.Munmap(data)
}

func memClose(fd int) error {
	return unix.Close(fd)
}

func memDup(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup: %w", err)
	}
	return nfd, nil
}
