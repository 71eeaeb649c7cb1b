//go:build !linux

package shm

func memCreate(int) (int, error) { return -1, ErrUnsupported }
func memMap(int, int, bool) ([]byte, error) { return nil, ErrUnsupported }
func memResize(int, int) error { return ErrUnsupported }
func memRemap([]byte, int) ([]byte, error) { return nil, ErrUnsupported }
func memProtectReadOnly([]byte) error { return ErrUnsupported }
func memSeal(int) error { return ErrUnsupported }
func memStorageSize(int) (int, error) { return 0, ErrUnsupported }
func memUnmap([]byte) error { return ErrUnsupported }
func memClose(int) error { return ErrUnsupported }
func memDup(int) (int, error) { return -1, ErrUnsupported }
