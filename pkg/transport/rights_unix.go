//go:build unix

package transport

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

const msgCtrunc = unix.MSG_CTRUNC

// oobSpace returns the control buffer size needed for n descriptors.
func oobSpace(n int) int {
	return unix.CmsgSpace(n * 4)
}

// rightsOOB encodes fds as an SCM_RIGHTS control message.
func rightsOOB(fds []int) ([]byte, error) {
	return unix.UnixRights(fds...), nil
}

// parseRights extracts descriptors from received control messages. On error
// the descriptors parsed so far are returned so the caller can close them.
func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return fds, fmt.Errorf("parse rights: %w", err)
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// CloseFDs closes received descriptors nobody took ownership of.
func CloseFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// Pair returns two connected in-process Conns. It is used to run a remote
// session against an in-process hub without a socket file.
func Pair(config ClientConfig) (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	a, err := fileUnixConn(fds[0], "pair-a")
	if err != nil {
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fileUnixConn(fds[1], "pair-b")
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	config = config.withDefaults()
	return newConn(a, config.MaxMessageSize, config.Logger),
		newConn(b, config.MaxMessageSize, config.Logger), nil
}

// fileUnixConn wraps fd in a *net.UnixConn. fd is consumed.
func fileUnixConn(fd int, name string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("file conn: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("file conn: unexpected type %T", c)
	}
	return uc, nil
}
