//go:build !unix

package transport

import "errors"

// ErrUnsupported is returned for descriptor passing on platforms without
// SCM_RIGHTS.
var ErrUnsupported = errors.New("descriptor passing not supported on this platform")

const msgCtrunc = 0

func oobSpace(int) int { return 0 }

func rightsOOB([]int) ([]byte, error) { return nil, ErrUnsupported }

func parseRights([]byte) ([]int, error) { return nil, ErrUnsupported }

// CloseFDs is a no-op without descriptor passing.
func CloseFDs([]int) {}

// Pair is not supported on this platform.
func Pair(ClientConfig) (*Conn, *Conn, error) { return nil, nil, ErrUnsupported }
