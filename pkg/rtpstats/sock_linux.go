//go:build linux

package rtpstats

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReuseAddr выставляет SO_REUSEADDR на сокете до bind
func controlReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
