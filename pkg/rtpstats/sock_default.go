//go:build !linux

package rtpstats

import "syscall"

// controlReuseAddr no-op на платформах без поддержки unix опций сокета
func controlReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
