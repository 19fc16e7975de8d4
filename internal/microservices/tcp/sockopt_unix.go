//go:build unix

package tcp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// probeSocket creates and closes a stream socket to surface resource errors
// (EMFILE, EACCES) before the loop starts.
func probeSocket() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	return unix.Close(fd)
}

// reuseAddrControl lets the listener rebind a port whose previous owner
// left connections in TIME_WAIT.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
