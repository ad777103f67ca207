//go:build unix

package tcl

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// pendingData peeks at the socket without blocking and without consuming anything.
// A pending end-of-stream is reported as ErrPeerClosed.
func pendingData(conn *net.TCPConn) (bool, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return false, err
	}

	var (
		n       int
		peekErr error
		buf     [1]byte
	)
	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, _, peekErr = unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		// Never wait for readiness; one non-blocking attempt is the whole check.
		return true
	})
	if ctrlErr != nil {
		return false, ctrlErr
	}

	switch {
	case errors.Is(peekErr, unix.EAGAIN), errors.Is(peekErr, unix.EWOULDBLOCK):
		return false, nil
	case peekErr != nil:
		return false, peekErr
	case n == 0:
		return false, ErrPeerClosed
	default:
		return true, nil
	}
}

// shutdownConn half-closes both directions before the connection is closed.
func shutdownConn(conn *net.TCPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.Shutdown(int(fd), unix.SHUT_RDWR)
	})
}
