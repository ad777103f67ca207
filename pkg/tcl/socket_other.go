//go:build !unix

package tcl

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// pendingData reports whether bytes are waiting on the socket. Without MSG_PEEK the probe byte
// is consumed, which is acceptable because any pending byte is already a fatal desync.
func pendingData(conn *net.TCPConn) (bool, error) {
	if err := conn.SetReadDeadline(time.Now()); err != nil {
		return false, err
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var buf [1]byte
	n, err := conn.Read(buf[:])
	switch {
	case n > 0:
		return true, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return false, nil
	case errors.Is(err, io.EOF):
		return false, ErrPeerClosed
	default:
		return false, err
	}
}

func shutdownConn(conn *net.TCPConn) {
	_ = conn.CloseWrite()
	_ = conn.CloseRead()
}
