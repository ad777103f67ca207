package tcl

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"
)

// receive waits for one response frame.
//
// The overall timeout is split into short read slices so that a slow but alive OpenOCD is
// told apart from a dead one without a single long blocking read. A slice expiring is normal;
// only the overall budget running out produces a CommandTimeoutError.
func (s *Session) receive(conn *net.TCPConn, cmd string, timeout time.Duration) (string, error) {
	var (
		buf   []byte
		block = make([]byte, ReadBlockSize)
		start = time.Now()
	)
	// An expired deadline left on the socket would fail the pending-data check of the next command.
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()

	for {
		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			return "", &CommandTimeoutError{Cmd: cmd, Timeout: timeout}
		}
		slice := min(s.pollSlice, remaining)
		if err := conn.SetReadDeadline(time.Now().Add(slice)); err != nil {
			return "", newConnectionError("failed to set read deadline", err)
		}

		n, err := conn.Read(block)
		// Only the new block can contain the first sentinel, so skip rescanning buf without one.
		if n > 0 {
			buf = append(buf, block[:n]...)
		}
		if n > 0 && (bytes.IndexByte(block[:n], Sentinel) >= 0 || len(buf) > MaxResponseSize) {
			text, consumed, decodeErr := Decode(buf)
			if decodeErr != nil {
				return "", newConnectionError("received malformed response", decodeErr)
			}
			if consumed > 0 {
				s.log.V(2).Info("Received response", "bytes", consumed, "elapsed", time.Since(start))
				return text, nil
			}
		}
		if err == nil {
			continue
		}

		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			// Slice expired; keep polling until the overall budget is spent.
		case errors.Is(err, io.EOF):
			return "", newConnectionError("failed to receive response", ErrPeerClosed)
		default:
			return "", newConnectionError("failed to receive response", err)
		}
	}
}
