package tcl

import (
	"bytes"
	"strings"
)

const (
	// Sentinel terminates every command and every response on the wire.
	Sentinel byte = 0x1A

	// MaxResponseSize caps the payload of one response, sentinel excluded.
	MaxResponseSize = 8 * 1024 * 1024
)

// Encode frames a command for the wire. The text must not contain the sentinel byte.
func Encode(text string) []byte {
	frame := make([]byte, 0, len(text)+1)
	frame = append(frame, text...)
	return append(frame, Sentinel)
}

// Decode extracts one response from buf.
//
// A consumed count of zero with a nil error means the frame is not complete yet. Since only one
// command may be outstanding, the sentinel must be the last byte received; anything after it is
// reported as ErrTrailingBytes.
func Decode(buf []byte) (string, int, error) {
	i := bytes.IndexByte(buf, Sentinel)
	if i < 0 {
		if len(buf) > MaxResponseSize {
			return "", 0, ErrResponseTooLarge
		}
		return "", 0, nil
	}
	if i > MaxResponseSize {
		return "", 0, ErrResponseTooLarge
	}
	if i != len(buf)-1 {
		return "", 0, ErrTrailingBytes
	}
	return strings.ToValidUTF8(string(buf[:i]), "\uFFFD"), len(buf), nil
}
