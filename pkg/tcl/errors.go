package tcl

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel causes carried inside the typed errors below.
var (
	// ErrNotConnected indicates a command was sent on a disconnected session.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected indicates Connect was called on a connected session.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrPeerClosed indicates OpenOCD closed the connection.
	ErrPeerClosed = errors.New("connection closed by OpenOCD")

	// ErrPendingData indicates unread bytes were waiting on the socket before a new command was sent.
	ErrPendingData = errors.New("unexpected data pending on the socket before sending a command")

	// ErrTrailingBytes indicates extra bytes followed the response delimiter.
	ErrTrailingBytes = errors.New("extra unexpected byte(s) after the delimiter")

	// ErrResponseTooLarge indicates the response grew past MaxResponseSize without a delimiter.
	ErrResponseTooLarge = errors.New("response too large")

	// ErrInvalidArgument marks arguments rejected before anything is sent. The session is left
	// untouched.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidTimeout indicates a non-positive timeout.
	ErrInvalidTimeout = fmt.Errorf("timeout must be positive: %w", ErrInvalidArgument)
)

// ConnectionError reports a transport failure. The session is disconnected when a command
// surfaces one of these.
type ConnectionError struct {
	Message string
	Cause   error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("openocd connection error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("openocd connection error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

func newConnectionError(message string, cause error) error {
	return &ConnectionError{Message: message, Cause: cause}
}

// CommandTimeoutError reports that no complete response arrived in time. The session has
// already been reconnected when the caller sees it.
type CommandTimeoutError struct {
	Cmd     string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("openocd command timed out after %v: %q", e.Timeout, e.Cmd)
}

// CommandFailedError reports a well-formed response with a non-zero return code.
type CommandFailedError struct {
	Result Result
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("openocd command failed with return code %d: %q: %s", e.Result.RetCode, e.Result.Cmd, e.Result.Out)
}

// InvalidResponseError reports a response OpenOCD should never have produced.
type InvalidResponseError struct {
	Message     string
	RawCmd      string
	RawResponse string
	Cause       error
}

func (e *InvalidResponseError) Error() string {
	msg := fmt.Sprintf("invalid response from openocd: %s (command: %q, response: %q)", e.Message, e.RawCmd, e.RawResponse)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *InvalidResponseError) Unwrap() error {
	return e.Cause
}

// NewInvalidResponseError is used by collaborators that validate command output themselves.
func NewInvalidResponseError(message, rawCmd, rawResponse string, cause error) error {
	return &InvalidResponseError{Message: message, RawCmd: rawCmd, RawResponse: rawResponse, Cause: cause}
}

// ParsingError reports a list entry that does not match its grammar.
type ParsingError struct {
	Message string
	Line    string
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("%s: %q", e.Message, e.Line)
}

// ErrorKind names one of the error types above.
type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindConnection      ErrorKind = "connection"
	KindTimeout         ErrorKind = "timeout"
	KindCommandFailed   ErrorKind = "commandFailed"
	KindInvalidResponse ErrorKind = "invalidResponse"
	KindParsing         ErrorKind = "parsing"
	// Rejected arguments; not a protocol failure.
	KindInvalidArgument ErrorKind = "invalidArgument"
)

// Recovery is the transport action that accompanies an error kind.
type Recovery int

const (
	RecoveryNone Recovery = iota
	RecoveryDisconnect
	RecoveryReconnect
)

func (r Recovery) String() string {
	switch r {
	case RecoveryDisconnect:
		return "disconnect"
	case RecoveryReconnect:
		return "reconnect"
	default:
		return "none"
	}
}

// KindOf classifies err. Errors that are not from this package report KindNone.
func KindOf(err error) ErrorKind {
	var (
		connErr    *ConnectionError
		timeoutErr *CommandTimeoutError
		failedErr  *CommandFailedError
		invalidErr *InvalidResponseError
		parseErr   *ParsingError
	)
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &timeoutErr):
		return KindTimeout
	case errors.As(err, &connErr):
		return KindConnection
	case errors.As(err, &failedErr):
		return KindCommandFailed
	case errors.As(err, &invalidErr):
		return KindInvalidResponse
	case errors.As(err, &parseErr):
		return KindParsing
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	default:
		return KindNone
	}
}

// RecoveryFor reports what the client does to the transport when a command fails with err.
func RecoveryFor(err error) Recovery {
	switch KindOf(err) {
	case KindTimeout:
		return RecoveryReconnect
	case KindConnection:
		return RecoveryDisconnect
	default:
		return RecoveryNone
	}
}
