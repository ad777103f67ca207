// Package tcl drives the OpenOCD TCL server.
//
// Commands and responses are UTF-8 text terminated by a single 0x1A byte. The protocol has no
// request identifiers, so exactly one command may be outstanding on a connection and each
// response must be fully read before the next command is sent.
//
//	c := tcl.NewClient("localhost", 6666)
//	if err := c.Connect(); err != nil {
//		return err
//	}
//	defer c.Close()
//
//	res, err := c.Send("version", false, true, nil)
//
// Send wraps the command so that its return code is reported together with its output; SendRaw
// sends the text as is and cannot tell success from failure.
//
// When a command times out the connection is rebuilt before the error is returned, because a
// late response must never be read as the answer to the next command. Other connection errors
// leave the client disconnected.
package tcl

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

// Client sends commands to OpenOCD over a Session and applies the recovery rules.
//
// A Client is not safe for concurrent use.
type Client struct {
	session *Session
	log     logr.Logger
}

// NewClient returns a disconnected client for host:port.
func NewClient(host string, port int, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		session: NewSession(host, port, opts...),
		log:     o.log,
	}
}

// Timeout returns a pointer to d, for the optional timeout argument of Send and SendRaw.
func Timeout(d time.Duration) *time.Duration {
	return &d
}

// Session returns the underlying transport session.
func (c *Client) Session() *Session {
	return c.session
}

func (c *Client) Connect() error {
	return c.session.Connect()
}

func (c *Client) Disconnect() {
	c.session.Disconnect()
}

func (c *Client) Reconnect() error {
	return c.session.Reconnect()
}

func (c *Client) IsConnected() bool {
	return c.session.IsConnected()
}

func (c *Client) SetDefaultTimeout(d time.Duration) error {
	return c.session.SetDefaultTimeout(d)
}

// Close disconnects the client. It always returns nil.
func (c *Client) Close() error {
	c.session.Disconnect()
	return nil
}

// SendRaw sends cmd exactly as given and returns OpenOCD's textual output. A nil timeout
// uses the session default.
func (c *Client) SendRaw(cmd string, timeout *time.Duration) (string, error) {
	d := c.session.DefaultTimeout()
	if timeout != nil {
		if *timeout <= 0 {
			return "", fmt.Errorf("invalid timeout %v: %w", *timeout, ErrInvalidTimeout)
		}
		d = *timeout
	}

	out, err := c.session.exchange(cmd, d)
	if err != nil {
		return "", c.recover(err)
	}
	return out, nil
}

// Send runs cmd and returns its return code and output.
//
// With capture, log output produced by cmd is included in Result.Out. With throwOnFailure,
// a non-zero return code is reported as a *CommandFailedError carrying the Result.
func (c *Client) Send(cmd string, capture, throwOnFailure bool, timeout *time.Duration) (Result, error) {
	rawCmd := WrapCommand(cmd, capture)

	raw, err := c.SendRaw(rawCmd, timeout)
	if err != nil {
		return Result{}, err
	}

	res, err := ParseResponse(cmd, rawCmd, raw)
	if err != nil {
		c.log.Error(err, "OpenOCD misbehaves", "cmd", cmd)
		return Result{}, err
	}

	if throwOnFailure && !res.OK() {
		return res, &CommandFailedError{Result: res}
	}
	return res, nil
}

// recover applies the transport action that err calls for and returns the error the caller sees.
func (c *Client) recover(err error) error {
	var timeoutErr *CommandTimeoutError
	if errors.As(err, &timeoutErr) {
		c.log.Info("Command timed out, reconnecting", "cmd", timeoutErr.Cmd, "timeout", timeoutErr.Timeout)
		if reconnErr := c.session.Reconnect(); reconnErr != nil {
			c.log.Error(reconnErr, "Reconnect after command timeout failed")
			return reconnErr
		}
		return err
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		c.log.Error(err, "Connection error, disconnecting")
		c.session.Disconnect()
	}
	return err
}
