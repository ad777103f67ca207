package tcl

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-logr/logr"
)

// Protocol constants.
const (
	DefaultHost    = "127.0.0.1"
	DefaultPort    = 6666
	DefaultTimeout = 5 * time.Second

	ConnectTimeout = 5 * time.Second
	SendTimeout    = 3 * time.Second
	PollSlice      = 1 * time.Second
	ReadBlockSize  = 2048
)

// Option configures a Session or a Client.
type Option func(*options)

type options struct {
	log            logr.Logger
	defaultTimeout time.Duration
	pollSlice      time.Duration
	sendTimeout    time.Duration
}

func defaultOptions() options {
	return options{
		log:            logr.Discard(),
		defaultTimeout: DefaultTimeout,
		pollSlice:      PollSlice,
		sendTimeout:    SendTimeout,
	}
}

// WithLogger sets the logger. Nothing is logged by default.
func WithLogger(log logr.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithDefaultTimeout sets the receive timeout used when a command does not override it.
// Non-positive values are ignored.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

// state is either disconnected or connected; nothing else is observable.
type state interface {
	isState()
}

type disconnected struct{}

type connected struct {
	conn *net.TCPConn
}

func (disconnected) isState() {}
func (connected) isState()    {}

// Session owns the TCP connection to one OpenOCD TCL server.
//
// A Session is not safe for concurrent use: the protocol carries no request identifiers,
// so callers must serialise commands themselves.
type Session struct {
	host  string
	port  int
	state state

	defaultTimeout time.Duration
	pollSlice      time.Duration
	sendTimeout    time.Duration

	log logr.Logger
}

// NewSession returns a disconnected session for host:port.
func NewSession(host string, port int, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Session{
		host:           host,
		port:           port,
		state:          disconnected{},
		defaultTimeout: o.defaultTimeout,
		pollSlice:      o.pollSlice,
		sendTimeout:    o.sendTimeout,
		log:            o.log.WithValues("addr", net.JoinHostPort(host, strconv.Itoa(port))),
	}
}

// Addr returns the host:port the session connects to.
func (s *Session) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// IsConnected reports whether the session holds an open connection.
func (s *Session) IsConnected() bool {
	_, ok := s.state.(connected)
	return ok
}

// DefaultTimeout returns the receive timeout used when a command does not override it.
func (s *Session) DefaultTimeout() time.Duration {
	return s.defaultTimeout
}

// SetDefaultTimeout changes the default receive timeout.
func (s *Session) SetDefaultTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("invalid default timeout %v: %w", d, ErrInvalidTimeout)
	}
	s.defaultTimeout = d
	return nil
}

// Connect opens the connection. It fails if the session is already connected.
func (s *Session) Connect() error {
	if s.IsConnected() {
		return newConnectionError("cannot connect", ErrAlreadyConnected)
	}

	d := net.Dialer{Timeout: ConnectTimeout}
	conn, err := d.Dial("tcp", s.Addr())
	if err != nil {
		return newConnectionError(fmt.Sprintf("failed to connect to %s", s.Addr()), err)
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return newConnectionError(fmt.Sprintf("unexpected connection type %T", conn), nil)
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		_ = tcpConn.Close()
		return newConnectionError("failed to disable Nagle's algorithm", err)
	}

	s.state = connected{conn: tcpConn}
	s.log.V(1).Info("Connected to OpenOCD")
	return nil
}

// Disconnect closes the connection. It does nothing on a disconnected session.
func (s *Session) Disconnect() {
	c, ok := s.state.(connected)
	if !ok {
		return
	}
	// Nothing useful can be done if shutdown or close fail.
	shutdownConn(c.conn)
	_ = c.conn.Close()
	s.state = disconnected{}
	s.log.V(1).Info("Disconnected from OpenOCD")
}

// Reconnect disconnects (if needed) and connects again to the same address.
func (s *Session) Reconnect() error {
	s.Disconnect()
	return s.Connect()
}

// exchange sends one command frame and waits for its response.
func (s *Session) exchange(cmd string, timeout time.Duration) (string, error) {
	c, ok := s.state.(connected)
	if !ok {
		return "", newConnectionError("cannot send command", ErrNotConnected)
	}
	if err := s.write(c.conn, cmd); err != nil {
		return "", err
	}
	return s.receive(c.conn, cmd, timeout)
}

func (s *Session) write(conn *net.TCPConn, cmd string) error {
	// A previous exchange must have consumed everything OpenOCD sent; otherwise the next
	// response would be attributed to the wrong command.
	pending, err := pendingData(conn)
	if err != nil {
		return newConnectionError("failed to check the socket for pending data", err)
	}
	if pending {
		return newConnectionError("cannot send command", ErrPendingData)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(s.sendTimeout)); err != nil {
		return newConnectionError("failed to set write deadline", err)
	}
	if _, err := conn.Write(Encode(cmd)); err != nil {
		return newConnectionError("failed to send command", err)
	}
	s.log.V(2).Info("Sent command", "cmd", cmd)
	return nil
}
