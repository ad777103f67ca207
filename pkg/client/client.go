// Package client connects to a bingo-ocd bridge server and drives one debug session.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/bingosuite/bingo-ocd/internal/debugger"
	"github.com/bingosuite/bingo-ocd/internal/ws"
)

const (
	sendBufferSize  = 256
	eventBufferSize = 256
)

var ErrClosed = errors.New("connection closed")

type Client struct {
	serverURL string
	conn      *websocket.Conn
	send      chan ws.Message
	events    chan ws.Message
	done      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
	sessionID atomic.Value // string
	state     atomic.Value // ws.State
	log       logr.Logger
}

// NewClient returns a client for the bridge at serverURL (host:port). An empty sessionID
// asks the server for a new session.
func NewClient(serverURL, sessionID string, log logr.Logger) *Client {
	c := &Client{
		serverURL: serverURL,
		send:      make(chan ws.Message, sendBufferSize),
		events:    make(chan ws.Message, eventBufferSize),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		log:       log.WithName("Client"),
	}
	c.sessionID.Store(sessionID)
	c.state.Store(debugger.StateUnknown)
	return c
}

func (c *Client) Connect() error {
	// Build WebSocket URL with session ID
	u := url.URL{
		Scheme: "ws",
		Host:   c.serverURL,
		Path:   "/ws/",
	}
	if id := c.SessionID(); id != "" {
		u.RawQuery = url.Values{"session": {id}}.Encode()
	}
	c.log.V(1).Info("Connecting", "url", u.String())

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return fmt.Errorf("dial error: %w (HTTP %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial error: %w", err)
	}

	c.conn = conn
	c.log.Info("Connected to server", "server", c.serverURL)
	return nil
}

func (c *Client) Run() error {
	if c.conn == nil {
		return fmt.Errorf("connection not established")
	}

	// Start read and write pumps
	go c.readPump()
	go c.writePump()

	return nil
}

// WaitReady blocks until the server has confirmed the session.
func (c *Client) WaitReady(timeout time.Duration) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return ErrClosed
	case <-time.After(timeout):
		return fmt.Errorf("no session confirmation within %v", timeout)
	}
}

// Events delivers every event received from the server. Events are dropped when the channel
// is full.
func (c *Client) Events() <-chan ws.Message {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readPump() {
	defer func() {
		close(c.done)
		_ = c.conn.Close()
	}()

	for {
		var msg ws.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("WebSocket error", "error", err.Error())
			}
			return
		}

		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteJSON(message); err != nil {
				c.log.Info("Write error", "error", err.Error())
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) handleMessage(msg ws.Message) {
	c.log.V(1).Info("Received message", "type", msg.Type)

	switch ws.EventType(msg.Type) {
	case ws.EventSessionStarted:
		var started ws.SessionStartedEvent
		if err := unmarshalData(msg.Data, &started); err != nil {
			c.log.Info("Error parsing sessionStarted", "error", err.Error())
			return
		}
		c.sessionID.Store(started.SessionID)
		c.readyOnce.Do(func() { close(c.ready) })

	case ws.EventStateUpdate:
		var update ws.StateUpdateEvent
		if err := unmarshalData(msg.Data, &update); err != nil {
			c.log.Info("Error parsing stateUpdate", "error", err.Error())
			return
		}
		c.state.Store(update.NewState)
	}

	select {
	case c.events <- msg:
	default:
		c.log.Info("Event buffer full, dropping event", "type", msg.Type)
	}
}

func unmarshalData(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// SendCommand queues a command; args may be nil.
func (c *Client) SendCommand(cmdType ws.CommandType, args *debugger.CommandArgs) error {
	var payload any
	if args != nil {
		payload = args
	}
	msg, err := ws.NewMessage(string(cmdType), payload)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Cmd runs a TCL command; a zero timeout uses the server's default.
func (c *Client) Cmd(command string, capture, throw bool, timeout time.Duration) error {
	return c.SendCommand(ws.CmdTcl, &debugger.CommandArgs{
		Command:   command,
		Capture:   capture,
		Throw:     &throw,
		TimeoutMs: int(timeout / time.Millisecond),
	})
}

func (c *Client) RawCmd(command string, timeout time.Duration) error {
	return c.SendCommand(ws.CmdRaw, &debugger.CommandArgs{
		Command:   command,
		TimeoutMs: int(timeout / time.Millisecond),
	})
}

func (c *Client) Halt() error {
	return c.SendCommand(ws.CmdHalt, nil)
}

func (c *Client) Resume(pc *uint64) error {
	return c.SendCommand(ws.CmdResume, &debugger.CommandArgs{PC: pc})
}

func (c *Client) Step(pc *uint64) error {
	return c.SendCommand(ws.CmdStep, &debugger.CommandArgs{PC: pc})
}

// Reset resets the target; mode is "halt", "init" or "run".
func (c *Client) Reset(mode string) error {
	return c.SendCommand(ws.CmdReset, &debugger.CommandArgs{Mode: mode})
}

func (c *Client) SetBreakpoint(addr, size uint64, hw bool) error {
	return c.SendCommand(ws.CmdSetBreakpoint, &debugger.CommandArgs{Addr: &addr, Size: size, HW: hw})
}

// ClearBreakpoint removes the breakpoint at addr, or all breakpoints when addr is nil.
func (c *Client) ClearBreakpoint(addr *uint64) error {
	return c.SendCommand(ws.CmdClearBreakpoint, &debugger.CommandArgs{Addr: addr})
}

func (c *Client) ListBreakpoints() error {
	return c.SendCommand(ws.CmdListBreakpoints, nil)
}

func (c *Client) SetWatchpoint(addr, size uint64, kind string) error {
	return c.SendCommand(ws.CmdSetWatchpoint, &debugger.CommandArgs{Addr: &addr, Size: size, Kind: kind})
}

// ClearWatchpoint removes the watchpoint at addr, or all watchpoints when addr is nil.
func (c *Client) ClearWatchpoint(addr *uint64) error {
	return c.SendCommand(ws.CmdClearWatchpoint, &debugger.CommandArgs{Addr: addr})
}

func (c *Client) ListWatchpoints() error {
	return c.SendCommand(ws.CmdListWatchpoints, nil)
}

func (c *Client) ReadMemory(addr uint64, bitWidth, count int) error {
	return c.SendCommand(ws.CmdReadMemory, &debugger.CommandArgs{Addr: &addr, BitWidth: bitWidth, Count: count})
}

func (c *Client) LoadSymbols(path string) error {
	return c.SendCommand(ws.CmdLoadSymbols, &debugger.CommandArgs{Path: path})
}

// Exit ends the debug session on the server.
func (c *Client) Exit() error {
	return c.SendCommand(ws.CmdExit, nil)
}

func (c *Client) SessionID() string {
	return c.sessionID.Load().(string)
}

func (c *Client) State() ws.State {
	return c.state.Load().(ws.State)
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
