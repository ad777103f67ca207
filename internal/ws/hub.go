package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/bingosuite/bingo-ocd/internal/debugger"
)

const (
	connectionSendBufferSize = 256
	eventBufferSize          = 256
	commandBufferSize        = 32
	hubTickerInterval        = 1 * time.Minute
)

type Hub struct {
	sessionID   string
	connections map[*Connection]struct{}

	// Channels for register/unregister connections and broadcast msgs
	register   chan *Connection
	unregister chan *Connection
	events     chan Message
	commands   chan Message
	done       chan struct{}
	quit       chan struct{}
	quitOnce   sync.Once

	onShutdown    func(sessionID string) // callback for shutdown on server
	startDebugger func()                 // called once, when the first connection registers
	stopDebugger  context.CancelFunc

	// idle detection
	idleTimeout  time.Duration
	tickInterval time.Duration
	lastActivity time.Time
	// set when dropping slow connections left none
	abandoned bool

	debugger *debugger.Debugger
	log      logr.Logger

	mu sync.RWMutex
}

func NewHub(sessionID string, idleTimeout time.Duration, dbg *debugger.Debugger, log logr.Logger) *Hub {
	return &Hub{
		sessionID:    sessionID,
		connections:  make(map[*Connection]struct{}),
		register:     make(chan *Connection),
		unregister:   make(chan *Connection),
		events:       make(chan Message, eventBufferSize),
		commands:     make(chan Message, commandBufferSize),
		done:         make(chan struct{}),
		quit:         make(chan struct{}),
		idleTimeout:  idleTimeout,
		tickInterval: hubTickerInterval,
		lastActivity: time.Now(),
		debugger:     dbg,
		log:          log.WithName("Hub").WithValues("session", sessionID),
	}
}

func (h *Hub) SessionID() string {
	return h.sessionID
}

// Done is closed once the hub has shut down.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) Run() {
	ticker := time.NewTicker(h.tickInterval)
	defer ticker.Stop()
	defer h.shutdown()

	for !h.abandoned {
		select {
		case <-ticker.C:
			// Check idle timeout
			if h.idleTimeout > 0 && h.connectionCount() == 0 && time.Since(h.lastActivity) > h.idleTimeout {
				h.log.Info("Session idle, shutting down", "idleTimeout", h.idleTimeout)
				return
			}

		case connection := <-h.register:
			h.mu.Lock()
			h.connections[connection] = struct{}{}
			h.lastActivity = time.Now()
			count := len(h.connections)
			h.mu.Unlock()
			h.log.Info("Connection registered", "connection", connection.id, "total", count)
			if h.startDebugger != nil {
				h.startDebugger()
				h.startDebugger = nil
			}

		case connection := <-h.unregister:
			h.mu.Lock()
			_, ok := h.connections[connection]
			if ok {
				delete(h.connections, connection)
				connection.CloseSend()
			}
			count := len(h.connections)
			h.mu.Unlock()
			if ok {
				h.log.Info("Connection unregistered", "connection", connection.id, "remaining", count)
				// When last connection leaves, shutdown hub
				if count == 0 {
					h.log.Info("No connections left, shutting down hub")
					return
				}
			}

		case event := <-h.events:
			h.broadcast(event)

		case cmd := <-h.commands:
			h.lastActivity = time.Now()
			h.log.V(1).Info("Command received", "type", cmd.Type)
			h.handleCommand(cmd)

		case res := <-h.debugger.CommandResult:
			h.publishResult(res)

		case state := <-h.debugger.StateChanged:
			h.publish(EventStateUpdate, StateUpdateEvent{
				Type:      EventStateUpdate,
				SessionID: h.sessionID,
				NewState:  state,
			})

		case halt := <-h.debugger.Halted:
			h.publish(EventTargetHalted, TargetHaltedEvent{
				Type:      EventTargetHalted,
				SessionID: h.sessionID,
				PC:        halt.PC,
				Symbol:    halt.Symbol,
			})

		case <-h.quit:
			h.log.Info("Hub closed")
			return

		case <-h.debugger.EndDebugSession:
			h.log.Info("Debugger signaled end of session, shutting down hub")
			h.drainDebugger()
			return
		}
	}
	h.log.Info("Last connection dropped, shutting down hub")
}

// Public APIs

// Close shuts the hub down and stops its debugger.
func (h *Hub) Close() {
	h.quitOnce.Do(func() {
		close(h.quit)
	})
}

func (h *Hub) Register(connection *Connection) {
	select {
	case h.register <- connection:
	case <-h.done:
		connection.CloseSend()
	}
}

func (h *Hub) Unregister(connection *Connection) {
	select {
	case h.unregister <- connection:
	case <-h.done:
	}
}

func (h *Hub) Broadcast(event Message) {
	select {
	case h.events <- event:
	case <-h.done:
	}
}

func (h *Hub) SendCommand(cmd Message) {
	select {
	case h.commands <- cmd:
	case <-h.done:
	}
}

func (h *Hub) connectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) broadcast(event Message) {
	h.lastActivity = time.Now()
	h.mu.RLock()
	var slowConnections []*Connection
	for connection := range h.connections {
		select {
		case connection.send <- event:
		default: // connection consuming too slowly or its writer died
			slowConnections = append(slowConnections, connection)
		}
	}
	h.mu.RUnlock()

	if len(slowConnections) == 0 {
		return
	}
	h.mu.Lock()
	for _, connection := range slowConnections {
		if _, ok := h.connections[connection]; ok {
			h.log.Info("Connection is slow, dropping it", "connection", connection.id)
			delete(h.connections, connection)
			connection.CloseSend()
		}
	}
	h.abandoned = len(h.connections) == 0
	h.mu.Unlock()
}

func (h *Hub) publish(typ EventType, payload any) {
	msg, err := NewMessage(string(typ), payload)
	if err != nil {
		h.log.Error(err, "Failed to marshal event", "type", typ)
		return
	}
	h.broadcast(msg)
}

// Forward commands from connections to the debugger
func (h *Hub) handleCommand(cmd Message) {
	dbgCmd, ok := debuggerCommands[CommandType(cmd.Type)]
	if !ok {
		h.log.Info("Unknown command type", "type", cmd.Type)
		h.publishError(cmd.Type, fmt.Errorf("unknown command type %q", cmd.Type))
		return
	}

	var args debugger.CommandArgs
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			h.log.Info("Failed to unmarshal command", "type", cmd.Type, "error", err.Error())
			h.publishError(cmd.Type, fmt.Errorf("malformed %s command: %w", cmd.Type, err))
			return
		}
	}

	select {
	case h.debugger.DebugCommand <- debugger.DebugCommand{Type: dbgCmd, Args: args}:
		h.log.V(1).Info("Command sent to debugger", "type", dbgCmd)
	default:
		h.log.Info("Debugger command queue full, dropping command", "type", dbgCmd)
		h.publishError(cmd.Type, fmt.Errorf("debugger busy, %s dropped", cmd.Type))
	}
}

func (h *Hub) publishError(command string, err error) {
	h.publish(EventCommandResult, CommandResultEvent{
		Type:      EventCommandResult,
		SessionID: h.sessionID,
		Command:   command,
		RetCode:   -1,
		Error:     errorInfo(err),
	})
}

func (h *Hub) publishResult(res debugger.CommandResult) {
	out := res.Result.Out
	if res.Command == debugger.CmdLoadSymbols && res.Err == nil {
		out = fmt.Sprintf("loaded %d symbols", res.Symbols)
	}
	h.publish(EventCommandResult, CommandResultEvent{
		Type:      EventCommandResult,
		SessionID: h.sessionID,
		Command:   string(res.Command),
		RetCode:   res.Result.RetCode,
		Out:       out,
		Error:     errorInfo(res.Err),
	})

	if res.Err != nil {
		return
	}
	switch {
	case res.Command == debugger.CmdListBreakpoints:
		h.publish(EventBreakpoints, BreakpointsEvent{
			Type:        EventBreakpoints,
			SessionID:   h.sessionID,
			Breakpoints: nonNil(res.Breakpoints),
		})
	case res.Command == debugger.CmdListWatchpoints:
		h.publish(EventWatchpoints, WatchpointsEvent{
			Type:        EventWatchpoints,
			SessionID:   h.sessionID,
			Watchpoints: nonNil(res.Watchpoints),
		})
	case res.Memory != nil:
		h.publish(EventMemory, MemoryEvent{
			Type:      EventMemory,
			SessionID: h.sessionID,
			Addr:      res.Memory.Addr,
			BitWidth:  res.Memory.BitWidth,
			Values:    res.Memory.Values,
		})
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// drainDebugger forwards events the debugger emitted before it ended.
func (h *Hub) drainDebugger() {
	for {
		select {
		case res := <-h.debugger.CommandResult:
			h.publishResult(res)
		case state := <-h.debugger.StateChanged:
			h.publish(EventStateUpdate, StateUpdateEvent{Type: EventStateUpdate, SessionID: h.sessionID, NewState: state})
		default:
			return
		}
	}
}

func (h *Hub) shutdown() {
	if h.stopDebugger != nil {
		h.stopDebugger()
	}

	h.mu.Lock()
	for connection := range h.connections {
		delete(h.connections, connection)
		connection.CloseSend()
	}
	h.mu.Unlock()

	close(h.done)
	if h.onShutdown != nil {
		h.onShutdown(h.sessionID)
	}
}
