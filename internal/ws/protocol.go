package ws

import (
	"encoding/json"

	"github.com/bingosuite/bingo-ocd/internal/debugger"
	"github.com/bingosuite/bingo-ocd/pkg/tcl"
)

type Message struct {
	Type string          `json:"type"` // EventType or CommandType
	Data json.RawMessage `json:"data,omitempty"`
}

// State mirrors the target state reported by the debugger.
type State = debugger.TargetState

// Event messages (server -> client)
type EventType string

const (
	EventSessionStarted EventType = "sessionStarted"
	EventStateUpdate    EventType = "stateUpdate"
	EventCommandResult  EventType = "commandResult"
	EventTargetHalted   EventType = "targetHalted"
	EventBreakpoints    EventType = "breakpoints"
	EventWatchpoints    EventType = "watchpoints"
	EventMemory         EventType = "memory"
)

type SessionStartedEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
}

type StateUpdateEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	NewState  State     `json:"newState"`
}

type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type CommandResultEvent struct {
	Type      EventType  `json:"type"`
	SessionID string     `json:"sessionId"`
	Command   string     `json:"command"`
	RetCode   int        `json:"retcode"`
	Out       string     `json:"out"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

type TargetHaltedEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	PC        uint64    `json:"pc"`
	Symbol    string    `json:"symbol,omitempty"`
}

type BreakpointsEvent struct {
	Type        EventType    `json:"type"`
	SessionID   string       `json:"sessionId"`
	Breakpoints []tcl.BpInfo `json:"breakpoints"`
}

type WatchpointsEvent struct {
	Type        EventType    `json:"type"`
	SessionID   string       `json:"sessionId"`
	Watchpoints []tcl.WpInfo `json:"watchpoints"`
}

type MemoryEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Addr      uint64    `json:"addr"`
	BitWidth  int       `json:"bitWidth"`
	Values    []uint64  `json:"values"`
}

// Command messages (client -> server). The data of every command decodes into
// debugger.CommandArgs.
type CommandType string

const (
	CmdTcl             CommandType = "cmd"
	CmdRaw             CommandType = "rawCmd"
	CmdHalt            CommandType = "halt"
	CmdResume          CommandType = "resume"
	CmdStep            CommandType = "step"
	CmdReset           CommandType = "reset"
	CmdSetBreakpoint   CommandType = "setBreakpoint"
	CmdClearBreakpoint CommandType = "clearBreakpoint"
	CmdListBreakpoints CommandType = "listBreakpoints"
	CmdSetWatchpoint   CommandType = "setWatchpoint"
	CmdClearWatchpoint CommandType = "clearWatchpoint"
	CmdListWatchpoints CommandType = "listWatchpoints"
	CmdReadMemory      CommandType = "readMemory"
	CmdLoadSymbols     CommandType = "loadSymbols"
	CmdExit            CommandType = "exit"
)

// debuggerCommands maps bridge commands to debugger commands.
var debuggerCommands = map[CommandType]debugger.CommandType{
	CmdTcl:             debugger.CmdTcl,
	CmdRaw:             debugger.CmdRaw,
	CmdHalt:            debugger.CmdHalt,
	CmdResume:          debugger.CmdResume,
	CmdStep:            debugger.CmdStep,
	CmdReset:           debugger.CmdReset,
	CmdSetBreakpoint:   debugger.CmdSetBreakpoint,
	CmdClearBreakpoint: debugger.CmdClearBreakpoint,
	CmdListBreakpoints: debugger.CmdListBreakpoints,
	CmdSetWatchpoint:   debugger.CmdSetWatchpoint,
	CmdClearWatchpoint: debugger.CmdClearWatchpoint,
	CmdListWatchpoints: debugger.CmdListWatchpoints,
	CmdReadMemory:      debugger.CmdReadMemory,
	CmdLoadSymbols:     debugger.CmdLoadSymbols,
	CmdExit:            debugger.CmdQuit,
}

// NewMessage marshals an event or command into an envelope.
func NewMessage(typ string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: typ}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Data: data}, nil
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	kind := string(tcl.KindOf(err))
	if kind == "" {
		kind = "error"
	}
	return &ErrorInfo{Kind: kind, Message: err.Error()}
}
