package debugger

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/bingosuite/bingo-ocd/config"
	"github.com/bingosuite/bingo-ocd/internal/debuginfo"
	"github.com/bingosuite/bingo-ocd/pkg/openocd"
	"github.com/bingosuite/bingo-ocd/pkg/tcl"
)

const (
	commandBufferSize = 32
	eventBufferSize   = 64
)

type TargetState string

const (
	StateUnknown      TargetState = "unknown"
	StateRunning      TargetState = "running"
	StateHalted       TargetState = "halted"
	StateDisconnected TargetState = "disconnected"
)

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
	CmdQuit            CommandType = "quit"
)

// CommandArgs carries the arguments of every command type; each command reads only its own fields.
type CommandArgs struct {
	Command   string  `json:"command,omitempty"`
	Capture   bool    `json:"capture,omitempty"`
	Throw     *bool   `json:"throw,omitempty"` // nil means true, as for tcl.Client.Send
	TimeoutMs int     `json:"timeoutMs,omitempty"`
	PC        *uint64 `json:"pc,omitempty"`
	Mode      string  `json:"mode,omitempty"`
	Addr      *uint64 `json:"addr,omitempty"`
	Size      uint64  `json:"size,omitempty"`
	HW        bool    `json:"hw,omitempty"`
	Kind      string  `json:"kind,omitempty"`
	BitWidth  int     `json:"bitWidth,omitempty"`
	Count     int     `json:"count,omitempty"`
	Path      string  `json:"path,omitempty"`
}

// DebugCommand represents commands that can be sent to the debugger
type DebugCommand struct {
	Type CommandType `json:"type"`
	Args CommandArgs `json:"data"`
}

type MemoryBlock struct {
	Addr     uint64   `json:"addr"`
	BitWidth int      `json:"bitWidth"`
	Values   []uint64 `json:"values"`
}

// CommandResult is reported once for every command taken from DebugCommand, except quit.
type CommandResult struct {
	Command     CommandType
	Result      tcl.Result
	Err         error
	Breakpoints []tcl.BpInfo
	Watchpoints []tcl.WpInfo
	Memory      *MemoryBlock
	Symbols     int
}

// HaltEvent reports that the target stopped.
type HaltEvent struct {
	PC     uint64 `json:"pc"`
	Symbol string `json:"symbol,omitempty"`
}

// Session is the connection the debugger drives. *tcl.Client implements it.
type Session interface {
	openocd.Executor
	Connect() error
	IsConnected() bool
}

var _ Session = (*tcl.Client)(nil)

// Debugger owns one OpenOCD connection. All commands run on the goroutine that called Start, one
// at a time, in the order they arrive on DebugCommand.
type Debugger struct {
	DebugInfo debuginfo.DebugInfo

	// Communication with hub
	DebugCommand  chan DebugCommand
	CommandResult chan CommandResult
	StateChanged  chan TargetState
	Halted        chan HaltEvent
	// Closed when the debug session ends.
	EndDebugSession chan struct{}

	session Session
	ocd     *openocd.Client
	cfg     config.OpenOCDConfig
	state   TargetState
	log     logr.Logger

	endOnce sync.Once
}

func NewDebugger(cfg config.OpenOCDConfig, log logr.Logger) *Debugger {
	client := tcl.NewClient(cfg.Host, cfg.Port,
		tcl.WithLogger(log.WithName("TCL")),
		tcl.WithDefaultTimeout(cfg.DefaultTimeout),
	)
	return newDebugger(client, cfg, log)
}

func newDebugger(session Session, cfg config.OpenOCDConfig, log logr.Logger) *Debugger {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Debugger{
		DebugCommand:    make(chan DebugCommand, commandBufferSize),
		CommandResult:   make(chan CommandResult, eventBufferSize),
		StateChanged:    make(chan TargetState, eventBufferSize),
		Halted:          make(chan HaltEvent, eventBufferSize),
		EndDebugSession: make(chan struct{}),
		session:         session,
		ocd:             openocd.New(session),
		cfg:             cfg,
		state:           StateUnknown,
		log:             log.WithName("Debugger"),
	}
}

// State returns the last observed target state. Only meaningful on the debugger goroutine or
// after it has ended.
func (d *Debugger) State() TargetState {
	return d.state
}
