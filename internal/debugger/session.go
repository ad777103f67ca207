package debugger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bingosuite/bingo-ocd/internal/debuginfo"
	"github.com/bingosuite/bingo-ocd/pkg/tcl"
)

var errNoAddress = errors.New("addr is required")

// Start connects to OpenOCD and runs the debug loop until quit, ctx cancellation, or a failed
// initial connection. EndDebugSession is closed when it returns.
func (d *Debugger) Start(ctx context.Context) error {
	defer d.StopDebug()

	if err := d.connect(ctx); err != nil {
		d.log.Error(err, "Failed to connect to OpenOCD", "host", d.cfg.Host, "port", d.cfg.Port)
		d.setState(ctx, StateDisconnected)
		return err
	}
	d.log.Info("Connected to OpenOCD", "host", d.cfg.Host, "port", d.cfg.Port)

	if version, err := d.ocd.Version(); err == nil {
		d.log.Info("OpenOCD version", "version", version)
	}

	if d.cfg.Symbols != "" {
		if n, err := d.loadSymbols(d.cfg.Symbols); err != nil {
			d.log.Error(err, "Failed to load symbols", "path", d.cfg.Symbols)
		} else {
			d.log.Info("Loaded symbols", "path", d.cfg.Symbols, "count", n)
		}
	}

	d.refreshState(ctx)

	d.log.Info("Starting debug loop")
	d.debugLoop(ctx)
	d.log.Info("Debug loop ended")
	return nil
}

// StopDebug disconnects from OpenOCD and signals the end of the session. It is safe to call
// more than once.
func (d *Debugger) StopDebug() {
	d.endOnce.Do(func() {
		d.session.Disconnect()
		close(d.EndDebugSession)
	})
}

func (d *Debugger) connect(ctx context.Context) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if d.cfg.ConnectRetry > 0 {
		b = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(100*time.Millisecond),
			backoff.WithMaxInterval(2*time.Second),
			backoff.WithMaxElapsedTime(d.cfg.ConnectRetry),
		)
	}

	return backoff.RetryNotify(
		d.session.Connect,
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			d.log.V(1).Info("OpenOCD not reachable yet", "error", err.Error(), "retryIn", next)
		},
	)
}

func (d *Debugger) debugLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Context cancelled, exiting debug loop")
			return

		case cmd := <-d.DebugCommand:
			d.log.V(1).Info("Received command", "type", cmd.Type)
			if cmd.Type == CmdQuit {
				return
			}
			res := d.handleCommand(ctx, cmd)
			d.emitResult(ctx, res)

		case <-ticker.C:
			if d.state != StateDisconnected {
				d.refreshState(ctx)
			}
		}
	}
}

func (d *Debugger) handleCommand(ctx context.Context, cmd DebugCommand) CommandResult {
	res := CommandResult{Command: cmd.Type}

	if !d.session.IsConnected() {
		d.log.Info("Reconnecting to OpenOCD before command", "type", cmd.Type)
		if err := d.session.Connect(); err != nil {
			d.setState(ctx, StateDisconnected)
			res.Err = err
			return res
		}
		d.refreshState(ctx)
	}

	args := cmd.Args
	switch cmd.Type {
	case CmdTcl:
		timeout, err := argTimeout(args)
		if err != nil {
			res.Err = err
			break
		}
		throw := args.Throw == nil || *args.Throw
		res.Result, res.Err = d.session.Send(args.Command, args.Capture, throw, timeout)

	case CmdRaw:
		timeout, err := argTimeout(args)
		if err != nil {
			res.Err = err
			break
		}
		var out string
		out, res.Err = d.session.SendRaw(args.Command, timeout)
		res.Result = tcl.Result{Cmd: args.Command, RawCmd: args.Command, Out: out}

	case CmdHalt:
		res.Err = d.ocd.Halt()
		d.refreshState(ctx)

	case CmdResume:
		res.Err = d.ocd.Resume(args.PC)
		d.refreshState(ctx)

	case CmdStep:
		res.Err = d.ocd.Step(args.PC)
		d.refreshState(ctx)

	case CmdReset:
		switch args.Mode {
		case "", "halt":
			res.Err = d.ocd.ResetHalt()
		case "init":
			res.Err = d.ocd.ResetInit()
		case "run":
			res.Err = d.ocd.ResetRun()
		default:
			res.Err = fmt.Errorf("unknown reset mode %q", args.Mode)
		}
		d.refreshState(ctx)

	case CmdSetBreakpoint:
		if args.Addr == nil {
			res.Err = errNoAddress
			break
		}
		size := args.Size
		if size == 0 {
			size = 2
		}
		res.Err = d.ocd.AddBp(*args.Addr, size, args.HW)

	case CmdClearBreakpoint:
		if args.Addr == nil {
			res.Err = d.ocd.RemoveAllBp()
		} else {
			res.Err = d.ocd.RemoveBp(*args.Addr)
		}

	case CmdListBreakpoints:
		res.Breakpoints, res.Err = d.ocd.ListBp()

	case CmdSetWatchpoint:
		if args.Addr == nil {
			res.Err = errNoAddress
			break
		}
		size := args.Size
		if size == 0 {
			size = 4
		}
		res.Err = d.ocd.AddWp(*args.Addr, size, tcl.WpKind(args.Kind))

	case CmdClearWatchpoint:
		if args.Addr == nil {
			res.Err = d.ocd.RemoveAllWp()
		} else {
			res.Err = d.ocd.RemoveWp(*args.Addr)
		}

	case CmdListWatchpoints:
		res.Watchpoints, res.Err = d.ocd.ListWp()

	case CmdReadMemory:
		if args.Addr == nil {
			res.Err = errNoAddress
			break
		}
		count := max(args.Count, 1)
		var values []uint64
		values, res.Err = d.ocd.ReadMemory(*args.Addr, args.BitWidth, count, false, nil)
		if res.Err == nil {
			res.Memory = &MemoryBlock{Addr: *args.Addr, BitWidth: args.BitWidth, Values: values}
		}

	case CmdLoadSymbols:
		res.Symbols, res.Err = d.loadSymbols(args.Path)

	default:
		res.Err = fmt.Errorf("unknown command type %q", cmd.Type)
	}

	if res.Err != nil {
		d.observeError(ctx, res.Err)
	}
	return res
}

func argTimeout(args CommandArgs) (*time.Duration, error) {
	switch {
	case args.TimeoutMs == 0:
		return nil, nil
	case args.TimeoutMs < 0:
		return nil, fmt.Errorf("timeoutMs must be positive, got %d: %w", args.TimeoutMs, tcl.ErrInvalidTimeout)
	default:
		return tcl.Timeout(time.Duration(args.TimeoutMs) * time.Millisecond), nil
	}
}

// observeError keeps the reported state in line with the engine's recovery: timeouts keep the
// connection, connection errors drop it.
func (d *Debugger) observeError(ctx context.Context, err error) {
	switch tcl.KindOf(err) {
	case tcl.KindConnection:
		d.log.Error(err, "Lost connection to OpenOCD")
		d.setState(ctx, StateDisconnected)
	case tcl.KindTimeout:
		d.log.Info("OpenOCD command timed out, connection was rebuilt", "error", err.Error())
	default:
		d.log.V(1).Info("Command failed", "error", err.Error())
	}
}

func (d *Debugger) loadSymbols(path string) (int, error) {
	table, err := debuginfo.Load(path)
	if err != nil {
		return 0, err
	}
	d.DebugInfo = table
	return table.Len(), nil
}

// refreshState polls curstate and reports changes. A transition into halted is reported on Halted
// together with the program counter.
func (d *Debugger) refreshState(ctx context.Context) {
	if !d.session.IsConnected() {
		d.setState(ctx, StateDisconnected)
		return
	}

	raw, err := d.ocd.CurState()
	if err != nil {
		if tcl.KindOf(err) == tcl.KindConnection {
			d.observeError(ctx, err)
		} else {
			d.log.V(1).Info("Failed to poll target state", "error", err.Error())
		}
		return
	}

	next := StateUnknown
	switch TargetState(raw) {
	case StateRunning:
		next = StateRunning
	case StateHalted:
		next = StateHalted
	}

	prev := d.state
	d.setState(ctx, next)
	if next == StateHalted && prev != StateHalted {
		d.reportHalt(ctx)
	}
}

func (d *Debugger) reportHalt(ctx context.Context) {
	pc, err := d.ocd.GetReg("pc", false)
	if err != nil {
		d.log.Error(err, "Failed to read pc after halt")
		d.observeError(ctx, err)
		return
	}
	event := HaltEvent{PC: pc, Symbol: debuginfo.Describe(d.DebugInfo, pc)}
	d.log.Info("Target halted", "pc", fmt.Sprintf("0x%x", pc), "symbol", event.Symbol)
	emit(ctx, d.Halted, event)
}

func (d *Debugger) setState(ctx context.Context, state TargetState) {
	if state == d.state {
		return
	}
	d.log.Info("Target state changed", "from", d.state, "to", state)
	d.state = state
	emit(ctx, d.StateChanged, state)
}

func (d *Debugger) emitResult(ctx context.Context, res CommandResult) {
	emit(ctx, d.CommandResult, res)
}

func emit[T any](ctx context.Context, ch chan<- T, v T) {
	select {
	case ch <- v:
	case <-ctx.Done():
	}
}
