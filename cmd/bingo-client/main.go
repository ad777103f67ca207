package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bingosuite/bingo-ocd/config"
	"github.com/bingosuite/bingo-ocd/internal/logger"
	"github.com/bingosuite/bingo-ocd/internal/prompt"
	"github.com/bingosuite/bingo-ocd/internal/ws"
	"github.com/bingosuite/bingo-ocd/pkg/client"
)

const (
	historyFile  = ".bingo_client_history"
	readyTimeout = 5 * time.Second
)

var commandWords = []string{
	"halt", "resume", "step", "reset", "bp", "rbp", "bps", "wp", "rwp", "wps",
	"mem", "sym", "tcl", "raw", "state", "help", "quit",
}

const usage = `Commands:
  halt | resume [pc] | step [pc] | reset [run|halt|init]
  bp <addr> [size] [hw] | rbp [addr] | bps
  wp <addr> [size] [r|w|a] | rwp [addr] | wps
  mem <addr> [width] [count] | sym <elf path>
  tcl <command> | raw <tcl> | state | quit`

func defaultServerAddr() string {
	cfg, err := config.Load("config/config.yml")
	if err != nil || cfg.Server.Addr == "" {
		return "localhost:8080"
	}
	if strings.HasPrefix(cfg.Server.Addr, ":") {
		return "localhost" + cfg.Server.Addr
	}
	return cfg.Server.Addr
}

func newRootCmd(log *logger.Logger) *cobra.Command {
	var server, session string

	cmd := &cobra.Command{
		Use:          "bingo-client",
		Short:        "bingo-client - interactive client for a bingo debug session",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.NewClient(server, session, log.Logger)
			if err := c.Connect(); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			if err := c.Run(); err != nil {
				return fmt.Errorf("failed to start client: %w", err)
			}
			defer func() {
				_ = c.Close()
			}()
			if err := c.WaitReady(readyTimeout); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connected to session %s\n%s\n", c.SessionID(), usage)
			go printEvents(out, c)

			editor := prompt.New(historyFile)
			defer func() {
				_ = editor.Close()
			}()
			editor.SetCompleter(commandWords)
			return repl(out, editor, c)
		},
	}

	cmd.Flags().StringVar(&server, "server", defaultServerAddr(), "WebSocket server host:port")
	cmd.Flags().StringVar(&session, "session", "", "Existing session ID (optional)")
	log.AddLevelFlag(cmd.PersistentFlags())
	return cmd
}

func repl(out io.Writer, editor *prompt.Editor, c *client.Client) error {
	for {
		line, err := editor.Line(fmt.Sprintf("[%s] > ", c.State()))
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, prompt.ErrAborted) {
			continue
		}
		if err != nil {
			return err
		}

		select {
		case <-c.Done():
			fmt.Fprintln(out, "Session closed by server")
			return nil
		default:
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if quit, err := dispatch(out, c, fields, line); quit {
			return nil
		} else if err != nil {
			fmt.Fprintln(out, err.Error())
		}
	}
}

func dispatch(out io.Writer, c *client.Client, fields []string, line string) (bool, error) {
	args := fields[1:]
	switch strings.ToLower(fields[0]) {
	case "q", "quit":
		return true, nil
	case "exit":
		return true, c.Exit()
	case "help", "?":
		fmt.Fprintln(out, usage)
	case "state":
		fmt.Fprintf(out, "state=%s session=%s\n", c.State(), c.SessionID())
	case "halt", "h":
		return false, c.Halt()
	case "resume", "c", "continue":
		pc, err := optionalAddr(args)
		if err != nil {
			return false, err
		}
		return false, c.Resume(pc)
	case "step", "s":
		pc, err := optionalAddr(args)
		if err != nil {
			return false, err
		}
		return false, c.Step(pc)
	case "reset":
		mode := ""
		if len(args) > 0 {
			mode = args[0]
		}
		return false, c.Reset(mode)
	case "bp", "b":
		return false, handleBreakpointCommand(c, args)
	case "rbp":
		addr, err := optionalAddr(args)
		if err != nil {
			return false, err
		}
		return false, c.ClearBreakpoint(addr)
	case "bps":
		return false, c.ListBreakpoints()
	case "wp":
		return false, handleWatchpointCommand(c, args)
	case "rwp":
		addr, err := optionalAddr(args)
		if err != nil {
			return false, err
		}
		return false, c.ClearWatchpoint(addr)
	case "wps":
		return false, c.ListWatchpoints()
	case "mem", "x":
		return false, handleMemoryCommand(c, args)
	case "sym":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: sym <elf path>")
		}
		return false, c.LoadSymbols(args[0])
	case "tcl", "raw":
		_, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return false, fmt.Errorf("usage: %s <command>", fields[0])
		}
		if strings.EqualFold(fields[0], "raw") {
			return false, c.RawCmd(rest, 0)
		}
		return false, c.Cmd(rest, false, false, 0)
	default:
		return false, fmt.Errorf("unknown command %q, try help", fields[0])
	}
	return false, nil
}

func parseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

func optionalAddr(args []string) (*uint64, error) {
	if len(args) == 0 {
		return nil, nil
	}
	v, err := parseUint(args[0])
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func handleBreakpointCommand(c *client.Client, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return fmt.Errorf("usage: bp <addr> [size] [hw]")
	}
	addr, err := parseUint(args[0])
	if err != nil {
		return err
	}
	var size uint64
	hw := false
	for _, a := range args[1:] {
		if strings.EqualFold(a, "hw") {
			hw = true
			continue
		}
		if size, err = parseUint(a); err != nil {
			return err
		}
	}
	return c.SetBreakpoint(addr, size, hw)
}

func handleWatchpointCommand(c *client.Client, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return fmt.Errorf("usage: wp <addr> [size] [r|w|a]")
	}
	addr, err := parseUint(args[0])
	if err != nil {
		return err
	}
	var size uint64
	kind := ""
	for _, a := range args[1:] {
		switch strings.ToLower(a) {
		case "r", "w", "a":
			kind = strings.ToLower(a)
		default:
			if size, err = parseUint(a); err != nil {
				return err
			}
		}
	}
	return c.SetWatchpoint(addr, size, kind)
}

func handleMemoryCommand(c *client.Client, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return fmt.Errorf("usage: mem <addr> [width] [count]")
	}
	addr, err := parseUint(args[0])
	if err != nil {
		return err
	}
	width, count := 32, 1
	if len(args) > 1 {
		if width, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("invalid width %q", args[1])
		}
	}
	if len(args) > 2 {
		if count, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("invalid count %q", args[2])
		}
	}
	return c.ReadMemory(addr, width, count)
}

func printEvents(out io.Writer, c *client.Client) {
	for {
		select {
		case <-c.Done():
			return
		case msg := <-c.Events():
			printEvent(out, msg)
		}
	}
}

func printEvent(out io.Writer, msg ws.Message) {
	switch ws.EventType(msg.Type) {
	case ws.EventStateUpdate:
		var ev ws.StateUpdateEvent
		if json.Unmarshal(msg.Data, &ev) == nil {
			fmt.Fprintf(out, "\n* target %s\n", ev.NewState)
		}
	case ws.EventTargetHalted:
		var ev ws.TargetHaltedEvent
		if json.Unmarshal(msg.Data, &ev) == nil {
			if ev.Symbol != "" {
				fmt.Fprintf(out, "\n* halted at 0x%x <%s>\n", ev.PC, ev.Symbol)
			} else {
				fmt.Fprintf(out, "\n* halted at 0x%x\n", ev.PC)
			}
		}
	case ws.EventCommandResult:
		var ev ws.CommandResultEvent
		if json.Unmarshal(msg.Data, &ev) != nil {
			return
		}
		if ev.Error != nil {
			fmt.Fprintf(out, "\n%s: %s error: %s\n", ev.Command, ev.Error.Kind, ev.Error.Message)
			return
		}
		if ev.Out != "" {
			fmt.Fprintln(out, strings.TrimRight(ev.Out, "\n"))
		}
		if ev.RetCode != 0 {
			fmt.Fprintf(out, "%s failed with code %d\n", ev.Command, ev.RetCode)
		}
	case ws.EventBreakpoints:
		var ev ws.BreakpointsEvent
		if json.Unmarshal(msg.Data, &ev) == nil {
			for i, bp := range ev.Breakpoints {
				fmt.Fprintf(out, "%d: 0x%x len=%d %s\n", i, bp.Addr, bp.Size, bp.Kind)
			}
		}
	case ws.EventWatchpoints:
		var ev ws.WatchpointsEvent
		if json.Unmarshal(msg.Data, &ev) == nil {
			for i, wp := range ev.Watchpoints {
				fmt.Fprintf(out, "%d: 0x%x len=%d %s\n", i, wp.Addr, wp.Size, wp.Kind)
			}
		}
	case ws.EventMemory:
		var ev ws.MemoryEvent
		if json.Unmarshal(msg.Data, &ev) == nil {
			step := uint64(ev.BitWidth / 8)
			for i, v := range ev.Values {
				fmt.Fprintf(out, "0x%08x: 0x%0*x\n", ev.Addr+uint64(i)*step, ev.BitWidth/4, v)
			}
		}
	}
}

func main() {
	log := logger.New("bingo-client")
	_ = log.SetLevelString("error")
	defer log.Flush()

	if err := newRootCmd(log).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		log.Flush()
		os.Exit(1)
	}
}
