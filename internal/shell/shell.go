// Package shell implements the interactive OpenOCD shell behind ocdsh.
package shell

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/bingosuite/bingo-ocd/internal/prompt"
	"github.com/bingosuite/bingo-ocd/pkg/openocd"
	"github.com/bingosuite/bingo-ocd/pkg/tcl"
)

const helpText = `Lines are sent to OpenOCD as TCL commands. Shell commands:
  :raw <tcl>    send text without the return code wrapper
  :bp           list breakpoints
  :wp           list watchpoints
  :capture      toggle capturing of command log output
  :reconnect    rebuild the connection
  :help         show this help
  :quit         leave the shell
`

// Conn is the OpenOCD connection a Shell drives. *tcl.Client implements it.
type Conn interface {
	openocd.Executor
	Reconnect() error
}

var _ Conn = (*tcl.Client)(nil)

type Shell struct {
	conn    Conn
	ocd     *openocd.Client
	out     io.Writer
	capture bool
}

func New(conn Conn, out io.Writer, capture bool) *Shell {
	return &Shell{conn: conn, ocd: openocd.New(conn), out: out, capture: capture}
}

// Completions lists the words offered by the line editor.
func Completions() []string {
	return []string{":raw ", ":bp", ":wp", ":capture", ":reconnect", ":help", ":quit",
		"halt", "resume", "step", "reset halt", "reset init", "reset run", "reg", "targets", "version"}
}

// Run reads lines from editor until :quit or end of input.
func (s *Shell) Run(editor *prompt.Editor) error {
	for {
		line, err := editor.Line("ocd> ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, prompt.ErrAborted) {
			continue
		}
		if err != nil {
			return err
		}
		if !s.Exec(line) {
			return nil
		}
	}
}

// Exec runs one line and reports whether the shell should keep going.
func (s *Shell) Exec(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	word, rest, _ := strings.Cut(line, " ")
	switch word {
	case ":quit", ":q", ":exit":
		return false
	case ":help":
		fmt.Fprint(s.out, helpText)
	case ":capture":
		s.capture = !s.capture
		fmt.Fprintf(s.out, "capture %s\n", onOff(s.capture))
	case ":reconnect":
		if err := s.conn.Reconnect(); err != nil {
			s.printError(err)
			break
		}
		fmt.Fprintln(s.out, "reconnected")
	case ":raw":
		out, err := s.conn.SendRaw(strings.TrimSpace(rest), nil)
		if err != nil {
			s.printError(err)
			break
		}
		s.printOutput(out)
	case ":bp":
		s.listBreakpoints()
	case ":wp":
		s.listWatchpoints()
	default:
		if strings.HasPrefix(word, ":") {
			fmt.Fprintf(s.out, "unknown shell command %s, try :help\n", word)
			break
		}
		res, err := s.conn.Send(line, s.capture, false, nil)
		if err != nil {
			s.printError(err)
			break
		}
		if !res.OK() {
			fmt.Fprintf(s.out, "command failed with code %d\n", res.RetCode)
		}
		s.printOutput(res.Out)
	}
	return true
}

func (s *Shell) listBreakpoints() {
	bps, err := s.ocd.ListBp()
	if err != nil {
		s.printError(err)
		return
	}
	if len(bps) == 0 {
		fmt.Fprintln(s.out, "no breakpoints")
		return
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tADDR\tSIZE\tORIG")
	for _, bp := range bps {
		orig := "-"
		if bp.OrigInstr != nil {
			orig = fmt.Sprintf("0x%x", *bp.OrigInstr)
		}
		fmt.Fprintf(tw, "%s\t0x%08x\t%d\t%s\n", bp.Kind, bp.Addr, bp.Size, orig)
	}
	_ = tw.Flush()
}

func (s *Shell) listWatchpoints() {
	wps, err := s.ocd.ListWp()
	if err != nil {
		s.printError(err)
		return
	}
	if len(wps) == 0 {
		fmt.Fprintln(s.out, "no watchpoints")
		return
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tADDR\tSIZE\tVALUE\tMASK")
	for _, wp := range wps {
		fmt.Fprintf(tw, "%s\t0x%08x\t%d\t0x%x\t0x%x\n", wp.Kind, wp.Addr, wp.Size, wp.Value, wp.Mask)
	}
	_ = tw.Flush()
}

func (s *Shell) printOutput(out string) {
	if out == "" {
		return
	}
	fmt.Fprint(s.out, out)
	if !strings.HasSuffix(out, "\n") {
		fmt.Fprintln(s.out)
	}
}

func (s *Shell) printError(err error) {
	switch tcl.KindOf(err) {
	case tcl.KindTimeout:
		fmt.Fprintf(s.out, "error: %v (connection rebuilt)\n", err)
	case tcl.KindConnection:
		fmt.Fprintf(s.out, "error: %v (use :reconnect)\n", err)
	default:
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
