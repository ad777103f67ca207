// Package prompt reads command lines for the interactive tools. On a terminal it uses liner for
// line editing and history; otherwise it reads plain lines from the input.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"golang.org/x/term"
)

// ErrAborted is returned when the user presses Ctrl-C at the prompt.
var ErrAborted = errors.New("prompt aborted")

type Editor struct {
	line        *liner.State
	scanner     *bufio.Scanner
	out         io.Writer
	historyPath string
}

// New returns an editor on stdin/stdout. historyFile is relative to the home directory; empty
// disables history.
func New(historyFile string) *Editor {
	if term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd())) {
		return newInteractive(historyFile)
	}
	return NewPlain(os.Stdin, os.Stdout)
}

// NewPlain returns a non-interactive editor reading lines from in and echoing prompts to out.
func NewPlain(in io.Reader, out io.Writer) *Editor {
	return &Editor{scanner: bufio.NewScanner(in), out: out}
}

func newInteractive(historyFile string) *Editor {
	e := &Editor{line: liner.NewLiner()}
	e.line.SetCtrlCAborts(true)

	if historyFile != "" {
		if home, err := os.UserHomeDir(); err == nil {
			e.historyPath = filepath.Join(home, historyFile)
			if f, err := os.Open(e.historyPath); err == nil {
				_, _ = e.line.ReadHistory(f)
				_ = f.Close()
			}
		}
	}
	return e
}

func (e *Editor) Interactive() bool {
	return e.line != nil
}

// SetCompleter installs a word completer, used only in interactive mode.
func (e *Editor) SetCompleter(words []string) {
	if e.line == nil {
		return
	}
	e.line.SetCompleter(func(line string) []string {
		var out []string
		for _, w := range words {
			if strings.HasPrefix(w, line) {
				out = append(out, w)
			}
		}
		return out
	})
}

// Line reads the next line. It returns io.EOF at end of input and ErrAborted on Ctrl-C.
func (e *Editor) Line(p string) (string, error) {
	if e.line == nil {
		fmt.Fprint(e.out, p)
		if !e.scanner.Scan() {
			if err := e.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return e.scanner.Text(), nil
	}

	text, err := e.line.Prompt(p)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", ErrAborted
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) != "" {
		e.line.AppendHistory(text)
	}
	return text, nil
}

// Close restores the terminal and saves history.
func (e *Editor) Close() error {
	if e.line == nil {
		return nil
	}
	if e.historyPath != "" {
		if f, err := os.Create(e.historyPath); err == nil {
			_, _ = e.line.WriteHistory(f)
			_ = f.Close()
		}
	}
	return e.line.Close()
}
