package shell

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bingosuite/bingo-ocd/internal/prompt"
	"github.com/bingosuite/bingo-ocd/pkg/tcl"
)

type mockConn struct {
	mock.Mock
}

func (m *mockConn) Send(cmd string, capture, throwOnFailure bool, timeout *time.Duration) (tcl.Result, error) {
	args := m.Called(cmd, capture, throwOnFailure, timeout)
	return args.Get(0).(tcl.Result), args.Error(1)
}

func (m *mockConn) SendRaw(cmd string, timeout *time.Duration) (string, error) {
	args := m.Called(cmd, timeout)
	return args.String(0), args.Error(1)
}

func (m *mockConn) Disconnect() {
	m.Called()
}

func (m *mockConn) Reconnect() error {
	return m.Called().Error(0)
}

var noTimeout = (*time.Duration)(nil)

func newShell(capture bool) (*Shell, *mockConn, *bytes.Buffer) {
	conn := &mockConn{}
	var out bytes.Buffer
	return New(conn, &out, capture), conn, &out
}

func TestExecSendsTCL(t *testing.T) {
	s, conn, out := newShell(false)
	conn.On("Send", "version", false, false, noTimeout).
		Return(tcl.Result{Cmd: "version", Out: "Open On-Chip Debugger 0.12.0"}, nil)

	assert.True(t, s.Exec("  version  "))
	assert.Equal(t, "Open On-Chip Debugger 0.12.0\n", out.String())
	conn.AssertExpectations(t)
}

func TestExecReportsFailureCode(t *testing.T) {
	s, conn, out := newShell(false)
	conn.On("Send", "foo", false, false, noTimeout).
		Return(tcl.Result{RetCode: 1, Cmd: "foo", Out: "invalid command name \"foo\""}, nil)

	s.Exec("foo")
	assert.Equal(t, "command failed with code 1\ninvalid command name \"foo\"\n", out.String())
}

func TestCaptureToggle(t *testing.T) {
	s, conn, out := newShell(false)
	conn.On("Send", "reg pc", true, false, noTimeout).Return(tcl.Result{Out: "pc (/32): 0x08000100\n"}, nil)

	s.Exec(":capture")
	s.Exec("reg pc")
	assert.Equal(t, "capture on\npc (/32): 0x08000100\n", out.String())
}

func TestRawAndReconnect(t *testing.T) {
	s, conn, out := newShell(false)
	conn.On("SendRaw", "capture {targets}", noTimeout).Return("    TargetName\n", nil)
	conn.On("Reconnect").Return(nil)

	s.Exec(":raw  capture {targets}")
	s.Exec(":reconnect")
	assert.Equal(t, "    TargetName\nreconnected\n", out.String())
}

func TestErrorsMentionRecovery(t *testing.T) {
	s, conn, out := newShell(false)
	conn.On("Send", "halt", false, false, noTimeout).
		Return(tcl.Result{}, &tcl.CommandTimeoutError{Cmd: "halt", Timeout: time.Second}).Once()
	conn.On("Send", "halt", false, false, noTimeout).
		Return(tcl.Result{}, &tcl.ConnectionError{Message: "cannot send command", Cause: tcl.ErrNotConnected}).Once()

	s.Exec("halt")
	s.Exec("halt")
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "connection rebuilt")
	assert.Contains(t, lines[1], "use :reconnect")
}

func TestListBreakpointsAndWatchpoints(t *testing.T) {
	s, conn, out := newShell(false)
	conn.On("Send", "bp", false, true, noTimeout).Return(tcl.Result{
		Out: "Software breakpoint(IVA): addr=0x08000100, len=0x2, orig_instr=0xbf00\n",
	}, nil)
	conn.On("Send", "wp", false, true, noTimeout).Return(tcl.Result{Out: ""}, nil)

	s.Exec(":bp")
	s.Exec(":wp")
	got := out.String()
	assert.Contains(t, got, "KIND")
	assert.Contains(t, got, "0x08000100")
	assert.Contains(t, got, "0xbf00")
	assert.Contains(t, got, "no watchpoints")
}

func TestRunStopsOnQuitAndEOF(t *testing.T) {
	s, conn, out := newShell(false)
	conn.On("Send", "halt", false, false, noTimeout).Return(tcl.Result{Cmd: "halt"}, nil)

	editor := prompt.NewPlain(strings.NewReader("halt\n:nope\n:quit\nnever sent\n"), out)
	require.NoError(t, s.Run(editor))
	assert.Contains(t, out.String(), "unknown shell command :nope")
	conn.AssertNumberOfCalls(t, "Send", 1)

	s2, _, _ := newShell(false)
	assert.NoError(t, s2.Run(prompt.NewPlain(strings.NewReader(""), out)))
}
