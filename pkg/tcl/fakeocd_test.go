package tcl

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// reply is how the fake server answers one command. Raw bytes win over the emulated
// "<retcode> <out>" response when set.
type reply struct {
	retcode int
	out     string
	raw     []byte
	delay   time.Duration
	after   []byte // written after a further delay, to leave unread bytes on the socket
	close   bool
	silent  bool
}

// fakeOCD is a minimal OpenOCD TCL server. Commands are matched by the user command when
// they were wrapped by WrapCommand, and by the raw text otherwise.
type fakeOCD struct {
	ln      net.Listener
	mu      sync.Mutex
	replies map[string]reply
	cmds    []string
	conns   []net.Conn
	accepts atomic.Int32
}

func newFakeOCD() *fakeOCD {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	f := &fakeOCD{ln: ln, replies: make(map[string]reply)}
	go f.serve()
	return f
}

func (f *fakeOCD) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeOCD) on(cmd string, r reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[cmd] = r
}

func (f *fakeOCD) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

func (f *fakeOCD) stopListening() {
	_ = f.ln.Close()
}

func (f *fakeOCD) close() {
	_ = f.ln.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
}

func (f *fakeOCD) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.accepts.Add(1)
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.handle(conn)
	}
}

func (f *fakeOCD) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	r := bufio.NewReader(conn)
	for {
		frame, err := r.ReadString(Sentinel)
		if err != nil {
			return
		}
		raw := strings.TrimSuffix(frame, string(Sentinel))
		key := unwrap(raw)

		f.mu.Lock()
		f.cmds = append(f.cmds, raw)
		rep, ok := f.replies[key]
		f.mu.Unlock()
		if !ok {
			rep = reply{}
		}

		time.Sleep(rep.delay)
		switch {
		case rep.close:
			return
		case rep.silent:
			continue
		case rep.raw != nil:
			_, _ = conn.Write(rep.raw)
		default:
			_, _ = conn.Write(Encode(formatReply(rep)))
		}
		if rep.after != nil {
			time.Sleep(50 * time.Millisecond)
			_, _ = conn.Write(rep.after)
		}
	}
}

// formatReply mimics `return "$CMD_RETCODE $CMD_OUTPUT"`, which always has the space.
func formatReply(r reply) string {
	return strconv.Itoa(r.retcode) + " " + r.out
}

// unwrap recovers the user command from the text produced by WrapCommand.
func unwrap(raw string) string {
	const prefix = "set CMD_RETCODE [ catch { "
	const suffix = " } CMD_OUTPUT ] ; return \"$CMD_RETCODE $CMD_OUTPUT\" ; "
	if !strings.HasPrefix(raw, prefix) || !strings.HasSuffix(raw, suffix) {
		return raw
	}
	cmd := strings.TrimSuffix(strings.TrimPrefix(raw, prefix), suffix)
	if strings.HasPrefix(cmd, "capture { ") && strings.HasSuffix(cmd, " }") {
		cmd = strings.TrimSuffix(strings.TrimPrefix(cmd, "capture { "), " }")
	}
	return cmd
}
