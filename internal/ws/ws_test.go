package ws

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bingosuite/bingo-ocd/config"
	"github.com/bingosuite/bingo-ocd/internal/debugger"
	"github.com/bingosuite/bingo-ocd/pkg/tcl"
)

func TestWebSocket(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "WebSocket Suite")
}

// startFakeOCD serves a minimal OpenOCD TCL endpoint whose target is always running.
func startFakeOCD() (port int, stop func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				r := bufio.NewReader(conn)
				for {
					frame, err := r.ReadString(tcl.Sentinel)
					if err != nil {
						return
					}
					inner := strings.TrimSuffix(frame, string(tcl.Sentinel))
					if _, rest, ok := strings.Cut(inner, "catch { "); ok {
						inner, _, _ = strings.Cut(rest, " } CMD_OUTPUT")
					}
					out := ""
					switch inner {
					case "[target current] curstate":
						out = "running"
					case "version":
						out = "Open On-Chip Debugger 0.12.0"
					}
					if _, err := conn.Write(tcl.Encode("0 " + out)); err != nil {
						return
					}
				}
			}()
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, func() { _ = ln.Close() }
}

func unreachableOpenOCD() config.OpenOCDConfig {
	cfg := config.Default().OpenOCD
	cfg.Port = 1
	cfg.ConnectRetry = 0
	return cfg
}

func decode[T any](msg Message) T {
	var v T
	Expect(json.Unmarshal(msg.Data, &v)).To(Succeed())
	return v
}

func receiveEvent(c *Connection, typ EventType) Message {
	var found Message
	Eventually(func() bool {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return false
			}
			if msg.Type == string(typ) {
				found = msg
				return true
			}
		default:
		}
		return false
	}, 2*time.Second, 5*time.Millisecond).Should(BeTrue(), "waiting for %s", typ)
	return found
}

func readEvent(conn *websocket.Conn, typ EventType) Message {
	Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
	for {
		var msg Message
		Expect(conn.ReadJSON(&msg)).To(Succeed())
		if msg.Type == string(typ) {
			return msg
		}
	}
}

var _ = Describe("Hub", func() {
	var (
		hub            *Hub
		dbg            *debugger.Debugger
		shutdownCalled *atomic.Bool
		stopped        *atomic.Bool
	)

	BeforeEach(func() {
		dbg = debugger.NewDebugger(unreachableOpenOCD(), logr.Discard())
		hub = NewHub("test-session", time.Minute, dbg, logr.Discard())
		shutdownCalled = &atomic.Bool{}
		stopped = &atomic.Bool{}
		hub.onShutdown = func(string) { shutdownCalled.Store(true) }
		hub.stopDebugger = func() { stopped.Store(true) }
	})

	AfterEach(func() {
		dbg.StopDebug()
		Eventually(hub.Done()).Should(BeClosed())
	})

	Describe("NewHub", func() {
		It("should create a new hub with correct properties", func() {
			Expect(hub.SessionID()).To(Equal("test-session"))
			Expect(hub.idleTimeout).To(Equal(time.Minute))
			Expect(hub.connections).To(BeEmpty())
			Expect(cap(hub.events)).To(Equal(eventBufferSize))
			Expect(cap(hub.commands)).To(Equal(commandBufferSize))
			go hub.Run()
		})
	})

	Context("when running", func() {
		var conn *Connection

		BeforeEach(func() {
			go hub.Run()
			conn = NewConnection(nil, hub, "conn-1")
			hub.Register(conn)
			Eventually(hub.connectionCount).Should(Equal(1))
		})

		It("should shut down when its last connection is dropped for being slow", func() {
			// nothing drains conn.send, so the buffer overflows
			for i := 0; i <= connectionSendBufferSize; i++ {
				hub.Broadcast(Message{Type: string(EventStateUpdate)})
			}

			Eventually(hub.Done()).Should(BeClosed())
			Expect(shutdownCalled.Load()).To(BeTrue())
			Expect(stopped.Load()).To(BeTrue())
			Expect(hub.connectionCount()).To(BeZero())
		})

		It("should forward commands to the debugger", func() {
			hub.SendCommand(Message{Type: string(CmdTcl), Data: json.RawMessage(`{"command":"reg pc","capture":true,"timeoutMs":1500}`)})

			var cmd debugger.DebugCommand
			Eventually(dbg.DebugCommand).Should(Receive(&cmd))
			Expect(cmd.Type).To(Equal(debugger.CmdTcl))
			Expect(cmd.Args.Command).To(Equal("reg pc"))
			Expect(cmd.Args.Capture).To(BeTrue())
			Expect(cmd.Args.TimeoutMs).To(Equal(1500))
			Expect(cmd.Args.Throw).To(BeNil())
		})

		It("should translate exit into quit", func() {
			hub.SendCommand(Message{Type: string(CmdExit)})
			Eventually(dbg.DebugCommand).Should(Receive(Equal(debugger.DebugCommand{Type: debugger.CmdQuit})))
		})

		It("should answer unknown and malformed commands with an error result", func() {
			hub.SendCommand(Message{Type: "teleport"})
			res := decode[CommandResultEvent](receiveEvent(conn, EventCommandResult))
			Expect(res.Command).To(Equal("teleport"))
			Expect(res.Error).NotTo(BeNil())
			Expect(res.Error.Kind).To(Equal("error"))

			hub.SendCommand(Message{Type: string(CmdHalt), Data: json.RawMessage(`"nope"`)})
			res = decode[CommandResultEvent](receiveEvent(conn, EventCommandResult))
			Expect(res.Error.Message).To(ContainSubstring("malformed halt"))
		})

		It("should broadcast debugger results", func() {
			dbg.CommandResult <- debugger.CommandResult{
				Command:     debugger.CmdListBreakpoints,
				Breakpoints: []tcl.BpInfo{{Addr: 0x08000100, Size: 2, Kind: tcl.BpHardware}},
			}

			res := decode[CommandResultEvent](receiveEvent(conn, EventCommandResult))
			Expect(res.Command).To(Equal("listBreakpoints"))
			Expect(res.Error).To(BeNil())

			bps := decode[BreakpointsEvent](receiveEvent(conn, EventBreakpoints))
			Expect(bps.SessionID).To(Equal("test-session"))
			Expect(bps.Breakpoints).To(Equal([]tcl.BpInfo{{Addr: 0x08000100, Size: 2, Kind: tcl.BpHardware}}))
		})

		It("should report errors with their kind", func() {
			failed := tcl.Result{RetCode: 1, Cmd: "halt", Out: "Target not examined yet"}
			dbg.CommandResult <- debugger.CommandResult{
				Command: debugger.CmdTcl,
				Result:  failed,
				Err:     &tcl.CommandFailedError{Result: failed},
			}

			res := decode[CommandResultEvent](receiveEvent(conn, EventCommandResult))
			Expect(res.RetCode).To(Equal(1))
			Expect(res.Out).To(Equal("Target not examined yet"))
			Expect(res.Error.Kind).To(Equal(string(tcl.KindCommandFailed)))
		})

		It("should broadcast state changes and halts", func() {
			dbg.StateChanged <- debugger.StateHalted
			state := decode[StateUpdateEvent](receiveEvent(conn, EventStateUpdate))
			Expect(state.NewState).To(Equal(debugger.StateHalted))

			dbg.Halted <- debugger.HaltEvent{PC: 0x08000204, Symbol: "main+0x4"}
			halt := decode[TargetHaltedEvent](receiveEvent(conn, EventTargetHalted))
			Expect(halt.PC).To(Equal(uint64(0x08000204)))
			Expect(halt.Symbol).To(Equal("main+0x4"))
		})

		It("should broadcast to every connection", func() {
			other := NewConnection(nil, hub, "conn-2")
			hub.Register(other)
			Eventually(hub.connectionCount).Should(Equal(2))

			hub.Broadcast(Message{Type: string(EventStateUpdate)})
			receiveEvent(conn, EventStateUpdate)
			receiveEvent(other, EventStateUpdate)
		})

		It("should shut down when the last connection leaves", func() {
			hub.Unregister(conn)

			Eventually(hub.Done()).Should(BeClosed())
			Expect(shutdownCalled.Load()).To(BeTrue())
			Expect(stopped.Load()).To(BeTrue())
			Eventually(conn.send).Should(BeClosed())
		})

		It("should shut down when the debugger ends", func() {
			dbg.StopDebug()

			Eventually(hub.Done()).Should(BeClosed())
			Expect(shutdownCalled.Load()).To(BeTrue())
		})

		It("should shut down on Close", func() {
			hub.Close()
			hub.Close()

			Eventually(hub.Done()).Should(BeClosed())
			Expect(stopped.Load()).To(BeTrue())
		})

		It("should not block callers after shutdown", func() {
			dbg.StopDebug()
			Eventually(hub.Done()).Should(BeClosed())

			late := NewConnection(nil, hub, "late")
			hub.Register(late)
			hub.SendCommand(Message{Type: string(CmdHalt)})
			hub.Broadcast(Message{Type: string(EventStateUpdate)})
			Expect(late.send).To(BeClosed())
		})
	})

	Describe("IdleTimeout", func() {
		It("should shut down an idle hub without connections", func() {
			hub.idleTimeout = 50 * time.Millisecond
			hub.tickInterval = 20 * time.Millisecond
			go hub.Run()

			Eventually(hub.Done(), 2*time.Second).Should(BeClosed())
			Expect(shutdownCalled.Load()).To(BeTrue())
		})
	})
})

var _ = Describe("Server", func() {
	var (
		ocdPort int
		stopOCD func()
		cfg     *config.Config
		server  *Server
		httpSrv *httptest.Server
		wsURL   string
	)

	dial := func(query string) (*websocket.Conn, *http.Response, error) {
		return websocket.DefaultDialer.Dial(wsURL+query, nil)
	}

	sessions := func() []string {
		resp, err := http.Get(httpSrv.URL + "/sessions")
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = resp.Body.Close() }()
		var ids []string
		Expect(json.NewDecoder(resp.Body).Decode(&ids)).To(Succeed())
		return ids
	}

	BeforeEach(func() {
		ocdPort, stopOCD = startFakeOCD()
		cfg = config.Default()
		cfg.OpenOCD.Host = "127.0.0.1"
		cfg.OpenOCD.Port = ocdPort
		cfg.OpenOCD.ConnectRetry = 0
		cfg.OpenOCD.PollInterval = 50 * time.Millisecond
	})

	JustBeforeEach(func() {
		server = NewServer("127.0.0.1:0", cfg, logr.Discard())
		httpSrv = httptest.NewServer(server.Handler())
		wsURL = "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws/"
	})

	AfterEach(func() {
		server.Shutdown()
		httpSrv.Close()
		stopOCD()
	})

	It("should start with no sessions", func() {
		Expect(sessions()).To(BeEmpty())
	})

	It("should create a session and run commands against OpenOCD", func() {
		conn, _, err := dial("")
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = conn.Close() }()

		started := decode[SessionStartedEvent](readEvent(conn, EventSessionStarted))
		Expect(started.SessionID).NotTo(BeEmpty())
		Expect(sessions()).To(ConsistOf(started.SessionID))

		state := decode[StateUpdateEvent](readEvent(conn, EventStateUpdate))
		Expect(state.NewState).To(Equal(debugger.StateRunning))

		msg, err := NewMessage(string(CmdTcl), debugger.CommandArgs{Command: "version"})
		Expect(err).NotTo(HaveOccurred())
		Expect(conn.WriteJSON(msg)).To(Succeed())

		res := decode[CommandResultEvent](readEvent(conn, EventCommandResult))
		Expect(res.Command).To(Equal("cmd"))
		Expect(res.Out).To(Equal("Open On-Chip Debugger 0.12.0"))
		Expect(res.Error).To(BeNil())
	})

	It("should let a second connection join an existing session", func() {
		first, _, err := dial("")
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = first.Close() }()
		started := decode[SessionStartedEvent](readEvent(first, EventSessionStarted))

		second, _, err := dial("?session=" + started.SessionID)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = second.Close() }()
		joined := decode[SessionStartedEvent](readEvent(second, EventSessionStarted))
		Expect(joined.SessionID).To(Equal(started.SessionID))
		Expect(sessions()).To(HaveLen(1))
	})

	It("should reject unknown sessions", func() {
		_, resp, err := dial("?session=does-not-exist")
		Expect(err).To(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	Context("with a session limit", func() {
		BeforeEach(func() {
			cfg.WebSocket.MaxSessions = 1
		})

		It("should enforce max sessions", func() {
			conn, _, err := dial("")
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = conn.Close() }()
			readEvent(conn, EventSessionStarted)

			_, resp, err := dial("")
			Expect(err).To(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})
	})

	It("should remove the session when the last connection closes", func() {
		conn, _, err := dial("")
		Expect(err).NotTo(HaveOccurred())
		readEvent(conn, EventSessionStarted)
		Expect(sessions()).To(HaveLen(1))

		Expect(conn.Close()).To(Succeed())
		Eventually(sessions, 2*time.Second).Should(BeEmpty())
	})

	Context("when OpenOCD is unreachable", func() {
		BeforeEach(func() {
			cfg.OpenOCD = unreachableOpenOCD()
		})

		It("should report the disconnect and end the session", func() {
			conn, _, err := dial("")
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = conn.Close() }()

			state := decode[StateUpdateEvent](readEvent(conn, EventStateUpdate))
			Expect(state.NewState).To(Equal(debugger.StateDisconnected))
			Eventually(sessions, 2*time.Second).Should(BeEmpty())
		})
	})
})
