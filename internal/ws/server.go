package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bingosuite/bingo-ocd/config"
	"github.com/bingosuite/bingo-ocd/internal/debugger"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMaxSessions     = errors.New("max sessions reached")
)

type Server struct {
	addr   string
	hubs   map[string]*Hub
	config config.Config
	mux    *http.ServeMux
	log    logr.Logger

	// parent of every debugger context
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.RWMutex
}

func NewServer(addr string, cfg *config.Config, log logr.Logger) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:   addr,
		hubs:   make(map[string]*Hub),
		config: *cfg,
		mux:    http.NewServeMux(),
		log:    log.WithName("Server"),
		ctx:    ctx,
		cancel: cancel,
	}

	s.mux.HandleFunc("/ws/", s.getOrCreateSession)
	s.mux.HandleFunc("/sessions", s.getSessions)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve listens on the server address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("bingo-ocd WebSocket server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) getSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	sessions := make([]string, 0, len(s.hubs))
	for sessionID := range s.hubs {
		sessions = append(sessions, sessionID)
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		s.log.Error(err, "Error encoding sessions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) getOrCreateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")

	var (
		hub *Hub
		err error
	)
	if sessionID != "" {
		// Only join existing hubs for client-provided session IDs
		hub, err = s.GetHub(sessionID)
		if err != nil {
			s.log.Info("Rejecting connection", "session", sessionID, "reason", err.Error())
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	} else {
		sessionID = uuid.New().String()
		hub, err = s.CreateHub(sessionID)
		if err != nil {
			s.log.Info("Unable to create hub", "session", sessionID, "reason", err.Error())
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error(err, "WebSocket upgrade failed")
		return
	}

	connection := NewConnection(conn, hub, r.RemoteAddr)
	ack, err := NewMessage(string(EventSessionStarted), SessionStartedEvent{
		Type:      EventSessionStarted,
		SessionID: sessionID,
	})
	if err != nil {
		s.log.Error(err, "Failed to marshal sessionStarted")
		_ = conn.Close()
		return
	}
	connection.send <- ack

	go connection.WritePump()
	go connection.ReadPump()
	hub.Register(connection)
}

// GetHub retrieves an existing hub for the given session ID.
func (s *Server) GetHub(sessionID string) (*Hub, error) {
	s.mu.RLock()
	hub, exists := s.hubs[sessionID]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return hub, nil
}

// CreateHub creates a hub for sessionID. Its debugger starts with the first connection.
func (s *Server) CreateHub(sessionID string) (*Hub, error) {
	return s.createHub(sessionID, debugger.NewDebugger(s.config.OpenOCD, s.log))
}

func (s *Server) createHub(sessionID string, d *debugger.Debugger) (*Hub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.hubs[sessionID]; exists {
		return nil, fmt.Errorf("session already exists: %s", sessionID)
	}

	if s.config.WebSocket.MaxSessions > 0 && len(s.hubs) >= s.config.WebSocket.MaxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, s.config.WebSocket.MaxSessions)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	hub := NewHub(sessionID, s.config.WebSocket.IdleTimeout, d, s.log)
	hub.onShutdown = s.removeHub
	hub.stopDebugger = cancel
	hub.startDebugger = func() {
		go func() {
			if err := d.Start(ctx); err != nil {
				s.log.Error(err, "Debugger ended with error", "session", sessionID)
			}
		}()
	}
	s.hubs[sessionID] = hub

	go hub.Run()
	s.log.Info("Created hub", "session", sessionID)

	return hub, nil
}

func (s *Server) removeHub(sessionID string) {
	s.mu.Lock()
	delete(s.hubs, sessionID)
	s.mu.Unlock()
	s.log.Info("Removed hub", "session", sessionID)
}

// Shutdown closes every hub, which stops its debugger and closes its connections.
func (s *Server) Shutdown() {
	s.mu.RLock()
	hubs := make([]*Hub, 0, len(s.hubs))
	for _, hub := range s.hubs {
		hubs = append(hubs, hub)
	}
	s.mu.RUnlock()

	s.log.Info("Shutting down server", "hubs", len(hubs))
	s.cancel()
	for _, hub := range hubs {
		hub.Close()
		select {
		case <-hub.Done():
		case <-time.After(5 * time.Second):
			s.log.Info("Hub did not shut down in time", "session", hub.SessionID())
		}
	}
	s.log.Info("All hubs and debuggers closed")
}
