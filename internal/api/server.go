package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sovereign/sovereign/internal/audit"
	"github.com/sovereign/sovereign/internal/config"
	"github.com/sovereign/sovereign/internal/notify"
	"github.com/sovereign/sovereign/internal/outbox"
	"github.com/sovereign/sovereign/internal/session"
	"github.com/sovereign/sovereign/internal/transport"
)

// StatusReporter exposes transport readiness to the health endpoint.
type StatusReporter interface {
	Status() transport.Status
}

// Deps are the collaborators of the API server. Transport may be nil when no
// AI endpoint is configured; message routes then answer 503.
type Deps struct {
	Sessions  *session.Registry
	Filters   *audit.FilterCompiler
	Transport outbox.Transport
	Notifier  notify.Notifier
	Hub       *WebSocketHub
}

// Server is the management API and live feed for the session UI.
type Server struct {
	config    config.ServerConfig
	sessions  *session.Registry
	filters   *audit.FilterCompiler
	transport outbox.Transport
	notifier  notify.Notifier
	wsHub     *WebSocketHub

	mu       sync.Mutex
	outboxes map[string]*outbox.Dispatcher

	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new management API server.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Hub == nil {
		deps.Hub = NewWebSocketHub(logger, cfg.CORS)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard
	}
	s := &Server{
		config:    cfg,
		sessions:  deps.Sessions,
		filters:   deps.Filters,
		transport: deps.Transport,
		notifier:  deps.Notifier,
		wsHub:     deps.Hub,
		outboxes:  make(map[string]*outbox.Dispatcher),
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "api.Server"),
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Capabilities
	s.mux.HandleFunc("GET /api/capabilities", s.handleListCapabilities)
	s.mux.HandleFunc("GET /api/capabilities/{phase}", s.handleGetCapabilities)

	// Sessions
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleEndSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/phase", s.handleTransitionPhase)
	s.mux.HandleFunc("POST /api/sessions/{id}/actions", s.handleLogAction)
	s.mux.HandleFunc("POST /api/sessions/{id}/restrict", s.handleRestrict)
	s.mux.HandleFunc("POST /api/sessions/{id}/release", s.handleRelease)

	// Audit
	s.mux.HandleFunc("GET /api/sessions/{id}/audit", s.handleListAudit)
	s.mux.HandleFunc("GET /api/sessions/{id}/audit/verify", s.handleVerifyAudit)

	// Messages
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleSendMessage)

	// System
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// WebSocket
	s.mux.HandleFunc("GET /api/ws", s.wsHub.HandleWebSocket)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start starts the API server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("management API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server and closes every outbox.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()

	s.mu.Lock()
	boxes := s.outboxes
	s.outboxes = make(map[string]*outbox.Dispatcher)
	s.mu.Unlock()
	for _, d := range boxes {
		d.Close()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// BroadcastSnapshot pushes a session state change to live feed clients.
func (s *Server) BroadcastSnapshot(snap session.Snapshot) {
	s.wsHub.Broadcast(EventSession, snap)
}

// outboxFor returns the dispatcher of a session, creating it on first use.
func (s *Server) outboxFor(sess *session.Session) *outbox.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.outboxes[sess.ID()]; ok {
		return d
	}
	snap := sess.Snapshot()
	d := outbox.New(outbox.Options{
		SessionID: sess.ID(),
		Locale:    snap.Locale,
		Transport: s.transport,
		Recorder:  sess,
		Notifier:  s.notifier,
		Logger:    s.logger,
		OnDelivery: func(d outbox.Delivery) {
			if !d.Flushed {
				return
			}
			ev := map[string]any{
				"session_id":      d.SessionID,
				"conversation_id": d.ConversationID,
				"reply":           d.Reply,
			}
			if d.Err != nil {
				ev["error"] = d.Err.Error()
			}
			s.wsHub.Broadcast(EventDelivery, ev)
		},
	})
	s.outboxes[sess.ID()] = d
	return d
}

func (s *Server) closeOutbox(sessionID string) {
	s.mu.Lock()
	d, ok := s.outboxes[sessionID]
	delete(s.outboxes, sessionID)
	s.mu.Unlock()
	if ok {
		d.Close()
	}
}

// corsMiddleware adds CORS headers for the browser UI.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// APIAddr makes a listen address from a port.
func APIAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
