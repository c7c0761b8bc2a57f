// Package gateway is the ops RPC surface: a WebSocket endpoint speaking
// the frame protocol in pkg/protocol, plus a plain health route. Bus
// events are fanned out to every connected client.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/cron"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

// Options carries the collaborators the RPC methods operate on. Cron is
// optional; the other fields are required.
type Options struct {
	Config     *config.Config
	ConfigPath string
	Bus        *bus.MessageBus
	Stores     *store.Stores
	Manager    *channels.Manager
	Registry   *channels.Registry
	Cron       *cron.Scheduler
}

// Server accepts ops connections and routes their RPC calls.
type Server struct {
	opts    Options
	router  *MethodRouter
	started time.Time

	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	clients    map[string]*Client
	httpServer *http.Server
}

func NewServer(opts Options) *Server {
	s := &Server{
		opts:    opts,
		clients: map[string]*Client{},
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = NewMethodRouter(s)
	return s
}

// checkOrigin enforces the configured origin whitelist. An empty
// whitelist allows everything; a missing Origin header (CLI, SDK) is
// always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.opts.Config.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway origin rejected", "origin", origin)
	return false
}

// authorized checks the bearer token before the upgrade. No configured
// token means an open gateway (loopback deployments).
func (s *Server) authorized(r *http.Request) bool {
	token := s.opts.Config.Gateway.Token
	if token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ") == token
	}
	return r.URL.Query().Get("token") == token
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	addr := fmt.Sprintf("%s:%d", s.opts.Config.Gateway.Host, s.opts.Config.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway listening", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// BroadcastEvent pushes one event frame to every connected client.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	// Internal cache events stay inside the process.
	s.opts.Bus.Subscribe(c.id, func(event bus.Event) {
		if strings.HasPrefix(event.Name, "cache.") {
			return
		}
		c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
	})

	slog.Info("ops client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.opts.Bus.Unsubscribe(c.id)
	slog.Info("ops client disconnected", "id", c.id)
}
