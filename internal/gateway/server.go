// Package gateway is the streaming front door: a WebSocket session channel
// multiplexing token-streamed replies and slash commands, plus the HTTP
// surface (webhooks, operator tool invocation, health, metrics).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devforgehq/forged/internal/config"
	"github.com/devforgehq/forged/internal/llm"
	"github.com/devforgehq/forged/internal/memory"
	"github.com/devforgehq/forged/internal/metrics"
	"github.com/devforgehq/forged/internal/orchestrator"
	"github.com/devforgehq/forged/internal/sessions"
	"github.com/devforgehq/forged/internal/store"
	"github.com/devforgehq/forged/internal/tools"
	"github.com/devforgehq/forged/internal/webhook"
	"github.com/devforgehq/forged/pkg/protocol"
)

// Server is the gateway process front end.
type Server struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	sessions *sessions.Manager
	turns    store.TurnStore
	memBank  *memory.Bank
	registry *tools.Registry
	chain    *llm.Chain
	metrics  *metrics.Metrics
	ingress  *webhook.Ingress // nil when no webhook secret is configured

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// Deps wires the server.
type Deps struct {
	Config   *config.Config
	Orch     *orchestrator.Orchestrator
	Sessions *sessions.Manager
	Turns    store.TurnStore
	Memory   *memory.Bank
	Registry *tools.Registry
	Chain    *llm.Chain
	Metrics  *metrics.Metrics
	Ingress  *webhook.Ingress
}

// NewServer creates the gateway server.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		orch:     d.Orch,
		sessions: d.Sessions,
		turns:    d.Turns,
		memBank:  d.Memory,
		registry: d.Registry,
		chain:    d.Chain,
		metrics:  d.Metrics,
		ingress:  d.Ingress,
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(d.Config.Gateway.RatePerHour)
	return s
}

// checkOrigin validates the Origin header against the configured whitelist.
// No configured origins = allow all; an empty Origin (CLI/SDK clients) is
// always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
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

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/commands/", s.handleCommand)
	if s.ingress != nil {
		mux.HandleFunc("/webhooks/", s.ingress.HandleHTTP)
	}

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr, "protocol", protocol.ProtocolVersion)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades and runs one session channel.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if token := s.cfg.Gateway.Token; token != "" {
		if bearerToken(r) != token && r.URL.Query().Get("token") != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s, principalFor(r, s.cfg.Gateway.Token))
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run()
}

// handleHealth reports liveness; 503 when the provider chain is exhausted.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.chain != nil && !s.chain.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"degraded","reason":"llm chain exhausted","protocol":%d}`, protocol.ProtocolVersion)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d,"protocol":%d}`, s.sessions.Count(), protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.session.ID] = c
	s.mu.Unlock()
	s.metrics.SessionsActive.Inc()
	slog.Info("client connected", "session", c.session.ID)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.session.ID)
	s.mu.Unlock()
	s.metrics.SessionsActive.Dec()
	s.sessions.CloseChannel(c.session.ID)
	slog.Info("client disconnected", "session", c.session.ID)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// principalFor identifies the caller for rate limiting: the bearer token
// when presented, the remote address otherwise.
func principalFor(r *http.Request, configured string) string {
	if t := bearerToken(r); t != "" {
		return "token:" + t
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return "token:" + t
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StartTestServer listens on 127.0.0.1:0 and returns the address plus a
// start function. Integration tests use it to exercise real WS traffic.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.httpServer.Serve(ln)
	}
	return addr, start
}
