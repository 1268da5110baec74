// Package gateway is the HTTP+WebSocket front-end: operator API, console
// WebSocket fan-out, the trusted internal PTY channel, and the edge proxy.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codeck-dev/codeck/internal/auth"
	"github.com/codeck-dev/codeck/internal/bus"
	"github.com/codeck-dev/codeck/internal/config"
	"github.com/codeck-dev/codeck/internal/console"
	"github.com/codeck-dev/codeck/pkg/protocol"
)

// RouteRegistrar lets API handler groups register their routes without the
// gateway importing them.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server is the gateway handling WebSocket and HTTP connections.
type Server struct {
	cfg      *config.Config
	eventPub bus.Publisher
	sessions *auth.SessionManager
	console  *console.Manager

	registrars []RouteRegistrar

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server.
func NewServer(cfg *config.Config, eventPub bus.Publisher, sessions *auth.SessionManager, consoleMgr *console.Manager) *Server {
	s := &Server{
		cfg:      cfg,
		eventPub: eventPub,
		sessions: sessions,
		console:  consoleMgr,
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitPerMinute, 10)
	return s
}

// RegisterAPI adds an API handler group to the authenticated surface.
func (s *Server) RegisterAPI(r RouteRegistrar) {
	s.registrars = append(s.registrars, r)
}

// checkOrigin validates the Origin header against the server's own host,
// localhost, and *.<mdns-domain>. Empty Origin (non-browser clients) is
// always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()

	serverHost := r.Host
	if h, _, err := net.SplitHostPort(serverHost); err == nil {
		serverHost = h
	}
	switch {
	case host == serverHost:
		return true
	case host == "localhost" || host == "127.0.0.1" || host == "::1":
		return true
	case s.cfg.Gateway.MDNSDomain != "" && strings.HasSuffix(host, "."+s.cfg.Gateway.MDNSDomain):
		return true
	}
	slog.Warn("security.origin_rejected", "origin", origin, "host", serverHost)
	return false
}

type ctxKey int

const (
	ctxKeyIP ctxKey = iota
	ctxKeyToken
	ctxKeySession
)

// ClientIP returns the request source IP derived by the auth middleware.
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ctxKeyIP).(string)
	return ip
}

// SessionToken returns the validated session token for the request, empty on
// public endpoints.
func SessionToken(ctx context.Context) string {
	t, _ := ctx.Value(ctxKeyToken).(string)
	return t
}

// SessionData returns the authenticated session for the request, nil on
// public endpoints.
func SessionData(ctx context.Context) *auth.SessionData {
	d, _ := ctx.Value(ctxKeySession).(*auth.SessionData)
	return d
}

// sourceIP derives the client IP, honouring proxy headers only when the
// deployment opted in.
func (s *Server) sourceIP(r *http.Request) string {
	if s.cfg.Gateway.TrustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// publicPaths need no session: they bootstrap one.
var publicPaths = map[string]bool{
	"/api/auth/status": true,
	"/api/auth/setup":  true,
	"/api/auth/login":  true,
}

// withAuth derives the source IP for every request and enforces a valid
// session on everything outside the public allowlist.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxKeyIP, s.sourceIP(r))

		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token := bearerToken(r)
		data, err := s.sessions.Validate(token)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"needsAuth": true})
			return
		}
		ctx = context.WithValue(ctx, ctxKeyToken, token)
		ctx = context.WithValue(ctx, ctxKeySession, data)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the session token from the Authorization header or
// the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	api := http.NewServeMux()
	for _, reg := range s.registrars {
		reg.RegisterRoutes(api)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/internal/pty/", s.handleInternalPTY)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/", s.withAuth(api))

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

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

// handleWebSocket authenticates and upgrades the operator WebSocket. A
// one-time ticket is preferred so session tokens stay out of URLs.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var err error
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		_, err = s.sessions.ConsumeTicket(ticket)
	} else {
		_, err = s.sessions.Validate(bearerToken(r))
	}
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"needsAuth": true})
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

// handleInternalPTY serves the trusted daemon's per-session channel. The
// session id is bound to the URL and the shared secret replaces client auth.
func (s *Server) handleInternalPTY(w http.ResponseWriter, r *http.Request) {
	secret := s.cfg.Gateway.InternalSecret
	given := r.URL.Query().Get("_internal")
	if secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(given)) != 1 {
		slog.Warn("security.internal_secret_rejected", "ip", s.sourceIP(r))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/internal/pty/")
	if !validSessionID(sessionID) {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	client.internal = true
	client.limiter = nil
	client.boundSession = sessionID
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	// The URL names the session; attach immediately.
	s.handleConsoleMessage(client, protocol.ConsoleMessage{
		Type:      protocol.ConsoleAttach,
		SessionID: sessionID,
	})
	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// BroadcastEvent sends an event to all connected clients.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
	})

	slog.Info("client connected", "id", c.id, "internal", c.internal)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.eventPub.Unsubscribe(c.id)

	// Drop PTY attachments so sessions stop fanning out to this client.
	for _, id := range c.attachedSessions() {
		if sess, err := s.console.Get(id); err == nil {
			sess.Detach(c.id)
		}
	}
	slog.Info("client disconnected", "id", c.id)
}

// StartTestServer creates a listener on 127.0.0.1:0 and returns the actual
// address and a start function. Used for handler tests.
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
