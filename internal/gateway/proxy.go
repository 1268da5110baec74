package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/codeck-dev/codeck/internal/config"
)

// Proxy is the edge-mode front-end: it forwards HTTP to the runtime daemon
// and bridges WebSocket connections, authenticating to the runtime with the
// shared internal secret.
type Proxy struct {
	cfg     *config.Config
	runtime *url.URL
	reverse *httputil.ReverseProxy

	httpServer *http.Server
}

// NewProxy creates an edge proxy targeting cfg.Gateway.RuntimeURL.
func NewProxy(cfg *config.Config) (*Proxy, error) {
	if cfg.Gateway.RuntimeURL == "" {
		return nil, fmt.Errorf("gateway mode requires runtime_url")
	}
	target, err := url.Parse(cfg.Gateway.RuntimeURL)
	if err != nil {
		return nil, fmt.Errorf("parse runtime_url: %w", err)
	}
	return &Proxy{
		cfg:     cfg,
		runtime: target,
		reverse: httputil.NewSingleHostReverseProxy(target),
	}, nil
}

// ServeHTTP forwards plain HTTP and bridges WebSocket upgrades.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		p.bridgeWS(w, r)
		return
	}
	p.reverse.ServeHTTP(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// bridgeWS accepts the client connection and pipes it to the runtime's
// matching endpoint, carrying the client's query plus the internal secret.
func (p *Proxy) bridgeWS(w http.ResponseWriter, r *http.Request) {
	downstream, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin enforcement happens at the runtime
	})
	if err != nil {
		slog.Error("edge accept failed", "error", err)
		return
	}

	target := *p.runtime
	target.Path = r.URL.Path
	query := r.URL.Query()
	if p.cfg.Gateway.InternalSecret != "" {
		query.Set("_internal", p.cfg.Gateway.InternalSecret)
	}
	target.RawQuery = query.Encode()
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}

	dialCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	upstream, _, err := websocket.Dial(dialCtx, target.String(), nil)
	cancel()
	if err != nil {
		slog.Error("edge dial failed", "target", target.Host, "error", err)
		downstream.Close(websocket.StatusBadGateway, "runtime unreachable")
		return
	}

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	down := websocket.NetConn(ctx, downstream, websocket.MessageText)
	up := websocket.NetConn(ctx, upstream, websocket.MessageText)

	errc := make(chan error, 2)
	go func() { _, err := io.Copy(up, down); errc <- err }()
	go func() { _, err := io.Copy(down, up); errc <- err }()
	<-errc

	downstream.Close(websocket.StatusNormalClosure, "")
	upstream.Close(websocket.StatusNormalClosure, "")
}

// Start serves the edge proxy until ctx is cancelled.
func (p *Proxy) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", p.cfg.Gateway.Host, p.cfg.Gateway.Port)
	p.httpServer = &http.Server{Addr: addr, Handler: p}

	slog.Info("edge proxy starting", "addr", addr, "runtime", p.runtime.String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.httpServer.Shutdown(shutdownCtx)
	}()

	if err := p.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("edge proxy: %w", err)
	}
	return nil
}
