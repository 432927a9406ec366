// Package wsserver adapts incoming WebSocket connections to
// ClientSession and Registry: path and origin checks, admission, and
// the handoff into the per-connection session engine.
package wsserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xhd2015/ttyd-go/internal/config"
	"github.com/xhd2015/ttyd-go/internal/registry"
	"github.com/xhd2015/ttyd-go/internal/session"
	"github.com/xhd2015/ttyd-go/internal/ttylog"
)

var upgrader = websocket.Upgrader{
	Subprotocols: []string{config.WSProtocol},
	// Origin policy is enforced explicitly in Handler.ServeHTTP before
	// the connection is ever upgraded, so gorilla's own check is
	// disabled here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler is the WebSocket endpoint's http.Handler.
type Handler struct {
	cfg     *config.ServerConfig
	reg     *registry.Registry
	counter int64
}

// New builds a Handler for the fixed WS path/subprotocol.
func New(cfg *config.ServerConfig, reg *registry.Registry) *Handler {
	return &Handler{cfg: cfg, reg: reg}
}

// reservation is a placeholder Session used to reserve an admission
// slot before the HTTP connection is upgraded, so admission policy is
// evaluated before the WebSocket handshake completes rather than after.
type reservation struct{ id string }

func (r reservation) ID() string { return r.id }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != config.WSPath {
		http.NotFound(w, r)
		return
	}

	if h.cfg.CheckOrigin && !originMatchesHost(r) {
		http.Error(w, "origin mismatch", http.StatusForbidden)
		return
	}

	id := fmt.Sprintf("session-%d", atomic.AddInt64(&h.counter, 1))
	resv := reservation{id: id}
	if !h.reg.Admit(resv) {
		http.Error(w, "server is at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.reg.Remove(resv)
		return
	}

	peerAddress := r.RemoteAddr
	peerHostname := resolvePeerHostname(peerAddress)

	sess := session.New(id, h.cfg, session.WSConn{Conn: conn}, h.reg, peerAddress, peerHostname)
	ttylog.Printf("session %s: established from %s (%s)", id, peerAddress, peerHostname)
	sess.Run()
}

// resolvePeerHostname makes a best-effort, bounded reverse DNS lookup
// of the peer address, falling back to the bare address on failure or
// timeout.
func resolvePeerHostname(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(ctx, host)
	if err != nil || len(names) == 0 {
		return host
	}
	return strings.TrimSuffix(names[0], ".")
}

// originMatchesHost implements the check_origin policy: the Origin
// header's host:port must case-insensitively equal the request Host,
// with the default port for the scheme (80 for http, 443 for https)
// normalized away on both sides.
func originMatchesHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originAddr := normalizedAddr(u.Hostname(), u.Port(), u.Scheme)

	hostname, port := r.Host, ""
	if h, p, err := net.SplitHostPort(r.Host); err == nil {
		hostname, port = h, p
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	hostAddr := normalizedAddr(hostname, port, scheme)

	return strings.EqualFold(originAddr, hostAddr)
}

func normalizedAddr(hostname, port, scheme string) string {
	if port == "" ||
		(scheme == "http" && port == "80") ||
		(scheme == "https" && port == "443") {
		return strings.ToLower(hostname)
	}
	return strings.ToLower(hostname + ":" + port)
}
