package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/websockify/internal/obs"
	"github.com/matst80/websockify/internal/ratelimit"
	"github.com/matst80/websockify/internal/relay"
)

// ErrDialTarget wraps failures to open the TCP side of a session.
var ErrDialTarget = errors.New("dial target")

// Subprotocol offered to noVNC style clients. Payload is always raw binary.
const Subprotocol = "binary"

// Config holds what the Acceptor needs to turn an upgrade request into a session.
type Config struct {
	Target         string
	DialTimeout    time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	// AllowedOrigins lists accepted Origin hosts; empty accepts any origin.
	AllowedOrigins []string
	TrustProxy     bool
	Relay          relay.Config
}

// Acceptor upgrades inbound requests, dials the target and runs one relay.Pair per session.
type Acceptor struct {
	cfg      Config
	registry *Registry
	limiter  ratelimit.Limiter
	upgrader websocket.Upgrader
	dialer   net.Dialer
}

// NewAcceptor builds an acceptor. limiter may be nil to disable admission limiting.
func NewAcceptor(cfg Config, registry *Registry, limiter ratelimit.Limiter) *Acceptor {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	a := &Acceptor{cfg: cfg, registry: registry, limiter: limiter}
	a.dialer = net.Dialer{Timeout: cfg.DialTimeout}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{Subprotocol},
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

func (a *Acceptor) checkOrigin(r *http.Request) bool {
	if len(a.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range a.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, u.Host) || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	remote := ClientIP(r, a.cfg.TrustProxy)
	if !a.admit(r.Context(), remote) {
		obs.RateLimitedTotal.Inc()
		a.registry.countRateLimited()
		obs.Warn("session.rate_limited", obs.Fields{"remote": remote})
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	if !a.registry.Begin() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer a.registry.End()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied with an HTTP error
		obs.Error("session.upgrade", obs.Fields{"remote": remote, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
		return
	}
	if a.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(a.cfg.MaxMessageSize)
	}

	id, err := NewSessionID()
	if err != nil {
		obs.Error("session.id", obs.Fields{"err": err.Error()})
		_ = conn.Close()
		return
	}
	fields := obs.Fields{"session": id, "remote": remote, "target": a.cfg.Target}

	tcp, err := a.dial()
	if err != nil {
		obs.DialFailuresTotal.Inc()
		a.registry.countDialFailure()
		obs.Error("session.dial", obs.With(fields, "err", err.Error()))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "target unreachable"),
			time.Now().Add(a.cfg.WriteWait))
		_ = conn.Close()
		return
	}

	pair := relay.NewPair(id, tcp, relay.NewWebSocketEndpoint(conn, a.cfg.WriteWait, fields), a.cfg.Relay)
	obs.SessionsTotal.Inc()
	obs.Info("session.start", obs.With(fields, "subprotocol", conn.Subprotocol()))
	a.registry.Run(remote, a.cfg.Target, pair)
}

func (a *Acceptor) admit(ctx context.Context, remote string) bool {
	if a.limiter == nil {
		return true
	}
	ok, err := a.limiter.Allow(ctx, remote)
	if err != nil {
		// fail open: admission continues while the shared limiter is unreachable
		obs.Warn("ratelimit.error", obs.Fields{"remote": remote, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("ratelimit").Inc()
		return true
	}
	return ok
}

func (a *Acceptor) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DialTimeout)
	defer cancel()
	c, err := a.dialer.DialContext(ctx, "tcp", a.cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrDialTarget, a.cfg.Target, err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}

// NewSessionID returns a random 16 character hex session id.
func NewSessionID() (string, error) { return cryptoRandomID(8) }

// cryptoRandomID returns a hex string of n bytes (2n chars).
func cryptoRandomID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
