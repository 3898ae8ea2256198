package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/websockify/internal/ratelimit"
	"github.com/matst80/websockify/internal/relay"
)

func echoTarget(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

// deadTarget returns an address nothing listens on.
func deadTarget(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func testAcceptorConfig(target string) Config {
	return Config{
		Target:      target,
		DialTimeout: time.Second,
		WriteWait:   time.Second,
		Relay: relay.Config{
			BufferSize:   16 * 1024,
			PollInterval: 10 * time.Millisecond,
			DrainTimeout: 2 * time.Second,
		},
	}
}

func startRelay(t *testing.T, cfg Config, limiter ratelimit.Limiter) (*httptest.Server, *Registry) {
	t.Helper()
	reg := NewRegistry()
	reg.SetReady(true)
	srv := httptest.NewServer(NewRouter("/websockify", "", NewAcceptor(cfg, reg, limiter)))
	t.Cleanup(srv.Close)
	return srv, reg
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/websockify"
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	d := websocket.Dialer{Subprotocols: []string{"binary"}, HandshakeTimeout: 2 * time.Second}
	conn, resp, err := d.Dial(wsURL(srv), header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func TestAcceptorRelaysToTarget(t *testing.T) {
	c := require.New(t)
	srv, reg := startRelay(t, testAcceptorConfig(echoTarget(t)), nil)

	conn, resp, err := dial(t, srv, nil)
	c.NoError(err)
	c.Equal("binary", resp.Header.Get("Sec-WebSocket-Protocol"))

	c.NoError(conn.WriteMessage(websocket.BinaryMessage, []byte("RFB 003.008\n")))
	kind, data, err := conn.ReadMessage()
	c.NoError(err)
	c.Equal(websocket.BinaryMessage, kind)
	c.Equal("RFB 003.008\n", string(data))

	c.Eventually(func() bool { return reg.Len() == 1 }, time.Second, 10*time.Millisecond)
	sessions := reg.Snapshot()
	c.Len(sessions, 1)
	c.Equal("127.0.0.1", sessions[0].Remote)
	c.Equal("active", sessions[0].State)

	c.NoError(conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_, _, err = conn.ReadMessage()
	c.True(websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	c.Eventually(func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	c.EqualValues(1, reg.Stats().TotalSessions)
}

func TestAcceptorDialFailureClosesWebSocket(t *testing.T) {
	c := require.New(t)
	srv, reg := startRelay(t, testAcceptorConfig(deadTarget(t)), nil)

	conn, _, err := dial(t, srv, nil)
	c.NoError(err, "upgrade happens before the dial")

	_, _, err = conn.ReadMessage()
	c.True(websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)
	c.Eventually(func() bool { return reg.Stats().DialFailures == 1 }, time.Second, 10*time.Millisecond)
	c.Equal(0, reg.Len())
	c.EqualValues(0, reg.Stats().TotalSessions, "a failed dial never becomes a session")
}

func TestAcceptorRateLimited(t *testing.T) {
	c := require.New(t)
	srv, reg := startRelay(t, testAcceptorConfig(echoTarget(t)), ratelimit.NewRateLimiter(0, 1, 1))

	_, _, err := dial(t, srv, nil)
	c.NoError(err)

	_, resp, err := dial(t, srv, nil)
	c.ErrorIs(err, websocket.ErrBadHandshake)
	c.Equal(http.StatusTooManyRequests, resp.StatusCode)
	c.EqualValues(1, reg.Stats().RateLimited)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, io.ErrUnexpectedEOF
}

func TestAcceptorLimiterErrorAdmits(t *testing.T) {
	srv, _ := startRelay(t, testAcceptorConfig(echoTarget(t)), failingLimiter{})
	_, _, err := dial(t, srv, nil)
	require.NoError(t, err)
}

func TestAcceptorRequiresUpgrade(t *testing.T) {
	srv, _ := startRelay(t, testAcceptorConfig(echoTarget(t)), nil)
	resp, err := http.Get(srv.URL + "/websockify")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAcceptorRefusesWhileClosing(t *testing.T) {
	c := require.New(t)
	srv, reg := startRelay(t, testAcceptorConfig(echoTarget(t)), nil)
	reg.Close()

	_, resp, err := dial(t, srv, nil)
	c.ErrorIs(err, websocket.ErrBadHandshake)
	c.Equal(http.StatusServiceUnavailable, resp.StatusCode)
	c.False(reg.IsReady())
}

func TestAcceptorOriginCheck(t *testing.T) {
	cfg := testAcceptorConfig(echoTarget(t))
	cfg.AllowedOrigins = []string{"vnc.example.com"}
	srv, _ := startRelay(t, cfg, nil)

	tests := []struct {
		origin string
		ok     bool
	}{
		{origin: "https://vnc.example.com", ok: true},
		{origin: "http://VNC.example.com", ok: true},
		{origin: "https://evil.example.net", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			_, resp, err := dial(t, srv, http.Header{"Origin": []string{tt.origin}})
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestRegistryDrainStopsRemainingSessions(t *testing.T) {
	c := require.New(t)
	srv, reg := startRelay(t, testAcceptorConfig(echoTarget(t)), nil)

	conn, _, err := dial(t, srv, nil)
	c.NoError(err)
	c.Eventually(func() bool { return reg.Len() == 1 }, time.Second, 10*time.Millisecond)

	closeErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeErr <- err
				return
			}
		}
	}()

	reg.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.Equal(1, reg.Drain(ctx))
	c.Equal(0, reg.Len())

	select {
	case err := <-closeErr:
		c.True(websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("browser never saw the close frame")
	}
}

func TestRegistryDrainReturnsWhenIdle(t *testing.T) {
	reg := NewRegistry()
	reg.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	require.Equal(t, 0, reg.Drain(ctx))
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNewSessionID(t *testing.T) {
	c := require.New(t)
	a, err := NewSessionID()
	c.NoError(err)
	b, err := NewSessionID()
	c.NoError(err)
	c.Len(a, 16)
	c.NotEqual(a, b)
}
