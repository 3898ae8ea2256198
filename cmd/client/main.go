package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/websockify/internal/config"
	"github.com/matst80/websockify/internal/obs"
	"github.com/matst80/websockify/internal/relay"
	"github.com/matst80/websockify/internal/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &Config{}
	cmd := &cobra.Command{
		Use:          "websockify-client",
		Short:        "Expose a websockify endpoint as a local TCP port",
		Long:         "websockify-client accepts local TCP connections (for example from a native VNC viewer) and bridges each one over its own WebSocket to a websockify server.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Resolve(cmd.Flags(), envPrefix); err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			closeLog, err := obs.Setup(ctx, cfg.LogFormat, cfg.LogFile)
			if err != nil {
				return err
			}
			defer closeLog()
			obs.EnableDebug(cfg.Debug)
			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Listen, err)
			}
			return newBridge(cfg).serve(ctx, ln)
		},
	}
	cfg.bindFlags(cmd.Flags())
	return cmd
}

type bridge struct {
	cfg      *Config
	dialer   websocket.Dialer
	registry *server.Registry
}

func newBridge(cfg *Config) *bridge {
	return &bridge{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
			Subprotocols:     []string{server.Subprotocol},
		},
		registry: server.NewRegistry(),
	}
}

// serve accepts until ctx is done, then waits up to the grace period before stopping sessions.
func (b *bridge) serve(ctx context.Context, ln net.Listener) error {
	obs.Info("client.start", obs.Fields{"listen": ln.Addr().String(), "url": b.cfg.URL})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			c, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					obs.Error("accept.timeout", obs.Fields{"err": err.Error()})
					continue
				}
				return fmt.Errorf("accept: %w", err)
			}
			if !b.registry.Begin() {
				_ = c.Close()
				return nil
			}
			go func() {
				defer b.registry.End()
				b.handle(c)
			}()
		}
	})
	err := g.Wait()

	b.registry.Close()
	grace, cancel := context.WithTimeout(context.Background(), b.cfg.GracePeriod)
	defer cancel()
	stopped := b.registry.Drain(grace)
	obs.Info("client.shutdown.complete", obs.Fields{"stopped": stopped})
	return err
}

func (b *bridge) handle(c net.Conn) {
	remote := c.RemoteAddr().String()
	id, err := server.NewSessionID()
	if err != nil {
		obs.Error("session.id", obs.Fields{"err": err.Error()})
		_ = c.Close()
		return
	}
	fields := obs.Fields{"session": id, "remote": remote, "url": b.cfg.URL}

	header := http.Header{}
	if b.cfg.Origin != "" {
		header.Set("Origin", b.cfg.Origin)
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DialTimeout)
	ws, resp, err := b.dialer.DialContext(ctx, b.cfg.URL, header)
	cancel()
	if err != nil {
		f := obs.With(fields, "err", err.Error())
		if resp != nil {
			f["status"] = resp.StatusCode
		}
		obs.Error("session.dial", f)
		obs.DialFailuresTotal.Inc()
		_ = c.Close()
		return
	}

	pair := relay.NewPair(id, c, relay.NewWebSocketEndpoint(ws, b.cfg.WriteWait, fields), b.cfg.relayConfig())
	obs.SessionsTotal.Inc()
	obs.Info("session.start", fields)
	b.registry.Run(remote, b.cfg.URL, pair)
}
