package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/websockify/internal/config"
	"github.com/matst80/websockify/internal/obs"
	"github.com/matst80/websockify/internal/ratelimit"
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
		Use:          "websockify",
		Short:        "Relay browser WebSocket sessions to a TCP service",
		Long:         "websockify accepts WebSocket connections (for example from noVNC) and relays each one to a fresh TCP connection to --target.",
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
			return run(ctx, cfg)
		},
	}
	cfg.bindFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *Config) error {
	limiter, memLimiter, closeLimiter, err := newLimiter(cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	reg := server.NewRegistry()
	acceptor := server.NewAcceptor(cfg.acceptorConfig(), reg, limiter)

	ln, err := net.Listen("tcp", cfg.Source)
	if err != nil {
		obs.Error("listen.source", obs.Fields{"err": err.Error(), "addr": cfg.Source})
		return fmt.Errorf("listen %s: %w", cfg.Source, err)
	}
	srv := &http.Server{
		Handler:           server.NewRouter(cfg.Path, cfg.Web, acceptor),
		ReadHeaderTimeout: 10 * time.Second,
	}
	obs.Info("server.start", obs.Fields{
		"source":  ln.Addr().String(),
		"target":  cfg.Target,
		"path":    cfg.Path,
		"web":     cfg.Web,
		"metrics": cfg.MetricsAddr,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("server.serve", obs.Fields{"err": err.Error()})
			return err
		}
		return nil
	})
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = newMetricsServer(cfg.MetricsAddr, reg)
		g.Go(func() error { return serveMetrics(metricsSrv) })
	}
	if memLimiter != nil {
		g.Go(func() error {
			memLimiter.RunCleanup(gctx, cfg.LimiterCleanupInterval, cfg.LimiterIdle)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdown(srv, metricsSrv, reg, cfg.ShutdownGrace)
		return nil
	})

	reg.SetReady(true)
	obs.Info("server.ready", obs.Fields{})
	err = g.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
	return err
}

// shutdown stops accepting, lets live sessions finish within grace, then stops the rest.
func shutdown(srv, metricsSrv *http.Server, reg *server.Registry, grace time.Duration) {
	obs.Info("server.shutdown.signal", obs.Fields{"active": reg.Len(), "grace": grace.String()})
	reg.Close()
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		obs.Warn("server.shutdown.http", obs.Fields{"err": err.Error()})
	}
	if stopped := reg.Drain(ctx); stopped > 0 {
		obs.Warn("server.shutdown.stopped_sessions", obs.Fields{"stopped": stopped})
	}
	if metricsSrv != nil {
		mctx, mcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer mcancel()
		_ = metricsSrv.Shutdown(mctx)
	}
}

// newLimiter returns the admission limiter (nil when limiting is off), the in-memory limiter when
// one needs a cleanup loop, and a close func.
func newLimiter(cfg *Config) (ratelimit.Limiter, *ratelimit.RateLimiter, func(), error) {
	noop := func() {}
	if !cfg.limitingEnabled() {
		return nil, nil, noop, nil
	}
	if cfg.RedisAddr != "" {
		rl, err := ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ConnRate, cfg.ClientConnRate, cfg.Burst)
		if err != nil {
			return nil, nil, noop, err
		}
		return rl, nil, func() { closeQuietly(rl) }, nil
	}
	obs.Info("ratelimit.backend", obs.Fields{"type": "in-memory", "conn_rate": cfg.ConnRate, "client_conn_rate": cfg.ClientConnRate})
	rl := ratelimit.NewRateLimiter(cfg.ConnRate, cfg.ClientConnRate, cfg.Burst)
	return rl, rl, noop, nil
}

func closeQuietly(c io.Closer) {
	if err := c.Close(); err != nil {
		obs.Debug("close", obs.Fields{"err": err.Error()})
	}
}
