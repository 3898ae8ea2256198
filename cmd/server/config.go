package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/matst80/websockify/internal/config"
	"github.com/matst80/websockify/internal/relay"
	"github.com/matst80/websockify/internal/server"
)

const envPrefix = "WEBSOCKIFY"

// Config holds all runtime configuration derived from flags, env and the optional YAML file.
type Config struct {
	Web            string
	Target         string
	Source         string
	Path           string
	MetricsAddr    string
	BufferSize     int
	PollInterval   time.Duration
	DrainTimeout   time.Duration
	DialTimeout    time.Duration
	WriteWait      time.Duration
	ShutdownGrace  time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
	TrustProxy     bool
	// admission limiting
	ConnRate               int
	ClientConnRate         int
	Burst                  int
	LimiterCleanupInterval time.Duration
	LimiterIdle            time.Duration
	RedisAddr              string
	RedisPassword          string
	RedisDB                int

	LogFormat string
	LogFile   string
	Debug     bool
}

func (c *Config) bindFlags(fs *pflag.FlagSet) {
	d := relay.DefaultConfig()
	fs.StringVarP(&c.Web, "web", "w", "", "directory served for non-websocket paths (e.g. a noVNC checkout)")
	fs.StringVarP(&c.Target, "target", "t", "127.0.0.1:5900", "TCP address every session is relayed to")
	fs.StringVarP(&c.Source, "source", "s", "127.0.0.1:9000", "listen address for browsers")
	fs.StringVar(&c.Path, "path", "/websockify", "URL path accepting websocket upgrades")
	fs.StringVar(&c.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address (empty disables)")
	fs.IntVar(&c.BufferSize, "buffer-size", d.BufferSize, "bytes read from the target per websocket message")
	fs.DurationVar(&c.PollInterval, "poll-interval", d.PollInterval, "upper bound on a single target read before the shutdown signal is polled")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", d.DrainTimeout, "how long a session may drain before both connections are closed (negative waits forever)")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", 10*time.Second, "timeout for connecting to the target")
	fs.DurationVar(&c.WriteWait, "write-wait", 10*time.Second, "deadline for each websocket write")
	fs.DurationVar(&c.ShutdownGrace, "shutdown-grace", 30*time.Second, "time sessions get to finish on SIGTERM before they are stopped")
	fs.Int64Var(&c.MaxMessageSize, "max-message-size", 0, "largest inbound websocket message in bytes (0 = unlimited)")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", nil, "accepted Origin hosts; empty accepts any")
	fs.BoolVar(&c.TrustProxy, "trust-proxy", false, "attribute sessions to X-Forwarded-For / X-Real-IP")
	fs.IntVar(&c.ConnRate, "conn-rate", 0, "global new sessions per second (0 = unlimited)")
	fs.IntVar(&c.ClientConnRate, "client-conn-rate", 0, "new sessions per second per client address (0 = unlimited)")
	fs.IntVar(&c.Burst, "burst", 10, "burst allowance for both session rates")
	fs.DurationVar(&c.LimiterCleanupInterval, "limiter-cleanup-interval", time.Minute, "how often idle per-client buckets are swept")
	fs.DurationVar(&c.LimiterIdle, "limiter-idle", 10*time.Minute, "per-client bucket idle time before it is dropped")
	fs.StringVar(&c.RedisAddr, "redis", "", "redis address; shares admission limits across instances")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database")
	fs.StringVar(&c.LogFormat, "log-format", "json", "log format: json, text or mozlog")
	fs.StringVar(&c.LogFile, "log-file", "", "also write logs to this file, rolled daily and at 100 MB")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
	config.BindFileFlags(fs)
}

func (c *Config) validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Target); err != nil {
		errs = append(errs, fmt.Errorf("--target %q: %w", c.Target, err))
	}
	if _, _, err := net.SplitHostPort(c.Source); err != nil {
		errs = append(errs, fmt.Errorf("--source %q: %w", c.Source, err))
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("--path %q must start with /", c.Path))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, errors.New("--buffer-size must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("--poll-interval must be positive"))
	}
	if c.ConnRate < 0 || c.ClientConnRate < 0 || c.Burst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) limitingEnabled() bool { return c.ConnRate > 0 || c.ClientConnRate > 0 }

func (c *Config) acceptorConfig() server.Config {
	return server.Config{
		Target:         c.Target,
		DialTimeout:    c.DialTimeout,
		WriteWait:      c.WriteWait,
		MaxMessageSize: c.MaxMessageSize,
		AllowedOrigins: c.AllowedOrigins,
		TrustProxy:     c.TrustProxy,
		Relay: relay.Config{
			BufferSize:   c.BufferSize,
			PollInterval: c.PollInterval,
			DrainTimeout: c.DrainTimeout,
		},
	}
}
