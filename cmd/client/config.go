package main

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/spf13/pflag"

	"github.com/matst80/websockify/internal/config"
	"github.com/matst80/websockify/internal/relay"
)

const envPrefix = "WEBSOCKIFY_CLIENT"

// Config holds client runtime configuration.
type Config struct {
	Listen       string
	URL          string
	Origin       string
	DialTimeout  time.Duration
	WriteWait    time.Duration
	BufferSize   int
	PollInterval time.Duration
	DrainTimeout time.Duration
	GracePeriod  time.Duration
	LogFormat    string
	LogFile      string
	Debug        bool
}

func (c *Config) bindFlags(fs *pflag.FlagSet) {
	d := relay.DefaultConfig()
	fs.StringVarP(&c.Listen, "listen", "l", "127.0.0.1:5901", "local TCP address to accept connections on")
	fs.StringVarP(&c.URL, "url", "u", "ws://127.0.0.1:9000/websockify", "websockify endpoint each local connection is bridged to")
	fs.StringVar(&c.Origin, "origin", "", "Origin header sent with the upgrade request")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", 10*time.Second, "websocket handshake timeout")
	fs.DurationVar(&c.WriteWait, "write-wait", 10*time.Second, "deadline for each websocket write")
	fs.IntVar(&c.BufferSize, "buffer-size", d.BufferSize, "bytes read from a local connection per websocket message")
	fs.DurationVar(&c.PollInterval, "poll-interval", d.PollInterval, "upper bound on a single local read before the shutdown signal is polled")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", d.DrainTimeout, "how long a session may drain before both connections are closed")
	fs.DurationVar(&c.GracePeriod, "grace-period", 0, "time to wait for active sessions to drain after shutdown signal (0 = immediate)")
	fs.StringVar(&c.LogFormat, "log-format", "text", "log format: json, text or mozlog")
	fs.StringVar(&c.LogFile, "log-file", "", "also write logs to this file, rolled daily and at 100 MB")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
	config.BindFileFlags(fs)
}

func (c *Config) validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("--listen %q: %w", c.Listen, err))
	}
	u, err := url.Parse(c.URL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("--url: %w", err))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Errorf("--url %q: scheme must be ws or wss", c.URL))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("--url %q: missing host", c.URL))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, errors.New("--buffer-size must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("--poll-interval must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) relayConfig() relay.Config {
	return relay.Config{BufferSize: c.BufferSize, PollInterval: c.PollInterval, DrainTimeout: c.DrainTimeout}
}
