// Package relay pairs one WebSocket connection with one TCP connection and copies
// bytes in both directions until either side goes away.
//
//	browser <--- websocket ---> [ Pair: upstream / downstream ] <--- tcp ---> target
//
// Each direction is owned by exactly one goroutine: upstream holds the TCP read half
// and the WebSocket write half, downstream holds the WebSocket read half and the TCP
// write half. The only state they share is the Shutdown signal.
package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/websockify/internal/obs"
)

// State is the lifecycle of a session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Direction string

const (
	Upstream   Direction = "upstream"   // tcp -> websocket
	Downstream Direction = "downstream" // websocket -> tcp
)

// Reason is why a copier stopped.
type Reason string

const (
	ReasonShutdown   Reason = "shutdown"
	ReasonPeerClosed Reason = "peer_closed"
	ReasonError      Reason = "error"
)

// Result describes how one copier ended.
type Result struct {
	Direction Direction
	Reason    Reason
	Err       error
	Bytes     int64
	Messages  int64
}

// Config tunes a Pair. Zero values fall back to DefaultConfig.
type Config struct {
	// BufferSize is the upstream read buffer.
	BufferSize int
	// PollInterval bounds a single TCP read so upstream can observe Shutdown.
	PollInterval time.Duration
	// DrainTimeout bounds Draining; once exceeded both connections are closed to
	// unblock the remaining copier. Negative waits forever.
	DrainTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BufferSize:   512 * 1024,
		PollInterval: time.Second,
		DrainTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	return c
}

// Pair is one relay session.
type Pair struct {
	id       string
	tcp      TCPConn
	ws       WSConn
	cfg      Config
	shutdown *Shutdown
	state    atomic.Int32
	done     chan struct{}
	fields   obs.Fields

	closeOnce sync.Once
	started   time.Time // set at construction, read-only afterwards

	// written before done is closed
	upResult   Result
	downResult Result
}

// NewPair takes ownership of both connections. The pair starts in StateConnecting
// and moves to StateActive when Run is called.
func NewPair(id string, tcp TCPConn, ws WSConn, cfg Config) *Pair {
	return &Pair{
		id:       id,
		tcp:      tcp,
		ws:       ws,
		cfg:      cfg.withDefaults(),
		shutdown: NewShutdown(),
		done:     make(chan struct{}),
		fields:   obs.Fields{"session": id},
		started:  time.Now(),
	}
}

func (p *Pair) ID() string         { return p.id }
func (p *Pair) State() State       { return State(p.state.Load()) }
func (p *Pair) Started() time.Time { return p.started }

// Done is closed once the pair reaches StateClosed.
func (p *Pair) Done() <-chan struct{} { return p.done }

// Stop asks both copiers to finish. It does not interrupt an in-flight read or write.
func (p *Pair) Stop() { p.shutdown.Fire() }

// Results returns how each direction ended. Only meaningful after Done.
func (p *Pair) Results() (up, down Result) { return p.upResult, p.downResult }

// Run relays until both copiers have returned and both connections are closed.
// It must be called at most once; later calls return immediately.
func (p *Pair) Run() {
	if !p.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return
	}
	obs.ActiveSessions.Inc()
	obs.Info("session.active", p.fields)

	results := make(chan Result, 2)
	up := &upstream{
		src:          p.tcp,
		dst:          p.ws,
		shutdown:     p.shutdown,
		buf:          make([]byte, p.cfg.BufferSize),
		pollInterval: p.cfg.PollInterval,
		fields:       p.fields,
	}
	down := &downstream{
		src:      p.ws,
		dst:      p.tcp,
		shutdown: p.shutdown,
		fields:   p.fields,
	}
	go func() {
		r := up.run()
		p.shutdown.Fire()
		results <- r
	}()
	go func() {
		r := down.run()
		p.shutdown.Fire()
		results <- r
	}()

	first := <-results
	p.state.Store(int32(StateDraining))
	p.record(first)
	closeSent := false
	if first.Direction == Upstream {
		// upstream no longer writes, so the websocket write half is free; a close
		// frame lets the browser answer and downstream see a clean Close.
		p.sendClose(first)
		closeSent = true
	}

	var timeout <-chan time.Time
	if p.cfg.DrainTimeout > 0 {
		t := time.NewTimer(p.cfg.DrainTimeout)
		defer t.Stop()
		timeout = t.C
	}
	var second Result
	select {
	case second = <-results:
	case <-timeout:
		obs.Info("session.drain_timeout", obs.With(p.fields, "waiting", string(otherDirection(first.Direction))))
		p.closeEndpoints()
		second = <-results
	}
	p.record(second)
	if !closeSent && p.downResult.Reason != ReasonPeerClosed {
		p.sendClose(first)
	}
	p.closeEndpoints()

	p.state.Store(int32(StateClosed))
	obs.ActiveSessions.Dec()
	obs.SessionDurationSeconds.Observe(time.Since(p.started).Seconds())
	obs.Info("session.closed", obs.With(p.fields, "duration", time.Since(p.started).String()))
	close(p.done)
}

func (p *Pair) sendClose(cause Result) {
	if err := p.ws.SendClose(closeCode(cause), closeText(cause)); err != nil {
		obs.Debug("session.close_frame", obs.With(p.fields, "err", err.Error()))
	}
}

func (p *Pair) closeEndpoints() {
	p.closeOnce.Do(func() {
		_ = p.ws.Close()
		_ = p.tcp.Close()
	})
}

func (p *Pair) record(r Result) {
	if r.Direction == Upstream {
		p.upResult = r
	} else {
		p.downResult = r
	}
	obs.CopierTerminationTotal.WithLabelValues(string(r.Direction), string(r.Reason)).Inc()
	f := obs.Fields{
		"session":   p.id,
		"direction": string(r.Direction),
		"reason":    string(r.Reason),
		"bytes":     r.Bytes,
		"messages":  r.Messages,
	}
	if r.Err != nil {
		f["err"] = r.Err.Error()
		obs.ErrorsTotal.WithLabelValues(string(r.Direction)).Inc()
		obs.Error("relay.copier.exit", f)
		return
	}
	obs.Info("relay.copier.exit", f)
}

func closeCode(r Result) int {
	switch r.Reason {
	case ReasonPeerClosed:
		return websocket.CloseNormalClosure
	case ReasonShutdown:
		return websocket.CloseGoingAway
	}
	return websocket.CloseInternalServerErr
}

func closeText(r Result) string {
	switch r.Reason {
	case ReasonPeerClosed:
		return "target closed"
	case ReasonShutdown:
		return "relay stopping"
	}
	return "target error"
}

func otherDirection(d Direction) Direction {
	if d == Upstream {
		return Downstream
	}
	return Upstream
}
