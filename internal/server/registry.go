package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matst80/websockify/internal/relay"
)

// Session is the bookkeeping kept for one running relay.
type Session struct {
	Remote string
	Target string
	pair   *relay.Pair
}

// SessionInfo is the exported view of a session for /api/state and the dashboard.
type SessionInfo struct {
	ID      string    `json:"id"`
	Remote  string    `json:"remote"`
	Target  string    `json:"target"`
	State   string    `json:"state"`
	Started time.Time `json:"started"`
	Age     string    `json:"age"`
}

// Registry tracks live sessions and process readiness. It holds nothing that must survive a restart.
type Registry struct {
	mu            sync.Mutex
	sessions      map[string]*Session
	inflight      sync.WaitGroup
	closing       bool
	stopping      bool
	ready         bool
	totalSessions int64
	dialFailures  int64
	rateLimited   int64
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Begin reserves a slot for a new session. It fails once Close has been called; every
// successful Begin must be paired with End.
func (r *Registry) Begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.inflight.Add(1)
	return true
}

func (r *Registry) End() { r.inflight.Done() }

// Run registers pair, relays until it is closed and unregisters it. The caller must hold a
// slot from Begin.
func (r *Registry) Run(remote, target string, pair *relay.Pair) {
	if !r.add(&Session{Remote: remote, Target: target, pair: pair}) {
		pair.Stop()
	}
	defer r.remove(pair.ID())
	pair.Run()
}

// add records a session. It returns false when StopAll already ran, in which case the
// caller must stop the pair itself.
func (r *Registry) add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.pair.ID()] = s
	r.totalSessions++
	return !r.stopping
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) countDialFailure() {
	r.mu.Lock()
	r.dialFailures++
	r.mu.Unlock()
}

func (r *Registry) countRateLimited() {
	r.mu.Lock()
	r.rateLimited++
	r.mu.Unlock()
}

func (r *Registry) SetReady(ready bool) { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *Registry) IsReady() bool       { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }
func (r *Registry) IsClosing() bool     { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot lists live sessions, oldest first.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	now := time.Now()
	for id, s := range r.sessions {
		out = append(out, SessionInfo{
			ID:      id,
			Remote:  s.Remote,
			Target:  s.Target,
			State:   s.pair.State().String(),
			Started: s.pair.Started(),
			Age:     now.Sub(s.pair.Started()).Truncate(time.Second).String(),
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// StopAll fires the shutdown signal of every live session and returns how many were signalled.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	r.stopping = r.closing
	pairs := make([]*relay.Pair, 0, len(r.sessions))
	for _, s := range r.sessions {
		pairs = append(pairs, s.pair)
	}
	r.mu.Unlock()
	for _, p := range pairs {
		p.Stop()
	}
	return len(pairs)
}

// Close stops admitting new sessions and marks the process not ready. Live sessions are untouched.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closing = true
	r.ready = false
	r.mu.Unlock()
}

// Drain waits for every admitted session to finish. If ctx ends first, each remaining session is
// asked to stop and Drain waits for them to reach Closed. It returns how many sessions were stopped.
func (r *Registry) Drain(ctx context.Context) int {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return 0
	case <-ctx.Done():
	}
	stopped := r.StopAll()
	<-done
	return stopped
}
