package relay

import "sync/atomic"

// Shutdown is the one-shot stop signal shared by the two copiers of a session.
// Fire may be called any number of times from any goroutine; only the first call
// has an effect.
type Shutdown struct {
	fired atomic.Bool
	ch    chan struct{}
}

func NewShutdown() *Shutdown {
	return &Shutdown{ch: make(chan struct{})}
}

// Fire reports whether this call was the one that set the signal.
func (s *Shutdown) Fire() bool {
	if s.fired.CompareAndSwap(false, true) {
		close(s.ch)
		return true
	}
	return false
}

// Fired is the cheap non-blocking poll used between copier iterations.
func (s *Shutdown) Fired() bool { return s.fired.Load() }

// Done is closed once the signal fires.
func (s *Shutdown) Done() <-chan struct{} { return s.ch }
