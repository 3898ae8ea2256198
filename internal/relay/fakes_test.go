package relay

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// fakeTCP hands out one scripted chunk per Read and records everything written.
type fakeTCP struct {
	reads    chan []byte
	readErr  chan error
	maxWrite int
	writeErr error

	mu        sync.Mutex
	written   bytes.Buffer
	writes    int
	deadline  atomic.Value
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTCP() *fakeTCP {
	return &fakeTCP{
		reads:   make(chan []byte, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTCP) Read(p []byte) (int, error) {
	var timeout <-chan time.Time
	if d, ok := f.deadline.Load().(time.Time); ok && !d.IsZero() {
		t := time.NewTimer(time.Until(d))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case b, ok := <-f.reads:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case err := <-f.readErr:
		return 0, err
	case <-f.closed:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (f *fakeTCP) SetReadDeadline(t time.Time) error {
	f.deadline.Store(t)
	return nil
}

func (f *fakeTCP) Write(p []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, net.ErrClosed
	default:
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	n := len(p)
	if f.maxWrite > 0 && n > f.maxWrite {
		n = f.maxWrite
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written.Write(p[:n])
	f.writes++
	return n, nil
}

func (f *fakeTCP) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTCP) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTCP) bytesWritten() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written.Bytes()...)
}

func (f *fakeTCP) writeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// fakeWS plays the browser. Closing inbound simulates a dropped connection.
type fakeWS struct {
	inbound   chan Message
	echoClose bool
	sendErr   error

	mu          sync.Mutex
	sent        [][]byte
	closeCodes  []int
	peerClosed  bool
	closed      chan struct{}
	closeOnce   sync.Once
	inboundOnce sync.Once
}

func newFakeWS(echoClose bool) *fakeWS {
	return &fakeWS{
		inbound:   make(chan Message, 64),
		echoClose: echoClose,
		closed:    make(chan struct{}),
	}
}

var errDropped = errors.New("websocket: connection dropped")

func (w *fakeWS) Receive() (Message, error) {
	select {
	case m, ok := <-w.inbound:
		if !ok {
			return Message{}, errDropped
		}
		if m.Kind == CloseMessage {
			// gorilla answers a close frame itself before returning it
			w.mu.Lock()
			w.peerClosed = true
			w.mu.Unlock()
		}
		return m, nil
	case <-w.closed:
		return Message{}, net.ErrClosed
	}
}

func (w *fakeWS) SendBinary(p []byte) error {
	if w.sendErr != nil {
		return w.sendErr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.closeCodes) > 0 {
		return ErrEndpointClosed
	}
	w.sent = append(w.sent, append([]byte(nil), p...))
	return nil
}

func (w *fakeWS) SendClose(code int, reason string) error {
	w.mu.Lock()
	if w.peerClosed {
		w.mu.Unlock()
		return nil
	}
	w.closeCodes = append(w.closeCodes, code)
	w.mu.Unlock()
	if w.echoClose {
		w.inbound <- Message{Kind: CloseMessage, CloseCode: code}
	}
	return nil
}

func (w *fakeWS) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

func (w *fakeWS) drop() {
	w.inboundOnce.Do(func() { close(w.inbound) })
}

func (w *fakeWS) messages() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.sent...)
}

func (w *fakeWS) closeFrames() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.closeCodes...)
}

func (w *fakeWS) isClosed() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

func testConfig() Config {
	return Config{
		BufferSize:   64 * 1024,
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: 2 * time.Second,
	}
}
