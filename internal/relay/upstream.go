package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/matst80/websockify/internal/obs"
)

// upstream copies TCP reads into binary WebSocket messages, one message per read.
type upstream struct {
	src          TCPReader
	dst          MessageSender
	shutdown     *Shutdown
	buf          []byte
	pollInterval time.Duration
	fields       obs.Fields
}

func (u *upstream) run() Result {
	res := Result{Direction: Upstream}
	bytesTotal := obs.BytesRelayedTotal.WithLabelValues(string(Upstream))
	msgTotal := obs.MessagesRelayedTotal.WithLabelValues(string(Upstream))
	for {
		if u.shutdown.Fired() {
			res.Reason = ReasonShutdown
			return res
		}
		if u.pollInterval > 0 {
			if err := u.src.SetReadDeadline(time.Now().Add(u.pollInterval)); err != nil {
				return u.fail(res, fmt.Errorf("set read deadline: %w", err))
			}
		}
		n, err := u.src.Read(u.buf)
		if n > 0 {
			if obs.DebugEnabled() {
				obs.Debug("relay.upstream.chunk", obs.With(u.fields, "bytes", n))
			}
			if serr := u.dst.SendBinary(u.buf[:n]); serr != nil {
				if errors.Is(serr, ErrEndpointClosed) || u.shutdown.Fired() {
					res.Reason = ReasonShutdown
					u.shutdown.Fire()
					return res
				}
				return u.fail(res, fmt.Errorf("send binary: %w", serr))
			}
			res.Bytes += int64(n)
			res.Messages++
			bytesTotal.Add(float64(n))
			msgTotal.Inc()
		}
		if err != nil {
			switch {
			case isTimeout(err):
				// nothing arrived within the poll interval
				continue
			case errors.Is(err, io.EOF):
				res.Reason = ReasonPeerClosed
				u.shutdown.Fire()
				return res
			case u.shutdown.Fired():
				// the pair closed the socket while draining
				res.Reason = ReasonShutdown
				return res
			default:
				return u.fail(res, fmt.Errorf("read tcp: %w", err))
			}
		}
		if n == 0 {
			runtime.Gosched()
		}
	}
}

func (u *upstream) fail(res Result, err error) Result {
	res.Reason = ReasonError
	res.Err = err
	u.shutdown.Fire()
	return res
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
