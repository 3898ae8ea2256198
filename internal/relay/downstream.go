package relay

import (
	"fmt"
	"io"

	"github.com/matst80/websockify/internal/obs"
)

// downstream writes the payload of inbound binary messages to TCP. It observes Shutdown
// when Receive returns: the pair answers a fired signal with a close frame, and the
// browser's reply (or the drain timeout closing the socket) ends the loop.
type downstream struct {
	src      MessageReceiver
	dst      io.Writer
	shutdown *Shutdown
	fields   obs.Fields
}

func (d *downstream) run() Result {
	res := Result{Direction: Downstream}
	bytesTotal := obs.BytesRelayedTotal.WithLabelValues(string(Downstream))
	msgTotal := obs.MessagesRelayedTotal.WithLabelValues(string(Downstream))
	for {
		msg, err := d.src.Receive()
		if err != nil {
			if d.shutdown.Fired() {
				res.Reason = ReasonShutdown
				return res
			}
			res.Reason = ReasonError
			res.Err = fmt.Errorf("receive: %w", err)
			d.shutdown.Fire()
			return res
		}
		switch msg.Kind {
		case BinaryMessage:
			if obs.DebugEnabled() {
				obs.Debug("relay.downstream.chunk", obs.With(d.fields, "bytes", len(msg.Data)))
			}
			n, err := writeFull(d.dst, msg.Data)
			res.Bytes += int64(n)
			bytesTotal.Add(float64(n))
			if err != nil {
				res.Reason = ReasonError
				res.Err = fmt.Errorf("write tcp: %w", err)
				d.shutdown.Fire()
				return res
			}
			res.Messages++
			msgTotal.Inc()
		case CloseMessage:
			obs.Debug("relay.downstream.close_frame", obs.With(d.fields, "code", msg.CloseCode))
			res.Reason = ReasonPeerClosed
			d.shutdown.Fire()
			return res
		default:
			obs.Debug("relay.downstream.ignored", obs.With(d.fields, "kind", msg.Kind.String()))
		}
	}
}

// writeFull keeps writing until all of p is accepted; TCP writers may return short.
func writeFull(w io.Writer, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := w.Write(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, ErrNoProgress
		}
	}
	return written, nil
}
