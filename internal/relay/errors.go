package relay

import "errors"

var (
	// ErrEndpointClosed is returned by SendBinary once a close frame has gone out on the
	// WebSocket; the upstream copier treats it as a clean stop.
	ErrEndpointClosed = errors.New("relay: websocket endpoint closed")

	// ErrNoProgress is returned when a TCP write accepts zero bytes without an error.
	ErrNoProgress = errors.New("relay: tcp write made no progress")
)
