package relay

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/websockify/internal/obs"
)

// MessageKind classifies a message received from the WebSocket side.
type MessageKind int

const (
	BinaryMessage MessageKind = iota
	TextMessage
	CloseMessage
	PingMessage
	PongMessage
)

func (k MessageKind) String() string {
	switch k {
	case BinaryMessage:
		return "binary"
	case TextMessage:
		return "text"
	case CloseMessage:
		return "close"
	case PingMessage:
		return "ping"
	case PongMessage:
		return "pong"
	}
	return "unknown"
}

// Message is one inbound WebSocket message. Only Binary messages carry relayed payload.
type Message struct {
	Kind MessageKind
	Data []byte
	// CloseCode is set for CloseMessage.
	CloseCode int
}

// TCPReader is the read half of the TCP endpoint. The deadline bounds each read so
// the owning copier gets back to its shutdown poll even when the peer is idle.
type TCPReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// MessageReceiver is the read half of the WebSocket endpoint.
type MessageReceiver interface {
	Receive() (Message, error)
}

// MessageSender is the write half of the WebSocket endpoint.
type MessageSender interface {
	SendBinary(p []byte) error
}

// TCPConn is the TCP endpoint handed to a Pair. A net.Conn satisfies it.
type TCPConn interface {
	TCPReader
	io.Writer
	io.Closer
}

// WSConn is the WebSocket endpoint handed to a Pair.
type WSConn interface {
	MessageReceiver
	MessageSender
	// SendClose writes a close frame; it may run concurrently with Receive.
	SendClose(code int, reason string) error
	io.Closer
}

// WebSocketEndpoint adapts a gorilla connection to WSConn. gorilla allows one
// concurrent reader and one concurrent writer, which is exactly the split the
// two copiers use.
type WebSocketEndpoint struct {
	conn      *websocket.Conn
	writeWait time.Duration
	fields    obs.Fields
}

// NewWebSocketEndpoint wraps conn. Pings are answered from inside Receive, pongs are
// only logged.
func NewWebSocketEndpoint(conn *websocket.Conn, writeWait time.Duration, fields obs.Fields) *WebSocketEndpoint {
	e := &WebSocketEndpoint{conn: conn, writeWait: writeWait, fields: fields}
	conn.SetPingHandler(e.handlePing)
	conn.SetPongHandler(e.handlePong)
	return e
}

func (e *WebSocketEndpoint) handlePing(data string) error {
	obs.Debug("ws.ping", e.fields)
	err := e.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(e.writeWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil
	}
	return err
}

func (e *WebSocketEndpoint) handlePong(string) error {
	obs.Debug("ws.pong", e.fields)
	return nil
}

// Receive blocks for the next data or close message. A dropped connection
// (1006, or any read failure) is returned as an error, not as a Close.
func (e *WebSocketEndpoint) Receive() (Message, error) {
	kind, data, err := e.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
			return Message{Kind: CloseMessage, CloseCode: ce.Code, Data: []byte(ce.Text)}, nil
		}
		return Message{}, err
	}
	if kind == websocket.TextMessage {
		return Message{Kind: TextMessage, Data: data}, nil
	}
	return Message{Kind: BinaryMessage, Data: data}, nil
}

// SendBinary writes p as a single binary message.
func (e *WebSocketEndpoint) SendBinary(p []byte) error {
	if e.writeWait > 0 {
		if err := e.conn.SetWriteDeadline(time.Now().Add(e.writeWait)); err != nil {
			return err
		}
	}
	err := e.conn.WriteMessage(websocket.BinaryMessage, p)
	if errors.Is(err, websocket.ErrCloseSent) {
		return ErrEndpointClosed
	}
	return err
}

func (e *WebSocketEndpoint) SendClose(code int, reason string) error {
	err := e.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(e.writeWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (e *WebSocketEndpoint) Close() error { return e.conn.Close() }

var _ WSConn = (*WebSocketEndpoint)(nil)
var _ TCPConn = (net.Conn)(nil)
