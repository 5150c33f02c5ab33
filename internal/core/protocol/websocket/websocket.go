// Package websocket carries protocol messages as JSON text frames over a
// WebSocket connection.
package websocket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/paintsync/internal/core/protocol"
)

type Config struct {
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	BufferSize     int           `yaml:"buffer_size"`
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:    0,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: protocol.DefaultMaxMessageSize,
		BufferSize:     4096,
	}
}

var (
	_ protocol.ServerConn = (*Conn[protocol.ClientMessage, protocol.ServerMessage])(nil)
	_ protocol.ClientConn = (*Conn[protocol.ServerMessage, protocol.ClientMessage])(nil)
)

// Conn sends Out messages and receives In messages over one WebSocket.
type Conn[In, Out any] struct {
	conn   *websocket.Conn
	config Config
	closed atomic.Bool

	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

func NewConn[In, Out any](conn *websocket.Conn, config Config) *Conn[In, Out] {
	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}
	return &Conn[In, Out]{
		conn:   conn,
		config: config,
	}
}

func (c *Conn[In, Out]) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn[In, Out]) Receive() (In, error) {
	var msg In
	if c.closed.Load() {
		return msg, protocol.ErrConnectionClosed
	}

	if c.config.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return msg, errors.Wrap(err, "failed to read message")
	}
	if messageType != websocket.TextMessage {
		return msg, errors.Wrap(protocol.ErrInvalidMessage, "expected text message")
	}

	if err = json.Unmarshal(data, &msg); err != nil {
		return msg, errors.Wrap(err, "failed to unmarshal message")
	}
	return msg, nil
}

func (c *Conn[In, Out]) Send(msg Out) error {
	if c.closed.Load() {
		return protocol.ErrConnectionClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	if c.config.MaxMessageSize > 0 && int64(len(data)) > c.config.MaxMessageSize {
		return errors.Wrapf(protocol.ErrMessageTooLarge, "%d bytes", len(data))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	if err = c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

func (c *Conn[In, Out]) Close() error {
	return c.CloseWithReason("connection closed")
}

// CloseWithReason sends a close frame before closing the socket.
func (c *Conn[In, Out]) CloseWithReason(reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.writeMu.Lock()
	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}

// IsClosedError reports whether err is an orderly close of the peer.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(errors.Cause(err), websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, protocol.ErrConnectionClosed) || errors.Is(err, net.ErrClosed)
}

// Upgrader turns HTTP requests into server-side connections.
type Upgrader struct {
	upgrader websocket.Upgrader
	config   Config
}

func NewUpgrader(config Config) *Upgrader {
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.BufferSize,
			WriteBufferSize: config.BufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		config: config,
	}
}

func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn[protocol.ClientMessage, protocol.ServerMessage], error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upgrade connection")
	}
	return NewConn[protocol.ClientMessage, protocol.ServerMessage](conn, u.config), nil
}

// Dial connects to a server endpoint such as ws://host:port/ws.
func Dial(ctx context.Context, url string, config Config) (*Conn[protocol.ServerMessage, protocol.ClientMessage], error) {
	dialer := *websocket.DefaultDialer
	dialer.ReadBufferSize = config.BufferSize
	dialer.WriteBufferSize = config.BufferSize

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}
	return NewConn[protocol.ServerMessage, protocol.ClientMessage](conn, config), nil
}
