// Package client is the Go SDK for paint clients: it keeps a local canvas in
// sync with a paintsync server while letting edits show up immediately.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/paintsync/internal/core/canvas"
	"github.com/zeusync/paintsync/internal/core/canvas/tiles"
	"github.com/zeusync/paintsync/internal/core/observability/log"
	"github.com/zeusync/paintsync/internal/core/protocol"
	"github.com/zeusync/paintsync/internal/core/protocol/quic"
	"github.com/zeusync/paintsync/internal/core/protocol/websocket"
	"github.com/zeusync/paintsync/internal/core/reconcile"
	"github.com/zeusync/paintsync/pkg/matrix"
)

type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportQUIC      Transport = "quic"
)

// Config holds configuration for the client
type Config struct {
	// ServerAddr is a ws:// URL for WebSocket or host:port for QUIC.
	ServerAddr     string
	Transport      Transport
	ConnectTimeout time.Duration

	// InboxSize is how many server messages may wait for the next Step.
	InboxSize int
	// TileSize is the edge of the local display tiles.
	TileSize int
	// InsecureTLS accepts self-signed QUIC server certificates.
	InsecureTLS bool

	WebSocket websocket.Config
	QUIC      quic.Config
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		ServerAddr:     "ws://127.0.0.1:8080/ws",
		Transport:      TransportWebSocket,
		ConnectTimeout: 30 * time.Second,
		InboxSize:      4096,
		TileSize:       tiles.DefaultSize,
		WebSocket:      websocket.DefaultConfig(),
		QUIC:           quic.DefaultConfig(),
	}
}

// Client is a connection to a paintsync server plus the local canvas. Apart
// from Disconnect, its methods must be called from a single goroutine, usually
// the application's frame loop.
type Client struct {
	config Config
	logger log.Log

	conn   protocol.ClientConn
	view   *tiles.Tiles
	engine *reconcile.Engine

	inbox   chan protocol.ServerMessage
	readErr atomic.Value // error

	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewClient(config Config, logger log.Log) *Client {
	if config.InboxSize <= 0 {
		config.InboxSize = DefaultClientConfig().InboxSize
	}
	if config.TileSize <= 0 {
		config.TileSize = tiles.DefaultSize
	}

	client := &Client{
		config: config,
		logger: logger.With(log.String("component", "client")),
		view:   tiles.New(config.TileSize),
		inbox:  make(chan protocol.ServerMessage, config.InboxSize),
		done:   make(chan struct{}),
	}

	client.logger.Info("Client created",
		log.String("server_addr", config.ServerAddr),
		log.String("transport", string(config.Transport)))

	return client
}

// Connect dials the server and starts receiving in the background.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Error("Failed to connect", log.Error(err))
		return err
	}

	c.conn = conn
	c.engine = reconcile.New(c.view, conn, c.logger)
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop()

	c.logger.Info("Connected", log.String("remote_addr", conn.RemoteAddr().String()))
	return nil
}

func (c *Client) dial(ctx context.Context) (protocol.ClientConn, error) {
	switch c.config.Transport {
	case TransportWebSocket, "":
		return websocket.Dial(ctx, c.config.ServerAddr, c.config.WebSocket)
	case TransportQUIC:
		return quic.Dial(ctx, c.config.ServerAddr, quic.ClientTLS(c.config.InsecureTLS), c.config.QUIC)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, c.config.Transport)
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		msg, err := c.conn.Receive()
		if err != nil {
			c.readErr.Store(err)
			if !c.closed.Load() {
				c.logger.Warn("Connection lost", log.Error(err))
			}
			return
		}
		select {
		case c.inbox <- msg:
		case <-c.done:
			return
		}
	}
}

// Step drains every message received so far, without waiting for more, and
// reconciles the local canvas with them. It returns how many were processed.
func (c *Client) Step() (int, error) {
	if !c.connected.Load() {
		return 0, ErrNotConnected
	}

	var batch []protocol.ServerMessage
drain:
	for {
		select {
		case msg := <-c.inbox:
			batch = append(batch, msg)
		default:
			break drain
		}
	}

	if err := c.engine.Process(batch); err != nil {
		return 0, err
	}
	if len(batch) == 0 && !c.closed.Load() {
		if err, ok := c.readErr.Load().(error); ok {
			return 0, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
	}
	return len(batch), nil
}

// Edit applies u locally and sends it to the server.
func (c *Client) Edit(u canvas.Update) (uint64, error) {
	if !c.connected.Load() {
		return 0, ErrNotConnected
	}
	return c.engine.Edit(u)
}

// Paint is Edit for a plain list of pixels.
func (c *Client) Paint(pixels ...canvas.Pixel) (uint64, error) {
	return c.Edit(canvas.Draw(pixels...))
}

// Download requests the server's content of area. The reply is applied by a
// later Step.
func (c *Client) Download(area canvas.Rect) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.engine.Download(area)
}

// Color returns the locally visible color at p.
func (c *Client) Color(p canvas.Vec2) canvas.Color {
	return c.view.Color(p)
}

// Region returns the locally visible content of r.
func (c *Client) Region(r canvas.Rect) *matrix.Matrix[canvas.Color] {
	return c.view.Region(r)
}

// Tiles exposes the local display tiles, e.g. to upload dirty ones.
func (c *Client) Tiles() *tiles.Tiles {
	return c.view
}

// Pending returns the ids of local edits the server has not acknowledged.
func (c *Client) Pending() []uint64 {
	if c.engine == nil {
		return nil
	}
	return c.engine.Pending()
}

// Disconnect closes the connection and waits for the receiver to stop.
func (c *Client) Disconnect() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	c.wg.Wait()
	c.connected.Store(false)

	c.logger.Info("Disconnected")
	return err
}
