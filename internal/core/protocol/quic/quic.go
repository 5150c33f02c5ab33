// Package quic carries protocol messages over a single bidirectional QUIC
// stream. The client opens the stream and writes a 4-byte preamble; every
// message then travels as a big-endian uint32 length followed by JSON.
package quic

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/paintsync/internal/core/protocol"
)

const (
	preamble   = "PSQ1"
	headerSize = 4
)

var ErrBadPreamble = errors.New("bad stream preamble")

type Config struct {
	MaxIdleTimeout   time.Duration `yaml:"max_idle_timeout"`
	KeepAlivePeriod  time.Duration `yaml:"keep_alive_period"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxMessageSize   uint32        `yaml:"max_message_size"`
}

func DefaultConfig() Config {
	return Config{
		MaxIdleTimeout:   30 * time.Second,
		KeepAlivePeriod:  15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageSize:   protocol.DefaultMaxMessageSize,
	}
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       c.MaxIdleTimeout,
		KeepAlivePeriod:      c.KeepAlivePeriod,
		HandshakeIdleTimeout: c.HandshakeTimeout,
	}
}

var (
	_ protocol.ServerConn = (*Conn[protocol.ClientMessage, protocol.ServerMessage])(nil)
	_ protocol.ClientConn = (*Conn[protocol.ServerMessage, protocol.ClientMessage])(nil)
)

// Conn sends Out messages and receives In messages over one QUIC stream.
type Conn[In, Out any] struct {
	conn   *quic.Conn
	stream *quic.Stream
	reader *bufio.Reader
	config Config
	closed atomic.Bool

	writeMu sync.Mutex
}

func newConn[In, Out any](conn *quic.Conn, stream *quic.Stream, config Config) *Conn[In, Out] {
	return &Conn[In, Out]{
		conn:   conn,
		stream: stream,
		reader: bufio.NewReader(stream),
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

	var header [headerSize]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return msg, errors.Wrap(err, "failed to read frame header")
	}
	size := binary.BigEndian.Uint32(header[:])
	if c.config.MaxMessageSize > 0 && size > c.config.MaxMessageSize {
		return msg, errors.Wrapf(protocol.ErrMessageTooLarge, "%d bytes", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(c.reader, data); err != nil {
		return msg, errors.Wrap(err, "failed to read frame body")
	}
	if err := json.Unmarshal(data, &msg); err != nil {
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
	if c.config.MaxMessageSize > 0 && uint32(len(data)) > c.config.MaxMessageSize {
		return errors.Wrapf(protocol.ErrMessageTooLarge, "%d bytes", len(data))
	}

	frame := make([]byte, headerSize, headerSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	frame = append(frame, data...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err = c.stream.Write(frame); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

func (c *Conn[In, Out]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.stream.Close()
	c.writeMu.Unlock()
	return c.conn.CloseWithError(0, "connection closed")
}

// IsClosedError reports whether err comes from the peer or us closing the
// connection.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	var appErr *quic.ApplicationError
	var idleErr *quic.IdleTimeoutError
	return errors.As(err, &appErr) ||
		errors.As(err, &idleErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, protocol.ErrConnectionClosed) ||
		errors.Is(err, net.ErrClosed)
}

// Listener accepts QUIC connections from paint clients.
type Listener struct {
	listener *quic.Listener
	config   Config
	closed   atomic.Bool
}

func Listen(addr string, tlsConfig *tls.Config, config Config) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve UDP address")
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to listen on UDP")
	}

	listener, err := quic.Listen(udpConn, tlsConfig, config.quicConfig())
	if err != nil {
		_ = udpConn.Close()
		return nil, errors.Wrap(err, "failed to create QUIC listener")
	}
	return &Listener{listener: listener, config: config}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// AcceptConn waits for the next QUIC connection. Run Handshake on it before
// exchanging messages.
func (l *Listener) AcceptConn(ctx context.Context) (*quic.Conn, error) {
	if l.closed.Load() {
		return nil, protocol.ErrConnectionClosed
	}
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to accept QUIC connection")
	}
	return conn, nil
}

// Handshake accepts the client's message stream and checks its preamble.
func (l *Listener) Handshake(ctx context.Context, conn *quic.Conn) (*Conn[protocol.ClientMessage, protocol.ServerMessage], error) {
	if l.config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.HandshakeTimeout)
		defer cancel()
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		return nil, errors.Wrap(err, "failed to accept stream")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	var got [len(preamble)]byte
	if _, err = io.ReadFull(stream, got[:]); err != nil || string(got[:]) != preamble {
		_ = conn.CloseWithError(2, "bad preamble")
		if err == nil {
			err = ErrBadPreamble
		}
		return nil, errors.Wrap(err, "failed to read preamble")
	}
	_ = stream.SetReadDeadline(time.Time{})

	return newConn[protocol.ClientMessage, protocol.ServerMessage](conn, stream, l.config), nil
}

func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.listener.Close()
}

// Dial connects to a server and opens the message stream.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, config Config) (*Conn[protocol.ServerMessage, protocol.ClientMessage], error) {
	tlsConfig = tlsConfig.Clone()
	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			tlsConfig.ServerName = addr
		} else {
			tlsConfig.ServerName = host
		}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, config.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", addr)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		return nil, errors.Wrap(err, "failed to open stream")
	}
	if _, err = stream.Write([]byte(preamble)); err != nil {
		_ = conn.CloseWithError(1, "no stream")
		return nil, errors.Wrap(err, "failed to write preamble")
	}

	return newConn[protocol.ServerMessage, protocol.ClientMessage](conn, stream, config), nil
}
