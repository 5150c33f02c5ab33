package protocol

import (
	"net"
)

// Conn is one message-oriented connection. Receive blocks until the next
// message arrives. Send may be called from one goroutine at a time.
type Conn[In, Out any] interface {
	Receive() (In, error)
	Send(msg Out) error
	Close() error
	RemoteAddr() net.Addr
}

// ServerConn is the server side of a client connection.
type ServerConn = Conn[ClientMessage, ServerMessage]

// ClientConn is the client side of a server connection.
type ClientConn = Conn[ServerMessage, ClientMessage]

// DefaultMaxMessageSize bounds a single encoded message.
const DefaultMaxMessageSize = 64 << 20
