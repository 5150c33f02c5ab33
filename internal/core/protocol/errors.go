package protocol

import "errors"

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrUnknownType      = errors.New("unknown message type")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrMessageTooLarge  = errors.New("message too large")
)
