package client

import "errors"

var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrDisconnected     = errors.New("connection to server lost")
	ErrUnknownTransport = errors.New("unknown transport")
)
