package server

import "errors"

var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerNotRunning     = errors.New("server is not running")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrEngineStopped        = errors.New("sync engine is stopped")
	ErrEngineRunning        = errors.New("sync engine is already running")
	ErrClientNotFound       = errors.New("client not found")
	ErrInvalidArea          = errors.New("invalid download area")
	ErrInvalidMessage       = errors.New("invalid message")
	ErrOutboundFull         = errors.New("outbound buffer is full")
	ErrSessionClosed        = errors.New("session is closed")
	ErrInvalidConfig        = errors.New("invalid server configuration")
)
