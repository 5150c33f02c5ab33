package reconcile

import "errors"

var (
	// ErrProtocolViolation means the server stream broke the ordering the
	// engine relies on. The engine refuses all further work.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrUnknownAck is a protocol violation caused by an acknowledgment for
	// an id that is not pending.
	ErrUnknownAck = errors.New("acknowledgment for unknown update")
)
