package chunk

import "errors"

var (
	ErrClosed      = errors.New("chunk store is closed")
	ErrInvalidRect = errors.New("invalid rectangle")
	ErrNotListable = errors.New("backend cannot list its records")
)
