package interfaces

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Backend.Load when no record exists for a key.
// Callers treat it as "use the default value", never as a failure.
var ErrNotFound = errors.New("record not found")

// Backend is durable storage for opaque records addressed by key.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// ListableBackend can enumerate the keys it holds.
type ListableBackend interface {
	Backend

	Keys(ctx context.Context) ([]string, error)
}

// Statistics is a point-in-time view of a store's resident state.
type Statistics struct {
	Resident int   `json:"resident"`
	Loaded   int   `json:"loaded"`
	Dirty    int   `json:"dirty"`
	Flushes  int64 `json:"flushes"`
	Evicts   int64 `json:"evictions"`
	Pruned   int64 `json:"pruned"`
}
