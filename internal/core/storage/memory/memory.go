// Package memory is an in-process Backend, used for ephemeral canvases and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zeusync/paintsync/internal/core/storage/interfaces"
)

// Backend keeps records in a map. Stored and loaded slices are copied.
type Backend struct {
	mu      sync.RWMutex
	records map[string][]byte

	loads  atomic.Int64
	stores atomic.Int64
}

var _ interfaces.ListableBackend = (*Backend)(nil)

func New() *Backend {
	return &Backend{records: make(map[string][]byte)}
}

func (b *Backend) Load(_ context.Context, key string) ([]byte, error) {
	b.loads.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.records[key]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *Backend) Store(_ context.Context, key string, data []byte) error {
	b.stores.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[key] = append([]byte(nil), data...)
	return nil
}

func (b *Backend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.records[key]
	return ok, nil
}

func (b *Backend) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.records))
	for k := range b.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Loads returns how many times Load was called.
func (b *Backend) Loads() int64 {
	return b.loads.Load()
}

// Stores returns how many times Store was called.
func (b *Backend) Stores() int64 {
	return b.stores.Load()
}
