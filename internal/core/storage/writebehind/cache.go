// Package writebehind keeps one persisted value in memory, loading it on first
// access and writing it back from a background janitor.
package writebehind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/paintsync/internal/core/observability/log"
	"github.com/zeusync/paintsync/internal/core/storage/interfaces"
	"github.com/zeusync/paintsync/pkg/encoding"
)

// Options controls the janitor cadence.
type Options struct {
	// Tick is how often the janitor wakes up on its own.
	Tick time.Duration `yaml:"tick"`
	// FlushAfter is the minimum time between two flushes of a dirty value.
	FlushAfter time.Duration `yaml:"flush_after"`
	// IdleAfter is how long a value may stay untouched before it is evicted.
	IdleAfter time.Duration `yaml:"idle_after"`
	// IOTimeout bounds every backend call.
	IOTimeout time.Duration `yaml:"io_timeout"`

	Now func() time.Time `yaml:"-"`
}

func DefaultOptions() Options {
	return Options{
		Tick:       time.Second,
		FlushAfter: 10 * time.Second,
		IdleAfter:  10 * time.Second,
		IOTimeout:  30 * time.Second,
	}
}

// Cache is a lazily loaded, write-behind copy of the record stored under key.
// The value is only reachable inside Read and Write callbacks. A dirty value
// is never dropped: it is flushed before eviction and kept when the flush fails.
type Cache[T any] struct {
	key      string
	backend  interfaces.Backend
	codec    encoding.Codec[T]
	newValue func() *T
	opts     Options
	logger   log.Log

	mu        sync.Mutex
	value     *T
	dirty     bool
	closed    bool
	lastTouch time.Time
	lastFlush time.Time

	flushes atomic.Int64
	evicts  atomic.Int64

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// New returns a cache for key and starts its janitor. newValue builds the
// value used when the backend has no record yet.
func New[T any](
	key string,
	backend interfaces.Backend,
	codec encoding.Codec[T],
	newValue func() *T,
	opts Options,
	logger log.Log,
) *Cache[T] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultOptions().Tick
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = DefaultOptions().IOTimeout
	}

	c := &Cache[T]{
		key:      key,
		backend:  backend,
		codec:    codec,
		newValue: newValue,
		opts:     opts,
		logger:   logger.With(log.String("key", key)),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	go c.janitor()

	return c
}

func (c *Cache[T]) Key() string {
	return c.key
}

// Read runs fn with the loaded value. fn must not keep the pointer.
func (c *Cache[T]) Read(fn func(value *T)) error {
	return c.access(false, fn)
}

// Write runs fn with the loaded value and marks it dirty.
func (c *Cache[T]) Write(fn func(value *T)) error {
	return c.access(true, fn)
}

func (c *Cache[T]) access(write bool, fn func(value *T)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err := c.loadLocked(); err != nil {
		c.mu.Unlock()
		return err
	}

	fn(c.value)

	if write {
		c.dirty = true
	}
	c.lastTouch = c.opts.Now()
	c.mu.Unlock()

	c.notify()
	return nil
}

func (c *Cache[T]) loadLocked() error {
	if c.value != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.IOTimeout)
	defer cancel()

	data, err := c.backend.Load(ctx, c.key)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		c.value = c.newValue()
	case err != nil:
		return fmt.Errorf("load %s: %w", c.key, err)
	default:
		value, decodeErr := c.codec.Decode(data)
		if decodeErr != nil {
			return fmt.Errorf("decode %s: %w", c.key, decodeErr)
		}
		c.value = value
	}

	now := c.opts.Now()
	c.dirty = false
	c.lastTouch = now
	c.lastFlush = now
	return nil
}

func (c *Cache[T]) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Loaded reports whether the value is resident.
func (c *Cache[T]) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value != nil
}

// Dirty reports whether the resident value has unflushed writes.
func (c *Cache[T]) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

func (c *Cache[T]) Flushes() int64 {
	return c.flushes.Load()
}

func (c *Cache[T]) Evictions() int64 {
	return c.evicts.Load()
}

// Flush writes the value back if it is dirty.
func (c *Cache[T]) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(c.opts.Now())
}

// Evict flushes the value if needed and drops it from memory. The next access
// loads it again.
func (c *Cache[T]) Evict() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(c.opts.Now())
}

func (c *Cache[T]) flushLocked(now time.Time) error {
	if c.value == nil || !c.dirty {
		return nil
	}

	data, err := c.codec.Encode(c.value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.key, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.IOTimeout)
	defer cancel()

	if err = c.backend.Store(ctx, c.key, data); err != nil {
		return fmt.Errorf("store %s: %w", c.key, err)
	}

	c.dirty = false
	c.lastFlush = now
	c.flushes.Add(1)
	return nil
}

func (c *Cache[T]) evictLocked(now time.Time) error {
	if c.value == nil {
		return nil
	}
	if err := c.flushLocked(now); err != nil {
		return err
	}
	c.value = nil
	c.evicts.Add(1)
	return nil
}

// maintain runs one janitor cycle as of now.
func (c *Cache[T]) maintain(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.value == nil {
		return
	}

	if c.dirty && now.Sub(c.lastFlush) > c.opts.FlushAfter {
		if err := c.flushLocked(now); err != nil {
			c.logger.Error("Failed to flush value", log.Error(err))
			return
		}
		c.logger.Debug("Value flushed")
	}

	if now.Sub(c.lastTouch) > c.opts.IdleAfter {
		if err := c.evictLocked(now); err != nil {
			c.logger.Error("Failed to flush idle value, keeping it in memory", log.Error(err))
			return
		}
		c.logger.Debug("Idle value evicted")
	}
}

func (c *Cache[T]) janitor() {
	defer close(c.stopped)

	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		case <-c.wake:
		}
		c.maintain(c.opts.Now())
	}
}

// CloseIfEvicted closes the cache when no value is resident, which also means
// nothing is left to flush. It reports whether the cache was closed.
func (c *Cache[T]) CloseIfEvicted() bool {
	c.mu.Lock()
	if c.closed || c.value != nil {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	<-c.stopped
	return true
}

// Close flushes a dirty value, stops the janitor and waits for it to exit.
// Later Read and Write calls return ErrClosed.
func (c *Cache[T]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	err := c.flushLocked(c.opts.Now())
	if err == nil {
		c.value = nil
	}
	c.mu.Unlock()

	close(c.done)
	<-c.stopped

	return err
}
