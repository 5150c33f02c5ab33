// Package chunk persists an unbounded canvas as fixed-size square chunks, each
// one a write-behind record loaded on demand.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/paintsync/internal/core/canvas"
	"github.com/zeusync/paintsync/internal/core/observability/log"
	"github.com/zeusync/paintsync/internal/core/storage/codec"
	"github.com/zeusync/paintsync/internal/core/storage/interfaces"
	"github.com/zeusync/paintsync/internal/core/storage/writebehind"
	"github.com/zeusync/paintsync/pkg/matrix"
)

const DefaultSize = 256

type Options struct {
	Size  int                 `yaml:"chunk_size"`
	Cache writebehind.Options `yaml:",inline"`
}

func DefaultOptions() Options {
	return Options{
		Size:  DefaultSize,
		Cache: writebehind.DefaultOptions(),
	}
}

type entry = writebehind.Cache[matrix.Matrix[canvas.Color]]

// Store is the chunked canvas. Chunks are created on first write; reading an
// area that was never painted creates nothing. Entries whose value was evicted
// are dropped by a sweep every IdleAfter, which also stops their janitors.
type Store struct {
	backend interfaces.Backend
	codec   *codec.Chunk
	opts    Options
	logger  log.Log

	mu     sync.RWMutex
	chunks map[canvas.Vec2]*entry
	closed bool

	pruned  atomic.Int64
	done    chan struct{}
	stopped chan struct{}
}

func NewStore(backend interfaces.Backend, opts Options, logger log.Log) (*Store, error) {
	if opts.Size == 0 {
		opts.Size = DefaultSize
	}
	if opts.Cache.IOTimeout <= 0 {
		opts.Cache.IOTimeout = writebehind.DefaultOptions().IOTimeout
	}
	if opts.Cache.IdleAfter <= 0 {
		opts.Cache.IdleAfter = writebehind.DefaultOptions().IdleAfter
	}
	chunkCodec, err := codec.NewChunk(opts.Size)
	if err != nil {
		return nil, err
	}
	s := &Store{
		backend: backend,
		codec:   chunkCodec,
		opts:    opts,
		logger:  logger.With(log.String("component", "chunk_store")),
		chunks:  make(map[canvas.Vec2]*entry),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Cache.IOTimeout)
	defer cancel()
	persisted, err := s.Persisted(ctx)
	switch {
	case errors.Is(err, ErrNotListable):
	case err != nil:
		return nil, err
	default:
		s.logger.Info("Chunk store opened",
			log.Int("chunk_size", opts.Size),
			log.Int("persisted_chunks", persisted))
	}

	go s.sweep(opts.Cache.IdleAfter)

	return s, nil
}

// Persisted counts the chunk records in the backend. It returns
// ErrNotListable when the backend cannot enumerate its keys.
func (s *Store) Persisted(ctx context.Context) (int, error) {
	lister, ok := s.backend.(interfaces.ListableBackend)
	if !ok {
		return 0, ErrNotListable
	}
	keys, err := lister.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list chunks: %w", err)
	}
	n := 0
	for _, key := range keys {
		if strings.HasSuffix(key, keySuffix) {
			n++
		}
	}
	return n, nil
}

// Key returns the record name of the chunk at chunk coordinate c.
func Key(c canvas.Vec2) string {
	return fmt.Sprintf("%d_%d%s", c.X, c.Y, keySuffix)
}

const keySuffix = ".chunk"

func (s *Store) Size() int {
	return s.opts.Size
}

func (s *Store) size() int32 {
	return int32(s.opts.Size)
}

// lookup returns the resident entry for c, or nil.
func (s *Store) lookup(c canvas.Vec2) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.chunks[c], nil
}

// entry returns the entry for c, creating it when absent.
func (s *Store) entry(c canvas.Vec2) (*entry, error) {
	if e, err := s.lookup(c); e != nil || err != nil {
		return e, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if e, ok := s.chunks[c]; ok {
		return e, nil
	}

	e := writebehind.New[matrix.Matrix[canvas.Color]](
		Key(c),
		s.backend,
		s.codec,
		s.codec.New,
		s.opts.Cache,
		s.logger,
	)
	s.chunks[c] = e
	return e, nil
}

// existing returns the entry for c only when the chunk is resident or has a
// record in the backend.
func (s *Store) existing(c canvas.Vec2) (*entry, error) {
	e, err := s.lookup(c)
	if e != nil || err != nil {
		return e, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Cache.IOTimeout)
	defer cancel()

	ok, err := s.backend.Exists(ctx, Key(c))
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", Key(c), err)
	}
	if !ok {
		return nil, nil
	}
	return s.entry(c)
}

// access runs fn on the chunk at c. Without create, a chunk that is neither
// resident nor persisted is skipped. An entry closed by a concurrent prune is
// looked up again.
func (s *Store) access(c canvas.Vec2, create, write bool, fn func(m *matrix.Matrix[canvas.Color])) error {
	for {
		var (
			e   *entry
			err error
		)
		if create {
			e, err = s.entry(c)
		} else {
			e, err = s.existing(c)
		}
		if err != nil || e == nil {
			return err
		}

		if write {
			err = e.Write(fn)
		} else {
			err = e.Read(fn)
		}
		if errors.Is(err, writebehind.ErrClosed) {
			continue
		}
		return err
	}
}

// Update writes every pixel of u. Pixels are grouped per chunk and applied in
// their original order, so the last write to a position wins.
func (s *Store) Update(u canvas.Update) error {
	size := s.size()

	var order []canvas.Vec2
	groups := make(map[canvas.Vec2][]canvas.Pixel)
	for _, p := range u.Draw {
		c, local := canvas.ChunkOf(p.Position, size)
		if _, ok := groups[c]; !ok {
			order = append(order, c)
		}
		groups[c] = append(groups[c], canvas.Pixel{Position: local, Color: p.Color})
	}

	for _, c := range order {
		pixels := groups[c]
		err := s.access(c, true, true, func(m *matrix.Matrix[canvas.Color]) {
			for _, p := range pixels {
				m.Set(int(p.Position.X), int(p.Position.Y), p.Color)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Get returns a snapshot of r, transparent wherever nothing was painted.
func (s *Store) Get(r canvas.Rect) (*matrix.Matrix[canvas.Color], error) {
	if err := checkRect(r); err != nil {
		return nil, err
	}
	if r.Empty() {
		return matrix.New[canvas.Color](0, 0), nil
	}

	size := s.size()
	out := matrix.New[canvas.Color](int(r.Width()), int(r.Height()))
	chunks := r.ChunkRange(size)

	for cy := chunks.Min.Y; cy < chunks.Max.Y; cy++ {
		for cx := chunks.Min.X; cx < chunks.Max.X; cx++ {
			c := canvas.V(cx, cy)
			origin := c.Scale(size)
			bounds := canvas.Rect{Min: origin, Max: origin.Add(canvas.V(size, size))}
			part := r.Intersect(bounds)
			err := s.access(c, false, false, func(m *matrix.Matrix[canvas.Color]) {
				out.CopyFrom(m,
					int(part.Min.X-origin.X), int(part.Min.Y-origin.Y),
					int(part.Min.X-r.Min.X), int(part.Min.Y-r.Min.Y),
					int(part.Width()), int(part.Height()),
				)
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Pixel returns the color at p.
func (s *Store) Pixel(p canvas.Vec2) (canvas.Color, error) {
	c, local := canvas.ChunkOf(p, s.size())
	var color canvas.Color
	err := s.access(c, false, false, func(m *matrix.Matrix[canvas.Color]) {
		color = m.At(int(local.X), int(local.Y))
	})
	return color, err
}

func (s *Store) entries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.chunks))
	for _, e := range s.chunks {
		out = append(out, e)
	}
	return out
}

// Flush writes every dirty chunk back.
func (s *Store) Flush() error {
	var g errgroup.Group
	g.SetLimit(flushParallelism)
	for _, e := range s.entries() {
		g.Go(e.Flush)
	}
	return g.Wait()
}

// Close flushes every dirty chunk and stops all janitors. It reports the first
// flush error but still closes every chunk.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	entries := make([]*entry, 0, len(s.chunks))
	for _, e := range s.chunks {
		entries = append(entries, e)
	}
	s.mu.Unlock()
	<-s.stopped

	var g errgroup.Group
	g.SetLimit(flushParallelism)
	for _, e := range entries {
		g.Go(e.Close)
	}
	err := g.Wait()
	if err != nil {
		s.logger.Error("Failed to flush chunks on close", log.Error(err))
	} else {
		s.logger.Info("Chunk store closed", log.Int("chunks", len(entries)))
	}
	return err
}

func (s *Store) Stats() interfaces.Statistics {
	var stats interfaces.Statistics
	for _, e := range s.entries() {
		stats.Resident++
		if e.Loaded() {
			stats.Loaded++
		}
		if e.Dirty() {
			stats.Dirty++
		}
		stats.Flushes += e.Flushes()
		stats.Evicts += e.Evictions()
	}
	stats.Pruned = s.pruned.Load()
	return stats
}

// prune closes and forgets every entry whose value is not resident.
func (s *Store) prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	n := 0
	for c, e := range s.chunks {
		if e.CloseIfEvicted() {
			delete(s.chunks, c)
			n++
		}
	}
	s.pruned.Add(int64(n))
	return n
}

func (s *Store) sweep(every time.Duration) {
	defer close(s.stopped)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.prune(); n > 0 {
				s.logger.Debug("Pruned evicted chunks", log.Int("chunks", n))
			}
		}
	}
}

const flushParallelism = 16

// MaxArea is the largest pixel count a single Get returns.
const MaxArea = math.MaxInt32

func checkRect(r canvas.Rect) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidRect, r)
	}
	if r.Area() > MaxArea {
		return fmt.Errorf("%w: %s covers %d pixels", ErrInvalidRect, r, r.Area())
	}
	return nil
}
