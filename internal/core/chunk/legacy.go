package chunk

import (
	"github.com/zeusync/paintsync/internal/core/canvas"
	"github.com/zeusync/paintsync/internal/core/observability/log"
	"github.com/zeusync/paintsync/internal/core/storage/codec"
	"github.com/zeusync/paintsync/internal/core/storage/interfaces"
	"github.com/zeusync/paintsync/internal/core/storage/writebehind"
	"github.com/zeusync/paintsync/pkg/matrix"
)

// LegacyKey is the record holding the whole canvas in single-file mode.
const LegacyKey = "canvas.bin"

// Legacy keeps the whole canvas in one record. It suits small drawings and is
// the only mode that can hand a full snapshot to a joining client.
type Legacy struct {
	cache  *writebehind.Cache[canvas.Image]
	logger log.Log
}

func NewLegacy(backend interfaces.Backend, opts writebehind.Options, logger log.Log) *Legacy {
	logger = logger.With(log.String("component", "legacy_store"))
	return &Legacy{
		cache:  writebehind.New[canvas.Image](LegacyKey, backend, codec.NewImage(), canvas.NewImage, opts, logger),
		logger: logger,
	}
}

func (l *Legacy) Update(u canvas.Update) error {
	return l.cache.Write(func(img *canvas.Image) {
		img.Apply(u)
	})
}

func (l *Legacy) Get(r canvas.Rect) (*matrix.Matrix[canvas.Color], error) {
	if err := checkRect(r); err != nil {
		return nil, err
	}
	var out *matrix.Matrix[canvas.Color]
	err := l.cache.Read(func(img *canvas.Image) {
		out = img.Region(r)
	})
	return out, err
}

func (l *Legacy) Pixel(p canvas.Vec2) (canvas.Color, error) {
	var color canvas.Color
	err := l.cache.Read(func(img *canvas.Image) {
		color = img.Color(p)
	})
	return color, err
}

// Snapshot returns every painted pixel.
func (l *Legacy) Snapshot() ([]canvas.Pixel, error) {
	var pixels []canvas.Pixel
	err := l.cache.Read(func(img *canvas.Image) {
		pixels = img.Pixels()
	})
	return pixels, err
}

func (l *Legacy) Flush() error {
	return l.cache.Flush()
}

func (l *Legacy) Close() error {
	if err := l.cache.Close(); err != nil {
		l.logger.Error("Failed to flush canvas on close", log.Error(err))
		return err
	}
	return nil
}

func (l *Legacy) Stats() interfaces.Statistics {
	stats := interfaces.Statistics{
		Resident: 1,
		Flushes:  l.cache.Flushes(),
		Evicts:   l.cache.Evictions(),
	}
	if l.cache.Loaded() {
		stats.Loaded = 1
	}
	if l.cache.Dirty() {
		stats.Dirty = 1
	}
	return stats
}
