// Package tiles implements the client-side canvas view: the canvas split into
// small square tiles, allocated on first write, that a renderer can upload one
// by one.
package tiles

import (
	"github.com/zeusync/paintsync/internal/core/canvas"
	"github.com/zeusync/paintsync/pkg/matrix"
)

// DefaultSize is the edge length of a display tile.
const DefaultSize = 64

// Tiles is an unbounded canvas view. It is not safe for concurrent use; the
// client drives it from a single update loop.
type Tiles struct {
	size  int32
	tiles map[canvas.Vec2]*matrix.Matrix[canvas.Color]
	dirty map[canvas.Vec2]struct{}
}

var _ canvas.View = (*Tiles)(nil)

// New returns an empty view with size x size tiles. A non-positive size
// selects DefaultSize.
func New(size int) *Tiles {
	if size <= 0 {
		size = DefaultSize
	}
	return &Tiles{
		size:  int32(size),
		tiles: make(map[canvas.Vec2]*matrix.Matrix[canvas.Color]),
		dirty: make(map[canvas.Vec2]struct{}),
	}
}

// Size returns the tile edge length.
func (t *Tiles) Size() int {
	return int(t.size)
}

// Apply writes u and returns the patch that undoes it.
func (t *Tiles) Apply(u canvas.Update) canvas.Update {
	backward := canvas.Inverse(u, t.Color)
	for _, p := range u.Draw {
		chunk, local := canvas.ChunkOf(p.Position, t.size)
		tile, ok := t.tiles[chunk]
		if !ok {
			if p.Color == canvas.Transparent {
				// nothing to erase in a tile that does not exist
				continue
			}
			tile = matrix.New[canvas.Color](int(t.size), int(t.size))
			t.tiles[chunk] = tile
		}
		tile.Set(int(local.X), int(local.Y), p.Color)
		t.dirty[chunk] = struct{}{}
	}
	return backward
}

// Color returns the color at p.
func (t *Tiles) Color(p canvas.Vec2) canvas.Color {
	chunk, local := canvas.ChunkOf(p, t.size)
	tile, ok := t.tiles[chunk]
	if !ok {
		return canvas.Transparent
	}
	return tile.At(int(local.X), int(local.Y))
}

// Region copies r into a dense matrix.
func (t *Tiles) Region(r canvas.Rect) *matrix.Matrix[canvas.Color] {
	if r.Empty() {
		return matrix.New[canvas.Color](0, 0)
	}
	out := matrix.New[canvas.Color](int(r.Width()), int(r.Height()))
	chunks := r.ChunkRange(t.size)
	for cy := chunks.Min.Y; cy < chunks.Max.Y; cy++ {
		for cx := chunks.Min.X; cx < chunks.Max.X; cx++ {
			tile, ok := t.tiles[canvas.V(cx, cy)]
			if !ok {
				continue
			}
			origin := canvas.V(cx, cy).Scale(t.size)
			footprint := canvas.Rect{Min: origin, Max: origin.Add(canvas.V(t.size, t.size))}
			part := footprint.Intersect(r)
			out.CopyFrom(tile,
				int(part.Min.X-origin.X), int(part.Min.Y-origin.Y),
				int(part.Min.X-r.Min.X), int(part.Min.Y-r.Min.Y),
				int(part.Width()), int(part.Height()))
		}
	}
	return out
}

// Len returns the number of allocated tiles.
func (t *Tiles) Len() int {
	return len(t.tiles)
}

// Tile returns the tile at chunk coordinate c, or nil.
func (t *Tiles) Tile(c canvas.Vec2) *matrix.Matrix[canvas.Color] {
	return t.tiles[c]
}

// TakeDirty returns the coordinates of tiles written since the last call and
// clears the set. Renderers use it to re-upload only what changed.
func (t *Tiles) TakeDirty() []canvas.Vec2 {
	out := make([]canvas.Vec2, 0, len(t.dirty))
	for c := range t.dirty {
		out = append(out, c)
	}
	clear(t.dirty)
	return out
}
