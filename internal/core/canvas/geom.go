// Package canvas holds the value types shared by the server store, the wire
// protocol and the client view: positions, colors, pixels and updates.
package canvas

import "fmt"

// Vec2 is an integer position on the unbounded canvas.
type Vec2 struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

// V is shorthand for Vec2{x, y}.
func V(x, y int32) Vec2 {
	return Vec2{X: x, Y: y}
}

func (v Vec2) Add(o Vec2) Vec2 {
	return Vec2{X: v.X + o.X, Y: v.Y + o.Y}
}

func (v Vec2) Sub(o Vec2) Vec2 {
	return Vec2{X: v.X - o.X, Y: v.Y - o.Y}
}

func (v Vec2) Scale(n int32) Vec2 {
	return Vec2{X: v.X * n, Y: v.Y * n}
}

func (v Vec2) String() string {
	return fmt.Sprintf("(%d, %d)", v.X, v.Y)
}

// FloorDiv divides rounding toward negative infinity.
// Go's / truncates toward zero, which maps -1/256 to chunk 0 instead of -1.
func FloorDiv(a, n int32) int32 {
	q := a / n
	if a%n != 0 && (a < 0) != (n < 0) {
		q--
	}
	return q
}

// CeilDiv divides rounding toward positive infinity.
func CeilDiv(a, n int32) int32 {
	q := a / n
	if a%n != 0 && (a < 0) == (n < 0) {
		q++
	}
	return q
}

// ChunkOf splits a position into the coordinate of the size x size chunk that
// contains it and the offset inside that chunk.
func ChunkOf(p Vec2, size int32) (chunk Vec2, local Vec2) {
	chunk = Vec2{X: FloorDiv(p.X, size), Y: FloorDiv(p.Y, size)}
	local = p.Sub(chunk.Scale(size))
	return chunk, local
}

// Rect is an axis-aligned half-open rectangle [Min, Max).
type Rect struct {
	Min Vec2 `json:"min"`
	Max Vec2 `json:"max"`
}

// R builds a rectangle from its corners.
func R(xMin, yMin, xMax, yMax int32) Rect {
	return Rect{Min: Vec2{X: xMin, Y: yMin}, Max: Vec2{X: xMax, Y: yMax}}
}

// BottomLeft returns the corner a snapshot of r is anchored at.
func (r Rect) BottomLeft() Vec2 {
	return r.Min
}

// Width is computed in int64: the extent of two int32 corners does not fit
// in an int32.
func (r Rect) Width() int64 {
	return int64(r.Max.X) - int64(r.Min.X)
}

func (r Rect) Height() int64 {
	return int64(r.Max.Y) - int64(r.Min.Y)
}

// Valid reports whether Max is not below Min on either axis.
func (r Rect) Valid() bool {
	return r.Max.X >= r.Min.X && r.Max.Y >= r.Min.Y
}

// Empty reports whether the rectangle covers no pixel.
func (r Rect) Empty() bool {
	return r.Max.X <= r.Min.X || r.Max.Y <= r.Min.Y
}

// Area returns the number of pixels covered, 0 for empty rectangles.
func (r Rect) Area() int64 {
	if r.Empty() {
		return 0
	}
	return r.Width() * r.Height()
}

// Contains reports whether p lies inside r.
func (r Rect) Contains(p Vec2) bool {
	return p.X >= r.Min.X && p.X < r.Max.X && p.Y >= r.Min.Y && p.Y < r.Max.Y
}

// Intersect returns the overlap of r and o; the result may be empty.
func (r Rect) Intersect(o Rect) Rect {
	out := Rect{
		Min: Vec2{X: max(r.Min.X, o.Min.X), Y: max(r.Min.Y, o.Min.Y)},
		Max: Vec2{X: min(r.Max.X, o.Max.X), Y: min(r.Max.Y, o.Max.Y)},
	}
	if out.Empty() {
		return Rect{Min: out.Min, Max: out.Min}
	}
	return out
}

// ChunkRange returns the range of size x size chunk coordinates overlapping r,
// as a half-open rectangle in chunk space.
func (r Rect) ChunkRange(size int32) Rect {
	return Rect{
		Min: Vec2{X: FloorDiv(r.Min.X, size), Y: FloorDiv(r.Min.Y, size)},
		Max: Vec2{X: CeilDiv(r.Max.X, size), Y: CeilDiv(r.Max.Y, size)},
	}
}

func (r Rect) String() string {
	return fmt.Sprintf("[%s..%s)", r.Min, r.Max)
}
