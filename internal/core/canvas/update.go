package canvas

import "github.com/zeusync/paintsync/pkg/matrix"

// Pixel is a single colored position.
type Pixel struct {
	Position Vec2  `json:"p"`
	Color    Color `json:"c"`
}

// Update is an edit to the canvas. Draw is currently the only variant: an
// ordered batch upsert where a later pixel for the same position wins.
// Applying the same Update twice leaves the canvas as applying it once.
type Update struct {
	Draw []Pixel `json:"draw"`
}

// Draw builds a Draw update.
func Draw(pixels ...Pixel) Update {
	return Update{Draw: pixels}
}

// Len returns the number of pixels carried by the update.
func (u Update) Len() int {
	return len(u.Draw)
}

// Bounds returns the smallest rectangle covering every pixel of u.
func (u Update) Bounds() Rect {
	if len(u.Draw) == 0 {
		return Rect{}
	}
	r := Rect{Min: u.Draw[0].Position, Max: u.Draw[0].Position.Add(V(1, 1))}
	for _, p := range u.Draw[1:] {
		r.Min.X = min(r.Min.X, p.Position.X)
		r.Min.Y = min(r.Min.Y, p.Position.Y)
		r.Max.X = max(r.Max.X, p.Position.X+1)
		r.Max.Y = max(r.Max.Y, p.Position.Y+1)
	}
	return r
}

// FromMatrix turns a snapshot anchored at origin into a Draw update covering
// every cell, transparent cells included.
func FromMatrix(origin Vec2, m *matrix.Matrix[Color]) Update {
	pixels := make([]Pixel, 0, m.Len())
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			pixels = append(pixels, Pixel{
				Position: origin.Add(V(int32(x), int32(y))),
				Color:    m.At(x, y),
			})
		}
	}
	return Update{Draw: pixels}
}

// View is a mutable canvas that can report what an update overwrote.
type View interface {
	// Apply writes u and returns the inverse patch: a Draw restoring every
	// touched position to the color it had right before u was applied.
	Apply(u Update) Update
	// Color returns the color at p.
	Color(p Vec2) Color
}

// Inverse computes the inverse of u against the colors reported by get.
// Pixels are recorded newest first so that, for a position touched several
// times in u, the oldest color is written last and wins.
func Inverse(u Update, get func(Vec2) Color) Update {
	backward := make([]Pixel, len(u.Draw))
	seen := make(map[Vec2]Color, len(u.Draw))
	for i, p := range u.Draw {
		before, ok := seen[p.Position]
		if !ok {
			before = get(p.Position)
		}
		backward[len(u.Draw)-1-i] = Pixel{Position: p.Position, Color: before}
		seen[p.Position] = p.Color
	}
	return Update{Draw: backward}
}
