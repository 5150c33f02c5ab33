package canvas

import (
	"sort"

	"github.com/zeusync/paintsync/pkg/matrix"
)

// Image is a sparse canvas keeping only painted positions. It backs the
// whole-canvas persistence mode where the entire drawing fits in one record.
type Image struct {
	pixels map[Vec2]Color
}

var _ View = (*Image)(nil)

// NewImage returns an empty image.
func NewImage() *Image {
	return &Image{pixels: make(map[Vec2]Color)}
}

// Apply writes every pixel of u in order and returns the inverse patch.
func (img *Image) Apply(u Update) Update {
	backward := Inverse(u, img.Color)
	for _, p := range u.Draw {
		img.set(p.Position, p.Color)
	}
	return backward
}

func (img *Image) set(p Vec2, c Color) {
	if c == Transparent {
		delete(img.pixels, p)
		return
	}
	img.pixels[p] = c
}

// Color returns the color at p, transparent when unpainted.
func (img *Image) Color(p Vec2) Color {
	return img.pixels[p]
}

// Len returns the number of painted positions.
func (img *Image) Len() int {
	return len(img.pixels)
}

// Pixels returns every painted pixel sorted by (y, x) so the output is stable.
func (img *Image) Pixels() []Pixel {
	out := make([]Pixel, 0, len(img.pixels))
	for p, c := range img.pixels {
		out = append(out, Pixel{Position: p, Color: c})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Position, out[j].Position
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return out
}

// Region copies the rectangle r into a dense matrix.
func (img *Image) Region(r Rect) *matrix.Matrix[Color] {
	if r.Empty() {
		return matrix.New[Color](0, 0)
	}
	m := matrix.New[Color](int(r.Width()), int(r.Height()))
	// iterate whichever side is smaller
	if int64(len(img.pixels)) < r.Area() {
		for p, c := range img.pixels {
			if r.Contains(p) {
				m.Set(int(p.X-r.Min.X), int(p.Y-r.Min.Y), c)
			}
		}
		return m
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if c, ok := img.pixels[V(x, y)]; ok {
				m.Set(int(x-r.Min.X), int(y-r.Min.Y), c)
			}
		}
	}
	return m
}
