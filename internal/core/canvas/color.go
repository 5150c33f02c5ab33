package canvas

import "fmt"

// Color is an 8-bit RGBA color. The zero value is fully transparent black,
// which is also the color of every pixel nobody has painted.
type Color [4]uint8

var (
	Transparent = Color{0, 0, 0, 0}
	Black       = Color{0, 0, 0, 255}
	White       = Color{255, 255, 255, 255}
	Red         = Color{255, 0, 0, 255}
	Green       = Color{0, 255, 0, 255}
	Blue        = Color{0, 0, 255, 255}
)

// RGBA builds a color from its channels.
func RGBA(r, g, b, a uint8) Color {
	return Color{r, g, b, a}
}

func (c Color) R() uint8 { return c[0] }
func (c Color) G() uint8 { return c[1] }
func (c Color) B() uint8 { return c[2] }
func (c Color) A() uint8 { return c[3] }

// IsTransparent reports whether the alpha channel is zero.
func (c Color) IsTransparent() bool {
	return c[3] == 0
}

func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x%02x", c[0], c[1], c[2], c[3])
}
