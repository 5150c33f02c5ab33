// Package matrix provides a dense, fixed-size 2-D array.
package matrix

import "fmt"

// Matrix is a dense Width x Height grid stored row-major.
// Cell (x, y) lives at Data[y*Width+x].
type Matrix[T any] struct {
	Width  int `json:"w"`
	Height int `json:"h"`
	Data   []T `json:"data"`
}

// New returns a matrix of the given size filled with the zero value of T.
func New[T any](width, height int) *Matrix[T] {
	if width < 0 || height < 0 {
		panic(fmt.Sprintf("matrix: negative size %dx%d", width, height))
	}
	return &Matrix[T]{
		Width:  width,
		Height: height,
		Data:   make([]T, width*height),
	}
}

// Filled returns a matrix of the given size with every cell set to value.
func Filled[T any](width, height int, value T) *Matrix[T] {
	m := New[T](width, height)
	m.Fill(value)
	return m
}

func (m *Matrix[T]) index(x, y int) int {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		panic(fmt.Sprintf("matrix: index (%d, %d) out of range %dx%d", x, y, m.Width, m.Height))
	}
	return y*m.Width + x
}

// At returns the cell at (x, y). It panics when the index is out of range.
func (m *Matrix[T]) At(x, y int) T {
	return m.Data[m.index(x, y)]
}

// Set stores value at (x, y). It panics when the index is out of range.
func (m *Matrix[T]) Set(x, y int, value T) {
	m.Data[m.index(x, y)] = value
}

// Ref returns a pointer to the cell at (x, y).
func (m *Matrix[T]) Ref(x, y int) *T {
	return &m.Data[m.index(x, y)]
}

// Fill sets every cell to value.
func (m *Matrix[T]) Fill(value T) {
	for i := range m.Data {
		m.Data[i] = value
	}
}

// Len returns the number of cells.
func (m *Matrix[T]) Len() int {
	return len(m.Data)
}

// Valid reports whether the backing slice matches the declared size.
// Decoded matrices should be checked before use.
func (m *Matrix[T]) Valid() bool {
	return m.Width >= 0 && m.Height >= 0 && len(m.Data) == m.Width*m.Height
}

// Clone returns a deep copy of the matrix.
func (m *Matrix[T]) Clone() *Matrix[T] {
	c := &Matrix[T]{Width: m.Width, Height: m.Height, Data: make([]T, len(m.Data))}
	copy(c.Data, m.Data)
	return c
}

// CopyFrom copies a width x height block from src at (srcX, srcY) into m at (dstX, dstY).
// Rows are copied with the builtin copy, so the block must fit inside both matrices.
func (m *Matrix[T]) CopyFrom(src *Matrix[T], srcX, srcY, dstX, dstY, width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	// bounds are checked on the last cell of the block for both sides
	_ = src.index(srcX+width-1, srcY+height-1)
	_ = m.index(dstX+width-1, dstY+height-1)
	_ = src.index(srcX, srcY)
	_ = m.index(dstX, dstY)

	for row := 0; row < height; row++ {
		s := (srcY+row)*src.Width + srcX
		d := (dstY+row)*m.Width + dstX
		copy(m.Data[d:d+width], src.Data[s:s+width])
	}
}
