package canvas

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeusync/paintsync/pkg/matrix"
)

func TestFloorCeilDiv(t *testing.T) {
	cases := []struct {
		a, n        int32
		floor, ceil int32
	}{
		{0, 256, 0, 0},
		{1, 256, 0, 1},
		{255, 256, 0, 1},
		{256, 256, 1, 1},
		{-1, 256, -1, 0},
		{-256, 256, -1, -1},
		{-257, 256, -2, -1},
		{7, -2, -4, -3},
		{-7, -2, 3, 4},
	}
	for _, c := range cases {
		require.Equal(t, c.floor, FloorDiv(c.a, c.n), "floor(%d/%d)", c.a, c.n)
		require.Equal(t, c.ceil, CeilDiv(c.a, c.n), "ceil(%d/%d)", c.a, c.n)
	}
}

func TestChunkOf(t *testing.T) {
	chunk, local := ChunkOf(V(-1, -1), 256)
	require.Equal(t, V(-1, -1), chunk)
	require.Equal(t, V(255, 255), local)

	chunk, local = ChunkOf(V(64, -65), 64)
	require.Equal(t, V(1, -2), chunk)
	require.Equal(t, V(0, 63), local)
}

func TestRect(t *testing.T) {
	r := R(-3, -2, 5, 4)
	require.Equal(t, int64(8), r.Width())
	require.Equal(t, int64(6), r.Height())
	require.Equal(t, int64(48), r.Area())
	require.True(t, r.Contains(V(-3, -2)))
	require.False(t, r.Contains(V(5, 0)))

	require.Equal(t, R(-1, -1, 2, 1), r.ChunkRange(4))
	require.Equal(t, R(0, 0, 2, 2), R(0, 0, 5, 5).ChunkRange(4))

	require.True(t, r.Intersect(R(10, 10, 12, 12)).Empty())
	require.Equal(t, R(0, 0, 5, 4), r.Intersect(R(0, 0, 10, 10)))

	require.False(t, R(2, 0, 1, 1).Valid())
	require.Zero(t, R(2, 0, 1, 1).Area())

	t.Run("Full Range Extent", func(t *testing.T) {
		wide := R(math.MinInt32, 0, math.MaxInt32, 2)
		require.True(t, wide.Valid())
		require.Equal(t, int64(math.MaxUint32), wide.Width())
		require.Equal(t, int64(math.MaxUint32)*2, wide.Area())
	})
}

func TestInverse(t *testing.T) {
	img := NewImage()
	img.Apply(Draw(Pixel{Position: V(0, 0), Color: White}))

	forward := Draw(
		Pixel{Position: V(0, 0), Color: Red},
		Pixel{Position: V(1, 0), Color: Green},
		Pixel{Position: V(0, 0), Color: Blue},
	)
	backward := img.Apply(forward)
	require.Equal(t, Blue, img.Color(V(0, 0)))
	require.Equal(t, Green, img.Color(V(1, 0)))

	img.Apply(backward)
	require.Equal(t, White, img.Color(V(0, 0)))
	require.Equal(t, Transparent, img.Color(V(1, 0)))
	require.Equal(t, 1, img.Len())
}

func TestDrawIdempotent(t *testing.T) {
	u := Draw(
		Pixel{Position: V(-5, 3), Color: Red},
		Pixel{Position: V(2, 2), Color: Black},
	)
	once := NewImage()
	once.Apply(u)
	twice := NewImage()
	twice.Apply(u)
	twice.Apply(u)
	require.Equal(t, once.Pixels(), twice.Pixels())
}

func TestImageRegion(t *testing.T) {
	img := NewImage()
	img.Apply(Draw(
		Pixel{Position: V(-1, -1), Color: Red},
		Pixel{Position: V(1, 0), Color: Blue},
		Pixel{Position: V(50, 50), Color: Green},
	))
	m := img.Region(R(-1, -1, 2, 1))
	require.Equal(t, 3, m.Width)
	require.Equal(t, 2, m.Height)
	require.Equal(t, Red, m.At(0, 0))
	require.Equal(t, Blue, m.At(2, 1))
	require.Equal(t, Transparent, m.At(1, 1))

	require.Equal(t, 0, img.Region(R(0, 0, 0, 5)).Len())
}

func TestFromMatrix(t *testing.T) {
	m := matrix.New[Color](2, 1)
	m.Set(1, 0, Red)
	u := FromMatrix(V(10, -4), m)
	require.Equal(t, []Pixel{
		{Position: V(10, -4), Color: Transparent},
		{Position: V(11, -4), Color: Red},
	}, u.Draw)
	require.Equal(t, R(10, -4, 12, -3), u.Bounds())
}
