// Package codec holds the on-disk encodings of canvas records.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/zeusync/paintsync/internal/core/canvas"
	"github.com/zeusync/paintsync/pkg/encoding"
	"github.com/zeusync/paintsync/pkg/generic"
	"github.com/zeusync/paintsync/pkg/matrix"
)

// Chunk file layout, zstd compressed as a whole:
//
//	magic "PSCK" | version u8 | edge u16 | xxhash64(payload) u64 | payload
//
// The payload is edge*edge RGBA quadruples in row-major order.
const (
	chunkMagic      = "PSCK"
	chunkVersion    = uint8(1)
	chunkHeaderSize = 4 + 1 + 2 + 8
	bytesPerPixel   = 4
)

// Chunk encodes size x size color grids.
type Chunk struct {
	size    int
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	buffers *generic.Pool[*bytes.Buffer]
}

var _ encoding.Codec[matrix.Matrix[canvas.Color]] = (*Chunk)(nil)

// NewChunk returns a codec for chunks with the given edge length.
func NewChunk(size int) (*Chunk, error) {
	if size <= 0 || size > 0xFFFF {
		return nil, fmt.Errorf("chunk size %d out of range", size)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	raw := chunkHeaderSize + size*size*bytesPerPixel
	return &Chunk{
		size:    size,
		encoder: encoder,
		decoder: decoder,
		buffers: generic.NewResetPool(
			func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, raw)) },
			func(b *bytes.Buffer) *bytes.Buffer { b.Reset(); return b },
		),
	}, nil
}

// Size returns the chunk edge length.
func (c *Chunk) Size() int {
	return c.size
}

// New returns a fully transparent chunk.
func (c *Chunk) New() *matrix.Matrix[canvas.Color] {
	return matrix.New[canvas.Color](c.size, c.size)
}

func (c *Chunk) Encode(m *matrix.Matrix[canvas.Color]) ([]byte, error) {
	if m.Width != c.size || m.Height != c.size || !m.Valid() {
		return nil, fmt.Errorf("%w: got %dx%d, want %dx%d", ErrSizeMismatch, m.Width, m.Height, c.size, c.size)
	}

	buf := c.buffers.Get()
	defer c.buffers.Put(buf)

	var header [chunkHeaderSize]byte
	buf.Write(header[:])
	for _, color := range m.Data {
		buf.Write(color[:])
	}

	raw := buf.Bytes()
	copy(raw[0:4], chunkMagic)
	raw[4] = chunkVersion
	binary.BigEndian.PutUint16(raw[5:7], uint16(c.size))
	binary.BigEndian.PutUint64(raw[7:15], xxhash.Sum64(raw[chunkHeaderSize:]))

	return c.encoder.EncodeAll(raw, nil), nil
}

func (c *Chunk) Decode(data []byte) (*matrix.Matrix[canvas.Color], error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}
	if len(raw) < chunkHeaderSize || string(raw[0:4]) != chunkMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if raw[4] != chunkVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, raw[4])
	}
	if size := int(binary.BigEndian.Uint16(raw[5:7])); size != c.size {
		return nil, fmt.Errorf("%w: record has edge %d, want %d", ErrSizeMismatch, size, c.size)
	}
	payload := raw[chunkHeaderSize:]
	if len(payload) != c.size*c.size*bytesPerPixel {
		return nil, fmt.Errorf("%w: payload is %d bytes", ErrCorrupt, len(payload))
	}
	if sum := xxhash.Sum64(payload); sum != binary.BigEndian.Uint64(raw[7:15]) {
		return nil, fmt.Errorf("%w: got %016x", ErrChecksumMismatch, sum)
	}

	m := c.New()
	for i := range m.Data {
		copy(m.Data[i][:], payload[i*bytesPerPixel:(i+1)*bytesPerPixel])
	}
	return m, nil
}
