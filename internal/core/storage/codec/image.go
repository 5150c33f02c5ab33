package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/zeusync/paintsync/internal/core/canvas"
	"github.com/zeusync/paintsync/pkg/encoding"
)

// Whole-canvas file layout, gzip compressed:
//
//	magic "PSCV" | version u8 | count u32 | count x (x i32 | y i32 | rgba)
const (
	imageMagic      = "PSCV"
	imageVersion    = uint8(1)
	imageHeaderSize = 4 + 1 + 4
	imageEntrySize  = 4 + 4 + 4
)

// Image encodes a sparse whole canvas into a single record.
type Image struct {
	level int
}

var _ encoding.Codec[canvas.Image] = Image{}

// NewImage returns the whole-canvas codec using the best gzip compression.
func NewImage() Image {
	return Image{level: gzip.BestCompression}
}

func (c Image) Encode(img *canvas.Image) ([]byte, error) {
	pixels := img.Pixels()

	raw := make([]byte, imageHeaderSize, imageHeaderSize+len(pixels)*imageEntrySize)
	copy(raw[0:4], imageMagic)
	raw[4] = imageVersion
	binary.BigEndian.PutUint32(raw[5:9], uint32(len(pixels)))
	for _, p := range pixels {
		raw = binary.BigEndian.AppendUint32(raw, uint32(p.Position.X))
		raw = binary.BigEndian.AppendUint32(raw, uint32(p.Position.Y))
		raw = append(raw, p.Color[:]...)
	}

	var out bytes.Buffer
	zw, err := gzip.NewWriterLevel(&out, c.level)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err = zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress canvas: %w", err)
	}
	if err = zw.Close(); err != nil {
		return nil, fmt.Errorf("compress canvas: %w", err)
	}
	return out.Bytes(), nil
}

func (c Image) Decode(data []byte) (*canvas.Image, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer func() { _ = zr.Close() }()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}
	if len(raw) < imageHeaderSize || string(raw[0:4]) != imageMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if raw[4] != imageVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, raw[4])
	}
	count := int(binary.BigEndian.Uint32(raw[5:9]))
	body := raw[imageHeaderSize:]
	if len(body) != count*imageEntrySize {
		return nil, fmt.Errorf("%w: %d bytes for %d pixels", ErrCorrupt, len(body), count)
	}

	pixels := make([]canvas.Pixel, count)
	for i := range pixels {
		e := body[i*imageEntrySize:]
		pixels[i].Position = canvas.V(
			int32(binary.BigEndian.Uint32(e[0:4])),
			int32(binary.BigEndian.Uint32(e[4:8])),
		)
		copy(pixels[i].Color[:], e[8:12])
	}

	img := canvas.NewImage()
	img.Apply(canvas.Update{Draw: pixels})
	return img, nil
}
