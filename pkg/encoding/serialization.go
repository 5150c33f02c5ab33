// Package encoding defines how values are turned into durable bytes.
package encoding

// Codec serializes values of T to a fixed binary encoding and back.
// Decode must reject data it did not produce instead of guessing.
type Codec[T any] interface {
	Encode(value *T) ([]byte, error)
	Decode(data []byte) (*T, error)
}

// Funcs adapts a pair of functions to Codec.
type Funcs[T any] struct {
	EncodeFunc func(value *T) ([]byte, error)
	DecodeFunc func(data []byte) (*T, error)
}

func (f Funcs[T]) Encode(value *T) ([]byte, error) {
	return f.EncodeFunc(value)
}

func (f Funcs[T]) Decode(data []byte) (*T, error) {
	return f.DecodeFunc(data)
}
