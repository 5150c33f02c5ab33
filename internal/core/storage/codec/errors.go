package codec

import "errors"

var (
	ErrCorrupt            = errors.New("corrupt record")
	ErrUnsupportedVersion = errors.New("unsupported record version")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrSizeMismatch       = errors.New("chunk size mismatch")
)
