package writebehind

import "errors"

var ErrClosed = errors.New("write-behind cache is closed")
