package chunk

import "errors"

var (
	ErrClosed      = errors.New("chunk writer already flushed")
	ErrSegmentSize = errors.New("invalid segment size")
)
