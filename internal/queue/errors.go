package queue

import "errors"

// ErrClosed is returned by Get once the queue is closed and empty.
var ErrClosed = errors.New("queue closed")
