package producer

import "errors"

// ErrClosed is returned when writing to a closed producer.
var ErrClosed = errors.New("producer closed")
