package consumer

import "errors"

var (
	// ErrStreamNotFound is returned when no producer answered the meta query.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrBadMeta is returned when the meta reply cannot be decoded.
	ErrBadMeta = errors.New("malformed meta reply")

	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("consumer closed")
)
