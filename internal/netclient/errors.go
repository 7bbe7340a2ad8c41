package netclient

import "errors"

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("client closed")
)
