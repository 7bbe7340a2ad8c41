package wire

import "errors"

var (
	ErrMalformed     = errors.New("malformed packet")
	ErrUnknownPacket = errors.New("unknown packet type")
	ErrSubprotocol   = errors.New("unsupported subprotocol")
)
