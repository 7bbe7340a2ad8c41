package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Websocket subprotocols understood by the hub and clients.
const (
	SubprotocolPlain = "ccnx.v1"
	SubprotocolZstd  = "ccnx.zstd.v1"
)

// Subprotocols lists supported subprotocols in preference order.
var Subprotocols = []string{SubprotocolZstd, SubprotocolPlain}

// Codec converts packets to frames, optionally Zstd-compressed.
// A Codec is safe for concurrent use.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec returns a Codec for the given subprotocol.
func NewCodec(subprotocol string) (*Codec, error) {
	switch subprotocol {
	case SubprotocolPlain, "":
		return &Codec{}, nil
	case SubprotocolZstd:
	default:
		return nil, fmt.Errorf("%w: %q", ErrSubprotocol, subprotocol)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Compressed reports whether frames are Zstd-compressed.
func (c *Codec) Compressed() bool {
	return c.enc != nil
}

// Encode marshals p into a frame.
func (c *Codec) Encode(p Packet) ([]byte, error) {
	b, err := Marshal(p)
	if err != nil {
		return nil, err
	}
	return c.Wrap(b), nil
}

// Wrap frames an already marshaled packet.
func (c *Codec) Wrap(b []byte) []byte {
	if c.enc == nil {
		return b
	}
	return c.enc.EncodeAll(b, nil)
}

// Decode parses a frame into a packet.
func (c *Codec) Decode(frame []byte) (Packet, error) {
	b := frame
	if c.dec != nil {
		var err error
		b, err = c.dec.DecodeAll(frame, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
	}
	return Unmarshal(b)
}

// Close releases compression resources.
func (c *Codec) Close() {
	if c.enc != nil {
		c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}
