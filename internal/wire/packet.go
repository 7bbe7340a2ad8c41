// Package wire encodes the packets exchanged between stream endpoints and the
// hub. Messages use the protobuf wire format so that any protobuf toolchain
// can read them:
//
//	Name     { repeated bytes component = 1; }
//	Interest { Name name = 1; uint64 lifetime_ms = 2; uint32 nonce = 3;
//	           bool can_be_prefix = 4; bool must_be_fresh = 5; }
//	Data     { Name name = 1; uint64 freshness_ms = 2; bytes final_block_id = 3;
//	           bytes content = 4; bytes key_digest = 5; bytes signature = 6; }
//	MetaInfo { uint64 version = 1; uint64 last_segment = 2; uint32 segment_size = 3; }
//	Packet   { oneof { Interest interest = 1; Data data = 2; Name register = 3; } }
package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dgnsrekt/ccnx-streamer/internal/name"
)

// Packet is one of *Interest, *Data or *Register.
type Packet interface {
	isPacket()
}

// Interest asks the network for the data named Name.
type Interest struct {
	Name        name.Name
	Lifetime    time.Duration
	Nonce       uint32
	CanBePrefix bool
	MustBeFresh bool
}

// Data is a named, optionally signed payload.
type Data struct {
	Name         name.Name
	Freshness    time.Duration
	FinalBlockID name.Component
	Content      []byte
	KeyDigest    []byte
	Signature    []byte
}

// Register announces that the sending face serves Prefix.
type Register struct {
	Prefix name.Name
}

func (*Interest) isPacket() {}
func (*Data) isPacket() {}
func (*Register) isPacket() {}

// IsFinal reports whether d carries the final block of its stream.
func (d *Data) IsFinal() bool {
	if len(d.FinalBlockID) == 0 || len(d.Name) == 0 {
		return false
	}
	return string(d.Name[len(d.Name)-1]) == string(d.FinalBlockID)
}

// MetaInfo answers a latest-segment query.
type MetaInfo struct {
	Version     uint64
	LastSegment uint64
	SegmentSize uint32
}

const (
	fieldPacketInterest protowire.Number = 1
	fieldPacketData     protowire.Number = 2
	fieldPacketRegister protowire.Number = 3

	fieldNameComponent protowire.Number = 1

	fieldInterestName        protowire.Number = 1
	fieldInterestLifetime    protowire.Number = 2
	fieldInterestNonce       protowire.Number = 3
	fieldInterestCanBePrefix protowire.Number = 4
	fieldInterestMustBeFresh protowire.Number = 5

	fieldDataName      protowire.Number = 1
	fieldDataFreshness protowire.Number = 2
	fieldDataFinal     protowire.Number = 3
	fieldDataContent   protowire.Number = 4
	fieldDataKeyDigest protowire.Number = 5
	fieldDataSignature protowire.Number = 6

	fieldMetaVersion     protowire.Number = 1
	fieldMetaLastSegment protowire.Number = 2
	fieldMetaSegmentSize protowire.Number = 3
)

// Marshal encodes p as a Packet message.
func Marshal(p Packet) ([]byte, error) {
	switch m := p.(type) {
	case *Interest:
		return appendMessage(nil, fieldPacketInterest, m.marshal()), nil
	case *Data:
		return MarshalDataPacket(m.Marshal()), nil
	case *Register:
		return appendMessage(nil, fieldPacketRegister, marshalName(m.Prefix)), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPacket, p)
	}
}

// MarshalDataPacket wraps an already encoded Data message in a Packet.
func MarshalDataPacket(data []byte) []byte {
	return appendMessage(nil, fieldPacketData, data)
}

// Unmarshal decodes a Packet message.
func Unmarshal(b []byte) (Packet, error) {
	var out Packet
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		var err error
		switch num {
		case fieldPacketInterest:
			out, err = unmarshalInterest(v)
		case fieldPacketData:
			out, err = UnmarshalData(v)
		case fieldPacketRegister:
			var n name.Name
			n, err = unmarshalName(v)
			out = &Register{Prefix: n}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrUnknownPacket
	}
	return out, nil
}

func (i *Interest) marshal() []byte {
	b := appendMessage(nil, fieldInterestName, marshalName(i.Name))
	b = appendUint(b, fieldInterestLifetime, uint64(i.Lifetime/time.Millisecond))
	b = appendUint(b, fieldInterestNonce, uint64(i.Nonce))
	b = appendBool(b, fieldInterestCanBePrefix, i.CanBePrefix)
	return appendBool(b, fieldInterestMustBeFresh, i.MustBeFresh)
}

func unmarshalInterest(b []byte) (*Interest, error) {
	var i Interest
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, u uint64) error {
		switch num {
		case fieldInterestName:
			n, err := unmarshalName(v)
			i.Name = n
			return err
		case fieldInterestLifetime:
			i.Lifetime = time.Duration(u) * time.Millisecond
		case fieldInterestNonce:
			i.Nonce = uint32(u)
		case fieldInterestCanBePrefix:
			i.CanBePrefix = u != 0
		case fieldInterestMustBeFresh:
			i.MustBeFresh = u != 0
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("interest: %w", err)
	}
	return &i, nil
}

// SignedPortion returns the encoding of every field covered by the signature.
func (d *Data) SignedPortion() []byte {
	b := appendMessage(nil, fieldDataName, marshalName(d.Name))
	b = appendUint(b, fieldDataFreshness, uint64(d.Freshness/time.Millisecond))
	b = appendField(b, fieldDataFinal, d.FinalBlockID)
	b = appendField(b, fieldDataContent, d.Content)
	return appendField(b, fieldDataKeyDigest, d.KeyDigest)
}

// Marshal encodes d as a Data message.
func (d *Data) Marshal() []byte {
	return appendField(d.SignedPortion(), fieldDataSignature, d.Signature)
}

// UnmarshalData decodes a Data message. The returned fields do not alias b.
func UnmarshalData(b []byte) (*Data, error) {
	var d Data
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, u uint64) error {
		switch num {
		case fieldDataName:
			n, err := unmarshalName(v)
			d.Name = n
			return err
		case fieldDataFreshness:
			d.Freshness = time.Duration(u) * time.Millisecond
		case fieldDataFinal:
			d.FinalBlockID = clone(v)
		case fieldDataContent:
			d.Content = clone(v)
		case fieldDataKeyDigest:
			d.KeyDigest = clone(v)
		case fieldDataSignature:
			d.Signature = clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	if d.Content == nil {
		d.Content = []byte{}
	}
	return &d, nil
}

// Marshal encodes m as a MetaInfo message.
func (m MetaInfo) Marshal() []byte {
	b := appendUint(nil, fieldMetaVersion, m.Version)
	b = appendUint(b, fieldMetaLastSegment, m.LastSegment)
	return appendUint(b, fieldMetaSegmentSize, uint64(m.SegmentSize))
}

// UnmarshalMetaInfo decodes a MetaInfo message.
func UnmarshalMetaInfo(b []byte) (MetaInfo, error) {
	var m MetaInfo
	err := walk(b, func(num protowire.Number, _ protowire.Type, _ []byte, u uint64) error {
		switch num {
		case fieldMetaVersion:
			m.Version = u
		case fieldMetaLastSegment:
			m.LastSegment = u
		case fieldMetaSegmentSize:
			m.SegmentSize = uint32(u)
		}
		return nil
	})
	if err != nil {
		return MetaInfo{}, fmt.Errorf("meta info: %w", err)
	}
	return m, nil
}

func marshalName(n name.Name) []byte {
	var b []byte
	for _, c := range n {
		b = protowire.AppendTag(b, fieldNameComponent, protowire.BytesType)
		b = protowire.AppendBytes(b, c)
	}
	return b
}

func unmarshalName(b []byte) (name.Name, error) {
	var n name.Name
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		if num == fieldNameComponent {
			n = append(n, name.Component(clone(v)))
		}
		return nil
	})
	return n, err
}

// walk visits every field of a message. Varint fields arrive in u, length
// delimited fields in v; other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			v []byte
			u uint64
		)
		switch typ {
		case protowire.VarintType:
			u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(num, typ, v, u); err != nil {
			return err
		}
	}
	return nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	return appendMessage(b, num, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint(b, num, 1)
}

func clone(v []byte) []byte {
	return append([]byte{}, v...)
}
