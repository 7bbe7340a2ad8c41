package wire

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dgnsrekt/ccnx-streamer/internal/name"
)

func segmentName(t *testing.T, seg uint64) name.Name {
	t.Helper()
	prefix, err := name.ParseURI("ccnx:/test/stream")
	if err != nil {
		t.Fatalf("ParseURI failed: %v", err)
	}
	n, err := name.Build(prefix, name.WithVersion(99), name.WithSegment(seg))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return n
}

func TestDataFinalBlock(t *testing.T) {
	n := segmentName(t, 2)
	d := &Data{
		Name:         n,
		FinalBlockID: n[len(n)-1],
		Content:      []byte("tail"),
		Signature:    []byte{1, 2, 3},
	}

	frame, err := Marshal(d)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	p, err := Unmarshal(frame)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	got, ok := p.(*Data)
	if !ok {
		t.Fatalf("expected *Data, got %T", p)
	}
	if !got.IsFinal() {
		t.Error("expected decoded data to be final")
	}
	if !got.Name.Equal(n) {
		t.Errorf("name mismatch: %s vs %s", got.Name, n)
	}
	if !bytes.Equal(got.Content, d.Content) {
		t.Errorf("content mismatch: %q", got.Content)
	}

	// The signature is excluded from the signed portion.
	if !bytes.Equal(got.SignedPortion(), d.SignedPortion()) {
		t.Error("signed portion changed after round trip")
	}
	if len(d.Marshal()) <= len(d.SignedPortion()) {
		t.Error("full encoding should extend the signed portion with the signature")
	}
}

func TestDataNotFinalWithoutMarker(t *testing.T) {
	d := &Data{Name: segmentName(t, 1), Content: []byte("x")}
	if d.IsFinal() {
		t.Error("data without final block id must not be final")
	}
}

func TestEmptyContentDecodesNonNil(t *testing.T) {
	d, err := UnmarshalData((&Data{Name: segmentName(t, 0)}).Marshal())
	if err != nil {
		t.Fatalf("UnmarshalData failed: %v", err)
	}
	if d.Content == nil || len(d.Content) != 0 {
		t.Errorf("expected empty non-nil content, got %v", d.Content)
	}
}

func TestInterestFlags(t *testing.T) {
	in := &Interest{
		Name:        segmentName(t, 7),
		Lifetime:    4 * time.Second,
		Nonce:       0xdeadbeef,
		CanBePrefix: true,
		MustBeFresh: true,
	}
	frame, _ := Marshal(in)
	p, err := Unmarshal(frame)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	got := p.(*Interest)
	if got.Lifetime != in.Lifetime || got.Nonce != in.Nonce || !got.CanBePrefix || !got.MustBeFresh {
		t.Errorf("interest fields lost: %+v", got)
	}
}

func TestUnknownFieldsSkipped(t *testing.T) {
	m := MetaInfo{Version: 5, LastSegment: 41, SegmentSize: 4000}
	b := m.Marshal()
	b = protowire.AppendTag(b, 15, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)

	got, err := UnmarshalMetaInfo(b)
	if err != nil {
		t.Fatalf("UnmarshalMetaInfo failed: %v", err)
	}
	if got != m {
		t.Errorf("expected %+v, got %+v", m, got)
	}
}

func TestMalformed(t *testing.T) {
	if _, err := Unmarshal([]byte{0x12, 0x05, 0x01}); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for truncated field, got %v", err)
	}
	if _, err := Unmarshal(nil); !errors.Is(err, ErrUnknownPacket) {
		t.Errorf("expected ErrUnknownPacket for empty frame, got %v", err)
	}
}

func TestZstdCodec(t *testing.T) {
	c, err := NewCodec(SubprotocolZstd)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	defer c.Close()

	d := &Data{Name: segmentName(t, 3), Content: bytes.Repeat([]byte("abcd"), 1000)}
	frame, err := c.Encode(d)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(frame) >= len(d.Content) {
		t.Errorf("expected compression, frame is %d bytes", len(frame))
	}

	p, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(p.(*Data).Content, d.Content) {
		t.Error("content mismatch after zstd round trip")
	}
}

func TestNewCodecRejectsUnknown(t *testing.T) {
	if _, err := NewCodec("json"); !errors.Is(err, ErrSubprotocol) {
		t.Errorf("expected ErrSubprotocol, got %v", err)
	}
}
