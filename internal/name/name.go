// Package name builds and parses hierarchical content names.
//
// A name is an ordered list of opaque binary components. Stream content is
// named prefix[/version][/segment], where the version and segment components
// start with a marker byte followed by a minimal big-endian unsigned integer.
package name

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const (
	// SegmentMarker prefixes a segment number component.
	SegmentMarker byte = 0x00
	// VersionMarker prefixes a version (timestamp) component.
	VersionMarker byte = 0xFD

	// MetaComponent and MetaSegmentKey form the latest-segment query suffix.
	MetaComponent  = "_meta_"
	MetaSegmentKey = ".segment"

	// MetaFreshness is how long an answer to a meta-query stays fresh.
	MetaFreshness = time.Second

	scheme = "ccnx:"
)

// Component is a single opaque name component.
type Component []byte

// Name is an ordered sequence of components.
type Name []Component

// Option adds an optional trailing component to a built name.
type Option func(*buildOpts)

type buildOpts struct {
	version    uint64
	hasVersion bool
	segment    uint64
	hasSegment bool
}

// WithVersion appends a version component.
func WithVersion(v uint64) Option {
	return func(o *buildOpts) {
		o.version = v
		o.hasVersion = true
	}
}

// WithSegment appends a segment component.
func WithSegment(s uint64) Option {
	return func(o *buildOpts) {
		o.segment = s
		o.hasSegment = true
	}
}

// Build returns prefix followed by the optional version and segment
// components. The prefix is copied; the result never aliases it.
func Build(prefix Name, opts ...Option) (Name, error) {
	if len(prefix) == 0 {
		return nil, ErrEmptyPrefix
	}

	var o buildOpts
	for _, opt := range opts {
		opt(&o)
	}

	out := make(Name, 0, len(prefix)+2)
	out = append(out, prefix.Clone()...)
	if o.hasVersion {
		out = append(out, NumberComponent(VersionMarker, o.version))
	}
	if o.hasSegment {
		out = append(out, NumberComponent(SegmentMarker, o.segment))
	}
	return out, nil
}

// Meta returns the latest-segment query name for prefix.
func Meta(prefix Name) (Name, error) {
	if len(prefix) == 0 {
		return nil, ErrEmptyPrefix
	}
	out := prefix.Clone()
	return append(out, Component(MetaComponent), Component(MetaSegmentKey)), nil
}

// IsMeta reports whether n is a latest-segment query for prefix, optionally
// followed by further components.
func IsMeta(n, prefix Name) bool {
	if !n.HasPrefix(prefix) || len(n) < len(prefix)+2 {
		return false
	}
	return string(n[len(prefix)]) == MetaComponent && string(n[len(prefix)+1]) == MetaSegmentKey
}

// NumberComponent encodes v as marker followed by its minimal big-endian
// bytes. Zero encodes as the marker alone.
func NumberComponent(marker byte, v uint64) Component {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < len(buf) && buf[i] == 0 {
		i++
	}
	c := make(Component, 0, 1+len(buf)-i)
	c = append(c, marker)
	return append(c, buf[i:]...)
}

// Number decodes a marker-prefixed number component.
func (c Component) Number(marker byte) (uint64, bool) {
	if len(c) == 0 || c[0] != marker || len(c) > 9 {
		return 0, false
	}
	var v uint64
	for _, b := range c[1:] {
		v = v<<8 | uint64(b)
	}
	return v, true
}

// Segment decodes the trailing segment component, if present.
func (n Name) Segment() (uint64, bool) {
	if len(n) == 0 {
		return 0, false
	}
	return n[len(n)-1].Number(SegmentMarker)
}

// Version returns the first version component found in n.
func (n Name) Version() (uint64, bool) {
	for _, c := range n {
		if v, ok := c.Number(VersionMarker); ok {
			return v, true
		}
	}
	return 0, false
}

// WithoutSegment returns n with a trailing segment component removed.
func (n Name) WithoutSegment() Name {
	if _, ok := n.Segment(); ok {
		return n[:len(n)-1]
	}
	return n
}

// VersionAt converts t into version units of 1/4096 second.
func VersionAt(t time.Time) uint64 {
	if t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())<<12 | uint64(t.Nanosecond())*4096/uint64(time.Second)
}

// HasPrefix reports whether prefix is a leading subsequence of n.
func (n Name) HasPrefix(prefix Name) bool {
	if len(prefix) > len(n) {
		return false
	}
	for i := range prefix {
		if !bytes.Equal(n[i], prefix[i]) {
			return false
		}
	}
	return true
}

// Equal reports whether n and o have identical components.
func (n Name) Equal(o Name) bool {
	return len(n) == len(o) && n.HasPrefix(o)
}

// Clone returns a deep copy of n.
func (n Name) Clone() Name {
	if n == nil {
		return nil
	}
	out := make(Name, len(n))
	for i, c := range n {
		out[i] = append(Component(nil), c...)
	}
	return out
}

// Key returns a string usable as a map key. Distinct names give distinct keys.
func (n Name) Key() string {
	var sb strings.Builder
	var lenBuf [binary.MaxVarintLen64]byte
	for _, c := range n {
		k := binary.PutUvarint(lenBuf[:], uint64(len(c)))
		sb.Write(lenBuf[:k])
		sb.Write(c)
	}
	return sb.String()
}

// String renders n as a ccnx URI, percent-escaping non-printable bytes.
func (n Name) String() string {
	if len(n) == 0 {
		return scheme + "/"
	}
	var sb strings.Builder
	sb.WriteString(scheme)
	for _, c := range n {
		sb.WriteByte('/')
		for _, b := range c {
			if isUnreserved(b) {
				sb.WriteByte(b)
			} else {
				fmt.Fprintf(&sb, "%%%02X", b)
			}
		}
	}
	return sb.String()
}

// ParseURI parses "ccnx:/a/b" (or a bare "/a/b") into a Name.
func ParseURI(uri string) (Name, error) {
	rest := uri
	if strings.Contains(uri, ":") {
		if !strings.HasPrefix(uri, scheme) {
			return nil, fmt.Errorf("%w: %q", ErrBadScheme, uri)
		}
		rest = strings.TrimPrefix(uri, scheme)
	}
	if !strings.HasPrefix(rest, "/") {
		return nil, fmt.Errorf("%w: %q", ErrBadURI, uri)
	}

	var out Name
	for _, part := range strings.Split(rest[1:], "/") {
		if part == "" {
			continue
		}
		c, err := unescape(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadURI, uri, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func unescape(s string) (Component, error) {
	c := make(Component, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			c = append(c, s[i])
			continue
		}
		if i+2 >= len(s) {
			return nil, fmt.Errorf("truncated escape at %d", i)
		}
		hi, ok1 := fromHex(s[i+1])
		lo, ok2 := fromHex(s[i+2])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("invalid escape %q", s[i:i+3])
		}
		c = append(c, hi<<4|lo)
		i += 2
	}
	return c, nil
}

func fromHex(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}

func isUnreserved(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '-', b == '.', b == '_', b == '~':
		return true
	}
	return false
}
