// Package chunk splits a byte stream into fixed-size named segments.
package chunk

import (
	"fmt"
	"sync/atomic"

	"github.com/dgnsrekt/ccnx-streamer/internal/name"
)

// DefaultSegmentSize is the maximum payload of a single segment.
const DefaultSegmentSize = 4000

// Chunk is one named segment ready to be signed and published.
type Chunk struct {
	Name    name.Name
	Segment uint64
	Payload []byte
	Final   bool
}

// Writer carries a partial segment across Write calls and numbers every
// emitted segment from zero. Write and Flush must be called from one
// goroutine; Counter may be read from any.
type Writer struct {
	prefix  name.Name
	size    int
	counter atomic.Uint64
	partial []byte
	flushed bool
}

// NewWriter returns a Writer naming segments under prefix, which normally
// already carries the stream version.
func NewWriter(prefix name.Name, segmentSize int) (*Writer, error) {
	if len(prefix) == 0 {
		return nil, name.ErrEmptyPrefix
	}
	if segmentSize < 1 {
		return nil, fmt.Errorf("%w: %d", ErrSegmentSize, segmentSize)
	}
	return &Writer{
		prefix:  prefix.Clone(),
		size:    segmentSize,
		partial: make([]byte, 0, segmentSize),
	}, nil
}

// Write slices p into full segments. Bytes that do not fill a segment are
// kept until the next Write or Flush. p is not retained.
func (w *Writer) Write(p []byte) ([]Chunk, error) {
	if w.flushed {
		return nil, ErrClosed
	}

	var out []Chunk
	if len(w.partial) > 0 {
		n := min(w.size-len(w.partial), len(p))
		w.partial = append(w.partial, p[:n]...)
		p = p[n:]
		if len(w.partial) < w.size {
			return nil, nil
		}
		c, err := w.emit(w.partial, false)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		w.partial = w.partial[:0]
	}

	for len(p) >= w.size {
		c, err := w.emit(p[:w.size], false)
		if err != nil {
			return out, err
		}
		out = append(out, c)
		p = p[w.size:]
	}

	w.partial = append(w.partial, p...)
	return out, nil
}

// Flush emits the remaining bytes as the final segment. The final segment is
// empty when the stream length is a multiple of the segment size. Only the
// first call emits anything.
func (w *Writer) Flush() ([]Chunk, error) {
	if w.flushed {
		return nil, nil
	}
	w.flushed = true

	c, err := w.emit(w.partial, true)
	if err != nil {
		return nil, err
	}
	w.partial = nil
	return []Chunk{c}, nil
}

func (w *Writer) emit(payload []byte, final bool) (Chunk, error) {
	seg := w.counter.Load()
	n, err := name.Build(w.prefix, name.WithSegment(seg))
	if err != nil {
		return Chunk{}, err
	}
	w.counter.Store(seg + 1)
	return Chunk{
		Name:    n,
		Segment: seg,
		Payload: append([]byte(nil), payload...),
		Final:   final,
	}, nil
}

// Counter returns the number of segments emitted so far.
func (w *Writer) Counter() uint64 {
	return w.counter.Load()
}

// Pending returns the size of the carried partial segment.
func (w *Writer) Pending() int {
	return len(w.partial)
}

// SegmentSize returns the maximum payload per segment.
func (w *Writer) SegmentSize() int {
	return w.size
}

// Prefix returns the versioned prefix segments are named under.
func (w *Writer) Prefix() name.Name {
	return w.prefix
}
