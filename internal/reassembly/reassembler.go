// Package reassembly turns out-of-order segment arrivals into an in-order
// payload stream.
package reassembly

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/dgnsrekt/ccnx-streamer/internal/window"
)

// DefaultStallLimit is the number of consecutive give-ups after which the
// stream is ended.
const DefaultStallLimit = 8

// SkipPolicy chooses where delivery resumes after the expected segment is
// abandoned.
type SkipPolicy int

const (
	// SkipNext resumes at the abandoned segment plus one.
	SkipNext SkipPolicy = iota
	// SkipToBest resumes at the lowest segment already received beyond the
	// abandoned one, recording every segment in between as a gap.
	SkipToBest
)

// ParseSkipPolicy accepts "next" or "best".
func ParseSkipPolicy(s string) (SkipPolicy, error) {
	switch strings.ToLower(s) {
	case "", "next":
		return SkipNext, nil
	case "best":
		return SkipToBest, nil
	default:
		return SkipNext, fmt.Errorf("unknown skip policy %q", s)
	}
}

func (p SkipPolicy) String() string {
	if p == SkipToBest {
		return "best"
	}
	return "next"
}

// Sink receives payloads in segment order. A zero-length payload marks the
// end of the stream.
type Sink interface {
	Put(payload []byte, overwrite bool) bool
}

// Config tunes a Reassembler.
type Config struct {
	// SegmentSize lets a short payload mark the final segment. Zero disables
	// the check.
	SegmentSize int
	// StartOffset is where delivery resumes after segment 0.
	StartOffset uint64
	Policy      SkipPolicy
	// StallLimit ends the stream after this many consecutive give-ups with
	// nothing delivered in between. Zero disables it.
	StallLimit int
}

// Reassembler emits payloads held in window slots strictly in segment
// order. All methods must be called from the network goroutine.
type Reassembler struct {
	win    *window.Window
	sink   Sink
	cfg    Config
	logger *zap.Logger

	expected  uint64
	next      uint64
	finalSeg  uint64
	hasFinal  bool
	finished  bool
	stalls    int
	delivered uint64
	abandoned map[uint64]struct{}
	gaps      []uint64
}

// New returns a Reassembler draining win into sink.
func New(win *window.Window, sink Sink, cfg Config, logger *zap.Logger) *Reassembler {
	return &Reassembler{
		win:       win,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
		abandoned: make(map[uint64]struct{}),
	}
}

func (r *Reassembler) after(seg uint64) uint64 {
	if seg == 0 {
		return max(1, r.cfg.StartOffset)
	}
	return seg + 1
}

// NextRequest returns the next segment that has not been requested yet.
// It reports false once the stream is finished or the final segment has
// already been requested.
func (r *Reassembler) NextRequest() (uint64, bool) {
	if r.finished {
		return 0, false
	}
	if r.next < r.expected {
		r.next = r.expected
	}
	if r.hasFinal && r.next > r.finalSeg {
		return 0, false
	}
	seg := r.next
	r.next = r.after(seg)
	return seg, true
}

// OnArrival stores payload for seg and emits everything that is now
// contiguous. payload is copied.
func (r *Reassembler) OnArrival(seg uint64, payload []byte, final bool) {
	slot := r.win.Find(seg)
	if slot == nil || slot.State() == window.HaveData {
		r.logger.Debug("ignoring untracked segment", zap.Uint64("segment", seg))
		return
	}

	if r.cfg.SegmentSize > 0 && len(payload) < r.cfg.SegmentSize {
		final = true
	}
	r.win.Complete(slot, payload, final)

	if r.finished || seg < r.expected {
		r.logger.Debug("discarding late segment",
			zap.Uint64("segment", seg),
			zap.Uint64("expected", r.expected),
		)
		r.win.Release(slot)
		return
	}

	if final && (!r.hasFinal || seg < r.finalSeg) {
		r.hasFinal = true
		r.finalSeg = seg
	}

	if seg > r.expected {
		r.logger.Debug("buffering early segment",
			zap.Uint64("segment", seg),
			zap.Uint64("expected", r.expected),
		)
	}
	r.drain()
}

// OnGiveUp abandons seg after its retries ran out.
func (r *Reassembler) OnGiveUp(seg uint64) {
	r.win.Release(r.win.Find(seg))
	if r.finished || seg < r.expected {
		return
	}
	if seg > r.expected {
		r.abandoned[seg] = struct{}{}
		return
	}

	r.skip(seg)
	if r.finished {
		return
	}
	if r.cfg.Policy == SkipToBest {
		r.skipToBest()
	}
	r.drain()
}

func (r *Reassembler) skipToBest() {
	best := r.win.FindNextBest(r.expected)
	if best == nil || best.Segment() <= r.expected {
		return
	}
	target := best.Segment()
	for seg := r.expected; seg < target; seg++ {
		r.win.Release(r.win.Find(seg))
		delete(r.abandoned, seg)
		r.gaps = append(r.gaps, seg)
	}
	r.logger.Debug("skipping ahead to received segment",
		zap.Uint64("from", r.expected),
		zap.Uint64("to", target),
	)
	r.expected = target
}

// skip records seg as a gap and moves past it.
func (r *Reassembler) skip(seg uint64) {
	r.gaps = append(r.gaps, seg)
	r.stalls++
	r.expected = r.after(seg)
	r.logger.Warn("segment abandoned",
		zap.Uint64("segment", seg),
		zap.Int("consecutive", r.stalls),
	)
	if r.cfg.StallLimit > 0 && r.stalls >= r.cfg.StallLimit {
		r.logger.Warn("stream stalled, ending delivery", zap.Int("give_ups", r.stalls))
		r.finish()
	}
}

func (r *Reassembler) drain() {
	for !r.finished {
		if r.hasFinal && r.expected > r.finalSeg {
			r.finish()
			return
		}
		if _, ok := r.abandoned[r.expected]; ok {
			delete(r.abandoned, r.expected)
			r.skip(r.expected)
			continue
		}
		s := r.win.FindNextBest(r.expected)
		if s == nil || s.Segment() != r.expected {
			return
		}
		r.emit(s)
	}
}

func (r *Reassembler) emit(s *window.Slot) {
	seg, final := s.Segment(), s.Final()
	if payload := s.Payload(); len(payload) > 0 {
		r.sink.Put(payload, false)
	}
	r.delivered++
	r.stalls = 0
	r.win.Release(s)
	r.expected = r.after(seg)

	if final {
		r.logger.Debug("final segment delivered", zap.Uint64("segment", seg))
		r.finish()
	}
}

func (r *Reassembler) finish() {
	if r.finished {
		return
	}
	r.finished = true
	for _, info := range r.win.Snapshot() {
		r.win.Release(r.win.Find(info.Segment))
	}
	r.sink.Put([]byte{}, false)
}

// Finished reports whether the terminal marker was emitted.
func (r *Reassembler) Finished() bool {
	return r.finished
}

// ExpectedNext returns the segment delivery is waiting for.
func (r *Reassembler) ExpectedNext() uint64 {
	return r.expected
}

// Delivered returns how many segments were emitted.
func (r *Reassembler) Delivered() uint64 {
	return r.delivered
}

// Gaps returns the abandoned segments in ascending order.
func (r *Reassembler) Gaps() []uint64 {
	out := append([]uint64(nil), r.gaps...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
