// Package window tracks the fixed set of in-flight segment requests.
package window

import "sync"

// DefaultCapacity is the default number of requests kept in flight.
const DefaultCapacity = 4

// DefaultRetryLimit is the number of timeouts tolerated before giving up.
const DefaultRetryLimit = 5

// State of a request slot.
type State int

const (
	Idle State = iota
	Waiting
	TimedOut
	HaveData
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case TimedOut:
		return "timed_out"
	case HaveData:
		return "have_data"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a timeout.
type Decision int

const (
	Reexpress Decision = iota
	GiveUp
)

// Slot tracks one outstanding or completed request. Its fields change only
// through Window methods.
type Slot struct {
	state    State
	segment  uint64
	payload  []byte
	final    bool
	timeouts int
}

func (s *Slot) State() State { return s.state }
func (s *Slot) Segment() uint64 { return s.segment }
func (s *Slot) Payload() []byte { return s.payload }
func (s *Slot) Final() bool { return s.final }
func (s *Slot) Timeouts() int { return s.timeouts }

// Window is a table of K request slots. It is driven by the network
// goroutine; Occupied and Snapshot may be called from any goroutine.
type Window struct {
	mu         sync.Mutex
	slots      []Slot
	retryLimit int
}

// New returns a window with capacity slots.
func New(capacity, retryLimit int) *Window {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if retryLimit < 0 {
		retryLimit = DefaultRetryLimit
	}
	return &Window{slots: make([]Slot, capacity), retryLimit: retryLimit}
}

// Cap returns K.
func (w *Window) Cap() int {
	return len(w.slots)
}

// Allocate claims an idle slot for seg and marks it waiting. It returns nil
// when every slot is occupied.
func (w *Window) Allocate(seg uint64) *Slot {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.slots {
		s := &w.slots[i]
		if s.state == Idle {
			*s = Slot{state: Waiting, segment: seg}
			return s
		}
	}
	return nil
}

// Find returns the occupied slot tracking seg.
func (w *Window) Find(seg uint64) *Slot {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.slots {
		s := &w.slots[i]
		if s.state != Idle && s.segment == seg {
			return s
		}
	}
	return nil
}

// FindNextBest returns the completed slot with the smallest segment >= from,
// or failing that the smallest completed segment overall.
func (w *Window) FindNextBest(from uint64) *Slot {
	w.mu.Lock()
	defer w.mu.Unlock()

	var atOrAfter, lowest *Slot
	for i := range w.slots {
		s := &w.slots[i]
		if s.state != HaveData {
			continue
		}
		if lowest == nil || s.segment < lowest.segment {
			lowest = s
		}
		if s.segment >= from && (atOrAfter == nil || s.segment < atOrAfter.segment) {
			atOrAfter = s
		}
	}
	if atOrAfter != nil {
		return atOrAfter
	}
	return lowest
}

// Complete stores a private copy of payload in s and marks it as holding data.
func (w *Window) Complete(s *Slot, payload []byte, final bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s.payload = append(make([]byte, 0, len(payload)), payload...)
	s.final = final
	s.state = HaveData
}

// Release frees the slot's payload and returns it to the idle pool.
func (w *Window) Release(s *Slot) {
	if s == nil {
		return
	}
	w.mu.Lock()
	*s = Slot{}
	w.mu.Unlock()
}

// OnTimeout records a timeout for s. Once the count exceeds the retry
// limit the slot is marked timed out and GiveUp is returned.
func (w *Window) OnTimeout(s *Slot) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	s.timeouts++
	if s.timeouts > w.retryLimit {
		s.state = TimedOut
		return GiveUp
	}
	return Reexpress
}

// Occupied returns the number of non-idle slots.
func (w *Window) Occupied() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for i := range w.slots {
		if w.slots[i].state != Idle {
			n++
		}
	}
	return n
}

// SlotInfo is a point-in-time copy of a slot without its payload.
type SlotInfo struct {
	State    State
	Segment  uint64
	Size     int
	Timeouts int
}

// Snapshot copies the occupied slots.
func (w *Window) Snapshot() []SlotInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []SlotInfo
	for i := range w.slots {
		s := &w.slots[i]
		if s.state == Idle {
			continue
		}
		out = append(out, SlotInfo{State: s.state, Segment: s.segment, Size: len(s.payload), Timeouts: s.timeouts})
	}
	return out
}
