// Package hub implements the forwarder that stream endpoints connect to.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/ccnx-streamer/internal/netclient"
	"github.com/dgnsrekt/ccnx-streamer/internal/wire"
)

const expireInterval = 100 * time.Millisecond

// Stats are cumulative forwarding counters.
type Stats struct {
	Faces       int    `json:"faces"`
	Routes      int    `json:"routes"`
	Pending     int    `json:"pending"`
	Cached      int    `json:"cached"`
	Interests   uint64 `json:"interests"`
	Data        uint64 `json:"data"`
	CacheHits   uint64 `json:"cache_hits"`
	Forwarded   uint64 `json:"forwarded"`
	Aggregated  uint64 `json:"aggregated"`
	NoRoute     uint64 `json:"no_route"`
	Satisfied   uint64 `json:"satisfied"`
	Unsolicited uint64 `json:"unsolicited"`
	Expired     uint64 `json:"expired"`
	Dropped     uint64 `json:"dropped"`
}

type counters struct {
	interests   atomic.Uint64
	data        atomic.Uint64
	cacheHits   atomic.Uint64
	forwarded   atomic.Uint64
	aggregated  atomic.Uint64
	noRoute     atomic.Uint64
	satisfied   atomic.Uint64
	unsolicited atomic.Uint64
	expired     atomic.Uint64
	dropped     atomic.Uint64
}

// Hub forwards interests to registered faces and data back along the
// pending interest table.
type Hub struct {
	faces      map[*Face]bool
	fib        FIB
	pit        *PIT
	cs         *ContentStore
	unregister chan *Face
	done       chan struct{}
	mu         sync.Mutex
	logger     *zap.Logger
	stats      counters
	now        func() time.Time
}

// New creates a Hub whose content store holds csCapacity packets.
func New(csCapacity int, logger *zap.Logger) (*Hub, error) {
	cs, err := NewContentStore(csCapacity)
	if err != nil {
		return nil, err
	}
	return &Hub{
		faces:      make(map[*Face]bool),
		pit:        NewPIT(),
		cs:         cs,
		unregister: make(chan *Face),
		done:       make(chan struct{}),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Run expires pending interests and drops slow faces. It returns when ctx
// is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down")
			h.shutdown()
			return

		case f := <-h.unregister:
			h.detach(f)

		case <-ticker.C:
			h.mu.Lock()
			n := h.pit.Expire(h.now())
			h.mu.Unlock()
			if n > 0 {
				h.stats.expired.Add(uint64(n))
				h.logger.Debug("expired pending interests", zap.Int("count", n))
			}
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for f := range h.faces {
		close(f.send)
		delete(h.faces, f)
	}
	h.fib = FIB{}
	h.pit = NewPIT()
	close(h.done)
}

func (h *Hub) attach(f *Face) {
	h.mu.Lock()
	h.faces[f] = true
	h.mu.Unlock()
	h.logger.Debug("face attached", zap.String("face", f.id), zap.String("remote", f.remote))
}

// detach removes f from every table and closes its send channel. It is safe
// to call more than once.
func (h *Hub) detach(f *Face) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.faces[f] {
		return
	}
	delete(h.faces, f)
	h.fib.RemoveFace(f)
	h.pit.RemoveFace(f)
	close(f.send)
	h.logger.Debug("face detached", zap.String("face", f.id))
}

func (h *Hub) handlePacket(from *Face, p wire.Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.faces[from] {
		return
	}
	switch m := p.(type) {
	case *wire.Register:
		h.onRegister(from, m)
	case *wire.Interest:
		h.onInterest(from, m)
	case *wire.Data:
		h.onData(from, m)
	}
}

func (h *Hub) onRegister(from *Face, r *wire.Register) {
	h.fib.Add(r.Prefix, from)
	h.logger.Info("prefix registered",
		zap.String("face", from.id),
		zap.String("prefix", r.Prefix.String()),
	)
	for _, in := range h.pit.Under(r.Prefix, h.now()) {
		h.sendTo(from, in)
		h.stats.forwarded.Add(1)
	}
}

func (h *Hub) onInterest(from *Face, in *wire.Interest) {
	h.stats.interests.Add(1)
	now := h.now()

	if d, ok := h.cs.Lookup(in, now); ok {
		h.stats.cacheHits.Add(1)
		h.sendTo(from, d)
		return
	}

	lifetime := in.Lifetime
	if lifetime <= 0 {
		lifetime = netclient.DefaultInterestLifetime
	}
	if !h.pit.Insert(in, from, lifetime, now) {
		h.stats.aggregated.Add(1)
		return
	}

	routes := h.fib.Lookup(in.Name)
	forwarded := 0
	for _, f := range routes {
		if f == from {
			continue
		}
		h.sendTo(f, in)
		forwarded++
	}
	if forwarded == 0 {
		h.stats.noRoute.Add(1)
		h.logger.Debug("no route for interest", zap.String("name", in.Name.String()))
		return
	}
	h.stats.forwarded.Add(uint64(forwarded))
}

func (h *Hub) onData(from *Face, d *wire.Data) {
	h.stats.data.Add(1)
	now := h.now()
	h.cs.Insert(d, now)

	waiting := h.pit.Satisfy(d, now)
	if len(waiting) == 0 {
		h.stats.unsolicited.Add(1)
		return
	}
	for _, f := range waiting {
		if f == from {
			continue
		}
		h.sendTo(f, d)
		h.stats.satisfied.Add(1)
	}
}

// sendTo queues p on f. A face whose buffer is full is disconnected. The
// caller holds h.mu.
func (h *Hub) sendTo(f *Face, p wire.Packet) {
	if !h.faces[f] {
		return
	}
	frame, err := f.codec.Encode(p)
	if err != nil {
		f.logger.Debug("encode failed", zap.Error(err))
		return
	}
	select {
	case f.send <- frame:
	default:
		h.stats.dropped.Add(1)
		go func(f *Face) {
			select {
			case h.unregister <- f:
			case <-h.done:
			}
		}(f)
	}
}

// Stats returns the current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	st := Stats{
		Faces:   len(h.faces),
		Routes:  h.fib.Len(),
		Pending: h.pit.Len(),
		Cached:  h.cs.Len(),
	}
	h.mu.Unlock()

	st.Interests = h.stats.interests.Load()
	st.Data = h.stats.data.Load()
	st.CacheHits = h.stats.cacheHits.Load()
	st.Forwarded = h.stats.forwarded.Load()
	st.Aggregated = h.stats.aggregated.Load()
	st.NoRoute = h.stats.noRoute.Load()
	st.Satisfied = h.stats.satisfied.Load()
	st.Unsolicited = h.stats.unsolicited.Load()
	st.Expired = h.stats.expired.Load()
	st.Dropped = h.stats.dropped.Load()
	return st
}
