package hub

import (
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/dgnsrekt/ccnx-streamer/internal/name"
	"github.com/dgnsrekt/ccnx-streamer/internal/wire"
)

// DefaultCSCapacity is the number of Data packets kept by the content store.
const DefaultCSCapacity = 1024

type csEntry struct {
	data   *wire.Data
	stored time.Time
}

// ContentStore caches Data by exact name.
type ContentStore struct {
	cache *lru.Cache
}

// NewContentStore returns a store holding up to capacity packets.
func NewContentStore(capacity int) (*ContentStore, error) {
	if capacity <= 0 {
		capacity = DefaultCSCapacity
	}
	c, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &ContentStore{cache: c}, nil
}

// Insert stores d, replacing any packet with the same name.
func (cs *ContentStore) Insert(d *wire.Data, now time.Time) {
	cs.cache.Add(d.Name.Key(), csEntry{data: d, stored: now})
}

// Lookup returns the cached packet answering in. Prefix interests are never
// answered from the store. With MustBeFresh the packet must still be within
// its freshness period.
func (cs *ContentStore) Lookup(in *wire.Interest, now time.Time) (*wire.Data, bool) {
	if in.CanBePrefix {
		return nil, false
	}
	v, ok := cs.cache.Get(in.Name.Key())
	if !ok {
		return nil, false
	}
	e := v.(csEntry)
	if in.MustBeFresh && now.Sub(e.stored) >= e.data.Freshness {
		return nil, false
	}
	return e.data, true
}

// Len returns the number of cached packets.
func (cs *ContentStore) Len() int {
	return cs.cache.Len()
}

type fibEntry struct {
	prefix name.Name
	face   *Face
}

// FIB maps registered prefixes to the faces serving them.
type FIB struct {
	entries []fibEntry
}

// Add registers face for prefix. Duplicate registrations are ignored.
func (f *FIB) Add(prefix name.Name, face *Face) {
	for _, e := range f.entries {
		if e.face == face && e.prefix.Equal(prefix) {
			return
		}
	}
	f.entries = append(f.entries, fibEntry{prefix: prefix.Clone(), face: face})
}

// RemoveFace drops every route through face.
func (f *FIB) RemoveFace(face *Face) {
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.face != face {
			kept = append(kept, e)
		}
	}
	f.entries = kept
}

// Lookup returns the distinct faces with a prefix of n registered.
func (f *FIB) Lookup(n name.Name) []*Face {
	var out []*Face
	seen := make(map[*Face]bool)
	for _, e := range f.entries {
		if n.HasPrefix(e.prefix) && !seen[e.face] {
			seen[e.face] = true
			out = append(out, e.face)
		}
	}
	return out
}

// Len returns the number of routes.
func (f *FIB) Len() int {
	return len(f.entries)
}

type pitEntry struct {
	interest *wire.Interest
	faces    map[*Face]time.Time
}

func (e *pitEntry) expired(now time.Time) bool {
	for _, deadline := range e.faces {
		if now.Before(deadline) {
			return false
		}
	}
	return true
}

// PIT records which faces are waiting for which names.
type PIT struct {
	entries map[string]*pitEntry
}

// NewPIT returns an empty table.
func NewPIT() *PIT {
	return &PIT{entries: make(map[string]*pitEntry)}
}

func pitKey(in *wire.Interest) string {
	if in.CanBePrefix {
		return "p" + in.Name.Key()
	}
	return "e" + in.Name.Key()
}

// Insert records that face wants in until lifetime elapses. It reports
// whether the interest should be forwarded: true for a new entry or a
// retransmission from a face already waiting, false when aggregated.
func (p *PIT) Insert(in *wire.Interest, face *Face, lifetime time.Duration, now time.Time) bool {
	key := pitKey(in)
	e, ok := p.entries[key]
	if !ok || e.expired(now) {
		p.entries[key] = &pitEntry{
			interest: in,
			faces:    map[*Face]time.Time{face: now.Add(lifetime)},
		}
		return true
	}
	_, retransmit := e.faces[face]
	e.faces[face] = now.Add(lifetime)
	return retransmit
}

// Satisfy removes every entry d answers and returns the faces that were
// waiting for it.
func (p *PIT) Satisfy(d *wire.Data, now time.Time) []*Face {
	var out []*Face
	seen := make(map[*Face]bool)
	for key, e := range p.entries {
		if !satisfies(e.interest, d) {
			continue
		}
		for f, deadline := range e.faces {
			if now.Before(deadline) && !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
		delete(p.entries, key)
	}
	return out
}

// Under returns the live interests whose name falls under prefix.
func (p *PIT) Under(prefix name.Name, now time.Time) []*wire.Interest {
	var out []*wire.Interest
	for _, e := range p.entries {
		if !e.expired(now) && e.interest.Name.HasPrefix(prefix) {
			out = append(out, e.interest)
		}
	}
	return out
}

// RemoveFace forgets face in every entry.
func (p *PIT) RemoveFace(face *Face) {
	for key, e := range p.entries {
		delete(e.faces, face)
		if len(e.faces) == 0 {
			delete(p.entries, key)
		}
	}
}

// Expire drops entries whose every face has timed out and returns how many
// were removed.
func (p *PIT) Expire(now time.Time) int {
	n := 0
	for key, e := range p.entries {
		if e.expired(now) {
			delete(p.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of pending entries.
func (p *PIT) Len() int {
	return len(p.entries)
}

func satisfies(in *wire.Interest, d *wire.Data) bool {
	if in.CanBePrefix {
		return d.Name.HasPrefix(in.Name)
	}
	return d.Name.Equal(in.Name)
}
