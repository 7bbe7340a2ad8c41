package hub

import (
	"testing"
	"time"

	"github.com/dgnsrekt/ccnx-streamer/internal/name"
	"github.com/dgnsrekt/ccnx-streamer/internal/wire"
)

func mustName(t *testing.T, uri string) name.Name {
	t.Helper()
	n, err := name.ParseURI(uri)
	if err != nil {
		t.Fatalf("ParseURI(%q) failed: %v", uri, err)
	}
	return n
}

func TestContentStoreFreshness(t *testing.T) {
	cs, err := NewContentStore(4)
	if err != nil {
		t.Fatalf("NewContentStore failed: %v", err)
	}
	now := time.Unix(1000, 0)
	d := &wire.Data{Name: mustName(t, "ccnx:/a/b"), Freshness: time.Second}
	cs.Insert(d, now)

	exact := &wire.Interest{Name: d.Name}
	if got, ok := cs.Lookup(exact, now.Add(time.Hour)); !ok || got != d {
		t.Error("stale data should still answer an interest without MustBeFresh")
	}

	fresh := &wire.Interest{Name: d.Name, MustBeFresh: true}
	if _, ok := cs.Lookup(fresh, now.Add(500*time.Millisecond)); !ok {
		t.Error("expected fresh hit within freshness period")
	}
	if _, ok := cs.Lookup(fresh, now.Add(time.Second)); ok {
		t.Error("expected miss once freshness elapsed")
	}

	prefix := &wire.Interest{Name: mustName(t, "ccnx:/a"), CanBePrefix: true}
	if _, ok := cs.Lookup(prefix, now); ok {
		t.Error("prefix interests must bypass the content store")
	}
}

func TestContentStoreEvicts(t *testing.T) {
	cs, _ := NewContentStore(2)
	now := time.Now()
	for _, uri := range []string{"ccnx:/a/1", "ccnx:/a/2", "ccnx:/a/3"} {
		cs.Insert(&wire.Data{Name: mustName(t, uri)}, now)
	}
	if cs.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", cs.Len())
	}
	if _, ok := cs.Lookup(&wire.Interest{Name: mustName(t, "ccnx:/a/1")}, now); ok {
		t.Error("oldest entry should have been evicted")
	}
}

func TestFIBLookup(t *testing.T) {
	var fib FIB
	a, b := &Face{id: "a"}, &Face{id: "b"}
	fib.Add(mustName(t, "ccnx:/video"), a)
	fib.Add(mustName(t, "ccnx:/video"), a)
	fib.Add(mustName(t, "ccnx:/video/hd"), b)
	fib.Add(mustName(t, "ccnx:/audio"), b)

	if fib.Len() != 3 {
		t.Errorf("duplicate route was added, have %d routes", fib.Len())
	}
	if got := fib.Lookup(mustName(t, "ccnx:/video/hd/1")); len(got) != 2 {
		t.Errorf("expected both faces for /video/hd/1, got %d", len(got))
	}
	if got := fib.Lookup(mustName(t, "ccnx:/video/sd")); len(got) != 1 || got[0] != a {
		t.Errorf("expected face a for /video/sd, got %v", got)
	}

	fib.RemoveFace(b)
	if got := fib.Lookup(mustName(t, "ccnx:/audio/x")); len(got) != 0 {
		t.Errorf("expected no route after removing face, got %d", len(got))
	}
}

func TestPITAggregation(t *testing.T) {
	pit := NewPIT()
	a, b := &Face{id: "a"}, &Face{id: "b"}
	now := time.Unix(1000, 0)
	in := &wire.Interest{Name: mustName(t, "ccnx:/s/1")}

	if !pit.Insert(in, a, time.Second, now) {
		t.Error("new entry should be forwarded")
	}
	if pit.Insert(in, b, time.Second, now) {
		t.Error("second face should be aggregated")
	}
	if !pit.Insert(in, a, time.Second, now.Add(100*time.Millisecond)) {
		t.Error("retransmission should be forwarded")
	}

	faces := pit.Satisfy(&wire.Data{Name: in.Name}, now.Add(200*time.Millisecond))
	if len(faces) != 2 {
		t.Errorf("expected 2 waiting faces, got %d", len(faces))
	}
	if pit.Len() != 0 {
		t.Errorf("satisfied entry not removed, %d left", pit.Len())
	}
}

func TestPITPrefixAndExpiry(t *testing.T) {
	pit := NewPIT()
	a := &Face{id: "a"}
	now := time.Unix(1000, 0)

	prefix := &wire.Interest{Name: mustName(t, "ccnx:/s/_meta_"), CanBePrefix: true}
	exact := &wire.Interest{Name: mustName(t, "ccnx:/s/_meta_")}
	pit.Insert(prefix, a, time.Second, now)
	pit.Insert(exact, a, 50*time.Millisecond, now)
	if pit.Len() != 2 {
		t.Fatalf("prefix and exact interests should be tracked apart, have %d", pit.Len())
	}

	if n := pit.Expire(now.Add(100 * time.Millisecond)); n != 1 {
		t.Errorf("expected 1 expired entry, got %d", n)
	}

	reply := &wire.Data{Name: mustName(t, "ccnx:/s/_meta_/v1")}
	if faces := pit.Satisfy(reply, now.Add(200*time.Millisecond)); len(faces) != 1 {
		t.Errorf("prefix interest should match longer name, got %d faces", len(faces))
	}
}

func TestPITUnderAndRemoveFace(t *testing.T) {
	pit := NewPIT()
	a, b := &Face{id: "a"}, &Face{id: "b"}
	now := time.Now()
	pit.Insert(&wire.Interest{Name: mustName(t, "ccnx:/x/1")}, a, time.Minute, now)
	pit.Insert(&wire.Interest{Name: mustName(t, "ccnx:/x/2")}, b, time.Minute, now)
	pit.Insert(&wire.Interest{Name: mustName(t, "ccnx:/y/1")}, a, time.Minute, now)

	if got := pit.Under(mustName(t, "ccnx:/x"), now); len(got) != 2 {
		t.Errorf("expected 2 interests under /x, got %d", len(got))
	}

	pit.RemoveFace(a)
	if pit.Len() != 1 {
		t.Errorf("expected only b's entry to remain, have %d", pit.Len())
	}
}
