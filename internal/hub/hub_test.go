package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/ccnx-streamer/internal/netclient"
	"github.com/dgnsrekt/ccnx-streamer/internal/wire"
)

// startHub runs a hub behind an httptest server and returns it with its
// websocket URL.
func startHub(t *testing.T) (*Hub, *httptest.Server, string) {
	t.Helper()
	logger := zap.NewNop()
	h, err := New(16, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(NewRouter(h, logger))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, compression string) *netclient.WebSocketClient {
	t.Helper()
	c := netclient.NewWebSocketClient(netclient.Options{Compression: compression}, zap.NewNop())
	if err := c.Connect(context.Background(), url); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// pollUntil polls every client until cond holds.
func pollUntil(t *testing.T, cond func() bool, clients ...*netclient.WebSocketClient) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		for _, c := range clients {
			c.Poll(5 * time.Millisecond)
		}
		if len(clients) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

type collector struct {
	mu       sync.Mutex
	data     []*wire.Data
	timeouts int
}

func (c *collector) handle(ev netclient.Event) netclient.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e := ev.(type) {
	case netclient.ContentArrived:
		c.data = append(c.data, e.Data)
	case netclient.InterestTimedOut:
		c.timeouts++
	}
	return netclient.ResultOK
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *collector) timedOut() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeouts
}

func TestForwardsInterestToRegisteredFace(t *testing.T) {
	for _, compression := range []string{"none", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			h, _, url := startHub(t)
			prod := dial(t, url, compression)
			cons := dial(t, url, "none")

			prefix := mustName(t, "ccnx:/a")
			prod.SetInterestFilter(prefix, func(ev netclient.Event) netclient.Result {
				if ia, ok := ev.(netclient.InterestArrived); ok {
					d := &wire.Data{Name: ia.Interest.Name, Content: []byte("hello")}
					prod.Put(d.Marshal())
				}
				return netclient.ResultOK
			})
			pollUntil(t, func() bool { return h.Stats().Routes == 1 })

			var got collector
			cons.ExpressInterest(&wire.Interest{Name: mustName(t, "ccnx:/a/x"), Lifetime: 2 * time.Second}, got.handle)
			pollUntil(t, func() bool { return got.count() == 1 }, prod, cons)

			if string(got.data[0].Content) != "hello" {
				t.Errorf("unexpected content %q", got.data[0].Content)
			}
			st := h.Stats()
			if st.Forwarded != 1 || st.Satisfied != 1 || st.Pending != 0 {
				t.Errorf("unexpected stats %+v", st)
			}
		})
	}
}

func TestAnswersFromContentStore(t *testing.T) {
	h, _, url := startHub(t)
	prod := dial(t, url, "zstd")
	cons := dial(t, url, "zstd")

	n := mustName(t, "ccnx:/a/cached")
	prod.Put((&wire.Data{Name: n, Content: []byte("kept")}).Marshal())
	pollUntil(t, func() bool { return h.Stats().Unsolicited == 1 })

	var got collector
	cons.ExpressInterest(&wire.Interest{Name: n}, got.handle)
	pollUntil(t, func() bool { return got.count() == 1 }, cons)

	if st := h.Stats(); st.CacheHits != 1 || st.Cached != 1 {
		t.Errorf("expected a cache hit, got %+v", st)
	}
}

func TestAggregatesInterests(t *testing.T) {
	h, _, url := startHub(t)
	prod := dial(t, url, "none")
	consA := dial(t, url, "none")
	consB := dial(t, url, "none")

	prefix := mustName(t, "ccnx:/agg")
	var seen atomic.Int32
	prod.SetInterestFilter(prefix, func(ev netclient.Event) netclient.Result {
		if _, ok := ev.(netclient.InterestArrived); ok {
			seen.Add(1)
		}
		return netclient.ResultOK
	})
	pollUntil(t, func() bool { return h.Stats().Routes == 1 })

	n := mustName(t, "ccnx:/agg/1")
	var gotA, gotB collector
	consA.ExpressInterest(&wire.Interest{Name: n}, gotA.handle)
	consB.ExpressInterest(&wire.Interest{Name: n}, gotB.handle)
	pollUntil(t, func() bool { return h.Stats().Interests == 2 }, prod)

	prod.Put((&wire.Data{Name: n, Content: []byte("once")}).Marshal())
	pollUntil(t, func() bool { return gotA.count() == 1 && gotB.count() == 1 }, prod, consA, consB)

	st := h.Stats()
	if st.Aggregated != 1 || st.Forwarded != 1 || st.Satisfied != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
	if n := seen.Load(); n != 1 {
		t.Errorf("producer saw %d interests, want 1", n)
	}
}

func TestForwardsPendingInterestsOnRegister(t *testing.T) {
	h, _, url := startHub(t)
	cons := dial(t, url, "none")

	n := mustName(t, "ccnx:/late/1")
	var got collector
	cons.ExpressInterest(&wire.Interest{Name: n, Lifetime: 2 * time.Second}, got.handle)
	pollUntil(t, func() bool { return h.Stats().NoRoute == 1 })

	prod := dial(t, url, "zstd")
	prod.SetInterestFilter(mustName(t, "ccnx:/late"), func(ev netclient.Event) netclient.Result {
		if ia, ok := ev.(netclient.InterestArrived); ok {
			prod.Put((&wire.Data{Name: ia.Interest.Name}).Marshal())
		}
		return netclient.ResultOK
	})
	pollUntil(t, func() bool { return got.count() == 1 }, prod, cons)
}

func TestExpiresUnansweredInterests(t *testing.T) {
	h, _, url := startHub(t)
	cons := dial(t, url, "none")

	var got collector
	cons.ExpressInterest(&wire.Interest{Name: mustName(t, "ccnx:/nobody/1"), Lifetime: 50 * time.Millisecond}, got.handle)
	pollUntil(t, func() bool { return got.timedOut() == 1 }, cons)
	pollUntil(t, func() bool { return h.Stats().Expired == 1 })

	if st := h.Stats(); st.Pending != 0 || st.NoRoute != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestDetachRemovesRoutes(t *testing.T) {
	h, _, url := startHub(t)
	prod := dial(t, url, "none")
	prod.SetInterestFilter(mustName(t, "ccnx:/gone"), func(netclient.Event) netclient.Result { return netclient.ResultOK })
	pollUntil(t, func() bool { return h.Stats().Routes == 1 })

	prod.Close()
	pollUntil(t, func() bool {
		st := h.Stats()
		return st.Routes == 0 && st.Faces == 0
	})
}

func TestStatusRoutes(t *testing.T) {
	h, srv, url := startHub(t)
	dial(t, url, "none")
	pollUntil(t, func() bool { return h.Stats().Faces == 1 })

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /healthz, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats failed: %v", err)
	}
	defer resp.Body.Close()
	var st Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if st.Faces != 1 {
		t.Errorf("expected 1 face, got %d", st.Faces)
	}
}
