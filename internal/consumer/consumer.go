// Package consumer fetches a segmented stream and reassembles it in order.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/ccnx-streamer/internal/name"
	"github.com/dgnsrekt/ccnx-streamer/internal/netclient"
	"github.com/dgnsrekt/ccnx-streamer/internal/netloop"
	"github.com/dgnsrekt/ccnx-streamer/internal/queue"
	"github.com/dgnsrekt/ccnx-streamer/internal/reassembly"
	"github.com/dgnsrekt/ccnx-streamer/internal/sign"
	"github.com/dgnsrekt/ccnx-streamer/internal/window"
	"github.com/dgnsrekt/ccnx-streamer/internal/wire"
)

const (
	DefaultQueueCapacity = 5
	DefaultMetaTimeout   = 400 * time.Millisecond
)

// Config describes the stream to fetch and how to fetch it.
type Config struct {
	Prefix name.Name
	// SegmentSize is used until the meta reply announces the producer's.
	SegmentSize   int
	Window        int
	RetryLimit    int
	QueueCapacity int
	PollInterval  time.Duration
	SkipPolicy    reassembly.SkipPolicy
	// StallLimit defaults to reassembly.DefaultStallLimit; negative disables.
	StallLimit int
	// Live starts delivery at the newest segment instead of segment 1.
	Live             bool
	MetaTimeout      time.Duration
	InterestLifetime time.Duration
	// Verifier, when set, rejects data that fails signature checks.
	Verifier sign.Verifier
	Net      netloop.Config
}

// Stats is a snapshot of fetch progress.
type Stats struct {
	Version      uint64
	Expected     uint64
	Delivered    uint64
	Gaps         []uint64
	Rejected     uint64
	Finished     bool
	WindowInUse  int
	MetaAttempts int
}

// Consumer is an io.ReadCloser over the reassembled stream. Read and Close
// may be called from any one goroutine; network work happens on the loop.
type Consumer struct {
	cfg    Config
	client netclient.Client
	logger *zap.Logger
	loop   *netloop.Loop
	win    *window.Window
	queue  *queue.Queue[[]byte]

	// Owned by the loop goroutine.
	started      bool
	complete     bool
	metaName     name.Name
	metaAttempts int
	versioned    name.Name
	asm          *reassembly.Reassembler

	mu       sync.Mutex
	stats    Stats
	err      error
	closed   bool
	running  bool
	ctx      context.Context
	loopDone chan struct{}

	leftover []byte
	eof      bool
}

// New returns a consumer for cfg. Call Start before reading.
func New(cfg Config, client netclient.Client, logger *zap.Logger) (*Consumer, error) {
	metaName, err := name.Meta(cfg.Prefix)
	if err != nil {
		return nil, err
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Window <= 0 {
		cfg.Window = window.DefaultCapacity
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = window.DefaultRetryLimit
	}
	if cfg.MetaTimeout <= 0 {
		cfg.MetaTimeout = DefaultMetaTimeout
	}
	if cfg.StallLimit == 0 {
		cfg.StallLimit = reassembly.DefaultStallLimit
	}

	c := &Consumer{
		cfg:      cfg,
		client:   client,
		logger:   logger.With(zap.String("stream", cfg.Prefix.String())),
		win:      window.New(cfg.Window, cfg.RetryLimit),
		queue:    queue.New[[]byte](cfg.QueueCapacity),
		metaName: metaName,
		ctx:      context.Background(),
		loopDone: make(chan struct{}),
	}
	c.loop = netloop.New(client, cfg.Net, c.logger, netloop.WithAfterPoll(c.afterPoll))
	return c, nil
}

// Start runs the network loop until the stream ends, ctx is cancelled or
// Close is called. ctx also bounds Read.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.running = true
	c.mu.Unlock()

	go func() {
		defer close(c.loopDone)
		if err := c.loop.Run(ctx); err != nil {
			c.logger.Error("network loop stopped", zap.Error(err))
			c.fail(err)
		}
		c.queue.Close()
	}()
}

// Read returns reassembled bytes in stream order. It returns io.EOF after
// the last segment, or the error that ended the fetch.
func (c *Consumer) Read(p []byte) (int, error) {
	for len(c.leftover) == 0 {
		if c.eof {
			return 0, io.EOF
		}
		c.mu.Lock()
		ctx := c.ctx
		c.mu.Unlock()

		b, err := c.queue.Get(ctx, c.cfg.PollInterval)
		if errors.Is(err, queue.ErrClosed) {
			if ferr := c.failure(); ferr != nil {
				return 0, ferr
			}
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		if len(b) == 0 {
			c.eof = true
			return 0, io.EOF
		}
		c.leftover = b
	}
	n := copy(p, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

// Close stops fetching and releases the connection.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.err == nil {
		c.err = ErrClosed
	}
	running := c.running
	c.mu.Unlock()

	c.queue.Close()
	c.loop.Stop()
	if running {
		<-c.loopDone
	}
	return c.client.Close()
}

// Stats reports fetch progress.
func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Gaps = append([]uint64(nil), c.stats.Gaps...)
	st.WindowInUse = c.win.Occupied()
	return st
}

func (c *Consumer) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Consumer) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.loop.Stop()
	c.queue.Close()
}

func (c *Consumer) afterPoll() {
	if c.started {
		return
	}
	c.started = true
	c.requestMeta()
}

func (c *Consumer) requestMeta() {
	c.metaAttempts++
	c.updateStats()
	in := &wire.Interest{
		Name:        c.metaName,
		Lifetime:    c.cfg.MetaTimeout,
		CanBePrefix: true,
		MustBeFresh: true,
	}
	if err := c.client.ExpressInterest(in, c.onMeta); err != nil {
		c.logger.Debug("meta query not sent", zap.Error(err))
	}
}

func (c *Consumer) onMeta(ev netclient.Event) netclient.Result {
	switch e := ev.(type) {
	case netclient.ContentArrived:
		if c.asm != nil {
			return netclient.ResultOK
		}
		if err := c.verify(e.Data); err != nil {
			c.logger.Warn("rejected meta reply", zap.Error(err))
			c.retryMeta()
			return netclient.ResultOK
		}
		info, err := wire.UnmarshalMetaInfo(e.Data.Content)
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrBadMeta, err))
			return netclient.ResultErr
		}
		if info.Version == 0 {
			info.Version, _ = e.Data.Name.Version()
		}
		if err := c.beginStream(info); err != nil {
			c.fail(err)
			return netclient.ResultErr
		}

	case netclient.InterestTimedOut:
		if c.asm != nil {
			return netclient.ResultOK
		}
		if c.metaAttempts > c.cfg.RetryLimit {
			c.fail(fmt.Errorf("%w: %s after %d attempts", ErrStreamNotFound, c.cfg.Prefix, c.metaAttempts))
			return netclient.ResultOK
		}
		c.metaAttempts++
		c.updateStats()
		c.logger.Debug("meta query timed out", zap.Int("attempt", c.metaAttempts))
		return netclient.ResultReexpress
	}
	return netclient.ResultOK
}

func (c *Consumer) retryMeta() {
	if c.metaAttempts > c.cfg.RetryLimit {
		c.fail(fmt.Errorf("%w: %s after %d attempts", ErrStreamNotFound, c.cfg.Prefix, c.metaAttempts))
		return
	}
	c.requestMeta()
}

func (c *Consumer) beginStream(info wire.MetaInfo) error {
	versioned, err := name.Build(c.cfg.Prefix, name.WithVersion(info.Version))
	if err != nil {
		return err
	}
	segmentSize := c.cfg.SegmentSize
	if info.SegmentSize > 0 {
		segmentSize = int(info.SegmentSize)
	}
	var start uint64
	if c.cfg.Live {
		start = info.LastSegment
	}
	stall := c.cfg.StallLimit
	if stall < 0 {
		stall = 0
	}

	c.versioned = versioned
	c.asm = reassembly.New(c.win, c.queue, reassembly.Config{
		SegmentSize: segmentSize,
		StartOffset: start,
		Policy:      c.cfg.SkipPolicy,
		StallLimit:  stall,
	}, c.logger)

	c.mu.Lock()
	c.stats.Version = info.Version
	c.mu.Unlock()

	c.logger.Info("fetching stream",
		zap.String("name", versioned.String()),
		zap.Uint64("last_segment", info.LastSegment),
		zap.Int("segment_size", segmentSize),
		zap.Bool("live", c.cfg.Live),
	)
	c.fill()
	return nil
}

// fill requests segments until the window is full.
func (c *Consumer) fill() {
	for !c.asm.Finished() && c.win.Occupied() < c.win.Cap() {
		seg, ok := c.asm.NextRequest()
		if !ok {
			break
		}
		c.win.Allocate(seg)
		c.express(seg)
	}
	c.settle()
}

func (c *Consumer) express(seg uint64) {
	n, err := name.Build(c.versioned, name.WithSegment(seg))
	if err != nil {
		c.fail(err)
		return
	}
	in := &wire.Interest{Name: n, Lifetime: c.cfg.InterestLifetime}
	if err := c.client.ExpressInterest(in, c.onSegment); err != nil {
		c.logger.Debug("interest not sent", zap.Uint64("segment", seg), zap.Error(err))
	}
}

func (c *Consumer) onSegment(ev netclient.Event) netclient.Result {
	switch e := ev.(type) {
	case netclient.ContentArrived:
		seg, ok := e.Interest.Name.Segment()
		if !ok || c.asm.Finished() {
			return netclient.ResultOK
		}
		if err := c.verify(e.Data); err != nil {
			c.logger.Warn("rejected segment", zap.Uint64("segment", seg), zap.Error(err))
			c.mu.Lock()
			c.stats.Rejected++
			c.mu.Unlock()
			c.timedOut(seg, true)
			return netclient.ResultOK
		}
		c.asm.OnArrival(seg, e.Data.Content, e.Data.IsFinal())
		c.fill()

	case netclient.InterestTimedOut:
		seg, ok := e.Interest.Name.Segment()
		if !ok || c.asm.Finished() {
			return netclient.ResultOK
		}
		if c.timedOut(seg, false) {
			return netclient.ResultReexpress
		}
	}
	return netclient.ResultOK
}

// timedOut applies the retry policy to seg. It reports whether the caller
// should reexpress; when resend is set the interest is sent here instead.
func (c *Consumer) timedOut(seg uint64, resend bool) bool {
	slot := c.win.Find(seg)
	if slot == nil || slot.State() != window.Waiting {
		return false
	}
	if c.win.OnTimeout(slot) == window.Reexpress {
		c.logger.Debug("segment timed out, reexpressing",
			zap.Uint64("segment", seg),
			zap.Int("timeouts", slot.Timeouts()),
		)
		if resend {
			c.express(seg)
			return false
		}
		return true
	}
	c.asm.OnGiveUp(seg)
	c.fill()
	return false
}

func (c *Consumer) verify(d *wire.Data) error {
	if c.cfg.Verifier == nil {
		return nil
	}
	return c.cfg.Verifier.Verify(d)
}

// settle publishes progress and stops the loop once the stream has ended.
func (c *Consumer) settle() {
	c.updateStats()
	if c.asm != nil && c.asm.Finished() && !c.complete {
		c.complete = true
		c.logger.Info("stream complete",
			zap.Uint64("delivered", c.asm.Delivered()),
			zap.Int("gaps", len(c.asm.Gaps())),
		)
		c.loop.Stop()
	}
}

func (c *Consumer) updateStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.MetaAttempts = c.metaAttempts
	if c.asm == nil {
		return
	}
	c.stats.Expected = c.asm.ExpectedNext()
	c.stats.Delivered = c.asm.Delivered()
	c.stats.Gaps = c.asm.Gaps()
	c.stats.Finished = c.asm.Finished()
}
