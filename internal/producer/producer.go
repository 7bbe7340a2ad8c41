// Package producer publishes a byte stream as named, signed segments.
package producer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/ccnx-streamer/internal/chunk"
	"github.com/dgnsrekt/ccnx-streamer/internal/name"
	"github.com/dgnsrekt/ccnx-streamer/internal/netclient"
	"github.com/dgnsrekt/ccnx-streamer/internal/netloop"
	"github.com/dgnsrekt/ccnx-streamer/internal/queue"
	"github.com/dgnsrekt/ccnx-streamer/internal/sign"
	"github.com/dgnsrekt/ccnx-streamer/internal/wire"
)

const (
	DefaultQueueCapacity = 20
	DefaultDrainBatch    = 3
	DefaultCacheSize     = 256

	drainCheckInterval = 10 * time.Millisecond
)

// Config describes one published stream.
type Config struct {
	Prefix name.Name
	// Version defaults to the start time.
	Version       uint64
	SegmentSize   int
	QueueCapacity int
	// Overwrite drops the oldest unsent segment instead of blocking Write
	// when the publish queue is full.
	Overwrite bool
	// DrainBatch is the number of segments published per poll.
	DrainBatch int
	// PublishRate caps segments per second. Zero is unlimited.
	PublishRate float64
	Freshness   time.Duration
	CacheSize   int
	Net         netloop.Config
}

// State is a snapshot of the publisher's progress.
type State struct {
	Segments      uint64
	Pending       int
	Published     uint64
	LastPublished []byte
	LastSegment   uint64
	Dropped       uint64
}

// Producer is an io.WriteCloser that publishes what is written to it.
// Write and Close must be called from one goroutine.
type Producer struct {
	cfg       Config
	client    netclient.Client
	signer    sign.Signer
	logger    *zap.Logger
	writer    *chunk.Writer
	queue     *queue.Queue[chunk.Chunk]
	loop      *netloop.Loop
	limiter   *rate.Limiter
	recent    *lru.Cache
	versioned name.Name
	metaName  name.Name

	enqueued atomic.Uint64
	settled  atomic.Uint64

	mu            sync.Mutex
	published     uint64
	lastPublished []byte
	lastSegment   uint64
	err           error

	loopDone chan struct{}
	loopErr  error
	closed   bool
}

// New returns a producer for cfg. Call Start before writing.
func New(cfg Config, client netclient.Client, signer sign.Signer, logger *zap.Logger) (*Producer, error) {
	if len(cfg.Prefix) == 0 {
		return nil, name.ErrEmptyPrefix
	}
	if cfg.Version == 0 {
		cfg.Version = name.VersionAt(time.Now())
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = chunk.DefaultSegmentSize
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = DefaultDrainBatch
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	versioned, err := name.Build(cfg.Prefix, name.WithVersion(cfg.Version))
	if err != nil {
		return nil, err
	}
	metaName, err := name.Meta(cfg.Prefix)
	if err != nil {
		return nil, err
	}
	w, err := chunk.NewWriter(versioned, cfg.SegmentSize)
	if err != nil {
		return nil, err
	}
	recent, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating segment cache: %w", err)
	}

	p := &Producer{
		cfg:       cfg,
		client:    client,
		signer:    signer,
		logger:    logger.With(zap.String("stream", versioned.String())),
		writer:    w,
		recent:    recent,
		versioned: versioned,
		metaName:  metaName,
		loopDone:  make(chan struct{}),
	}
	p.queue = queue.New(cfg.QueueCapacity, queue.WithEvict(p.onEvict))
	if cfg.PublishRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.DrainBatch)
	}
	p.loop = netloop.New(client, cfg.Net, p.logger, netloop.WithAfterPoll(p.drain))
	return p, nil
}

// Name returns the versioned stream prefix.
func (p *Producer) Name() name.Name {
	return p.versioned
}

// Start registers the stream prefix and runs the network loop until Close.
func (p *Producer) Start(ctx context.Context) error {
	if err := p.client.SetInterestFilter(p.cfg.Prefix, p.onInterest); err != nil {
		return fmt.Errorf("setting interest filter: %w", err)
	}

	go func() {
		defer close(p.loopDone)
		err := p.loop.Run(ctx)
		p.mu.Lock()
		p.loopErr = err
		p.mu.Unlock()
		if err != nil {
			p.logger.Error("network loop stopped", zap.Error(err))
		}
	}()

	p.logger.Info("publishing stream",
		zap.Int("segment_size", p.cfg.SegmentSize),
		zap.Int("queue_capacity", p.cfg.QueueCapacity),
		zap.Bool("overwrite", p.cfg.Overwrite),
	)
	return nil
}

// Write slices b into segments and queues them for publishing.
func (p *Producer) Write(b []byte) (int, error) {
	if err := p.failure(); err != nil {
		return 0, err
	}
	chunks, err := p.writer.Write(b)
	if err != nil {
		return 0, err
	}
	if err := p.enqueue(chunks); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *Producer) enqueue(chunks []chunk.Chunk) error {
	for _, c := range chunks {
		p.enqueued.Add(1)
		if !p.queue.Put(c, p.cfg.Overwrite) {
			p.settled.Add(1)
			return ErrClosed
		}
	}
	return nil
}

// Close flushes the final segment and waits for the queue to drain.
func (p *Producer) Close() error {
	return p.CloseContext(context.Background())
}

// CloseContext is Close bounded by ctx.
func (p *Producer) CloseContext(ctx context.Context) error {
	if p.closed {
		return nil
	}
	p.closed = true

	chunks, err := p.writer.Flush()
	if err == nil {
		err = p.enqueue(chunks)
	}
	if err == nil {
		err = p.waitDrained(ctx)
	}

	p.loop.Stop()
	p.queue.Close()
	<-p.loopDone
	_ = p.client.Close()

	st := p.State()
	p.logger.Info("stream closed",
		zap.Uint64("segments", st.Segments),
		zap.Uint64("published", st.Published),
		zap.Uint64("dropped", st.Dropped),
	)

	if err != nil {
		return err
	}
	return p.failure()
}

func (p *Producer) waitDrained(ctx context.Context) error {
	ticker := time.NewTicker(drainCheckInterval)
	defer ticker.Stop()
	for p.settled.Load() < p.enqueued.Load() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("draining publish queue: %w", ctx.Err())
		case <-p.loopDone:
			return p.failure()
		case <-ticker.C:
		}
	}
	return nil
}

// failure returns the first fatal error seen by the producer.
func (p *Producer) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.loopErr != nil {
		return p.loopErr
	}
	return nil
}

// drain runs on the loop goroutine after each poll.
func (p *Producer) drain() {
	if !p.client.ConnectionAlive() {
		return
	}
	for i := 0; i < p.cfg.DrainBatch && p.queue.Len() > 0; i++ {
		if p.limiter != nil && !p.limiter.Allow() {
			return
		}
		c, ok := p.queue.TryGet()
		if !ok {
			return
		}
		p.publish(c)
		p.settled.Add(1)
	}
}

func (p *Producer) publish(c chunk.Chunk) {
	raw, err := p.signer.Sign(c.Name, c.Payload, sign.Params{Freshness: p.cfg.Freshness, Final: c.Final})
	if err != nil {
		p.fail(fmt.Errorf("%w: segment %d: %v", sign.ErrSigning, c.Segment, err))
		return
	}
	p.recent.Add(c.Segment, raw)

	if err := p.client.Put(raw); err != nil {
		p.logger.Warn("publish failed", zap.Uint64("segment", c.Segment), zap.Error(err))
	}

	p.mu.Lock()
	p.published++
	p.lastPublished = raw
	p.lastSegment = c.Segment
	p.mu.Unlock()

	p.logger.Debug("published segment",
		zap.Uint64("segment", c.Segment),
		zap.Int("size", len(c.Payload)),
		zap.Bool("final", c.Final),
	)
}

func (p *Producer) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.logger.Error("producer failure", zap.Error(err))
}

func (p *Producer) onEvict(c chunk.Chunk) {
	p.settled.Add(1)
	p.logger.Debug("dropped unsent segment", zap.Uint64("segment", c.Segment))
}

func (p *Producer) onInterest(ev netclient.Event) netclient.Result {
	arrived, ok := ev.(netclient.InterestArrived)
	if !ok {
		return netclient.ResultOK
	}
	in := arrived.Interest

	if name.IsMeta(in.Name, p.cfg.Prefix) {
		if err := p.answerMeta(); err != nil {
			p.logger.Warn("meta reply failed", zap.Error(err))
			return netclient.ResultErr
		}
		return netclient.ResultOK
	}

	seg, ok := in.Name.Segment()
	if !ok || !in.Name.WithoutSegment().Equal(p.versioned) {
		return netclient.ResultOK
	}
	if raw, ok := p.recent.Get(seg); ok {
		if err := p.client.Put(raw.([]byte)); err != nil {
			p.logger.Debug("cache reply failed", zap.Uint64("segment", seg), zap.Error(err))
		}
	}
	return netclient.ResultOK
}

// answerMeta publishes the latest segment number under the meta name.
func (p *Producer) answerMeta() error {
	p.mu.Lock()
	published, last := p.published, p.lastSegment
	p.mu.Unlock()
	if published == 0 {
		return nil
	}

	n, err := name.Build(p.metaName, name.WithVersion(p.cfg.Version))
	if err != nil {
		return err
	}
	info := wire.MetaInfo{
		Version:     p.cfg.Version,
		LastSegment: last,
		SegmentSize: uint32(p.cfg.SegmentSize),
	}
	raw, err := p.signer.Sign(n, info.Marshal(), sign.Params{Freshness: name.MetaFreshness})
	if err != nil {
		return fmt.Errorf("%w: meta reply: %v", sign.ErrSigning, err)
	}
	p.logger.Debug("answering meta query", zap.Uint64("last_segment", last))
	return p.client.Put(raw)
}

// State reports publishing progress. Pending is only meaningful on the
// goroutine that calls Write.
func (p *Producer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Segments:      p.writer.Counter(),
		Pending:       p.writer.Pending(),
		Published:     p.published,
		LastPublished: p.lastPublished,
		LastSegment:   p.lastSegment,
		Dropped:       p.queue.Dropped(),
	}
}
