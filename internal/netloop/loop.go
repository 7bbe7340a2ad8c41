// Package netloop drives a network client: it polls, runs the per-poll hook
// and reconnects with a randomized back-off when the connection drops.
package netloop

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/ccnx-streamer/internal/netclient"
)

const (
	DefaultPollTimeout  = 50 * time.Millisecond
	DefaultReconnectMin = 30 * time.Second
	DefaultReconnectMax = 60 * time.Second
)

// Config controls polling and reconnection.
type Config struct {
	Host         string
	PollTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// MaxReconnects is the number of consecutive failed reconnects after
	// which Run gives up. Zero retries forever.
	MaxReconnects int
}

// Loop owns the goroutine that calls into a netclient.Client.
type Loop struct {
	client    netclient.Client
	cfg       Config
	logger    *zap.Logger
	afterPoll func()

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	polls    atomic.Uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithAfterPoll runs fn on the loop goroutine after every poll.
func WithAfterPoll(fn func()) Option {
	return func(l *Loop) { l.afterPoll = fn }
}

// New returns a loop for client.
func New(client netclient.Client, cfg Config, logger *zap.Logger, opts ...Option) *Loop {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	l := &Loop{
		client: client,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Stop asks Run to return after the current poll.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		close(l.stopCh)
	})
}

// Polls returns how many polls have completed.
func (l *Loop) Polls() uint64 {
	return l.polls.Load()
}

// Run polls until Stop is called, ctx is cancelled, the client is closed or
// reconnecting fails MaxReconnects times in a row.
func (l *Loop) Run(ctx context.Context) error {
	if !l.client.ConnectionAlive() {
		if err := l.reconnect(ctx, false); err != nil {
			return err
		}
	}

	for {
		if l.stopped.Load() || ctx.Err() != nil {
			return nil
		}

		err := l.client.Poll(l.cfg.PollTimeout)
		l.polls.Add(1)
		if l.afterPoll != nil {
			l.afterPoll()
		}
		if err == nil {
			continue
		}
		if errors.Is(err, netclient.ErrClosed) {
			return nil
		}
		if l.client.ConnectionAlive() {
			l.logger.Debug("poll failed", zap.Error(err))
			continue
		}
		if err := l.reconnect(ctx, true); err != nil {
			return err
		}
	}
}

// reconnect dials until it succeeds. The first attempt waits only when
// backoff is set.
func (l *Loop) reconnect(ctx context.Context, backoff bool) error {
	failures := 0
	for {
		if backoff {
			delay := l.backoff()
			l.logger.Warn("connection lost, reconnecting",
				zap.String("host", l.cfg.Host),
				zap.Duration("delay", delay),
				zap.Int("failures", failures),
			)
			if !l.sleep(ctx, delay) {
				return nil
			}
		}
		backoff = true

		err := l.client.Connect(ctx, l.cfg.Host)
		if err == nil {
			return nil
		}
		if errors.Is(err, netclient.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		failures++
		l.logger.Warn("connect failed",
			zap.String("host", l.cfg.Host),
			zap.Int("failures", failures),
			zap.Error(err),
		)
		if l.cfg.MaxReconnects > 0 && failures >= l.cfg.MaxReconnects {
			return fmt.Errorf("%w after %d attempts: %v", ErrTooManyFailures, failures, err)
		}
	}
}

func (l *Loop) backoff() time.Duration {
	spread := l.cfg.ReconnectMax - l.cfg.ReconnectMin
	if spread <= 0 {
		return l.cfg.ReconnectMin
	}
	return l.cfg.ReconnectMin + time.Duration(rand.Int63n(int64(spread)))
}

// sleep waits d and reports false if the loop should exit instead.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-l.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
