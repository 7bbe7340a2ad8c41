package netclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/ccnx-streamer/internal/name"
	"github.com/dgnsrekt/ccnx-streamer/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	sendBufferSize  = 256
	inboxBufferSize = 256

	// DefaultInterestLifetime applies to interests without a lifetime.
	DefaultInterestLifetime = 4 * time.Second
)

// Options configure a WebSocketClient.
type Options struct {
	// Compression is "none" or "zstd".
	Compression      string
	InterestLifetime time.Duration
	HandshakeTimeout time.Duration
}

type pendingInterest struct {
	interest *wire.Interest
	handler  Handler
	deadline time.Time
}

type filter struct {
	prefix  name.Name
	handler Handler
}

// session is one live websocket connection.
type session struct {
	conn      *websocket.Conn
	codec     *wire.Codec
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// close signals both pumps; the write pump closes the connection.
func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// WebSocketClient talks to a hub over a websocket. Handlers run on the
// goroutine calling Poll, or on the goroutine calling Close for Final.
type WebSocketClient struct {
	opts   Options
	logger *zap.Logger
	inbox  chan wire.Packet

	mu      sync.Mutex
	sess    *session
	closed  bool
	pending []*pendingInterest
	filters []filter
}

// NewWebSocketClient returns an unconnected client.
func NewWebSocketClient(opts Options, logger *zap.Logger) *WebSocketClient {
	if opts.InterestLifetime <= 0 {
		opts.InterestLifetime = DefaultInterestLifetime
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &WebSocketClient{
		opts:   opts,
		logger: logger,
		inbox:  make(chan wire.Packet, inboxBufferSize),
	}
}

func (c *WebSocketClient) subprotocols() []string {
	if c.opts.Compression == "zstd" {
		return wire.Subprotocols
	}
	return []string{wire.SubprotocolPlain}
}

// Connect dials host, replacing any previous connection, and re-registers
// every interest filter.
func (c *WebSocketClient) Connect(ctx context.Context, host string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.sess
	c.sess = nil
	c.mu.Unlock()
	if old != nil {
		old.close()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
		Subprotocols:     c.subprotocols(),
	}
	conn, resp, err := dialer.DialContext(ctx, host, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dialing %s: %w", host, err)
	}

	codec, err := wire.NewCodec(conn.Subprotocol())
	if err != nil {
		_ = conn.Close()
		return err
	}

	s := &session{
		conn:  conn,
		codec: codec,
		send:  make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
	}
	go c.writePump(s)
	go c.readPump(s)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.close()
		return ErrClosed
	}
	c.sess = s
	filters := append([]filter(nil), c.filters...)
	c.mu.Unlock()

	c.logger.Info("connected to forwarder",
		zap.String("host", host),
		zap.String("subprotocol", conn.Subprotocol()),
	)

	for _, f := range filters {
		if err := c.send(s, &wire.Register{Prefix: f.prefix}); err != nil {
			return fmt.Errorf("registering %s: %w", f.prefix, err)
		}
	}
	return nil
}

func (c *WebSocketClient) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// ConnectionAlive reports whether the current connection is usable.
func (c *WebSocketClient) ConnectionAlive() bool {
	s := c.current()
	return s != nil && s.alive()
}

func (c *WebSocketClient) send(s *session, p wire.Packet) error {
	frame, err := s.codec.Encode(p)
	if err != nil {
		return err
	}
	return c.sendFrame(s, frame)
}

func (c *WebSocketClient) sendFrame(s *session, frame []byte) error {
	if s == nil {
		return ErrNotConnected
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrNotConnected
	}
}

// ExpressInterest sends in and calls h with its answer or timeout. The
// interest stays pending even when sending fails, so h still sees a timeout.
func (c *WebSocketClient) ExpressInterest(in *wire.Interest, h Handler) error {
	if in.Lifetime <= 0 {
		in.Lifetime = c.opts.InterestLifetime
	}
	in.Nonce = uuid.New().ID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending = append(c.pending, &pendingInterest{
		interest: in,
		handler:  h,
		deadline: time.Now().Add(in.Lifetime),
	})
	s := c.sess
	c.mu.Unlock()

	if s == nil {
		return ErrNotConnected
	}
	return c.send(s, in)
}

// SetInterestFilter routes interests under prefix to h and registers the
// prefix with the hub.
func (c *WebSocketClient) SetInterestFilter(prefix name.Name, h Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.filters = append(c.filters, filter{prefix: prefix.Clone(), handler: h})
	s := c.sess
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return c.send(s, &wire.Register{Prefix: prefix})
}

// Put sends an encoded Data message.
func (c *WebSocketClient) Put(data []byte) error {
	s := c.current()
	if s == nil {
		return ErrNotConnected
	}
	return c.sendFrame(s, s.codec.Wrap(wire.MarshalDataPacket(data)))
}

// Poll dispatches incoming packets and expired interests, waiting at most
// timeout for the first packet.
func (c *WebSocketClient) Poll(timeout time.Duration) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.expire(time.Now())

	wait := timeout
	if d := c.untilNextDeadline(); d >= 0 && d < wait {
		wait = d
	}

	var done <-chan struct{}
	if s := c.current(); s != nil {
		done = s.done
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case p := <-c.inbox:
		c.dispatch(p)
	case <-timer.C:
	case <-done:
	}

	for drained := false; !drained; {
		select {
		case p := <-c.inbox:
			c.dispatch(p)
		default:
			drained = true
		}
	}
	c.expire(time.Now())

	if !c.ConnectionAlive() {
		return ErrNotConnected
	}
	return nil
}

func (c *WebSocketClient) untilNextDeadline() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return -1
	}
	next := c.pending[0].deadline
	for _, p := range c.pending[1:] {
		if p.deadline.Before(next) {
			next = p.deadline
		}
	}
	return max(0, time.Until(next))
}

func (c *WebSocketClient) expire(now time.Time) {
	c.mu.Lock()
	var expired []*pendingInterest
	kept := c.pending[:0]
	for _, p := range c.pending {
		if !now.Before(p.deadline) {
			expired = append(expired, p)
		} else {
			kept = append(kept, p)
		}
	}
	c.pending = kept
	c.mu.Unlock()

	for _, p := range expired {
		if p.handler(InterestTimedOut{Interest: p.interest}) != ResultReexpress {
			continue
		}
		if err := c.ExpressInterest(p.interest, p.handler); err != nil {
			c.logger.Debug("reexpress failed",
				zap.String("name", p.interest.Name.String()),
				zap.Error(err),
			)
		}
	}
}

func (c *WebSocketClient) dispatch(p wire.Packet) {
	switch m := p.(type) {
	case *wire.Data:
		c.mu.Lock()
		var matched []*pendingInterest
		kept := c.pending[:0]
		for _, pi := range c.pending {
			if satisfies(pi.interest, m) {
				matched = append(matched, pi)
			} else {
				kept = append(kept, pi)
			}
		}
		c.pending = kept
		c.mu.Unlock()

		if len(matched) == 0 {
			c.logger.Debug("unsolicited data", zap.String("name", m.Name.String()))
		}
		for _, pi := range matched {
			pi.handler(ContentArrived{Interest: pi.interest, Data: m})
		}

	case *wire.Interest:
		c.mu.Lock()
		var handlers []Handler
		for _, f := range c.filters {
			if m.Name.HasPrefix(f.prefix) {
				handlers = append(handlers, f.handler)
			}
		}
		c.mu.Unlock()

		for _, h := range handlers {
			h(InterestArrived{Interest: m})
		}

	default:
		c.logger.Debug("ignoring packet", zap.String("type", fmt.Sprintf("%T", p)))
	}
}

// satisfies reports whether d answers in.
func satisfies(in *wire.Interest, d *wire.Data) bool {
	if in.CanBePrefix {
		return d.Name.HasPrefix(in.Name)
	}
	return d.Name.Equal(in.Name)
}

// Close drops the connection and sends Final to every handler.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.sess
	c.sess = nil
	pending := c.pending
	filters := c.filters
	c.pending, c.filters = nil, nil
	c.mu.Unlock()

	if s != nil {
		s.close()
	}
	for _, p := range pending {
		p.handler(Final{})
	}
	for _, f := range filters {
		f.handler(Final{})
	}
	return nil
}

func (c *WebSocketClient) readPump(s *session) {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if s.alive() {
				c.logger.Warn("forwarder connection lost", zap.Error(err))
			}
			return
		}
		p, err := s.codec.Decode(frame)
		if err != nil {
			c.logger.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}
		select {
		case c.inbox <- p:
		case <-s.done:
			return
		}
	}
}

func (c *WebSocketClient) writePump(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
