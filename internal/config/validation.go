package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/ccnx-streamer/internal/name"
	"github.com/dgnsrekt/ccnx-streamer/internal/reassembly"
)

// MaxSegmentSize keeps a signed segment inside one websocket frame.
const MaxSegmentSize = 256 * 1024

// FieldError describes one invalid setting.
type FieldError struct {
	Key    string
	Value  any
	Reason string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []FieldError
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

// Has reports whether key failed validation.
func (e *ValidationErrors) Has(key string) bool {
	for _, f := range e.Fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s = %v: %s\n", f.Key, f.Value, f.Reason))
	}
	return sb.String()
}

func (e *ValidationErrors) add(key string, value any, reason string) {
	e.Fields = append(e.Fields, FieldError{Key: key, Value: value, Reason: reason})
}

func (e *ValidationErrors) atLeast(key string, value, min int) {
	if value < min {
		e.add(key, value, fmt.Sprintf("must be >= %d", min))
	}
}

func (e *ValidationErrors) positive(key string, d time.Duration) {
	if d <= 0 {
		e.add(key, d, "must be a positive duration")
	}
}

func (e *ValidationErrors) oneOf(key, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	e.add(key, value, "must be one of "+strings.Join(allowed, ", "))
}

// Validate checks every setting and returns *ValidationErrors listing all
// problems, or nil.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if _, err := name.ParseURI(c.Stream.URI); err != nil {
		errs.add("stream.uri", c.Stream.URI, err.Error())
	}
	errs.atLeast("stream.segment_size", c.Stream.SegmentSize, 1)
	if c.Stream.SegmentSize > MaxSegmentSize {
		errs.add("stream.segment_size", c.Stream.SegmentSize, fmt.Sprintf("must be <= %d", MaxSegmentSize))
	}

	validateHost(errs, c.Network.Host)
	errs.positive("network.poll_timeout", c.Network.PollTimeout)
	errs.positive("network.reconnect_min", c.Network.ReconnectMin)
	if c.Network.ReconnectMax < c.Network.ReconnectMin {
		errs.add("network.reconnect_max", c.Network.ReconnectMax, "must be >= network.reconnect_min")
	}
	errs.atLeast("network.max_reconnects", c.Network.MaxReconnects, 0)
	errs.positive("network.interest_lifetime", c.Network.InterestLifetime)
	errs.oneOf("network.compression", c.Network.Compression, "none", "zstd")

	errs.atLeast("producer.queue_capacity", c.Producer.QueueCapacity, 1)
	errs.oneOf("producer.overflow", c.Producer.Overflow, "overwrite", "block")
	errs.atLeast("producer.drain_batch", c.Producer.DrainBatch, 1)
	if c.Producer.PublishRate < 0 {
		errs.add("producer.publish_rate", c.Producer.PublishRate, "must be >= 0")
	}
	if c.Producer.Freshness < 0 {
		errs.add("producer.freshness", c.Producer.Freshness, "must be >= 0")
	}
	errs.atLeast("producer.cache_size", c.Producer.CacheSize, 1)

	errs.atLeast("consumer.window", c.Consumer.Window, 1)
	errs.atLeast("consumer.retry_limit", c.Consumer.RetryLimit, 1)
	errs.atLeast("consumer.queue_capacity", c.Consumer.QueueCapacity, 1)
	errs.positive("consumer.poll_interval", c.Consumer.PollInterval)
	if _, err := reassembly.ParseSkipPolicy(c.Consumer.SkipPolicy); err != nil {
		errs.add("consumer.skip_policy", c.Consumer.SkipPolicy, "must be one of next, best")
	}
	errs.atLeast("consumer.stall_limit", c.Consumer.StallLimit, 0)
	errs.positive("consumer.meta_timeout", c.Consumer.MetaTimeout)

	if c.Hub.Listen == "" {
		errs.add("hub.listen", c.Hub.Listen, "is required")
	}
	errs.atLeast("hub.cs_capacity", c.Hub.CSCapacity, 1)

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		errs.add("logging.level", c.Logging.Level, "must be debug, info, warn or error")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateHost(errs *ValidationErrors, host string) {
	u, err := url.Parse(host)
	if err != nil {
		errs.add("network.host", host, err.Error())
		return
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		errs.add("network.host", host, "scheme must be ws or wss")
		return
	}
	if u.Host == "" {
		errs.add("network.host", host, "missing host")
	}
}
