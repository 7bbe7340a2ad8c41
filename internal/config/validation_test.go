package config

import (
	"errors"
	"strings"
	"testing"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	if err := validConfig(t).Validate(); err != nil {
		t.Errorf("expected defaults to validate, got: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validConfig(t)
	cfg.Stream.URI = "ftp://x"
	cfg.Stream.SegmentSize = 0
	cfg.Network.Host = "http://127.0.0.1:9695"
	cfg.Network.Compression = "gzip"
	cfg.Producer.Overflow = "spill"
	cfg.Consumer.SkipPolicy = "worst"
	cfg.Logging.Level = "chatty"

	err := cfg.Validate()
	var verrs *ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected *ValidationErrors, got %T: %v", err, err)
	}

	for _, key := range []string{
		"stream.uri",
		"stream.segment_size",
		"network.host",
		"network.compression",
		"producer.overflow",
		"consumer.skip_policy",
		"logging.level",
	} {
		if !verrs.Has(key) {
			t.Errorf("expected an error for %s", key)
		}
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error message should mention %s, got: %v", key, err)
		}
	}
	if len(verrs.Fields) != 7 {
		t.Errorf("expected 7 errors, got %d", len(verrs.Fields))
	}
}

func TestValidate_ReconnectRange(t *testing.T) {
	cfg := validConfig(t)
	cfg.Network.ReconnectMax = cfg.Network.ReconnectMin / 2

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "network.reconnect_max") {
		t.Errorf("expected reconnect_max error, got: %v", err)
	}
}

func TestValidate_SegmentSizeUpperBound(t *testing.T) {
	cfg := validConfig(t)
	cfg.Stream.SegmentSize = MaxSegmentSize + 1

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for oversized segments")
	}
}

func TestValidate_StallLimitZeroAllowed(t *testing.T) {
	cfg := validConfig(t)
	cfg.Consumer.StallLimit = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("stall_limit 0 should be valid, got: %v", err)
	}
}
