package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgnsrekt/ccnx-streamer/internal/reassembly"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected defaults to load, got error: %v", err)
	}

	if cfg.Stream.URI != "ccnx:/stream" {
		t.Errorf("expected default stream uri, got '%s'", cfg.Stream.URI)
	}
	if cfg.Stream.SegmentSize != 4000 {
		t.Errorf("expected segment size 4000, got %d", cfg.Stream.SegmentSize)
	}
	if cfg.Network.Host != "ws://127.0.0.1:9695/ws" {
		t.Errorf("expected default host, got '%s'", cfg.Network.Host)
	}
	if cfg.Network.PollTimeout != 50*time.Millisecond {
		t.Errorf("expected 50ms poll timeout, got %v", cfg.Network.PollTimeout)
	}
	if cfg.Network.ReconnectMin != 30*time.Second || cfg.Network.ReconnectMax != 60*time.Second {
		t.Errorf("unexpected reconnect range %v..%v", cfg.Network.ReconnectMin, cfg.Network.ReconnectMax)
	}
	if cfg.Producer.QueueCapacity != 20 || cfg.Producer.DrainBatch != 3 || cfg.Producer.Overflow != "overwrite" {
		t.Errorf("unexpected producer defaults %+v", cfg.Producer)
	}
	if cfg.Consumer.Window != 4 || cfg.Consumer.RetryLimit != 5 || cfg.Consumer.QueueCapacity != 5 {
		t.Errorf("unexpected consumer defaults %+v", cfg.Consumer)
	}
	if cfg.Consumer.MetaTimeout != 400*time.Millisecond {
		t.Errorf("expected 400ms meta timeout, got %v", cfg.Consumer.MetaTimeout)
	}
	if cfg.Hub.Listen != ":9695" || cfg.Hub.CSCapacity != 1024 {
		t.Errorf("unexpected hub defaults %+v", cfg.Hub)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CCNX_CONSUMER_WINDOW", "8")
	t.Setenv("CCNX_NETWORK_COMPRESSION", "zstd")
	t.Setenv("CCND_HOST", "ws://forwarder:9695/ws")
	t.Setenv("CCN_KEYSTORE", "/tmp/keystore")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Consumer.Window != 8 {
		t.Errorf("expected window 8 from env, got %d", cfg.Consumer.Window)
	}
	if cfg.Network.Compression != "zstd" {
		t.Errorf("expected zstd from env, got '%s'", cfg.Network.Compression)
	}
	if cfg.Network.Host != "ws://forwarder:9695/ws" {
		t.Errorf("expected CCND_HOST to set the host, got '%s'", cfg.Network.Host)
	}
	if cfg.Signing.KeyFile != "/tmp/keystore" {
		t.Errorf("expected CCN_KEYSTORE to set the key file, got '%s'", cfg.Signing.KeyFile)
	}
}

func TestLoadPrefixedEnvWins(t *testing.T) {
	t.Setenv("CCNX_NETWORK_HOST", "ws://primary/ws")
	t.Setenv("CCND_HOST", "ws://legacy/ws")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Network.Host != "ws://primary/ws" {
		t.Errorf("expected CCNX_NETWORK_HOST to take precedence, got '%s'", cfg.Network.Host)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamer.yaml")
	yaml := `
stream:
  uri: ccnx:/camera/front
  segment_size: 1200
consumer:
  skip_policy: best
  stall_limit: 0
  live: true
producer:
  overflow: block
  publish_rate: 25
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Stream.URI != "ccnx:/camera/front" || cfg.Stream.SegmentSize != 1200 {
		t.Errorf("unexpected stream settings %+v", cfg.Stream)
	}

	prefix, err := cfg.StreamName("")
	if err != nil {
		t.Fatalf("StreamName failed: %v", err)
	}
	pc := cfg.ProducerSettings(prefix)
	if pc.Overwrite || pc.PublishRate != 25 || pc.SegmentSize != 1200 {
		t.Errorf("unexpected producer settings %+v", pc)
	}

	cc := cfg.ConsumerSettings(prefix)
	if cc.SkipPolicy != reassembly.SkipToBest || !cc.Live {
		t.Errorf("unexpected consumer settings %+v", cc)
	}
	if cc.StallLimit >= 0 {
		t.Errorf("stall_limit 0 should disable the stall check, got %d", cc.StallLimit)
	}
	if cc.Net.Host != cfg.Network.Host {
		t.Errorf("consumer net host %q, want %q", cc.Net.Host, cfg.Network.Host)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}

func TestStreamNameOverride(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	n, err := cfg.StreamName("ccnx:/other")
	if err != nil {
		t.Fatalf("StreamName failed: %v", err)
	}
	if n.String() != "ccnx:/other" {
		t.Errorf("expected override, got %s", n)
	}
	if _, err := cfg.StreamName("http://nope"); err == nil {
		t.Error("expected error for non-ccnx uri")
	}
}
