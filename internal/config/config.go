package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/ccnx-streamer/internal/consumer"
	"github.com/dgnsrekt/ccnx-streamer/internal/name"
	"github.com/dgnsrekt/ccnx-streamer/internal/netclient"
	"github.com/dgnsrekt/ccnx-streamer/internal/netloop"
	"github.com/dgnsrekt/ccnx-streamer/internal/producer"
	"github.com/dgnsrekt/ccnx-streamer/internal/reassembly"
)

type Config struct {
	Stream   StreamConfig   `mapstructure:"stream"`
	Network  NetworkConfig  `mapstructure:"network"`
	Producer ProducerConfig `mapstructure:"producer"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Signing  SigningConfig  `mapstructure:"signing"`
	Hub      HubConfig      `mapstructure:"hub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type StreamConfig struct {
	URI         string `mapstructure:"uri"`
	SegmentSize int    `mapstructure:"segment_size"`
}

type NetworkConfig struct {
	Host             string        `mapstructure:"host"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
	ReconnectMin     time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
	InterestLifetime time.Duration `mapstructure:"interest_lifetime"`
	Compression      string        `mapstructure:"compression"`
}

type ProducerConfig struct {
	QueueCapacity int           `mapstructure:"queue_capacity"`
	Overflow      string        `mapstructure:"overflow"`
	DrainBatch    int           `mapstructure:"drain_batch"`
	PublishRate   float64       `mapstructure:"publish_rate"`
	Freshness     time.Duration `mapstructure:"freshness"`
	CacheSize     int           `mapstructure:"cache_size"`
}

type ConsumerConfig struct {
	Window        int           `mapstructure:"window"`
	RetryLimit    int           `mapstructure:"retry_limit"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SkipPolicy    string        `mapstructure:"skip_policy"`
	StallLimit    int           `mapstructure:"stall_limit"`
	Live          bool          `mapstructure:"live"`
	MetaTimeout   time.Duration `mapstructure:"meta_timeout"`
}

type SigningConfig struct {
	KeyFile string `mapstructure:"key_file"`
	Verify  bool   `mapstructure:"verify"`
}

type HubConfig struct {
	Listen     string `mapstructure:"listen"`
	CSCapacity int    `mapstructure:"cs_capacity"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("stream.uri", "ccnx:/stream")
	v.SetDefault("stream.segment_size", 4000)
	v.SetDefault("network.host", "ws://127.0.0.1:9695/ws")
	v.SetDefault("network.poll_timeout", netloop.DefaultPollTimeout)
	v.SetDefault("network.reconnect_min", netloop.DefaultReconnectMin)
	v.SetDefault("network.reconnect_max", netloop.DefaultReconnectMax)
	v.SetDefault("network.max_reconnects", 0)
	v.SetDefault("network.interest_lifetime", netclient.DefaultInterestLifetime)
	v.SetDefault("network.compression", "none")
	v.SetDefault("producer.queue_capacity", producer.DefaultQueueCapacity)
	v.SetDefault("producer.overflow", "overwrite")
	v.SetDefault("producer.drain_batch", producer.DefaultDrainBatch)
	v.SetDefault("producer.publish_rate", 0)
	v.SetDefault("producer.freshness", 0)
	v.SetDefault("producer.cache_size", producer.DefaultCacheSize)
	v.SetDefault("consumer.window", 4)
	v.SetDefault("consumer.retry_limit", 5)
	v.SetDefault("consumer.queue_capacity", consumer.DefaultQueueCapacity)
	v.SetDefault("consumer.poll_interval", 50*time.Millisecond)
	v.SetDefault("consumer.skip_policy", "next")
	v.SetDefault("consumer.stall_limit", reassembly.DefaultStallLimit)
	v.SetDefault("consumer.live", false)
	v.SetDefault("consumer.meta_timeout", consumer.DefaultMetaTimeout)
	v.SetDefault("signing.key_file", "")
	v.SetDefault("signing.verify", false)
	v.SetDefault("hub.listen", ":9695")
	v.SetDefault("hub.cs_capacity", 1024)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")

	// Environment variable support
	v.SetEnvPrefix("CCNX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Variables understood by other CCNx tools
	_ = v.BindEnv("network.host", "CCNX_NETWORK_HOST", "CCND_HOST")
	_ = v.BindEnv("signing.key_file", "CCNX_SIGNING_KEY_FILE", "CCN_KEYSTORE")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("streamer")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// StreamName parses stream.uri, or uri when it is not empty.
func (c *Config) StreamName(uri string) (name.Name, error) {
	if uri == "" {
		uri = c.Stream.URI
	}
	n, err := name.ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("stream uri %q: %w", uri, err)
	}
	return n, nil
}

// NetLoop returns the polling and reconnect settings.
func (c *Config) NetLoop() netloop.Config {
	return netloop.Config{
		Host:          c.Network.Host,
		PollTimeout:   c.Network.PollTimeout,
		ReconnectMin:  c.Network.ReconnectMin,
		ReconnectMax:  c.Network.ReconnectMax,
		MaxReconnects: c.Network.MaxReconnects,
	}
}

// ClientOptions returns the websocket client settings.
func (c *Config) ClientOptions() netclient.Options {
	return netclient.Options{
		Compression:      c.Network.Compression,
		InterestLifetime: c.Network.InterestLifetime,
	}
}

// ProducerSettings returns the publisher configuration for prefix.
func (c *Config) ProducerSettings(prefix name.Name) producer.Config {
	return producer.Config{
		Prefix:        prefix,
		SegmentSize:   c.Stream.SegmentSize,
		QueueCapacity: c.Producer.QueueCapacity,
		Overwrite:     c.Producer.Overflow == "overwrite",
		DrainBatch:    c.Producer.DrainBatch,
		PublishRate:   c.Producer.PublishRate,
		Freshness:     c.Producer.Freshness,
		CacheSize:     c.Producer.CacheSize,
		Net:           c.NetLoop(),
	}
}

// ConsumerSettings returns the fetcher configuration for prefix. The
// verifier is left to the caller.
func (c *Config) ConsumerSettings(prefix name.Name) consumer.Config {
	policy, _ := reassembly.ParseSkipPolicy(c.Consumer.SkipPolicy)
	stall := c.Consumer.StallLimit
	if stall == 0 {
		stall = -1
	}
	return consumer.Config{
		Prefix:           prefix,
		SegmentSize:      c.Stream.SegmentSize,
		Window:           c.Consumer.Window,
		RetryLimit:       c.Consumer.RetryLimit,
		QueueCapacity:    c.Consumer.QueueCapacity,
		PollInterval:     c.Consumer.PollInterval,
		SkipPolicy:       policy,
		StallLimit:       stall,
		Live:             c.Consumer.Live,
		MetaTimeout:      c.Consumer.MetaTimeout,
		InterestLifetime: c.Network.InterestLifetime,
		Net:              c.NetLoop(),
	}
}
