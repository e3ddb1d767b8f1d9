package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/logging"
	"github.com/chenchaobing/jaeger-demo/internal/shared/id"
)

// EnvPrefix prefixes every environment variable, e.g. OFE_BROKER_KIND.
const EnvPrefix = "ofe"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Broker backends.
const (
	BrokerMemory = "memory"
	BrokerMQTT   = "mqtt"
	BrokerESDB   = "esdb"
)

// Span exporters.
const (
	ExporterLog  = "log"
	ExporterOTLP = "otlp"
	ExporterNone = "none"
)

// Config holds all application configuration.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Broker      BrokerConfig      `yaml:"broker"`
	Translation TranslationConfig `yaml:"translation"`
	Translator  TranslatorConfig  `yaml:"translator"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Workers     WorkersConfig     `yaml:"workers"`
	Admin       AdminConfig       `yaml:"admin"`
	Logging     logging.Config    `yaml:"logging"`
}

// NodeConfig describes what the processing node consumes and produces.
type NodeConfig struct {
	ID             string        `yaml:"id"`
	Topic          string        `yaml:"topic"`
	Group          string        `yaml:"group"`
	TextID         int64         `yaml:"text_id" envconfig:"TEXT_ID"`
	ProcessDelay   time.Duration `yaml:"process_delay" envconfig:"PROCESS_DELAY"`
	PublishEnabled bool          `yaml:"publish_enabled" envconfig:"PUBLISH_ENABLED"`
	PublishTopic   string        `yaml:"publish_topic" envconfig:"PUBLISH_TOPIC"`
	PublishKey     string        `yaml:"publish_key" envconfig:"PUBLISH_KEY"`
}

// BrokerConfig holds message broker settings.
type BrokerConfig struct {
	Kind         string        `yaml:"kind"`
	Partitions   int           `yaml:"partitions"`
	Acks         string        `yaml:"acks"`
	MaxBacklog   int           `yaml:"max_backlog" envconfig:"MAX_BACKLOG"`
	DrainTimeout time.Duration `yaml:"drain_timeout" envconfig:"DRAIN_TIMEOUT"`
	MQTT         MQTTConfig    `yaml:"mqtt"`
	ESDB         ESDBConfig    `yaml:"esdb"`
}

// MQTTConfig holds MQTT connection settings.
type MQTTConfig struct {
	URL             string        `yaml:"url"`
	ClientID        string        `yaml:"client_id" envconfig:"CLIENT_ID"`
	KeepAlive       time.Duration `yaml:"keep_alive" envconfig:"KEEP_ALIVE"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
	Embedded        bool          `yaml:"embedded"`
	EmbeddedAddress string        `yaml:"embedded_address" envconfig:"EMBEDDED_ADDRESS"`
}

// ESDBConfig holds EventStoreDB connection settings.
type ESDBConfig struct {
	ConnectionString string `yaml:"connection_string" envconfig:"CONNECTION_STRING"`
}

// TranslationConfig holds translation client settings.
type TranslationConfig struct {
	Address string        `yaml:"address"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker settings for the translation client.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MaxRequests      uint32        `yaml:"max_requests" envconfig:"MAX_REQUESTS"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold" envconfig:"FAILURE_THRESHOLD"`
}

// TranslatorConfig configures the demo translation server.
type TranslatorConfig struct {
	Address      string        `yaml:"address"`
	Latency      time.Duration `yaml:"latency"`
	FailureRatio float64       `yaml:"failure_ratio" envconfig:"FAILURE_RATIO"`
}

// TracingConfig holds tracer settings.
type TracingConfig struct {
	Service      string `yaml:"service"`
	Format       string `yaml:"format"`
	Exporter     string `yaml:"exporter"`
	OTLPEndpoint string `yaml:"otlp_endpoint" envconfig:"OTLP_ENDPOINT"`
	BufferSize   int    `yaml:"buffer_size" envconfig:"BUFFER_SIZE"`
	BatchSize    int    `yaml:"batch_size" envconfig:"BATCH_SIZE"`
}

// WorkersConfig sizes the worker pools.
type WorkersConfig struct {
	Completion int `yaml:"completion"`
	Queue      int `yaml:"queue"`
	Shards     int `yaml:"shards"`
}

// AdminConfig holds the metrics/health HTTP server settings.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Load loads configuration from environment variables over the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads defaults, then the YAML file at path (if non-empty), then the
// environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		cfg = Default()
		cfg.Finalize()
	}
	return cfg
}

func applyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Finalize()
	return nil
}

// Finalize fills values derived from others: a missing node id is generated
// and the consumer group defaults to the node id.
func (c *Config) Finalize() {
	if c.Node.ID == "" {
		c.Node.ID = id.NewNodeID()
	}
	if c.Node.Group == "" {
		c.Node.Group = c.Node.ID
	}
	if c.Broker.MQTT.ClientID == "" {
		c.Broker.MQTT.ClientID = c.Node.ID
	}
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
		}
	}

	check(c.Node.Topic != "", "node.topic is required")
	check(!c.Node.PublishEnabled || c.Node.PublishTopic != "", "node.publish_topic is required when publishing")
	check(c.Node.ProcessDelay >= 0, "node.process_delay must not be negative")

	switch c.Broker.Kind {
	case BrokerMemory, BrokerMQTT, BrokerESDB:
	default:
		check(false, "broker.kind %q (want memory, mqtt or esdb)", c.Broker.Kind)
	}
	check(c.Broker.Partitions > 0, "broker.partitions must be positive")
	check(c.Broker.MaxBacklog > 0, "broker.max_backlog must be positive")
	switch strings.ToLower(c.Broker.Acks) {
	case "0", "1", "all", "-1", "none", "leader":
	default:
		check(false, "broker.acks %q (want 0, 1 or all)", c.Broker.Acks)
	}
	check(c.Broker.Kind != BrokerMQTT || c.Broker.MQTT.URL != "", "broker.mqtt.url is required")
	check(c.Broker.Kind != BrokerESDB || c.Broker.ESDB.ConnectionString != "", "broker.esdb.connection_string is required")

	check(c.Translation.Address != "", "translation.address is required")

	switch c.Tracing.Format {
	case "w3c", "header":
	default:
		check(false, "tracing.format %q (want w3c or header)", c.Tracing.Format)
	}
	switch c.Tracing.Exporter {
	case ExporterLog, ExporterOTLP, ExporterNone:
	default:
		check(false, "tracing.exporter %q (want log, otlp or none)", c.Tracing.Exporter)
	}
	check(c.Tracing.Exporter != ExporterOTLP || c.Tracing.OTLPEndpoint != "", "tracing.otlp_endpoint is required")

	check(c.Workers.Completion > 0, "workers.completion must be positive")
	check(c.Workers.Queue > 0, "workers.queue must be positive")
	check(c.Workers.Shards > 0, "workers.shards must be positive")

	return errors.Join(errs...)
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Topic:          "ot",
			TextID:         1,
			ProcessDelay:   10 * time.Millisecond,
			PublishEnabled: false,
			PublishTopic:   "push",
			PublishKey:     "aa",
		},
		Broker: BrokerConfig{
			Kind:         BrokerMQTT,
			Partitions:   4,
			Acks:         "1",
			MaxBacklog:   256,
			DrainTimeout: 5 * time.Second,
			MQTT: MQTTConfig{
				URL:             "tcp://localhost:1883",
				KeepAlive:       30 * time.Second,
				ConnectTimeout:  10 * time.Second,
				EmbeddedAddress: ":1883",
			},
			ESDB: ESDBConfig{
				ConnectionString: "esdb://localhost:2113?tls=false",
			},
		},
		Translation: TranslationConfig{
			Address: "localhost:8080",
			Breaker: BreakerConfig{
				Enabled:          true,
				MaxRequests:      1,
				Interval:         60 * time.Second,
				Timeout:          30 * time.Second,
				FailureThreshold: 5,
			},
		},
		Translator: TranslatorConfig{
			Address: ":8080",
			Latency: 20 * time.Millisecond,
		},
		Tracing: TracingConfig{
			Service:      "ofe",
			Format:       "header",
			Exporter:     ExporterLog,
			OTLPEndpoint: "localhost:4318",
			BufferSize:   1000,
			BatchSize:    100,
		},
		Workers: WorkersConfig{
			Completion: 4,
			Queue:      256,
			Shards:     1,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9090",
		},
		Logging: logging.DefaultConfig(),
	}
}
