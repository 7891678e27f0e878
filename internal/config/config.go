// Package config loads the agent configuration from YAML, `.env` files and
// EVENTPIPE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIKeyRef          = "env:EVENTPIPE_API_KEY"
	DefaultStream             = "go_sdk"
	DefaultCollectionEndpoint = "https://api.lytics.io/collect/json/"
	DefaultQueuePath          = "./.data/eventpipe.db"
	DefaultIdentityPath       = "./.data/identity.json"
	DefaultIngestListen       = "127.0.0.1:8787"
	DefaultIngestMaxBody      = ByteSize(1 << 20)

	TransportHTTP  = "http"
	TransportKafka = "kafka"

	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config is the agent configuration. Zero values in a loaded file keep the
// defaults from Default.
type Config struct {
	APIKey                string            `yaml:"api_key" json:"api_key"`
	DefaultStream         string            `yaml:"default_stream" json:"default_stream"`
	CollectionEndpoint    string            `yaml:"collection_endpoint" json:"collection_endpoint"`
	SandboxMode           bool              `yaml:"sandbox_mode" json:"sandbox_mode"`
	MaxQueueSize          int               `yaml:"max_queue_size" json:"max_queue_size"`
	UploadInterval        Duration          `yaml:"upload_interval" json:"upload_interval"`
	MaxRetryAttempts      int               `yaml:"max_retry_attempts" json:"max_retry_attempts"`
	NetworkRequestTimeout Duration          `yaml:"network_request_timeout" json:"network_request_timeout"`
	NetworkRetries        int               `yaml:"network_retries" json:"network_retries"`
	SessionTimeout        Duration          `yaml:"session_timeout" json:"session_timeout"`
	RequireConsent        bool              `yaml:"require_consent" json:"require_consent"`
	AutoTrackAppOpens     bool              `yaml:"auto_track_app_opens" json:"auto_track_app_opens"`
	AutoTrackScreens      bool              `yaml:"auto_track_screens" json:"auto_track_screens"`
	AnonymousIdentityKey  string            `yaml:"anonymous_identity_key" json:"anonymous_identity_key"`
	IdentityPath          string            `yaml:"identity_path" json:"identity_path"`
	// AdvertisingIDPath names a file holding the host's advertising id.
	AdvertisingIDPath     string            `yaml:"advertising_id_path" json:"advertising_id_path,omitempty"`
	Headers               map[string]string `yaml:"headers" json:"headers,omitempty"`
	Transport             string            `yaml:"transport" json:"transport"`

	Kafka         KafkaConfig         `yaml:"kafka" json:"kafka"`
	Queue         QueueConfig         `yaml:"queue" json:"queue"`
	Ingest        IngestConfig        `yaml:"ingest" json:"ingest"`
	Health        HealthConfig        `yaml:"health" json:"health"`
	Breaker       BreakerConfig       `yaml:"breaker" json:"breaker"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`

	// warnings collected while loading (placeholders, env overrides).
	warnings []string
}

type KafkaConfig struct {
	Brokers      []string `yaml:"brokers" json:"brokers,omitempty"`
	TopicPrefix  string   `yaml:"topic_prefix" json:"topic_prefix,omitempty"`
	WriteTimeout Duration `yaml:"write_timeout" json:"write_timeout"`
}

type QueueConfig struct {
	Backend     string `yaml:"backend" json:"backend"`
	Path        string `yaml:"path" json:"path,omitempty"`
	PostgresDSN string `yaml:"postgres_dsn" json:"-"`
}

type IngestConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	// Token is a secret reference; empty disables bearer auth.
	Token   string   `yaml:"token" json:"-"`
	MaxBody ByteSize `yaml:"max_body" json:"max_body"`
}

type HealthConfig struct {
	GRPCListen string `yaml:"grpc_listen" json:"grpc_listen,omitempty"`
}

type BreakerConfig struct {
	Enabled             bool     `yaml:"enabled" json:"enabled"`
	ConsecutiveFailures int      `yaml:"consecutive_failures" json:"consecutive_failures"`
	OpenTimeout         Duration `yaml:"open_timeout" json:"open_timeout"`
}

type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level" json:"log_level"`
	LogOutput string        `yaml:"log_output" json:"log_output"`
	LogPath   string        `yaml:"log_path" json:"log_path,omitempty"`
	Tracing   TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics" json:"metrics"`
}

type TracingConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Collector string `yaml:"collector" json:"collector,omitempty"`
	Insecure  bool   `yaml:"insecure" json:"insecure"`
}

type MetricsConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Collector string   `yaml:"collector" json:"collector,omitempty"`
	Insecure  bool     `yaml:"insecure" json:"insecure"`
	Interval  Duration `yaml:"interval" json:"interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		APIKey:                DefaultAPIKeyRef,
		DefaultStream:         DefaultStream,
		CollectionEndpoint:    DefaultCollectionEndpoint,
		MaxQueueSize:          10,
		UploadInterval:        Duration(10 * time.Second),
		MaxRetryAttempts:      3,
		NetworkRequestTimeout: Duration(30 * time.Second),
		SessionTimeout:        Duration(20 * time.Minute),
		AnonymousIdentityKey:  "_uid",
		IdentityPath:          DefaultIdentityPath,
		Transport:             TransportHTTP,
		Kafka: KafkaConfig{
			WriteTimeout: Duration(10 * time.Second),
		},
		Queue: QueueConfig{
			Backend: BackendSQLite,
			Path:    DefaultQueuePath,
		},
		Ingest: IngestConfig{
			Listen:  DefaultIngestListen,
			MaxBody: DefaultIngestMaxBody,
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: 5,
			OpenTimeout:         Duration(30 * time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogOutput: "stderr",
			Metrics: MetricsConfig{
				Interval: Duration(time.Minute),
			},
		},
	}
}

// Duration accepts Go durations, a day suffix ("7d") and "off" or "0".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: duration must be a string like 10s", node.Line)
	}
	v, err := parseDurationValue(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// ByteSize accepts sizes like 512kb, 1mb or a plain byte count.
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: size must be a string like 1mb", node.Line)
	}
	v, err := parseByteSize(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = ByteSize(v)
	return nil
}

func parseDurationValue(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("must not be empty")
	}
	if strings.EqualFold(raw, "off") || raw == "0" {
		return 0, nil
	}

	lower := strings.ToLower(raw)
	if num, ok := strings.CutSuffix(lower, "d"); ok {
		days, err := strconv.Atoi(num)
		if err != nil || days < 0 {
			return 0, fmt.Errorf("must be a duration like 30s, 20m, 7d, or off")
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("must be a duration like 30s, 20m, 7d, or off")
	}
	if d < 0 {
		return 0, fmt.Errorf("must be a non-negative duration")
	}
	return d, nil
}

func parseByteSize(raw string) (int64, error) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if lower == "" {
		return 0, fmt.Errorf("must not be empty")
	}

	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"gb", 1 << 30}, {"g", 1 << 30},
		{"mb", 1 << 20}, {"m", 1 << 20},
		{"kb", 1 << 10}, {"k", 1 << 10},
		{"b", 1},
	} {
		if num, ok := strings.CutSuffix(lower, u.suffix); ok {
			lower, mult = strings.TrimSpace(num), u.mult
			break
		}
	}

	v, err := strconv.ParseInt(lower, 10, 64)
	if err != nil || v <= 0 || v > math.MaxInt64/mult {
		return 0, errors.New("must be a positive size like 64kb or 2mb")
	}
	size := v * mult
	return size, nil
}
