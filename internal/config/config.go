package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Encryption    EncryptionConfig    `yaml:"encryption"`
	Commit        CommitConfig        `yaml:"commit"`
	Multipart     MultipartConfig     `yaml:"multipart"`
	Retention     RetentionConfig     `yaml:"retention"`
	Reclaim       ReclaimConfig       `yaml:"reclaim"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type ServerConfig struct {
	Address             string  `yaml:"address"`
	Port                int     `yaml:"port"`
	ShutdownTimeoutSecs int     `yaml:"shutdown_timeout_secs"`
	RateLimitRPS        float64 `yaml:"rate_limit_rps"` // 0 disables rate limiting
	RateLimitBurst      int     `yaml:"rate_limit_burst"`
}

// StorageConfig selects and tunes the storage backend. Kind is one of
// filesystem, memory, erasure, or s3.
type StorageConfig struct {
	Kind    string        `yaml:"kind"`
	DataDir string        `yaml:"data_dir"`
	Erasure ErasureConfig `yaml:"erasure"`
	S3      S3Config      `yaml:"s3"`
}

type ErasureConfig struct {
	DataShards   int `yaml:"data_shards"`
	ParityShards int `yaml:"parity_shards"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type MetadataConfig struct {
	Path string `yaml:"path"`
}

type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"` // hex-encoded 32-byte key (64 hex chars)
}

// KeyBytes returns the decoded encryption key bytes.
func (e *EncryptionConfig) KeyBytes() ([]byte, error) {
	if !e.Enabled {
		return nil, nil
	}
	key, err := hex.DecodeString(e.Key)
	if err != nil {
		return nil, fmt.Errorf("encryption key must be hex-encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

type CommitConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

type MultipartConfig struct {
	MinPartSizeBytes  int64 `yaml:"min_part_size_bytes"`
	IdleDeadlineSecs  int   `yaml:"idle_deadline_secs"`
	SweepIntervalSecs int   `yaml:"sweep_interval_secs"`
}

type RetentionConfig struct {
	RetainLast        int `yaml:"retain_last"`
	PruneIntervalSecs int `yaml:"prune_interval_secs"`
}

type ReclaimConfig struct {
	IntervalSecs int `yaml:"interval_secs"`
	BatchSize    int `yaml:"batch_size"`
	MaxRetries   int `yaml:"max_retries"`
}

type NotificationsConfig struct {
	MaxWorkers int          `yaml:"max_workers"`
	QueueSize  int          `yaml:"queue_size"`
	MaxRetries int          `yaml:"max_retries"`
	Sinks      []SinkConfig `yaml:"sinks"`
}

// SinkConfig declares one notification destination. Kind is one of
// webhook, redis, nats, or kafka; the rule fields scope which events the
// sink receives.
type SinkConfig struct {
	Kind     string   `yaml:"kind"`
	Endpoint string   `yaml:"endpoint"` // webhook URL, redis addr, nats URL
	Brokers  []string `yaml:"brokers"`  // kafka
	Topic    string   `yaml:"topic"`    // kafka topic / nats subject / redis channel
	ListKey  string   `yaml:"list_key"` // redis queue mode
	Events   []string `yaml:"events"`
	Prefix   string   `yaml:"prefix"`
	Suffix   string   `yaml:"suffix"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // text or json
	AccessLog string `yaml:"access_log"` // path for JSON access log, empty disables
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when a field is absent from the
// file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:             "0.0.0.0",
			Port:                9000,
			ShutdownTimeoutSecs: 30,
		},
		Storage: StorageConfig{
			Kind:    "filesystem",
			DataDir: "./data",
			Erasure: ErasureConfig{
				DataShards:   4,
				ParityShards: 2,
			},
		},
		Metadata: MetadataConfig{
			Path: "./metadata.db",
		},
		Commit: CommitConfig{
			MaxRetries: 4,
		},
		Multipart: MultipartConfig{
			MinPartSizeBytes:  5 << 20,
			IdleDeadlineSecs:  86400,
			SweepIntervalSecs: 300,
		},
		Retention: RetentionConfig{
			PruneIntervalSecs: 3600,
		},
		Reclaim: ReclaimConfig{
			IntervalSecs: 30,
			BatchSize:    256,
			MaxRetries:   8,
		},
		Notifications: NotificationsConfig{
			MaxWorkers: 4,
			QueueSize:  1024,
			MaxRetries: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Kind {
	case "filesystem", "memory", "erasure", "s3":
	default:
		return fmt.Errorf("unknown storage kind %q", c.Storage.Kind)
	}
	if c.Storage.Kind == "erasure" {
		if c.Storage.Erasure.DataShards < 1 || c.Storage.Erasure.ParityShards < 1 {
			return fmt.Errorf("erasure needs at least 1 data and 1 parity shard")
		}
	}
	if c.Storage.Kind == "s3" {
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 storage needs endpoint and bucket")
		}
	}
	if c.Encryption.Enabled {
		if _, err := c.Encryption.KeyBytes(); err != nil {
			return fmt.Errorf("invalid encryption config: %w", err)
		}
	}
	for _, s := range c.Notifications.Sinks {
		switch s.Kind {
		case "webhook", "redis", "nats":
			if s.Endpoint == "" {
				return fmt.Errorf("%s sink needs an endpoint", s.Kind)
			}
		case "kafka":
			if len(s.Brokers) == 0 || s.Topic == "" {
				return fmt.Errorf("kafka sink needs brokers and a topic")
			}
		default:
			return fmt.Errorf("unknown notification sink kind %q", s.Kind)
		}
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
