// Package config loads and validates collector configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/source-collector/internal/collector"
)

// Concurrency bounds for the worker pool.
const (
	MinConcurrency = 1
	MaxConcurrency = 8
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Collector CollectorConfig          `mapstructure:"collector"`
	HTTP      HTTPConfig               `mapstructure:"http"`
	Schedule  ScheduleConfig           `mapstructure:"schedule"`
	Metadata  MetadataConfig           `mapstructure:"metadata"`
	Storage   StorageConfig            `mapstructure:"storage"`
	Bus       BusConfig                `mapstructure:"bus"`
	Receiver  ReceiverConfig           `mapstructure:"receiver"`
	Logging   LoggingConfig            `mapstructure:"logging"`
	Sources   []collector.SourceConfig `mapstructure:"sources"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CollectorConfig governs the pool and per-run behaviour.
type CollectorConfig struct {
	Concurrency    int     `mapstructure:"concurrency"`
	UserAgent      string  `mapstructure:"user_agent"`
	Force          bool    `mapstructure:"force"`
	MessageMode    string  `mapstructure:"message_mode"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	MaxOutputBytes int64   `mapstructure:"max_output_bytes"`
}

// HTTPConfig configures the fetch client.
type HTTPConfig struct {
	TimeoutSeconds int   `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int64 `mapstructure:"max_body_bytes"`
}

// ScheduleConfig drives the serve loop.
type ScheduleConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	WatchDirectories bool          `mapstructure:"watch_directories"`
	Debounce         time.Duration `mapstructure:"debounce"`
}

// MetadataConfig selects the source record backend.
type MetadataConfig struct {
	Backend    string         `mapstructure:"backend"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds the pgx pool settings.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects and configures the document store.
type StorageConfig struct {
	Provider string             `mapstructure:"provider"`
	Prefix   string             `mapstructure:"prefix"`
	Local    LocalStorageConfig `mapstructure:"local"`
	GCS      GCSStorageConfig   `mapstructure:"gcs"`
	S3       S3StorageConfig    `mapstructure:"s3"`
}

// LocalStorageConfig configures the filesystem store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSStorageConfig configures the Cloud Storage store.
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// S3StorageConfig configures the S3 store.
type S3StorageConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// BusConfig selects and configures the message bus.
type BusConfig struct {
	Provider string       `mapstructure:"provider"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
	Redis    RedisConfig  `mapstructure:"redis"`
}

// PubSubConfig holds the Pub/Sub resource names.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// RedisConfig holds the Redis Streams settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
	Stream   string `mapstructure:"stream"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// ReceiverConfig configures the message consumer.
type ReceiverConfig struct {
	Dir string `mapstructure:"dir"`
	// InProcess runs the receiver inside serve, fed by the memory bus.
	InProcess bool `mapstructure:"in_process"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("collector.concurrency", 4)
	v.SetDefault("collector.user_agent", "source-collector/0.1")
	v.SetDefault("collector.force", false)
	v.SetDefault("collector.message_mode", string(collector.MessageModeReference))
	v.SetDefault("collector.rate_limit_rps", 0)
	v.SetDefault("collector.rate_limit_burst", 1)
	v.SetDefault("collector.max_output_bytes", int64(1)<<30)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("schedule.interval", time.Hour)
	v.SetDefault("schedule.watch_directories", false)
	v.SetDefault("schedule.debounce", 500*time.Millisecond)
	v.SetDefault("metadata.backend", "sqlite")
	v.SetDefault("metadata.sqlite_path", "data/metadata.db")
	v.SetDefault("metadata.postgres.table", "source_records")
	v.SetDefault("metadata.postgres.max_conns", 4)
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.prefix", "documents")
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("bus.provider", "memory")
	v.SetDefault("bus.redis.stream", "collector:documents")
	v.SetDefault("bus.redis.group", "collector")
	v.SetDefault("bus.redis.consumer", "receiver")
	v.SetDefault("receiver.dir", "received")
	v.SetDefault("receiver.in_process", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// normalize canonicalises enumerated values so the rest of the program sees one spelling.
func (c *Config) normalize() error {
	c.Metadata.Backend = strings.ToLower(strings.TrimSpace(c.Metadata.Backend))
	c.Storage.Provider = strings.ToLower(strings.TrimSpace(c.Storage.Provider))
	c.Bus.Provider = strings.ToLower(strings.TrimSpace(c.Bus.Provider))
	c.Collector.MessageMode = strings.ToLower(strings.TrimSpace(c.Collector.MessageMode))

	for i := range c.Sources {
		src := &c.Sources[i]
		src.URI = strings.TrimSpace(src.URI)
		src.Kind = collector.Kind(strings.ToLower(strings.TrimSpace(string(src.Kind))))
		if src.Kind == "" {
			src.Kind = collector.KindWeb
		}
		pp, err := collector.ParsePostProcess(string(src.PostProcess))
		if err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		src.PostProcess = pp
		src.MessageMode = collector.MessageMode(strings.ToLower(strings.TrimSpace(string(src.MessageMode))))
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Collector.Concurrency < MinConcurrency || c.Collector.Concurrency > MaxConcurrency {
		return fmt.Errorf("collector.concurrency must be between %d and %d", MinConcurrency, MaxConcurrency)
	}
	if c.Collector.RateLimitRPS < 0 {
		return fmt.Errorf("collector.rate_limit_rps must be >= 0")
	}
	if err := validMessageMode(c.Collector.MessageMode); err != nil {
		return fmt.Errorf("collector.message_mode: %w", err)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxBodyBytes < 0 {
		return fmt.Errorf("http.max_body_bytes must be >= 0")
	}
	if c.Schedule.Interval < 0 {
		return fmt.Errorf("schedule.interval must be >= 0")
	}

	switch c.Metadata.Backend {
	case "memory":
	case "sqlite":
		if c.Metadata.SQLitePath == "" {
			return fmt.Errorf("metadata.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if c.Metadata.Postgres.DSN == "" {
			return fmt.Errorf("metadata.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown metadata.backend %q", c.Metadata.Backend)
	}

	switch c.Storage.Provider {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local provider")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs provider")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 provider")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}

	switch c.Bus.Provider {
	case "memory":
	case "pubsub":
		if c.Bus.PubSub.ProjectID == "" || c.Bus.PubSub.Topic == "" {
			return fmt.Errorf("bus.pubsub.project_id and bus.pubsub.topic are required for the pubsub provider")
		}
	case "redis":
		if c.Bus.Redis.Address == "" || c.Bus.Redis.Stream == "" {
			return fmt.Errorf("bus.redis.address and bus.redis.stream are required for the redis provider")
		}
	default:
		return fmt.Errorf("unknown bus.provider %q", c.Bus.Provider)
	}

	return c.validateSources()
}

func (c Config) validateSources() error {
	seen := make(map[string]int, len(c.Sources))
	for i, src := range c.Sources {
		if src.URI == "" {
			return fmt.Errorf("sources[%d]: source-uri is required", i)
		}
		switch src.Kind {
		case collector.KindWeb, collector.KindFile, collector.KindDirectory:
		default:
			return fmt.Errorf("sources[%d]: unknown type %q", i, src.Kind)
		}
		if _, err := collector.ParsePostProcess(string(src.PostProcess)); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if src.MessageMode != "" {
			if err := validMessageMode(string(src.MessageMode)); err != nil {
				return fmt.Errorf("sources[%d]: message-mode: %w", i, err)
			}
		}
		if prev, dup := seen[src.URI]; dup {
			return fmt.Errorf("sources[%d]: source-uri %q duplicates sources[%d]", i, src.URI, prev)
		}
		seen[src.URI] = i
	}
	return nil
}

func validMessageMode(mode string) error {
	switch collector.MessageMode(mode) {
	case collector.MessageModeReference, collector.MessageModeInline:
		return nil
	case "":
		return errors.New("must not be empty")
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// SourcesByName returns the configured sources whose name or URI matches one of names. An
// empty names list selects all sources.
func (c Config) SourcesByName(names ...string) ([]collector.SourceConfig, error) {
	if len(names) == 0 {
		return c.Sources, nil
	}
	var out []collector.SourceConfig
	for _, name := range names {
		found := false
		for _, src := range c.Sources {
			if src.Name == name || src.URI == name {
				out = append(out, src)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no configured source named %q", name)
		}
	}
	return out, nil
}

// WatchedDirectories lists the local paths of directory sources.
func (c Config) WatchedDirectories() []string {
	var dirs []string
	for _, src := range c.Sources {
		if src.Kind == collector.KindDirectory {
			dirs = append(dirs, strings.TrimPrefix(src.URI, "file://"))
		}
	}
	return dirs
}
