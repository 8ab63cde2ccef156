// Package config holds the server's settings: built-in defaults, an
// optional YAML file, and SP_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Search   SearchConfig   `yaml:"search"`
	Cache    CacheConfig    `yaml:"cache"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Postgres PostgresConfig `yaml:"postgres"`
	Journal  JournalConfig  `yaml:"journal"`
	RPC      RPCConfig      `yaml:"rpc"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// CatalogConfig controls where indices live and the commit policy applied to
// indices that do not override it at creation time.
type CatalogConfig struct {
	DataDir         string        `yaml:"dataDir"`
	Engine          string        `yaml:"engine"`
	CommitInterval  time.Duration `yaml:"commitInterval"`
	CommitThreshold int           `yaml:"commitThreshold"`
	WriterPolicy    string        `yaml:"writerPolicy"`
	DrainTimeout    time.Duration `yaml:"drainTimeout"`
	LoadWorkers     int           `yaml:"loadWorkers"`
	MergeThreshold  int           `yaml:"mergeThreshold"`
}

// SearchConfig controls query result limits.
type SearchConfig struct {
	DefaultLimit int `yaml:"defaultLimit"`
	MaxResults   int `yaml:"maxResults"`
}

// CacheConfig selects the query result cache backend: "none", "memory" or
// "redis".
type CacheConfig struct {
	Backend string        `yaml:"backend"`
	Size    int           `yaml:"size"`
	TTL     time.Duration `yaml:"ttl"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// KafkaConfig holds Kafka broker and topic settings. An empty broker list
// disables both the ingest consumer and the commit-event producer.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentIngest string `yaml:"documentIngest"`
	IndexComplete  string `yaml:"indexComplete"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// JournalConfig toggles the PostgreSQL commit journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RPCConfig controls the JSON-over-TCP RPC listener.
type RPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load layers defaults, then the YAML file at path (optional), then SP_*
// environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the catalog cannot run with.
func (c *Config) Validate() error {
	if c.Catalog.DataDir == "" {
		return fmt.Errorf("catalog.dataDir must not be empty")
	}
	if c.Catalog.CommitInterval <= 0 {
		return fmt.Errorf("catalog.commitInterval must be positive, got %v", c.Catalog.CommitInterval)
	}
	if c.Catalog.CommitThreshold <= 0 {
		return fmt.Errorf("catalog.commitThreshold must be positive, got %d", c.Catalog.CommitThreshold)
	}
	switch c.Catalog.WriterPolicy {
	case "block", "reject":
	default:
		return fmt.Errorf("catalog.writerPolicy must be block or reject, got %q", c.Catalog.WriterPolicy)
	}
	switch c.Catalog.Engine {
	case "native", "bleve":
	default:
		return fmt.Errorf("catalog.engine must be native or bleve, got %q", c.Catalog.Engine)
	}
	switch c.Cache.Backend {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("cache.backend must be none, memory or redis, got %q", c.Cache.Backend)
	}
	return nil
}

// defaultConfig returns a Config with defaults suitable for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Catalog: CatalogConfig{
			DataDir:         "data/indexes",
			Engine:          "native",
			CommitInterval:  5 * time.Second,
			CommitThreshold: 1000,
			WriterPolicy:    "block",
			DrainTimeout:    10 * time.Second,
			LoadWorkers:     4,
			MergeThreshold:  8,
		},
		Search: SearchConfig{
			DefaultLimit: 10,
			MaxResults:   100,
		},
		Cache: CacheConfig{
			Backend: "memory",
			Size:    1024,
			TTL:     60 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Kafka: KafkaConfig{
			ConsumerGroup: "searchserver-group",
			Topics: KafkaTopics{
				DocumentIngest: "document-ingest",
				IndexComplete:  "index.complete",
			},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "searchserver",
			User:            "searchserver",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		RPC: RPCConfig{
			Addr: ":9000",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

type envVar struct {
	name  string
	apply func(cfg *Config, v string) error
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

func parsed[T any](parse func(string) (T, error), field func(*Config) *T) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		x, err := parse(v)
		if err != nil {
			return err
		}
		*field(cfg) = x
		return nil
	}
}

// envVars lists the SP_* overrides, applied after the YAML file.
var envVars = []envVar{
	{"SP_SERVER_PORT", parsed(strconv.Atoi, func(c *Config) *int { return &c.Server.Port })},
	{"SP_CATALOG_DATA_DIR", str(func(c *Config) *string { return &c.Catalog.DataDir })},
	{"SP_CATALOG_ENGINE", str(func(c *Config) *string { return &c.Catalog.Engine })},
	{"SP_CATALOG_COMMIT_INTERVAL", parsed(time.ParseDuration, func(c *Config) *time.Duration { return &c.Catalog.CommitInterval })},
	{"SP_CATALOG_COMMIT_THRESHOLD", parsed(strconv.Atoi, func(c *Config) *int { return &c.Catalog.CommitThreshold })},
	{"SP_CATALOG_WRITER_POLICY", str(func(c *Config) *string { return &c.Catalog.WriterPolicy })},
	{"SP_CACHE_BACKEND", str(func(c *Config) *string { return &c.Cache.Backend })},
	{"SP_REDIS_ADDR", str(func(c *Config) *string { return &c.Redis.Addr })},
	{"SP_REDIS_PASSWORD", str(func(c *Config) *string { return &c.Redis.Password })},
	{"SP_KAFKA_BROKERS", func(c *Config, v string) error {
		c.Kafka.Brokers = strings.Split(v, ",")
		return nil
	}},
	{"SP_POSTGRES_HOST", str(func(c *Config) *string { return &c.Postgres.Host })},
	{"SP_POSTGRES_PASSWORD", str(func(c *Config) *string { return &c.Postgres.Password })},
	{"SP_JOURNAL_ENABLED", parsed(strconv.ParseBool, func(c *Config) *bool { return &c.Journal.Enabled })},
	{"SP_RPC_ADDR", func(c *Config, v string) error {
		c.RPC.Addr = v
		c.RPC.Enabled = true
		return nil
	}},
	{"SP_LOGGING_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"SP_LOGGING_FORMAT", str(func(c *Config) *string { return &c.Logging.Format })},
}

// applyEnvOverrides fails on the first unparsable value rather than
// silently keeping the file setting.
func applyEnvOverrides(cfg *Config) error {
	for _, ev := range envVars {
		v, ok := os.LookupEnv(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.apply(cfg, v); err != nil {
			return fmt.Errorf("environment %s=%q: %w", ev.name, v, err)
		}
	}
	return nil
}
