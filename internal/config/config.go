package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Etcd         EtcdConfig         `mapstructure:"etcd"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig represents the HTTP host boundary
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	HTTPPort     int           `mapstructure:"http_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Store drivers
const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

// StoreConfig selects and configures the shared store backend
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, bolt, postgres
	Path   string `mapstructure:"path"`   // bolt file path
	DSN    string `mapstructure:"dsn"`    // postgres connection string

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// Retries of a serialization failure before giving up
	TxRetries int `mapstructure:"tx_retries"`
}

// Capacity policies
const (
	CapacityUnbounded          = "unbounded"
	CapacityReject             = "reject"
	CapacityEvictOldestOffline = "evict_oldest_offline"
)

// CoordinationConfig holds the liveness, election and mailbox tunables
type CoordinationConfig struct {
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	MailboxPollInterval time.Duration `mapstructure:"mailbox_poll_interval"`
	MailboxBatchSize    int           `mapstructure:"mailbox_batch_size"`
	MaxNodesPerLevel    int           `mapstructure:"max_nodes_per_level"`
	CapacityPolicy      string        `mapstructure:"capacity_policy"`
	ElectionHistory     int           `mapstructure:"election_history"` // default page size for election listings
}

// QueueConfig configures the optional mailbox wake-up transport
type QueueConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Type     string `mapstructure:"type"` // nats (default), redis, kafka, memory
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Redis-specific options
	RedisDB      int    `mapstructure:"redis_db"`
	RedisChannel string `mapstructure:"redis_channel"` // pub/sub channel prefix

	// Kafka-specific options
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	KafkaGroupID string   `mapstructure:"kafka_group_id"`
}

// EtcdConfig configures the optional leader directory
type EtcdConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Endpoints       []string      `mapstructure:"endpoints"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DirectoryPrefix string        `mapstructure:"directory_prefix"`
	CertFile        string        `mapstructure:"cert_file"`
	KeyFile         string        `mapstructure:"key_file"`
	CAFile          string        `mapstructure:"ca_file"`
}

// TLSEnabled reports whether any client TLS material is configured
func (c *EtcdConfig) TLSEnabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || c.CAFile != ""
}

// AuthConfig represents API key authentication
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
}

// MetricsConfig toggles the prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, file path
	TimeFormat string `mapstructure:"time_format"` // RFC3339, RFC3339Nano, Unix, Kitchen
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if err := c.Coordination.Validate(); err != nil {
		return fmt.Errorf("coordination config: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}
	if err := c.Etcd.Validate(); err != nil {
		return fmt.Errorf("etcd config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates server configuration
func (c *ServerConfig) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.HTTPPort)
	}
	return nil
}

// Validate validates store configuration
func (c *StoreConfig) Validate() error {
	switch c.Driver {
	case StoreMemory:
	case StoreBolt:
		if c.Path == "" {
			return fmt.Errorf("store.path is required for the bolt driver")
		}
	case StorePostgres:
		if c.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be one of: memory, bolt, postgres")
	}
	if c.TxRetries < 0 {
		return fmt.Errorf("store.tx_retries cannot be negative")
	}
	return nil
}

// Validate validates coordination configuration
func (c *CoordinationConfig) Validate() error {
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("coordination.heartbeat_timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("coordination.heartbeat_interval must be positive")
	}
	if c.HeartbeatInterval >= c.HeartbeatTimeout {
		return fmt.Errorf("coordination.heartbeat_interval must be shorter than heartbeat_timeout")
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("coordination.health_check_interval must be positive")
	}
	if c.MailboxPollInterval <= 0 {
		return fmt.Errorf("coordination.mailbox_poll_interval must be positive")
	}
	if c.MailboxBatchSize < 1 {
		return fmt.Errorf("coordination.mailbox_batch_size must be at least 1")
	}
	if c.MaxNodesPerLevel < 1 {
		return fmt.Errorf("coordination.max_nodes_per_level must be at least 1")
	}
	switch c.CapacityPolicy {
	case CapacityUnbounded, CapacityReject, CapacityEvictOldestOffline:
	default:
		return fmt.Errorf("coordination.capacity_policy must be one of: unbounded, reject, evict_oldest_offline")
	}
	return nil
}

// Validate validates queue configuration; a disabled queue is always valid
func (c *QueueConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Type {
	case "", "nats", "redis", "kafka", "memory":
	default:
		return fmt.Errorf("queue.type must be one of: nats, redis, kafka, memory")
	}
	if c.Type == "kafka" && len(c.KafkaBrokers) == 0 && c.URL == "" {
		return fmt.Errorf("queue.kafka_brokers or queue.url is required for kafka")
	}
	return nil
}

// Validate validates etcd configuration; a disabled directory is always valid
func (c *EtcdConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints is required")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("etcd.dial_timeout must be positive")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("etcd.cert_file and etcd.key_file must be set together")
	}
	return nil
}

// Validate validates logging configuration
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}
	return nil
}
