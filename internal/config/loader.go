package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MESHCOORD_STORE_DRIVER
const EnvPrefix = "MESHCOORD"

// Load loads configuration from file, defaults and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/meshcoord")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return parseConfig(v)
}

// setDefaults mirrors DefaultConfig so that partial files and env overrides work
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.http_port", d.Server.HTTPPort)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", d.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", d.Store.ConnMaxLifetime)
	v.SetDefault("store.tx_retries", d.Store.TxRetries)

	v.SetDefault("coordination.heartbeat_timeout", d.Coordination.HeartbeatTimeout)
	v.SetDefault("coordination.heartbeat_interval", d.Coordination.HeartbeatInterval)
	v.SetDefault("coordination.health_check_interval", d.Coordination.HealthCheckInterval)
	v.SetDefault("coordination.mailbox_poll_interval", d.Coordination.MailboxPollInterval)
	v.SetDefault("coordination.mailbox_batch_size", d.Coordination.MailboxBatchSize)
	v.SetDefault("coordination.max_nodes_per_level", d.Coordination.MaxNodesPerLevel)
	v.SetDefault("coordination.capacity_policy", d.Coordination.CapacityPolicy)
	v.SetDefault("coordination.election_history", d.Coordination.ElectionHistory)

	v.SetDefault("queue.enabled", d.Queue.Enabled)
	v.SetDefault("queue.type", d.Queue.Type)
	v.SetDefault("queue.url", d.Queue.URL)
	v.SetDefault("queue.redis_channel", d.Queue.RedisChannel)
	v.SetDefault("queue.kafka_topic", d.Queue.KafkaTopic)
	v.SetDefault("queue.kafka_group_id", d.Queue.KafkaGroupID)

	v.SetDefault("etcd.enabled", d.Etcd.Enabled)
	v.SetDefault("etcd.endpoints", d.Etcd.Endpoints)
	v.SetDefault("etcd.dial_timeout", d.Etcd.DialTimeout)
	v.SetDefault("etcd.directory_prefix", d.Etcd.DirectoryPrefix)

	v.SetDefault("auth.enabled", d.Auth.Enabled)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output_path", d.Logging.OutputPath)
	v.SetDefault("logging.time_format", d.Logging.TimeFormat)
}

// parseConfig parses viper config into Config struct
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from file or returns default config
func LoadOrDefault(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			HTTPPort:     7070,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver:          StoreMemory,
			Path:            "./data/meshcoord.db",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			TxRetries:       3,
		},
		Coordination: CoordinationConfig{
			HeartbeatTimeout:    120 * time.Second,
			HeartbeatInterval:   30 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			MailboxPollInterval: 5 * time.Second,
			MailboxBatchSize:    100,
			MaxNodesPerLevel:    1000,
			CapacityPolicy:      CapacityUnbounded,
			ElectionHistory:     50,
		},
		Queue: QueueConfig{
			Enabled:      false,
			Type:         "nats",
			URL:          "nats://localhost:4222",
			RedisChannel: "meshcoord",
			KafkaTopic:   "meshcoord.mailbox",
			KafkaGroupID: "meshcoord",
		},
		Etcd: EtcdConfig{
			Enabled:         false,
			Endpoints:       []string{"http://localhost:2379"},
			DialTimeout:     5 * time.Second,
			DirectoryPrefix: "/meshcoord",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "meshcoord",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
			TimeFormat: "RFC3339",
		},
	}
}
