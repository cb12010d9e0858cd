package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ConnectionConfig holds websocket connection configuration
type ConnectionConfig struct {
	OutboundChannelCapacity int           `yaml:"outbound_channel_capacity"`
	SendTimeout             time.Duration `yaml:"send_timeout"`
	IdleTimeout             time.Duration `yaml:"idle_timeout"`
	// WriteBufferBytes sizes the websocket write buffer of each
	// connection.
	WriteBufferBytes int `yaml:"ws_write_buffer_size"`
	// MaxWriteBufferBytes caps the bytes queued for one connection;
	// enqueues beyond it fail instead of growing without bound.
	MaxWriteBufferBytes int `yaml:"ws_max_write_buffer_size"`
}

// PipelineConfig holds operation pipeline configuration
type PipelineConfig struct {
	DefaultOperationTimeout time.Duration `yaml:"default_operation_timeout"`
	MaxConcurrentOperations int64         `yaml:"max_concurrent_operations"`
}

// PartitionConfig holds partition actor configuration
type PartitionConfig struct {
	Count         int `yaml:"count"`
	InboxCapacity int `yaml:"inbox_capacity"`
	BackupCount   int `yaml:"backup_count"`
}

// StorageConfig holds in-memory engine and persistence configuration
type StorageConfig struct {
	CostLimitBytes int64         `yaml:"cost_limit_bytes"`
	DisableSpill   bool          `yaml:"disable_spill"`
	EvictionPolicy string        `yaml:"eviction_policy"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	// WriteMode is "write-through", "write-behind" or "none"
	WriteMode          string        `yaml:"write_mode"`
	WriteBehindDelay   time.Duration `yaml:"write_behind_delay"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
}

// ClockConfig holds hybrid logical clock configuration
type ClockConfig struct {
	MaxSkew       time.Duration `yaml:"max_skew"`
	MonitorPeriod time.Duration `yaml:"monitor_period"`
}

// GcConfig holds garbage collection configuration
type GcConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// AntiEntropyConfig holds anti-entropy configuration
type AntiEntropyConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// GossipConfig holds gossip membership configuration
type GossipConfig struct {
	Enabled       bool     `yaml:"enabled"`
	BindPort      int      `yaml:"bind_port"`
	SeedNodes     []string `yaml:"seed_nodes"`
	StaticMembers []string `yaml:"static_members"`
	// PeerURLs maps member node ids to their sync endpoint base URLs.
	PeerURLs map[string]string `yaml:"peer_urls"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the sync node
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Partition   PartitionConfig   `yaml:"partition"`
	Storage     StorageConfig     `yaml:"storage"`
	Clock       ClockConfig       `yaml:"clock"`
	Gc          GcConfig          `yaml:"gc"`
	AntiEntropy AntiEntropyConfig `yaml:"anti_entropy"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults sets default values for unspecified configuration
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Connection.OutboundChannelCapacity == 0 {
		cfg.Connection.OutboundChannelCapacity = 256
	}
	if cfg.Connection.SendTimeout == 0 {
		cfg.Connection.SendTimeout = 5 * time.Second
	}
	if cfg.Connection.IdleTimeout == 0 {
		cfg.Connection.IdleTimeout = 60 * time.Second
	}
	if cfg.Connection.WriteBufferBytes == 0 {
		cfg.Connection.WriteBufferBytes = 131072 // 128KiB
	}
	if cfg.Connection.MaxWriteBufferBytes == 0 {
		cfg.Connection.MaxWriteBufferBytes = 524288 // 512KiB
	}

	if cfg.Pipeline.DefaultOperationTimeout == 0 {
		cfg.Pipeline.DefaultOperationTimeout = 30 * time.Second
	}
	if cfg.Pipeline.MaxConcurrentOperations == 0 {
		cfg.Pipeline.MaxConcurrentOperations = 1000
	}

	if cfg.Partition.Count == 0 {
		cfg.Partition.Count = 271
	}
	if cfg.Partition.InboxCapacity == 0 {
		cfg.Partition.InboxCapacity = 64
	}
	if cfg.Partition.BackupCount == 0 {
		cfg.Partition.BackupCount = 1
	}

	if cfg.Storage.EvictionPolicy == "" {
		cfg.Storage.EvictionPolicy = "lru"
	}
	if cfg.Storage.WriteMode == "" {
		cfg.Storage.WriteMode = "none"
	}
	if cfg.Storage.WriteBehindDelay == 0 {
		cfg.Storage.WriteBehindDelay = time.Second
	}
	if cfg.Storage.FlushInterval == 0 {
		cfg.Storage.FlushInterval = time.Second
	}

	if cfg.Clock.MaxSkew == 0 {
		cfg.Clock.MaxSkew = 10 * time.Second
	}
	if cfg.Clock.MonitorPeriod == 0 {
		cfg.Clock.MonitorPeriod = 30 * time.Second
	}

	if cfg.Gc.Interval == 0 {
		cfg.Gc.Interval = time.Minute
	}
	if cfg.AntiEntropy.Interval == 0 {
		cfg.AntiEntropy.Interval = 30 * time.Second
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Partition.Count < 1 {
		return fmt.Errorf("partition.count must be positive")
	}
	if c.Partition.BackupCount < 0 {
		return fmt.Errorf("partition.backup_count must not be negative")
	}
	switch c.Storage.WriteMode {
	case "none", "write-through", "write-behind":
	default:
		return fmt.Errorf("storage.write_mode must be none, write-through or write-behind")
	}
	switch c.Storage.EvictionPolicy {
	case "lru", "lfu", "ttl":
	default:
		return fmt.Errorf("storage.eviction_policy must be lru, lfu or ttl")
	}
	if c.Pipeline.MaxConcurrentOperations < 1 {
		return fmt.Errorf("pipeline.max_concurrent_operations must be positive")
	}
	return nil
}
