package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the peer's bind address
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// HubConfig holds the peer transport configuration
type HubConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
}

// DiscoveryConfig selects and parameterizes the peer discovery backend
type DiscoveryConfig struct {
	// Backend is one of "file", "server", "gossip".
	Backend       string        `yaml:"backend"`
	FilePath      string        `yaml:"file_path"`
	ServerAddress string        `yaml:"server_address"`
	Gossip        GossipConfig  `yaml:"gossip"`
	AnnouncePeriod time.Duration `yaml:"announce_period"`
}

// GossipConfig holds gossip discovery configuration
type GossipConfig struct {
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// ChordConfig holds distributed index configuration
type ChordConfig struct {
	// FingerBits is the number of finger table entries M; the keyspace
	// is [0, 2^M).
	FingerBits int `yaml:"finger_bits"`
}

// TableConfig holds local table configuration
type TableConfig struct {
	// Linked enables previous/next revision chaining in updatable tables.
	Linked bool `yaml:"linked"`
}

// ChunkConfig holds chunk lock configuration
type ChunkConfig struct {
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	LockBackoff  time.Duration `yaml:"lock_backoff"`
	LockAttempts int           `yaml:"lock_attempts"`
}

// RaftConfig holds the experimental cluster membership configuration
type RaftConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Peers              []string      `yaml:"peers"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a Map-API peer
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Hub       HubConfig       `yaml:"hub"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Chord     ChordConfig     `yaml:"chord"`
	Table     TableConfig     `yaml:"table"`
	Chunk     ChunkConfig     `yaml:"chunk"`
	Raft      RaftConfig      `yaml:"raft"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
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

	SetDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every field at its default value.
// Tests use it to stand up peers without a config file.
func Default() *Config {
	cfg := &Config{}
	SetDefaults(cfg)
	return cfg
}

// SetDefaults sets default values for unspecified configuration
func SetDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Hub.RequestTimeout == 0 {
		cfg.Hub.RequestTimeout = 5 * time.Second
	}
	if cfg.Hub.MaxRetries == 0 {
		cfg.Hub.MaxRetries = 3
	}
	if cfg.Hub.RetryBackoff == 0 {
		cfg.Hub.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.Hub.Workers == 0 {
		cfg.Hub.Workers = 16
	}
	if cfg.Hub.QueueSize == 0 {
		cfg.Hub.QueueSize = 256
	}

	if cfg.Discovery.Backend == "" {
		cfg.Discovery.Backend = "file"
	}
	if cfg.Discovery.FilePath == "" {
		cfg.Discovery.FilePath = "/tmp/mapapi-discovery.txt"
	}
	if cfg.Discovery.Gossip.GossipInterval == 0 {
		cfg.Discovery.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Discovery.Gossip.ProbeTimeout == 0 {
		cfg.Discovery.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Discovery.Gossip.ProbeInterval == 0 {
		cfg.Discovery.Gossip.ProbeInterval = time.Second
	}

	if cfg.Chord.FingerBits == 0 {
		cfg.Chord.FingerBits = 16
	}

	if cfg.Chunk.LockTimeout == 0 {
		cfg.Chunk.LockTimeout = 2 * time.Second
	}
	if cfg.Chunk.LockBackoff == 0 {
		cfg.Chunk.LockBackoff = 10 * time.Millisecond
	}
	if cfg.Chunk.LockAttempts == 0 {
		cfg.Chunk.LockAttempts = 100
	}

	if cfg.Raft.HeartbeatInterval == 0 {
		cfg.Raft.HeartbeatInterval = 25 * time.Millisecond
	}
	if cfg.Raft.ElectionTimeoutMin == 0 {
		cfg.Raft.ElectionTimeoutMin = 50 * time.Millisecond
	}
	if cfg.Raft.ElectionTimeoutMax == 0 {
		cfg.Raft.ElectionTimeoutMax = 150 * time.Millisecond
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9100
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	switch c.Discovery.Backend {
	case "file", "server", "gossip":
	default:
		return fmt.Errorf("discovery.backend must be one of file, server, gossip")
	}
	if c.Discovery.Backend == "server" && c.Discovery.ServerAddress == "" {
		return fmt.Errorf("discovery.server_address is required for the server backend")
	}
	if c.Chord.FingerBits < 1 || c.Chord.FingerBits > 16 {
		return fmt.Errorf("chord.finger_bits must be between 1 and 16")
	}
	if c.Raft.ElectionTimeoutMin >= c.Raft.ElectionTimeoutMax {
		return fmt.Errorf("raft.election_timeout_min must be below raft.election_timeout_max")
	}
	return nil
}
