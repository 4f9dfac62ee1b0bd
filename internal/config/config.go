package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Storage backends understood by the data layer.
const (
	StorageDisk   = "disk"
	StorageMemory = "memory"
)

// Config represents the data layer node configuration
type Config struct {
	NodeID string `yaml:"node_id"`

	// Storage settings
	DataDir           string        `yaml:"data_dir"`
	Storage           string        `yaml:"storage"`             // "disk" or "memory"
	FlushIdleInterval time.Duration `yaml:"flush_idle_interval"` // Flusher sleep when no region had work
	WALSyncWrites     bool          `yaml:"wal_sync_writes"`     // fsync the WAL on every put and delete

	// Server settings
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	// Cluster settings
	ClusterEnabled bool     `yaml:"cluster_enabled"`
	ClusterAddr    string   `yaml:"cluster_addr"`
	ClusterPort    int      `yaml:"cluster_port"` // memberlist gossip port
	RaftBindAddr   string   `yaml:"raft_bind_addr"`
	Bootstrap      bool     `yaml:"bootstrap"`
	Seeds          []string `yaml:"seeds"`
}

func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return &Config{
		NodeID:            uuid.New().String(),
		DataDir:           filepath.Join(homeDir, ".kv-datalayer"),
		Storage:           StorageDisk,
		FlushIdleInterval: 100 * time.Millisecond,
		HTTPAddr:          ":8080",
		LogLevel:          "info",
		ClusterAddr:       "127.0.0.1",
		ClusterPort:       7946,
		RaftBindAddr:      "127.0.0.1:8946",
	}
}

// Load reads a YAML file and overlays it on DefaultConfig. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can be used to start a node.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	switch c.Storage {
	case StorageDisk, StorageMemory:
	default:
		return fmt.Errorf("unknown storage %q (want %q or %q)", c.Storage, StorageDisk, StorageMemory)
	}
	if c.FlushIdleInterval <= 0 {
		return fmt.Errorf("flush_idle_interval must be positive, got %s", c.FlushIdleInterval)
	}
	if c.ClusterEnabled && c.RaftBindAddr == "" {
		return fmt.Errorf("raft_bind_addr is required when clustering is enabled")
	}
	return nil
}

// RegionsDir is the parent directory of every region's storage location.
func (c *Config) RegionsDir() string {
	return filepath.Join(c.DataDir, "regions")
}

// RaftDir holds the raft log, stable store and snapshots.
func (c *Config) RaftDir() string {
	return filepath.Join(c.DataDir, "raft")
}
