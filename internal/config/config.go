package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/devrev/pairdb/streamer/internal/streaming"
)

// Config represents the streamer node configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Gossip    GossipConfig    `mapstructure:"gossip"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the node identity and gRPC listener
type ServerConfig struct {
	NodeID          string        `mapstructure:"node_id"`
	Endpoint        string        `mapstructure:"endpoint"`
	ListenAddress   string        `mapstructure:"listen_address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StreamingConfig holds range streaming settings
type StreamingConfig struct {
	ConsistentRangeMovement bool          `mapstructure:"consistent_range_movement"`
	MaxConcurrentSources    int           `mapstructure:"max_concurrent_sources"`
	RangesPerPlanDivisor    int           `mapstructure:"ranges_per_plan_divisor"`
	FragmentSize            int           `mapstructure:"fragment_size"`
	ThroughputMBPerSec      int           `mapstructure:"throughput_mb_per_sec"`
	Compression             string        `mapstructure:"compression"`
	PlanTimeout             time.Duration `mapstructure:"plan_timeout"`
}

// ClusterConfig points at the cluster topology file
type ClusterConfig struct {
	TopologyFile string `mapstructure:"topology_file"`
	Snitch       string `mapstructure:"snitch"`
}

// GossipConfig holds memberlist settings
type GossipConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BindAddr       string        `mapstructure:"bind_addr"`
	BindPort       int           `mapstructure:"bind_port"`
	SeedNodes      []string      `mapstructure:"seed_nodes"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
}

// ProgressConfig selects where run progress is persisted
type ProgressConfig struct {
	Backend        string `mapstructure:"backend"`
	DSN            string `mapstructure:"dsn"`
	MaxConnections int32  `mapstructure:"max_connections"`
}

// LeaseConfig selects the run lease backend
type LeaseConfig struct {
	Backend  string        `mapstructure:"backend"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// AdminConfig holds the admin HTTP server settings
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Storage backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   "0.0.0.0:7100",
			ShutdownTimeout: 30 * time.Second,
		},
		Streaming: StreamingConfig{
			ConsistentRangeMovement: true,
			MaxConcurrentSources:    1,
			RangesPerPlanDivisor:    10,
			FragmentSize:            128 * 1024,
			Compression:             streaming.CompressionNone,
		},
		Cluster: ClusterConfig{
			Snitch: "topology",
		},
		Gossip: GossipConfig{
			BindPort:       7946,
			GossipInterval: 200 * time.Millisecond,
			ProbeTimeout:   500 * time.Millisecond,
			ProbeInterval:  time.Second,
		},
		Progress: ProgressConfig{
			Backend:        BackendMemory,
			MaxConnections: 10,
		},
		Lease: LeaseConfig{
			Backend: BackendMemory,
			TTL:     30 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Server.Endpoint == "" {
		return errors.New("server.endpoint is required")
	}
	if c.Server.ListenAddress == "" {
		return errors.New("server.listen_address is required")
	}
	if c.Streaming.MaxConcurrentSources <= 0 {
		return errors.New("streaming.max_concurrent_sources must be positive")
	}
	if c.Streaming.RangesPerPlanDivisor <= 0 {
		return errors.New("streaming.ranges_per_plan_divisor must be positive")
	}
	if c.Streaming.FragmentSize <= 0 {
		return errors.New("streaming.fragment_size must be positive")
	}
	if c.Streaming.ThroughputMBPerSec < 0 {
		return errors.New("streaming.throughput_mb_per_sec must not be negative")
	}
	if !streaming.ValidCompression(c.Streaming.Compression) {
		return fmt.Errorf("streaming.compression must be one of: %s, %s", streaming.CompressionNone, streaming.CompressionZstd)
	}
	switch c.Progress.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Progress.DSN == "" {
			return errors.New("progress.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("progress.backend must be one of: %s, %s", BackendMemory, BackendPostgres)
	}
	switch c.Lease.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Lease.Addr == "" {
			return errors.New("lease.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("lease.backend must be one of: %s, %s", BackendMemory, BackendRedis)
	}
	if c.Lease.TTL <= 0 {
		return errors.New("lease.ttl must be positive")
	}
	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		return errors.New("admin.port must be between 1 and 65535")
	}
	if c.Gossip.Enabled && c.Gossip.BindPort <= 0 {
		return errors.New("gossip.bind_port must be positive")
	}
	return nil
}
