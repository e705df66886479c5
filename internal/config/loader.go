package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables. An empty
// path skips the file.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// environment variables take precedence
	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("STREAMER_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if endpoint := os.Getenv("STREAMER_ENDPOINT"); endpoint != "" {
		cfg.Server.Endpoint = endpoint
	}
	if addr := os.Getenv("STREAMER_LISTEN_ADDRESS"); addr != "" {
		cfg.Server.ListenAddress = addr
	}
	if crm := os.Getenv("STREAMER_CONSISTENT_RANGE_MOVEMENT"); crm != "" {
		if b, err := strconv.ParseBool(crm); err == nil {
			cfg.Streaming.ConsistentRangeMovement = b
		}
	}

	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Progress.Backend = BackendPostgres
		cfg.Progress.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Lease.Backend = BackendRedis
		cfg.Lease.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Lease.Password = password
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
