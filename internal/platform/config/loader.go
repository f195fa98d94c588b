package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Load reads configuration from a YAML file, then applies environment
// variable overrides. The file is optional; a fully env-driven deployment
// may pass an empty path.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies environment variables on top of file
// values. Secrets only travel through the environment.
func applyEnvironmentOverrides(cfg *Config) {
	if addr := os.Getenv("REGIONSYNC_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if dsn := os.Getenv("REGIONSYNC_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if url := os.Getenv("REGIONSYNC_REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if secret := os.Getenv("REGIONSYNC_MASTER_SECRET"); secret != "" {
		cfg.Rotation.MasterSecret = secret
	}
	if level := os.Getenv("REGIONSYNC_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
