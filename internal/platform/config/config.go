package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the full operator-provided configuration for the engine.
// It is loaded once at process start; the engine treats it as read-only.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Database    DatabaseConfig     `mapstructure:"database"`
	Redis       RedisConfig        `mapstructure:"redis"`
	Kafka       KafkaConfig        `mapstructure:"kafka"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	Replication []ReplicationPair  `mapstructure:"replication"`
	Rotation    RotationConfig     `mapstructure:"rotation"`
	Partitions  []PartitionPolicy  `mapstructure:"partitions"`
	Sharding    ShardingConfig     `mapstructure:"sharding"`
}

// ServerConfig covers the ops HTTP surface (health, metrics, status reads).
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig configures the PostgreSQL connection used by all
// durable stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the descriptor cache. An empty URL disables it.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// KafkaConfig configures the outbound change feed. Empty brokers disable it.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	TopicPrefix  string        `mapstructure:"topic_prefix"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// LoggingConfig selects zap level and encoder.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ReplicationPair declares one replication relationship between two regions.
type ReplicationPair struct {
	ID           string        `mapstructure:"id"`
	Mode         string        `mapstructure:"mode"`
	SyncMode     string        `mapstructure:"sync_mode"`
	SourceRegion string        `mapstructure:"source_region"`
	TargetRegion string        `mapstructure:"target_region"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	CycleTimeout time.Duration `mapstructure:"cycle_timeout"`
	BatchSize    int           `mapstructure:"batch_size"`
	Tables       []string      `mapstructure:"tables"`
	Active       bool          `mapstructure:"active"`
}

// RotationConfig drives the key lifecycle manager. MasterSecret is the root
// from which versioned keys are derived; it must come from the environment,
// never from the config file.
type RotationConfig struct {
	MasterSecret string            `mapstructure:"master_secret"`
	BatchSize    int               `mapstructure:"batch_size"`
	BatchTimeout time.Duration     `mapstructure:"batch_timeout"`
	GracePeriod  time.Duration     `mapstructure:"grace_period"`
	Triggers     []RotationTrigger `mapstructure:"triggers"`
}

// RotationTrigger schedules periodic rotation for one key purpose.
type RotationTrigger struct {
	Purpose  string        `mapstructure:"purpose"`
	Interval time.Duration `mapstructure:"interval"`
}

// PartitionPolicy declares the partitioning scheme and retention for a table.
type PartitionPolicy struct {
	Table     string        `mapstructure:"table"`
	Period    string        `mapstructure:"period"`
	Horizon   time.Duration `mapstructure:"horizon"`
	Retention time.Duration `mapstructure:"retention"`
}

// ShardingConfig fixes the shard topology for the process lifetime. Changing
// ShardCount requires a declared re-sharding procedure, not a config edit.
type ShardingConfig struct {
	ShardCount int     `mapstructure:"shard_count"`
	Shards     []Shard `mapstructure:"shards"`
}

// Shard describes one physical shard endpoint.
type Shard struct {
	ShardID   int    `mapstructure:"shard_id"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	IsPrimary bool   `mapstructure:"is_primary"`
	Active    bool   `mapstructure:"active"`
}

// Default returns a Config with workable defaults for everything that has
// one. Replication pairs, partitions and shards have no defaults; operators
// must declare them.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			CacheTTL:     5 * time.Minute,
		},
		Kafka: KafkaConfig{
			TopicPrefix:  "regionsync.changes",
			PollInterval: time.Second,
			BatchSize:    500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Rotation: RotationConfig{
			BatchSize:    500,
			BatchTimeout: 30 * time.Second,
			GracePeriod:  24 * time.Hour,
		},
		Sharding: ShardingConfig{
			ShardCount: 1,
		},
	}
}

// Validate rejects configurations that would violate engine invariants.
func (c *Config) Validate() error {
	if c.Sharding.ShardCount < 1 {
		return errors.New("sharding.shard_count must be at least 1")
	}
	seen := make(map[string]bool, len(c.Replication))
	for _, pair := range c.Replication {
		if pair.ID == "" {
			return errors.New("replication pair missing id")
		}
		if seen[pair.ID] {
			return fmt.Errorf("duplicate replication pair id %q", pair.ID)
		}
		seen[pair.ID] = true
		if pair.SourceRegion == "" || pair.TargetRegion == "" {
			return fmt.Errorf("replication pair %s: source and target regions are required", pair.ID)
		}
		if pair.SourceRegion == pair.TargetRegion {
			return fmt.Errorf("replication pair %s: source and target regions must differ", pair.ID)
		}
		if pair.SyncInterval <= 0 {
			return fmt.Errorf("replication pair %s: sync_interval must be positive", pair.ID)
		}
	}
	for _, trigger := range c.Rotation.Triggers {
		if trigger.Purpose == "" {
			return errors.New("rotation trigger missing purpose")
		}
		if trigger.Interval <= 0 {
			return fmt.Errorf("rotation trigger %s: interval must be positive", trigger.Purpose)
		}
	}
	for _, policy := range c.Partitions {
		if policy.Table == "" {
			return errors.New("partition policy missing table")
		}
		switch policy.Period {
		case "daily", "monthly", "quarterly", "yearly":
		default:
			return fmt.Errorf("partition policy %s: unknown period %q", policy.Table, policy.Period)
		}
	}
	return nil
}
