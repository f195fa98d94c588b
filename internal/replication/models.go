package replication

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"regionsync/internal/platform/config"
)

// Mode is the replication topology for a region pair.
type Mode string

const (
	MasterSlave  Mode = "MASTER_SLAVE"
	MasterMaster Mode = "MASTER_MASTER"
	MultiMaster  Mode = "MULTI_MASTER"
)

// SyncMode is the acknowledgement discipline for a region pair.
type SyncMode string

const (
	Synchronous     SyncMode = "SYNCHRONOUS"
	Asynchronous    SyncMode = "ASYNCHRONOUS"
	SemiSynchronous SyncMode = "SEMI_SYNCHRONOUS"
)

// SyncState is the outcome of the most recent cycle for a config.
type SyncState string

const (
	StateSyncing      SyncState = "SYNCING"
	StateSynced       SyncState = "SYNCED"
	StateError        SyncState = "ERROR"
	StateDisconnected SyncState = "DISCONNECTED"
)

// ErrRegionUnavailable marks a target region that cannot be reached. A cycle
// that sees nothing but this error reports DISCONNECTED and retries on the
// next tick.
var ErrRegionUnavailable = errors.New("replication: target region unavailable")

// Config is one replication relationship, operator-created and read-only to
// the engine at runtime.
type Config struct {
	ID           string
	Mode         Mode
	SyncMode     SyncMode
	SourceRegion string
	TargetRegion string
	SyncInterval time.Duration
	CycleTimeout time.Duration
	BatchSize    int
	Tables       []string
	Active       bool
}

// FromPair converts an operator config entry into a runtime Config.
func FromPair(pair config.ReplicationPair) Config {
	cfg := Config{
		ID:           pair.ID,
		Mode:         Mode(pair.Mode),
		SyncMode:     SyncMode(pair.SyncMode),
		SourceRegion: pair.SourceRegion,
		TargetRegion: pair.TargetRegion,
		SyncInterval: pair.SyncInterval,
		CycleTimeout: pair.CycleTimeout,
		BatchSize:    pair.BatchSize,
		Tables:       pair.Tables,
		Active:       pair.Active,
	}
	if cfg.Mode == "" {
		cfg.Mode = MasterMaster
	}
	if cfg.SyncMode == "" {
		cfg.SyncMode = Asynchronous
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = cfg.SyncInterval
	}
	if len(cfg.Tables) == 0 {
		cfg.Tables = []string{""}
	}
	return cfg
}

// Status is one row per (config, cycle), written by the coordinator after
// each cycle.
type Status struct {
	ID            uuid.UUID
	ConfigID      string
	LastSyncTime  time.Time
	Lag           time.Duration
	RecordsSynced int
	SyncState     SyncState
	ErrorMessage  string
}

// Health classifies replication lag for external monitoring.
type Health string

const (
	Healthy  Health = "healthy"
	Warning  Health = "warning"
	Critical Health = "critical"
)

// ClassifyLag maps a lag duration onto the monitoring thresholds.
func ClassifyLag(lag time.Duration) Health {
	switch {
	case lag < time.Minute:
		return Healthy
	case lag < 5*time.Minute:
		return Warning
	default:
		return Critical
	}
}
