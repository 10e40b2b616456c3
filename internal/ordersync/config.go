package ordersync

import (
	"time"

	appconfig "github.com/shopfront/payplus/internal/config"
)

// Config controls the sync loop.
type Config struct {
	Interval          time.Duration
	RunTimeout        time.Duration
	BatchLimit        int
	MaxSyncAttempts   int
	LockTTL           time.Duration
	SyncOnCancel      bool
	AutoCancelPending bool
}

func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Minute,
		RunTimeout:      2 * time.Minute,
		BatchLimit:      200,
		MaxSyncAttempts: 5,
		LockTTL:         30 * time.Second,
		SyncOnCancel:    true,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = defaults.BatchLimit
	}
	if c.MaxSyncAttempts <= 0 {
		c.MaxSyncAttempts = defaults.MaxSyncAttempts
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

// FromAppConfig maps the flat application config onto the loop config.
func FromAppConfig(cfg appconfig.Config) Config {
	return Config{
		Interval:          cfg.Sync.Interval,
		BatchLimit:        cfg.Sync.BatchLimit,
		MaxSyncAttempts:   cfg.Sync.MaxSyncAttempts,
		SyncOnCancel:      cfg.Sync.SyncOnCancel,
		AutoCancelPending: cfg.Sync.AutoCancelPending,
	}.withDefaults()
}
