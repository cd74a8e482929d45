package scheduler

import (
	"time"

	"github.com/smallbiznis/creditguard/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval     time.Duration
	SweepInterval   time.Duration
	RefillBatchSize int
	LockTTL         time.Duration
	EnabledJobs     []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		SweepInterval:   time.Hour,
		RefillBatchSize: 100,
		LockTTL:         2 * time.Minute,
	}
}

// ProvideConfig maps application config onto scheduler config.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:     cfg.Scheduler.RunInterval,
		SweepInterval:   cfg.Scheduler.SweepInterval,
		RefillBatchSize: cfg.Scheduler.RefillBatchSize,
		EnabledJobs:     cfg.Scheduler.EnabledJobs,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.RefillBatchSize <= 0 {
		c.RefillBatchSize = defaults.RefillBatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
