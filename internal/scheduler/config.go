package scheduler

import (
	"errors"
	"time"

	"github.com/smallbiznis/dayledger/internal/config"
)

// Config controls scheduler triggers and batch sizes.
type Config struct {
	DailyHour     int
	DailyMinute   int
	ScanInterval  time.Duration
	TickInterval  time.Duration
	BatchSize     int
	JobTimeout    time.Duration
	RetentionDays int
	EnabledJobs   []string
}

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

func DefaultConfig() Config {
	return Config{
		DailyHour:     3,
		ScanInterval:  time.Hour,
		TickInterval:  time.Minute,
		BatchSize:     100,
		JobTimeout:    30 * time.Minute,
		RetentionDays: 7,
	}
}

func ProvideConfig(cfg config.Config) (Config, error) {
	hour, minute, err := config.ParseTimeOfDay(cfg.Scheduler.DailyAt)
	if err != nil {
		return Config{}, err
	}
	return Config{
		DailyHour:     hour,
		DailyMinute:   minute,
		ScanInterval:  cfg.Scheduler.ScanInterval,
		TickInterval:  cfg.Scheduler.TickInterval,
		BatchSize:     cfg.Scheduler.BatchSize,
		JobTimeout:    cfg.Scheduler.JobTimeout,
		RetentionDays: cfg.Lifecycle.RetentionDays,
		EnabledJobs:   cfg.Scheduler.EnabledJobs,
	}.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.ScanInterval <= 0 {
		c.ScanInterval = defaults.ScanInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaults.TickInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaults.RetentionDays
	}
	return c
}
