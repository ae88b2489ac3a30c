package app

import (
	"fmt"
	"time"

	coreconfig "github.com/m3rciful/funnelbot/core/config"
	coredatabase "github.com/m3rciful/funnelbot/core/database"
	"github.com/m3rciful/funnelbot/internal/bot"
	"github.com/m3rciful/funnelbot/internal/scheduler"
)

// SchedulerConfig tunes the dispatch loop. Zero values fall back to the
// scheduler defaults.
type SchedulerConfig struct {
	Interval        time.Duration `yaml:"interval" envconfig:"SCHEDULER_INTERVAL"`
	InitialDelay    time.Duration `yaml:"initial_delay" envconfig:"SCHEDULER_INITIAL_DELAY"`
	BatchSize       int           `yaml:"batch_size" envconfig:"SCHEDULER_BATCH_SIZE"`
	Workers         int           `yaml:"workers" envconfig:"SCHEDULER_WORKERS"`
	MaxAttempts     int           `yaml:"max_attempts" envconfig:"SCHEDULER_MAX_ATTEMPTS"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" envconfig:"SCHEDULER_RETRY_BACKOFF"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" envconfig:"SCHEDULER_DELIVERY_TIMEOUT"`
	ClaimLease      time.Duration `yaml:"claim_lease" envconfig:"SCHEDULER_CLAIM_LEASE"`
	// Disabled keeps the bot answering without dispatching due work, e.g. on
	// a second replica.
	Disabled bool `yaml:"disabled" envconfig:"SCHEDULER_DISABLED"`
}

// Options converts the section to scheduler options.
func (c SchedulerConfig) Options() scheduler.Options {
	return scheduler.Options{
		Interval:        c.Interval,
		InitialDelay:    c.InitialDelay,
		BatchSize:       c.BatchSize,
		Workers:         c.Workers,
		MaxAttempts:     c.MaxAttempts,
		RetryBackoff:    c.RetryBackoff,
		DeliveryTimeout: c.DeliveryTimeout,
		ClaimLease:      c.ClaimLease,
	}
}

// CatalogConfig points to the YAML catalog seeded on start.
type CatalogConfig struct {
	Path string `yaml:"path" envconfig:"CATALOG_PATH"`
}

// Config is the application configuration: the core sections plus the
// database, scheduler, catalog and bot texts.
type Config struct {
	coreconfig.Config `yaml:",inline"`

	Database  coredatabase.Config `yaml:"database"`
	Scheduler SchedulerConfig     `yaml:"scheduler"`
	Catalog   CatalogConfig       `yaml:"catalog"`
	Texts     bot.Texts           `yaml:"texts"`
}

// CoreConfig implements cmd.ConfigCarrier.
func (c *Config) CoreConfig() *coreconfig.Config { return &c.Config }

// LoadConfig reads path, overlays the environment and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if err := coreconfig.Load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize validates the core sections and the application sections.
func (c *Config) Normalize() error {
	if err := coreconfig.Normalize(&c.Config); err != nil {
		return err
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		return fmt.Errorf("database.host and database.name are required")
	}
	if c.Database.Port == "" {
		c.Database.Port = "5432"
	}
	s := c.Scheduler
	for name, v := range map[string]time.Duration{
		"interval":         s.Interval,
		"initial_delay":    s.InitialDelay,
		"retry_backoff":    s.RetryBackoff,
		"delivery_timeout": s.DeliveryTimeout,
		"claim_lease":      s.ClaimLease,
	} {
		if v < 0 {
			return fmt.Errorf("scheduler.%s must be >= 0", name)
		}
	}
	if s.BatchSize < 0 || s.Workers < 0 || s.MaxAttempts < 0 {
		return fmt.Errorf("scheduler.batch_size, workers and max_attempts must be >= 0")
	}
	return nil
}
