package cli

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/Swind/go-locality-runner/core"
)

// Config is the YAML configuration file. Command-line flags override it.
//
//	domain:
//	  name: demo
//	  localities: 8
//	  max_tasks: 100000
//	  pin_localities: false
//	  abandon_on_panic: true
//	  history_capacity: 256
//	run:
//	  tasks: 1000
//	  ticks: 5
//	  wait_every: 0
//	  block_every: 0
//	  block_for: 1ms
//	  timeout: 30s
//	  metrics_addr: ":9090"
//	  stats_db: stats.db
//	  flush_interval: 5s
//	descriptors:
//	  - phases/replication.yaml
type Config struct {
	Domain      DomainSection `yaml:"domain"`
	Run         RunSection    `yaml:"run"`
	Descriptors []string      `yaml:"descriptors,omitempty"`
}

// DomainSection maps onto core.DomainConfig.
type DomainSection struct {
	Name            string `yaml:"name"`
	Localities      int    `yaml:"localities"`
	MaxTasks        int    `yaml:"max_tasks"`
	PinLocalities   bool   `yaml:"pin_localities"`
	AbandonOnPanic  bool   `yaml:"abandon_on_panic"`
	HistoryCapacity int    `yaml:"history_capacity"`
}

// RunSection configures the synthetic workload of the run command.
type RunSection struct {
	Tasks         int           `yaml:"tasks"`
	Ticks         int           `yaml:"ticks"`
	WaitEvery     int           `yaml:"wait_every"`
	BlockEvery    int           `yaml:"block_every"`
	BlockFor      time.Duration `yaml:"block_for"`
	Timeout       time.Duration `yaml:"timeout"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	StatsDB       string        `yaml:"stats_db"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Domain: DomainSection{
			Name:           "localityd",
			AbandonOnPanic: true,
		},
		Run: RunSection{
			Tasks:         1000,
			Ticks:         5,
			BlockFor:      time.Millisecond,
			Timeout:       30 * time.Second,
			FlushInterval: 5 * time.Second,
		},
	}
}

// LoadConfig reads path over DefaultConfig. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate rejects values no domain or workload can run with.
func (c *Config) Validate() error {
	switch {
	case c.Domain.Localities < 0:
		return errors.Newf("localities must not be negative, got %d", c.Domain.Localities)
	case c.Domain.MaxTasks < 0:
		return errors.Newf("max_tasks must not be negative, got %d", c.Domain.MaxTasks)
	case c.Run.Tasks < 0:
		return errors.Newf("tasks must not be negative, got %d", c.Run.Tasks)
	case c.Run.Ticks < 1:
		return errors.Newf("ticks must be at least 1, got %d", c.Run.Ticks)
	case c.Run.WaitEvery < 0 || c.Run.BlockEvery < 0:
		return errors.New("wait_every and block_every must not be negative")
	case c.Run.Timeout <= 0:
		return errors.Newf("timeout must be positive, got %v", c.Run.Timeout)
	}
	return nil
}

// DomainConfig converts the domain section. Zero values fall back to the
// core defaults.
func (c *Config) DomainConfig(logger core.Logger, metrics core.Metrics, reg *core.Registry) *core.DomainConfig {
	cfg := core.DefaultDomainConfig()
	if c.Domain.Name != "" {
		cfg.Name = c.Domain.Name
	}
	if c.Domain.Localities > 0 {
		cfg.Localities = c.Domain.Localities
	}
	if c.Domain.HistoryCapacity > 0 {
		cfg.HistoryCapacity = c.Domain.HistoryCapacity
	}
	cfg.MaxTasks = c.Domain.MaxTasks
	cfg.PinLocalities = c.Domain.PinLocalities
	cfg.AbandonOnPanic = c.Domain.AbandonOnPanic
	cfg.Registry = reg
	if logger != nil {
		cfg.Logger = logger
		cfg.RejectedTaskHandler = &core.DefaultRejectedTaskHandler{Logger: logger}
	}
	if metrics != nil {
		cfg.Metrics = metrics
	}
	return cfg
}
