package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/api"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/controller"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/issuer"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/producer"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/recovery"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/tracker"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config errors
var (
	ErrNoProducers     = errors.New("config: at least one producer is required")
	ErrMissingBaseURL  = errors.New("config: recovery_api.base_url is required")
	ErrInvalidProducer = errors.New("config: invalid producer")
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Feed struct {
		CheckInterval    time.Duration `yaml:"check_interval"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SnapshotPath     string        `yaml:"snapshot_path"`
		WALPath          string        `yaml:"wal_path"`
		SyncWAL          bool          `yaml:"sync_wal"`
	} `yaml:"feed"`

	Producers []ProducerConfig `yaml:"producers"`

	RecoveryAPI issuer.Config `yaml:"recovery_api"`

	Admin struct {
		Enabled          bool `yaml:"enabled"`
		api.ServerConfig `yaml:",inline"`
	} `yaml:"admin"`

	Health struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"health"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Log LogConfig `yaml:"log"`
}

// ProducerConfig is one entry of the producers list
type ProducerConfig struct {
	ID                     int                                          `yaml:"id"`
	Name                   string                                       `yaml:"name"`
	Scope                  string                                       `yaml:"scope"`
	APIPath                string                                       `yaml:"api_path"`
	MaxRecoveryTime        time.Duration                                `yaml:"max_recovery_time"`
	StatefulRecoveryWindow time.Duration                                `yaml:"stateful_recovery_window"`
	AliveViolationTimeout  time.Duration                                `yaml:"alive_violation_timeout"`
	MaxMessageAge          time.Duration                                `yaml:"max_message_age"`
	StallInterval          time.Duration                                `yaml:"stall_interval"`
	Interests              map[types.MessageInterest]tracker.Thresholds `yaml:"interests"`
}

// Defaults
const (
	DefaultCheckInterval         = 5 * time.Second
	DefaultSnapshotInterval      = 30 * time.Second
	DefaultMaxRecoveryTime       = time.Hour
	DefaultAliveViolationTimeout = 20 * time.Second
	DefaultMaxMessageAge         = 20 * time.Second
	DefaultHealthAddr            = ":50051"
	DefaultMetricsAddr           = ":9090"
)

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Feed.CheckInterval <= 0 {
		c.Feed.CheckInterval = DefaultCheckInterval
	}
	if c.Feed.SnapshotInterval <= 0 {
		c.Feed.SnapshotInterval = DefaultSnapshotInterval
	}

	for i := range c.Producers {
		p := &c.Producers[i]
		if p.MaxRecoveryTime <= 0 {
			p.MaxRecoveryTime = DefaultMaxRecoveryTime
		}
		if p.AliveViolationTimeout <= 0 {
			p.AliveViolationTimeout = DefaultAliveViolationTimeout
		}
		if p.MaxMessageAge <= 0 {
			p.MaxMessageAge = DefaultMaxMessageAge
		}
	}

	apiDefaults := api.DefaultServerConfig()
	if c.Admin.Addr == "" {
		c.Admin.Addr = apiDefaults.Addr
	}
	if c.Admin.ReadTimeout <= 0 {
		c.Admin.ReadTimeout = apiDefaults.ReadTimeout
	}
	if c.Admin.WriteTimeout <= 0 {
		c.Admin.WriteTimeout = apiDefaults.WriteTimeout
	}
	if c.Admin.IdleTimeout <= 0 {
		c.Admin.IdleTimeout = apiDefaults.IdleTimeout
	}
	if c.Admin.RequestTimeout <= 0 {
		c.Admin.RequestTimeout = apiDefaults.RequestTimeout
	}
	if c.Health.Addr == "" {
		c.Health.Addr = DefaultHealthAddr
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}

	c.Log.applyDefaults()
}

func (c *Config) validate() error {
	if len(c.Producers) == 0 {
		return ErrNoProducers
	}
	seen := make(map[int]bool, len(c.Producers))
	for _, p := range c.Producers {
		if p.ID <= 0 {
			return fmt.Errorf("%w: id must be positive, got %d", ErrInvalidProducer, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate id %d", ErrInvalidProducer, p.ID)
		}
		seen[p.ID] = true
	}
	return c.Log.validate()
}

// requireRecoveryAPI is checked only by commands that talk to upstream
func (c *Config) requireRecoveryAPI() error {
	if c.RecoveryAPI.BaseURL == "" {
		return ErrMissingBaseURL
	}
	return nil
}

// controllerConfig 轉為 controller 設定
// persist 為 false 時不讀寫狀態檔與 WAL（replay 使用）
func (c *Config) controllerConfig(persist bool) controller.Config {
	cc := controller.Config{
		Producers: make([]controller.ProducerConfig, 0, len(c.Producers)),
	}
	if persist {
		cc.CheckInterval = c.Feed.CheckInterval
		cc.SnapshotInterval = c.Feed.SnapshotInterval
		cc.SnapshotPath = c.Feed.SnapshotPath
		cc.WALPath = c.Feed.WALPath
		cc.SyncWAL = c.Feed.SyncWAL
	}

	for _, p := range c.Producers {
		cc.Producers = append(cc.Producers, controller.ProducerConfig{
			Producer: producer.Config{
				ID:                     types.ProducerID(p.ID),
				Name:                   p.Name,
				Scope:                  p.Scope,
				APIPath:                p.APIPath,
				MaxRecoveryTime:        p.MaxRecoveryTime,
				StatefulRecoveryWindow: p.StatefulRecoveryWindow,
			},
			Recovery: recovery.Config{
				AliveViolationTimeout: p.AliveViolationTimeout,
				MaxMessageAge:         p.MaxMessageAge,
				Interests:             p.Interests,
				StallInterval:         p.StallInterval,
			},
		})
	}
	return cc
}
