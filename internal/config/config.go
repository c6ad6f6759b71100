package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig    `yaml:"log"`
	State     StateConfig      `yaml:"state"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Recorder  RecorderConfig   `yaml:"recorder"`
	Telegram  TelegramConfig   `yaml:"telegram"`
	Venues    []VenueConfig    `yaml:"venues"`
	Instances []InstanceConfig `yaml:"instances"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type RecorderConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

// VenueConfig describes one exchange adapter instance.
type VenueConfig struct {
	Name     string  `yaml:"name"`
	Kind     string  `yaml:"kind"`
	Symbol   string  `yaml:"symbol"`
	TickSize float64 `yaml:"tick_size"`
	// FeedURL enables the websocket fill-notification feed for this venue.
	FeedURL        string        `yaml:"feed_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	// Paper venue knobs.
	MidPrice             float64 `yaml:"mid_price"`
	FundingRate          float64 `yaml:"funding_rate"`
	FundingIntervalHours int     `yaml:"funding_interval_hours"`
}

// InstanceConfig is one running strategy: a maker/taker venue pair plus its
// trading parameters.
type InstanceConfig struct {
	ID         string        `yaml:"id"`
	Symbol     string        `yaml:"symbol"`
	MakerVenue string        `yaml:"maker_venue"`
	TakerVenue string        `yaml:"taker_venue"`
	Trading    TradingConfig `yaml:"trading"`
}

// TradingConfig is the immutable per-run parameter set consumed by the core.
// Quantities and rates are plain floats here and converted to decimals at the
// engine boundary.
type TradingConfig struct {
	OrderSize       float64       `yaml:"order_size"`
	MaxPosition     float64       `yaml:"max_position"`
	MaxImbalance    float64       `yaml:"max_imbalance"`
	BuildThreshold  float64       `yaml:"build_threshold"`
	CloseThreshold  float64       `yaml:"close_threshold"`
	BuildIterations int           `yaml:"build_iterations"`
	HoldTime        time.Duration `yaml:"hold_time"`
	Cycles          int           `yaml:"cycles"`
	Direction       string        `yaml:"direction"`
	MaxOpenOrders   int           `yaml:"max_open_orders"`
	MaxRetries      int           `yaml:"max_retries"`
	OrderTimeout    time.Duration `yaml:"order_timeout"`
	FillPollEvery   time.Duration `yaml:"fill_poll_every"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	PauseInterval   time.Duration `yaml:"pause_interval"`
	PositionTTL     time.Duration `yaml:"position_ttl"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/funding-hedge-bot.db"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9091"
	}
	if cfg.Recorder.Schema == "" {
		cfg.Recorder.Schema = "public"
	}
	if cfg.Recorder.QueueSize == 0 {
		cfg.Recorder.QueueSize = 256
	}
	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		if v.Kind == "" {
			v.Kind = "paper"
		}
		if v.TickSize == 0 {
			v.TickSize = 0.1
		}
		if v.ReconnectDelay == 0 {
			v.ReconnectDelay = 3 * time.Second
		}
		if v.PingInterval == 0 {
			v.PingInterval = 30 * time.Second
		}
		if v.FundingIntervalHours == 0 {
			v.FundingIntervalHours = 8
		}
	}
	for i := range cfg.Instances {
		applyTradingDefaults(&cfg.Instances[i].Trading)
	}
}

func applyTradingDefaults(t *TradingConfig) {
	if t.MaxImbalance == 0 {
		t.MaxImbalance = t.OrderSize
	}
	if t.BuildIterations == 0 {
		t.BuildIterations = 1
	}
	if t.Cycles == 0 {
		t.Cycles = 1
	}
	if t.Direction == "" {
		t.Direction = "long"
	}
	if t.MaxOpenOrders == 0 {
		t.MaxOpenOrders = 3
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	if t.OrderTimeout == 0 {
		t.OrderTimeout = 30 * time.Second
	}
	if t.FillPollEvery == 0 {
		t.FillPollEvery = 2 * time.Second
	}
	if t.CheckInterval == 0 {
		t.CheckInterval = time.Second
	}
	if t.PauseInterval == 0 {
		t.PauseInterval = 2 * time.Second
	}
	if t.PositionTTL == 0 {
		t.PositionTTL = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	if len(cfg.Instances) == 0 {
		return errors.New("at least one instance is required")
	}
	venues := make(map[string]bool, len(cfg.Venues))
	for _, v := range cfg.Venues {
		if v.Name == "" {
			return errors.New("venue name is required")
		}
		if venues[v.Name] {
			return fmt.Errorf("duplicate venue %q", v.Name)
		}
		venues[v.Name] = true
	}
	seen := make(map[string]bool, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		if inst.ID == "" {
			return errors.New("instance id is required")
		}
		if seen[inst.ID] {
			return fmt.Errorf("duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = true
		if !venues[inst.MakerVenue] {
			return fmt.Errorf("instance %s: unknown maker venue %q", inst.ID, inst.MakerVenue)
		}
		if !venues[inst.TakerVenue] {
			return fmt.Errorf("instance %s: unknown taker venue %q", inst.ID, inst.TakerVenue)
		}
		if inst.MakerVenue == inst.TakerVenue {
			return fmt.Errorf("instance %s: maker and taker venue must differ", inst.ID)
		}
		if err := validateTrading(inst.Trading); err != nil {
			return fmt.Errorf("instance %s: %w", inst.ID, err)
		}
	}
	return nil
}

func validateTrading(t TradingConfig) error {
	if t.OrderSize <= 0 {
		return errors.New("trading.order_size must be > 0")
	}
	if t.MaxPosition <= 0 {
		return errors.New("trading.max_position must be > 0")
	}
	if t.OrderSize > t.MaxPosition {
		return errors.New("trading.order_size exceeds trading.max_position")
	}
	if t.BuildThreshold <= t.CloseThreshold {
		return errors.New("trading.build_threshold must be greater than trading.close_threshold")
	}
	switch t.Direction {
	case "long", "short", "random":
	default:
		return fmt.Errorf("trading.direction must be long, short or random, got %q", t.Direction)
	}
	return nil
}
