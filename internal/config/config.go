package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rewired-gh/noisegate/internal/engine"
)

// Config represents the complete application configuration
type Config struct {
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Storage   StorageConfig   `mapstructure:"storage"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AlertsConfig holds the decision engine policy
type AlertsConfig struct {
	Timezone             string                     `mapstructure:"timezone"`
	QuietHours           QuietHoursConfig           `mapstructure:"quiet_hours"`
	DailyBudget          int                        `mapstructure:"daily_budget"` // 0 = unlimited
	Cooldown             RangeConfig                `mapstructure:"cooldown"`
	Confirm              RangeConfig                `mapstructure:"confirm"`
	HysteresisExitFactor float64                    `mapstructure:"hysteresis_exit_factor"`
	VolumeGateK          float64                    `mapstructure:"volume_gate_k"`
	DynamicScale         DynamicScaleConfig         `mapstructure:"dynamic_scale"`
	Portfolio            PortfolioConfig            `mapstructure:"portfolio"`
	Thresholds           map[string]ThresholdConfig `mapstructure:"thresholds"`
}

// QuietHoursConfig is a local "HH:MM" window; start and end must differ
type QuietHoursConfig struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

// RangeConfig is a min/max duration pair
type RangeConfig struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// DynamicScaleConfig bounds the ATR/sigma multiplier
type DynamicScaleConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Min     float64 `mapstructure:"min"`
	Max     float64 `mapstructure:"max"`
}

// PortfolioConfig holds portfolio summary thresholds in percent
type PortfolioConfig struct {
	DayChangePct float64 `mapstructure:"day_change_pct"`
	DrawdownPct  float64 `mapstructure:"drawdown_pct"`
}

// ThresholdConfig is one asset class row
type ThresholdConfig struct {
	Fast             float64 `mapstructure:"fast"`
	Daily            float64 `mapstructure:"daily"`
	VolumeMultiplier float64 `mapstructure:"volume_multiplier"`
}

// SchedulerConfig holds the polling loops configuration
type SchedulerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	FastEvery   time.Duration `mapstructure:"fast_every"`
	DayEvery    time.Duration `mapstructure:"day_every"`
	Workers     int           `mapstructure:"workers"`
	RetainDays  int           `mapstructure:"retain_days"`
	Instruments []int64       `mapstructure:"instruments"`
	Portfolios  []string      `mapstructure:"portfolios"`
}

// FeedConfig holds the market data HTTP API configuration
type FeedConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

// StorageConfig holds state store configuration
type StorageConfig struct {
	Driver       string        `mapstructure:"driver"` // sqlite, postgres or memory
	DBPath       string        `mapstructure:"db_path"`
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnMaxIdle  time.Duration `mapstructure:"conn_max_idle"`
	CounterTTL   time.Duration `mapstructure:"counter_ttl"`
}

// APIConfig holds the internal HTTP API configuration
type APIConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	InternalToken string `mapstructure:"internal_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override, e.g. NOISEGATE_TELEGRAM_BOT_TOKEN
	v.SetEnvPrefix("NOISEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	def := engine.DefaultConfig()

	// Alerts defaults
	v.SetDefault("alerts.timezone", "UTC")
	v.SetDefault("alerts.quiet_hours.start", def.QuietStart.String())
	v.SetDefault("alerts.quiet_hours.end", def.QuietEnd.String())
	v.SetDefault("alerts.daily_budget", def.DailyBudget)
	v.SetDefault("alerts.cooldown.min", def.Cooldown.Min.String())
	v.SetDefault("alerts.cooldown.max", def.Cooldown.Max.String())
	v.SetDefault("alerts.confirm.min", def.Confirm.Min.String())
	v.SetDefault("alerts.confirm.max", def.Confirm.Max.String())
	v.SetDefault("alerts.hysteresis_exit_factor", def.ExitFactor)
	v.SetDefault("alerts.volume_gate_k", def.VolumeGateK)
	v.SetDefault("alerts.dynamic_scale.enabled", def.DynamicScale.Enabled)
	v.SetDefault("alerts.dynamic_scale.min", def.DynamicScale.Min)
	v.SetDefault("alerts.dynamic_scale.max", def.DynamicScale.Max)
	v.SetDefault("alerts.portfolio.day_change_pct", def.PortfolioDayChangePct)
	v.SetDefault("alerts.portfolio.drawdown_pct", def.PortfolioDrawdownPct)
	for class, th := range def.Thresholds {
		key := "alerts.thresholds." + strings.ToLower(class)
		v.SetDefault(key+".fast", th.Fast)
		v.SetDefault(key+".daily", th.Daily)
		v.SetDefault(key+".volume_multiplier", th.VolumeMultiplier)
	}

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.fast_every", "1m")
	v.SetDefault("scheduler.day_every", "15m")
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.retain_days", 7)

	// Feed defaults
	v.SetDefault("feed.timeout", "10s")
	v.SetDefault("feed.max_retries", 3)
	v.SetDefault("feed.retry_delay_base", "1s")

	// Telegram defaults
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "2s")
	v.SetDefault("telegram.rate_per_second", 1.0)
	v.SetDefault("telegram.burst", 3)

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.db_path", "./data/noisegate.db")
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.max_idle_conns", 5)
	v.SetDefault("storage.conn_max_idle", "5m")
	v.SetDefault("storage.counter_ttl", "48h")

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Alerts config
	ec, err := c.Engine()
	if err != nil {
		return err
	}
	if err := ec.Validate(); err != nil {
		return fmt.Errorf("alerts: %w", err)
	}

	// Validate Scheduler config
	if c.Scheduler.Enabled {
		if c.Scheduler.FastEvery < 10*time.Second {
			return fmt.Errorf("scheduler.fast_every must be at least 10 seconds")
		}
		if c.Scheduler.DayEvery < c.Scheduler.FastEvery {
			return fmt.Errorf("scheduler.day_every must not be shorter than scheduler.fast_every")
		}
		if c.Scheduler.Workers < 1 {
			return fmt.Errorf("scheduler.workers must be at least 1")
		}
		if c.Scheduler.RetainDays < 1 {
			return fmt.Errorf("scheduler.retain_days must be at least 1")
		}
		if len(c.Scheduler.Instruments)+len(c.Scheduler.Portfolios) > 0 && c.Feed.BaseURL == "" {
			return fmt.Errorf("feed.base_url is required when the scheduler has subjects")
		}
	}
	for _, id := range c.Scheduler.Instruments {
		if id <= 0 {
			return fmt.Errorf("scheduler.instruments must contain positive IDs, got %d", id)
		}
	}
	if _, err := c.PortfolioIDs(); err != nil {
		return err
	}

	// Validate Feed config
	if c.Feed.BaseURL != "" {
		if c.Feed.Timeout < time.Second {
			return fmt.Errorf("feed.timeout must be at least 1 second")
		}
		if c.Feed.MaxRetries < 1 {
			return fmt.Errorf("feed.max_retries must be at least 1")
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
		if c.Telegram.MaxRetries < 1 {
			return fmt.Errorf("telegram.max_retries must be at least 1")
		}
		if c.Telegram.RatePerSecond <= 0 || c.Telegram.Burst < 1 {
			return fmt.Errorf("telegram.rate_per_second must be positive and telegram.burst at least 1")
		}
	}

	// Validate Storage config
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
		if c.Storage.MaxOpenConns < 1 {
			return fmt.Errorf("storage.max_open_conns must be at least 1")
		}
	case "memory":
		if c.Storage.CounterTTL < 24*time.Hour {
			return fmt.Errorf("storage.counter_ttl must be at least 24h")
		}
	default:
		return fmt.Errorf("storage.driver must be one of: sqlite, postgres, memory")
	}

	// Validate API config
	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr is required when the api is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Engine converts the alerts section into the engine policy
func (c *Config) Engine() (engine.Config, error) {
	a := c.Alerts

	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return engine.Config{}, fmt.Errorf("alerts.timezone: %w", err)
	}
	start, err := engine.ParseTimeOfDay(a.QuietHours.Start)
	if err != nil {
		return engine.Config{}, fmt.Errorf("alerts.quiet_hours.start: %w", err)
	}
	end, err := engine.ParseTimeOfDay(a.QuietHours.End)
	if err != nil {
		return engine.Config{}, fmt.Errorf("alerts.quiet_hours.end: %w", err)
	}

	thresholds := make(map[string]engine.Thresholds, len(a.Thresholds))
	for class, th := range a.Thresholds {
		thresholds[strings.ToUpper(class)] = engine.Thresholds{
			Fast:             th.Fast,
			Daily:            th.Daily,
			VolumeMultiplier: th.VolumeMultiplier,
		}
	}

	return engine.Config{
		Location:     loc,
		QuietStart:   start,
		QuietEnd:     end,
		DailyBudget:  a.DailyBudget,
		Cooldown:     engine.DurationRange{Min: a.Cooldown.Min, Max: a.Cooldown.Max},
		Confirm:      engine.DurationRange{Min: a.Confirm.Min, Max: a.Confirm.Max},
		ExitFactor:   a.HysteresisExitFactor,
		VolumeGateK:  a.VolumeGateK,
		DynamicScale: engine.DynamicScale{Enabled: a.DynamicScale.Enabled, Min: a.DynamicScale.Min, Max: a.DynamicScale.Max},
		Thresholds:   thresholds,

		PortfolioDayChangePct: a.Portfolio.DayChangePct,
		PortfolioDrawdownPct:  a.Portfolio.DrawdownPct,
	}, nil
}

// PortfolioIDs parses scheduler.portfolios
func (c *Config) PortfolioIDs() ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(c.Scheduler.Portfolios))
	for _, s := range c.Scheduler.Portfolios {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("scheduler.portfolios: invalid ID %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
