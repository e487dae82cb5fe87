package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"sale-discount-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig             `mapstructure:"app"`
	Logging      logging.Config        `mapstructure:"logging"`
	Database     DatabaseConfig        `mapstructure:"database"`
	Scheduler    SchedulerConfig       `mapstructure:"scheduler"`
	Detection    DetectionConfig       `mapstructure:"detection"`
	Notification NotificationConfig    `mapstructure:"notification"`
	Export       ExportConfig          `mapstructure:"export"`
	Users        map[string]UserConfig `mapstructure:"users"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs pipeline pass cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// DetectionConfig defines event qualification thresholds.
type DetectionConfig struct {
	Catalogs             []string      `mapstructure:"catalogs"`
	PriceCeiling         float64       `mapstructure:"price_ceiling"`
	MinDiscountPct       float64       `mapstructure:"min_discount_pct"`
	EventRetention       time.Duration `mapstructure:"event_retention"`
	ObservationRetention time.Duration `mapstructure:"observation_retention"`
}

// NotificationConfig governs routing and delivery behaviour.
type NotificationConfig struct {
	Enabled    bool           `mapstructure:"enabled"`
	DryRun     bool           `mapstructure:"dry_run"`
	Lookback   time.Duration  `mapstructure:"lookback"`
	Cooldown   time.Duration  `mapstructure:"cooldown"`
	BaseDomain string         `mapstructure:"base_domain"`
	Telegram   TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Bot API credentials and endpoints.
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	APIBase        string        `mapstructure:"api_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// UserConfig is one user's subscription: a delivery address plus
// event type -> catalog -> filter rule.
type UserConfig struct {
	ChatID string                           `mapstructure:"chat_id"`
	Events map[string]map[string]RuleConfig `mapstructure:"events"`
}

// RuleConfig narrows a subscription. A nil slice means unrestricted;
// an explicitly empty slice admits nothing.
type RuleConfig struct {
	Sizes  []string `mapstructure:"sizes"`
	Colors []string `mapstructure:"colors"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SALEWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "salewatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "30m")
	v.SetDefault("scheduler.align_to_interval", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x53414c45))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("detection.catalogs", []string{"men", "women"})
	v.SetDefault("detection.price_ceiling", 10.0)
	v.SetDefault("detection.min_discount_pct", 70.0)
	v.SetDefault("detection.event_retention", "0s")
	v.SetDefault("detection.observation_retention", "0s")

	v.SetDefault("notification.enabled", false)
	v.SetDefault("notification.dry_run", false)
	v.SetDefault("notification.lookback", "60m")
	v.SetDefault("notification.cooldown", "24h")
	v.SetDefault("notification.base_domain", "https://www.uniqlo.com")
	v.SetDefault("notification.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notification.telegram.request_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if len(c.Detection.Catalogs) == 0 {
		return fmt.Errorf("detection.catalogs must not be empty")
	}
	if c.Detection.PriceCeiling <= 0 {
		return fmt.Errorf("detection.price_ceiling must be greater than zero")
	}
	if c.Detection.MinDiscountPct < 0 || c.Detection.MinDiscountPct > 100 {
		return fmt.Errorf("detection.min_discount_pct must be within [0,100]")
	}
	if c.Notification.Lookback <= 0 {
		return fmt.Errorf("notification.lookback must be greater than zero")
	}
	if c.Notification.Cooldown < 0 {
		return fmt.Errorf("notification.cooldown cannot be negative")
	}
	if c.Notification.Enabled && !c.Notification.DryRun && c.Notification.Telegram.BotToken == "" {
		return fmt.Errorf("notification.telegram.bot_token is required when notifications are enabled")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
