package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"tapcoin-ledger/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	RateFeed  RateFeedConfig  `mapstructure:"ratefeed"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
// An empty DSN runs the service on the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	PingOnStart     bool          `mapstructure:"ping_on_start"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// HTTPConfig covers the API gateway listener.
type HTTPConfig struct {
	Addr            string          `mapstructure:"addr"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration   `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	AuthToken       string          `mapstructure:"auth_token"`
	MaxBodyBytes    int64           `mapstructure:"max_body_bytes"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds requests per client address. Zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// LedgerConfig tunes the ledger core rules.
type LedgerConfig struct {
	ExchangeCooldown time.Duration   `mapstructure:"exchange_cooldown"`
	AccrualRetention time.Duration   `mapstructure:"accrual_retention"`
	MaxAccrual       decimal.Decimal `mapstructure:"max_accrual"`
	HalvingUnit      decimal.Decimal `mapstructure:"halving_unit"`
	OperationTimeout time.Duration   `mapstructure:"operation_timeout"`
	HistoryLimit     int             `mapstructure:"history_limit"`
}

// RateFeedConfig selects where exchange rates come from and how fresh they must be.
type RateFeedConfig struct {
	MaxAge      time.Duration   `mapstructure:"max_age"`
	Source      string          `mapstructure:"source"`
	StaticRate  decimal.Decimal `mapstructure:"static_rate"`
	HTTP        HTTPFeedConfig  `mapstructure:"http"`
	Chain       ChainFeedConfig `mapstructure:"chain"`
	RecentLimit int             `mapstructure:"recent_limit"`
}

// HTTPFeedConfig captures a JSON quote endpoint.
type HTTPFeedConfig struct {
	URL            string        `mapstructure:"url"`
	Field          string        `mapstructure:"field"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ChainFeedConfig covers an on-chain price aggregator.
type ChainFeedConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	Aggregator     string        `mapstructure:"aggregator"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SchedulerConfig governs background job cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	PurgeInterval   time.Duration `mapstructure:"purge_interval"`
}

// AlertingConfig defines rate-move alert thresholds and routing.
type AlertingConfig struct {
	Enabled          bool           `mapstructure:"enabled"`
	MoveThresholdPct float64        `mapstructure:"move_threshold_pct"`
	Cooldown         time.Duration  `mapstructure:"cooldown"`
	Channels         []string       `mapstructure:"channels"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TAPCOIN")
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
	v.SetDefault("app.name", "tapcoind")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Bound so AutomaticEnv can override them without a config file.
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "5m")
	v.SetDefault("database.ping_on_start", true)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.auth_token", "")
	v.SetDefault("http.max_body_bytes", int64(64<<10))
	v.SetDefault("http.rate_limit.rps", 50.0)
	v.SetDefault("http.rate_limit.burst", 100)

	v.SetDefault("ledger.exchange_cooldown", "5s")
	v.SetDefault("ledger.accrual_retention", "24h")
	v.SetDefault("ledger.max_accrual", "0")
	v.SetDefault("ledger.halving_unit", "1")
	v.SetDefault("ledger.operation_timeout", "5s")
	v.SetDefault("ledger.history_limit", 0)

	v.SetDefault("ratefeed.max_age", "0s")
	v.SetDefault("ratefeed.source", "static")
	v.SetDefault("ratefeed.static_rate", "0")
	v.SetDefault("ratefeed.recent_limit", 50)
	v.SetDefault("ratefeed.http.field", "rate")
	v.SetDefault("ratefeed.http.request_timeout", "10s")
	v.SetDefault("ratefeed.http.user_agent", "")
	v.SetDefault("ratefeed.chain.request_timeout", "10s")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74617043))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.purge_interval", "1h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.move_threshold_pct", 5.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc lets config carry exact decimals as strings or numbers.
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			d, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("parse decimal %q: %w", v, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
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
	if c.Scheduler.PurgeInterval <= 0 {
		return fmt.Errorf("scheduler.purge_interval must be greater than zero")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.HTTP.RateLimit.RPS < 0 {
		return fmt.Errorf("http.rate_limit.rps cannot be negative")
	}
	if c.HTTP.RateLimit.RPS > 0 && c.HTTP.RateLimit.Burst <= 0 {
		return fmt.Errorf("http.rate_limit.burst must be positive when rps is set")
	}
	if c.Ledger.ExchangeCooldown < 0 {
		return fmt.Errorf("ledger.exchange_cooldown cannot be negative")
	}
	if c.Ledger.AccrualRetention <= 0 {
		return fmt.Errorf("ledger.accrual_retention must be greater than zero")
	}
	if c.Ledger.MaxAccrual.Sign() < 0 {
		return fmt.Errorf("ledger.max_accrual cannot be negative")
	}
	if c.Ledger.HalvingUnit.Sign() <= 0 {
		return fmt.Errorf("ledger.halving_unit must be greater than zero")
	}
	if c.Ledger.OperationTimeout <= 0 {
		return fmt.Errorf("ledger.operation_timeout must be greater than zero")
	}
	if c.RateFeed.MaxAge < 0 {
		return fmt.Errorf("ratefeed.max_age cannot be negative")
	}
	switch strings.ToLower(c.RateFeed.Source) {
	case "static":
		if c.RateFeed.StaticRate.Sign() < 0 {
			return fmt.Errorf("ratefeed.static_rate cannot be negative")
		}
	case "http":
		if c.RateFeed.HTTP.URL == "" {
			return fmt.Errorf("ratefeed.http.url is required for the http source")
		}
	case "chain":
		if c.RateFeed.Chain.RPCURL == "" || c.RateFeed.Chain.Aggregator == "" {
			return fmt.Errorf("ratefeed.chain.rpc_url and ratefeed.chain.aggregator are required for the chain source")
		}
	default:
		return fmt.Errorf("ratefeed.source must be one of static, http, chain")
	}
	if c.Alerting.MoveThresholdPct < 0 {
		return fmt.Errorf("alerting.move_threshold_pct cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
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
