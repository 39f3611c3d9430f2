package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Surface() SurfaceConfig
	Engine() EngineConfig
	Idempotency() IdempotencyConfig
	Audit() AuditConfig
	Locale() LocaleConfig
	Identity() IdentityConfig
	Script() ScriptConfig
	SetScriptConfig(sc ScriptConfig)

	// Surface setters bound to CLI flags.
	SetSurfaceDriver(string)
	SetSurfaceBaseURL(string)
	SetSurfaceHeadless(bool)
	SetSurfaceFixture(string)

	// Engine setters bound to CLI flags.
	SetEngineRepairAttempts(int)
}

// Config holds the entire application configuration. Access goes through
// the Interface getters; the exported fields exist so viper can unmarshal
// into them.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	SurfaceCfg     SurfaceConfig     `mapstructure:"surface" yaml:"surface"`
	EngineCfg      EngineConfig      `mapstructure:"engine" yaml:"engine"`
	IdempotencyCfg IdempotencyConfig `mapstructure:"idempotency" yaml:"idempotency"`
	AuditCfg       AuditConfig       `mapstructure:"audit" yaml:"audit"`
	LocaleCfg      LocaleConfig      `mapstructure:"locale" yaml:"locale"`
	IdentityCfg    IdentityConfig    `mapstructure:"identity" yaml:"identity"`
	// ScriptCfg gets its marching orders from CLI flags, not the config file.
	ScriptCfg ScriptConfig `mapstructure:"-" yaml:"-"`
}

// -- Interface Method Implementations (Getters) --

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Surface() SurfaceConfig         { return c.SurfaceCfg }
func (c *Config) Engine() EngineConfig           { return c.EngineCfg }
func (c *Config) Idempotency() IdempotencyConfig { return c.IdempotencyCfg }
func (c *Config) Audit() AuditConfig             { return c.AuditCfg }
func (c *Config) Locale() LocaleConfig           { return c.LocaleCfg }
func (c *Config) Identity() IdentityConfig       { return c.IdentityCfg }
func (c *Config) Script() ScriptConfig           { return c.ScriptCfg }

// -- Interface Method Implementations (Setters) --

func (c *Config) SetScriptConfig(sc ScriptConfig) { c.ScriptCfg = sc }

func (c *Config) SetSurfaceDriver(d string)  { c.SurfaceCfg.Driver = d }
func (c *Config) SetSurfaceBaseURL(u string) { c.SurfaceCfg.BaseURL = u }
func (c *Config) SetSurfaceHeadless(b bool)  { c.SurfaceCfg.Headless = b }
func (c *Config) SetSurfaceFixture(p string) { c.SurfaceCfg.Fixture = p }

func (c *Config) SetEngineRepairAttempts(n int) { c.EngineCfg.RepairAttempts = n }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// SurfaceConfig selects and tunes the application surface driver.
type SurfaceConfig struct {
	// Driver picks the surface implementation: "chrome" drives a real
	// browser over CDP, "static" runs against an in-memory HTML page.
	Driver string `mapstructure:"driver" yaml:"driver"`
	// BaseURL is the root of the application under control. Routes passed
	// to navigation actions are resolved against it.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// Fixture is the HTML file backing the static driver.
	Fixture string `mapstructure:"fixture" yaml:"fixture"`

	Headless   bool     `mapstructure:"headless" yaml:"headless"`
	ChromeArgs []string `mapstructure:"chrome_args" yaml:"chrome_args"`

	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	OpTimeout         time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`

	// Stability controls the settle loop that runs between an action and
	// its verification snapshot.
	Stability StabilityConfig `mapstructure:"stability" yaml:"stability"`
}

// StabilityConfig tunes how the engine decides the page has stopped moving.
type StabilityConfig struct {
	// Interval is the delay between successive snapshot polls.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// Samples is how many identical consecutive snapshots count as stable.
	Samples int `mapstructure:"samples" yaml:"samples"`
	// Timeout is the hard ceiling; when it elapses the engine proceeds
	// with whatever the page looks like.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// EngineConfig tunes the action execution pipeline.
type EngineConfig struct {
	// ActionTimeout bounds a single execution pass, handler plus settle
	// plus verification.
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	// RepairAttempts is how many relaxed-match retries a failed
	// verification earns. Zero disables repair.
	RepairAttempts int `mapstructure:"repair_attempts" yaml:"repair_attempts"`
	// RatePerSecond and RateBurst throttle action execution per session.
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst" yaml:"rate_burst"`
	// EventBuffer sizes each subscriber channel on the run event bus.
	EventBuffer int `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// IdempotencyConfig tunes duplicate-command suppression.
type IdempotencyConfig struct {
	// Backend picks the store: "memory" (default) or "redis" for
	// multi-instance deployments.
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Window is how long an identical command replays its recorded result
	// instead of executing again.
	Window time.Duration `mapstructure:"window" yaml:"window"`
	Redis  RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig holds connection details for the shared idempotency store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// AuditConfig tunes the action run log.
type AuditConfig struct {
	// LogCapacity bounds the in-memory run log ring.
	LogCapacity int                 `mapstructure:"log_capacity" yaml:"log_capacity"`
	Postgres    PostgresAuditConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresAuditConfig configures the optional persistent run log sink.
type PostgresAuditConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"-"`
	// BatchSize is how many records accumulate before a flush.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
	// FlushInterval forces a flush even when the batch is short.
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// LocaleConfig selects the language for spoken-style hints.
type LocaleConfig struct {
	Default string `mapstructure:"default" yaml:"default"`
}

// IdentityConfig configures how caller identity is derived.
type IdentityConfig struct {
	// JWTSecret verifies bearer tokens when set. When empty, tokens are
	// parsed without signature verification; the transport is then trusted
	// to have authenticated the caller.
	JWTSecret string `mapstructure:"jwt_secret" yaml:"-"`
}

// ScriptConfig holds settings populated from CLI flags for a single run.
type ScriptConfig struct {
	Path        string
	Session     string
	Token       string
	Locale      string
	Interactive bool
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "waldo")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Surface --
	v.SetDefault("surface.driver", "chrome")
	v.SetDefault("surface.base_url", "http://localhost:3000")
	v.SetDefault("surface.headless", true)
	v.SetDefault("surface.navigation_timeout", "30s")
	v.SetDefault("surface.op_timeout", "10s")
	v.SetDefault("surface.stability.interval", "150ms")
	v.SetDefault("surface.stability.samples", 2)
	v.SetDefault("surface.stability.timeout", "5s")

	// -- Engine --
	v.SetDefault("engine.action_timeout", "45s")
	v.SetDefault("engine.repair_attempts", 1)
	v.SetDefault("engine.rate_per_second", 4.0)
	v.SetDefault("engine.rate_burst", 8)
	v.SetDefault("engine.event_buffer", 16)

	// -- Idempotency --
	v.SetDefault("idempotency.backend", "memory")
	v.SetDefault("idempotency.window", "4s")
	v.SetDefault("idempotency.redis.addr", "localhost:6379")
	v.SetDefault("idempotency.redis.db", 0)

	// -- Audit --
	v.SetDefault("audit.log_capacity", 100)
	v.SetDefault("audit.postgres.enabled", false)
	v.SetDefault("audit.postgres.batch_size", 32)
	v.SetDefault("audit.postgres.flush_interval", "5s")

	// -- Locale --
	v.SetDefault("locale.default", "en")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("identity.jwt_secret", "WALDO_JWT_SECRET")
	v.BindEnv("idempotency.redis.password", "WALDO_REDIS_PASSWORD")
	v.BindEnv("audit.postgres.url", "WALDO_AUDIT_DB_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.SurfaceCfg.Driver {
	case "chrome", "static":
	default:
		return fmt.Errorf("surface.driver must be \"chrome\" or \"static\", got %q", c.SurfaceCfg.Driver)
	}
	if c.SurfaceCfg.Stability.Samples < 2 {
		return fmt.Errorf("surface.stability.samples must be at least 2")
	}
	if c.SurfaceCfg.Stability.Interval <= 0 {
		return fmt.Errorf("surface.stability.interval must be a positive duration")
	}
	if c.SurfaceCfg.Stability.Timeout <= 0 {
		return fmt.Errorf("surface.stability.timeout must be a positive duration")
	}
	if c.EngineCfg.RepairAttempts < 0 || c.EngineCfg.RepairAttempts > 3 {
		return fmt.Errorf("engine.repair_attempts must be between 0 and 3")
	}
	if c.EngineCfg.RatePerSecond <= 0 {
		return fmt.Errorf("engine.rate_per_second must be positive")
	}
	if err := c.IdempotencyCfg.Validate(); err != nil {
		return fmt.Errorf("idempotency configuration invalid: %w", err)
	}
	if err := c.AuditCfg.Validate(); err != nil {
		return fmt.Errorf("audit configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the idempotency settings.
func (i *IdempotencyConfig) Validate() error {
	switch i.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("backend must be \"memory\" or \"redis\", got %q", i.Backend)
	}
	if i.Window <= 0 {
		return fmt.Errorf("window must be a positive duration")
	}
	if i.Backend == "redis" && i.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the redis backend")
	}
	return nil
}

// Validate checks the audit settings.
func (a *AuditConfig) Validate() error {
	if a.LogCapacity <= 0 {
		return fmt.Errorf("log_capacity must be a positive integer")
	}
	if !a.Postgres.Enabled {
		return nil
	}
	if a.Postgres.URL == "" {
		return fmt.Errorf("postgres.url is required when the postgres sink is enabled. Set WALDO_AUDIT_DB_URL")
	}
	if a.Postgres.BatchSize <= 0 {
		return fmt.Errorf("postgres.batch_size must be a positive integer")
	}
	return nil
}
