package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type LoggingCfg struct {
	Level        string `mapstructure:"level"`
	ConsoleLevel string `mapstructure:"console_level"`
	DebugFile    string `mapstructure:"debug_file"`
	InfoFile     string `mapstructure:"info_file"`
	Development  bool   `mapstructure:"development"`
	MaxSizeMB    int    `mapstructure:"max_size_mb"`
	MaxBackups   int    `mapstructure:"max_backups"`
	MaxAgeDays   int    `mapstructure:"max_age_days"`
}

type DetectionCfg struct {
	HintsFile string `mapstructure:"hints_file"`
	RiskFile  string `mapstructure:"risk_file"`
}

type ValidatorCfg struct {
	MaxJoins               int  `mapstructure:"max_joins"`
	MaxSubqueryDepth       int  `mapstructure:"max_subquery_depth"`
	MaxQueryLength         int  `mapstructure:"max_query_length"`
	AllowInformationSchema bool `mapstructure:"allow_information_schema"`
	CacheSize              int  `mapstructure:"cache_size"`
}

type RedisCfg struct {
	Addr      string `mapstructure:"addr"`
	URL       string `mapstructure:"url"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type RateLimitCfg struct {
	Backend string   `mapstructure:"backend"`
	Redis   RedisCfg `mapstructure:"redis"`
}

type SQLCfg struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AuditCfg struct {
	Sink          string        `mapstructure:"sink"`
	File          string        `mapstructure:"file"`
	FallbackFile  string        `mapstructure:"fallback_file"`
	FailureMode   string        `mapstructure:"failure_mode"`
	QueueSize     int           `mapstructure:"queue_size"`
	AlertInterval time.Duration `mapstructure:"alert_interval"`
	SQL           SQLCfg        `mapstructure:"sql"`
}

type HashingCfg struct {
	StateFile      string `mapstructure:"state_file"`
	CheckpointDir  string `mapstructure:"checkpoint_dir"`
	CheckpointCron string `mapstructure:"checkpoint_cron"`
}

type SigningCfg struct {
	PrivateKeyPath string `mapstructure:"private_key_path"`
	PublicKeyPath  string `mapstructure:"public_key_path"`
}

type ProxyCfg struct {
	EvaluationTimeout time.Duration `mapstructure:"evaluation_timeout"`
	PIIWorkers        int           `mapstructure:"pii_workers"`
}

type ServerCfg struct {
	Addr string `mapstructure:"addr"`
}

type Config struct {
	Version    string       `mapstructure:"version"`
	PolicyFile string       `mapstructure:"policy_file"`
	Detection  DetectionCfg `mapstructure:"detection"`
	Validator  ValidatorCfg `mapstructure:"validator"`
	RateLimit  RateLimitCfg `mapstructure:"ratelimit"`
	Audit      AuditCfg     `mapstructure:"audit"`
	Hashing    HashingCfg   `mapstructure:"hashing"`
	Signing    SigningCfg   `mapstructure:"signing"`
	Proxy      ProxyCfg     `mapstructure:"proxy"`
	Server     ServerCfg    `mapstructure:"server"`
	Logging    LoggingCfg   `mapstructure:"logging"`
}

// Audit failure modes.
const (
	FailClosed = "fail_closed"
	FailOpen   = "fail_open"
)

var cfg *Config

// Load populates global config from a viper instance
func Load(v *viper.Viper) error {
	// set defaults
	v.SetDefault("version", "0.1")
	v.SetDefault("validator.max_joins", 5)
	v.SetDefault("validator.max_subquery_depth", 3)
	v.SetDefault("validator.max_query_length", 10000)
	v.SetDefault("validator.cache_size", 1024)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.redis.key_prefix", "govproxy:rl")
	v.SetDefault("audit.sink", "file")
	v.SetDefault("audit.file", "audit.ndjson")
	v.SetDefault("audit.failure_mode", FailClosed)
	v.SetDefault("audit.queue_size", 256)
	v.SetDefault("audit.alert_interval", "1m")
	v.SetDefault("hashing.state_file", "audit.chain_state.json")
	v.SetDefault("hashing.checkpoint_cron", "@every 1h")
	v.SetDefault("proxy.evaluation_timeout", "2s")
	v.SetDefault("proxy.pii_workers", 4)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("logging.level", "info")

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return err
	}
	cfg = &c
	return nil
}

func (c *Config) validate() error {
	switch c.Audit.FailureMode {
	case FailClosed, FailOpen:
	default:
		return fmt.Errorf("audit.failure_mode must be %q or %q, got %q", FailClosed, FailOpen, c.Audit.FailureMode)
	}
	switch c.Audit.Sink {
	case "file", "sql":
	default:
		return fmt.Errorf("audit.sink must be file or sql, got %q", c.Audit.Sink)
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("ratelimit.backend must be memory or redis, got %q", c.RateLimit.Backend)
	}
	if c.Proxy.EvaluationTimeout <= 0 {
		return fmt.Errorf("proxy.evaluation_timeout must be positive")
	}
	return nil
}

func Get() *Config {
	if cfg == nil {
		cfg = &Config{}
	}
	return cfg
}
