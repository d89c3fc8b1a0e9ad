package rotorpool

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"rotorpool/pkg/strategy"
	"rotorpool/pkg/validator"
)

// Config is the full recognized configuration surface. Field names
// mirror the dotted viper keys via mapstructure tags the way the teacher's
// Worker struct mirrors its env/flag names via `default`/`validate` tags;
// viper replaces that reflect-tag defaulting here since it already owns
// layered config (file + env + hot reload). Strategy.Params stays a raw
// map that buildStrategy reads key by key.
type Config struct {
	Validation struct {
		Level          string `mapstructure:"level"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
		MaxConcurrency int    `mapstructure:"max_concurrency"`
	} `mapstructure:"validation"`

	Pool struct {
		WindowDurationSeconds int     `mapstructure:"window_duration_seconds"`
		EMAAlpha              float64 `mapstructure:"ema_alpha"`
	} `mapstructure:"pool"`

	Breaker struct {
		FailureThreshold     int `mapstructure:"failure_threshold"`
		RollingWindowSeconds int `mapstructure:"rolling_window_seconds"`
		CooldownSeconds      int `mapstructure:"cooldown_seconds"`
	} `mapstructure:"breaker"`

	Retry struct {
		MaxAttempts         int     `mapstructure:"max_attempts"`
		Backoff             string  `mapstructure:"backoff"`
		BaseDelaySeconds    float64 `mapstructure:"base_delay_seconds"`
		Multiplier          float64 `mapstructure:"multiplier"`
		MaxBackoffSeconds   float64 `mapstructure:"max_backoff_seconds"`
		Jitter              bool    `mapstructure:"jitter"`
		RetryStatusCodes    []int   `mapstructure:"retry_status_codes"`
		TotalTimeoutSeconds float64 `mapstructure:"total_timeout_seconds"`
		RetryNonIdempotent  bool    `mapstructure:"retry_non_idempotent"`
	} `mapstructure:"retry"`

	Strategy struct {
		Name   string                 `mapstructure:"name"`
		Params map[string]interface{} `mapstructure:"params"`
	} `mapstructure:"strategy"`

	Health struct {
		CheckIntervalSeconds        int `mapstructure:"check_interval_seconds"`
		ConsecutiveFailureThreshold int `mapstructure:"consecutive_failure_threshold"`
	} `mapstructure:"health"`

	Session struct {
		DefaultTTLSeconds      int `mapstructure:"default_ttl_seconds"`
		JanitorIntervalSeconds int `mapstructure:"janitor_interval_seconds"`
	} `mapstructure:"session"`
}

// DefaultConfig returns every field at its documented default.
func DefaultConfig() Config {
	var c Config
	c.Validation.Level = "STANDARD"
	c.Validation.TimeoutSeconds = 10
	c.Validation.MaxConcurrency = 50
	c.Pool.WindowDurationSeconds = 3600
	c.Pool.EMAAlpha = 0.2
	c.Breaker.FailureThreshold = 5
	c.Breaker.RollingWindowSeconds = 60
	c.Breaker.CooldownSeconds = 30
	c.Retry.MaxAttempts = 3
	c.Retry.Backoff = "EXPONENTIAL"
	c.Retry.BaseDelaySeconds = 1
	c.Retry.Multiplier = 2.0
	c.Retry.MaxBackoffSeconds = 30
	c.Retry.RetryStatusCodes = []int{502, 503, 504}
	c.Strategy.Name = "round_robin"
	c.Health.CheckIntervalSeconds = 300
	c.Health.ConsecutiveFailureThreshold = 3
	c.Session.DefaultTTLSeconds = 1800
	c.Session.JanitorIntervalSeconds = 60
	return c
}

// Validate rejects a malformed configuration at load time, surfacing an
// InvalidConfigurationError rather than failing at first use.
func (c Config) Validate() error {
	switch c.Validation.Level {
	case "BASIC", "STANDARD", "FULL":
	default:
		return &InvalidConfigurationError{Field: "validation.level"}
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return &InvalidConfigurationError{Field: "retry.max_attempts"}
	}
	switch c.Retry.Backoff {
	case "EXPONENTIAL", "LINEAR", "FIXED":
	default:
		return &InvalidConfigurationError{Field: "retry.backoff"}
	}
	if c.Pool.EMAAlpha <= 0 || c.Pool.EMAAlpha > 1 {
		return &InvalidConfigurationError{Field: "pool.ema_alpha"}
	}
	if c.Breaker.FailureThreshold < 1 {
		return &InvalidConfigurationError{Field: "breaker.failure_threshold"}
	}
	return nil
}

func (c Config) validatorConfig() validator.Config {
	return validator.Config{
		TCPTimeout:     time.Duration(c.Validation.TimeoutSeconds) * time.Second,
		HTTPTimeout:    time.Duration(c.Validation.TimeoutSeconds) * time.Second,
		MaxConcurrency: c.Validation.MaxConcurrency,
	}
}

func (c Config) validationLevel() validator.Level {
	return validator.Level(c.Validation.Level)
}

func (c Config) breakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		RollingWindow:    time.Duration(c.Breaker.RollingWindowSeconds) * time.Second,
		Cooldown:         time.Duration(c.Breaker.CooldownSeconds) * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

func (c Config) retryPolicy() RetryPolicy {
	codes := make(map[int]struct{}, len(c.Retry.RetryStatusCodes))
	for _, code := range c.Retry.RetryStatusCodes {
		codes[code] = struct{}{}
	}
	return RetryPolicy{
		MaxAttempts:        c.Retry.MaxAttempts,
		Backoff:            BackoffStrategy(c.Retry.Backoff),
		BaseDelay:          time.Duration(c.Retry.BaseDelaySeconds * float64(time.Second)),
		Multiplier:         c.Retry.Multiplier,
		MaxBackoff:         time.Duration(c.Retry.MaxBackoffSeconds * float64(time.Second)),
		Jitter:             c.Retry.Jitter,
		RetryStatusCodes:   codes,
		TotalTimeout:       time.Duration(c.Retry.TotalTimeoutSeconds * float64(time.Second)),
		RetryNonIdempotent: c.Retry.RetryNonIdempotent,
	}
}

func (c Config) healthConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckInterval:               time.Duration(c.Health.CheckIntervalSeconds) * time.Second,
		Level:                       c.validationLevel(),
		ConsecutiveFailureThreshold: c.Health.ConsecutiveFailureThreshold,
	}
}

// buildStrategy constructs the configured named strategy, applying the
// Strategy.Params keys weights, secondary_strategy, geo_fallback_enabled
// and fallback_strategy. The preferred_countries and session_ttl keys are
// not read; the session TTL comes from session.default_ttl_seconds.
func (c Config) buildStrategy(reg *strategy.Registry) (strategy.Strategy, error) {
	switch c.Strategy.Name {
	case "weighted":
		var weights map[string]float64
		if raw, ok := c.Strategy.Params["weights"].(map[string]interface{}); ok {
			weights = make(map[string]float64, len(raw))
			for k, v := range raw {
				if f, ok := toFloat(v); ok {
					weights[k] = f
				}
			}
		}
		return strategy.NewWeighted(weights), nil
	case "performance_based":
		fallback, _ := reg.New(fallbackName(c, "round_robin"))
		return strategy.NewPerformanceBased(fallback), nil
	case "session_persistence":
		fallback, _ := reg.New(fallbackName(c, "round_robin"))
		return strategy.NewSessionPersistence(fallback), nil
	case "geo_targeted":
		secondary, _ := reg.New(secondaryName(c, "round_robin"))
		geoFallback := true
		if v, ok := c.Strategy.Params["geo_fallback_enabled"].(bool); ok {
			geoFallback = v
		}
		return strategy.NewGeoTargeted(secondary, geoFallback), nil
	default:
		return reg.New(c.Strategy.Name)
	}
}

func fallbackName(c Config, def string) string {
	if v, ok := c.Strategy.Params["fallback_strategy"].(string); ok && v != "" {
		return v
	}
	return def
}

func secondaryName(c Config, def string) string {
	if v, ok := c.Strategy.Params["secondary_strategy"].(string); ok && v != "" {
		return v
	}
	return def
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// LoadConfig reads configuration through viper (env + file), returning
// a validated Config. onChange, if non-nil, is invoked with the reloaded
// Config whenever the underlying file changes on disk — wired to
// fsnotify's watch the same way viper documents it, letting the host
// hot-swap the strategy Engine without a restart.
func LoadConfig(path string, onChange func(Config)) (Config, error) {
	v := viper.New()
	def := DefaultConfig()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ROTORPOOL")
	v.AutomaticEnv()

	applyDefaults(v, def)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, &InvalidConfigurationError{Field: fmt.Sprintf("config file: %v", err)}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &InvalidConfigurationError{Field: fmt.Sprintf("unmarshal: %v", err)}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if onChange != nil {
		v.OnConfigChange(func(e fsnotify.Event) {
			var reloaded Config
			if err := v.Unmarshal(&reloaded); err != nil {
				return
			}
			if err := reloaded.Validate(); err != nil {
				return
			}
			onChange(reloaded)
		})
		v.WatchConfig()
	}

	return cfg, nil
}

func applyDefaults(v *viper.Viper, def Config) {
	v.SetDefault("validation.level", def.Validation.Level)
	v.SetDefault("validation.timeout_seconds", def.Validation.TimeoutSeconds)
	v.SetDefault("validation.max_concurrency", def.Validation.MaxConcurrency)
	v.SetDefault("pool.window_duration_seconds", def.Pool.WindowDurationSeconds)
	v.SetDefault("pool.ema_alpha", def.Pool.EMAAlpha)
	v.SetDefault("breaker.failure_threshold", def.Breaker.FailureThreshold)
	v.SetDefault("breaker.rolling_window_seconds", def.Breaker.RollingWindowSeconds)
	v.SetDefault("breaker.cooldown_seconds", def.Breaker.CooldownSeconds)
	v.SetDefault("retry.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("retry.backoff", def.Retry.Backoff)
	v.SetDefault("retry.base_delay_seconds", def.Retry.BaseDelaySeconds)
	v.SetDefault("retry.multiplier", def.Retry.Multiplier)
	v.SetDefault("retry.max_backoff_seconds", def.Retry.MaxBackoffSeconds)
	v.SetDefault("retry.jitter", def.Retry.Jitter)
	v.SetDefault("retry.retry_status_codes", def.Retry.RetryStatusCodes)
	v.SetDefault("retry.retry_non_idempotent", def.Retry.RetryNonIdempotent)
	v.SetDefault("strategy.name", def.Strategy.Name)
	v.SetDefault("health.check_interval_seconds", def.Health.CheckIntervalSeconds)
	v.SetDefault("health.consecutive_failure_threshold", def.Health.ConsecutiveFailureThreshold)
	v.SetDefault("session.default_ttl_seconds", def.Session.DefaultTTLSeconds)
	v.SetDefault("session.janitor_interval_seconds", def.Session.JanitorIntervalSeconds)
}
