// Package config loads process configuration from an optional YAML file, a
// .env file and CALLBRIDGE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/authtoken"
	"github.com/harunnryd/callbridge/pkg/bridge"
	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/ratelimit"
	"github.com/harunnryd/callbridge/pkg/realtime"
	"github.com/harunnryd/callbridge/pkg/server"
	"github.com/harunnryd/callbridge/pkg/transports/twilio"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "CALLBRIDGE"

// Rate limit store kinds.
const (
	StoreLocal    = "local"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	// AuthKey is the shared AES key for session tokens (hex or base64).
	AuthKey  string        `mapstructure:"auth_key"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`

	Server    server.Config   `mapstructure:"server"`
	Twilio    twilio.Config   `mapstructure:"twilio"`
	Realtime  realtime.Config `mapstructure:"realtime"`
	Session   bridge.Config   `mapstructure:"session"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Privacy   PrivacyConfig   `mapstructure:"privacy"`
}

type RateLimitConfig struct {
	Store            string                `mapstructure:"store"`
	Timeout          time.Duration         `mapstructure:"timeout"`
	BreakerThreshold int                   `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration         `mapstructure:"breaker_cooldown"`
	Local            ratelimit.LocalConfig `mapstructure:"local"`
	Redis            RedisConfig           `mapstructure:"redis"`
	Postgres         PostgresConfig        `mapstructure:"postgres"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type PostgresConfig struct {
	DSN       string        `mapstructure:"dsn"`
	IdleGrace time.Duration `mapstructure:"idle_grace"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// LoadConfig reads path (optional) and the environment. A .env file in the
// working directory is loaded first and never overrides the real environment.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional vendor variables are honored as fallbacks.
	_ = v.BindEnv("realtime.api_key", EnvPrefix+"_REALTIME_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("twilio.account_sid", EnvPrefix+"_TWILIO_ACCOUNT_SID", "TWILIO_ACCOUNT_SID")
	_ = v.BindEnv("twilio.auth_token", EnvPrefix+"_TWILIO_AUTH_TOKEN", "TWILIO_AUTH_TOKEN")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandValue(reflect.ValueOf(&cfg))

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("auth_key", "")
	v.SetDefault("token_ttl", authtoken.DefaultTTL)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.stream_path", "/ws")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.rate_limits.ws_upgrade.capacity", 30)
	v.SetDefault("server.rate_limits.ws_upgrade.interval", time.Minute)
	v.SetDefault("server.rate_limits.token_issue.capacity", 10)
	v.SetDefault("server.rate_limits.token_issue.interval", time.Minute)
	v.SetDefault("server.rate_limits.webhook.capacity", 20)
	v.SetDefault("server.rate_limits.webhook.interval", time.Minute)

	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.public_url", "")
	v.SetDefault("twilio.from_number", "")
	v.SetDefault("twilio.voice_path", "/voice")
	v.SetDefault("twilio.stream_path", "/ws")

	v.SetDefault("realtime.api_key", "")
	v.SetDefault("realtime.base_url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("realtime.model", "gpt-4o-realtime-preview")
	v.SetDefault("realtime.connect_timeout", 10*time.Second)
	v.SetDefault("realtime.write_timeout", 5*time.Second)

	v.SetDefault("session.model", "")
	v.SetDefault("session.voice", bridge.DefaultVoice)
	v.SetDefault("session.instructions", "You are a friendly, concise voice assistant on a phone call.")
	v.SetDefault("session.hard_limit", 10*time.Minute)
	v.SetDefault("session.spurious_stop_grace", 3*time.Second)
	v.SetDefault("session.drain_settle", 500*time.Millisecond)
	v.SetDefault("session.drain_fallback", 20*time.Second)
	v.SetDefault("session.write_timeout", 5*time.Second)
	v.SetDefault("session.max_pending", 1500)

	v.SetDefault("ratelimit.store", StoreLocal)
	v.SetDefault("ratelimit.timeout", 250*time.Millisecond)
	v.SetDefault("ratelimit.breaker_threshold", 5)
	v.SetDefault("ratelimit.breaker_cooldown", 30*time.Second)
	v.SetDefault("ratelimit.local.prune_probability", 0.01)
	v.SetDefault("ratelimit.local.idle_grace", 10*time.Minute)
	v.SetDefault("ratelimit.redis.addr", "")
	v.SetDefault("ratelimit.redis.password", "")
	v.SetDefault("ratelimit.redis.db", 0)
	v.SetDefault("ratelimit.redis.prefix", "callbridge:rl:")
	v.SetDefault("ratelimit.postgres.dsn", "")
	v.SetDefault("ratelimit.postgres.idle_grace", 10*time.Minute)

	v.SetDefault("metrics.namespace", "callbridge")
	v.SetDefault("privacy.redact_pii", true)
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.AuthKey, "auth_key"); err != nil {
		return err
	}
	if _, err := authtoken.ParseKey(c.AuthKey); err != nil {
		return fmt.Errorf("auth_key: %w", err)
	}
	switch c.RateLimit.Store {
	case StoreLocal:
	case StoreRedis:
		if err := configutil.RequireString(c.RateLimit.Redis.Addr, "ratelimit.redis.addr"); err != nil {
			return err
		}
	case StorePostgres:
		if err := configutil.RequireString(c.RateLimit.Postgres.DSN, "ratelimit.postgres.dsn"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("ratelimit.store %q is not one of local, redis, postgres", c.RateLimit.Store)
	}
	for name, p := range map[string]ratelimit.Policy{
		"ws_upgrade":  c.Server.RateLimits.WSUpgrade,
		"token_issue": c.Server.RateLimits.TokenIssue,
		"webhook":     c.Server.RateLimits.Webhook,
	} {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("server.rate_limits.%s: %w", name, err)
		}
	}
	if c.Session.Voice != "" && !bridge.ValidVoice(c.Session.Voice) {
		return fmt.Errorf("session.voice %q is not supported", c.Session.Voice)
	}
	return nil
}

// expandValue substitutes ${VAR} references in every string field.
func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
