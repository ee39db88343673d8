// Package config loads process configuration from flags, PULSE_* environment
// variables and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pulse-live/internal/live"
	"pulse-live/internal/presence"
)

const EnvPrefix = "PULSE"

// Config mirrors the dotted configuration keys. Nested structs map to key
// prefixes, so storage.postgres-dsn lands in Storage.PostgresDSN.
type Config struct {
	Addr          string          `mapstructure:"addr"`
	WebsocketPath string          `mapstructure:"websocket-path"`
	TLS           TLSConfig       `mapstructure:"tls"`
	Log           LogConfig       `mapstructure:"log"`
	Auth          AuthConfig      `mapstructure:"auth"`
	Storage       StorageConfig   `mapstructure:"storage"`
	Events        EventsConfig    `mapstructure:"events"`
	RateLimit     RateLimitConfig `mapstructure:"ratelimit"`
	Reaper        ReaperConfig    `mapstructure:"reaper"`
	Live          LiveConfig      `mapstructure:"live"`
	Gateway       GatewayConfig   `mapstructure:"gateway"`
	CORS          CORSConfig      `mapstructure:"cors"`
}

type TLSConfig struct {
	CertFile string `mapstructure:"cert-file"`
	KeyFile  string `mapstructure:"key-file"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	JWTSecret            string        `mapstructure:"jwt-secret"`
	JWTIssuer            string        `mapstructure:"jwt-issuer"`
	SessionStore         string        `mapstructure:"session-store"`
	SessionTTL           time.Duration `mapstructure:"session-ttl"`
	SessionIdleTimeout   time.Duration `mapstructure:"session-idle-timeout"`
	SessionPurgeInterval time.Duration `mapstructure:"session-purge-interval"`
}

type StorageConfig struct {
	Driver           string `mapstructure:"driver"`
	File             string `mapstructure:"file"`
	PostgresDSN      string `mapstructure:"postgres-dsn"`
	PostgresMaxConns int    `mapstructure:"postgres-max-conns"`
}

type EventsConfig struct {
	Driver        string `mapstructure:"driver"`
	RedisAddr     string `mapstructure:"redis-addr"`
	RedisPassword string `mapstructure:"redis-password"`
	RedisStream   string `mapstructure:"redis-stream"`
	RedisGroup    string `mapstructure:"redis-group"`
}

type RateLimitConfig struct {
	ConnectLimit      int           `mapstructure:"connect-limit"`
	ConnectWindow     time.Duration `mapstructure:"connect-window"`
	RedisAddr         string        `mapstructure:"redis-addr"`
	GlobalRPS         float64       `mapstructure:"global-rps"`
	GlobalBurst       int           `mapstructure:"global-burst"`
	APILimit          int           `mapstructure:"api-limit"`
	APIWindow         time.Duration `mapstructure:"api-window"`
	TrustForwardedFor bool          `mapstructure:"trust-forwarded-for"`
}

type ReaperConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale-after"`
}

type LiveConfig struct {
	MaxDuration    time.Duration `mapstructure:"max-duration"`
	ScheduledGrace time.Duration `mapstructure:"scheduled-grace"`
}

type GatewayConfig struct {
	Heartbeat  time.Duration `mapstructure:"heartbeat"`
	SendBuffer int           `mapstructure:"send-buffer"`
}

type CORSConfig struct {
	Origins []string `mapstructure:"origins"`
}

type setting struct {
	key   string
	def   any
	usage string
}

var settings = []setting{
	{"addr", ":8080", "listen address"},
	{"websocket-path", "/ws", "path of the realtime endpoint"},
	{"tls.cert-file", "", "TLS certificate file"},
	{"tls.key-file", "", "TLS private key file"},
	{"log.level", "info", "log level (debug, info, warn, error)"},
	{"log.format", "json", "log format (json, text)"},
	{"auth.jwt-secret", "", "HMAC secret for bearer JWTs; empty disables JWT verification"},
	{"auth.jwt-issuer", "", "required JWT issuer"},
	{"auth.session-store", "memory", "opaque session store (memory, postgres)"},
	{"auth.session-ttl", 7 * 24 * time.Hour, "absolute lifetime of opaque sessions"},
	{"auth.session-idle-timeout", time.Duration(0), "idle timeout of opaque sessions; 0 disables"},
	{"auth.session-purge-interval", 15 * time.Minute, "how often expired sessions are purged"},
	{"storage.driver", "memory", "datastore driver (memory, postgres)"},
	{"storage.file", "", "JSON file backing the memory datastore"},
	{"storage.postgres-dsn", "", "Postgres connection string"},
	{"storage.postgres-max-conns", 10, "Postgres pool size"},
	{"events.driver", "memory", "event bus driver (memory, redis)"},
	{"events.redis-addr", "", "Redis address of the event bus"},
	{"events.redis-password", "", "Redis password of the event bus"},
	{"events.redis-stream", "pulse:events", "Redis stream name"},
	{"events.redis-group", "pulse-workers", "Redis consumer group"},
	{"ratelimit.connect-limit", presence.DefaultConnectLimit, "realtime connect attempts allowed per user per window; 0 disables"},
	{"ratelimit.connect-window", presence.DefaultConnectWindow, "realtime connect window"},
	{"ratelimit.redis-addr", "", "Redis address shared by the rate limiters"},
	{"ratelimit.global-rps", 0.0, "global HTTP requests per second; 0 disables"},
	{"ratelimit.global-burst", 0, "global HTTP burst"},
	{"ratelimit.api-limit", 0, "API requests allowed per client per window; 0 disables"},
	{"ratelimit.api-window", time.Minute, "API rate limit window"},
	{"ratelimit.trust-forwarded-for", false, "use X-Forwarded-For for client addresses"},
	{"reaper.interval", presence.DefaultReapInterval, "stale connection sweep interval"},
	{"reaper.stale-after", presence.DefaultStaleAfter, "silence after which a connection is evicted"},
	{"live.max-duration", live.DefaultMaxLiveDuration, "longest a live session may run"},
	{"live.scheduled-grace", live.DefaultScheduledGrace, "how long a scheduled session may stay unstarted"},
	{"gateway.heartbeat", 30 * time.Second, "realtime ping interval"},
	{"gateway.send-buffer", 64, "outbound frames buffered per channel"},
	{"cors.origins", []string{}, "allowed browser origins"},
}

// FlagName is the command line spelling of a configuration key.
func FlagName(key string) string {
	return strings.ReplaceAll(key, ".", "-")
}

// RegisterFlags defines one flag per configuration key on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	for _, s := range settings {
		name := FlagName(s.key)
		switch def := s.def.(type) {
		case string:
			fs.String(name, def, s.usage)
		case int:
			fs.Int(name, def, s.usage)
		case float64:
			fs.Float64(name, def, s.usage)
		case bool:
			fs.Bool(name, def, s.usage)
		case time.Duration:
			fs.Duration(name, def, s.usage)
		case []string:
			fs.StringSlice(name, def, s.usage)
		}
	}
}

// LoadOptions selects the sources Load reads. Both fields are optional.
type LoadOptions struct {
	File  string
	Flags *pflag.FlagSet
}

// Load resolves the configuration and validates it.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for _, s := range settings {
			if flag := opts.Flags.Lookup(FlagName(s.key)); flag != nil {
				if err := v.BindPFlag(s.key, flag); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", flag.Name, err)
				}
			}
		}
	}

	if file := strings.TrimSpace(opts.File); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Auth.SessionStore = strings.ToLower(strings.TrimSpace(c.Auth.SessionStore))
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Storage.PostgresDSN = strings.TrimSpace(c.Storage.PostgresDSN)
	c.Events.Driver = strings.ToLower(strings.TrimSpace(c.Events.Driver))
	c.Events.RedisAddr = strings.TrimSpace(c.Events.RedisAddr)
	c.RateLimit.RedisAddr = strings.TrimSpace(c.RateLimit.RedisAddr)

	origins := c.CORS.Origins[:0]
	for _, origin := range c.CORS.Origins {
		for _, part := range strings.Split(origin, ",") {
			if part = strings.TrimSpace(part); part != "" {
				origins = append(origins, part)
			}
		}
	}
	c.CORS.Origins = origins
}

// Validate rejects missing values and inconsistent driver combinations. All
// problems are reported together.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Addr) == "" {
		add("addr is required")
	}
	if !strings.HasPrefix(c.WebsocketPath, "/") {
		add("websocket-path must start with /")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		add("tls.cert-file and tls.key-file must be set together")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		add("log.format %q is not one of json, text", c.Log.Format)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		add("auth.jwt-secret must be at least 16 bytes")
	}
	if c.Auth.JWTIssuer != "" && c.Auth.JWTSecret == "" {
		add("auth.jwt-issuer requires auth.jwt-secret")
	}
	switch c.Auth.SessionStore {
	case "memory":
	case "postgres":
		if c.Storage.Driver != "postgres" {
			add("auth.session-store postgres requires storage.driver postgres")
		}
	default:
		add("auth.session-store %q is not one of memory, postgres", c.Auth.SessionStore)
	}
	if c.Auth.SessionTTL <= 0 {
		add("auth.session-ttl must be positive")
	}
	if c.Auth.SessionIdleTimeout < 0 {
		add("auth.session-idle-timeout must not be negative")
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			add("storage.postgres-dsn is required for the postgres driver")
		}
		if c.Storage.File != "" {
			add("storage.file only applies to the memory driver")
		}
	default:
		add("storage.driver %q is not one of memory, postgres", c.Storage.Driver)
	}
	if c.Storage.PostgresMaxConns < 0 {
		add("storage.postgres-max-conns must not be negative")
	}

	switch c.Events.Driver {
	case "memory":
	case "redis":
		if c.Events.RedisAddr == "" {
			add("events.redis-addr is required for the redis driver")
		}
	default:
		add("events.driver %q is not one of memory, redis", c.Events.Driver)
	}

	if c.RateLimit.ConnectLimit < 0 {
		add("ratelimit.connect-limit must not be negative")
	}
	if c.RateLimit.ConnectLimit > 0 && c.RateLimit.ConnectWindow <= 0 {
		add("ratelimit.connect-window must be positive")
	}
	if c.RateLimit.APILimit < 0 {
		add("ratelimit.api-limit must not be negative")
	}
	if c.RateLimit.APILimit > 0 && c.RateLimit.APIWindow <= 0 {
		add("ratelimit.api-window must be positive")
	}
	if c.RateLimit.GlobalRPS < 0 || c.RateLimit.GlobalBurst < 0 {
		add("ratelimit.global-rps and ratelimit.global-burst must not be negative")
	}

	if c.Reaper.Interval <= 0 {
		add("reaper.interval must be positive")
	}
	if c.Reaper.StaleAfter <= 0 {
		add("reaper.stale-after must be positive")
	}
	if c.Live.MaxDuration <= 0 {
		add("live.max-duration must be positive")
	}
	if c.Live.ScheduledGrace <= 0 {
		add("live.scheduled-grace must be positive")
	}
	if c.Gateway.Heartbeat <= 0 {
		add("gateway.heartbeat must be positive")
	}
	if c.Gateway.SendBuffer <= 0 {
		add("gateway.send-buffer must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
