// Package config loads chatspot settings from defaults, an optional YAML
// file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CHATSPOT_"

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Relay     RelayConfig     `yaml:"relay"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Auth      AuthConfig      `yaml:"auth"`
	Media     MediaConfig     `yaml:"media"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
	Debug  bool   `yaml:"debug"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RelayConfig struct {
	// Backend is "memory" or "redis".
	Backend       string        `yaml:"backend"`
	Partitions    int           `yaml:"partitions"`
	BufferSize    int           `yaml:"buffer_size"`
	ConsumerGroup string        `yaml:"consumer_group"`
	StreamPrefix  string        `yaml:"stream_prefix"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryMax      time.Duration `yaml:"retry_max"`
	// LeaseTTL is how long a redis partition stays with an instance that
	// stopped renewing its lease.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

type BroadcastConfig struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

type RealtimeConfig struct {
	// RedisBridge fans frames out through Redis pub/sub so that every
	// instance delivers to its own websocket clients.
	RedisBridge  bool `yaml:"redis_bridge"`
	ClientBuffer int  `yaml:"client_buffer"`
}

type AuthConfig struct {
	AccessSecret string `yaml:"access_secret"`
}

type MediaConfig struct {
	Dir     string `yaml:"dir"`
	MaxSize int64  `yaml:"max_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8082",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{Driver: "postgres"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Relay: RelayConfig{
			Backend:       "memory",
			Partitions:    8,
			BufferSize:    256,
			ConsumerGroup: "chatspot",
			StreamPrefix:  "chatspot",
			RetryAttempts: 5,
			RetryBase:     100 * time.Millisecond,
			RetryMax:      5 * time.Second,
			LeaseTTL:      15 * time.Second,
		},
		Broadcast: BroadcastConfig{QueueSize: 1024, Workers: 4},
		Realtime:  RealtimeConfig{ClientBuffer: 256},
		Media:     MediaConfig{Dir: "./data/media", MaxSize: 25 << 20},
		Log:       LogConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{RPS: 10, Burst: 20},
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	var errs []error
	num := func(dst *int, key string) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(dst *bool, key string) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str(&c.HTTP.Addr, envPrefix+"HTTP_ADDR")
	dur(&c.HTTP.ShutdownTimeout, envPrefix+"SHUTDOWN_TIMEOUT")
	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok && v != "" {
		c.HTTP.AllowedOrigins = splitList(v)
	}

	str(&c.Database.Driver, envPrefix+"DB_DRIVER")
	str(&c.Database.URL, envPrefix+"DATABASE_URL", "DATABASE_URL")
	flag(&c.Database.Debug, envPrefix+"DB_DEBUG")

	str(&c.Redis.Addr, envPrefix+"REDIS_ADDR")
	str(&c.Redis.Password, envPrefix+"REDIS_PASSWORD")
	num(&c.Redis.DB, envPrefix+"REDIS_DB")

	str(&c.Relay.Backend, envPrefix+"RELAY_BACKEND")
	num(&c.Relay.Partitions, envPrefix+"RELAY_PARTITIONS")
	num(&c.Relay.BufferSize, envPrefix+"RELAY_BUFFER_SIZE")
	str(&c.Relay.ConsumerGroup, envPrefix+"RELAY_GROUP")
	str(&c.Relay.StreamPrefix, envPrefix+"RELAY_STREAM_PREFIX")
	num(&c.Relay.RetryAttempts, envPrefix+"RELAY_RETRY_ATTEMPTS")
	dur(&c.Relay.RetryBase, envPrefix+"RELAY_RETRY_BASE")
	dur(&c.Relay.RetryMax, envPrefix+"RELAY_RETRY_MAX")
	dur(&c.Relay.LeaseTTL, envPrefix+"RELAY_LEASE_TTL")

	num(&c.Broadcast.QueueSize, envPrefix+"BROADCAST_QUEUE_SIZE")
	num(&c.Broadcast.Workers, envPrefix+"BROADCAST_WORKERS")

	flag(&c.Realtime.RedisBridge, envPrefix+"REALTIME_REDIS_BRIDGE")
	num(&c.Realtime.ClientBuffer, envPrefix+"REALTIME_CLIENT_BUFFER")

	str(&c.Auth.AccessSecret, envPrefix+"ACCESS_SECRET", "ACCESS_SECRET")
	str(&c.Media.Dir, envPrefix+"MEDIA_DIR")

	str(&c.Log.Level, envPrefix+"LOG_LEVEL")
	str(&c.Log.Format, envPrefix+"LOG_FORMAT")

	if v, ok := lookup(envPrefix + "RATE_LIMIT_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT_RPS: %w", envPrefix, err))
		} else {
			c.RateLimit.RPS = f
		}
	}
	num(&c.RateLimit.Burst, envPrefix+"RATE_LIMIT_BURST")

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required (DATABASE_URL)"))
	}
	switch c.Relay.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("relay.backend must be memory or redis, got %q", c.Relay.Backend))
	}
	if c.Relay.Partitions < 1 || c.Relay.Partitions > 1024 {
		errs = append(errs, fmt.Errorf("relay.partitions must be in [1, 1024], got %d", c.Relay.Partitions))
	}
	if c.Relay.BufferSize < 1 {
		errs = append(errs, errors.New("relay.buffer_size must be positive"))
	}
	if c.Relay.ConsumerGroup == "" {
		errs = append(errs, errors.New("relay.consumer_group is required"))
	}
	if c.Relay.RetryAttempts < 1 {
		errs = append(errs, errors.New("relay.retry_attempts must be at least 1"))
	}
	if c.Relay.RetryBase <= 0 || c.Relay.RetryMax < c.Relay.RetryBase {
		errs = append(errs, errors.New("relay.retry_base must be positive and not above relay.retry_max"))
	}
	if c.Relay.Backend == "redis" && c.Relay.LeaseTTL < time.Second {
		errs = append(errs, fmt.Errorf("relay.lease_ttl must be at least 1s, got %s", c.Relay.LeaseTTL))
	}
	if c.Broadcast.QueueSize < 1 || c.Broadcast.Workers < 1 {
		errs = append(errs, errors.New("broadcast.queue_size and broadcast.workers must be positive"))
	}
	if c.Realtime.ClientBuffer < 1 {
		errs = append(errs, errors.New("realtime.client_buffer must be positive"))
	}
	if c.Auth.AccessSecret == "" {
		errs = append(errs, errors.New("auth.access_secret is required (ACCESS_SECRET)"))
	}
	if c.Media.Dir == "" {
		errs = append(errs, errors.New("media.dir is required"))
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit.rps and rate_limit.burst must be positive"))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("http.shutdown_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.Relay.Backend == "redis" || c.Realtime.RedisBridge
}
