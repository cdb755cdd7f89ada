package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all aweb configuration from environment variables, with an
// optional YAML overlay file (AWEB_CONFIG) applied before env vars.
type Config struct {
	// Server
	Addr string `yaml:"addr"`

	// Storage
	DBPath string `yaml:"db_path"`
	KVPath string `yaml:"kv_path"`

	// Presence backend. When RedisAddr is empty the local bbolt KV at
	// KVPath is used instead.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Auth
	TrustProxyHeaders  bool   `yaml:"trust_proxy_headers"`
	InternalAuthSecret string `yaml:"internal_auth_secret"`

	// Chat
	HangOnExtension time.Duration `yaml:"hang_on_extension"`
	WaitStart       time.Duration `yaml:"wait_start"` // default wait when opening a conversation
	WaitSend        time.Duration `yaml:"wait_send"`  // default wait on quick send

	// Reservations
	ReservationDefaultTTL time.Duration `yaml:"reservation_default_ttl"`
	ReservationMaxTTL     time.Duration `yaml:"reservation_max_ttl"`
	SweepSchedule         string        `yaml:"sweep_schedule"` // cron spec for expired-lease sweep

	// Presence
	HeartbeatTTL time.Duration `yaml:"heartbeat_ttl"`

	// Cross-process event bridge (optional)
	MQTTBroker      string `yaml:"mqtt_broker"`
	MQTTTopicPrefix string `yaml:"mqtt_topic_prefix"`

	// Logging
	LogJSON  bool   `yaml:"log_json"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration: defaults, then the optional YAML overlay, then
// environment variables (env wins).
func Load() (*Config, error) {
	c := &Config{
		Addr:                  ":8400",
		DBPath:                "/data/aweb.db",
		KVPath:                "/data/aweb-kv.db",
		HangOnExtension:       5 * time.Minute,
		WaitStart:             2 * time.Minute,
		WaitSend:              30 * time.Second,
		ReservationDefaultTTL: time.Hour,
		ReservationMaxTTL:     24 * time.Hour,
		SweepSchedule:         "@every 1m",
		HeartbeatTTL:          30 * time.Minute,
		MQTTTopicPrefix:       "aweb/events",
		LogJSON:               true,
		LogLevel:              "info",
	}

	if path := os.Getenv("AWEB_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	c.Addr = envStr("AWEB_ADDR", c.Addr)
	c.DBPath = envStr("AWEB_DB_PATH", c.DBPath)
	c.KVPath = envStr("AWEB_KV_PATH", c.KVPath)
	c.RedisAddr = envStr("AWEB_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = envStr("AWEB_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = envInt("AWEB_REDIS_DB", c.RedisDB)
	c.TrustProxyHeaders = envBool("AWEB_TRUST_PROXY_HEADERS", c.TrustProxyHeaders)
	c.InternalAuthSecret = envStr("AWEB_INTERNAL_AUTH_SECRET", c.InternalAuthSecret)
	c.HangOnExtension = envDuration("AWEB_HANG_ON_EXTENSION", c.HangOnExtension)
	c.WaitStart = envDuration("AWEB_WAIT_START", c.WaitStart)
	c.WaitSend = envDuration("AWEB_WAIT_SEND", c.WaitSend)
	c.ReservationDefaultTTL = envDuration("AWEB_RESERVATION_DEFAULT_TTL", c.ReservationDefaultTTL)
	c.ReservationMaxTTL = envDuration("AWEB_RESERVATION_MAX_TTL", c.ReservationMaxTTL)
	c.SweepSchedule = envStr("AWEB_SWEEP_SCHEDULE", c.SweepSchedule)
	c.HeartbeatTTL = envDuration("AWEB_HEARTBEAT_TTL", c.HeartbeatTTL)
	c.MQTTBroker = envStr("AWEB_MQTT_BROKER", c.MQTTBroker)
	c.MQTTTopicPrefix = envStr("AWEB_MQTT_TOPIC_PREFIX", c.MQTTTopicPrefix)
	c.LogJSON = envBool("AWEB_LOG_JSON", c.LogJSON)
	c.LogLevel = envStr("AWEB_LOG_LEVEL", c.LogLevel)

	return c, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("AWEB_ADDR must not be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("AWEB_DB_PATH must not be empty"))
	}
	if c.RedisAddr == "" && c.KVPath == "" {
		errs = append(errs, errors.New("one of AWEB_REDIS_ADDR or AWEB_KV_PATH must be set"))
	}
	if c.TrustProxyHeaders && c.InternalAuthSecret == "" {
		errs = append(errs, errors.New("AWEB_INTERNAL_AUTH_SECRET is required when AWEB_TRUST_PROXY_HEADERS is enabled"))
	}
	if c.HangOnExtension < 0 {
		errs = append(errs, fmt.Errorf("AWEB_HANG_ON_EXTENSION must be >= 0, got %s", c.HangOnExtension))
	}
	if c.WaitStart < 0 || c.WaitSend < 0 {
		errs = append(errs, errors.New("AWEB_WAIT_START and AWEB_WAIT_SEND must be >= 0"))
	}
	if c.ReservationDefaultTTL < time.Minute {
		errs = append(errs, fmt.Errorf("AWEB_RESERVATION_DEFAULT_TTL must be >= 1m, got %s", c.ReservationDefaultTTL))
	}
	if c.ReservationMaxTTL < c.ReservationDefaultTTL {
		errs = append(errs, fmt.Errorf("AWEB_RESERVATION_MAX_TTL must be >= default TTL, got %s", c.ReservationMaxTTL))
	}
	if c.HeartbeatTTL <= 0 {
		errs = append(errs, fmt.Errorf("AWEB_HEARTBEAT_TTL must be > 0, got %s", c.HeartbeatTTL))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
