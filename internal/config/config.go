package config

import (
	"time"

	"gemchat-go/internal/constants"
)

// Config holds every tunable of the dispatcher, populated from a YAML or
// JSON file with environment overrides applied on top.
type Config struct {
	// Server settings
	Port    int    `yaml:"port" json:"port"`
	Debug   bool   `yaml:"debug" json:"debug"`
	LogFile string `yaml:"log_file" json:"log_file"`

	// Key pool
	APIKeys  []string `yaml:"api_keys" json:"api_keys"`
	KeysFile string   `yaml:"keys_file" json:"keys_file"`

	// Management API auth
	ManagementKey     string `yaml:"management_key" json:"management_key"`
	ManagementKeyHash string `yaml:"management_key_hash" json:"management_key_hash"`

	// Upstream settings
	Endpoint     string `yaml:"endpoint" json:"endpoint"`
	ProxyURL     string `yaml:"proxy_url" json:"proxy_url"`
	DefaultModel string `yaml:"default_model" json:"default_model"`

	// Transport settings
	DialTimeoutSec           int `yaml:"dial_timeout_sec" json:"dial_timeout_sec"`
	TLSHandshakeTimeoutSec   int `yaml:"tls_handshake_timeout_sec" json:"tls_handshake_timeout_sec"`
	ResponseHeaderTimeoutSec int `yaml:"response_header_timeout_sec" json:"response_header_timeout_sec"`
	ExpectContinueTimeoutSec int `yaml:"expect_continue_timeout_sec" json:"expect_continue_timeout_sec"`

	// Retry behaviour
	RetryOn5xx          bool `yaml:"retry_on_5xx" json:"retry_on_5xx"`
	RetryOnNetworkError bool `yaml:"retry_on_network_error" json:"retry_on_network_error"`
	CooldownBaseMS      int  `yaml:"cooldown_base_ms" json:"cooldown_base_ms"`
	CooldownMaxMS       int  `yaml:"cooldown_max_ms" json:"cooldown_max_ms"`

	// Probe ("test keys") defaults
	ProbeModel      string `yaml:"probe_model" json:"probe_model"`
	ProbeTimeoutSec int    `yaml:"probe_timeout_sec" json:"probe_timeout_sec"`
	ProbeAttempts   int    `yaml:"probe_attempts" json:"probe_attempts"`

	// Inbound rate limiting
	RateLimitEnabled bool `yaml:"rate_limit_enabled" json:"rate_limit_enabled"`
	RateLimitRPS     int  `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst   int  `yaml:"rate_limit_burst" json:"rate_limit_burst"`

	// Key state persistence
	StateBackend  string `yaml:"state_backend" json:"state_backend"` // none|file|redis|mongodb|postgres
	StateDir      string `yaml:"state_dir" json:"state_dir"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" json:"redis_prefix"`
	MongoDBURI    string `yaml:"mongodb_uri" json:"mongodb_uri"`
	MongoDatabase string `yaml:"mongodb_database" json:"mongodb_database"`
	PostgresDSN   string `yaml:"postgres_dsn" json:"postgres_dsn"`
}

// DefaultConfig returns a Config with every tunable at its default.
func DefaultConfig() *Config {
	return &Config{
		Port:                     8317,
		Endpoint:                 "https://generativelanguage.googleapis.com",
		DefaultModel:             "gemini-2.5-flash",
		DialTimeoutSec:           int(constants.DefaultDialTimeout / time.Second),
		TLSHandshakeTimeoutSec:   int(constants.DefaultTLSHandshakeTimeout / time.Second),
		ResponseHeaderTimeoutSec: int(constants.DefaultResponseHeaderTimeout / time.Second),
		ExpectContinueTimeoutSec: int(constants.DefaultExpectContinueTimeout / time.Second),
		RetryOn5xx:               true,
		RetryOnNetworkError:      true,
		CooldownBaseMS:           int(constants.CooldownBase / time.Millisecond),
		CooldownMaxMS:            int(constants.CooldownMax / time.Millisecond),
		ProbeModel:               "gemini-2.5-flash",
		ProbeTimeoutSec:          int(constants.ProbeTimeoutDefault / time.Second),
		ProbeAttempts:            constants.ProbeAttemptsDefault,
		RateLimitEnabled:         false,
		RateLimitRPS:             20,
		RateLimitBurst:           40,
		StateBackend:             "none",
		StateDir:                 "./state",
		RedisPrefix:              "gemchat",
		MongoDatabase:            "gemchat",
	}
}

// CooldownBase returns the configured cooldown base as a duration.
func (c *Config) CooldownBase() time.Duration {
	if c.CooldownBaseMS <= 0 {
		return constants.CooldownBase
	}
	return time.Duration(c.CooldownBaseMS) * time.Millisecond
}

// CooldownMax returns the configured cooldown cap as a duration.
func (c *Config) CooldownMax() time.Duration {
	if c.CooldownMaxMS <= 0 {
		return constants.CooldownMax
	}
	return time.Duration(c.CooldownMaxMS) * time.Millisecond
}

// ProbeTimeout returns the configured probe timeout as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	if c.ProbeTimeoutSec <= 0 {
		return constants.ProbeTimeoutDefault
	}
	return time.Duration(c.ProbeTimeoutSec) * time.Second
}
