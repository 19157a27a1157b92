package config

import (
	"fmt"
	"net/url"
	"strings"
)

var validStateBackends = map[string]bool{
	"none":     true,
	"file":     true,
	"redis":    true,
	"mongodb":  true,
	"postgres": true,
}

// Validate checks cfg for values that would break the dispatcher at
// runtime. An empty key pool is allowed; requests then fail fast until
// keys are configured through the management API.
func Validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}
	if u, err := url.Parse(cfg.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.ProxyURL != "" {
		if _, err := url.Parse(cfg.ProxyURL); err != nil {
			return fmt.Errorf("invalid proxy_url %q: %w", cfg.ProxyURL, err)
		}
	}

	seen := make(map[string]int, len(cfg.APIKeys))
	for i, key := range cfg.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("api_keys[%d] is empty", i)
		}
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("duplicate api key at positions %d and %d", prev, i)
		}
		seen[key] = i
	}

	backend := strings.ToLower(cfg.StateBackend)
	if !validStateBackends[backend] {
		return fmt.Errorf("unknown state_backend %q", cfg.StateBackend)
	}
	switch backend {
	case "redis":
		if cfg.RedisAddr == "" {
			return fmt.Errorf("state_backend redis requires redis_addr")
		}
	case "mongodb":
		if cfg.MongoDBURI == "" {
			return fmt.Errorf("state_backend mongodb requires mongodb_uri")
		}
	case "postgres":
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("state_backend postgres requires postgres_dsn")
		}
	}

	if cfg.RateLimitEnabled && cfg.RateLimitRPS <= 0 {
		return fmt.Errorf("rate_limit_rps must be positive when rate limiting is enabled")
	}
	return nil
}
