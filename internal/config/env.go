package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides layers GEMCHAT_* environment variables over cfg.
// Environment always wins over the file.
func applyEnvOverrides(cfg *Config) {
	envString("GEMCHAT_LOG_FILE", &cfg.LogFile)
	envString("GEMCHAT_KEYS_FILE", &cfg.KeysFile)
	envString("GEMCHAT_MANAGEMENT_KEY", &cfg.ManagementKey)
	envString("GEMCHAT_MANAGEMENT_KEY_HASH", &cfg.ManagementKeyHash)
	envString("GEMCHAT_ENDPOINT", &cfg.Endpoint)
	envString("GEMCHAT_PROXY_URL", &cfg.ProxyURL)
	envString("GEMCHAT_DEFAULT_MODEL", &cfg.DefaultModel)
	envString("GEMCHAT_PROBE_MODEL", &cfg.ProbeModel)
	envString("GEMCHAT_STATE_BACKEND", &cfg.StateBackend)
	envString("GEMCHAT_STATE_DIR", &cfg.StateDir)
	envString("GEMCHAT_REDIS_ADDR", &cfg.RedisAddr)
	envString("GEMCHAT_REDIS_PASSWORD", &cfg.RedisPassword)
	envString("GEMCHAT_REDIS_PREFIX", &cfg.RedisPrefix)
	envString("GEMCHAT_MONGODB_URI", &cfg.MongoDBURI)
	envString("GEMCHAT_MONGODB_DATABASE", &cfg.MongoDatabase)
	envString("GEMCHAT_POSTGRES_DSN", &cfg.PostgresDSN)

	envInt("GEMCHAT_PORT", &cfg.Port)
	envInt("GEMCHAT_COOLDOWN_BASE_MS", &cfg.CooldownBaseMS)
	envInt("GEMCHAT_COOLDOWN_MAX_MS", &cfg.CooldownMaxMS)
	envInt("GEMCHAT_PROBE_TIMEOUT_SEC", &cfg.ProbeTimeoutSec)
	envInt("GEMCHAT_PROBE_ATTEMPTS", &cfg.ProbeAttempts)
	envInt("GEMCHAT_RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	envInt("GEMCHAT_RATE_LIMIT_BURST", &cfg.RateLimitBurst)
	envInt("GEMCHAT_REDIS_DB", &cfg.RedisDB)

	envBool("GEMCHAT_DEBUG", &cfg.Debug)
	envBool("GEMCHAT_RETRY_ON_5XX", &cfg.RetryOn5xx)
	envBool("GEMCHAT_RETRY_ON_NETWORK_ERROR", &cfg.RetryOnNetworkError)
	envBool("GEMCHAT_RATE_LIMIT_ENABLED", &cfg.RateLimitEnabled)

	// GEMCHAT_API_KEYS replaces the configured pool outright so a
	// container deployment can run without a file at all.
	if v, ok := os.LookupEnv("GEMCHAT_API_KEYS"); ok {
		keys := make([]string, 0, 4)
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		cfg.APIKeys = keys
	}
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}
