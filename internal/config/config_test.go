package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Port != 8317 {
		t.Fatalf("expected default port 8317, got %d", cfg.Port)
	}
	if cfg.Endpoint == "" || cfg.DefaultModel == "" {
		t.Fatalf("expected endpoint and default model to be set")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("port: 9000\ndebug: true\napi_keys:\n  - key-000001\n  - key-000002\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Port)
	}
	if !cfg.Debug {
		t.Fatalf("expected debug true")
	}
	if !reflect.DeepEqual(cfg.APIKeys, []string{"key-000001", "key-000002"}) {
		t.Fatalf("unexpected keys: %v", cfg.APIKeys)
	}
	// File values must not clobber unrelated defaults.
	if cfg.Endpoint != DefaultConfig().Endpoint {
		t.Fatalf("expected default endpoint, got %s", cfg.Endpoint)
	}
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data := []byte(`{"port": 9001, "default_model": "gemini-2.5-pro"}`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9001 || cfg.DefaultModel != "gemini-2.5-pro" {
		t.Fatalf("unexpected config: port=%d model=%s", cfg.Port, cfg.DefaultModel)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("port: 9000\napi_keys:\n  - file-key-000001\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("GEMCHAT_PORT", "9100")
	t.Setenv("GEMCHAT_DEBUG", "true")
	t.Setenv("GEMCHAT_API_KEYS", " env-key-000001, env-key-000002 ,")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("expected env port 9100, got %d", cfg.Port)
	}
	if !cfg.Debug {
		t.Fatalf("expected env debug true")
	}
	expected := []string{"env-key-000001", "env-key-000002"}
	if !reflect.DeepEqual(cfg.APIKeys, expected) {
		t.Fatalf("expected env keys %v, got %v", expected, cfg.APIKeys)
	}
}

func TestKeysFileMerge(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "keys.txt")
	keys := []byte("# production keys\nfile-key-000001\n\n  file-key-000002  \n")
	if err := os.WriteFile(keysPath, keys, 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}

	t.Setenv("GEMCHAT_KEYS_FILE", keysPath)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	expected := []string{"file-key-000001", "file-key-000002"}
	if !reflect.DeepEqual(cfg.APIKeys, expected) {
		t.Fatalf("expected merged keys %v, got %v", expected, cfg.APIKeys)
	}
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"empty endpoint", func(c *Config) { c.Endpoint = "" }},
		{"schemeless endpoint", func(c *Config) { c.Endpoint = "generativelanguage.googleapis.com" }},
		{"blank key", func(c *Config) { c.APIKeys = []string{"key-000001", "  "} }},
		{"duplicate keys", func(c *Config) { c.APIKeys = []string{"key-000001", "key-000001"} }},
		{"unknown backend", func(c *Config) { c.StateBackend = "etcd" }},
		{"redis without addr", func(c *Config) { c.StateBackend = "redis"; c.RedisAddr = "" }},
		{"mongodb without uri", func(c *Config) { c.StateBackend = "mongodb"; c.MongoDBURI = "" }},
		{"postgres without dsn", func(c *Config) { c.StateBackend = "postgres"; c.PostgresDSN = "" }},
		{"rate limit without rps", func(c *Config) { c.RateLimitEnabled = true; c.RateLimitRPS = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Port = 9200
	cfg.APIKeys = []string{"key-000001"}
	if err := Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Port != 9200 {
		t.Fatalf("expected port 9200, got %d", loaded.Port)
	}
	if !reflect.DeepEqual(loaded.APIKeys, cfg.APIKeys) {
		t.Fatalf("expected keys %v, got %v", cfg.APIKeys, loaded.APIKeys)
	}
}
