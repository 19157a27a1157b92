package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the config file at path, layers environment overrides on top
// and validates the result. A missing file is not an error when path is
// empty; defaults plus environment are used instead.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := unmarshalConfig(path, data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := mergeKeysFile(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshalConfig(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// mergeKeysFile appends keys from cfg.KeysFile, one per line. Blank lines
// and lines starting with '#' are skipped.
func mergeKeysFile(cfg *Config) error {
	if cfg.KeysFile == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.KeysFile)
	if err != nil {
		return fmt.Errorf("read keys file %s: %w", cfg.KeysFile, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cfg.APIKeys = append(cfg.APIKeys, line)
	}
	return nil
}

// Save writes cfg to path atomically (temp file plus rename). The format
// follows the file extension, YAML unless the path ends in .json.
func Save(cfg *Config, path string) error {
	var data []byte
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config %s: %w", path, err)
	}
	return nil
}
