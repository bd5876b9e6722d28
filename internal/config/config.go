package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type fileConfig struct {
	StoragePath    string `yaml:"storage_path"`
	HTTPAddr       string `yaml:"http_addr"`
	EnableHTTP     *bool  `yaml:"enable_http"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	TurnTimeout    string `yaml:"turn_timeout"`
	HistoryLimit   int    `yaml:"history_limit"`
	EventBufferCap int    `yaml:"event_buffer_cap"`
}

type Config struct {
	StoragePath    string
	HTTPAddr       string
	EnableHTTP     bool
	LogLevel       string
	LogFormat      string
	TurnTimeout    time.Duration
	HistoryLimit   int
	EventBufferCap int
}

func defaultConfig() Config {
	return Config{
		StoragePath:    filepath.Join("data", "chat.db"),
		HTTPAddr:       ":8090",
		EnableHTTP:     false,
		LogLevel:       "info",
		LogFormat:      "console",
		TurnTimeout:    10 * time.Minute,
		HistoryLimit:   50,
		EventBufferCap: 64,
	}
}

func Load(configPath string) (Config, error) {
	cfg := defaultConfig()
	if err := applyYAMLConfig(&cfg, configPath); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyYAMLConfig(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse yaml config: %w", err)
	}
	if v := strings.TrimSpace(fc.StoragePath); v != "" {
		cfg.StoragePath = v
	}
	if v := strings.TrimSpace(fc.HTTPAddr); v != "" {
		cfg.HTTPAddr = v
	}
	if fc.EnableHTTP != nil {
		cfg.EnableHTTP = *fc.EnableHTTP
	}
	if v := strings.TrimSpace(fc.LogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(fc.LogFormat); v != "" {
		cfg.LogFormat = v
	}
	if v := strings.TrimSpace(fc.TurnTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid turn_timeout in yaml: %w", err)
		}
		cfg.TurnTimeout = d
	}
	if fc.HistoryLimit > 0 {
		cfg.HistoryLimit = fc.HistoryLimit
	}
	if fc.EventBufferCap > 0 {
		cfg.EventBufferCap = fc.EventBufferCap
	}
	return nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.StoragePath) == "" {
		return errors.New("config: storage_path required")
	}
	if c.TurnTimeout < 0 {
		return errors.New("config: turn_timeout must not be negative")
	}
	return nil
}
