package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL      = "http://127.0.0.1:8085"
	DefaultTimeout      = 10 * time.Second
	DefaultWaitInterval = 500 * time.Millisecond
	DefaultWaitTimeout  = 2 * time.Minute
)

// Config holds CLI configuration.
type Config struct {
	BaseURL      string        `yaml:"baseURL"`
	Timeout      time.Duration `yaml:"timeout"`
	PrettyJSON   *bool         `yaml:"prettyJSON"`
	WaitInterval time.Duration `yaml:"waitInterval"`
	WaitTimeout  time.Duration `yaml:"waitTimeout"`
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, fmt.Errorf("read config file failed: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file failed: %w", err)
		}
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.WaitInterval == 0 {
		cfg.WaitInterval = DefaultWaitInterval
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.PrettyJSON == nil {
		value := true
		cfg.PrettyJSON = &value
	}
}
