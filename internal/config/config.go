package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DeadlineLayout is the textual date-time format users type for deadlines.
const DeadlineLayout = "2006-01-02 15:04"

// Config models taskpilot.yml.
type Config struct {
	HTTP struct {
		Listen    string `yaml:"listen"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"http"`
	Gemini struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"gemini"`
	Session struct {
		IdleTTL       time.Duration `yaml:"idle_ttl"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"session"`
	Sweep struct {
		Interval    time.Duration `yaml:"interval"`
		Concurrency int           `yaml:"concurrency"`
	} `yaml:"sweep"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Listen = ":8080"
	cfg.HTTP.BasePath = "/v1"
	cfg.Gemini.Model = "gemini-2.0-flash"
	cfg.Session.IdleTTL = 30 * time.Minute
	cfg.Session.SweepInterval = 5 * time.Minute
	cfg.Sweep.Interval = time.Hour
	cfg.Sweep.Concurrency = 4
	return cfg
}

// Load reads config from path, falling back to defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Session.IdleTTL <= 0 {
		return fmt.Errorf("config.session.idle_ttl must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("config.sweep.interval must be positive")
	}
	if c.Sweep.Concurrency <= 0 {
		return fmt.Errorf("config.sweep.concurrency must be positive")
	}
	return nil
}
