// Package config loads the relayqueue agent configuration from a YAML
// file and fills in defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	API      APIConfig      `yaml:"api"`
	Store    StoreConfig    `yaml:"store"`
	StateDir string         `yaml:"state_dir"`
	Probe    ProbeConfig    `yaml:"probe"`
	Admin    AdminConfig    `yaml:"admin"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

type APIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	CommandPath string        `yaml:"command_path"`
	AuthPath    string        `yaml:"auth_path"`
	UserAgent   string        `yaml:"user_agent"`
	Timeout     time.Duration `yaml:"timeout"`
}

type StoreConfig struct {
	// DSN selects the durable queue backend: memory://, file://path,
	// postgres://..., or redis://...
	DSN string `yaml:"dsn"`
}

type ProbeConfig struct {
	// URL is the websocket endpoint pinged to detect backend
	// reachability. Empty disables the probe.
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
}

type AdminConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

type DispatchConfig struct {
	ProcessRequestDelay time.Duration `yaml:"process_request_delay"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	MaxDeadLetters      int           `yaml:"max_dead_letters"`
}

func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:     "http://127.0.0.1:8080",
			CommandPath: "/v1/commands",
			AuthPath:    "/v1/auth/login",
			UserAgent:   "relayqueue",
			Timeout:     20 * time.Second,
		},
		Store:    StoreConfig{DSN: "file://.relayqueue/queue.json"},
		StateDir: ".relayqueue/state",
		Probe:    ProbeConfig{Interval: 15 * time.Second},
		Admin:    AdminConfig{Addr: ":9090"},
		Dispatch: DispatchConfig{
			ProcessRequestDelay: time.Second,
			BackoffBase:         200 * time.Millisecond,
			BackoffMax:          30 * time.Second,
			MaxDeadLetters:      256,
		},
	}
}

// Load reads the YAML file at path. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("api.base_url must not be empty")
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn must not be empty")
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("api.timeout must not be negative")
	}
	if c.Probe.Interval < 0 {
		return fmt.Errorf("probe.interval must not be negative")
	}
	if c.Dispatch.ProcessRequestDelay < 0 {
		return fmt.Errorf("dispatch.process_request_delay must not be negative")
	}
	if c.Dispatch.BackoffBase < 0 || c.Dispatch.BackoffMax < 0 {
		return fmt.Errorf("dispatch backoff durations must not be negative")
	}
	if c.Dispatch.BackoffMax != 0 && c.Dispatch.BackoffBase > c.Dispatch.BackoffMax {
		return fmt.Errorf("dispatch.backoff_base must not exceed dispatch.backoff_max")
	}
	if c.Dispatch.MaxDeadLetters < 0 {
		return fmt.Errorf("dispatch.max_dead_letters must not be negative")
	}
	return nil
}
