// Package config loads Bay's static configuration: a YAML file with
// BAY_-prefixed environment variable overrides for the handful of values
// operators tend to want to set per-deployment (port, database path,
// driver selection, the API key) without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/bay/pkg/profile"
)

// Config is the full recognized top-level schema (§6.4).
type Config struct {
	Server      ServerConfig          `yaml:"server"`
	Database    DatabaseConfig        `yaml:"database"`
	Driver      DriverConfig          `yaml:"driver"`
	Cargo       CargoConfig           `yaml:"cargo"`
	Security    SecurityConfig        `yaml:"security"`
	Idempotency IdempotencyConfig     `yaml:"idempotency"`
	Profiles    []profile.RawProfile  `yaml:"profiles"`
	GC          GCConfig              `yaml:"gc"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // bbolt data directory, e.g. ./data
}

type DriverConfig struct {
	Type         string `yaml:"type"` // local|cluster
	LabelPrefix  string `yaml:"label_prefix"`
	Namespace    string `yaml:"namespace"`     // containerd namespace, or k8s namespace
	StorageClass string `yaml:"storage_class"` // cluster driver only
	SocketPath   string `yaml:"socket_path"`   // local driver only
	VolumeRoot   string `yaml:"volume_root"`   // local driver only
	Kubeconfig   string `yaml:"kubeconfig"`    // cluster driver only; empty means in-cluster
	InstanceID   string `yaml:"instance_id"`
}

type CargoConfig struct {
	DefaultSizeLimitMB int    `yaml:"default_size_limit_mb"`
	MountPath          string `yaml:"mount_path"`
}

type SecurityConfig struct {
	APIKey         string `yaml:"api_key"`
	AllowAnonymous bool   `yaml:"allow_anonymous"`
}

type IdempotencyConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

type GCTaskConfig struct {
	Enabled bool `yaml:"enabled"`
}

type GCConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RunOnStartup  bool   `yaml:"run_on_startup"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	InstanceID    string `yaml:"instance_id"`
	Tasks         struct {
		IdleSession       GCTaskConfig `yaml:"idle_session"`
		ExpiredSandbox    GCTaskConfig `yaml:"expired_sandbox"`
		OrphanCargo       GCTaskConfig `yaml:"orphan_cargo"`
		OrphanContainer   GCTaskConfig `yaml:"orphan_container"`
		IdempotencyRecord GCTaskConfig `yaml:"idempotency_record"`
	} `yaml:"tasks"`
}

// IdempotencyTTL returns the configured idempotency record lifetime,
// defaulting to 1 hour per §4.7.
func (c IdempotencyConfig) IdempotencyTTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// GCInterval returns the scheduler tick interval, defaulting to 60s.
func (c GCConfig) GCInterval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

func defaults() Config {
	c := Config{}
	c.Server.Host = "0.0.0.0"
	c.Server.Port = 8080
	c.Database.URL = "./data"
	c.Driver.Type = "local"
	c.Driver.SocketPath = "/run/containerd/containerd.sock"
	c.Driver.Namespace = "bay"
	c.Driver.VolumeRoot = "./data/volumes"
	c.Cargo.DefaultSizeLimitMB = 1024
	c.Cargo.MountPath = "/workspace"
	c.Idempotency.TTLSeconds = 3600
	c.GC.IntervalSeconds = 60
	c.GC.Tasks.IdleSession.Enabled = true
	c.GC.Tasks.ExpiredSandbox.Enabled = true
	c.GC.Tasks.OrphanCargo.Enabled = true
	c.GC.Tasks.OrphanContainer.Enabled = false // strict mode, opt-in (§4.8)
	c.GC.Tasks.IdempotencyRecord.Enabled = true
	return c
}

// Load reads and parses a YAML config file, applies defaults for anything
// unset, normalizes legacy single-image profiles, then layers BAY_-prefixed
// environment variable overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	for i := range cfg.Profiles {
		cfg.Profiles[i] = profile.NormalizeLegacy(cfg.Profiles[i])
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BAY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BAY_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BAY_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("BAY_DRIVER_TYPE"); v != "" {
		cfg.Driver.Type = v
	}
	if v := os.Getenv("BAY_SECURITY_API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
	if v := os.Getenv("BAY_GC_ENABLED"); v != "" {
		cfg.GC.Enabled = v == "true" || v == "1"
	}
}

func validate(cfg *Config) error {
	if cfg.Driver.Type != "local" && cfg.Driver.Type != "cluster" {
		return fmt.Errorf("driver.type must be \"local\" or \"cluster\", got %q", cfg.Driver.Type)
	}
	if !cfg.Security.AllowAnonymous && cfg.Security.APIKey == "" {
		return fmt.Errorf("security.api_key is required unless security.allow_anonymous is true")
	}
	seen := make(map[string]bool, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		if p.ID == "" {
			return fmt.Errorf("profile with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate profile id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
