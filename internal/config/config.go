package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models renderq.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Cache CacheConfig `yaml:"cache"`
}

// CacheConfig selects the pub/sub cache backend. Backend "memory" is correct
// for a single process; "nats" is required once more than one instance runs.
type CacheConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	Size    int           `yaml:"size"`
	NATS    struct {
		URL    string `yaml:"url"`
		Bucket string `yaml:"bucket"`
	} `yaml:"nats"`
}

const (
	CacheBackendMemory = "memory"
	CacheBackendNATS   = "nats"
)

// UnmarshalYAML merges yaml fields over the receiver so partial config files
// keep defaults, and parses ttl from a duration string ("30m", "1h").
func (c *CacheConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Backend string `yaml:"backend"`
		TTL     string `yaml:"ttl"`
		Size    *int   `yaml:"size"`
		NATS    struct {
			URL    string `yaml:"url"`
			Bucket string `yaml:"bucket"`
		} `yaml:"nats"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Backend != "" {
		c.Backend = raw.Backend
	}
	if raw.TTL != "" {
		d, err := time.ParseDuration(raw.TTL)
		if err != nil {
			return fmt.Errorf("cache.ttl: %w", err)
		}
		c.TTL = d
	}
	if raw.Size != nil {
		c.Size = *raw.Size
	}
	if raw.NATS.URL != "" {
		c.NATS.URL = raw.NATS.URL
	}
	if raw.NATS.Bucket != "" {
		c.NATS.Bucket = raw.NATS.Bucket
	}
	return nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendNATS:
	default:
		return fmt.Errorf("config.cache.backend must be %q or %q", CacheBackendMemory, CacheBackendNATS)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config.cache.ttl must be positive")
	}
	if c.Cache.Backend == CacheBackendMemory && c.Cache.Size <= 0 {
		return fmt.Errorf("config.cache.size must be positive for the memory backend")
	}
	if c.Cache.Backend == CacheBackendNATS && c.Cache.NATS.URL == "" {
		return fmt.Errorf("config.cache.nats.url is required for the nats backend")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "renderq.yml")
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8189"
	cfg.Server.BasePath = "/v1"
	cfg.Cache.Backend = CacheBackendMemory
	cfg.Cache.TTL = time.Hour
	cfg.Cache.Size = 4096
	cfg.Cache.NATS.Bucket = "renderq-cache"
	return &cfg
}

// Load reads config from workspace, falling back to defaults if missing.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields left out
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
