// Package config loads the engine configuration from an optional YAML file
// with environment-variable overrides on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Scanner    ScannerConfig   `yaml:"scanner"`
	Signatures SignatureConfig `yaml:"signatures"`
	Push       PushConfig      `yaml:"push"`
	Audit      AuditConfig     `yaml:"audit"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`

	// Kill-endpoint credentials come from the environment only, never the
	// config file. KillTokenBcrypt, when set, wins over the plain token.
	KillToken       string `yaml:"-"`
	KillTokenBcrypt string `yaml:"-"`
}

type ScannerConfig struct {
	ProcessCap         int `yaml:"process_cap"`
	BatchSize          int `yaml:"batch_size"`
	MinIntervalSeconds int `yaml:"min_interval_seconds"`
	MaxIntervalSeconds int `yaml:"max_interval_seconds"`
}

type SignatureConfig struct {
	Workers       int `yaml:"workers"`
	CacheSize     int `yaml:"cache_size"`
	CacheTTLHours int `yaml:"cache_ttl_hours"`
}

type PushConfig struct {
	MaxClients int `yaml:"max_clients"`
}

type AuditConfig struct {
	Path string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "3000",
		},
		Scanner: ScannerConfig{
			ProcessCap:         200,
			BatchSize:          10,
			MinIntervalSeconds: 5,
			MaxIntervalSeconds: 15,
		},
		Signatures: SignatureConfig{
			Workers:       2,
			CacheSize:     500,
			CacheTTLHours: 24,
		},
		Push: PushConfig{
			MaxClients: 100,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment overrides. An empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	c.Server.KillToken = os.Getenv("PROCSCOPE_KILL_TOKEN")
	c.Server.KillTokenBcrypt = os.Getenv("PROCSCOPE_KILL_TOKEN_BCRYPT")
}

// CacheTTL returns the signature cache TTL as a duration.
func (c SignatureConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}
