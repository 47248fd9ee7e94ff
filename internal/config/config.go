// Package config loads and validates the daemon's YAML configuration,
// per spec section 6.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// rawConfig mirrors the on-disk YAML shape; string fields are parsed
// into their typed Config counterparts by Load.
type rawConfig struct {
	Precache struct {
		Location     string `yaml:"location"`
		Index        string `yaml:"index"`
		Size         string `yaml:"size"`
		AgeThreshold string `yaml:"age_threshold"`
		Expiry       string `yaml:"expiry"`
		ChunkSize    string `yaml:"chunk_size"`
	} `yaml:"precache"`

	Upstream struct {
		MaxConnections int `yaml:"max_connections"`
		BaseURL        string `yaml:"base_url"`
	} `yaml:"upstream"`

	HTTPD struct {
		BindAddress    string   `yaml:"bind_address"`
		Listen         int      `yaml:"listen"`
		Timeout        string   `yaml:"timeout"`
		Authentication []string `yaml:"authentication"`
	} `yaml:"httpd"`
}

// Config is the parsed, validated daemon configuration.
type Config struct {
	Precache PrecacheConfig
	Upstream UpstreamConfig
	HTTPD    HTTPDConfig
}

// PrecacheConfig holds the precache.* settings (spec section 6).
type PrecacheConfig struct {
	Location string
	Index    string

	// Size is the precache byte budget, or -1 for unlimited.
	Size int64

	// AgeThresholdUnlimited is true when eviction candidates are never
	// excluded by age (the documented anti-DoS default).
	AgeThreshold          time.Duration
	AgeThresholdUnlimited bool

	ExpiryUnlimited bool
	Expiry          time.Duration

	ChunkSize int64
}

// UpstreamConfig holds the upstream.* settings.
type UpstreamConfig struct {
	MaxConnections int
	BaseURL        string
}

// HTTPDConfig holds the httpd.* settings.
type HTTPDConfig struct {
	BindAddress    string
	Listen         int
	Timeout        time.Duration
	Authentication []string
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config %q: %w", path, err)
	}
	defer f.Close()

	var raw rawConfig
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	cfg := &Config{}

	loc, err := filepath.Abs(raw.Precache.Location)
	if err != nil {
		return nil, fmt.Errorf("precache.location: %w", err)
	}
	cfg.Precache.Location = loc

	idx := raw.Precache.Index
	if idx == "" {
		return nil, fmt.Errorf("precache.index must be a filename")
	}
	if !filepath.IsAbs(idx) {
		idx = filepath.Join(loc, idx)
	}
	cfg.Precache.Index = idx

	if cfg.Precache.Size, err = ParseByteSize(raw.Precache.Size); err != nil {
		return nil, fmt.Errorf("precache.size: %w", err)
	}

	cfg.Precache.AgeThreshold, cfg.Precache.AgeThresholdUnlimited, err = ParseDuration(raw.Precache.AgeThreshold)
	if err != nil {
		return nil, fmt.Errorf("precache.age_threshold: %w", err)
	}

	cfg.Precache.Expiry, cfg.Precache.ExpiryUnlimited, err = ParseDuration(raw.Precache.Expiry)
	if err != nil {
		return nil, fmt.Errorf("precache.expiry: %w", err)
	}

	if cfg.Precache.ChunkSize, err = ParseByteSize(raw.Precache.ChunkSize); err != nil {
		return nil, fmt.Errorf("precache.chunk_size: %w", err)
	}
	if cfg.Precache.ChunkSize <= 0 {
		return nil, fmt.Errorf("precache.chunk_size must be finite and positive")
	}

	cfg.Upstream.MaxConnections = raw.Upstream.MaxConnections
	if cfg.Upstream.MaxConnections <= 0 {
		cfg.Upstream.MaxConnections = 30
	}
	cfg.Upstream.BaseURL = raw.Upstream.BaseURL

	cfg.HTTPD.BindAddress = raw.HTTPD.BindAddress
	cfg.HTTPD.Listen = raw.HTTPD.Listen
	timeout, unlimited, err := ParseDuration(raw.HTTPD.Timeout)
	if err != nil {
		return nil, fmt.Errorf("httpd.timeout: %w", err)
	}
	if unlimited {
		timeout = 0
	}
	cfg.HTTPD.Timeout = timeout
	cfg.HTTPD.Authentication = raw.HTTPD.Authentication

	return cfg, nil
}
