// Package config loads the broker's static process configuration
// (spec.md §2.3 of SPEC_FULL.md): a YAML file with environment
// variable overrides, read once at startup. Unlike the teacher's
// DB-backed, runtime-mutable config, this broker has no persistence
// layer (spec.md §1 Non-goals), so there is no Set/reseed path — only
// Load.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Data is the serialisable configuration shape.
type Data struct {
	BindAddress string `yaml:"bind_address"`

	// CataloguePath points at the initial Metadata list the broker
	// loads into the Entry Store at startup (spec.md §6 CLI surface).
	CataloguePath string `yaml:"catalogue_path"`

	// AuthDisabled skips RS256 verification and grants AllowAll to
	// every request, for local development (spec.md §6 "a signing
	// public key or a disabled-auth flag").
	AuthDisabled     bool   `yaml:"auth_disabled"`
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	SubscriptionQueueCapacity int    `yaml:"subscription_queue_capacity"`
	DefaultOverflowPolicy     string `yaml:"default_overflow_policy"` // "drop_oldest" | "drop_connection"

	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "console" | "json"

	MetricsBindAddress string `yaml:"metrics_bind_address"`
}

func defaults() Data {
	return Data{
		BindAddress:               ":8080",
		AuthDisabled:              false,
		SubscriptionQueueCapacity: 64,
		DefaultOverflowPolicy:     "drop_oldest",
		HousekeepingInterval:      30 * time.Second,
		LogLevel:                  "info",
		LogFormat:                 "json",
		MetricsBindAddress:        ":9090",
	}
}

// Global is a read-only, thread-safe-by-construction (never mutated
// after Load) wrapper around Data, kept as a value-struct-plus-accessor
// the way the teacher's config.Global is, minus the DB-backed Set path.
type Global struct {
	data Data
}

// Load reads path (if non-empty) as YAML over the built-in defaults,
// then applies environment variable overrides, mirroring the
// teacher's env() helper in main.go.
func Load(path string) (*Global, error) {
	d := defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &d); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&d)
	return &Global{data: d}, nil
}

func applyEnvOverrides(d *Data) {
	if v := os.Getenv("BROKER_BIND_ADDRESS"); v != "" {
		d.BindAddress = v
	}
	if v := os.Getenv("BROKER_CATALOGUE_PATH"); v != "" {
		d.CataloguePath = v
	}
	if v := os.Getenv("AUTH_DISABLED"); v != "" {
		d.AuthDisabled = v == "1" || v == "true"
	}
	if v := os.Getenv("BROKER_JWT_PUBLIC_KEY_PATH"); v != "" {
		d.JWTPublicKeyPath = v
	}
	if v := os.Getenv("BROKER_LOG_LEVEL"); v != "" {
		d.LogLevel = v
	}
	if v := os.Getenv("BROKER_LOG_FORMAT"); v != "" {
		d.LogFormat = v
	}
	if v := os.Getenv("BROKER_METRICS_BIND_ADDRESS"); v != "" {
		d.MetricsBindAddress = v
	}
}

// Get returns the loaded configuration. Data is a plain value copy;
// Global never mutates data after Load, so no lock is needed.
func (g *Global) Get() Data { return g.data }
