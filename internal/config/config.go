// Package config owns the TOML configuration surface of the server binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

var (
	ErrNoListeners           = errors.New("config: at least one listener required")
	ErrInvalidMaxRequestSize = errors.New("config: max_request_size must be positive")
	ErrInvalidConcurrency    = errors.New("config: dispatch_concurrency must be positive")
	ErrListenerAddrMissing   = errors.New("config: listener addr required")
)

type Config struct {
	MaxRequestSize      int64 `toml:"max_request_size"`
	Keepalive           bool  `toml:"keepalive"`
	DispatchConcurrency int   `toml:"dispatch_concurrency"`

	Quota     QuotaConfig      `toml:"quota"`
	Listeners []ListenerConfig `toml:"listener"`
	Admin     AdminConfig      `toml:"admin"`
}

type QuotaConfig struct {
	BytesPerSecond float64 `toml:"bytes_per_second"`
	Burst          int     `toml:"burst"`
}

type ListenerConfig struct {
	Addr         string    `toml:"addr"`
	SecurityMode string    `toml:"security_mode"`
	TLS          TLSConfig `toml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Mutual   bool   `toml:"mutual"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	CAFile   string `toml:"ca_file"`
}

type AdminConfig struct {
	Addr string `toml:"addr"`
}

func Default() Config {
	return Config{
		MaxRequestSize:      32 << 20,
		Keepalive:           true,
		DispatchConcurrency: 128,
		Listeners: []ListenerConfig{
			{Addr: ":9092"},
		},
	}
}

func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	cfg.Listeners = nil
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = Default().Listeners
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if cfg.MaxRequestSize <= 0 {
		return ErrInvalidMaxRequestSize
	}
	if cfg.DispatchConcurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if len(cfg.Listeners) == 0 {
		return ErrNoListeners
	}
	for i, lc := range cfg.Listeners {
		if strings.TrimSpace(lc.Addr) == "" {
			return fmt.Errorf("%w: listener[%d]", ErrListenerAddrMissing, i)
		}
	}
	return nil
}
