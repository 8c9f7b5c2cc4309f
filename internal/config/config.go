// Package config loads the TOML files read by the ledger and transcoder
// daemons and holds the templates written by configgen.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/roundctl/internal/rpcpool"
)

type LedgerConfig struct {
	Name           string   `toml:"name"`
	Addr           string   `toml:"addr"`
	CorsOrigins    []string `toml:"cors_origins"`
	EpochDuration  string   `toml:"epoch_duration"`
	EventRetention uint64   `toml:"event_retention"`
	EpochRetention uint64   `toml:"epoch_retention"`
	TasksPerEpoch  uint64   `toml:"tasks_per_epoch"`
	MaxQueryCount  uint64   `toml:"max_query_count"`
}

type TranscoderConfig struct {
	Name     string            `toml:"name"`
	Addr     string            `toml:"addr"`
	Steps    int               `toml:"steps"`
	Interval string            `toml:"interval"`
	TLS      rpcpool.TLSConfig `toml:"tls"`
}

func LoadLedgerConfig(path string) (LedgerConfig, error) {
	var cfg LedgerConfig
	if err := loadToml(path, &cfg); err != nil {
		return LedgerConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "ledgerd"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9400"
	}
	if cfg.EpochDuration == "" {
		cfg.EpochDuration = "10m"
	}
	if err := ValidateLedgerConfig(cfg); err != nil {
		return LedgerConfig{}, err
	}
	return cfg, nil
}

func LoadTranscoderConfig(path string) (TranscoderConfig, error) {
	var cfg TranscoderConfig
	if err := loadToml(path, &cfg); err != nil {
		return TranscoderConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "transcoderd"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":50051"
	}
	if cfg.Steps == 0 {
		cfg.Steps = 10
	}
	if cfg.Interval == "" {
		cfg.Interval = "500ms"
	}
	if err := ValidateTranscoderConfig(cfg); err != nil {
		return TranscoderConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateLedgerConfig(cfg LedgerConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("ledger config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("ledger config missing addr")
	}
	d, err := time.ParseDuration(strings.TrimSpace(cfg.EpochDuration))
	if err != nil {
		return fmt.Errorf("ledger config epoch_duration: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("ledger config epoch_duration must be positive")
	}
	if cfg.EventRetention > 0 && cfg.EventRetention < 2 {
		return fmt.Errorf("ledger config event_retention must be at least 2")
	}
	if cfg.EpochRetention > 0 && cfg.EpochRetention < 2 {
		return fmt.Errorf("ledger config epoch_retention must be at least 2")
	}
	return nil
}

func ValidateTranscoderConfig(cfg TranscoderConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("transcoder config missing addr")
	}
	if cfg.Steps < 1 {
		return fmt.Errorf("transcoder config steps must be positive")
	}
	if _, err := time.ParseDuration(strings.TrimSpace(cfg.Interval)); err != nil {
		return fmt.Errorf("transcoder config interval: %w", err)
	}
	if err := cfg.TLS.ValidateServer(); err != nil {
		return fmt.Errorf("transcoder config tls: %w", err)
	}
	return nil
}
