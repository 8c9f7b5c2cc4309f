package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/roundctl/internal/actuator/transcode"
	"github.com/danmuck/roundctl/internal/agent"
	"github.com/danmuck/roundctl/internal/blob"
	"github.com/danmuck/roundctl/internal/ledger"
	"github.com/danmuck/roundctl/internal/rpcpool"
	"github.com/danmuck/roundctl/internal/store"
	"github.com/danmuck/roundctl/internal/syncer"
)

type settings struct {
	Agent       agent.Config
	AdminAddr   string
	AdminToken  string
	CorsOrigins []string
	Ledger      ledger.ClientConfig
	StoreDriver string
	StoreDSN    string
	IPFS        blob.IPFSConfig
	Transcoder  transcode.Options
	WorkerTLS   rpcpool.TLSConfig
	FlowStep    time.Duration
}

func defaultSettings() settings {
	return settings{
		Agent:       agent.DefaultConfig(),
		AdminAddr:   "127.0.0.1:9500",
		Ledger:      ledger.DefaultClientConfig(),
		StoreDriver: store.DriverSQLite,
		StoreDSN:    "local/agent.db",
		IPFS:        blob.DefaultIPFSConfig(),
		Transcoder:  transcode.Options{Addr: "127.0.0.1:50051"},
		FlowStep:    250 * time.Millisecond,
	}
}

type fileConfig struct {
	Owner       string   `toml:"owner"`
	AdminAddr   string   `toml:"admin_addr"`
	AdminToken  string   `toml:"admin_token"`
	CorsOrigins []string `toml:"cors_origins"`
	LedgerURL   string   `toml:"ledger_url"`
	Workers     int      `toml:"workers"`
	QueueSize   int      `toml:"queue_size"`
	FlowStep    string   `toml:"flow_step"`
	Store       struct {
		Driver string `toml:"driver"`
		DSN    string `toml:"dsn"`
	} `toml:"store"`
	Sync struct {
		Interval   string `toml:"interval"`
		BatchSize  uint64 `toml:"batch_size"`
		TakePolicy string `toml:"take_policy"`
	} `toml:"sync"`
	IPFS struct {
		APIURL string `toml:"api_url"`
	} `toml:"ipfs"`
	Transcoder struct {
		Addr    string            `toml:"addr"`
		Gateway string            `toml:"gateway"`
		TLS     rpcpool.TLSConfig `toml:"tls"`
	} `toml:"transcoder"`
	Properties map[string]uint64 `toml:"properties"`
}

func loadSettings(path string) (settings, error) {
	cfg := defaultSettings()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return settings{}, fmt.Errorf("load agent config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return settings{}, fmt.Errorf("load agent config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("owner") {
		cfg.Agent.Owner = strings.TrimSpace(raw.Owner)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("ledger_url") {
		cfg.Ledger.BaseURL = strings.TrimSpace(raw.LedgerURL)
	}
	if meta.IsDefined("workers") {
		cfg.Agent.Workers = raw.Workers
	}
	if meta.IsDefined("queue_size") {
		cfg.Agent.QueueSize = raw.QueueSize
	}
	if meta.IsDefined("flow_step") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.FlowStep))
		if err != nil {
			return settings{}, fmt.Errorf("parse flow_step: %w", err)
		}
		cfg.FlowStep = d
	}

	if meta.IsDefined("store", "driver") {
		cfg.StoreDriver = strings.TrimSpace(raw.Store.Driver)
	}
	if meta.IsDefined("store", "dsn") {
		cfg.StoreDSN = strings.TrimSpace(raw.Store.DSN)
	}

	if meta.IsDefined("sync", "interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Sync.Interval))
		if err != nil {
			return settings{}, fmt.Errorf("parse sync.interval: %w", err)
		}
		cfg.Agent.Sync.Interval = d
	}
	if meta.IsDefined("sync", "batch_size") {
		cfg.Agent.Sync.BatchSize = raw.Sync.BatchSize
	}
	if meta.IsDefined("sync", "take_policy") {
		p, err := syncer.ParseTakePolicy(raw.Sync.TakePolicy)
		if err != nil {
			return settings{}, err
		}
		cfg.Agent.Sync.TakePolicy = p
	}

	if meta.IsDefined("ipfs", "api_url") {
		cfg.IPFS.APIURL = strings.TrimSpace(raw.IPFS.APIURL)
	}
	if meta.IsDefined("transcoder", "addr") {
		cfg.Transcoder.Addr = strings.TrimSpace(raw.Transcoder.Addr)
	}
	if meta.IsDefined("transcoder", "gateway") {
		cfg.Transcoder.Gateway = strings.TrimSpace(raw.Transcoder.Gateway)
	}
	if meta.IsDefined("transcoder", "tls") {
		cfg.WorkerTLS = raw.Transcoder.TLS
	}
	if meta.IsDefined("properties") {
		cfg.Agent.Properties = raw.Properties
	}

	if err := validateSettings(cfg); err != nil {
		return settings{}, err
	}
	return cfg, nil
}

func validateSettings(cfg settings) error {
	if cfg.StoreDriver != store.DriverSQLite && cfg.StoreDriver != store.DriverPostgres {
		return fmt.Errorf("%w: %q", store.ErrUnsupportedDriver, cfg.StoreDriver)
	}
	if cfg.StoreDSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if cfg.AdminAddr == "" {
		return fmt.Errorf("admin_addr is required")
	}
	if err := cfg.WorkerTLS.ValidateClient(); err != nil {
		return fmt.Errorf("transcoder.tls: %w", err)
	}
	if cfg.Agent.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must not be negative")
	}
	return nil
}
