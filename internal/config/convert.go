package config

import (
	"strings"
	"time"

	"github.com/danmuck/roundctl/internal/ledger"
)

// LedgerOptions converts a validated file config into ledger settings.
func (c LedgerConfig) LedgerOptions() ledger.Config {
	d, _ := time.ParseDuration(strings.TrimSpace(c.EpochDuration))
	return ledger.Config{
		EpochDuration:  d,
		EventRetention: c.EventRetention,
		EpochRetention: c.EpochRetention,
		TasksPerEpoch:  c.TasksPerEpoch,
		MaxQueryCount:  c.MaxQueryCount,
	}
}

func (c TranscoderConfig) StepInterval() time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(c.Interval))
	return d
}
