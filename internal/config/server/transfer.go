package server

import (
	"fmt"
	"time"
)

type TransferServerConfig struct {
	MaxAttempts     int    `mapstructure:"max_attempts"      yaml:"max_attempts"`
	InitialBackoff  string `mapstructure:"initial_backoff"   yaml:"initial_backoff"`
	MaxBackoff      string `mapstructure:"max_backoff"       yaml:"max_backoff"`
	VerifySource    bool   `mapstructure:"verify_source"     yaml:"verify_source"`
	SourcePolicy    string `mapstructure:"source_policy"     yaml:"source_policy"`
	WorkersPerQueue int    `mapstructure:"workers_per_queue" yaml:"workers_per_queue"`
	QueueBuffer     int    `mapstructure:"queue_buffer"      yaml:"queue_buffer"`
	RelayInterval   string `mapstructure:"relay_interval"    yaml:"relay_interval"`
	RelayBatch      int    `mapstructure:"relay_batch"       yaml:"relay_batch"`
}

func (c TransferServerConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.WorkersPerQueue < 1 {
		return fmt.Errorf("workers_per_queue must be at least 1")
	}
	switch c.SourcePolicy {
	case "site_affinity", "most_recent":
	default:
		return fmt.Errorf("unknown source_policy '%s'", c.SourcePolicy)
	}
	for name, value := range map[string]string{
		"initial_backoff": c.InitialBackoff,
		"max_backoff":     c.MaxBackoff,
		"relay_interval":  c.RelayInterval,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, value, err)
		}
	}
	return nil
}

// Durations parses the backoff settings. Invalid values fall back to the defaults.
func (c TransferServerConfig) Durations() (initial, maxBackoff, relay time.Duration) {
	defaults := GetServerDefault().Transfer
	initial = parseDurationOr(c.InitialBackoff, defaults.InitialBackoff)
	maxBackoff = parseDurationOr(c.MaxBackoff, defaults.MaxBackoff)
	relay = parseDurationOr(c.RelayInterval, defaults.RelayInterval)
	return initial, maxBackoff, relay
}

func parseDurationOr(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}
