package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Bitcoin: BitcoinConfig{
			RPCHost:            "localhost:8332",
			Network:            "mainnet",
			RateLimitPerSecond: 10,
		},
		Importer: ImporterConfig{
			StartHeight:         0,
			BatchSize:           100,
			Mode:                ModeContinuous,
			PollInterval:        time.Minute,
			CheckpointPath:      "/tmp/state.json",
			CheckpointInterval:  10,
			RetryMaxAttempts:    5,
			RetryInitialBackoff: time.Second,
			RetryMaxBackoff:     30 * time.Second,
			OnFailure:           FailureHalt,
		},
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Importer.Mode = "sideways" }},
		{"unknown failure policy", func(c *Config) { c.Importer.OnFailure = "retry-forever" }},
		{"negative start height", func(c *Config) { c.Importer.StartHeight = -1 }},
		{"zero batch size", func(c *Config) { c.Importer.BatchSize = 0 }},
		{"zero checkpoint interval", func(c *Config) { c.Importer.CheckpointInterval = 0 }},
		{"negative retry attempts", func(c *Config) { c.Importer.RetryMaxAttempts = -1 }},
		{"zero rate limit", func(c *Config) { c.Bitcoin.RateLimitPerSecond = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
