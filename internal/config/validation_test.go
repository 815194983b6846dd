package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/sysarray/internal/system"
)

func TestValidator_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad listen", func(c *Config) { c.Array.Listen = "nope" }, "array.listen"},
		{"bad transport", func(c *Config) { c.Array.Transport = "udp" }, "array.transport"},
		{"negative dial timeout", func(c *Config) { c.Array.DialTimeout = -time.Second }, "array.dial_timeout"},
		{"peer without address", func(c *Config) {
			c.Array.Peers = []system.Descriptor{{Name: "a"}}
		}, "array.peers[0].address"},
		{"duplicate peer", func(c *Config) {
			c.Array.Peers = []system.Descriptor{{Name: "a", Address: "h:1"}, {Name: "a", Address: "h:2"}}
		}, "array.peers[1].name"},
		{"negative timeout", func(c *Config) { c.Parallel.Timeout = -1 }, "parallel.timeout"},
		{"no history", func(c *Config) { c.Parallel.HistorySize = 0 }, "parallel.history_size"},
		{"mutation rate", func(c *Config) {
			c.Parallel.OptimizeEvery = 2
			c.Parallel.Genetic.MutationRate = 1.5
		}, "parallel.genetic.mutation_rate"},
		{"slave mode", func(c *Config) { c.Slave.Mode = "both" }, "slave.mode"},
		{"master addr", func(c *Config) { c.Slave.MasterAddr = "no-port" }, "slave.master_addr"},
		{"server listen", func(c *Config) {
			c.Slave.Mode = "server"
			c.Slave.ListenAddress = ""
		}, "slave.listen_address"},
		{"duplicate roles", func(c *Config) { c.Slave.Roles = []string{"a", "a"} }, "slave.roles"},
		{"store driver", func(c *Config) { c.Store.Driver = "etcd" }, "store.driver"},
		{"redis port", func(c *Config) {
			c.Store.Driver = "redis"
			c.Store.Redis.Port = 0
		}, "store.redis.port"},
		{"sql database", func(c *Config) {
			c.Store.Driver = "mysql"
			c.Store.SQL.Port = 3306
		}, "store.sql.database"},
		{"api address", func(c *Config) { c.API.Address = "" }, "api.address"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log file", func(c *Config) { c.Logging.Output = "file" }, "logging.file_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.Contains(t, verrs.Fields(), tt.field)
		})
	}
}

func TestValidator_GeneticIgnoredWithoutOptimizer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Parallel.Genetic.PopulationSize = 0
	assert.NoError(t, cfg.Validate())
}

func TestValidator_CollectsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Array.Transport = "udp"
	cfg.Store.Driver = "etcd"
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs, 3)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestIsValidAddress(t *testing.T) {
	valid := []string{":7700", "localhost:7700", "127.0.0.1:80", "[::1]:8080", "worker-1.internal:http"}
	invalid := []string{"", "localhost", ":", "host:99999", "-bad-:80", "a..b:80"}

	for _, addr := range valid {
		assert.True(t, isValidAddress(addr), addr)
	}
	for _, addr := range invalid {
		assert.False(t, isValidAddress(addr), addr)
	}
}
