package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := []byte(`
environment: production
log_level: debug
threads: 8
algorithm:
  method: consensus
  min_consensus: 0.75
  consensus_timeout: 15s
cache:
  source_time: 1h
  result_time: 2m
storage:
  - name: primary
    type: memory
  - name: shared
    type: redis
    addr: localhost:6379
sources:
  - name: blocklist
    type: cidr
    cidrs: ["10.0.0.0/8"]
  - name: remote
    type: http
    url: https://example.test/check/{subject}
    field: proxy
messaging:
  flush_interval: 500ms
  services:
    - type: p2p
p2p:
  port: 4101
`)

	err := os.WriteFile(configPath, configContent, 0644)
	require.NoError(t, err)

	t.Run("LoadValidConfig", func(t *testing.T) {
		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.NotNil(t, cfg)

		assert.Equal(t, "production", cfg.Environment)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 8, cfg.Threads)
		assert.Equal(t, "consensus", cfg.Algorithm.Method)
		assert.Equal(t, 0.75, cfg.Algorithm.MinConsensus)
		assert.Equal(t, 15*time.Second, cfg.Algorithm.ConsensusTimeout)
		assert.Equal(t, time.Hour, cfg.Cache.SourceTime)
		assert.Equal(t, 2*time.Minute, cfg.Cache.ResultTime)
		assert.Equal(t, 500*time.Millisecond, cfg.Messaging.FlushInterval)
		assert.Equal(t, 4101, cfg.P2P.Port)

		require.Len(t, cfg.Storage, 2)
		assert.Equal(t, "primary", cfg.Storage[0].Name)
		assert.Equal(t, "avpn:", cfg.Storage[1].Prefix)

		require.Len(t, cfg.Sources, 2)
		assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Sources[0].CIDRs)

		require.Len(t, cfg.Messaging.Services, 1)
		assert.Equal(t, "p2p", cfg.Messaging.Services[0].Name)
	})

	t.Run("EnvironmentOverride", func(t *testing.T) {
		t.Setenv("AVPN_LOG_LEVEL", "error")

		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "error", cfg.LogLevel)
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		invalidPath := filepath.Join(tmpDir, "invalid.yaml")
		err := os.WriteFile(invalidPath, []byte("invalid: [yaml: syntax"), 0644)
		require.NoError(t, err)

		cfg, err := Load(invalidPath)
		assert.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("DefaultValues", func(t *testing.T) {
		cfg, err := Load(filepath.Join(tmpDir, "nonexistent.yaml"))
		require.NoError(t, err)
		assert.NotNil(t, cfg)

		assert.Equal(t, "development", cfg.Environment)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, "cascade", cfg.Algorithm.Method)
		assert.Equal(t, 20*time.Second, cfg.Algorithm.ConsensusTimeout)
		require.Len(t, cfg.Storage, 1)
		assert.Equal(t, StorageMemory, cfg.Storage[0].Type)
		assert.True(t, cfg.API.Enabled)
		assert.Equal(t, ":8080", cfg.API.Listen)
	})
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name         string
		modifyConfig func(*Config)
		wantErr      bool
		errSubstr    string
	}{
		{
			name:         "ValidConfig",
			modifyConfig: func(c *Config) {},
			wantErr:      false,
		},
		{
			name: "InvalidThreads",
			modifyConfig: func(c *Config) {
				c.Threads = 0
			},
			wantErr:   true,
			errSubstr: "threads",
		},
		{
			name: "UnknownMethod",
			modifyConfig: func(c *Config) {
				c.Algorithm.Method = "majority"
			},
			wantErr:   true,
			errSubstr: "unknown method",
		},
		{
			name: "InvalidConsensus",
			modifyConfig: func(c *Config) {
				c.Algorithm.MinConsensus = 1.5
			},
			wantErr:   true,
			errSubstr: "min_consensus",
		},
		{
			name: "InvalidResultTime",
			modifyConfig: func(c *Config) {
				c.Cache.ResultTime = 0
			},
			wantErr:   true,
			errSubstr: "result_time",
		},
		{
			name: "PostgresWithoutURL",
			modifyConfig: func(c *Config) {
				c.Storage = []StorageConfig{{Name: "pg", Type: StoragePostgres, MaxConns: 5}}
			},
			wantErr:   true,
			errSubstr: "url cannot be empty",
		},
		{
			name: "DuplicateBackend",
			modifyConfig: func(c *Config) {
				c.Storage = []StorageConfig{
					{Name: "a", Type: StorageMemory},
					{Name: "a", Type: StorageMemory},
				}
			},
			wantErr:   true,
			errSubstr: "duplicate backend",
		},
		{
			name: "HTTPSourceWithoutField",
			modifyConfig: func(c *Config) {
				c.Sources = []SourceConfig{{Name: "x", Type: SourceHTTP, URL: "http://x"}}
			},
			wantErr:   true,
			errSubstr: "field cannot be empty",
		},
		{
			name: "UnknownService",
			modifyConfig: func(c *Config) {
				c.Messaging.Services = []ServiceConfig{{Name: "x", Type: "carrier-pigeon"}}
			},
			wantErr:   true,
			errSubstr: "unknown type",
		},
		{
			name: "APIWithoutListen",
			modifyConfig: func(c *Config) {
				c.API.Listen = ""
			},
			wantErr:   true,
			errSubstr: "listen cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modifyConfig(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestGetLogLevel(t *testing.T) {
	cfg := Default()

	cfg.LogLevel = "warn"
	assert.Equal(t, "warn", cfg.GetLogLevel().String())

	cfg.LogLevel = "bogus"
	assert.Equal(t, "info", cfg.GetLogLevel().String())
}
