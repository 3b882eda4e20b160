package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Storage backend types
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Source types
const (
	SourceCIDR = "cidr"
	SourceHTTP = "http"
)

// Messaging service types
const (
	MessagingLocal = "local"
	MessagingP2P   = "p2p"
	MessagingRedis = "redis"
)

// Config holds all configuration settings for the node
type Config struct {
	Environment   string            `mapstructure:"environment"`
	LogLevel      string            `mapstructure:"log_level"`
	Debug         bool              `mapstructure:"debug"`
	Threads       int               `mapstructure:"threads"`
	Log           LogConfig         `mapstructure:"log"`
	Algorithm     AlgorithmConfig   `mapstructure:"algorithm"`
	Cache         CacheConfig       `mapstructure:"cache"`
	Storage       []StorageConfig   `mapstructure:"storage"`
	Sources       []SourceConfig    `mapstructure:"sources"`
	PlayerSources []SourceConfig    `mapstructure:"player_sources"`
	Messaging     MessagingConfig   `mapstructure:"messaging"`
	P2P           P2PConfig         `mapstructure:"p2p"`
	Redis         RedisConfig       `mapstructure:"redis"`
	Metrics       MetricsConfig     `mapstructure:"metrics"`
	Maintenance   MaintenanceConfig `mapstructure:"maintenance"`
	API           APIConfig         `mapstructure:"api"`
}

// LogConfig holds log file settings
type LogConfig struct {
	OutputPath string `mapstructure:"output_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// AlgorithmConfig selects how VPN verdicts are computed
type AlgorithmConfig struct {
	Method           string        `mapstructure:"method"`
	MinConsensus     float64       `mapstructure:"min_consensus"`
	ConsensusTimeout time.Duration `mapstructure:"consensus_timeout"`
	SourceTimeout    time.Duration `mapstructure:"source_timeout"`
}

// CacheConfig holds cache lifetimes
type CacheConfig struct {
	// SourceTime is how long a stored verdict stays fresh.
	SourceTime time.Duration `mapstructure:"source_time"`
	// ResultTime is the in-memory result cache TTL.
	ResultTime time.Duration `mapstructure:"result_time"`
	MaxEntries uint32        `mapstructure:"max_entries"`
}

// StorageConfig describes one storage backend. Order matters: the first entry is primary.
type StorageConfig struct {
	Name     string         `mapstructure:"name"`
	Type     string         `mapstructure:"type"`
	URL      string         `mapstructure:"url"`
	MaxConns int            `mapstructure:"max_conns"`
	Addr     string         `mapstructure:"addr"`
	Password string         `mapstructure:"password"`
	DB       int            `mapstructure:"db"`
	Prefix   string         `mapstructure:"prefix"`
	Embedded EmbeddedConfig `mapstructure:"embedded"`
}

// EmbeddedConfig runs a local postgres server for a postgres backend
type EmbeddedConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        uint32 `mapstructure:"port"`
	RuntimePath string `mapstructure:"runtime_path"`
}

// SourceConfig describes one reputation source
type SourceConfig struct {
	Name    string        `mapstructure:"name"`
	Type    string        `mapstructure:"type"`
	CIDRs   []string      `mapstructure:"cidrs"`
	URL     string        `mapstructure:"url"`
	Field   string        `mapstructure:"field"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MessagingConfig holds cross-node messaging settings
type MessagingConfig struct {
	ServerID      string          `mapstructure:"server_id"`
	Secret        string          `mapstructure:"secret"`
	FlushInterval time.Duration   `mapstructure:"flush_interval"`
	Services      []ServiceConfig `mapstructure:"services"`
}

// ServiceConfig describes one messaging transport
type ServiceConfig struct {
	Name    string `mapstructure:"name"`
	Type    string `mapstructure:"type"`
	Channel string `mapstructure:"channel"`
}

// P2PConfig holds libp2p transport configuration
type P2PConfig struct {
	Port           int      `mapstructure:"port"`
	Topic          string   `mapstructure:"topic"`
	KeyFile        string   `mapstructure:"key_file"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
	MDNS           bool     `mapstructure:"mdns"`
	DHT            bool     `mapstructure:"dht"`
}

// RedisConfig holds the redis connection used by the redis messaging service
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MetricsConfig holds prometheus settings
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Listen    string `mapstructure:"listen"`
}

// APIConfig holds the HTTP API settings
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Listen         string   `mapstructure:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MaintenanceConfig holds cron schedules for housekeeping tasks
type MaintenanceConfig struct {
	EvictionSchedule string `mapstructure:"eviction_schedule"`
	StatsSchedule    string `mapstructure:"stats_schedule"`
	MaxConcurrent    int    `mapstructure:"max_concurrent"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default configuration values
	setDefaults(v)

	// Read the config file
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, will rely on defaults and env vars
	}

	// Override with environment variables
	v.SetEnvPrefix("AVPN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyListDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration populated with defaults only
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	applyListDefaults(cfg)
	return cfg
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	// General defaults
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)
	v.SetDefault("threads", 4)

	// Log file defaults
	v.SetDefault("log.output_path", "logs/anti-vpn.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)

	// Algorithm defaults
	v.SetDefault("algorithm.method", "cascade")
	v.SetDefault("algorithm.min_consensus", 0.6)
	v.SetDefault("algorithm.consensus_timeout", "20s")
	v.SetDefault("algorithm.source_timeout", "10s")

	// Cache defaults
	v.SetDefault("cache.source_time", "6h")
	v.SetDefault("cache.result_time", "1m")
	v.SetDefault("cache.max_entries", 100000)

	// Messaging defaults
	v.SetDefault("messaging.flush_interval", "1s")

	// P2P defaults
	v.SetDefault("p2p.port", 4001)
	v.SetDefault("p2p.topic", "anti-vpn")
	v.SetDefault("p2p.key_file", "data/keys/node.key")
	v.SetDefault("p2p.mdns", true)
	v.SetDefault("p2p.dht", false)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "antivpn")
	v.SetDefault("metrics.listen", ":9102")

	// Maintenance defaults
	v.SetDefault("maintenance.eviction_schedule", "@every 1m")
	v.SetDefault("maintenance.stats_schedule", "@every 5m")
	v.SetDefault("maintenance.max_concurrent", 2)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
}

// applyListDefaults fills defaults viper cannot express for lists of structs
func applyListDefaults(cfg *Config) {
	if len(cfg.Storage) == 0 {
		cfg.Storage = []StorageConfig{{Name: "memory", Type: StorageMemory}}
	}
	for i := range cfg.Storage {
		s := &cfg.Storage[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("%s-%d", s.Type, i)
		}
		if s.Type == StoragePostgres && s.MaxConns == 0 {
			s.MaxConns = 10
		}
		if s.Type == StorageRedis && s.Prefix == "" {
			s.Prefix = "avpn:"
		}
		if s.Embedded.Enabled {
			if s.Embedded.Port == 0 {
				s.Embedded.Port = 5433
			}
			if s.Embedded.RuntimePath == "" {
				s.Embedded.RuntimePath = "data/postgres"
			}
		}
	}
	for i := range cfg.Messaging.Services {
		svc := &cfg.Messaging.Services[i]
		if svc.Name == "" {
			svc.Name = svc.Type
		}
		if svc.Type == MessagingRedis && svc.Channel == "" {
			svc.Channel = "anti-vpn"
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Threads <= 0 {
		return fmt.Errorf("threads must be positive")
	}

	if err := c.validateAlgorithm(); err != nil {
		return fmt.Errorf("algorithm config: %w", err)
	}

	if err := c.validateCache(); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}

	if err := c.validateStorage(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := validateSources(c.Sources); err != nil {
		return fmt.Errorf("sources config: %w", err)
	}

	if err := validateSources(c.PlayerSources); err != nil {
		return fmt.Errorf("player_sources config: %w", err)
	}

	if err := c.validateMessaging(); err != nil {
		return fmt.Errorf("messaging config: %w", err)
	}

	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api config: listen cannot be empty")
	}

	return nil
}

func (c *Config) validateAlgorithm() error {
	switch strings.ToLower(c.Algorithm.Method) {
	case "cascade", "consensus":
	default:
		return fmt.Errorf("unknown method %q", c.Algorithm.Method)
	}

	if c.Algorithm.MinConsensus < 0 || c.Algorithm.MinConsensus > 1 {
		return fmt.Errorf("min_consensus must be between 0 and 1")
	}

	if c.Algorithm.ConsensusTimeout <= 0 {
		return fmt.Errorf("consensus_timeout must be positive")
	}

	if c.Algorithm.SourceTimeout < 0 {
		return fmt.Errorf("source_timeout cannot be negative")
	}

	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.ResultTime <= 0 {
		return fmt.Errorf("result_time must be positive")
	}
	if c.Cache.SourceTime < 0 {
		return fmt.Errorf("source_time cannot be negative")
	}
	if c.Cache.MaxEntries == 0 {
		return fmt.Errorf("max_entries must be positive")
	}
	return nil
}

func (c *Config) validateStorage() error {
	seen := make(map[string]bool, len(c.Storage))
	for _, s := range c.Storage {
		if seen[s.Name] {
			return fmt.Errorf("duplicate backend name %q", s.Name)
		}
		seen[s.Name] = true

		switch s.Type {
		case StorageMemory:
		case StoragePostgres:
			if s.URL == "" && !s.Embedded.Enabled {
				return fmt.Errorf("backend %q: url cannot be empty", s.Name)
			}
			if s.MaxConns <= 0 {
				return fmt.Errorf("backend %q: max_conns must be positive", s.Name)
			}
		case StorageRedis:
			if s.Addr == "" {
				return fmt.Errorf("backend %q: addr cannot be empty", s.Name)
			}
		default:
			return fmt.Errorf("backend %q: unknown type %q", s.Name, s.Type)
		}
	}
	return nil
}

func validateSources(sources []SourceConfig) error {
	seen := make(map[string]bool, len(sources))
	for _, s := range sources {
		if s.Name == "" {
			return fmt.Errorf("source name cannot be empty")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate source name %q", s.Name)
		}
		seen[s.Name] = true

		switch s.Type {
		case SourceCIDR:
			if len(s.CIDRs) == 0 {
				return fmt.Errorf("source %q: cidrs cannot be empty", s.Name)
			}
		case SourceHTTP:
			if s.URL == "" {
				return fmt.Errorf("source %q: url cannot be empty", s.Name)
			}
			if s.Field == "" {
				return fmt.Errorf("source %q: field cannot be empty", s.Name)
			}
		default:
			return fmt.Errorf("source %q: unknown type %q", s.Name, s.Type)
		}
	}
	return nil
}

func (c *Config) validateMessaging() error {
	if c.Messaging.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}

	seen := make(map[string]bool, len(c.Messaging.Services))
	for _, svc := range c.Messaging.Services {
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true

		switch svc.Type {
		case MessagingLocal:
		case MessagingP2P:
			if c.P2P.Port < 0 || c.P2P.Port > 65535 {
				return fmt.Errorf("invalid port number: %d", c.P2P.Port)
			}
			if c.P2P.Topic == "" {
				return fmt.Errorf("p2p topic cannot be empty")
			}
			if c.P2P.KeyFile != "" && !filepath.IsAbs(c.P2P.KeyFile) {
				c.P2P.KeyFile = filepath.Clean(c.P2P.KeyFile)
			}
		case MessagingRedis:
			if c.Redis.Addr == "" {
				return fmt.Errorf("redis addr cannot be empty")
			}
		default:
			return fmt.Errorf("service %q: unknown type %q", svc.Name, svc.Type)
		}
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
