package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/kolejka/kolejka/internal/limits"
)

// Config holds the application configuration
type Config struct {
	LogLevel  string `mapstructure:"log_level"`  // debug, info, warn, error
	LogFormat string `mapstructure:"log_format"` // text, json

	// forkbomb
	ThreadLimit  int  `mapstructure:"thread_limit"`   // 0 = unbounded
	PinThreads   bool `mapstructure:"pin_threads"`    // one OS thread per loop
	MaxOSThreads int  `mapstructure:"max_os_threads"` // runtime/debug.SetMaxThreads, 0 = runtime default

	// rambomb
	ChunkSize     string `mapstructure:"chunk_size"`     // e.g. "1M"
	MemoryCeiling string `mapstructure:"memory_ceiling"` // "0" = unbounded
	Seed          uint64 `mapstructure:"seed"`           // 0 = time based

	// contained runs
	MaxCPUs   int           `mapstructure:"max_cpus"`
	MaxMemory string        `mapstructure:"max_memory"` // e.g. "512M"
	MaxPIDs   int           `mapstructure:"max_pids"`
	Timeout   time.Duration `mapstructure:"timeout"`

	AuditEnabled bool   `mapstructure:"audit_enabled"`
	AuditLogFile string `mapstructure:"audit_log_file"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("thread_limit", 0)
	v.SetDefault("pin_threads", true)
	v.SetDefault("max_os_threads", 0)
	v.SetDefault("chunk_size", "1M")
	v.SetDefault("memory_ceiling", "0")
	v.SetDefault("seed", 0)
	v.SetDefault("max_cpus", limits.DefaultCPUs)
	v.SetDefault("max_memory", limits.FormatMemory(limits.DefaultMemory))
	v.SetDefault("max_pids", limits.DefaultPIDs)
	v.SetDefault("timeout", limits.DefaultTime)
	v.SetDefault("audit_enabled", true)
	v.SetDefault("audit_log_file", filepath.Join(getHomeDir(), ".kolejka", "audit.log"))

	configDir := filepath.Join(getHomeDir(), ".kolejka")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	// The config file is optional; a malformed one is not.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("KOLEJKA")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.AuditLogFile = expandPath(cfg.AuditLogFile)

	return &cfg, nil
}

// Limits converts the contained run settings to limits
func (c *Config) Limits() (limits.Limits, error) {
	mem, err := limits.ParseMemory(c.MaxMemory)
	if err != nil {
		return limits.Limits{}, fmt.Errorf("max_memory: %w", err)
	}
	return limits.Limits{
		CPUs:   c.MaxCPUs,
		Memory: mem,
		PIDs:   c.MaxPIDs,
		Time:   c.Timeout,
	}, nil
}

// getHomeDir returns the user's home directory
func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home := getHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
