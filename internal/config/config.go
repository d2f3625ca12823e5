package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime knob for a single extraction session.
// Values come from defaults, then an optional config file, then
// DLEXTRACT_* environment variables, then CLI flags.
type Config struct {
	// Remote stream tuning
	ChunkSize      int64         `mapstructure:"chunk_size"`       // aligned range-request block
	TailSize       int64         `mapstructure:"tail_size"`        // pinned tail block size
	CacheSize      int64         `mapstructure:"cache_size"`       // window cache quota in bytes
	MaxRetries     int           `mapstructure:"max_retries"`      // transient error attempts
	RetryDelay     time.Duration `mapstructure:"retry_delay"`      // initial backoff
	RequestTimeout time.Duration `mapstructure:"request_timeout"`  // per-request timeout
	RequestsPerSec int           `mapstructure:"requests_per_sec"` // 0 = unlimited
	UserAgent      string        `mapstructure:"user_agent"`

	// Extraction
	Workers   int    `mapstructure:"workers"`
	Overwrite bool   `mapstructure:"overwrite"`
	KeepGoing bool   `mapstructure:"keep_going"`
	Output    string `mapstructure:"output"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

var (
	instance *Config
	once     sync.Once
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("chunk_size", 64*1024)
	v.SetDefault("tail_size", 128*1024)
	v.SetDefault("cache_size", 16*1024*1024)
	v.SetDefault("max_retries", 4)
	v.SetDefault("retry_delay", time.Second)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("requests_per_sec", 0)
	v.SetDefault("user_agent", "dlextract/1.0")
	v.SetDefault("workers", 1)
	v.SetDefault("overwrite", false)
	v.SetDefault("keep_going", false)
	v.SetDefault("output", "extracted")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
}

// Load reads configuration from the given file (may be empty) plus the
// environment and returns the resulting Config. The first successful Load
// becomes the package singleton returned by Get.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DLEXTRACT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	once.Do(func() { instance = cfg })
	return cfg, nil
}

// Get returns the loaded configuration, loading defaults if Load was never called.
func Get() *Config {
	once.Do(func() {
		cfg, err := Load("")
		if err != nil {
			panic(err)
		}
		instance = cfg
	})
	return instance
}

func (c *Config) validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.TailSize <= 0 {
		return fmt.Errorf("tail_size must be positive, got %d", c.TailSize)
	}
	if c.CacheSize < c.ChunkSize {
		return fmt.Errorf("cache_size (%d) must hold at least one chunk (%d)", c.CacheSize, c.ChunkSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	return nil
}
