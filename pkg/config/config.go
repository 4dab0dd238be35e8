// Package config handles espresso configuration via environment variables and
// an optional YAML file.
//
// Values are resolved in order of increasing precedence: built-in defaults,
// the YAML file, ESPRESSO_* environment variables, then command-line flags
// (applied by the caller).
//
// Example Usage:
//
//	cfg, err := config.Load("./espresso.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//   - ESPRESSO_RELATION="capital"
//   - ESPRESSO_N_BEST=10
//   - ESPRESSO_START=1
//   - ESPRESSO_STOP=10
//   - ESPRESSO_KEEP_SEEDS=true
//   - ESPRESSO_RESET=true
//   - ESPRESSO_DATA_DIR="./data"
//   - ESPRESSO_IN_MEMORY=true
//   - ESPRESSO_SYNC_WRITES=true
//   - ESPRESSO_PMI_MATRIX="./pmi.tsv"
//   - ESPRESSO_PMI_CACHE_SIZE=100000
//   - ESPRESSO_LOG_LEVEL="info"
//   - ESPRESSO_LOG_FORMAT="text" or "json"
//   - ESPRESSO_METRICS_FILE="/var/lib/node_exporter/espresso.prom"
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all espresso settings.
//
// Configuration is organized into logical sections:
//   - Bootstrap: iteration range and promotion options
//   - Storage: candidate store location
//   - PMI: dpmi matrix and its cache
//   - Logging: level and format
//   - Metrics: Prometheus textfile export
type Config struct {
	// Relation is the default relation name; usually given on the command line.
	Relation string `yaml:"relation,omitempty"`

	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Storage   StorageConfig   `yaml:"storage"`
	PMI       PMIConfig       `yaml:"pmi"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// BootstrapConfig controls the promotion loop.
type BootstrapConfig struct {
	// N is the number of patterns and instances promoted per iteration.
	N int `yaml:"n_best"`
	// Start and Stop bound the iterations run, inclusive.
	Start int `yaml:"start"`
	Stop  int `yaml:"stop"`
	// Keep carries seeds and every promoted item into later iterations.
	Keep bool `yaml:"keep_seeds"`
	// Reset drops the relation's collections before running.
	Reset bool `yaml:"reset"`
}

// StorageConfig locates the candidate store.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	// InMemory runs without touching disk; results are lost at exit.
	InMemory   bool `yaml:"in_memory"`
	SyncWrites bool `yaml:"sync_writes"`
}

// PMIConfig locates the dpmi matrix.
type PMIConfig struct {
	MatrixPath string `yaml:"matrix,omitempty"`
	// CacheSize bounds the dpmi LRU; 0 disables caching.
	CacheSize int `yaml:"cache_size"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	// TextfilePath, when set, receives the run's metrics in Prometheus
	// text format at exit.
	TextfilePath string `yaml:"textfile,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Bootstrap: BootstrapConfig{
			N:     10,
			Start: 1,
			Stop:  10,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		PMI: PMIConfig{
			CacheSize: 100000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromEnv returns the defaults overridden by ESPRESSO_* variables.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML file on top of the defaults. Fields the file does
// not mention keep their default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path when it is non-empty, then applies the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// WriteFile saves the configuration as YAML.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyEnv() {
	c.Relation = getEnv("ESPRESSO_RELATION", c.Relation)

	c.Bootstrap.N = getEnvInt("ESPRESSO_N_BEST", c.Bootstrap.N)
	c.Bootstrap.Start = getEnvInt("ESPRESSO_START", c.Bootstrap.Start)
	c.Bootstrap.Stop = getEnvInt("ESPRESSO_STOP", c.Bootstrap.Stop)
	c.Bootstrap.Keep = getEnvBool("ESPRESSO_KEEP_SEEDS", c.Bootstrap.Keep)
	c.Bootstrap.Reset = getEnvBool("ESPRESSO_RESET", c.Bootstrap.Reset)

	c.Storage.DataDir = getEnv("ESPRESSO_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("ESPRESSO_IN_MEMORY", c.Storage.InMemory)
	c.Storage.SyncWrites = getEnvBool("ESPRESSO_SYNC_WRITES", c.Storage.SyncWrites)

	c.PMI.MatrixPath = getEnv("ESPRESSO_PMI_MATRIX", c.PMI.MatrixPath)
	c.PMI.CacheSize = getEnvInt("ESPRESSO_PMI_CACHE_SIZE", c.PMI.CacheSize)

	c.Logging.Level = getEnv("ESPRESSO_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("ESPRESSO_LOG_FORMAT", c.Logging.Format)

	c.Metrics.TextfilePath = getEnv("ESPRESSO_METRICS_FILE", c.Metrics.TextfilePath)
}

// Validate checks the configuration for errors.
//
// Returns nil if configuration is valid, or an error wrapping
// ErrInvalidConfig describing the first problem found.
func (c *Config) Validate() error {
	if c.Bootstrap.N <= 0 {
		return fmt.Errorf("%w: n_best must be positive, got %d", ErrInvalidConfig, c.Bootstrap.N)
	}
	if c.Bootstrap.Start < 1 {
		return fmt.Errorf("%w: start must be at least 1, got %d", ErrInvalidConfig, c.Bootstrap.Start)
	}
	if c.Bootstrap.Stop < c.Bootstrap.Start {
		return fmt.Errorf("%w: stop %d is before start %d", ErrInvalidConfig, c.Bootstrap.Stop, c.Bootstrap.Start)
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required unless in_memory is set", ErrInvalidConfig)
	}
	if c.PMI.CacheSize < 0 {
		return fmt.Errorf("%w: cache_size must not be negative, got %d", ErrInvalidConfig, c.PMI.CacheSize)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format must be text or json, got %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// String returns a one-line summary suitable for logging.
func (c *Config) String() string {
	store := c.Storage.DataDir
	if c.Storage.InMemory {
		store = "memory"
	}
	return fmt.Sprintf(
		"Config{Relation: %q, N: %d, Iterations: %d..%d, Keep: %v, Reset: %v, Store: %s, Cache: %d}",
		c.Relation, c.Bootstrap.N, c.Bootstrap.Start, c.Bootstrap.Stop,
		c.Bootstrap.Keep, c.Bootstrap.Reset, store, c.PMI.CacheSize,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}
