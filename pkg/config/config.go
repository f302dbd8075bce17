package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foamflask/foamflask/pkg/aggregator"
	"github.com/foamflask/foamflask/pkg/field"
	"github.com/foamflask/foamflask/pkg/freshness"
	"github.com/foamflask/foamflask/pkg/log"
	"github.com/foamflask/foamflask/pkg/runtime"
)

// Config holds all foamflask configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cases     CasesConfig     `yaml:"cases"`
	Freshness FreshnessConfig `yaml:"freshness"`
	Watch     WatchConfig     `yaml:"watch"`
	Storage   StorageConfig   `yaml:"storage"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig controls the HTTP and gRPC listeners
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// GRPCHealthAddr serves grpc.health.v1 when set
	GRPCHealthAddr string        `yaml:"grpc_health_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// StreamInterval is how often a stream re-checks its case without a
	// watch event
	StreamInterval  time.Duration   `yaml:"stream_interval"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	AllowedNetworks []string        `yaml:"allowed_networks"`
}

// RateLimitConfig is a per-client token bucket; zero disables it
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CasesConfig controls case resolution and aggregation
type CasesConfig struct {
	Root      string `yaml:"root"`
	LogName   string `yaml:"log_name"`
	MaxPoints int    `yaml:"max_points"`
	MaxCases  int    `yaml:"max_cases"`
	Workers   int    `yaml:"workers"`
	// Reduction is how nonuniform fields become one value: mean or first
	Reduction      string `yaml:"reduction"`
	FieldCacheSize int    `yaml:"field_cache_size"`
}

// FreshnessConfig is the directory sampling policy for large cases
type FreshnessConfig struct {
	Probability   float64 `yaml:"probability"`
	LargeCaseDirs int     `yaml:"large_case_dirs"`
}

// WatchConfig controls the filesystem watcher
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// StorageConfig controls persistence
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// RuntimeConfig controls the container executor
type RuntimeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
	Image     string `yaml:"image"`
	Bashrc    string `yaml:"bashrc"`
}

// LogConfig controls logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8000",
			RequestTimeout: 30 * time.Second,
			StreamInterval: 2 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 20,
				Burst:             40,
			},
		},
		Cases: CasesConfig{
			Root:           "run",
			LogName:        freshness.DefaultLogName,
			MaxPoints:      500,
			MaxCases:       aggregator.DefaultMaxCases,
			Workers:        aggregator.DefaultWorkers,
			Reduction:      "mean",
			FieldCacheSize: field.DefaultCacheSize,
		},
		Freshness: FreshnessConfig{
			Probability:   freshness.DefaultProbability,
			LargeCaseDirs: freshness.DefaultLargeCaseDirs,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 250 * time.Millisecond,
		},
		Storage: StorageConfig{
			DataDir: "data",
		},
		Runtime: RuntimeConfig{
			Socket:    runtime.DefaultSocketPath,
			Namespace: runtime.DefaultNamespace,
			Image:     "opencfd/openfoam-default:2406",
			Bashrc:    runtime.DefaultBashrc,
		},
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
	}
}

// Load reads a YAML file over the defaults, then applies FOAMFLASK_*
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("FOAMFLASK_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("FOAMFLASK_CASE_ROOT"); v != "" {
		c.Cases.Root = v
	}
	if v := os.Getenv("FOAMFLASK_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("FOAMFLASK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("FOAMFLASK_MAX_POINTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FOAMFLASK_MAX_POINTS: %w", err)
		}
		c.Cases.MaxPoints = n
	}
	return nil
}

// Validate rejects settings the server cannot start with
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Cases.Root == "" {
		errs = append(errs, errors.New("cases.root is required"))
	}
	if c.Cases.MaxPoints < 0 {
		errs = append(errs, errors.New("cases.max_points must not be negative"))
	}
	if _, err := field.ParseReduction(c.Cases.Reduction); err != nil {
		errs = append(errs, fmt.Errorf("cases.reduction: %w", err))
	}
	if p := c.Freshness.Probability; p < 0 || p > 1 {
		errs = append(errs, errors.New("freshness.probability must be within [0, 1]"))
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	return errors.Join(errs...)
}

// CaseRoot returns the absolute case root
func (c *Config) CaseRoot() (string, error) {
	return filepath.Abs(c.Cases.Root)
}

// Reduction returns the parsed reduction policy
func (c *Config) Reduction() field.Reduction {
	r, _ := field.ParseReduction(c.Cases.Reduction)
	return r
}
