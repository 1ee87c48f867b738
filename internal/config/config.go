package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Quota     QuotaConfig     `yaml:"quota"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
	Database  DatabaseConfig  `yaml:"database"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Security  SecurityConfig  `yaml:"security"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	ContainerdSocket string   `yaml:"containerd_socket"`
	Namespace        string   `yaml:"namespace"`
	Backends         []string `yaml:"backends"` // "auto", "containerd", "docker"; more than one enables balancing
	MaxConcurrent    int      `yaml:"max_concurrent"`
	WorkRoot         string   `yaml:"work_root"` // Host directory for per-environment workdirs; empty uses os.TempDir
	DiskMB           int64    `yaml:"disk_mb"`
	NoFile           int64    `yaml:"nofile"`
	LogExportBytes   int      `yaml:"log_export_bytes"`
	// AllowedImports overrides the per-language import allow-list. Languages
	// not listed keep their built-in defaults.
	AllowedImports map[string][]string `yaml:"allowed_imports"`
	// BlockCritical rejects code with critical escape-pattern detections
	// before the environment starts.
	BlockCritical bool `yaml:"block_critical"`
}

type MonitorConfig struct {
	Interval       time.Duration `yaml:"interval"`
	CPUPercent     float64       `yaml:"cpu_percent"`
	MemoryPercent  float64       `yaml:"memory_percent"`
	IOBytesPerSec  float64       `yaml:"io_bytes_per_sec"`
	NetBytesPerSec float64       `yaml:"net_bytes_per_sec"`
	Retention      time.Duration `yaml:"retention"`
}

// TierConfig describes one trust tier. Tiers are selected by the highest
// MinScore that does not exceed the caller's trust score.
type TierConfig struct {
	Name              string        `yaml:"name"`
	MinScore          float64       `yaml:"min_score"`
	CPUQuota          float64       `yaml:"cpu_quota"` // Fraction of one core
	MemoryMB          int64         `yaml:"memory_mb"`
	MaxPids           int64         `yaml:"max_pids"`
	MaxExecution      time.Duration `yaml:"max_execution"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	Cooldown          time.Duration `yaml:"cooldown"`
	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
}

type QuotaConfig struct {
	Tiers []TierConfig `yaml:"tiers"` // Empty uses the built-in four-tier table
	Slots string       `yaml:"slots"` // "memory" or "redis"
	Redis RedisConfig  `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	SlotTTL  time.Duration `yaml:"slot_ttl"`
}

type SchedulerConfig struct {
	MaxJobsPerBatch int           `yaml:"max_jobs_per_batch"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	Retry           RetryConfig   `yaml:"retry"`
	// Retention is how long finished batches stay in memory; zero keeps them.
	Retention time.Duration `yaml:"retention"`
}

// RetryConfig controls re-attempts of jobs whose environment could not be created.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Strategy    string        `yaml:"strategy"` // "linear" or "exponential"
}

type ArtifactConfig struct {
	VerifySignatures bool     `yaml:"verify_signatures"`
	PublicKeys       []string `yaml:"public_keys"` // base64-encoded ed25519 keys
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MinConns        int           `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	BufferSize      int           `yaml:"buffer_size"`
	Migrate         bool          `yaml:"migrate"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  4 << 20, // 4MB, batches carry several artifacts
		},
		Sandbox: SandboxConfig{
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "sandbox",
			Backends:         []string{"auto"},
			MaxConcurrent:    100,
			DiskMB:           100,
			NoFile:           100,
			LogExportBytes:   256 * 1024,
			BlockCritical:    true,
		},
		Monitor: MonitorConfig{
			Interval:       time.Second,
			CPUPercent:     80,
			MemoryPercent:  80,
			IOBytesPerSec:  100 * 1024 * 1024,
			NetBytesPerSec: 50 * 1024 * 1024,
			Retention:      time.Hour,
		},
		Quota: QuotaConfig{
			Slots: "memory",
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Prefix:  "governor",
				SlotTTL: 2 * time.Hour,
			},
		},
		Scheduler: SchedulerConfig{
			MaxJobsPerBatch: 50,
			MaxDelay:        10 * time.Minute,
			Retention:       time.Hour,
			Retry: RetryConfig{
				MaxAttempts: 3,
				Backoff:     time.Second,
				MaxBackoff:  30 * time.Second,
				Strategy:    "exponential",
			},
		},
		Artifact: ArtifactConfig{
			VerifySignatures: false,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			BufferSize:      10000,
			Migrate:         true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if len(c.Sandbox.Backends) == 0 {
		return fmt.Errorf("sandbox.backends must name at least one backend")
	}
	for _, b := range c.Sandbox.Backends {
		switch b {
		case "auto", "containerd", "docker":
		default:
			return fmt.Errorf("sandbox.backends: unknown backend %q", b)
		}
	}
	if c.Sandbox.WorkRoot != "" && !filepath.IsAbs(c.Sandbox.WorkRoot) {
		return fmt.Errorf("sandbox.work_root: %q must be an absolute path", c.Sandbox.WorkRoot)
	}
	if c.Sandbox.DiskMB < 1 {
		return fmt.Errorf("sandbox.disk_mb must be >= 1")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.Monitor.CPUPercent <= 0 || c.Monitor.MemoryPercent <= 0 {
		return fmt.Errorf("monitor cpu/memory thresholds must be positive")
	}
	switch c.Quota.Slots {
	case "memory":
	case "redis":
		if c.Quota.Redis.Addr == "" {
			return fmt.Errorf("quota.redis.addr is required when quota.slots is redis")
		}
	default:
		return fmt.Errorf("quota.slots must be memory or redis, got %q", c.Quota.Slots)
	}
	for i, t := range c.Quota.Tiers {
		if t.Name == "" {
			return fmt.Errorf("quota.tiers[%d]: name is required", i)
		}
		if t.MaxConcurrentJobs < 1 || t.MaxFailedAttempts < 1 {
			return fmt.Errorf("quota.tiers[%d]: max_concurrent_jobs and max_failed_attempts must be >= 1", i)
		}
	}
	if c.Scheduler.MaxJobsPerBatch < 1 {
		return fmt.Errorf("scheduler.max_jobs_per_batch must be >= 1")
	}
	if c.Scheduler.Retention < 0 {
		return fmt.Errorf("scheduler.retention must not be negative")
	}
	if c.Scheduler.Retry.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.retry.max_attempts must be >= 1")
	}
	switch strings.ToLower(c.Scheduler.Retry.Strategy) {
	case "linear", "exponential":
	default:
		return fmt.Errorf("scheduler.retry.strategy must be linear or exponential, got %q", c.Scheduler.Retry.Strategy)
	}
	if c.Artifact.VerifySignatures && len(c.Artifact.PublicKeys) == 0 {
		return fmt.Errorf("artifact.public_keys are required when verify_signatures is enabled")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
