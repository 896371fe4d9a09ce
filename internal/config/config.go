package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
	TLS      TLSConfig      `yaml:"tls"`
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
	Backend             string        `yaml:"backend"`     // "auto" (default), "docker", or "containerd"
	DockerHost          string        `yaml:"docker_host"` // empty means DOCKER_HOST or the local socket
	ContainerdSocket    string        `yaml:"containerd_socket"`
	Namespace           string        `yaml:"namespace"`
	ImagePrefix         string        `yaml:"image_prefix"`
	AutoBuildImages     bool          `yaml:"auto_build_images"`
	BuildLogLines       int           `yaml:"build_log_lines"`
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	MaxTimeout          time.Duration `yaml:"max_timeout"`
	MaxConcurrent       int           `yaml:"max_concurrent"`
	MaxCodeBytes        int           `yaml:"max_code_bytes"`
	OutputLimitBytes    int           `yaml:"output_limit_bytes"`
	StopGrace           time.Duration `yaml:"stop_grace"`
	DrainWindow         time.Duration `yaml:"drain_window"`
	OrphanSweepInterval time.Duration `yaml:"orphan_sweep_interval"`
	OrphanMinAge        time.Duration `yaml:"orphan_min_age"`
	Seccomp             string        `yaml:"seccomp"` // "runtime-default" or "strict"
	Limits              LimitsConfig  `yaml:"limits"`
}

type LimitsConfig struct {
	MemoryMB    int64   `yaml:"memory_mb"`
	CPUQuota    float64 `yaml:"cpu_quota"` // fraction of one core
	PidsLimit   int64   `yaml:"pids_limit"`
	WorkspaceMB int64   `yaml:"workspace_mb"`
	TmpMB       int64   `yaml:"tmp_mb"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
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
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
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

// LoadOrDefault loads path when it exists and falls back to DefaultConfig
// otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", path).Msg("config file not found, using defaults")
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("checking config file: %w", err)
	}
	return Load(path)
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    75 * time.Second, // > max sandbox timeout + teardown
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20,
		},
		Sandbox: SandboxConfig{
			Backend:             "auto",
			ContainerdSocket:    "/run/containerd/containerd.sock",
			Namespace:           "sandbox",
			ImagePrefix:         "bug-ghost-sandbox",
			AutoBuildImages:     false,
			BuildLogLines:       20,
			DefaultTimeout:      10 * time.Second,
			MaxTimeout:          60 * time.Second,
			MaxConcurrent:       16,
			MaxCodeBytes:        1 << 20,
			OutputLimitBytes:    1 << 20,
			StopGrace:           1 * time.Second,
			DrainWindow:         2 * time.Second,
			OrphanSweepInterval: 5 * time.Minute,
			OrphanMinAge:        2 * time.Minute,
			Seccomp:             "runtime-default",
			Limits: LimitsConfig{
				MemoryMB:    256,
				CPUQuota:    0.5,
				PidsLimit:   128,
				WorkspaceMB: 64,
				TmpMB:       16,
			},
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
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
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.Backend {
	case "auto", "docker", "containerd":
	default:
		return fmt.Errorf("sandbox.backend must be auto, docker or containerd, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.DockerHost != "" && !strings.Contains(c.Sandbox.DockerHost, "://") {
		return fmt.Errorf("sandbox.docker_host %q must be a URL such as unix:///var/run/docker.sock or tcp://host:2376", c.Sandbox.DockerHost)
	}
	if c.Sandbox.ImagePrefix == "" {
		return fmt.Errorf("sandbox.image_prefix must not be empty")
	}
	if c.Sandbox.DefaultTimeout <= 0 {
		return fmt.Errorf("sandbox.default_timeout must be > 0")
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.OutputLimitBytes < 1024 {
		return fmt.Errorf("sandbox.output_limit_bytes must be >= 1024, got %d", c.Sandbox.OutputLimitBytes)
	}
	if c.Sandbox.BuildLogLines < 1 {
		return fmt.Errorf("sandbox.build_log_lines must be >= 1")
	}
	if c.Sandbox.StopGrace < 0 || c.Sandbox.StopGrace > 30*time.Second {
		return fmt.Errorf("sandbox.stop_grace must be 0-30s, got %s", c.Sandbox.StopGrace)
	}
	if c.Sandbox.Limits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.limits.memory_mb must be >= 16")
	}
	if c.Security.RateLimitRPS < 0 || c.Security.RateLimitBurst < 0 {
		return fmt.Errorf("security rate limits must not be negative")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
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
