package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SANDBOX_"

// Defaults are the resource and hardening settings applied to every sandbox container.
type Defaults struct {
	CPULimit        float64 `yaml:"cpu_limit"`
	MemoryLimit     string  `yaml:"memory_limit"`
	PidsLimit       int     `yaml:"pids_limit"`
	TmpfsSizeMB     int     `yaml:"tmpfs_size_mb"`
	NetworkDisabled bool    `yaml:"network_disabled"`
	ReadonlyRootfs  bool    `yaml:"readonly_rootfs"`
	FileOwnerUID    int     `yaml:"file_owner_uid"`
}

type Limits struct {
	ExecTimeoutSeconds    int   `yaml:"exec_timeout_s"`
	MaxExecTimeoutSeconds int   `yaml:"max_exec_timeout_s"`
	MaxOutputBytes        int   `yaml:"max_output_bytes"`
	MaxCodeBytes          int   `yaml:"max_code_bytes"`
	MaxUploadBytes        int64 `yaml:"max_upload_bytes"`
	MaxArtifactReadBytes  int64 `yaml:"max_artifact_read_bytes"`
	MaxDownloadBytes      int64 `yaml:"max_download_bytes"`
}

type HTTPConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Host            string  `yaml:"host"`
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_s"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
	File   string `yaml:"file"`   // empty means stderr
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
}

type Config struct {
	Image             string        `yaml:"image"`
	DataDir           string        `yaml:"data_dir"`
	ExecCommand       []string      `yaml:"exec_command"`
	MaxSessions       int           `yaml:"max_sessions"`
	SessionTTLMinutes int           `yaml:"session_ttl_m"`
	CleanupSchedule   string        `yaml:"cleanup_schedule"`
	Defaults          Defaults      `yaml:"defaults"`
	Limits            Limits        `yaml:"limits"`
	HTTP              HTTPConfig    `yaml:"http"`
	Log               LogConfig     `yaml:"log"`
	Tracing           TracingConfig `yaml:"tracing"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Image:             "llm-sandbox:latest",
		DataDir:           "/mnt/data",
		ExecCommand:       []string{"python", "-c"},
		MaxSessions:       10,
		SessionTTLMinutes: 30,
		CleanupSchedule:   "@every 5m",
		Defaults: Defaults{
			CPULimit:        1.0,
			MemoryLimit:     "512m",
			PidsLimit:       256,
			TmpfsSizeMB:     64,
			NetworkDisabled: true,
			ReadonlyRootfs:  true,
			FileOwnerUID:    1000,
		},
		Limits: Limits{
			ExecTimeoutSeconds:    60,
			MaxExecTimeoutSeconds: 300,
			MaxOutputBytes:        100 * 1024,
			MaxCodeBytes:          100 * 1024,
			MaxUploadBytes:        50 * 1024 * 1024,
			MaxArtifactReadBytes:  10 * 1024 * 1024,
			MaxDownloadBytes:      100 * 1024 * 1024,
		},
		HTTP: HTTPConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            8080,
			RateLimitPerSec: 20,
			RateLimitBurst:  40,
			MetricsEnabled:  true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "logs/sandbox.log",
		},
		Tracing: TracingConfig{
			SampleRate:  1.0,
			ServiceName: "codesandbox",
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile exports the variables in a dotenv file so the SANDBOX_*
// overrides in Load see them. Variables already set in the environment win.
// An empty path means ".env", which may be absent.
func LoadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the session manager cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Image == "" {
		errs = append(errs, errors.New("image must not be empty"))
	}
	if !strings.HasPrefix(c.DataDir, "/") {
		errs = append(errs, fmt.Errorf("data_dir must be absolute, got %q", c.DataDir))
	}
	if len(c.ExecCommand) == 0 {
		errs = append(errs, errors.New("exec_command must not be empty"))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, errors.New("max_sessions must be positive"))
	}
	if c.SessionTTLMinutes <= 0 {
		errs = append(errs, errors.New("session_ttl_m must be positive"))
	}
	if c.Limits.ExecTimeoutSeconds <= 0 || c.Limits.MaxExecTimeoutSeconds < c.Limits.ExecTimeoutSeconds {
		errs = append(errs, errors.New("exec_timeout_s must be positive and not exceed max_exec_timeout_s"))
	}
	if c.Limits.MaxOutputBytes <= 0 || c.Limits.MaxCodeBytes <= 0 {
		errs = append(errs, errors.New("max_output_bytes and max_code_bytes must be positive"))
	}
	if c.Limits.MaxUploadBytes <= 0 || c.Limits.MaxArtifactReadBytes <= 0 || c.Limits.MaxDownloadBytes <= 0 {
		errs = append(errs, errors.New("upload, artifact read and download limits must be positive"))
	}
	if _, err := c.MemoryBytes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Schedule(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// MemoryBytes parses the container memory limit ("512m", "1g").
func (c *Config) MemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Defaults.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("memory_limit %q: %w", c.Defaults.MemoryLimit, err)
	}
	return n, nil
}

// Schedule parses CleanupSchedule. Standard five-field specs and descriptors
// such as "@every 5m" are accepted.
func (c *Config) Schedule() (cron.Schedule, error) {
	sched, err := cron.ParseStandard(c.CleanupSchedule)
	if err != nil {
		return nil, fmt.Errorf("cleanup_schedule %q: %w", c.CleanupSchedule, err)
	}
	return sched, nil
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Limits.ExecTimeoutSeconds) * time.Second
}

func (c *Config) MaxExecTimeout() time.Duration {
	return time.Duration(c.Limits.MaxExecTimeoutSeconds) * time.Second
}

// ListenAddr is the address the download server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// DownloadBaseURL is the externally reachable prefix for artifact downloads,
// or "" when the download server is disabled.
func (c *Config) DownloadBaseURL() string {
	if !c.HTTP.Enabled {
		return ""
	}
	host := c.HTTP.Host
	if host == "" || host == "0.0.0.0" || host == "127.0.0.1" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.HTTP.Port)) + "/files"
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "IMAGE"); v != "" {
		cfg.Image = v
	}
	if v := os.Getenv(envPrefix + "DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envPrefix + "EXEC_COMMAND"); v != "" {
		cfg.ExecCommand = strings.Fields(v)
	}
	if v := os.Getenv(envPrefix + "MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv(envPrefix + "SESSION_TTL_M"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTTLMinutes = n
		}
	}
	if v := os.Getenv(envPrefix + "CLEANUP_SCHEDULE"); v != "" {
		cfg.CleanupSchedule = v
	}
	// Kept for compatibility with deployments that only know the interval form.
	if v := os.Getenv(envPrefix + "CLEANUP_INTERVAL_M"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CleanupSchedule = fmt.Sprintf("@every %dm", n)
		}
	}
	if v := os.Getenv(envPrefix + "CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Defaults.CPULimit = f
		}
	}
	if v := os.Getenv(envPrefix + "MEMORY_LIMIT"); v != "" {
		cfg.Defaults.MemoryLimit = v
	}
	if v := os.Getenv(envPrefix + "PIDS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.PidsLimit = n
		}
	}
	if v := os.Getenv(envPrefix + "NETWORK_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Defaults.NetworkDisabled = b
		}
	}
	if v := os.Getenv(envPrefix + "EXEC_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.ExecTimeoutSeconds = n
		}
	}
	if v := os.Getenv(envPrefix + "MAX_EXEC_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxExecTimeoutSeconds = n
		}
	}
	if v := os.Getenv(envPrefix + "MAX_OUTPUT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxOutputBytes = n
		}
	}
	if v := os.Getenv(envPrefix + "MAX_CODE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxCodeBytes = n
		}
	}
	if v := os.Getenv(envPrefix + "MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Limits.MaxUploadBytes = n
		}
	}
	if v := os.Getenv(envPrefix + "MAX_ARTIFACT_READ_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Limits.MaxArtifactReadBytes = n
		}
	}
	if v := os.Getenv(envPrefix + "MAX_DOWNLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Limits.MaxDownloadBytes = n
		}
	}
	if v := os.Getenv(envPrefix + "HTTP_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HTTP.Enabled = b
		}
	}
	if v := os.Getenv(envPrefix + "HTTP_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	if v := os.Getenv(envPrefix + "HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = n
		}
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv(envPrefix + "LOG_FILE"); ok {
		cfg.Log.File = v
	}
	if v := os.Getenv(envPrefix + "TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}
	if v := os.Getenv(envPrefix + "TRACING_INSECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracing.Insecure = b
		}
	}
}
