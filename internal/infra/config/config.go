package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "whisperlink.yaml"

// Config is the top-level application configuration.
type Config struct {
	Worker        WorkerConfig        `yaml:"worker"`
	Bridge        BridgeConfig        `yaml:"bridge"`
	Sync          SyncConfig          `yaml:"sync"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logger        LoggerConfig        `yaml:"logger"`
	Tracer        TracerConfig        `yaml:"tracer"`
}

// WorkerConfig describes how the worker process is spawned and supervised.
type WorkerConfig struct {
	Command         string            `yaml:"command"`
	Args            []string          `yaml:"args"`
	WorkDir         string            `yaml:"work_dir"`
	Env             map[string]string `yaml:"env,omitempty"`
	SettleDelay     time.Duration     `yaml:"settle_delay"`
	TerminateGrace  time.Duration     `yaml:"terminate_grace"`
	RestartDelay    time.Duration     `yaml:"restart_delay"`
	LivenessTimeout time.Duration     `yaml:"liveness_timeout"`
	StderrBufferMax int               `yaml:"stderr_buffer_max"`
}

// EnvList returns Env as sorted KEY=VALUE entries.
func (w WorkerConfig) EnvList() []string {
	out := make([]string, 0, len(w.Env))
	for k, v := range w.Env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

// BridgeConfig holds command client and framing settings.
type BridgeConfig struct {
	CommandTimeout     time.Duration `yaml:"command_timeout"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	DefaultAttempts    int           `yaml:"default_attempts"`
	LivenessAttempts   int           `yaml:"liveness_attempts"`
	MaxFrameBytes      int           `yaml:"max_frame_bytes"`
	RateLimit          float64       `yaml:"rate_limit"`
	RateBurst          int           `yaml:"rate_burst"`
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`
}

// SyncConfig holds polling settings.
type SyncConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// NotificationsConfig holds default display durations per severity.
type NotificationsConfig struct {
	Info    time.Duration `yaml:"info"`
	Success time.Duration `yaml:"success"`
	Warning time.Duration `yaml:"warning"`
	Error   time.Duration `yaml:"error"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Worker: WorkerConfig{
			Command:         "python3",
			Args:            []string{"python_bridge.py"},
			SettleDelay:     500 * time.Millisecond,
			TerminateGrace:  5 * time.Second,
			RestartDelay:    1 * time.Second,
			LivenessTimeout: 3 * time.Second,
			StderrBufferMax: 64 * 1024,
		},
		Bridge: BridgeConfig{
			CommandTimeout:     15 * time.Second,
			RetryBaseDelay:     200 * time.Millisecond,
			RetryMaxDelay:      2 * time.Second,
			DefaultAttempts:    3,
			LivenessAttempts:   1,
			MaxFrameBytes:      4 * 1024 * 1024,
			RateLimit:          100,
			RateBurst:          20,
			BreakerMaxFailures: 5,
			BreakerTimeout:     10 * time.Second,
		},
		Sync: SyncConfig{
			PollInterval:    2 * time.Second,
			RefreshInterval: 2 * time.Second,
		},
		Notifications: NotificationsConfig{
			Info:    3 * time.Second,
			Success: 3 * time.Second,
			Warning: 5 * time.Second,
			Error:   6 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "auto",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error: defaults plus overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// A relative work_dir is resolved against the config file's directory.
	if cfg.Worker.WorkDir != "" && !filepath.IsAbs(cfg.Worker.WorkDir) {
		cfg.Worker.WorkDir = filepath.Join(filepath.Dir(absPath), cfg.Worker.WorkDir)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps WHISPERLINK_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WHISPERLINK_WORKER_COMMAND"); v != "" {
		cfg.Worker.Command = v
	}
	if v, ok := os.LookupEnv("WHISPERLINK_WORKER_ARGS"); ok {
		if strings.TrimSpace(v) == "" {
			cfg.Worker.Args = nil
		} else {
			cfg.Worker.Args = splitAndTrim(v, ",")
		}
	}
	if v := os.Getenv("WHISPERLINK_WORKER_DIR"); v != "" {
		cfg.Worker.WorkDir = v
	}
	if v := os.Getenv("WHISPERLINK_WORKER_TERMINATE_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Worker.TerminateGrace = d
		}
	}
	if v := os.Getenv("WHISPERLINK_BRIDGE_COMMAND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Bridge.CommandTimeout = d
		}
	}
	if v := os.Getenv("WHISPERLINK_BRIDGE_DEFAULT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Bridge.DefaultAttempts = n
		}
	}
	if v := os.Getenv("WHISPERLINK_SYNC_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Sync.PollInterval = d
		}
	}
	if v := os.Getenv("WHISPERLINK_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("WHISPERLINK_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("WHISPERLINK_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("WHISPERLINK_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("WHISPERLINK_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
