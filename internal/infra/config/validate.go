package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateWorker(cfg, ve)
	validateBridge(cfg, ve)
	validateSync(cfg, ve)
	validateNotifications(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateWorker(cfg *Config, ve *ValidationError) {
	w := cfg.Worker
	if strings.TrimSpace(w.Command) == "" {
		ve.Add("worker.command must not be empty")
	}
	if w.SettleDelay < 0 {
		ve.Add("worker.settle_delay must be >= 0")
	}
	if w.TerminateGrace <= 0 {
		ve.Add("worker.terminate_grace must be > 0")
	}
	if w.RestartDelay < 0 {
		ve.Add("worker.restart_delay must be >= 0")
	}
	if w.LivenessTimeout <= 0 {
		ve.Add("worker.liveness_timeout must be > 0")
	}
	if w.StderrBufferMax <= 0 {
		ve.Add("worker.stderr_buffer_max must be > 0")
	}
	for k := range w.Env {
		if k == "" || strings.Contains(k, "=") {
			ve.Add("worker.env key %q is invalid", k)
		}
	}
}

func validateBridge(cfg *Config, ve *ValidationError) {
	b := cfg.Bridge
	if b.CommandTimeout <= 0 {
		ve.Add("bridge.command_timeout must be > 0")
	}
	if b.RetryBaseDelay <= 0 {
		ve.Add("bridge.retry_base_delay must be > 0")
	}
	if b.RetryMaxDelay < b.RetryBaseDelay {
		ve.Add("bridge.retry_max_delay must be >= bridge.retry_base_delay")
	}
	if b.DefaultAttempts < 1 {
		ve.Add("bridge.default_attempts must be >= 1")
	}
	if b.LivenessAttempts < 1 {
		ve.Add("bridge.liveness_attempts must be >= 1")
	}
	if b.LivenessAttempts > b.DefaultAttempts {
		ve.Add("bridge.liveness_attempts (%d) must not exceed bridge.default_attempts (%d)",
			b.LivenessAttempts, b.DefaultAttempts)
	}
	if b.MaxFrameBytes < 1024 {
		ve.Add("bridge.max_frame_bytes must be >= 1024")
	}
	if b.RateLimit <= 0 {
		ve.Add("bridge.rate_limit must be > 0")
	}
	if b.RateBurst < 1 {
		ve.Add("bridge.rate_burst must be >= 1")
	}
	if b.BreakerMaxFailures == 0 {
		ve.Add("bridge.breaker_max_failures must be > 0")
	}
	if b.BreakerTimeout <= 0 {
		ve.Add("bridge.breaker_timeout must be > 0")
	}
}

func validateSync(cfg *Config, ve *ValidationError) {
	if cfg.Sync.PollInterval <= 0 {
		ve.Add("sync.poll_interval must be > 0")
	}
	if cfg.Sync.RefreshInterval <= 0 {
		ve.Add("sync.refresh_interval must be > 0")
	}
}

func validateNotifications(cfg *Config, ve *ValidationError) {
	n := cfg.Notifications
	if n.Info <= 0 {
		ve.Add("notifications.info must be > 0")
	}
	if n.Success <= 0 {
		ve.Add("notifications.success must be > 0")
	}
	if n.Warning <= 0 {
		ve.Add("notifications.warning must be > 0")
	}
	if n.Error <= 0 {
		ve.Add("notifications.error must be > 0")
	}
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
	"auto": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want debug, info, warn or error)", cfg.Logger.Level)
	}
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want text, json or auto)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is not supported (want stdout or noop)", cfg.Tracer.Exporter)
	}
}
