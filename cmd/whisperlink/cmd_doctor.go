package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"whisperlink/internal/domain"
	"whisperlink/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// newDoctorCmd creates the "whisperlink doctor" subcommand.
func newDoctorCmd(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the configuration and the worker",
		Long:  "Runs health checks: config file, worker executable and script,\na live start of the worker and tracing settings.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cfgPath(), cmd.OutOrStdout())
		},
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(ctx context.Context, cfgPath string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Worker executable", Fn: checkWorkerCommand},
		{Name: "Worker script", Fn: checkWorkerScript},
		{Name: "Worker liveness", Fn: checkWorkerLiveness(ctx)},
		{Name: "Tracing", Fn: checkTracer},
	}

	fmt.Fprintln(out, "whisperlink doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(out, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and loads. A
// missing file is a warning: defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check the syntax and permissions (0600) of %s", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkWorkerCommand verifies the worker executable is on PATH.
func checkWorkerCommand(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
	}
	path, err := exec.LookPath(cfg.Worker.Command)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found", cfg.Worker.Command),
			Fix:     "Install it or set worker.command (or WHISPERLINK_WORKER_COMMAND)",
		}
	}
	return CheckResult{Status: StatusPass, Message: path}
}

// checkWorkerScript verifies a script argument exists when the worker is an
// interpreter running a file.
func checkWorkerScript(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
	}
	if len(cfg.Worker.Args) == 0 || filepath.Ext(cfg.Worker.Args[0]) == "" {
		return CheckResult{Status: StatusPass, Message: "no script argument"}
	}
	script := cfg.Worker.Args[0]
	if !filepath.IsAbs(script) && cfg.Worker.WorkDir != "" {
		script = filepath.Join(cfg.Worker.WorkDir, script)
	}
	if _, err := os.Stat(script); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found", script),
			Fix:     "Set worker.args and worker.work_dir to point at the worker script",
		}
	}
	return CheckResult{Status: StatusPass, Message: script}
}

// checkWorkerLiveness starts the worker, pings it once and stops it.
func checkWorkerLiveness(ctx context.Context) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil {
			return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
		}
		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		a := newApp(cfg, log)
		defer a.close()

		if err := a.supervisor.Start(ctx); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("worker did not start: %v", err),
				Fix:     "Run 'whisperlink doctor' again after fixing the worker checks above",
			}
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.TerminateGrace+time.Second)
			defer cancel()
			_ = a.supervisor.Stop(stopCtx)
		}()

		start := time.Now()
		resp, err := a.client.Probe(ctx, domain.CmdPing, nil)
		if err == nil {
			err = resp.Err(domain.CmdPing)
		}
		if err != nil {
			msg := fmt.Sprintf("ping failed: %v", err)
			if tail := strings.TrimSpace(a.supervisor.StderrTail()); tail != "" {
				msg += "; stderr: " + lastLine(tail)
			}
			return CheckResult{Status: StatusFail, Message: msg}
		}
		info := a.supervisor.Info()
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("pid %d answered ping in %s", info.PID, time.Since(start).Round(time.Millisecond)),
		}
	}
}

// checkTracer warns when tracing is enabled with the noop exporter.
func checkTracer(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
	}
	if !cfg.Tracer.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	if cfg.Tracer.Exporter == "noop" || cfg.Tracer.Exporter == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "enabled with the noop exporter; no spans are written",
			Fix:     "Set tracer.exporter to stdout",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("exporter %s", cfg.Tracer.Exporter)}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
