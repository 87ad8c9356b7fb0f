// Package supervisor owns the lifecycle of the single worker process: spawn,
// liveness check, graceful and forced termination, and restart. It is the
// only component that holds the worker's Transport Channel; everything else
// reaches the worker through Dispatch.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"whisperlink/internal/domain"
)

// Config holds configuration for the Supervisor.
type Config struct {
	Command         string        // worker executable
	Args            []string      // worker arguments
	WorkDir         string        // working directory (default: current)
	Env             []string      // extra KEY=VALUE entries appended to the parent environment
	SettleDelay     time.Duration // wait before the liveness check (default: 500ms)
	TerminateGrace  time.Duration // SIGTERM to SIGKILL escalation (default: 5s)
	RestartDelay    time.Duration // pause between stop and start on restart (default: 1s)
	LivenessTimeout time.Duration // budget of the liveness ping (default: 3s)
	StderrBufferMax int           // bytes of stderr kept for diagnostics (default: 64KiB)
}

// Connector binds the worker's stdin and stdout into a Transport Channel.
type Connector func(stdin io.WriteCloser, stdout io.Reader, logger *slog.Logger) domain.WorkerConn

// handle is one spawned worker process. info is guarded by Supervisor.mu.
type handle struct {
	id       string
	cmd      *exec.Cmd
	conn     domain.WorkerConn
	stderr   *stderrSink
	info     domain.WorkerInfo
	stopping bool
	done     chan struct{}
}

// Supervisor creates and destroys the single worker handle.
type Supervisor struct {
	config  Config
	connect Connector
	bus     domain.EventBus
	logger  *slog.Logger

	// newCmd builds the worker command; tests replace it.
	newCmd func() *exec.Cmd

	startMu sync.Mutex // serializes Start and Restart

	mu      sync.Mutex
	current *handle // starting or running
	dying   *handle // terminating, not yet exited
	last    *handle // most recent handle, for Info and StderrTail
}

// New creates a Supervisor. Nothing is spawned until Start.
func New(cfg Config, connect Connector, bus domain.EventBus, logger *slog.Logger) *Supervisor {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = 5 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 1 * time.Second
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 3 * time.Second
	}
	if cfg.StderrBufferMax <= 0 {
		cfg.StderrBufferMax = 64 * 1024
	}

	s := &Supervisor{
		config:  cfg,
		connect: connect,
		bus:     bus,
		logger:  logger,
	}
	s.newCmd = s.defaultCmd
	return s
}

func (s *Supervisor) defaultCmd() *exec.Cmd {
	cmd := exec.Command(s.config.Command, s.config.Args...)
	cmd.Dir = s.config.WorkDir
	if len(s.config.Env) > 0 {
		cmd.Env = append(os.Environ(), s.config.Env...)
	}
	return cmd
}

// Start spawns the worker unless a handle is already starting or running.
// A handle still terminating is waited on first, so two processes never
// overlap. After the settle delay the handle is promoted to running and
// probed with a ping; a failed probe is logged and the handle is kept.
func (s *Supervisor) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return nil
	}
	dying := s.dying
	s.mu.Unlock()

	if dying != nil {
		select {
		case <-dying.done:
		case <-ctx.Done():
			return domain.WrapOp("Supervisor.Start", ctx.Err())
		}
	}

	h, err := s.spawn()
	if err != nil {
		return err
	}

	// The handle is promoted even when ctx ends early; otherwise it would
	// stay starting and block every later Start.
	select {
	case <-time.After(s.config.SettleDelay):
	case <-h.done:
	case <-ctx.Done():
	}

	s.mu.Lock()
	alive := s.current == h
	if alive {
		h.info.State = domain.WorkerRunning
	}
	s.mu.Unlock()
	if !alive {
		return domain.NewSubSystemError("supervisor", "Supervisor.Start", domain.ErrUnreachable,
			"worker exited during startup: "+s.StderrTail())
	}
	if ctx.Err() != nil {
		return domain.WrapOp("Supervisor.Start", ctx.Err())
	}

	s.probe(ctx, h)
	return nil
}

func (s *Supervisor) spawn() (*handle, error) {
	id := s.newID()
	cmd := s.newCmd()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, domain.NewSubSystemError("supervisor", "Supervisor.Start", domain.ErrUnreachable,
			fmt.Sprintf("stdin pipe: %v", err))
	}
	// stdout flows through an in-process pipe closed only after Wait, so the
	// read side never races the exec package's own cleanup.
	stdoutR, stdoutW := io.Pipe()
	cmd.Stdout = stdoutW
	sink := newStderrSink(s.config.StderrBufferMax, s.logger.With("worker_id", id))
	cmd.Stderr = sink
	cmd.WaitDelay = s.config.TerminateGrace

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stdoutR.Close()
		return nil, domain.NewSubSystemError("supervisor", "Supervisor.Start", domain.ErrUnreachable,
			fmt.Sprintf("spawn %s: %v", cmd.Path, err))
	}

	h := &handle{
		id:     id,
		cmd:    cmd,
		conn:   s.connect(stdin, stdoutR, s.logger.With("worker_id", id)),
		stderr: sink,
		info: domain.WorkerInfo{
			ID:        id,
			PID:       cmd.Process.Pid,
			State:     domain.WorkerStarting,
			StartedAt: time.Now(),
		},
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.current = h
	s.last = h
	info := h.info
	s.mu.Unlock()

	go s.observe(h, stdoutW)

	s.emitEvent(context.Background(), domain.EventWorkerStarted, info)
	s.logger.Info("worker started", "worker_id", id, "pid", info.PID, "command", cmd.Path)
	return h, nil
}

// probe sends one ping straight over the handle's channel. Only the
// outcome is logged; the handle's state is left alone.
func (s *Supervisor) probe(ctx context.Context, h *handle) bool {
	pctx, cancel := context.WithTimeout(ctx, s.config.LivenessTimeout)
	defer cancel()

	resp, err := h.conn.Call(pctx, domain.CmdPing, nil)
	if err == nil {
		err = resp.Err(domain.CmdPing)
	}
	if err != nil {
		s.logger.Warn("worker liveness check failed", "worker_id", h.id, "error", err)
		return false
	}
	s.emitEvent(ctx, domain.EventWorkerLive, s.Info())
	s.logger.Debug("worker is live", "worker_id", h.id)
	return true
}

// observe waits for the process to exit and clears the handle.
func (s *Supervisor) observe(h *handle, stdoutW *io.PipeWriter) {
	waitErr := h.cmd.Wait()
	h.stderr.Flush()

	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	now := time.Now()

	s.mu.Lock()
	h.info.EndedAt = &now
	h.info.ExitCode = &code
	expected := h.stopping
	if expected {
		h.info.State = domain.WorkerExited
	} else {
		h.info.State = domain.WorkerErrored
	}
	if s.current == h {
		s.current = nil
	}
	if s.dying == h {
		s.dying = nil
	}
	info := h.info
	s.mu.Unlock()

	cause := fmt.Errorf("%w: exit code %d", domain.ErrWorkerExited, code)
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			cause = fmt.Errorf("%w: %v", domain.ErrWorkerExited, waitErr)
		}
	}
	h.conn.Close(cause)
	stdoutW.Close()

	s.emitEvent(context.Background(), domain.EventWorkerExited, info)
	if expected {
		s.logger.Info("worker exited", "worker_id", h.id, "exit_code", code)
	} else {
		s.logger.Error("worker exited unexpectedly", "worker_id", h.id, "exit_code", code, "error", waitErr)
	}
	close(h.done)
}

// Stop asks the worker to terminate and clears the handle immediately, so
// commands issued from now on fail fast. The process is killed if it has
// not exited after TerminateGrace. Stop is a no-op when no handle exists.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	h := s.current
	if h == nil {
		s.mu.Unlock()
		return nil
	}
	s.current = nil
	s.dying = h
	h.stopping = true
	h.info.State = domain.WorkerTerminating
	info := h.info
	s.mu.Unlock()

	s.emitEvent(ctx, domain.EventWorkerStopping, info)
	s.logger.Info("stopping worker", "worker_id", h.id, "pid", info.PID)

	h.conn.Close(fmt.Errorf("%w: %w", domain.ErrWorkerStopped, domain.ErrTransportClosed))
	if err := terminate(h.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("signal worker", "worker_id", h.id, "error", err)
	}

	go func() {
		timer := time.NewTimer(s.config.TerminateGrace)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			s.logger.Warn("worker ignored termination, killing", "worker_id", h.id, "grace", s.config.TerminateGrace)
			if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.logger.Error("kill worker", "worker_id", h.id, "error", err)
			}
		}
	}()
	return nil
}

// Wait blocks until the most recent worker process has exited and been
// cleaned up, or ctx is done. A dying handle is always the most recent one
// because Start never spawns past it.
func (s *Supervisor) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		h := s.last
		s.mu.Unlock()
		if h == nil {
			return nil
		}
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		same := s.last == h
		s.mu.Unlock()
		if same {
			return nil
		}
	}
}

// Restart stops the worker, pauses for RestartDelay, starts it again, waits
// a further settle delay and probes it. The result is best-effort: a worker that dies right after
// Restart returns is not detected here.
func (s *Supervisor) Restart(ctx context.Context) domain.RestartResult {
	if err := s.Stop(ctx); err != nil {
		return domain.RestartResult{Message: fmt.Sprintf("stop worker: %v", err)}
	}

	select {
	case <-time.After(s.config.RestartDelay):
	case <-ctx.Done():
		return domain.RestartResult{Message: fmt.Sprintf("restart cancelled: %v", ctx.Err())}
	}

	if err := s.Start(ctx); err != nil {
		s.logger.Error("worker restart failed", "error", err)
		return domain.RestartResult{Message: fmt.Sprintf("start worker: %v", err)}
	}

	select {
	case <-time.After(s.config.SettleDelay):
	case <-ctx.Done():
		return domain.RestartResult{Message: fmt.Sprintf("restart cancelled: %v", ctx.Err())}
	}

	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	if h == nil || !s.probe(ctx, h) {
		return domain.RestartResult{Message: "worker restarted but did not answer the liveness check"}
	}

	s.emitEvent(ctx, domain.EventWorkerRestarted, s.Info())
	s.logger.Info("worker restarted", "worker_id", h.id)
	return domain.RestartResult{Success: true, Message: "worker bridge restarted"}
}

// Dispatch sends one command to the running worker. It fails fast with
// ErrWorkerUnavailable when no handle is running; there is no queueing
// against a starting or dying process.
func (s *Supervisor) Dispatch(ctx context.Context, command string, args map[string]any) (*domain.Response, error) {
	s.mu.Lock()
	h := s.current
	running := h != nil && h.info.State == domain.WorkerRunning
	s.mu.Unlock()

	if !running {
		return nil, domain.NewSubSystemError("supervisor", "Supervisor.Dispatch", domain.ErrWorkerUnavailable, command)
	}
	return h.conn.Call(ctx, command, args)
}

// State reports the state of the live handle, or absent when there is none.
func (s *Supervisor) State() domain.WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.WorkerAbsent
	}
	return s.current.info.State
}

// Running reports whether a handle is running.
func (s *Supervisor) Running() bool {
	return s.State() == domain.WorkerRunning
}

// Info returns a snapshot of the most recent handle.
func (s *Supervisor) Info() domain.WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return domain.WorkerInfo{State: domain.WorkerAbsent}
	}
	return s.last.info
}

// StderrTail returns the buffered stderr of the most recent handle.
func (s *Supervisor) StderrTail() string {
	s.mu.Lock()
	h := s.last
	s.mu.Unlock()
	if h == nil {
		return ""
	}
	return h.stderr.Tail()
}

func (s *Supervisor) emitEvent(ctx context.Context, eventType domain.EventType, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, domain.NewEvent(eventType, payload))
}

func (s *Supervisor) newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
