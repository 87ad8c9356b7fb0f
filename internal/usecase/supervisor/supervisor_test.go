package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisperlink/internal/adapter/bridge"
	"whisperlink/internal/domain"
)

const workerModeEnv = "WHISPERLINK_TEST_WORKER"

// TestMain doubles as a fake worker: when workerModeEnv is set the test
// binary speaks the bridge protocol on stdio instead of running tests.
func TestMain(m *testing.M) {
	if mode := os.Getenv(workerModeEnv); mode != "" {
		os.Exit(runFakeWorker(mode))
	}
	os.Exit(m.Run())
}

func runFakeWorker(mode string) int {
	switch mode {
	case "die":
		fmt.Fprintln(os.Stderr, "fatal: keystore locked")
		return 2
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
	}

	fmt.Println("WhisperLink Python bridge started")
	in := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)
	for in.Scan() {
		var req domain.Request
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			fmt.Fprintln(os.Stderr, "bad request:", err)
			continue
		}
		switch req.Command {
		case "ping":
			out.Encode(map[string]any{"id": req.ID, "success": true, "message": "pong"})
		case "crash":
			fmt.Fprintln(os.Stderr, "Traceback: simulated crash")
			return 3
		case "sleep":
			// never answered
		case "stderr":
			fmt.Fprintf(os.Stderr, `{"id":%d,"success":false,"error":"from stderr"}`+"\n", req.ID)
			out.Encode(map[string]any{"id": req.ID, "success": true})
		default:
			out.Encode(map[string]any{"id": req.ID, "success": false, "error": "Unknown command: " + req.Command})
		}
	}
	if mode == "ignore-term" {
		time.Sleep(time.Hour)
	}
	return 0
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()               { return func() {} }
func (b *recordingBus) Close()                                                {}

func (b *recordingBus) Types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		types[i] = e.Type
	}
	return types
}

func testConnector(w io.WriteCloser, r io.Reader, logger *slog.Logger) domain.WorkerConn {
	return bridge.NewConn(w, r, 0, logger)
}

type testSupervisor struct {
	*Supervisor
	bus    *recordingBus
	spawns atomic.Int32
}

func newTestSupervisor(t *testing.T, mode string, cfg Config) *testSupervisor {
	t.Helper()
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 50 * time.Millisecond
	}
	if cfg.TerminateGrace == 0 {
		cfg.TerminateGrace = 2 * time.Second
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 20 * time.Millisecond
	}
	ts := &testSupervisor{bus: &recordingBus{}}
	ts.Supervisor = New(cfg, testConnector, ts.bus, newTestLogger())
	ts.newCmd = func() *exec.Cmd {
		ts.spawns.Add(1)
		cmd := exec.Command(os.Args[0], "-test.run=^$")
		cmd.Env = append(os.Environ(), workerModeEnv+"="+mode)
		return cmd
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ts.Stop(ctx)
		ts.Wait(ctx)
	})
	return ts
}

func waitForState(t *testing.T, s *Supervisor, want domain.WorkerState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %q after %v, want %q", s.State(), timeout, want)
}

func TestSupervisorStartTwiceSpawnsOnce(t *testing.T) {
	s := newTestSupervisor(t, "echo", Config{})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))

	assert.Equal(t, int32(1), s.spawns.Load())
	assert.Equal(t, domain.WorkerRunning, s.State())
	assert.True(t, s.Running())
	assert.NotEmpty(t, s.Info().ID)
	assert.NotZero(t, s.Info().PID)
	assert.Contains(t, s.bus.Types(), domain.EventWorkerStarted)
	assert.Contains(t, s.bus.Types(), domain.EventWorkerLive)
}

func TestSupervisorConcurrentStartSpawnsOnce(t *testing.T) {
	s := newTestSupervisor(t, "echo", Config{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Start(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), s.spawns.Load())
}

func TestSupervisorDispatch(t *testing.T) {
	s := newTestSupervisor(t, "echo", Config{})
	require.NoError(t, s.Start(context.Background()))

	resp, err := s.Dispatch(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "pong", resp.String("message"))
}

func TestSupervisorDispatchWithoutWorker(t *testing.T) {
	s := newTestSupervisor(t, "echo", Config{})

	_, err := s.Dispatch(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrWorkerUnavailable)
	assert.Equal(t, domain.WorkerAbsent, s.State())
	assert.Equal(t, domain.WorkerAbsent, s.Info().State)
}

func TestSupervisorDispatchWhileStarting(t *testing.T) {
	s := newTestSupervisor(t, "echo", Config{SettleDelay: 500 * time.Millisecond})

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()

	waitForState(t, s.Supervisor, domain.WorkerStarting, 2*time.Second)
	_, err := s.Dispatch(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, domain.ErrWorkerUnavailable)

	require.NoError(t, <-started)
	_, err = s.Dispatch(context.Background(), "ping", nil)
	assert.NoError(t, err)
}

func TestSupervisorTimeoutLeavesWorkerRunning(t *testing.T) {
	s := newTestSupervisor(t, "echo", Config{})
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.Dispatch(ctx, "sleep", nil)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.WorkerRunning, s.State())

	_, err = s.Dispatch(context.Background(), "ping", nil)
	assert.NoError(t, err)
}

func TestSupervisorCrashClearsHandle(t *testing.T) {
	s := newTestSupervisor(t, "echo", Config{})
	require.NoError(t, s.Start(context.Background()))

	_, err := s.Dispatch(context.Background(), "crash", nil)
	require.Error(t, err)
	assert.True(t, domain.IsTransportError(err), "got %v", err)

	waitForState(t, s.Supervisor, domain.WorkerAbsent, 2*time.Second)
	require.NoError(t, s.Wait(context.Background()))

	info := s.Info()
	assert.Equal(t, domain.WorkerErrored, info.State)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 3, *info.ExitCode)
	assert.NotNil(t, info.EndedAt)
	assert.Contains(t, s.StderrTail(), "simulated crash")
	assert.Contains(t, s.bus.Types(), domain.EventWorkerExited)

	_, err = s.Dispatch(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, domain.ErrWorkerUnavailable)
}

func TestSupervisorStderrIsNotProtocol(t *testing.T) {
	s := newTestSupervisor(t, "echo", Config{})
	require.NoError(t, s.Start(context.Background()))

	resp, err := s.Dispatch(context.Background(), "stderr", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Contains(t, s.StderrTail(), "from stderr")
}

func TestSupervisorStopGraceful(t *testing.T) {
	s := newTestSupervisor(t, "echo", Config{})
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, domain.WorkerAbsent, s.State(), "handle is cleared immediately")

	_, err := s.Dispatch(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, domain.ErrWorkerUnavailable)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, domain.WorkerExited, s.Info().State)

	types := s.bus.Types()
	assert.Contains(t, types, domain.EventWorkerStopping)
	assert.Contains(t, types, domain.EventWorkerExited)

	// Stopping again is a no-op.
	assert.NoError(t, s.Stop(context.Background()))
}

func TestSupervisorStopFailsInFlightWithStopCause(t *testing.T) {
	s := newTestSupervisor(t, "echo", Config{})
	require.NoError(t, s.Start(context.Background()))

	errs := make(chan error, 1)
	go func() {
		_, err := s.Dispatch(context.Background(), "sleep", nil)
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	select {
	case err := <-errs:
		assert.True(t, domain.IsSupervisorStop(err), "got %v", err)
		assert.True(t, domain.IsTransportError(err))
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call was not failed by Stop")
	}
}

func TestSupervisorStopEscalatesToKill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no SIGTERM on windows")
	}
	grace := 200 * time.Millisecond
	s := newTestSupervisor(t, "ignore-term", Config{TerminateGrace: grace})
	require.NoError(t, s.Start(context.Background()))

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), grace)
	assert.Equal(t, domain.WorkerExited, s.Info().State)
}

func TestSupervisorStartWaitsForDyingHandle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no SIGTERM on windows")
	}
	s := newTestSupervisor(t, "ignore-term", Config{TerminateGrace: 200 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	first := s.Info()

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	// The old process was gone before the new one was spawned.
	s.mu.Lock()
	dying := s.dying
	s.mu.Unlock()
	assert.Nil(t, dying)
	assert.NotEqual(t, first.ID, s.Info().ID)
	assert.Equal(t, int32(2), s.spawns.Load())
}

func TestSupervisorRestart(t *testing.T) {
	s := newTestSupervisor(t, "echo", Config{})
	require.NoError(t, s.Start(context.Background()))
	first := s.Info().ID

	result := s.Restart(context.Background())
	assert.True(t, result.Success, result.Message)
	assert.NotEqual(t, first, s.Info().ID)
	assert.Contains(t, s.bus.Types(), domain.EventWorkerRestarted)

	resp, err := s.Dispatch(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestSupervisorRestartFromAbsent(t *testing.T) {
	s := newTestSupervisor(t, "echo", Config{})

	result := s.Restart(context.Background())
	assert.True(t, result.Success, result.Message)
	assert.True(t, s.Running())
}

func TestSupervisorStartupFailure(t *testing.T) {
	s := newTestSupervisor(t, "die", Config{SettleDelay: 500 * time.Millisecond})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnreachable)
	assert.Equal(t, domain.CodeSupervisorStart, domain.ErrorCodeOf(err))
	assert.Contains(t, err.Error(), "keystore locked")
	assert.Equal(t, domain.WorkerAbsent, s.State())

	result := s.Restart(context.Background())
	assert.False(t, result.Success)
}

func TestSupervisorSpawnFailure(t *testing.T) {
	s := New(Config{Command: "/nonexistent/whisperlink-worker"}, testConnector, nil, newTestLogger())

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnreachable)
	assert.Equal(t, domain.WorkerAbsent, s.State())
}
