// Package syncengine reconciles worker-owned state into the local Store.
// The worker cannot push, so while a session is open the engine polls four
// read-only queries at a fixed interval and derives events and
// notifications from what changed. A second loop refreshes contacts and the
// connection mirror at session start, on demand and on the same interval.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"whisperlink/internal/domain"
	"whisperlink/internal/usecase/scheduling"
)

// Invoker sends one command to the worker.
type Invoker interface {
	Call(ctx context.Context, name string, args map[string]any) (*domain.Response, error)
}

// CallSink receives polled call signaling state.
type CallSink interface {
	MergeIncoming(records []domain.CallRecord) []domain.CallRecord
	ReplaceActive(records []domain.CallRecord)
}

// Config tunes the engine.
type Config struct {
	PollInterval    time.Duration // default: 2s
	RefreshInterval time.Duration // default: PollInterval
}

// Poll task names, one per query slot.
const (
	TaskConnections     = "poll_connections"
	TaskPendingMessages = "poll_pending_messages"
	TaskPendingCalls    = "poll_pending_calls"
	TaskActiveCalls     = "poll_active_calls"
)

// Engine runs the poll and refresh loops for one session at a time.
type Engine struct {
	config   Config
	invoker  Invoker
	store    *Store
	calls    CallSink
	notifier domain.Notifier
	bus      domain.EventBus
	logger   *slog.Logger

	trigger chan struct{}

	// One guard per query slot, shared by the scheduled, manual and refresh
	// paths: a slot never has two fetches outstanding.
	connSlot, messageSlot, pendingCallSlot, activeCallSlot atomic.Bool

	mu        sync.Mutex
	scheduler *scheduling.Scheduler
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an Engine. notifier and bus may be nil.
func New(cfg Config, invoker Invoker, store *Store, calls CallSink, notifier domain.Notifier, bus domain.EventBus, logger *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = cfg.PollInterval
	}
	return &Engine{
		config:   cfg,
		invoker:  invoker,
		store:    store,
		calls:    calls,
		notifier: notifier,
		bus:      bus,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Start begins polling. It is called when a session opens and is a no-op
// while the engine is already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scheduler != nil {
		return nil
	}

	// Each query slot runs at most once at a time and never waits on the
	// others. A slot still in flight when its tick comes round is skipped.
	sched := scheduling.NewScheduler(e.logger)
	tasks := []scheduling.Task{
		{Name: TaskConnections, Run: e.PollConnections},
		{Name: TaskPendingMessages, Run: e.PollPendingMessages},
		{Name: TaskPendingCalls, Run: e.PollPendingCalls},
		{Name: TaskActiveCalls, Run: e.PollActiveCalls},
	}
	for _, task := range tasks {
		task.Every = e.config.PollInterval
		if err := sched.AddTask(task); err != nil {
			return domain.WrapOp("Engine.Start", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	if err := sched.Start(loopCtx); err != nil {
		cancel()
		return domain.WrapOp("Engine.Start", err)
	}
	e.scheduler = sched
	e.cancel = cancel

	e.wg.Add(1)
	go e.refreshLoop(loopCtx)

	e.logger.Info("sync engine started", "poll_interval", e.config.PollInterval)
	return nil
}

// Stop ends polling and waits for in-flight queries to return. It is
// called when the session closes and is a no-op when not running.
func (e *Engine) Stop() {
	e.mu.Lock()
	sched, cancel := e.scheduler, e.cancel
	e.scheduler, e.cancel = nil, nil
	e.mu.Unlock()
	if sched == nil {
		return
	}

	cancel()
	sched.Stop()
	e.wg.Wait()

	// Drop a trigger queued by the last session.
	select {
	case <-e.trigger:
	default:
	}
	e.logger.Info("sync engine stopped")
}

// Running reports whether a session's loops are active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler != nil
}

// TriggerRefresh asks the refresh loop for an early contact and connection
// refresh. Triggers that arrive while one is pending are coalesced.
func (e *Engine) TriggerRefresh() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) refreshLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := e.Refresh(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("contact refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.trigger:
		}
	}
}

// Refresh fetches the contact list and the connection mirror.
func (e *Engine) Refresh(ctx context.Context) error {
	var contacts []domain.Contact
	if err := e.fetch(ctx, domain.CmdGetContacts, "contacts", &contacts); err != nil {
		return err
	}
	e.store.SetContacts(contacts)
	e.emitEvent(ctx, domain.EventContactsRefreshed, contacts)

	_, err := e.syncConnections(ctx)
	return err
}

// Tick runs the four poll queries once, concurrently, and returns the
// first failure. A slot whose previous fetch is still outstanding is
// skipped. Used for an immediate sync and by tests.
func (e *Engine) Tick(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return e.PollConnections(ctx) })
	g.Go(func() error { return e.PollPendingMessages(ctx) })
	g.Go(func() error { return e.PollPendingCalls(ctx) })
	g.Go(func() error { return e.PollActiveCalls(ctx) })
	return g.Wait()
}

// PollConnections replaces the connection mirror. New peers trigger a
// contact refresh, since the worker may register contacts on connect.
func (e *Engine) PollConnections(ctx context.Context) error {
	added, err := e.syncConnections(ctx)
	if err != nil {
		return err
	}
	if len(added) > 0 {
		e.TriggerRefresh()
	}
	return nil
}

func (e *Engine) syncConnections(ctx context.Context) ([]string, error) {
	if !e.acquire(&e.connSlot, domain.CmdGetConnections) {
		return nil, nil
	}
	defer e.connSlot.Store(false)

	var conns []domain.Connection
	if err := e.fetch(ctx, domain.CmdGetConnections, "connections", &conns); err != nil {
		return nil, err
	}
	added, removed := e.store.ReplaceConnections(conns)
	if len(added) > 0 || len(removed) > 0 {
		e.logger.Debug("connections changed", "added", added, "removed", removed)
		e.emitEvent(ctx, domain.EventConnectionChanged, map[string][]string{
			"added":   added,
			"removed": removed,
		})
	}
	return added, nil
}

// PollPendingMessages drains the worker's pending queue into history.
// Fetching consumes the envelopes; each one is materialized at once.
func (e *Engine) PollPendingMessages(ctx context.Context) error {
	if !e.acquire(&e.messageSlot, domain.CmdGetPendingMessages) {
		return nil
	}
	defer e.messageSlot.Store(false)

	var envs []domain.Envelope
	if err := e.fetch(ctx, domain.CmdGetPendingMessages, "messages", &envs); err != nil {
		return err
	}
	for _, env := range envs {
		entry := e.store.AppendReceived(env)
		e.emitEvent(ctx, domain.EventMessageReceived, entry)
		e.notify(fmt.Sprintf("New message from %s", env.PeerID), domain.SeverityInfo)
	}
	return nil
}

// PollPendingCalls merges unanswered calls into the incoming set.
func (e *Engine) PollPendingCalls(ctx context.Context) error {
	if !e.acquire(&e.pendingCallSlot, domain.CmdGetPendingCalls) {
		return nil
	}
	defer e.pendingCallSlot.Store(false)

	var records []domain.CallRecord
	if err := e.fetch(ctx, domain.CmdGetPendingCalls, "calls", &records); err != nil {
		return err
	}
	for _, rec := range e.calls.MergeIncoming(records) {
		e.notify(fmt.Sprintf("Incoming call from %s", rec.PeerID), domain.SeverityInfo)
	}
	return nil
}

// PollActiveCalls replaces the active-call mirror.
func (e *Engine) PollActiveCalls(ctx context.Context) error {
	if !e.acquire(&e.activeCallSlot, domain.CmdGetActiveCalls) {
		return nil
	}
	defer e.activeCallSlot.Store(false)

	var records []domain.CallRecord
	if err := e.fetch(ctx, domain.CmdGetActiveCalls, "calls", &records); err != nil {
		return err
	}
	e.calls.ReplaceActive(records)
	return nil
}

// acquire claims a query slot. It reports false, and the caller skips the
// fetch, while the slot's previous fetch is outstanding.
func (e *Engine) acquire(slot *atomic.Bool, command string) bool {
	if slot.CompareAndSwap(false, true) {
		return true
	}
	e.logger.Debug("poll skipped, previous fetch in flight", "command", command)
	return false
}

// fetch invokes a read-only query and decodes one payload field into v.
func (e *Engine) fetch(ctx context.Context, command, field string, v any) error {
	resp, err := e.invoker.Call(ctx, command, nil)
	if err != nil {
		if errors.Is(err, domain.ErrWorkerUnavailable) {
			e.logger.Debug("poll skipped, worker unavailable", "command", command)
		}
		return err
	}
	if err := resp.Err(command); err != nil {
		return err
	}
	if err := resp.Decode(field, v); err != nil {
		return domain.NewSubSystemError("sync", command, domain.ErrProtocol, err.Error())
	}
	return nil
}

func (e *Engine) notify(message string, severity domain.Severity) {
	if e.notifier == nil {
		return
	}
	e.notifier.Add(message, severity, 0)
}

func (e *Engine) emitEvent(ctx context.Context, eventType domain.EventType, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, domain.NewEvent(eventType, payload))
}
