package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisperlink/internal/adapter/bridge"
	"whisperlink/internal/adapter/devworker"
	"whisperlink/internal/domain"
	"whisperlink/internal/usecase/calls"
	"whisperlink/internal/usecase/command"
	"whisperlink/internal/usecase/eventbus"
	"whisperlink/internal/usecase/notify"
	"whisperlink/internal/usecase/syncengine"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeSupervisor runs an in-process dev worker over a pair of pipes. The
// worker's state survives restarts, like the real worker's database.
type pipeSupervisor struct {
	worker *devworker.Worker
	logger *slog.Logger

	mu         sync.Mutex
	conn       *bridge.Conn
	failStarts int // Start calls that fail before one succeeds
	starts     int
	restarts   int
}

func (s *pipeSupervisor) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.failStarts > 0 {
		s.failStarts--
		return errors.New("spawn failed")
	}
	if s.conn != nil {
		return nil
	}

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		_ = s.worker.Serve(context.Background(), reqR, respW, s.logger)
		respW.Close()
	}()
	s.conn = bridge.NewConn(reqW, respR, 1<<20, s.logger)
	return nil
}

func (s *pipeSupervisor) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close(domain.ErrWorkerExited)
		s.conn = nil
	}
	return nil
}

func (s *pipeSupervisor) Restart(ctx context.Context) domain.RestartResult {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	_ = s.Stop(ctx)
	if err := s.Start(ctx); err != nil {
		return domain.RestartResult{Message: err.Error()}
	}
	return domain.RestartResult{Success: true, Message: "restarted"}
}

func (s *pipeSupervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *pipeSupervisor) Dispatch(ctx context.Context, cmd string, args map[string]any) (*domain.Response, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, domain.NewSubSystemError("supervisor", "Supervisor.Dispatch", domain.ErrWorkerUnavailable, cmd)
	}
	return conn.Call(ctx, cmd, args)
}

func (s *pipeSupervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

type messengerHarness struct {
	*Messenger
	worker  *devworker.Worker
	sup     *pipeSupervisor
	engine  *syncengine.Engine
	center  *notify.Center
	tracker *calls.Tracker
}

func newMessengerHarness(t *testing.T) *messengerHarness {
	t.Helper()
	logger := discardLogger()
	bus := eventbus.New(logger)
	worker := devworker.New()
	sup := &pipeSupervisor{worker: worker, logger: logger}

	client := command.NewClient(sup, command.Config{
		Timeout:   2 * time.Second,
		BaseDelay: 5 * time.Millisecond,
		MaxDelay:  10 * time.Millisecond,
	}, logger)
	center := notify.NewCenter(notify.Config{}, bus, logger)
	store := syncengine.NewStore()
	tracker := calls.NewTracker(client, bus, logger)
	engine := syncengine.New(syncengine.Config{PollInterval: 20 * time.Millisecond}, client, store, tracker, center, bus, logger)

	m := NewMessenger(MessengerDeps{
		Supervisor: sup,
		Commands:   client,
		Sync:       engine,
		Store:      store,
		Calls:      tracker,
		Notifier:   center,
		Bus:        bus,
		Logger:     logger,
	})
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		center.Close()
		bus.Close()
	})
	return &messengerHarness{Messenger: m, worker: worker, sup: sup, engine: engine, center: center, tracker: tracker}
}

func (h *messengerHarness) notifications() []string {
	var out []string
	for _, n := range h.center.List() {
		out = append(out, n.Message)
	}
	return out
}

func (h *messengerHarness) errorNotifications() []string {
	var out []string
	for _, n := range h.center.List() {
		if n.Severity == domain.SeverityError {
			out = append(out, n.Message)
		}
	}
	return out
}

func (h *messengerHarness) login(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := h.Register(ctx, "alice", "secret")
	require.NoError(t, err)
	_, err = h.Login(ctx, "alice", "secret")
	require.NoError(t, err)
}

func TestMessengerBootWithoutUserIsSilent(t *testing.T) {
	h := newMessengerHarness(t)

	_, ok := h.Boot(context.Background())
	assert.False(t, ok)
	assert.False(t, h.engine.Running(), "no session, no polling")
	assert.Empty(t, h.errorNotifications(), "startup probe failures are not surfaced")
	assert.Zero(t, h.sup.Restarts(), "a live worker that reports no user is not restarted")
}

func TestMessengerBootRestartsUnavailableWorkerOnce(t *testing.T) {
	h := newMessengerHarness(t)
	h.sup.failStarts = 1
	h.worker.Handle(domain.Request{Command: domain.CmdRegisterUser, Args: map[string]any{"username": "alice", "password": "pw"}})
	h.worker.Handle(domain.Request{Command: domain.CmdLoginUser, Args: map[string]any{"username": "alice", "password": "pw"}})

	user, ok := h.Boot(context.Background())
	require.True(t, ok)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, 1, h.sup.Restarts())
	assert.True(t, h.engine.Running())
	assert.NotEmpty(t, h.SessionID())
}

func TestMessengerBootGivesUpAfterOneRestart(t *testing.T) {
	h := newMessengerHarness(t)
	h.sup.failStarts = 5

	_, ok := h.Boot(context.Background())
	assert.False(t, ok)
	assert.Equal(t, 1, h.sup.Restarts(), "exactly one bounded restart")
	assert.Empty(t, h.errorNotifications())
}

func TestMessengerLoginOpensAndLogoutClosesSession(t *testing.T) {
	h := newMessengerHarness(t)
	_, _ = h.Boot(context.Background())

	h.login(t)
	user, ok := h.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "alice", user.Username)
	assert.True(t, h.engine.Running())
	assert.Contains(t, h.notifications(), "Registration successful")

	require.NoError(t, h.Logout(context.Background()))
	_, ok = h.CurrentUser()
	assert.False(t, ok)
	assert.False(t, h.engine.Running())
	assert.Empty(t, h.SessionID())
}

func TestMessengerLoginFailureNotifies(t *testing.T) {
	h := newMessengerHarness(t)
	_, _ = h.Boot(context.Background())

	_, err := h.Login(context.Background(), "nobody", "x")
	require.ErrorIs(t, err, domain.ErrRemote)
	assert.Equal(t, []string{"Login failed: Invalid credentials"}, h.errorNotifications())
	assert.False(t, h.engine.Running())
}

func TestMessengerSendThenReceiveOrdering(t *testing.T) {
	h := newMessengerHarness(t)
	_, _ = h.Boot(context.Background())
	h.login(t)

	sent, err := h.SendMessage(context.Background(), "bob", "hi bob")
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionSent, sent.Direction)

	bob := domain.DirectConversation("bob")
	require.Len(t, h.History(bob), 1)

	time.Sleep(2 * time.Millisecond)
	h.worker.InjectMessage("bob", "hi alice")

	require.Eventually(t, func() bool { return len(h.History(bob)) == 2 }, 2*time.Second, 10*time.Millisecond)
	history := h.History(bob)
	assert.Equal(t, domain.DirectionSent, history[0].Direction)
	assert.Equal(t, domain.DirectionReceived, history[1].Direction)
	assert.Equal(t, "hi alice", history[1].Envelope.Body)
	assert.Contains(t, h.notifications(), "New message from bob")

	require.Len(t, h.worker.Outbox(), 1)
}

func TestMessengerSendWithoutSessionNotifies(t *testing.T) {
	h := newMessengerHarness(t)
	_, _ = h.Boot(context.Background())

	_, err := h.SendMessage(context.Background(), "bob", "hello")
	require.ErrorIs(t, err, domain.ErrRemote)
	assert.Equal(t, []string{"Send message failed: Not logged in"}, h.errorNotifications())
	assert.Empty(t, h.History(domain.DirectConversation("bob")), "failed sends are not recorded")
}

func TestMessengerSyncNowRequiresSession(t *testing.T) {
	h := newMessengerHarness(t)
	_, _ = h.Boot(context.Background())
	h.worker.InjectMessage("bob", "early")

	err := h.SyncNow(context.Background())
	require.ErrorIs(t, err, domain.ErrNotLoggedIn)
	assert.Equal(t, []string{"Sync failed: no open session"}, h.errorNotifications())
	assert.Empty(t, h.History(domain.DirectConversation("bob")), "nothing is polled without a session")

	h.login(t)
	require.NoError(t, h.SyncNow(context.Background()))
}

func TestMessengerValidationFailsBeforeWorker(t *testing.T) {
	h := newMessengerHarness(t)

	_, err := h.SendMessage(context.Background(), "", "hello")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	require.Len(t, h.errorNotifications(), 1)
	assert.True(t, strings.HasPrefix(h.errorNotifications()[0], "Send message failed:"))
}

func TestMessengerWorkerDownFailsFast(t *testing.T) {
	h := newMessengerHarness(t)

	err := h.StartServer(context.Background(), 0)
	require.ErrorIs(t, err, domain.ErrWorkerUnavailable)
	assert.Equal(t, []string{"Start server failed: worker is not running"}, h.errorNotifications())
}

func TestMessengerCallLifecycle(t *testing.T) {
	h := newMessengerHarness(t)
	_, _ = h.Boot(context.Background())
	h.login(t)

	callID := h.worker.InjectCall("bob")
	require.Eventually(t, func() bool { return len(h.IncomingCalls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.notifications(), "Incoming call from bob")

	require.NoError(t, h.AcceptCall(context.Background(), callID))
	assert.Empty(t, h.IncomingCalls())

	// The worker reports the answered call active on a following poll.
	require.Eventually(t, func() bool {
		shown, ok := h.DisplayedCall()
		return ok && shown.CallID == callID && shown.Status == domain.CallActive
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.EndCall(context.Background(), callID))
	_, ok := h.DisplayedCall()
	assert.False(t, ok)
	time.Sleep(60 * time.Millisecond)
	_, ok = h.DisplayedCall()
	assert.False(t, ok, "an ended call is not redisplayed by a late poll")
}

func TestMessengerRejectedCallLeavesIncoming(t *testing.T) {
	h := newMessengerHarness(t)
	_, _ = h.Boot(context.Background())
	h.login(t)

	callID := h.worker.InjectCall("carol")
	require.Eventually(t, func() bool { return len(h.IncomingCalls()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.RejectCall(context.Background(), callID))
	assert.Empty(t, h.IncomingCalls())
}

func TestMessengerContactsRefreshAfterAdd(t *testing.T) {
	h := newMessengerHarness(t)
	_, _ = h.Boot(context.Background())
	h.login(t)

	id, err := h.AddContact(context.Background(), ContactRequest{Username: "bob", PublicKey: "pk-bob"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	contacts, err := h.Contacts(context.Background())
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "direct", contacts[0].ConnectionType)

	require.NoError(t, h.RemoveContact(context.Background(), "bob"))
	err = h.RemoveContact(context.Background(), "bob")
	require.ErrorIs(t, err, domain.ErrRemote)
}

func TestMessengerServerAndTunnels(t *testing.T) {
	h := newMessengerHarness(t)
	_, _ = h.Boot(context.Background())
	h.login(t)
	ctx := context.Background()

	require.NoError(t, h.StartServer(ctx, 9100))
	url, err := h.CreateTunnel(ctx, 9100)
	require.NoError(t, err)
	assert.Contains(t, url, "9100")

	info, err := h.ConnectionInfo(ctx)
	require.NoError(t, err)
	assert.True(t, info.ServerRunning)
	assert.Equal(t, 9100, info.Port)
	assert.Equal(t, []string{url}, info.Tunnels)
	assert.Equal(t, "alice", info.Username)

	require.NoError(t, h.CloseTunnel(ctx, 9100))
	require.NoError(t, h.StopServer(ctx))
}

func TestMessengerPeersAndGroups(t *testing.T) {
	h := newMessengerHarness(t)
	_, _ = h.Boot(context.Background())
	h.login(t)
	ctx := context.Background()

	require.ErrorIs(t, h.ConnectToPeer(ctx, PeerAddress{Username: "bob"}), domain.ErrInvalidInput)
	require.NoError(t, h.ConnectToPeer(ctx, PeerAddress{Username: "bob", Host: "127.0.0.1", Port: 9001}))
	require.Eventually(t, func() bool { return len(h.Connections()) == 1 }, 2*time.Second, 10*time.Millisecond)

	groupID, err := h.CreateGroup(ctx, "team", []string{"bob"}, "")
	require.NoError(t, err)
	groups, err := h.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	entry, err := h.SendGroupMessage(ctx, groupID, "standup")
	require.NoError(t, err)
	assert.Equal(t, "alice", entry.Envelope.PeerID)
	assert.Len(t, h.History(domain.GroupConversation(groupID)), 1)

	require.NoError(t, h.DisconnectPeer(ctx, "bob"))
	require.Eventually(t, func() bool { return len(h.Connections()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMessengerRestartWorkerBridge(t *testing.T) {
	h := newMessengerHarness(t)
	_, _ = h.Boot(context.Background())

	res := h.RestartWorkerBridge(context.Background())
	assert.True(t, res.Success)
	assert.Contains(t, h.notifications(), "Worker bridge restarted")

	_, err := h.Register(context.Background(), "dave", "pw")
	assert.NoError(t, err, "commands reach the restarted worker")
}

func TestMessengerShutdownStopsEverything(t *testing.T) {
	h := newMessengerHarness(t)
	_, _ = h.Boot(context.Background())
	h.login(t)

	require.NoError(t, h.Shutdown(context.Background()))
	assert.False(t, h.engine.Running())
	assert.False(t, h.sup.Running())
	_, ok := h.CurrentUser()
	assert.False(t, ok)
}
