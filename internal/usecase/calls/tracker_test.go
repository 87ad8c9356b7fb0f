package calls

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisperlink/internal/domain"
)

// stubInvoker answers commands from a table and records what it was sent.
type stubInvoker struct {
	mu      sync.Mutex
	replies map[string]*domain.Response
	errs    map[string]error
	sent    []string
}

func newStubInvoker() *stubInvoker {
	return &stubInvoker{replies: map[string]*domain.Response{}, errs: map[string]error{}}
}

func (s *stubInvoker) Call(_ context.Context, name string, _ map[string]any) (*domain.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, name)
	if err := s.errs[name]; err != nil {
		return nil, err
	}
	if resp, ok := s.replies[name]; ok {
		return resp, nil
	}
	return &domain.Response{Success: true}, nil
}

func (s *stubInvoker) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.EventType
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e.Type)
	b.mu.Unlock()
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                  {}

func (b *recordingBus) Count(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e == t {
			n++
		}
	}
	return n
}

func newTestTracker(inv Invoker) (*Tracker, *recordingBus) {
	bus := &recordingBus{}
	return NewTracker(inv, bus, slog.New(slog.NewTextHandler(io.Discard, nil))), bus
}

func ringing(id, peer string) domain.CallRecord {
	return domain.CallRecord{CallID: id, PeerID: peer, Status: domain.CallRinging}
}

func TestMergeIncomingIsIdempotent(t *testing.T) {
	tr, bus := newTestTracker(newStubInvoker())

	added := tr.MergeIncoming([]domain.CallRecord{ringing("c1", "bob")})
	require.Len(t, added, 1)
	added = tr.MergeIncoming([]domain.CallRecord{ringing("c1", "bob")})
	assert.Empty(t, added)

	incoming := tr.IncomingCalls()
	require.Len(t, incoming, 1)
	assert.Equal(t, domain.CallIncoming, incoming[0].Direction)
	assert.Equal(t, 1, bus.Count(domain.EventCallIncoming))
}

func TestMergeIncomingKeepsArrivalOrder(t *testing.T) {
	tr, _ := newTestTracker(newStubInvoker())

	tr.MergeIncoming([]domain.CallRecord{ringing("c2", "carol")})
	tr.MergeIncoming([]domain.CallRecord{ringing("c1", "bob"), ringing("c2", "carol"), {CallID: ""}})

	incoming := tr.IncomingCalls()
	require.Len(t, incoming, 2)
	assert.Equal(t, "c2", incoming[0].CallID)
	assert.Equal(t, "c1", incoming[1].CallID)
}

func TestCallLifecycle(t *testing.T) {
	inv := newStubInvoker()
	tr, bus := newTestTracker(inv)
	ctx := context.Background()

	tr.MergeIncoming([]domain.CallRecord{ringing("c1", "bob")})
	require.NoError(t, tr.Accept(ctx, "c1"))
	assert.Empty(t, tr.IncomingCalls())

	shown, ok := tr.DisplayedCall()
	require.True(t, ok)
	assert.Equal(t, domain.CallConnecting, shown.Status)

	tr.ReplaceActive([]domain.CallRecord{{CallID: "c1", PeerID: "bob", Status: domain.CallActive}})
	shown, ok = tr.DisplayedCall()
	require.True(t, ok)
	assert.Equal(t, "c1", shown.CallID)
	assert.Equal(t, domain.CallActive, shown.Status)
	assert.Equal(t, domain.CallIncoming, shown.Direction)

	require.NoError(t, tr.End(ctx, "c1"))
	_, ok = tr.DisplayedCall()
	assert.False(t, ok)
	assert.Empty(t, tr.ActiveCalls())
	assert.Equal(t, 1, bus.Count(domain.EventCallCleared))
	assert.Equal(t, []string{domain.CmdAcceptVoiceCall, domain.CmdEndVoiceCall}, inv.Sent())
}

func TestAcceptFailureKeepsCallRinging(t *testing.T) {
	inv := newStubInvoker()
	inv.replies[domain.CmdAcceptVoiceCall] = &domain.Response{Success: false, Error: "call expired"}
	tr, _ := newTestTracker(inv)

	tr.MergeIncoming([]domain.CallRecord{ringing("c1", "bob")})
	err := tr.Accept(context.Background(), "c1")
	require.ErrorIs(t, err, domain.ErrRemote)

	assert.Len(t, tr.IncomingCalls(), 1)
	_, ok := tr.DisplayedCall()
	assert.False(t, ok)
}

func TestAcceptUnknownCall(t *testing.T) {
	tr, _ := newTestTracker(newStubInvoker())
	err := tr.Accept(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeCallNotFound, domain.ErrorCodeOf(err))
}

func TestAcceptRejectsIllegalTransition(t *testing.T) {
	inv := newStubInvoker()
	tr, _ := newTestTracker(inv)

	tr.MergeIncoming([]domain.CallRecord{{CallID: "c1", PeerID: "bob", Status: domain.CallEnded}})
	err := tr.Accept(context.Background(), "c1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, domain.CodeCallTransition, domain.ErrorCodeOf(err))
	assert.Empty(t, inv.Sent(), "illegal moves never reach the worker")
}

func TestRejectRemovesCallEvenOnFailure(t *testing.T) {
	inv := newStubInvoker()
	inv.errs[domain.CmdRejectVoiceCall] = domain.NewSubSystemError("command", "Client.Invoke", domain.ErrTimeout, "reject")
	tr, _ := newTestTracker(inv)

	tr.MergeIncoming([]domain.CallRecord{ringing("c1", "bob")})
	err := tr.Reject(context.Background(), "c1")
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Empty(t, tr.IncomingCalls())
}

func TestEndFailureKeepsDisplayedCall(t *testing.T) {
	inv := newStubInvoker()
	inv.replies[domain.CmdEndVoiceCall] = &domain.Response{Success: false, Error: "no such call"}
	tr, _ := newTestTracker(inv)

	tr.ReplaceActive([]domain.CallRecord{{CallID: "c1", PeerID: "bob", Status: domain.CallActive}})
	err := tr.End(context.Background(), "c1")
	require.ErrorIs(t, err, domain.ErrRemote)

	shown, ok := tr.DisplayedCall()
	require.True(t, ok)
	assert.Equal(t, "c1", shown.CallID)
}

func TestStartOutgoingCall(t *testing.T) {
	inv := newStubInvoker()
	inv.replies[domain.CmdStartVoiceCall] = &domain.Response{
		Success: true,
		Payload: map[string]json.RawMessage{"call_id": json.RawMessage(`"c9"`)},
	}
	tr, _ := newTestTracker(inv)
	ctx := context.Background()

	rec, err := tr.Start(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "c9", rec.CallID)
	assert.Equal(t, domain.CallOutgoing, rec.Direction)
	assert.Equal(t, domain.CallConnecting, rec.Status)

	_, err = tr.Start(ctx, "bob")
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "one displayed call at a time")

	// Still connecting on the worker side: the dialog stays up.
	tr.ReplaceActive([]domain.CallRecord{{CallID: "c9", PeerID: "alice", Status: domain.CallConnecting}})
	_, ok := tr.DisplayedCall()
	assert.True(t, ok)

	// Gone from the worker: the dialog is cleared.
	tr.ReplaceActive(nil)
	_, ok = tr.DisplayedCall()
	assert.False(t, ok)
}

func TestAcceptedCallClearedOnceWorkerDropsIt(t *testing.T) {
	inv := newStubInvoker()
	tr, bus := newTestTracker(inv)

	tr.MergeIncoming([]domain.CallRecord{ringing("c1", "bob")})
	require.NoError(t, tr.Accept(context.Background(), "c1"))

	// Between accept and the worker reporting the call active, polls list
	// it as connecting (or still ringing) with nothing active.
	tr.ReplaceActive([]domain.CallRecord{{CallID: "c1", PeerID: "bob", Status: domain.CallConnecting}})
	tr.ReplaceActive([]domain.CallRecord{{CallID: "c1", PeerID: "bob", Status: domain.CallRinging}})
	shown, ok := tr.DisplayedCall()
	require.True(t, ok)
	assert.Equal(t, "c1", shown.CallID)
	assert.Equal(t, 0, bus.Count(domain.EventCallCleared))

	// Another call being set up does not keep c1 on screen.
	tr.ReplaceActive([]domain.CallRecord{{CallID: "c2", PeerID: "carol", Status: domain.CallConnecting}})
	_, ok = tr.DisplayedCall()
	assert.False(t, ok)
	assert.Equal(t, 1, bus.Count(domain.EventCallCleared))

	tr.ReplaceActive(nil)
	assert.Equal(t, 1, bus.Count(domain.EventCallCleared), "cleared once")
}

func TestStartRequiresPeer(t *testing.T) {
	tr, _ := newTestTracker(newStubInvoker())
	_, err := tr.Start(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestReplaceActiveWithSeveralActiveLeavesDisplayAlone(t *testing.T) {
	tr, _ := newTestTracker(newStubInvoker())

	tr.ReplaceActive([]domain.CallRecord{{CallID: "c1", Status: domain.CallActive}})
	tr.ReplaceActive([]domain.CallRecord{
		{CallID: "c1", Status: domain.CallActive},
		{CallID: "c2", Status: domain.CallActive},
	})

	shown, ok := tr.DisplayedCall()
	require.True(t, ok)
	assert.Equal(t, "c1", shown.CallID)
	assert.Len(t, tr.ActiveCalls(), 2)
}

func TestReplaceActiveSameCallEmitsOnce(t *testing.T) {
	tr, bus := newTestTracker(newStubInvoker())
	active := []domain.CallRecord{{CallID: "c1", PeerID: "bob", Status: domain.CallActive}}

	tr.ReplaceActive(active)
	tr.ReplaceActive(active)
	assert.Equal(t, 1, bus.Count(domain.EventCallDisplayed))
}

func TestReset(t *testing.T) {
	tr, _ := newTestTracker(newStubInvoker())
	tr.MergeIncoming([]domain.CallRecord{ringing("c1", "bob")})
	tr.ReplaceActive([]domain.CallRecord{{CallID: "c2", Status: domain.CallActive}})

	tr.Reset()
	assert.Empty(t, tr.IncomingCalls())
	assert.Empty(t, tr.ActiveCalls())
	_, ok := tr.DisplayedCall()
	assert.False(t, ok)
}

func TestStalePollAfterAnswerIsIgnored(t *testing.T) {
	tr, _ := newTestTracker(newStubInvoker())
	tr.MergeIncoming([]domain.CallRecord{ringing("c1", "bob"), ringing("c2", "carol")})

	require.NoError(t, tr.Accept(context.Background(), "c1"))
	require.NoError(t, tr.Reject(context.Background(), "c2"))

	// A pending-calls poll issued before the answers lands afterwards.
	added := tr.MergeIncoming([]domain.CallRecord{ringing("c1", "bob"), ringing("c2", "carol")})
	assert.Empty(t, added)
	assert.Empty(t, tr.IncomingCalls())

	tr.Reset()
	assert.Len(t, tr.MergeIncoming([]domain.CallRecord{ringing("c1", "bob")}), 1, "a new session starts clean")
}

func TestStaleActivePollAfterEndIsIgnored(t *testing.T) {
	tr, _ := newTestTracker(newStubInvoker())
	active := []domain.CallRecord{{CallID: "c1", PeerID: "bob", Status: domain.CallActive}}

	tr.ReplaceActive(active)
	require.NoError(t, tr.End(context.Background(), "c1"))

	tr.ReplaceActive(active)
	_, ok := tr.DisplayedCall()
	assert.False(t, ok)
	assert.Empty(t, tr.ActiveCalls())
}
