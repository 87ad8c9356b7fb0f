// Package calls tracks voice-call signaling: the set of incoming calls
// awaiting an answer, the mirror of the worker's active calls and the single
// call currently displayed to the user.
//
// Transitions driven by the user are confirmed by the worker before they are
// applied, with one exception: a rejected call always leaves the incoming
// set, so a failed reject never leaves a call ringing locally.
package calls

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"whisperlink/internal/domain"
)

// Invoker sends one command to the worker.
type Invoker interface {
	Call(ctx context.Context, name string, args map[string]any) (*domain.Response, error)
}

// Tracker is the call signaling state machine. It is safe for concurrent use.
type Tracker struct {
	invoker Invoker
	bus     domain.EventBus
	logger  *slog.Logger

	mu        sync.Mutex
	incoming  map[string]domain.CallRecord
	order     []string // incoming call IDs in arrival order
	active    []domain.CallRecord
	displayed *domain.CallRecord
	settled   map[string]domain.CallStatus // local outcome of calls answered, rejected or ended this session
}

// NewTracker creates a Tracker. bus may be nil.
func NewTracker(invoker Invoker, bus domain.EventBus, logger *slog.Logger) *Tracker {
	return &Tracker{
		invoker:  invoker,
		bus:      bus,
		logger:   logger,
		incoming: make(map[string]domain.CallRecord),
		settled:  make(map[string]domain.CallStatus),
	}
}

// MergeIncoming adds pending calls to the incoming set by call ID. IDs
// already present are ignored, so merging the same poll result twice leaves
// one entry per call. Calls already answered, rejected or ended locally are
// ignored too, since a poll issued before the answer may land after it. It
// returns the calls that were new.
func (t *Tracker) MergeIncoming(records []domain.CallRecord) []domain.CallRecord {
	t.mu.Lock()
	var added []domain.CallRecord
	for _, rec := range records {
		if rec.CallID == "" {
			continue
		}
		if _, ok := t.incoming[rec.CallID]; ok {
			continue
		}
		if _, ok := t.settled[rec.CallID]; ok {
			continue
		}
		if rec.Status == "" {
			rec.Status = domain.CallRinging
		}
		if rec.Direction == "" {
			rec.Direction = domain.CallIncoming
		}
		t.incoming[rec.CallID] = rec
		t.order = append(t.order, rec.CallID)
		added = append(added, rec)
	}
	t.mu.Unlock()

	for _, rec := range added {
		t.logger.Info("incoming call", "call_id", rec.CallID, "peer", rec.PeerID)
		t.emitEvent(domain.EventCallIncoming, rec)
	}
	return added
}

// ReplaceActive replaces the active-call mirror with the worker's view. When
// exactly one call is active it becomes the displayed call. Calls already
// ended locally are ignored.
//
// When no call is active the displayed call survives only while the worker
// still lists it as ringing or connecting. Accept and Start display a call
// as connecting before the worker reports it active, so the polls in between
// carry zero active calls; clearing on those would close the dialog of a
// call that is still being set up. Once a poll no longer lists the displayed
// call at all, it is cleared and EventCallCleared is emitted.
func (t *Tracker) ReplaceActive(records []domain.CallRecord) {
	t.mu.Lock()
	t.active = t.active[:0]
	for _, rec := range records {
		if t.settled[rec.CallID] != domain.CallEnded {
			t.active = append(t.active, rec)
		}
	}
	records = t.active

	var live []domain.CallRecord
	for _, rec := range records {
		if rec.Status == domain.CallActive {
			live = append(live, rec)
		}
	}

	var shown, cleared *domain.CallRecord
	switch len(live) {
	case 1:
		rec := live[0]
		if t.displayed != nil && t.displayed.CallID == rec.CallID {
			if !domain.CanTransition(t.displayed.Status, rec.Status) {
				t.logger.Warn("worker reported an unexpected call transition",
					"call_id", rec.CallID, "from", string(t.displayed.Status), "to", string(rec.Status))
			}
			if rec.Direction == "" {
				rec.Direction = t.displayed.Direction
			}
		}
		if t.displayed == nil || *t.displayed != rec {
			t.displayed = &rec
			shown = &rec
		}
		t.dropIncomingLocked(rec.CallID)
	case 0:
		if t.displayed != nil && !listedPending(records, t.displayed.CallID) {
			cleared = t.displayed
			t.displayed = nil
		}
	}
	t.mu.Unlock()

	if shown != nil {
		t.emitEvent(domain.EventCallDisplayed, *shown)
	}
	if cleared != nil {
		t.emitEvent(domain.EventCallCleared, *cleared)
	}
}

func listedPending(records []domain.CallRecord, callID string) bool {
	for _, rec := range records {
		if rec.CallID == callID && (rec.Status == domain.CallRinging || rec.Status == domain.CallConnecting) {
			return true
		}
	}
	return false
}

// Start places an outgoing call to peer. On confirmed success the call is
// displayed as connecting.
func (t *Tracker) Start(ctx context.Context, peer string) (domain.CallRecord, error) {
	if peer == "" {
		return domain.CallRecord{}, domain.NewSubSystemError("calls", "Tracker.Start", domain.ErrInvalidInput, "peer is required")
	}
	t.mu.Lock()
	busy := t.displayed
	t.mu.Unlock()
	if busy != nil {
		return domain.CallRecord{}, domain.NewSubSystemError("calls", "Tracker.Start", domain.ErrInvalidInput,
			fmt.Sprintf("call %s with %s is already in progress", busy.CallID, busy.PeerID))
	}

	resp, err := t.invoke(ctx, domain.CmdStartVoiceCall, map[string]any{"peer_username": peer})
	if err != nil {
		return domain.CallRecord{}, err
	}

	rec := domain.CallRecord{
		CallID:    resp.String("call_id"),
		PeerID:    peer,
		Status:    domain.CallConnecting,
		Direction: domain.CallOutgoing,
	}
	t.mu.Lock()
	t.displayed = &rec
	t.mu.Unlock()

	t.logger.Info("outgoing call started", "call_id", rec.CallID, "peer", peer)
	t.emitEvent(domain.EventCallDisplayed, rec)
	return rec, nil
}

// Accept answers an incoming call. Only once the worker confirms is the
// call removed from the incoming set and displayed as connecting.
func (t *Tracker) Accept(ctx context.Context, callID string) error {
	t.mu.Lock()
	rec, ok := t.incoming[callID]
	t.mu.Unlock()
	if !ok {
		return domain.NewSubSystemError("calls", "Tracker.Accept", domain.ErrNotFound, callID)
	}
	if !domain.CanTransition(rec.Status, domain.CallConnecting) {
		return domain.NewSubSystemError("calls", "Tracker.Accept", domain.ErrInvalidInput,
			fmt.Sprintf("cannot transition from %s to %s", rec.Status, domain.CallConnecting))
	}

	if _, err := t.invoke(ctx, domain.CmdAcceptVoiceCall, map[string]any{"call_id": callID}); err != nil {
		return err
	}

	rec.Status = domain.CallConnecting
	t.mu.Lock()
	t.dropIncomingLocked(callID)
	t.settled[callID] = domain.CallConnecting
	t.displayed = &rec
	t.mu.Unlock()

	t.logger.Info("call accepted", "call_id", callID, "peer", rec.PeerID)
	t.emitEvent(domain.EventCallDisplayed, rec)
	return nil
}

// Reject declines an incoming call. The call leaves the incoming set
// whatever the worker answers; the worker's error, if any, is returned.
func (t *Tracker) Reject(ctx context.Context, callID string) error {
	t.mu.Lock()
	_, ok := t.incoming[callID]
	t.dropIncomingLocked(callID)
	t.settled[callID] = domain.CallEnded
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("rejecting a call not in the incoming set", "call_id", callID)
	}

	_, err := t.invoke(ctx, domain.CmdRejectVoiceCall, map[string]any{"call_id": callID})
	if err != nil {
		t.logger.Warn("reject call failed", "call_id", callID, "error", err)
		return err
	}
	t.logger.Info("call rejected", "call_id", callID)
	return nil
}

// End hangs up a call. The displayed call is cleared only once the worker
// confirms.
func (t *Tracker) End(ctx context.Context, callID string) error {
	t.mu.Lock()
	if t.displayed != nil && t.displayed.CallID == callID && !domain.CanTransition(t.displayed.Status, domain.CallEnded) {
		from := t.displayed.Status
		t.mu.Unlock()
		return domain.NewSubSystemError("calls", "Tracker.End", domain.ErrInvalidInput,
			fmt.Sprintf("cannot transition from %s to %s", from, domain.CallEnded))
	}
	t.mu.Unlock()

	if _, err := t.invoke(ctx, domain.CmdEndVoiceCall, map[string]any{"call_id": callID}); err != nil {
		return err
	}

	var cleared *domain.CallRecord
	t.mu.Lock()
	t.settled[callID] = domain.CallEnded
	if t.displayed != nil && t.displayed.CallID == callID {
		rec := *t.displayed
		rec.Status = domain.CallEnded
		cleared = &rec
		t.displayed = nil
	}
	kept := t.active[:0]
	for _, rec := range t.active {
		if rec.CallID != callID {
			kept = append(kept, rec)
		}
	}
	t.active = kept
	t.mu.Unlock()

	t.logger.Info("call ended", "call_id", callID)
	if cleared != nil {
		t.emitEvent(domain.EventCallCleared, *cleared)
	}
	return nil
}

// IncomingCalls returns the unanswered calls in arrival order.
func (t *Tracker) IncomingCalls() []domain.CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.CallRecord, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.incoming[id])
	}
	return out
}

// ActiveCalls returns the last active-call mirror.
func (t *Tracker) ActiveCalls() []domain.CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.CallRecord(nil), t.active...)
}

// DisplayedCall returns the call shown to the user, if any.
func (t *Tracker) DisplayedCall() (domain.CallRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.displayed == nil {
		return domain.CallRecord{}, false
	}
	return *t.displayed, true
}

// Reset forgets all call state. Called when the session closes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.incoming = make(map[string]domain.CallRecord)
	t.order = nil
	t.active = nil
	t.displayed = nil
	t.settled = make(map[string]domain.CallStatus)
}

func (t *Tracker) dropIncomingLocked(callID string) {
	if _, ok := t.incoming[callID]; !ok {
		return
	}
	delete(t.incoming, callID)
	for i, id := range t.order {
		if id == callID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *Tracker) invoke(ctx context.Context, name string, args map[string]any) (*domain.Response, error) {
	resp, err := t.invoker.Call(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(name); err != nil {
		return resp, err
	}
	return resp, nil
}

func (t *Tracker) emitEvent(eventType domain.EventType, rec domain.CallRecord) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(context.Background(), domain.NewEvent(eventType, rec))
}
