package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisperlink/internal/domain"
)

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                  {}

func (b *recordingBus) Types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

func newTestCenter(cfg Config, bus domain.EventBus) *Center {
	c := NewCenter(cfg, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return c
}

func TestAddAssignsUniqueMonotonicIDs(t *testing.T) {
	c := newTestCenter(Config{}, nil)
	defer c.Close()

	var ids []uint64
	for i := 0; i < 5; i++ {
		ids = append(ids, c.Add("hello", domain.SeverityInfo, time.Minute))
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}

	list := c.List()
	require.Len(t, list, 5)
	for i, n := range list {
		assert.Equal(t, ids[i], n.ID, "display order follows append order")
	}
}

func TestConcurrentAddNeverSharesID(t *testing.T) {
	c := newTestCenter(Config{}, nil)
	defer c.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[uint64]bool{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := c.Add("x", domain.SeverityWarning, time.Minute)
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestNotificationExpires(t *testing.T) {
	bus := &recordingBus{}
	c := newTestCenter(Config{}, bus)
	defer c.Close()

	c.Add("short", domain.SeveritySuccess, 30*time.Millisecond)
	keep := c.Add("long", domain.SeverityInfo, time.Minute)

	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, keep, c.List()[0].ID)
	assert.Equal(t, []domain.EventType{
		domain.EventNotificationAdded,
		domain.EventNotificationAdded,
		domain.EventNotificationRemoved,
	}, bus.Types())
}

func TestRemoveIsIdempotent(t *testing.T) {
	c := newTestCenter(Config{}, nil)
	defer c.Close()

	id := c.Add("dismiss me", domain.SeverityError, time.Minute)
	assert.True(t, c.Remove(id))
	assert.False(t, c.Remove(id))
	assert.False(t, c.Remove(999))
	assert.Empty(t, c.List())
}

func TestDismissBeforeExpiry(t *testing.T) {
	c := newTestCenter(Config{}, nil)
	defer c.Close()

	id := c.Add("race", domain.SeverityInfo, 20*time.Millisecond)
	assert.True(t, c.Remove(id))
	time.Sleep(50 * time.Millisecond) // the expiry timer must not resurrect or panic
	assert.Equal(t, 0, c.Len())
}

func TestDefaultDurations(t *testing.T) {
	c := newTestCenter(Config{Warning: 7 * time.Second}, nil)
	defer c.Close()

	assert.Equal(t, 3*time.Second, c.DefaultDuration(domain.SeverityInfo))
	assert.Equal(t, 3*time.Second, c.DefaultDuration(domain.SeveritySuccess))
	assert.Equal(t, 7*time.Second, c.DefaultDuration(domain.SeverityWarning))
	assert.Equal(t, 6*time.Second, c.DefaultDuration(domain.SeverityError))

	c.Add("warn", domain.SeverityWarning, 0)
	c.Add("odd", domain.Severity("fatal"), -1)
	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, 7*time.Second, list[0].Duration)
	assert.Equal(t, domain.SeverityInfo, list[1].Severity)
	assert.Equal(t, 3*time.Second, list[1].Duration)
}

func TestCloseStopsTimers(t *testing.T) {
	bus := &recordingBus{}
	c := newTestCenter(Config{}, bus)

	c.Add("pending", domain.SeverityInfo, 20*time.Millisecond)
	c.Close()
	c.Close()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []domain.EventType{domain.EventNotificationAdded}, bus.Types())
	assert.Equal(t, uint64(0), c.Add("late", domain.SeverityInfo, 0))
}
