// Package notify keeps the list of ephemeral, auto-expiring notifications
// shown to the user.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"whisperlink/internal/domain"
)

// Config holds the default display duration per severity.
type Config struct {
	Info    time.Duration // default: 3s
	Success time.Duration // default: 3s
	Warning time.Duration // default: 5s
	Error   time.Duration // default: 6s
}

type entry struct {
	n     domain.Notification
	timer *time.Timer
}

// Center owns the notification list. Append order is display order and IDs
// are never reused within a Center's lifetime.
type Center struct {
	config Config
	bus    domain.EventBus
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	entries []*entry
	closed  bool
}

var _ domain.Notifier = (*Center)(nil)

// NewCenter creates a Center. bus may be nil.
func NewCenter(cfg Config, bus domain.EventBus, logger *slog.Logger) *Center {
	if cfg.Info <= 0 {
		cfg.Info = 3 * time.Second
	}
	if cfg.Success <= 0 {
		cfg.Success = 3 * time.Second
	}
	if cfg.Warning <= 0 {
		cfg.Warning = 5 * time.Second
	}
	if cfg.Error <= 0 {
		cfg.Error = 6 * time.Second
	}
	return &Center{config: cfg, bus: bus, logger: logger}
}

// DefaultDuration returns the configured display duration for severity.
func (c *Center) DefaultDuration(severity domain.Severity) time.Duration {
	switch severity {
	case domain.SeveritySuccess:
		return c.config.Success
	case domain.SeverityWarning:
		return c.config.Warning
	case domain.SeverityError:
		return c.config.Error
	default:
		return c.config.Info
	}
}

// Add appends a notification and schedules its removal after duration.
// A non-positive duration uses the severity default. An unknown severity is
// treated as info. After Close, Add returns 0 and records nothing.
func (c *Center) Add(message string, severity domain.Severity, duration time.Duration) uint64 {
	switch severity {
	case domain.SeverityInfo, domain.SeveritySuccess, domain.SeverityWarning, domain.SeverityError:
	default:
		severity = domain.SeverityInfo
	}
	if duration <= 0 {
		duration = c.DefaultDuration(severity)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	c.nextID++
	id := c.nextID
	e := &entry{n: domain.Notification{
		ID:        id,
		Message:   message,
		Severity:  severity,
		CreatedAt: time.Now(),
		Duration:  duration,
	}}
	e.timer = time.AfterFunc(duration, func() { c.Remove(id) })
	c.entries = append(c.entries, e)
	n := e.n
	c.mu.Unlock()

	c.logger.Debug("notification added", "id", id, "severity", string(severity), "message", message)
	c.emitEvent(domain.EventNotificationAdded, n)
	return id
}

// Remove deletes a notification by ID. It reports whether anything was
// removed; removing an expired or dismissed notification is a no-op.
func (c *Center) Remove(id uint64) bool {
	c.mu.Lock()
	idx := -1
	for i, e := range c.entries {
		if e.n.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	e := c.entries[idx]
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	e.timer.Stop()
	c.mu.Unlock()

	c.emitEvent(domain.EventNotificationRemoved, e.n)
	return true
}

// List returns the live notifications in display order.
func (c *Center) List() []domain.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Notification, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.n
	}
	return out
}

// Len returns the number of live notifications.
func (c *Center) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops every pending expiry timer and drops the list.
func (c *Center) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, e := range c.entries {
		e.timer.Stop()
	}
	c.entries = nil
}

func (c *Center) emitEvent(eventType domain.EventType, n domain.Notification) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(context.Background(), domain.NewEvent(eventType, n))
}
