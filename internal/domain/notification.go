package domain

import "time"

// Severity classifies a user-facing notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is an ephemeral, auto-expiring message shown to the user.
type Notification struct {
	ID        uint64        `json:"id"`
	Message   string        `json:"message"`
	Severity  Severity      `json:"severity"`
	CreatedAt time.Time     `json:"created_at"`
	Duration  time.Duration `json:"duration"`
}

// Notifier raises notifications. Implemented by the notification center.
type Notifier interface {
	Add(message string, severity Severity, duration time.Duration) uint64
}
