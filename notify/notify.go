// Package notify is the alert surface: user-visible messages with a
// severity and a display lifetime.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jmcleod/ironsession/internal/clock"
	"github.com/jmcleod/ironsession/internal/uuid"
)

// Severity of a notification.
type Severity string

const (
	Success Severity = "success"
	Error   Severity = "error"
	Warning Severity = "warning"
	Info    Severity = "info"
)

// Notifier accepts notifications for display.
type Notifier interface {
	Notify(severity Severity, title, message string, ttl time.Duration)
}

// Func adapts a function to Notifier.
type Func func(severity Severity, title, message string, ttl time.Duration)

func (f Func) Notify(severity Severity, title, message string, ttl time.Duration) {
	f(severity, title, message, ttl)
}

// Discard drops every notification.
var Discard Notifier = Func(func(Severity, string, string, time.Duration) {})

// Log writes notifications to a slog logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(severity Severity, title, message string, ttl time.Duration) {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	level := slog.LevelInfo
	switch severity {
	case Error:
		level = slog.LevelError
	case Warning:
		level = slog.LevelWarn
	}
	log.Log(context.Background(), level, title, "severity", string(severity), "message", message, "ttl", ttl)
}

// Multi fans a notification out to every notifier.
type Multi []Notifier

func (m Multi) Notify(severity Severity, title, message string, ttl time.Duration) {
	for _, n := range m {
		n.Notify(severity, title, message, ttl)
	}
}

// Notification is a queued alert.
type Notification struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (n Notification) String() string {
	return fmt.Sprintf("[%s] %s: %s", n.Severity, n.Title, n.Message)
}

// DefaultQueueSize caps a Queue built with size <= 0.
const DefaultQueueSize = 50

// Queue keeps notifications until their ttl passes or they are dismissed.
// It backs the agent's notifications endpoint.
type Queue struct {
	mu    sync.Mutex
	clock clock.Clock
	size  int
	items []Notification
}

// NewQueue returns a Queue holding at most size live notifications.
func NewQueue(c clock.Clock, size int) *Queue {
	if c == nil {
		c = clock.Real{}
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{clock: c, size: size}
}

func (q *Queue) Notify(severity Severity, title, message string, ttl time.Duration) {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(now)
	q.items = append(q.items, Notification{
		ID:        uuid.New(),
		Severity:  severity,
		Title:     title,
		Message:   message,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if over := len(q.items) - q.size; over > 0 {
		q.items = slices.Delete(q.items, 0, over)
	}
}

// Active returns the unexpired notifications, oldest first.
func (q *Queue) Active() []Notification {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(now)
	return slices.Clone(q.items)
}

// Dismiss removes a notification. It reports whether id was live.
func (q *Queue) Dismiss(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.IndexFunc(q.items, func(n Notification) bool { return n.ID == id })
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	return true
}

func (q *Queue) pruneLocked(now time.Time) {
	q.items = slices.DeleteFunc(q.items, func(n Notification) bool {
		return !now.Before(n.ExpiresAt)
	})
}
