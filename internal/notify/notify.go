// Package notify keeps a capped in-memory log of user-visible alerts and
// mirrors each entry to the notifications table so alerts survive a restart.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/store"
)

// Notification levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Log is a capped, newest-first notification buffer.
type Log struct {
	mu       sync.Mutex
	store    *store.Store
	logger   *slog.Logger
	maxItems int
	items    []domain.Notification
	now      func() time.Time
}

// NewLog creates a Log holding at most maxItems entries in memory.
// store may be nil, in which case entries are memory-only.
func NewLog(st *store.Store, maxItems int, logger *slog.Logger) *Log {
	if maxItems <= 0 {
		maxItems = 50
	}
	return &Log{
		store:    st,
		logger:   logger,
		maxItems: maxItems,
		now:      time.Now,
	}
}

// SetClock overrides the wall clock for tests.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Add records a notification. Persistence failures are logged and do not
// block the caller; an alert that only reaches memory is still an alert.
func (l *Log) Add(ctx context.Context, level, message string, attrs map[string]string) domain.Notification {
	l.mu.Lock()
	n := domain.Notification{
		Level:     level,
		Message:   message,
		Context:   attrs,
		CreatedAt: l.now().UTC(),
	}
	l.items = append([]domain.Notification{n}, l.items...)
	if len(l.items) > l.maxItems {
		l.items = l.items[:l.maxItems]
	}
	l.mu.Unlock()

	switch level {
	case LevelError:
		l.logger.Error(message, "notification", true)
	case LevelWarn:
		l.logger.Warn(message, "notification", true)
	default:
		l.logger.Info(message, "notification", true)
	}

	if l.store != nil {
		if err := l.store.InsertNotification(ctx, n); err != nil {
			l.logger.Error("persisting notification", "error", err)
		}
	}
	return n
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all
// buffered entries.
func (l *Log) Recent(limit int) []domain.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.items)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]domain.Notification(nil), l.items[:n]...)
}
