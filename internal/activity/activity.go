// Package activity holds the session-scoped, append-only activity log shown
// to the user while an update runs.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("activity")

// Category tags an entry with its source or severity.
type Category int

const (
	System Category = iota
	User
	Update
	Warning
	Error
	Success
)

func (c Category) String() string {
	switch c {
	case System:
		return "System"
	case User:
		return "User"
	case Update:
		return "Update"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Success:
		return "Success"
	default:
		return "Unknown"
	}
}

func (c Category) level() slog.Level {
	switch c {
	case Warning:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TimeFormat is the clock layout used in displayed log lines.
const TimeFormat = "15:04:05"

// Entry is one line of the activity log. Entries are never modified after
// they are appended.
type Entry struct {
	Time     time.Time
	Message  string
	Category Category
}

// Formatted renders the entry as "[HH:mm:ss] message".
func (e Entry) Formatted() string {
	return "[" + e.Time.Format(TimeFormat) + "] " + e.Message
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// Log is an ordered, unbounded sequence of entries. Append may be called
// from any goroutine; observers see entries in append order.
type Log struct {
	// notifyMu serializes Append end to end so observers are called in the
	// same order entries were stored. mu guards entries and observers.
	notifyMu sync.Mutex
	mu       sync.RWMutex

	entries   []Entry
	observers map[int]func(Entry)
	nextID    int
	now       func() time.Time
}

// New returns an empty log.
func New(opts ...Option) *Log {
	l := &Log{
		observers: make(map[int]func(Entry)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stores a new entry stamped with the current time and notifies
// observers. Observers must not call Append themselves.
func (l *Log) Append(message string, category Category) Entry {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	ts := l.now()
	if n := len(l.entries); n > 0 && ts.Before(l.entries[n-1].Time) {
		ts = l.entries[n-1].Time
	}
	entry := Entry{Time: ts, Message: message, Category: category}
	l.entries = append(l.entries, entry)

	observers := make([]func(Entry), 0, len(l.observers))
	for id := 0; id < l.nextID; id++ {
		if fn, ok := l.observers[id]; ok {
			observers = append(observers, fn)
		}
	}
	l.mu.Unlock()

	log.Log(context.Background(), category.level(), message, logging.KeyCategory, category.String())

	for _, fn := range observers {
		fn(entry)
	}
	return entry
}

// Subscribe registers fn to be called for every entry appended after this
// call. The returned function removes the subscription.
func (l *Log) Subscribe(fn func(Entry)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.observers[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.observers, id)
			l.mu.Unlock()
		})
	}
}

// Entries returns a copy of all entries in append order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries appended so far.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
