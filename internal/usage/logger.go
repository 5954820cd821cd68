package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// recordTimeout bounds one background insert so a wedged database
// cannot stall the worker forever.
const recordTimeout = 10 * time.Second

// Logger dispatches accounting records to a Store from a background
// worker. Enqueueing never blocks: when the buffer is full the record
// is dropped and counted, because accounting must never slow down or
// fail a chat request. Worker panics are recovered; store errors are
// logged and discarded.
type Logger struct {
	store  *Store
	logger *slog.Logger
	ch     chan Record

	mu      sync.Mutex
	dropped int

	done chan struct{}
	once sync.Once
}

// NewLogger starts a background dispatcher over store. bufferSize <= 0
// falls back to 64.
func NewLogger(store *Store, bufferSize int, logger *slog.Logger) *Logger {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		store:  store,
		logger: logger.With("component", "usage"),
		ch:     make(chan Record, bufferSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Log enqueues a record without blocking. The outcome never reaches
// the caller; a full buffer drops the record.
func (l *Logger) Log(rec Record) {
	select {
	case l.ch <- rec:
	default:
		l.mu.Lock()
		l.dropped++
		n := l.dropped
		l.mu.Unlock()
		l.logger.Warn("usage record dropped, buffer full", "dropped_total", n)
	}
}

// Dropped returns how many records have been discarded due to a full
// buffer.
func (l *Logger) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close stops the worker after draining records already enqueued.
func (l *Logger) Close() {
	l.once.Do(func() {
		close(l.ch)
		<-l.done
	})
}

func (l *Logger) run() {
	defer close(l.done)
	for rec := range l.ch {
		l.record(rec)
	}
}

// record writes one entry, containing any failure inside this
// goroutine. A deliberate error boundary: accounting outcomes must
// never affect a response already sent.
func (l *Logger) record(rec Record) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in usage recorder", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := l.store.Record(ctx, rec); err != nil {
		l.logger.Error("usage record failed", "error", err, "type", rec.Type, "session_id", rec.SessionID)
	}
}
