package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// writeBehind persists routine session updates off the request path.
// Updates for the same session coalesce: only the latest snapshot is
// written.
type writeBehind struct {
	store  Store
	policy RetryPolicy
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]Session
	order   []string

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newWriteBehind(store Store, policy RetryPolicy, logger *slog.Logger) *writeBehind {
	return &writeBehind{
		store:   store,
		policy:  policy,
		logger:  logger,
		pending: make(map[string]Session),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *writeBehind) enqueue(s Session) {
	w.mu.Lock()
	if _, ok := w.pending[s.ID]; !ok {
		w.order = append(w.order, s.ID)
	}
	w.pending[s.ID] = s
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// forget drops a queued update, used when a synchronous write supersedes it.
func (w *writeBehind) forget(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

func (w *writeBehind) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *writeBehind) run() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.drain(context.Background(), true)
		case <-w.stop:
			return
		}
	}
}

// next pops the oldest queued session.
func (w *writeBehind) next() (Session, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.order) > 0 {
		id := w.order[0]
		w.order = w.order[1:]
		if s, ok := w.pending[id]; ok {
			delete(w.pending, id)
			return s, true
		}
	}
	return Session{}, false
}

// superseded reports whether a newer snapshot of id is queued.
func (w *writeBehind) superseded(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[id]
	return ok
}

func (w *writeBehind) drain(ctx context.Context, retry bool) {
	for {
		s, ok := w.next()
		if !ok {
			return
		}
		w.write(ctx, s, retry)
	}
}

func (w *writeBehind) write(ctx context.Context, s Session, retry bool) {
	for attempt := 0; ; attempt++ {
		err := w.store.Touch(ctx, s)
		if err == nil {
			return
		}
		if w.superseded(s.ID) {
			return
		}
		if !retry || !w.policy.ShouldRetry(attempt) {
			w.logger.Error("session write-behind failed",
				"session", s.ID, "attempts", attempt+1, "error", err)
			return
		}
		delay := w.policy.Delay(attempt)
		w.logger.Warn("session write-behind retrying",
			"session", s.ID, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-w.stop:
			return
		}
	}
}

// shutdown stops the worker and writes whatever is still queued once.
func (w *writeBehind) shutdown(ctx context.Context) {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
	w.drain(ctx, false)
}
