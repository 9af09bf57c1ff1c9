package sandbox

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// Lease is exclusive use of one instance for one invocation. Release must
// be called exactly once on every exit path; further calls are no-ops.
type Lease struct {
	id        string
	spec      Spec
	sessionID string
	pool      *Pool
	cp        *classPool

	crashed   chan struct{}
	crashOnce sync.Once
	released  atomic.Bool
}

// ID is the leased instance id.
func (l *Lease) ID() string { return l.id }

// Spec is the spec the instance was created with.
func (l *Lease) Spec() Spec { return l.spec }

// Crashed is closed when the pool detects the instance died while leased.
func (l *Lease) Crashed() <-chan struct{} { return l.crashed }

// Exec runs cmd in the leased instance.
func (l *Lease) Exec(ctx context.Context, cmd Command, stdout, stderr io.Writer) (ExecResult, error) {
	select {
	case <-l.crashed:
		return ExecResult{}, ErrCrashed
	default:
	}
	if l.released.Load() {
		return ExecResult{}, ErrNotAssigned
	}
	return l.cp.provider.Exec(ctx, l.id, cmd, stdout, stderr)
}

// Release hands the instance back to the pool with the given outcome.
func (l *Lease) Release(outcome Outcome) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	_ = l.pool.release(l.cp, l.id, l, outcome)
}

func (l *Lease) markCrashed() {
	l.crashOnce.Do(func() { close(l.crashed) })
}
