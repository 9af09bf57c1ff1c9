package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/clawgate/pkg/clawgate/apperr"
)

// ErrNotAssigned is returned by Release for an instance that is not
// currently leased (already released, reaped, or unknown).
var ErrNotAssigned = errors.New("sandbox instance is not assigned")

// Pool is the sandbox pool manager. Each class has its own lock; acquire
// and release for one class never block another. Locks are held only for
// bookkeeping, never across provider calls.
type Pool struct {
	cfg     Config
	classes map[string]*classPool
	index   sync.Map // instance id -> *classPool
	logger  *slog.Logger
	now     func() time.Time
	closed  atomic.Bool
}

type classPool struct {
	name     string
	cfg      ClassConfig
	provider Provider

	mu        sync.Mutex
	instances map[string]*instance
	waiting   int

	// warmSpecs are the specs Prewarm creates instances for, spread
	// round-robin up to the warm target.
	warmSpecs []Spec

	// changed is closed and replaced on every state change that might
	// unblock a waiter.
	changed chan struct{}
}

type instance struct {
	id            string
	spec          Spec
	key           string
	state         State
	sessionID     string
	prewarm       bool
	createdAt     time.Time
	lastHeartbeat time.Time
	idleSince     time.Time
	lease         *Lease
}

// NewPool creates a pool. providers maps backend name to provider; every
// class backend must be present.
func NewPool(cfg Config, providers map[string]Provider, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}

	p := &Pool{
		cfg:     cfg,
		classes: make(map[string]*classPool, len(cfg.Classes)),
		logger:  logger.With("component", "sandbox_pool"),
		now:     time.Now,
	}

	for _, name := range cfg.ClassNames() {
		cls := cfg.Classes[name].Effective()
		provider, ok := providers[cls.Backend]
		if !ok {
			return nil, fmt.Errorf("class %q: no provider registered for backend %q", name, cls.Backend)
		}
		p.classes[name] = &classPool{
			name:      name,
			cfg:       cls,
			provider:  provider,
			instances: make(map[string]*instance),
			warmSpecs: []Spec{Spec{Class: name, Limits: cls.Limits, Mount: cls.DefaultMount}.Normalize()},
			changed:   make(chan struct{}),
		}
	}
	return p, nil
}

// Classes returns the class names served by the pool.
func (p *Pool) Classes() []string {
	return p.cfg.ClassNames()
}

// ClassConfig returns the effective config of a class.
func (p *Pool) ClassConfig(class string) (ClassConfig, bool) {
	cp, ok := p.classes[class]
	if !ok {
		return ClassConfig{}, false
	}
	return cp.cfg, true
}

// SetWarmSpecs replaces the specs pre-warmed instances are created with,
// normally the specs the policy engine can emit. Specs are resolved against
// their class defaults and de-duplicated; order sets warming priority.
// Classes without a spec in the list keep their default spec, and specs for
// unknown classes are ignored.
func (p *Pool) SetWarmSpecs(specs []Spec) {
	byClass := make(map[string][]Spec)
	seen := make(map[string]bool)
	for _, spec := range specs {
		cp, ok := p.classes[spec.Class]
		if !ok {
			p.logger.Debug("warm spec for unknown class ignored", "class", spec.Class)
			continue
		}
		spec = cp.resolve(spec)
		if key := spec.Key(); !seen[key] {
			seen[key] = true
			byClass[spec.Class] = append(byClass[spec.Class], spec)
		}
	}
	for class, list := range byClass {
		cp := p.classes[class]
		cp.mu.Lock()
		cp.warmSpecs = list
		cp.mu.Unlock()
	}
}

// Acquire leases an instance matching spec to sessionID. An idle instance
// with a matching spec is preferred; otherwise one is created if the class
// is below its cap. At cap, an incompatible idle instance is evicted to make
// room, or Acquire waits up to the class wait budget and then fails with
// SandboxUnavailable.
func (p *Pool) Acquire(ctx context.Context, sessionID string, spec Spec) (*Lease, error) {
	if p.closed.Load() {
		return nil, apperr.New(apperr.SandboxUnavailable, "sandbox pool is shut down")
	}
	cp, ok := p.classes[spec.Class]
	if !ok {
		return nil, apperr.Newf(apperr.SandboxUnavailable, "unknown sandbox class %q", spec.Class)
	}
	spec = cp.resolve(spec)
	key := spec.Key()

	budget := time.NewTimer(cp.cfg.WaitBudget)
	defer budget.Stop()

	for {
		cp.mu.Lock()
		if inst := cp.idleMatchingLocked(key); inst != nil {
			lease := p.assignLocked(cp, inst, sessionID)
			cp.mu.Unlock()
			p.logger.Debug("sandbox reused", "class", cp.name, "instance", inst.id, "session", sessionID)
			return lease, nil
		}

		if cp.liveLocked() < cp.cfg.MaxInstances {
			inst := p.reserveLocked(cp, spec, false)
			cp.mu.Unlock()
			return p.createAssigned(ctx, cp, inst, sessionID)
		}

		if victim := cp.idleAnyLocked(); victim != nil {
			victim.state = StateDraining
			cp.mu.Unlock()
			p.terminate(cp, victim, "evicted for incompatible spec")
			continue
		}

		cp.waiting++
		changed := cp.changed
		cp.mu.Unlock()

		var err error
		select {
		case <-changed:
		case <-budget.C:
			err = apperr.Newf(apperr.SandboxUnavailable,
				"sandbox class %q at capacity (%d) after waiting %s", cp.name, cp.cfg.MaxInstances, cp.cfg.WaitBudget)
		case <-ctx.Done():
			err = apperr.Wrap(apperr.SandboxUnavailable, ctx.Err(), "sandbox acquisition cancelled")
		}

		cp.mu.Lock()
		cp.waiting--
		cp.mu.Unlock()

		if err != nil {
			p.logger.Warn("sandbox acquisition failed", "class", cp.name, "session", sessionID, "error", err)
			return nil, err
		}
	}
}

// Release returns a leased instance by id. Clean outcomes reset the instance
// and keep it idle while the class is below its warm target, has waiters, or
// (with a non-zero warm target) has no other idle instance of the same spec;
// timeouts and crashes always terminate it.
func (p *Pool) Release(id string, outcome Outcome) error {
	v, ok := p.index.Load(id)
	if !ok {
		return ErrNotAssigned
	}
	return p.release(v.(*classPool), id, nil, outcome)
}

func (p *Pool) release(cp *classPool, id string, lease *Lease, outcome Outcome) error {
	cp.mu.Lock()
	inst := cp.instances[id]
	if inst == nil || inst.state != StateAssigned || (lease != nil && inst.lease != lease) {
		cp.mu.Unlock()
		return ErrNotAssigned
	}
	if inst.lease != nil {
		inst.lease.released.Store(true)
	}
	session := inst.sessionID
	inst.lease = nil
	inst.sessionID = ""
	inst.state = StateDraining
	cp.mu.Unlock()

	p.logger.Debug("sandbox released", "class", cp.name, "instance", id, "session", session, "outcome", outcome)

	if outcome != OutcomeClean {
		p.terminate(cp, inst, string(outcome))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ResetTimeout)
	err := cp.provider.Reset(ctx, id)
	cancel()
	if err != nil {
		p.logger.Warn("sandbox reset failed, terminating", "class", cp.name, "instance", id, "error", err)
		p.terminate(cp, inst, "reset failed")
		return nil
	}

	cp.mu.Lock()
	if inst.state != StateDraining {
		cp.mu.Unlock()
		return nil
	}
	keep := cp.countLocked(StateIdle) < cp.cfg.WarmTarget || cp.waiting > 0 ||
		(cp.cfg.WarmTarget > 0 && !cp.idleKeyLocked(inst.key))
	if keep {
		now := p.now()
		inst.state = StateIdle
		inst.idleSince = now
		inst.lastHeartbeat = now
		cp.notifyLocked()
		cp.mu.Unlock()
		return nil
	}
	cp.mu.Unlock()

	p.terminate(cp, inst, "above warm target")
	return nil
}

// ReapReport summarizes one reap pass.
type ReapReport struct {
	Crashed int
	Expired int
}

// Reap heartbeats idle and assigned instances, terminates those whose
// heartbeat is stale beyond the class grace period (assigned ones have their
// lease marked crashed) and idle instances older than the class max-idle
// age, then tops classes back up to their warm targets.
func (p *Pool) Reap(ctx context.Context) ReapReport {
	var report ReapReport

	for _, name := range p.cfg.ClassNames() {
		cp := p.classes[name]

		cp.mu.Lock()
		ids := make([]string, 0, len(cp.instances))
		for id, inst := range cp.instances {
			if inst.state == StateIdle || inst.state == StateAssigned {
				ids = append(ids, id)
			}
		}
		cp.mu.Unlock()

		var victims []*instance
		for _, id := range ids {
			hbErr := cp.provider.Heartbeat(ctx, id)

			cp.mu.Lock()
			inst := cp.instances[id]
			if inst == nil || (inst.state != StateIdle && inst.state != StateAssigned) {
				cp.mu.Unlock()
				continue
			}
			now := p.now()
			if hbErr == nil {
				inst.lastHeartbeat = now
			}
			switch {
			case now.Sub(inst.lastHeartbeat) > cp.cfg.HeartbeatGrace:
				p.logger.Warn("sandbox heartbeat stale, terminating",
					"class", name, "instance", id, "state", inst.state,
					"session", inst.sessionID, "last_heartbeat", inst.lastHeartbeat, "error", hbErr)
				if inst.lease != nil {
					inst.lease.markCrashed()
				}
				inst.lease = nil
				inst.sessionID = ""
				inst.state = StateDraining
				victims = append(victims, inst)
				report.Crashed++
			case inst.state == StateIdle && now.Sub(inst.idleSince) > cp.cfg.MaxIdle:
				inst.state = StateDraining
				victims = append(victims, inst)
				report.Expired++
			}
			cp.mu.Unlock()
		}

		for _, inst := range victims {
			p.terminate(cp, inst, "reaped")
		}
	}

	if err := p.Prewarm(ctx); err != nil {
		p.logger.Warn("sandbox prewarm incomplete", "error", err)
	}
	if report.Crashed > 0 || report.Expired > 0 {
		p.logger.Info("sandbox reap completed", "crashed", report.Crashed, "expired", report.Expired)
	}
	return report
}

// Prewarm brings every class up to its warm target without exceeding its
// cap. Creations run concurrently.
func (p *Pool) Prewarm(ctx context.Context) error {
	if p.closed.Load() {
		return nil
	}

	var g errgroup.Group
	for _, name := range p.cfg.ClassNames() {
		cp := p.classes[name]

		cp.mu.Lock()
		ready := cp.countLocked(StateIdle)
		for _, inst := range cp.instances {
			if inst.state == StateWarming && inst.prewarm {
				ready++
			}
		}
		n := min(cp.cfg.WarmTarget-ready, cp.cfg.MaxInstances-cp.liveLocked())
		reserved := make([]*instance, 0, max(n, 0))
		counts := cp.warmCountsLocked()
		for i := 0; i < n; i++ {
			j := 0
			for k := range counts {
				if counts[k] < counts[j] {
					j = k
				}
			}
			counts[j]++
			reserved = append(reserved, p.reserveLocked(cp, cp.warmSpecs[j], true))
		}
		cp.mu.Unlock()

		for _, inst := range reserved {
			g.Go(func() error {
				return p.createIdle(ctx, cp, inst)
			})
		}
	}
	return g.Wait()
}

// Close terminates every instance. Outstanding leases are marked crashed.
func (p *Pool) Close(ctx context.Context) {
	p.closed.Store(true)
	for _, name := range p.cfg.ClassNames() {
		cp := p.classes[name]

		cp.mu.Lock()
		var victims []*instance
		for _, inst := range cp.instances {
			if inst.state == StateTerminated {
				continue
			}
			if inst.lease != nil {
				inst.lease.markCrashed()
				inst.lease = nil
			}
			inst.state = StateDraining
			victims = append(victims, inst)
		}
		cp.notifyLocked()
		cp.mu.Unlock()

		for _, inst := range victims {
			p.terminate(cp, inst, "pool shutdown")
		}
	}
	p.logger.Info("sandbox pool closed")
}

// Stats returns per-class counts, sorted by class name.
func (p *Pool) Stats() []ClassStats {
	out := make([]ClassStats, 0, len(p.classes))
	for _, name := range p.cfg.ClassNames() {
		cp := p.classes[name]
		cp.mu.Lock()
		st := ClassStats{
			Class:   name,
			Cap:     cp.cfg.MaxInstances,
			Warm:    cp.cfg.WarmTarget,
			Waiting: cp.waiting,
		}
		for _, inst := range cp.instances {
			switch inst.state {
			case StateWarming:
				st.Warming++
			case StateIdle:
				st.Idle++
			case StateAssigned:
				st.Assigned++
			case StateDraining:
				st.Draining++
			}
		}
		cp.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Snapshot returns every live instance.
func (p *Pool) Snapshot() []InstanceInfo {
	var out []InstanceInfo
	for _, name := range p.cfg.ClassNames() {
		cp := p.classes[name]
		cp.mu.Lock()
		for _, inst := range cp.instances {
			out = append(out, InstanceInfo{
				ID:            inst.id,
				Class:         name,
				State:         inst.state,
				SessionID:     inst.sessionID,
				CreatedAt:     inst.createdAt,
				LastHeartbeat: inst.lastHeartbeat,
				SpecKey:       inst.key,
			})
		}
		cp.mu.Unlock()
	}
	return out
}

// ---------- Internal ----------

// resolve fills spec limits and mount from the class defaults.
func (cp *classPool) resolve(spec Spec) Spec {
	spec.Limits = spec.Limits.Merge(cp.cfg.Limits)
	if spec.Mount == "" {
		spec.Mount = cp.cfg.DefaultMount
	}
	return spec.Normalize()
}

// warmCountsLocked counts idle and pre-warming instances per warm spec.
func (cp *classPool) warmCountsLocked() []int {
	counts := make([]int, len(cp.warmSpecs))
	for i, spec := range cp.warmSpecs {
		key := spec.Key()
		for _, inst := range cp.instances {
			if inst.key == key && (inst.state == StateIdle || (inst.state == StateWarming && inst.prewarm)) {
				counts[i]++
			}
		}
	}
	return counts
}

func (cp *classPool) idleKeyLocked(key string) bool {
	for _, inst := range cp.instances {
		if inst.state == StateIdle && inst.key == key {
			return true
		}
	}
	return false
}

func (cp *classPool) notifyLocked() {
	close(cp.changed)
	cp.changed = make(chan struct{})
}

func (cp *classPool) liveLocked() int {
	n := 0
	for _, inst := range cp.instances {
		if inst.state != StateTerminated {
			n++
		}
	}
	return n
}

func (cp *classPool) countLocked(state State) int {
	n := 0
	for _, inst := range cp.instances {
		if inst.state == state {
			n++
		}
	}
	return n
}

// idleMatchingLocked returns the most recently idled instance with key, so
// older idle instances age out under MaxIdle.
func (cp *classPool) idleMatchingLocked(key string) *instance {
	var best *instance
	for _, inst := range cp.instances {
		if inst.state != StateIdle || inst.key != key {
			continue
		}
		if best == nil || inst.idleSince.After(best.idleSince) {
			best = inst
		}
	}
	return best
}

// idleAnyLocked returns the oldest idle instance.
func (cp *classPool) idleAnyLocked() *instance {
	var oldest *instance
	for _, inst := range cp.instances {
		if inst.state != StateIdle {
			continue
		}
		if oldest == nil || inst.idleSince.Before(oldest.idleSince) {
			oldest = inst
		}
	}
	return oldest
}

func (p *Pool) reserveLocked(cp *classPool, spec Spec, prewarm bool) *instance {
	now := p.now()
	inst := &instance{
		id:            cp.name + "-" + uuid.NewString(),
		spec:          spec,
		key:           spec.Key(),
		state:         StateWarming,
		prewarm:       prewarm,
		createdAt:     now,
		lastHeartbeat: now,
	}
	cp.instances[inst.id] = inst
	p.index.Store(inst.id, cp)
	return inst
}

func (p *Pool) assignLocked(cp *classPool, inst *instance, sessionID string) *Lease {
	lease := &Lease{
		id:        inst.id,
		spec:      inst.spec,
		sessionID: sessionID,
		pool:      p,
		cp:        cp,
		crashed:   make(chan struct{}),
	}
	inst.state = StateAssigned
	inst.sessionID = sessionID
	inst.lease = lease
	cp.notifyLocked()
	return lease
}

func (p *Pool) createAssigned(ctx context.Context, cp *classPool, inst *instance, sessionID string) (*Lease, error) {
	start := time.Now()
	err := cp.provider.Create(ctx, inst.id, inst.spec)

	cp.mu.Lock()
	if err == nil && inst.state == StateWarming {
		lease := p.assignLocked(cp, inst, sessionID)
		cp.mu.Unlock()
		p.logger.Info("sandbox created",
			"class", cp.name, "instance", inst.id, "session", sessionID, "duration", time.Since(start))
		return lease, nil
	}
	inst.state = StateDraining
	cp.mu.Unlock()

	p.terminate(cp, inst, "create failed")
	if err == nil {
		err = errors.New("instance reclaimed during creation")
	}
	p.logger.Error("sandbox creation failed", "class", cp.name, "instance", inst.id, "error", err)
	return nil, apperr.Wrap(apperr.SandboxUnavailable, err, "sandbox creation failed")
}

func (p *Pool) createIdle(ctx context.Context, cp *classPool, inst *instance) error {
	err := cp.provider.Create(ctx, inst.id, inst.spec)

	cp.mu.Lock()
	if err == nil && inst.state == StateWarming {
		now := p.now()
		inst.state = StateIdle
		inst.idleSince = now
		inst.lastHeartbeat = now
		cp.notifyLocked()
		cp.mu.Unlock()
		p.logger.Debug("sandbox prewarmed", "class", cp.name, "instance", inst.id)
		return nil
	}
	inst.state = StateDraining
	cp.mu.Unlock()

	p.terminate(cp, inst, "prewarm failed")
	if err != nil {
		return fmt.Errorf("prewarm %s: %w", cp.name, err)
	}
	return nil
}

// terminate destroys an instance the caller already moved to draining and
// drops it from accounting.
func (p *Pool) terminate(cp *classPool, inst *instance, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ResetTimeout)
	err := cp.provider.Terminate(ctx, inst.id)
	cancel()
	if err != nil {
		p.logger.Error("sandbox termination failed", "class", cp.name, "instance", inst.id, "error", err)
	}

	cp.mu.Lock()
	inst.state = StateTerminated
	delete(cp.instances, inst.id)
	cp.notifyLocked()
	cp.mu.Unlock()
	p.index.Delete(inst.id)

	p.logger.Debug("sandbox terminated", "class", cp.name, "instance", inst.id, "reason", reason)
}
