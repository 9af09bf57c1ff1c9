package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/clawgate/pkg/clawgate/apperr"
	"github.com/jholhewres/clawgate/pkg/clawgate/audit"
	"github.com/jholhewres/clawgate/pkg/clawgate/profiles"
	"github.com/jholhewres/clawgate/pkg/clawgate/sandbox"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

// Sessions is the part of the session manager the coordinator uses.
type Sessions interface {
	Resume(ctx context.Context, sessionID string) (session.Session, error)
	RecordInvocation(sessionID, invocationID string) error
}

// Policy evaluates tool invocations.
type Policy interface {
	Evaluate(tier, tool string, args tools.Args) profiles.Decision
}

// Pool leases sandbox instances.
type Pool interface {
	Acquire(ctx context.Context, sessionID string, spec sandbox.Spec) (*sandbox.Lease, error)
}

// Config configures the coordinator.
type Config struct {
	// QueueDepth is how many invocations may wait in one session's lane.
	// Default: 32.
	QueueDepth int `yaml:"queue_depth"`

	// LaneIdle stops a session's lane worker after this long without work.
	// Default: 1m.
	LaneIdle time.Duration `yaml:"lane_idle"`

	// ResultRetention keeps finished invocations retrievable for late
	// delivery. Default: 15m.
	ResultRetention time.Duration `yaml:"result_retention"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		QueueDepth:      32,
		LaneIdle:        time.Minute,
		ResultRetention: 15 * time.Minute,
	}
}

// Effective fills zero fields from DefaultConfig.
func (c Config) Effective() Config {
	def := DefaultConfig()
	out := c
	if out.QueueDepth <= 0 {
		out.QueueDepth = def.QueueDepth
	}
	if out.LaneIdle <= 0 {
		out.LaneIdle = def.LaneIdle
	}
	if out.ResultRetention <= 0 {
		out.ResultRetention = def.ResultRetention
	}
	return out
}

// tracked is the coordinator's record of one invocation.
type tracked struct {
	mu         sync.Mutex
	inv        Invocation
	args       json.RawMessage
	actor      string
	started    bool
	finalizing bool
	cancelReq  bool
	cancel     context.CancelFunc
	done       chan struct{}
}

type lane struct {
	queue chan *tracked
}

// Coordinator drives invocations from request to audited result.
type Coordinator struct {
	cfg      Config
	registry *tools.Registry
	policy   Policy
	sessions Sessions
	pool     Pool
	sink     audit.Sink
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	lanes       map[string]*lane
	invocations map[string]*tracked
	closed      bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a coordinator.
func New(cfg Config, registry *tools.Registry, policy Policy, sessions Sessions, pool Pool, sink audit.Sink, logger *slog.Logger) (*Coordinator, error) {
	switch {
	case registry == nil:
		return nil, fmt.Errorf("coordinator requires a tool registry")
	case policy == nil:
		return nil, fmt.Errorf("coordinator requires a policy engine")
	case sessions == nil:
		return nil, fmt.Errorf("coordinator requires a session manager")
	case pool == nil:
		return nil, fmt.Errorf("coordinator requires a sandbox pool")
	case sink == nil:
		return nil, fmt.Errorf("coordinator requires an audit sink")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:         cfg.Effective(),
		registry:    registry,
		policy:      policy,
		sessions:    sessions,
		pool:        pool,
		sink:        sink,
		logger:      logger.With("component", "invoke"),
		now:         time.Now,
		lanes:       make(map[string]*lane),
		invocations: make(map[string]*tracked),
		stop:        make(chan struct{}),
	}, nil
}

// Submit runs an invocation and waits for it. If ctx ends first only the
// wait stops: the invocation keeps running and its result stays available
// through Result. The returned error is the invocation's terminal error.
func (c *Coordinator) Submit(ctx context.Context, req Request) (Invocation, error) {
	inv, err := c.Enqueue(ctx, req)
	if err != nil {
		return inv, err
	}
	return c.Wait(ctx, inv.ID)
}

// Enqueue registers an invocation on its session's lane and returns
// without waiting.
func (c *Coordinator) Enqueue(ctx context.Context, req Request) (Invocation, error) {
	if req.Tool == "" {
		return Invocation{}, apperr.New(apperr.ValidationError, "tool is required")
	}
	if _, err := c.sessions.Resume(ctx, req.SessionID); err != nil {
		return Invocation{}, err
	}

	t := &tracked{
		inv: Invocation{
			ID:        uuid.NewString(),
			SessionID: req.SessionID,
			Tool:      req.Tool,
			Status:    StatusPending,
			CreatedAt: c.now().UTC(),
		},
		args:  append(json.RawMessage(nil), req.Args...),
		actor: req.Actor,
		done:  make(chan struct{}),
	}
	if err := c.sessions.RecordInvocation(req.SessionID, t.inv.ID); err != nil {
		return Invocation{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Invocation{}, apperr.New(apperr.SandboxUnavailable, "coordinator is shutting down")
	}
	c.invocations[t.inv.ID] = t
	l := c.lanes[req.SessionID]
	if l == nil {
		l = &lane{queue: make(chan *tracked, c.cfg.QueueDepth)}
		c.lanes[req.SessionID] = l
		c.wg.Add(1)
		go c.runLane(req.SessionID, l)
	}
	select {
	case l.queue <- t:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.finish(context.Background(), t, outcome{
			status: StatusFailed,
			code:   apperr.RateLimited,
			msg:    "too many queued invocations for this session",
		})
		return t.snapshot(), t.snapshot().Err()
	}

	c.logger.Debug("invocation queued", "invocation", t.inv.ID, "session", req.SessionID, "tool", req.Tool)
	return t.snapshot(), nil
}

// Wait blocks until the invocation is terminal or ctx ends. On ctx end the
// current snapshot is returned with ctx's error.
func (c *Coordinator) Wait(ctx context.Context, invocationID string) (Invocation, error) {
	t, err := c.lookup(invocationID)
	if err != nil {
		return Invocation{}, err
	}
	select {
	case <-t.done:
		inv := t.snapshot()
		return inv, inv.Err()
	case <-ctx.Done():
		return t.snapshot(), ctx.Err()
	}
}

// Result returns an invocation of sessionID while it is retained.
func (c *Coordinator) Result(sessionID, invocationID string) (Invocation, error) {
	t, err := c.lookup(invocationID)
	if err != nil {
		return Invocation{}, err
	}
	inv := t.snapshot()
	if inv.SessionID != sessionID {
		return Invocation{}, apperr.Newf(apperr.NotFound, "invocation %s not found", invocationID)
	}
	return inv, nil
}

// Cancel stops an invocation. A queued invocation never runs; a running
// one has its sandbox force-terminated. Either way it ends failed with
// Cancelled. Cancelling a finished invocation is a no-op.
func (c *Coordinator) Cancel(invocationID string) error {
	t, err := c.lookup(invocationID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.finalizing {
		t.mu.Unlock()
		return nil
	}
	t.cancelReq = true
	if !t.started {
		t.mu.Unlock()
		c.finish(context.Background(), t, outcome{status: StatusFailed, code: apperr.Cancelled, msg: "cancelled before start"})
		return nil
	}
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.logger.Info("invocation cancel requested", "invocation", invocationID)
	return nil
}

// PurgeResults drops finished invocations older than the retention window
// and returns how many were removed.
func (c *Coordinator) PurgeResults() int {
	cutoff := c.now().Add(-c.cfg.ResultRetention)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, t := range c.invocations {
		t.mu.Lock()
		expired := t.inv.Status.Terminal() && t.inv.EndedAt.Before(cutoff)
		t.mu.Unlock()
		if expired {
			delete(c.invocations, id)
			n++
		}
	}
	return n
}

// Stats counts tracked invocations and active lanes.
type Stats struct {
	Lanes    int `json:"lanes"`
	Tracked  int `json:"tracked"`
	InFlight int `json:"in_flight"`
}

// Stats returns current counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{Lanes: len(c.lanes), Tracked: len(c.invocations)}
	for _, t := range c.invocations {
		t.mu.Lock()
		if !t.inv.Status.Terminal() {
			st.InFlight++
		}
		t.mu.Unlock()
	}
	return st
}

// Shutdown stops accepting work, cancels everything in flight and waits
// for lanes to drain or ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ids := make([]string, 0, len(c.invocations))
	for id := range c.invocations {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		_ = c.Cancel(id)
	}
	close(c.stop)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) lookup(id string) (*tracked, error) {
	c.mu.Lock()
	t := c.invocations[id]
	c.mu.Unlock()
	if t == nil {
		return nil, apperr.Newf(apperr.NotFound, "invocation %s not found", id)
	}
	return t, nil
}

func (c *Coordinator) runLane(sessionID string, l *lane) {
	defer c.wg.Done()
	idle := time.NewTimer(c.cfg.LaneIdle)
	defer idle.Stop()

	for {
		select {
		case t := <-l.queue:
			c.execute(t)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.cfg.LaneIdle)
		case <-idle.C:
			c.mu.Lock()
			if len(l.queue) == 0 {
				delete(c.lanes, sessionID)
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			idle.Reset(c.cfg.LaneIdle)
		case <-c.stop:
			for {
				select {
				case t := <-l.queue:
					c.finish(context.Background(), t, outcome{status: StatusFailed, code: apperr.Cancelled, msg: "coordinator shut down"})
				default:
					return
				}
			}
		}
	}
}

func (t *tracked) snapshot() Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	inv := t.inv
	if inv.Result != nil {
		r := *inv.Result
		inv.Result = &r
	}
	return inv
}

func (t *tracked) setStatus(s Status, mutate func(*Invocation)) {
	t.mu.Lock()
	if !t.finalizing {
		t.inv.Status = s
		if mutate != nil {
			mutate(&t.inv)
		}
	}
	t.mu.Unlock()
}

func (t *tracked) cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelReq
}

// outcome is how an invocation ended.
type outcome struct {
	status   Status
	code     apperr.Code
	msg      string
	result   *Output
	size     int64
	decision audit.Decision
	kind     audit.Kind
	reason   string

	// auditOutput is what goes to the audit payload; for oversize output
	// it is the truncated capture the caller never sees.
	auditOutput *Output
	truncated   bool
}

// execute runs one dequeued invocation on the lane goroutine.
func (c *Coordinator) execute(t *tracked) {
	t.mu.Lock()
	if t.finalizing {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.started = true
	t.cancel = cancel
	id := t.inv.ID
	t.mu.Unlock()
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("invocation panicked", "invocation", id, "panic", r)
			c.finish(context.Background(), t, outcome{status: StatusFailed, code: apperr.Internal, msg: "internal error"})
		}
	}()

	c.finish(ctx, t, c.run(ctx, t))
}

func (c *Coordinator) run(ctx context.Context, t *tracked) outcome {
	inv := t.snapshot()

	args, err := c.registry.Decode(inv.Tool, t.args)
	if err != nil {
		return failure(err, audit.KindDecision, audit.DecisionDeny)
	}

	sess, err := c.sessions.Resume(ctx, inv.SessionID)
	if err != nil {
		return failure(err, audit.KindDecision, audit.DecisionError)
	}

	decision := c.policy.Evaluate(sess.Tier, inv.Tool, args)
	if !decision.Allow {
		out := failure(decision.Err(), audit.KindDecision, audit.DecisionDeny)
		out.reason = string(decision.Reason)
		return out
	}
	if !decision.RequiresSandbox {
		return outcome{status: StatusFailed, code: apperr.Internal, msg: "policy did not require a sandbox",
			kind: audit.KindDecision, decision: audit.DecisionError}
	}
	t.setStatus(StatusPolicyChecked, nil)

	cmd, err := c.registry.Command(inv.Tool, args, decision.Constraints.WorkspaceRoot)
	if err != nil {
		return failure(apperr.Wrap(apperr.ValidationError, err, "arguments could not be turned into a command"),
			audit.KindDecision, audit.DecisionDeny)
	}

	lease, err := c.pool.Acquire(ctx, inv.SessionID, decision.Constraints.Spec())
	if err != nil {
		if t.cancelled() {
			return outcome{status: StatusFailed, code: apperr.Cancelled, msg: "cancelled while waiting for a sandbox",
				kind: audit.KindInvocation, decision: audit.DecisionError}
		}
		return failure(err, audit.KindInvocation, audit.DecisionError)
	}
	release := sandbox.OutcomeCrash
	defer func() { lease.Release(release) }()

	t.setStatus(StatusSandboxAcquired, func(i *Invocation) { i.SandboxID = lease.ID() })

	limits := lease.Spec().Limits
	runCtx, runCancel := context.WithTimeout(ctx, limits.WallClock)
	defer runCancel()

	var crashed atomic.Bool
	go func() {
		select {
		case <-lease.Crashed():
			crashed.Store(true)
			runCancel()
		case <-runCtx.Done():
		}
	}()

	capture := sandbox.NewCapture(limits.MaxOutputBytes)
	t.setStatus(StatusRunning, func(i *Invocation) { i.StartedAt = c.now().UTC() })

	res, execErr := lease.Exec(runCtx, cmd, capture.Stdout(), capture.Stderr())
	stdout, stderr := capture.Output()
	output := &Output{ExitCode: res.ExitCode, Stdout: stdout, Stderr: stderr, Duration: res.Duration}

	out := outcome{kind: audit.KindInvocation, decision: audit.DecisionAllow, auditOutput: output, size: capture.Total()}
	switch {
	case t.cancelled():
		release = sandbox.OutcomeTimeout
		out.status, out.code, out.msg = StatusFailed, apperr.Cancelled, "invocation cancelled"
		out.decision = audit.DecisionError
	case crashed.Load() || errors.Is(execErr, sandbox.ErrCrashed):
		release = sandbox.OutcomeCrash
		out.status, out.code, out.msg = StatusFailed, apperr.SandboxCrash, "sandbox crashed during execution"
		out.decision = audit.DecisionError
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		release = sandbox.OutcomeTimeout
		out.status, out.code = StatusTimedOut, apperr.ToolTimeout
		out.msg = fmt.Sprintf("tool exceeded its %s deadline", limits.WallClock)
		out.decision = audit.DecisionError
	case execErr != nil:
		release = sandbox.OutcomeCrash
		c.logger.Error("sandbox exec failed", "invocation", inv.ID, "instance", lease.ID(), "error", execErr)
		out.status, out.code, out.msg = StatusFailed, apperr.Internal, "internal error"
		out.decision = audit.DecisionError
	case capture.Overflowed():
		release = sandbox.OutcomeClean
		out.status, out.code = StatusFailed, apperr.ResultTooLarge
		out.msg = fmt.Sprintf("output of %d bytes exceeds the %d byte cap", capture.Total(), limits.MaxOutputBytes)
		out.truncated = true
	case res.ExitCode != 0:
		release = sandbox.OutcomeClean
		out.status, out.code = StatusFailed, apperr.ToolFailed
		out.msg = fmt.Sprintf("command exited with status %d", res.ExitCode)
		out.result = output
	default:
		release = sandbox.OutcomeClean
		out.status = StatusSucceeded
		out.result = output
	}

	lease.Release(release)
	return out
}

func failure(err error, kind audit.Kind, decision audit.Decision) outcome {
	code, msg := apperr.Public(err)
	return outcome{status: StatusFailed, code: code, msg: msg, kind: kind, decision: decision}
}

type auditPayload struct {
	Args        json.RawMessage `json:"args,omitempty"`
	Status      Status          `json:"status"`
	SandboxID   string          `json:"sandbox_id,omitempty"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	Stdout      string          `json:"stdout,omitempty"`
	Stderr      string          `json:"stderr,omitempty"`
	DurationMS  int64           `json:"duration_ms,omitempty"`
	OutputBytes int64           `json:"output_bytes,omitempty"`
	Truncated   bool            `json:"truncated,omitempty"`
}

// finish writes the single audit record of an invocation and moves it to
// its terminal state. Only the first caller for an invocation does so.
func (c *Coordinator) finish(ctx context.Context, t *tracked, out outcome) {
	t.mu.Lock()
	if t.finalizing {
		t.mu.Unlock()
		return
	}
	t.finalizing = true
	inv := t.inv
	args := t.args
	actor := t.actor
	t.mu.Unlock()

	if out.kind == "" {
		out.kind = audit.KindInvocation
	}
	if out.decision == "" {
		out.decision = audit.DecisionError
	}
	reason := out.reason
	if reason == "" {
		reason = out.msg
	}

	p := auditPayload{Args: args, Status: out.status, SandboxID: inv.SandboxID, OutputBytes: out.size, Truncated: out.truncated}
	if len(p.Args) > 0 && !json.Valid(p.Args) {
		p.Args = nil
	}
	if o := out.auditOutput; o != nil {
		code := o.ExitCode
		p.ExitCode = &code
		p.Stdout, p.Stderr = o.Stdout, o.Stderr
		p.DurationMS = o.Duration.Milliseconds()
	}
	payload, _ := json.Marshal(p)

	rec, auditErr := c.sink.Append(context.WithoutCancel(ctx), audit.Record{
		Kind:         out.kind,
		SessionID:    inv.SessionID,
		InvocationID: inv.ID,
		Actor:        actor,
		Tool:         inv.Tool,
		Decision:     out.decision,
		Code:         string(out.code),
		Reason:       reason,
		Payload:      payload,
	})

	t.mu.Lock()
	t.inv.Status = out.status
	t.inv.Code = out.code
	t.inv.Message = out.msg
	t.inv.Result = out.result
	t.inv.ResultSize = out.size
	t.inv.EndedAt = c.now().UTC()
	if auditErr != nil {
		t.inv.AuditCode = apperr.AuditWriteFailure
	} else {
		t.inv.AuditSeq = rec.Seq
	}
	final := t.inv
	t.mu.Unlock()
	close(t.done)

	if auditErr != nil {
		c.logger.Error("invocation audit failed", "invocation", inv.ID, "status", final.Status, "error", auditErr)
	}
	c.logger.Info("invocation finished",
		"invocation", inv.ID, "session", inv.SessionID, "tool", inv.Tool,
		"status", final.Status, "code", final.Code, "sandbox", final.SandboxID)
}
