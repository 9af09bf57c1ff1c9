package invoke_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/clawgate/pkg/clawgate/apperr"
	"github.com/jholhewres/clawgate/pkg/clawgate/audit"
	"github.com/jholhewres/clawgate/pkg/clawgate/database"
	"github.com/jholhewres/clawgate/pkg/clawgate/invoke"
	"github.com/jholhewres/clawgate/pkg/clawgate/profiles"
	"github.com/jholhewres/clawgate/pkg/clawgate/sandbox"
	"github.com/jholhewres/clawgate/pkg/clawgate/sandbox/sandboxtest"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

// runTool passes argv straight to the sandbox, so tests can drive the fake
// provider's command vocabulary.
var runTool = tools.Tool{
	Name:     "test.run",
	Category: tools.CategoryRuntime,
	Class:    "coding",
	Schema: `{
		"type": "object",
		"properties": {"argv": {"type": "array", "items": {"type": "string"}, "minItems": 1}},
		"required": ["argv"],
		"additionalProperties": false
	}`,
	Build: func(a tools.Args, _ string) (sandbox.Command, error) {
		raw, _ := a["argv"].([]any)
		argv := make([]string, 0, len(raw))
		for _, v := range raw {
			argv = append(argv, fmt.Sprint(v))
		}
		return sandbox.Command{Argv: argv}, nil
	},
}

type env struct {
	coord    *invoke.Coordinator
	fake     *sandboxtest.Provider
	pool     *sandbox.Pool
	sessions *session.Manager
	audit    *audit.Store
}

type envOptions struct {
	class sandbox.ClassConfig
	sink  audit.Sink
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	ctx := context.Background()

	dbCfg := database.DefaultConfig()
	dbCfg.SQLite.Path = filepath.Join(t.TempDir(), "invoke.db")
	hub, err := database.Open(ctx, dbCfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { hub.Close() })

	auditStore := audit.NewStore(hub, nil)
	var sink audit.Sink = auditStore
	if opts.sink != nil {
		sink = opts.sink
	}

	registry, err := tools.NewRegistry(append(tools.Builtin(), runTool)...)
	require.NoError(t, err)
	engine, err := profiles.NewEngine(map[string]profiles.Profile{
		"tester": {Allow: []string{"*"}, Commands: []string{"*"}},
	}, registry, nil)
	require.NoError(t, err)

	mgr, err := session.NewManager(session.Config{
		ChannelTiers: map[string]string{"test": "tester"},
	}, session.NewSQLStore(hub, nil), auditStore, engine, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Shutdown(ctx) })

	cls := opts.class
	cls.Backend = "fake"
	if cls.MaxInstances == 0 {
		cls.MaxInstances = 4
	}
	if cls.WaitBudget == 0 {
		cls.WaitBudget = time.Second
	}
	if cls.Limits.WallClock == 0 {
		cls.Limits.WallClock = 2 * time.Second
	}
	if cls.Limits.MaxOutputBytes == 0 {
		cls.Limits.MaxOutputBytes = 4096
	}
	fake := sandboxtest.New()
	pool, err := sandbox.NewPool(sandbox.Config{
		Classes:      map[string]sandbox.ClassConfig{"coding": cls},
		ResetTimeout: time.Second,
	}, map[string]sandbox.Provider{"fake": fake}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close(ctx) })

	coord, err := invoke.New(invoke.Config{}, registry, engine, mgr, pool, sink, nil)
	require.NoError(t, err)
	t.Cleanup(func() { coord.Shutdown(ctx) })

	return &env{coord: coord, fake: fake, pool: pool, sessions: mgr, audit: auditStore}
}

func (e *env) session(t *testing.T, channel string) session.Session {
	t.Helper()
	s, err := e.sessions.CreateOrResume(context.Background(), "user-"+channel, channel)
	require.NoError(t, err)
	return s
}

func run(sessionID string, argv ...string) invoke.Request {
	raw, _ := json.Marshal(map[string]any{"argv": argv})
	return invoke.Request{SessionID: sessionID, Tool: "test.run", Args: raw, Actor: "tester"}
}

func (e *env) auditFor(t *testing.T, invocationID string) []audit.Record {
	t.Helper()
	recs, err := e.audit.Tail(context.Background(), 10000)
	require.NoError(t, err)
	var out []audit.Record
	for _, r := range recs {
		if r.InvocationID == invocationID {
			out = append(out, r)
		}
	}
	return out
}

func waitStatus(t *testing.T, c *invoke.Coordinator, sessionID, id string, want invoke.Status) invoke.Invocation {
	t.Helper()
	var inv invoke.Invocation
	require.Eventually(t, func() bool {
		var err error
		inv, err = c.Result(sessionID, id)
		return err == nil && inv.Status == want
	}, 2*time.Second, 2*time.Millisecond, "invocation never reached %s", want)
	return inv
}

func TestSubmitSucceeds(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{})
	s := e.session(t, "test:1")

	inv, err := e.coord.Submit(context.Background(), run(s.ID, "echo", "hello"))
	require.NoError(t, err)
	assert.Equal(t, invoke.StatusSucceeded, inv.Status)
	require.NotNil(t, inv.Result)
	assert.Equal(t, "hello", inv.Result.Stdout)
	assert.NotEmpty(t, inv.SandboxID)
	assert.False(t, inv.EndedAt.IsZero())

	recs := e.auditFor(t, inv.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.KindInvocation, recs[0].Kind)
	assert.Equal(t, audit.DecisionAllow, recs[0].Decision)
	assert.Equal(t, inv.AuditSeq, recs[0].Seq)

	got, err := e.sessions.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{inv.ID}, got.Invocations)
}

// A minimal-tier session may not run shell commands.
func TestPolicyDenialNeverTouchesSandbox(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{})
	s := e.session(t, "web:1")
	require.Equal(t, "minimal", s.Tier)

	inv, err := e.coord.Submit(context.Background(), invoke.Request{
		SessionID: s.ID, Tool: "shell.exec", Args: json.RawMessage(`{"command":"ls"}`),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.PermissionDenied, apperr.CodeOf(err))
	assert.Equal(t, invoke.StatusFailed, inv.Status)
	assert.Empty(t, inv.SandboxID)
	assert.Zero(t, e.fake.Created())

	recs := e.auditFor(t, inv.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.KindDecision, recs[0].Kind)
	assert.Equal(t, audit.DecisionDeny, recs[0].Decision)
	assert.Equal(t, string(profiles.ReasonToolNotAllowed), recs[0].Reason)
}

func TestInvalidArgumentsRejected(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{})
	s := e.session(t, "test:1")

	inv, err := e.coord.Submit(context.Background(), invoke.Request{
		SessionID: s.ID, Tool: "test.run", Args: json.RawMessage(`{"argv":[]}`),
	})
	assert.Equal(t, apperr.ValidationError, apperr.CodeOf(err))
	assert.Equal(t, invoke.StatusFailed, inv.Status)
	assert.Len(t, e.auditFor(t, inv.ID), 1)
}

// The class is at capacity for longer than the wait budget.
func TestSandboxUnavailableAtCapacity(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{class: sandbox.ClassConfig{MaxInstances: 1, WaitBudget: 50 * time.Millisecond}})
	ctx := context.Background()
	s1 := e.session(t, "test:1")
	s2 := e.session(t, "test:2")

	long, err := e.coord.Enqueue(ctx, run(s1.ID, "sleep", "5s"))
	require.NoError(t, err)
	waitStatus(t, e.coord, s1.ID, long.ID, invoke.StatusRunning)

	inv, err := e.coord.Submit(ctx, run(s2.ID, "echo", "x"))
	assert.Equal(t, apperr.SandboxUnavailable, apperr.CodeOf(err))
	assert.Equal(t, invoke.StatusFailed, inv.Status)
	assert.Equal(t, 1, e.fake.Created())

	require.NoError(t, e.coord.Cancel(long.ID))
	done, err := e.coord.Wait(ctx, long.ID)
	assert.Equal(t, apperr.Cancelled, apperr.CodeOf(err))
	assert.Equal(t, invoke.StatusFailed, done.Status)
}

// A command that outlives its wall clock is killed and its
// instance destroyed.
func TestTimeoutTerminatesInstance(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{class: sandbox.ClassConfig{Limits: sandbox.Limits{WallClock: 50 * time.Millisecond}}})
	s := e.session(t, "test:1")

	inv, err := e.coord.Submit(context.Background(), run(s.ID, "sleep", "5s"))
	assert.Equal(t, apperr.ToolTimeout, apperr.CodeOf(err))
	assert.Equal(t, invoke.StatusTimedOut, inv.Status)
	assert.Nil(t, inv.Result)
	assert.Equal(t, 1, e.fake.Terminated())
	assert.Zero(t, e.fake.Resets())
	assert.Len(t, e.auditFor(t, inv.ID), 1)
}

// The instance dies during execution.
func TestCrashDuringExecution(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{})
	s := e.session(t, "test:1")

	inv, err := e.coord.Submit(context.Background(), run(s.ID, "crash"))
	assert.Equal(t, apperr.SandboxCrash, apperr.CodeOf(err))
	assert.Equal(t, invoke.StatusFailed, inv.Status)
	assert.Equal(t, 1, e.fake.Terminated())

	next, err := e.coord.Submit(context.Background(), run(s.ID, "echo", "again"))
	require.NoError(t, err)
	assert.NotEqual(t, inv.SandboxID, next.SandboxID, "crashed instance must not be reused")
}

func TestReaperDetectedCrash(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{class: sandbox.ClassConfig{HeartbeatGrace: time.Millisecond}})
	ctx := context.Background()
	s := e.session(t, "test:1")

	inv, err := e.coord.Enqueue(ctx, run(s.ID, "sleep", "5s"))
	require.NoError(t, err)
	running := waitStatus(t, e.coord, s.ID, inv.ID, invoke.StatusRunning)

	e.fake.Kill(running.SandboxID)
	time.Sleep(5 * time.Millisecond)
	report := e.pool.Reap(ctx)
	assert.Equal(t, 1, report.Crashed)

	done, err := e.coord.Wait(ctx, inv.ID)
	assert.Equal(t, apperr.SandboxCrash, apperr.CodeOf(err))
	assert.Equal(t, invoke.StatusFailed, done.Status)
}

// A pre-warmed instance serves the request without creation.
func TestUsesPrewarmedInstance(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{class: sandbox.ClassConfig{WarmTarget: 1}})
	require.NoError(t, e.pool.Prewarm(context.Background()))
	require.Equal(t, 1, e.fake.Created())

	s := e.session(t, "test:1")
	_, err := e.coord.Submit(context.Background(), run(s.ID, "echo", "warm"))
	require.NoError(t, err)
	assert.Equal(t, 1, e.fake.Created())
	assert.Equal(t, 1, e.fake.Resets(), "instance is reset on clean release")
}

func TestOutputOverCapIsWithheld(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{class: sandbox.ClassConfig{Limits: sandbox.Limits{MaxOutputBytes: 1024}}})
	s := e.session(t, "test:1")

	inv, err := e.coord.Submit(context.Background(), run(s.ID, "spam", "5000"))
	assert.Equal(t, apperr.ResultTooLarge, apperr.CodeOf(err))
	assert.Equal(t, invoke.StatusFailed, inv.Status)
	assert.Nil(t, inv.Result)
	assert.Equal(t, int64(5000), inv.ResultSize)

	recs := e.auditFor(t, inv.ID)
	require.Len(t, recs, 1)
	var payload struct {
		Stdout    string `json:"stdout"`
		Truncated bool   `json:"truncated"`
	}
	require.NoError(t, json.Unmarshal(recs[0].Payload, &payload))
	assert.True(t, payload.Truncated)
	assert.Len(t, payload.Stdout, 1024)
}

func TestNonZeroExitIsToolFailed(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{})
	s := e.session(t, "test:1")

	inv, err := e.coord.Submit(context.Background(), run(s.ID, "exit", "3"))
	assert.Equal(t, apperr.ToolFailed, apperr.CodeOf(err))
	require.NotNil(t, inv.Result)
	assert.Equal(t, 3, inv.Result.ExitCode)
	assert.Equal(t, "exit 3", inv.Result.Stderr)
}

func TestCancelQueuedInvocation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	s := e.session(t, "test:1")

	first, err := e.coord.Enqueue(ctx, run(s.ID, "sleep", "5s"))
	require.NoError(t, err)
	waitStatus(t, e.coord, s.ID, first.ID, invoke.StatusRunning)

	second, err := e.coord.Enqueue(ctx, run(s.ID, "echo", "never"))
	require.NoError(t, err)
	require.NoError(t, e.coord.Cancel(second.ID))

	got, err := e.coord.Wait(ctx, second.ID)
	assert.Equal(t, apperr.Cancelled, apperr.CodeOf(err))
	assert.Empty(t, got.SandboxID)

	require.NoError(t, e.coord.Cancel(first.ID))
	_, err = e.coord.Wait(ctx, first.ID)
	assert.Equal(t, apperr.Cancelled, apperr.CodeOf(err))

	for _, cmd := range e.fake.Commands() {
		assert.NotEqual(t, "never", cmd.Argv[len(cmd.Argv)-1])
	}
	assert.Len(t, e.auditFor(t, second.ID), 1)
	assert.Len(t, e.auditFor(t, first.ID), 1)
	assert.NoError(t, e.coord.Cancel(first.ID), "cancelling a finished invocation is a no-op")
}

func TestSessionsDoNotBlockEachOther(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	slow := e.session(t, "test:slow")
	fast := e.session(t, "test:fast")

	long, err := e.coord.Enqueue(ctx, run(slow.ID, "sleep", "5s"))
	require.NoError(t, err)
	waitStatus(t, e.coord, slow.ID, long.ID, invoke.StatusRunning)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	inv, err := e.coord.Submit(waitCtx, run(fast.ID, "echo", "quick"))
	require.NoError(t, err)
	assert.Equal(t, invoke.StatusSucceeded, inv.Status)

	require.NoError(t, e.coord.Cancel(long.ID))
}

func TestDroppedCallerOnlyStopsWaiting(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{})
	s := e.session(t, "test:1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	inv, err := e.coord.Submit(ctx, run(s.ID, "sleep", "150ms"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, inv.Status.Terminal())

	done, err := e.coord.Wait(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoke.StatusSucceeded, done.Status)

	late, err := e.coord.Result(s.ID, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoke.StatusSucceeded, late.Status)

	_, err = e.coord.Result("other-session", inv.ID)
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))
}

func TestExactlyOneAuditRecordPerInvocation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{class: sandbox.ClassConfig{MaxInstances: 3, WaitBudget: 2 * time.Second}})
	ctx := context.Background()

	commands := [][]string{{"echo", "ok"}, {"exit", "1"}, {"crash"}, {"spam", "10"}}
	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		s := e.session(t, fmt.Sprintf("test:%d", i))
		for _, argv := range commands {
			wg.Add(1)
			go func(sessionID string, argv []string) {
				defer wg.Done()
				inv, _ := e.coord.Submit(ctx, run(sessionID, argv...))
				mu.Lock()
				ids = append(ids, inv.ID)
				mu.Unlock()
			}(s.ID, argv)
		}
	}
	wg.Wait()

	require.Len(t, ids, 16)
	for _, id := range ids {
		require.NotEmpty(t, id)
		assert.Len(t, e.auditFor(t, id), 1, "invocation %s", id)
	}
	assert.LessOrEqual(t, e.fake.MaxLive(), 3)

	report, err := e.audit.Verify(ctx, 1, 0)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

type failingSink struct{}

func (failingSink) Append(context.Context, audit.Record) (audit.Record, error) {
	return audit.Record{}, apperr.New(apperr.AuditWriteFailure, "audit store down")
}

func TestAuditFailureKeepsTerminalState(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{sink: failingSink{}})
	s := e.session(t, "test:1")

	inv, err := e.coord.Submit(context.Background(), run(s.ID, "echo", "hi"))
	assert.True(t, errors.Is(err, apperr.ErrAuditWriteFailure))
	assert.Equal(t, invoke.StatusSucceeded, inv.Status)
	assert.Equal(t, apperr.AuditWriteFailure, inv.AuditCode)
	require.NotNil(t, inv.Result)
}

func TestUnknownSessionRejected(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{})
	_, err := e.coord.Submit(context.Background(), run("no-such-session", "echo"))
	assert.Equal(t, apperr.SessionNotFound, apperr.CodeOf(err))
}

func TestPurgeResults(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOptions{})
	s := e.session(t, "test:1")

	inv, err := e.coord.Submit(context.Background(), run(s.ID, "echo", "x"))
	require.NoError(t, err)

	assert.Zero(t, e.coord.PurgeResults())
	e.coord.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	assert.Equal(t, 1, e.coord.PurgeResults())

	_, err = e.coord.Result(s.ID, inv.ID)
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))
}

func TestBuiltInTiersReuseWarmInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dbCfg := database.DefaultConfig()
	dbCfg.SQLite.Path = filepath.Join(t.TempDir(), "warm.db")
	hub, err := database.Open(ctx, dbCfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { hub.Close() })
	auditStore := audit.NewStore(hub, nil)

	registry, err := tools.NewRegistry(tools.Builtin()...)
	require.NoError(t, err)
	engine, err := profiles.NewEngine(nil, registry, nil)
	require.NoError(t, err)

	mgr, err := session.NewManager(session.Config{
		ChannelTiers: map[string]string{"ide": "coding"},
	}, session.NewSQLStore(hub, nil), auditStore, engine, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Shutdown(ctx) })

	cfg := sandbox.DefaultConfig()
	for name, cls := range cfg.Classes {
		cls.Backend = "fake"
		cfg.Classes[name] = cls
	}
	fake := sandboxtest.New()
	pool, err := sandbox.NewPool(cfg, map[string]sandbox.Provider{"fake": fake}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close(ctx) })

	pool.SetWarmSpecs(engine.SandboxSpecs())
	require.NoError(t, pool.Prewarm(ctx))
	warm := fake.Created()

	coord, err := invoke.New(invoke.Config{}, registry, engine, mgr, pool, auditStore, nil)
	require.NoError(t, err)
	t.Cleanup(func() { coord.Shutdown(ctx) })

	coding, err := mgr.CreateOrResume(ctx, "dev", "ide:1")
	require.NoError(t, err)
	require.Equal(t, "coding", coding.Tier)
	for i := 0; i < 2; i++ {
		inv, err := coord.Submit(ctx, invoke.Request{
			SessionID: coding.ID, Tool: "shell.exec", Args: json.RawMessage(`{"command":"ls -la"}`),
		})
		require.NoError(t, err)
		require.Equal(t, invoke.StatusSucceeded, inv.Status)
	}
	assert.Equal(t, warm, fake.Created(), "coding shell.exec should run on pre-warmed instances")

	// A spec nobody pre-warmed is created once and then kept for reuse.
	minimal, err := mgr.CreateOrResume(ctx, "guest", "web:1")
	require.NoError(t, err)
	require.Equal(t, "minimal", minimal.Tier)
	for i := 0; i < 2; i++ {
		inv, err := coord.Submit(ctx, invoke.Request{
			SessionID: minimal.ID, Tool: "fs.read", Args: json.RawMessage(`{"path":"README.md"}`),
		})
		require.NoError(t, err)
		require.Equal(t, invoke.StatusSucceeded, inv.Status)
	}
	assert.Equal(t, warm+1, fake.Created())
	assert.Zero(t, fake.Terminated())
}
