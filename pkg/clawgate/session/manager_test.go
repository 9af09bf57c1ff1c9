package session

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/clawgate/pkg/clawgate/apperr"
	"github.com/jholhewres/clawgate/pkg/clawgate/audit"
	"github.com/jholhewres/clawgate/pkg/clawgate/database"
)

type tierSet map[string]bool

func (t tierSet) HasTier(name string) bool { return t[name] }

var testTiers = tierSet{"minimal": true, "coding": true, "messaging": true, "full": true}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	hub   *database.Hub
	store *SQLStore
	audit *audit.Store
	clock *fakeClock
	mgr   *Manager
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	dbCfg := database.DefaultConfig()
	dbCfg.SQLite.Path = filepath.Join(t.TempDir(), "sessions.db")
	hub, err := database.Open(context.Background(), dbCfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { hub.Close() })

	h := &harness{
		hub:   hub,
		store: NewSQLStore(hub, nil),
		audit: audit.NewStore(hub, nil),
		clock: &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.mgr = h.newManager(t, cfg, h.audit)
	return h
}

func (h *harness) newManager(t *testing.T, cfg Config, sink audit.Sink) *Manager {
	t.Helper()
	m, err := NewManager(cfg, h.store, sink, testTiers, nil)
	require.NoError(t, err)
	m.now = h.clock.Now
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func TestCreateOrResumeReturnsActiveSession(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	first, err := h.mgr.CreateOrResume(ctx, "alice", "telegram:42")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, first.Status)
	assert.Equal(t, "minimal", first.Tier)

	h.clock.Advance(time.Minute)
	second, err := h.mgr.CreateOrResume(ctx, "alice", "telegram:42")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.LastActivity.After(first.LastActivity))

	other, err := h.mgr.CreateOrResume(ctx, "alice", "slack:general")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	stored, err := h.store.Load(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)
}

func TestCreateOrResumeValidates(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.mgr.CreateOrResume(context.Background(), "", "c")
	assert.Equal(t, apperr.ValidationError, apperr.CodeOf(err))
}

func TestConcurrentCreateCollapses(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	const n = 32
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s, err := h.mgr.CreateOrResume(ctx, "bob", "discord:1")
			ids[i], errs[i] = s.ID, err
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	active, err := h.store.LoadActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Equal(t, 1, h.mgr.Count())
}

func TestResumeIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	s, err := h.mgr.CreateOrResume(ctx, "carol", "web:1")
	require.NoError(t, err)
	require.NoError(t, h.mgr.RecordInvocation(s.ID, "inv-1"))

	for i := 0; i < 3; i++ {
		got, err := h.mgr.Resume(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID)
		assert.Equal(t, []string{"inv-1"}, got.Invocations)
		assert.Equal(t, s.Tier, got.Tier)
	}
}

func TestResumeErrors(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 10 * time.Minute})
	ctx := context.Background()

	_, err := h.mgr.Resume(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrSessionNotFound))

	s, err := h.mgr.CreateOrResume(ctx, "dave", "web:1")
	require.NoError(t, err)

	h.clock.Advance(11 * time.Minute)
	_, err = h.mgr.Resume(ctx, s.ID)
	assert.True(t, errors.Is(err, apperr.ErrSessionExpired))
	assert.True(t, errors.Is(h.mgr.RecordInvocation(s.ID, "x"), apperr.ErrSessionExpired))
}

func TestExpiredSessionReplaced(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 10 * time.Minute})
	ctx := context.Background()

	old, err := h.mgr.CreateOrResume(ctx, "erin", "web:1")
	require.NoError(t, err)

	h.clock.Advance(20 * time.Minute)
	fresh, err := h.mgr.CreateOrResume(ctx, "erin", "web:1")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)

	stored, err := h.store.Load(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, stored.Status)
	assert.Equal(t, CloseIdleTimeout, stored.CloseReason)
}

func TestRecordInvocationOrder(t *testing.T) {
	h := newHarness(t, Config{MaxInvocationLog: 3})
	ctx := context.Background()

	s, err := h.mgr.CreateOrResume(ctx, "frank", "web:1")
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, h.mgr.RecordInvocation(s.ID, id))
	}

	got, err := h.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, got.Invocations)

	require.NoError(t, h.mgr.Close(ctx, s.ID))
	assert.True(t, errors.Is(h.mgr.RecordInvocation(s.ID, "e"), apperr.ErrSessionNotFound))
}

func TestCloseFlushesAndIsIdempotentInStore(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	s, err := h.mgr.CreateOrResume(ctx, "gina", "web:1")
	require.NoError(t, err)
	require.NoError(t, h.mgr.RecordInvocation(s.ID, "inv"))
	require.NoError(t, h.mgr.Close(ctx, s.ID))

	stored, err := h.store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, stored.Status)
	assert.Equal(t, CloseExplicit, stored.CloseReason)
	assert.Equal(t, []string{"inv"}, stored.Invocations)

	// A late routine write must not reopen it.
	stored.Status = StatusActive
	require.NoError(t, h.store.Touch(ctx, stored))
	again, err := h.store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, again.Status)

	got, err := h.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
}

func TestSetTierIsAudited(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	s, err := h.mgr.CreateOrResume(ctx, "hank", "web:1")
	require.NoError(t, err)

	updated, err := h.mgr.SetTier(ctx, s.ID, "coding", "admin")
	require.NoError(t, err)
	assert.Equal(t, "coding", updated.Tier)

	recs, err := h.audit.Session(ctx, s.ID)
	require.NoError(t, err)
	var found bool
	for _, rec := range recs {
		if rec.Reason == "session.tier_change" {
			found = true
			assert.Equal(t, "admin", rec.Actor)
			assert.JSONEq(t, `{"from":"minimal","to":"coding"}`, string(rec.Payload))
		}
	}
	assert.True(t, found, "tier change not audited")

	stored, err := h.store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "coding", stored.Tier)

	_, err = h.mgr.SetTier(ctx, s.ID, "root", "admin")
	assert.Equal(t, apperr.ValidationError, apperr.CodeOf(err))
}

func TestConcurrentSetTierKeepsAuditChainConsistent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	s, err := h.mgr.CreateOrResume(ctx, "ivy", "web:1")
	require.NoError(t, err)

	tiers := []string{"coding", "full", "messaging", "minimal"}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(tier string) {
			defer wg.Done()
			_, err := h.mgr.SetTier(ctx, s.ID, tier, "admin")
			assert.NoError(t, err)
		}(tiers[i%len(tiers)])
	}
	wg.Wait()

	recs, err := h.audit.Session(ctx, s.ID)
	require.NoError(t, err)
	prev := "minimal"
	changes := 0
	for _, rec := range recs {
		if rec.Reason != "session.tier_change" {
			continue
		}
		var change struct{ From, To string }
		require.NoError(t, json.Unmarshal(rec.Payload, &change))
		assert.Equal(t, prev, change.From, "record %d does not continue the previous change", rec.Seq)
		prev = change.To
		changes++
	}
	assert.Equal(t, 16, changes)

	got, err := h.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, prev, got.Tier, "last audited tier must be the applied tier")
}

type failingSink struct{}

func (failingSink) Append(context.Context, audit.Record) (audit.Record, error) {
	return audit.Record{}, apperr.New(apperr.AuditWriteFailure, "down")
}

func TestSetTierFailsWhenAuditFails(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	m := h.newManager(t, Config{}, failingSink{})

	s, err := m.CreateOrResume(ctx, "ivy", "web:1")
	require.NoError(t, err)

	_, err = m.SetTier(ctx, s.ID, "full", "admin")
	assert.True(t, errors.Is(err, apperr.ErrAuditWriteFailure))

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "minimal", got.Tier)
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 10 * time.Minute})
	ctx := context.Background()

	stale, err := h.mgr.CreateOrResume(ctx, "jack", "web:1")
	require.NoError(t, err)
	h.clock.Advance(8 * time.Minute)
	fresh, err := h.mgr.CreateOrResume(ctx, "kate", "web:1")
	require.NoError(t, err)
	h.clock.Advance(3 * time.Minute)

	n, err := h.mgr.SweepExpired(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.Load(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)

	_, err = h.mgr.Resume(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestIdleStatusReported(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 10 * time.Minute})
	ctx := context.Background()

	s, err := h.mgr.CreateOrResume(ctx, "leo", "web:1")
	require.NoError(t, err)
	h.clock.Advance(6 * time.Minute)

	got, err := h.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, got.Status)

	resumed, err := h.mgr.Resume(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, resumed.Status)
}

func TestRestoreAndWriteBehind(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	s, err := h.mgr.CreateOrResume(ctx, "mia", "web:1")
	require.NoError(t, err)
	require.NoError(t, h.mgr.RecordInvocation(s.ID, "inv-1"))
	require.NoError(t, h.mgr.RecordInvocation(s.ID, "inv-2"))
	h.mgr.Shutdown(ctx)

	restarted := h.newManager(t, Config{}, h.audit)
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restarted.Resume(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"inv-1", "inv-2"}, got.Invocations)

	again, err := restarted.CreateOrResume(ctx, "mia", "web:1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)
}

type flakyStore struct {
	*SQLStore
	failures atomic.Int32
	touches  atomic.Int32
}

func (f *flakyStore) Touch(ctx context.Context, s Session) error {
	f.touches.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return f.SQLStore.Touch(ctx, s)
}

func TestWriteBehindRetries(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	flaky := &flakyStore{SQLStore: h.store}
	flaky.failures.Store(2)
	m, err := NewManager(Config{WriteBehind: RetryPolicy{
		MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2,
	}}, flaky, h.audit, testTiers, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(ctx) })

	s, err := m.CreateOrResume(ctx, "ned", "web:1")
	require.NoError(t, err)
	require.NoError(t, m.RecordInvocation(s.ID, "inv-1"))

	assert.Eventually(t, func() bool {
		got, err := h.store.Load(ctx, s.ID)
		return err == nil && len(got.Invocations) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, flaky.touches.Load(), int32(3))
}

func TestTierFor(t *testing.T) {
	t.Parallel()
	cfg := Config{DefaultTier: "minimal", ChannelTiers: map[string]string{
		"telegram":     "messaging",
		"cli:operator": "full",
	}}
	assert.Equal(t, "messaging", cfg.TierFor("telegram:123"))
	assert.Equal(t, "full", cfg.TierFor("cli:operator"))
	assert.Equal(t, "minimal", cfg.TierFor("cli:other"))
	assert.Equal(t, "minimal", cfg.TierFor("web"))
}

func TestNewManagerRejectsUnknownTier(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := NewManager(Config{DefaultTier: "root"}, h.store, h.audit, testTiers, nil)
	assert.Error(t, err)
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(10))
	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
}
