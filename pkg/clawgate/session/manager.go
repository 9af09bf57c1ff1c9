package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/jholhewres/clawgate/pkg/clawgate/apperr"
	"github.com/jholhewres/clawgate/pkg/clawgate/audit"
)

// TierSet reports which permission tiers exist.
type TierSet interface {
	HasTier(name string) bool
}

type key struct {
	user, channel string
}

type entry struct {
	mu sync.Mutex
	s  Session

	// tierMu serializes tier changes of one session so audit records and
	// applied tiers stay in the same order. It is held across the audit
	// append; mu never is.
	tierMu sync.Mutex
}

// Manager owns every live session. The index lock is only taken to look
// up, insert or remove entries; session state is guarded per entry so
// unrelated sessions never contend.
type Manager struct {
	cfg    Config
	store  Store
	sink   audit.Sink
	tiers  TierSet
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	byID  map[string]*entry
	byKey map[key]*entry

	creates singleflight.Group
	wb      *writeBehind
}

// NewManager creates a manager and starts its write-behind worker. tiers
// may be nil to skip tier validation.
func NewManager(cfg Config, store Store, sink audit.Sink, tiers TierSet, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("audit sink is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	if err := cfg.WriteBehind.Validate(); err != nil {
		return nil, fmt.Errorf("session write_behind: %w", err)
	}
	if tiers != nil {
		if !tiers.HasTier(cfg.DefaultTier) {
			return nil, fmt.Errorf("session default tier %q is not a known profile", cfg.DefaultTier)
		}
		for ch, tier := range cfg.ChannelTiers {
			if !tiers.HasTier(tier) {
				return nil, fmt.Errorf("session channel %q uses unknown tier %q", ch, tier)
			}
		}
	}

	logger = logger.With("component", "session")
	m := &Manager{
		cfg:    cfg,
		store:  store,
		sink:   sink,
		tiers:  tiers,
		logger: logger,
		now:    time.Now,
		byID:   make(map[string]*entry),
		byKey:  make(map[key]*entry),
		wb:     newWriteBehind(store, cfg.WriteBehind, logger),
	}
	go m.wb.run()
	return m, nil
}

// IdleTimeout returns the configured idle timeout.
func (m *Manager) IdleTimeout() time.Duration { return m.cfg.IdleTimeout }

// CreateOrResume returns the active session for (userID, channelID),
// creating and persisting one when none exists. Concurrent callers for
// the same pair all receive the same session.
func (m *Manager) CreateOrResume(ctx context.Context, userID, channelID string) (Session, error) {
	if userID == "" || channelID == "" {
		return Session{}, apperr.New(apperr.ValidationError, "user_id and channel_id are required")
	}
	k := key{userID, channelID}

	if s, ok := m.touchExisting(k); ok {
		return s, nil
	}

	v, err, _ := m.creates.Do(userID+"\x00"+channelID, func() (any, error) {
		if s, ok := m.touchExisting(k); ok {
			return s, nil
		}
		return m.create(context.WithoutCancel(ctx), k)
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session).clone(), nil
}

// touchExisting resumes the indexed session for k if it is live.
func (m *Manager) touchExisting(k key) (Session, bool) {
	m.mu.RLock()
	e := m.byKey[k]
	m.mu.RUnlock()
	if e == nil {
		return Session{}, false
	}

	e.mu.Lock()
	now := m.now()
	if e.s.Status == StatusClosed || e.s.expired(now, m.cfg.IdleTimeout) {
		e.mu.Unlock()
		return Session{}, false
	}
	e.s.LastActivity = now
	snap := e.s.clone()
	e.mu.Unlock()

	m.wb.enqueue(snap)
	return m.view(snap, now), true
}

func (m *Manager) create(ctx context.Context, k key) (Session, error) {
	// An expired session still holding the key is closed first so the
	// store never sees two active sessions for one pair.
	m.mu.RLock()
	stale := m.byKey[k]
	m.mu.RUnlock()
	if stale != nil {
		if snap, ok := m.markClosed(stale, CloseIdleTimeout, true); ok {
			if err := m.persistClose(ctx, snap); err != nil {
				return Session{}, err
			}
		}
	}

	now := m.now().UTC()
	s := Session{
		ID:           uuid.NewString(),
		UserID:       k.user,
		ChannelID:    k.channel,
		Tier:         m.cfg.TierFor(k.channel),
		Status:       StatusActive,
		CreatedAt:    now,
		LastActivity: now,
		Invocations:  []string{},
	}
	if err := m.store.Insert(ctx, s); err != nil {
		m.logger.Error("session create failed", "user", k.user, "channel", k.channel, "error", err)
		return Session{}, apperr.Wrap(apperr.Internal, err, "session could not be persisted")
	}

	e := &entry{s: s}
	m.mu.Lock()
	m.byID[s.ID] = e
	m.byKey[k] = e
	m.mu.Unlock()

	m.auditBestEffort(ctx, audit.Record{
		Kind:      audit.KindSession,
		SessionID: s.ID,
		Actor:     k.user,
		Decision:  audit.DecisionAllow,
		Reason:    "session.created",
		Payload:   []byte(fmt.Sprintf(`{"channel_id":%q,"tier":%q}`, k.channel, s.Tier)),
	})
	m.logger.Info("session created", "session", s.ID, "channel", k.channel, "tier", s.Tier)
	return s.clone(), nil
}

// lookup returns the entry for id or SessionNotFound.
func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e := m.byID[id]
	m.mu.RUnlock()
	if e == nil {
		return nil, apperr.Newf(apperr.SessionNotFound, "session %s not found", id)
	}
	return e, nil
}

// live checks e.s under e.mu.
func (m *Manager) live(e *entry, now time.Time) error {
	if e.s.Status == StatusClosed {
		return apperr.Newf(apperr.SessionNotFound, "session %s is closed", e.s.ID)
	}
	if e.s.expired(now, m.cfg.IdleTimeout) {
		return apperr.Newf(apperr.SessionExpired, "session %s expired", e.s.ID)
	}
	return nil
}

// Resume returns a live session and marks it active. Resuming the same
// session repeatedly returns the same session.
func (m *Manager) Resume(ctx context.Context, sessionID string) (Session, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	now := m.now()
	if err := m.live(e, now); err != nil {
		e.mu.Unlock()
		return Session{}, err
	}
	e.s.LastActivity = now
	snap := e.s.clone()
	e.mu.Unlock()

	m.wb.enqueue(snap)
	return m.view(snap, now), nil
}

// Get returns a snapshot without touching activity. Sessions no longer in
// memory are read from the store.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		s, lerr := m.store.Load(ctx, sessionID)
		if lerr != nil {
			return Session{}, lerr
		}
		return s, nil
	}
	e.mu.Lock()
	snap := e.s.clone()
	e.mu.Unlock()
	return m.view(snap, m.now()), nil
}

// RecordInvocation appends an invocation id to the session log.
func (m *Manager) RecordInvocation(sessionID, invocationID string) error {
	e, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	now := m.now()
	if err := m.live(e, now); err != nil {
		e.mu.Unlock()
		return err
	}
	e.s.Invocations = append(e.s.Invocations, invocationID)
	if over := len(e.s.Invocations) - m.cfg.MaxInvocationLog; over > 0 {
		e.s.Invocations = append([]string(nil), e.s.Invocations[over:]...)
	}
	e.s.LastActivity = now
	snap := e.s.clone()
	e.mu.Unlock()

	m.wb.enqueue(snap)
	return nil
}

// SetTier changes the permission tier of a session. The change is
// recorded in the audit chain before it takes effect; if the record
// cannot be written the tier is left unchanged.
func (m *Manager) SetTier(ctx context.Context, sessionID, tier, actor string) (Session, error) {
	if m.tiers != nil && !m.tiers.HasTier(tier) {
		return Session{}, apperr.Newf(apperr.ValidationError, "unknown profile tier %q", tier)
	}
	e, err := m.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	e.tierMu.Lock()
	defer e.tierMu.Unlock()

	e.mu.Lock()
	if err := m.live(e, m.now()); err != nil {
		e.mu.Unlock()
		return Session{}, err
	}
	from := e.s.Tier
	e.mu.Unlock()

	if _, err := m.sink.Append(ctx, audit.Record{
		Kind:      audit.KindSession,
		SessionID: sessionID,
		Actor:     actor,
		Decision:  audit.DecisionAllow,
		Reason:    "session.tier_change",
		Payload:   []byte(fmt.Sprintf(`{"from":%q,"to":%q}`, from, tier)),
	}); err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	now := m.now()
	if err := m.live(e, now); err != nil {
		e.mu.Unlock()
		return Session{}, err
	}
	e.s.Tier = tier
	e.s.LastActivity = now
	snap := e.s.clone()
	e.mu.Unlock()

	m.wb.forget(sessionID)
	if err := m.store.Save(ctx, snap); err != nil {
		m.logger.Error("session tier persist failed", "session", sessionID, "error", err)
		return Session{}, apperr.Wrap(apperr.Internal, err, "session could not be persisted")
	}
	m.logger.Info("session tier changed", "session", sessionID, "from", from, "to", tier, "actor", actor)
	return m.view(snap, now), nil
}

// Close ends a session and persists it before returning. Closing an
// already closed session is a no-op. Sandboxes are not touched.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	e, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	snap, ok := m.markClosed(e, CloseExplicit, false)
	if !ok {
		return nil
	}
	return m.persistClose(ctx, snap)
}

// markClosed transitions e to closed and unindexes it. With onlyExpired
// set, live sessions are left alone.
func (m *Manager) markClosed(e *entry, reason string, onlyExpired bool) (Session, bool) {
	e.mu.Lock()
	now := m.now().UTC()
	if e.s.Status == StatusClosed || (onlyExpired && !e.s.expired(now, m.cfg.IdleTimeout)) {
		e.mu.Unlock()
		return Session{}, false
	}
	e.s.Status = StatusClosed
	e.s.CloseReason = reason
	e.s.ClosedAt = now
	snap := e.s.clone()
	e.mu.Unlock()

	m.mu.Lock()
	if m.byKey[key{snap.UserID, snap.ChannelID}] == e {
		delete(m.byKey, key{snap.UserID, snap.ChannelID})
	}
	delete(m.byID, snap.ID)
	m.mu.Unlock()
	return snap, true
}

func (m *Manager) persistClose(ctx context.Context, snap Session) error {
	m.wb.forget(snap.ID)
	if err := m.store.Save(ctx, snap); err != nil {
		m.logger.Error("session close persist failed", "session", snap.ID, "error", err)
		return apperr.Wrap(apperr.Internal, err, "session close could not be persisted")
	}
	m.auditBestEffort(ctx, audit.Record{
		Kind:      audit.KindSession,
		SessionID: snap.ID,
		Actor:     snap.UserID,
		Decision:  audit.DecisionAllow,
		Reason:    "session.closed",
		Code:      snap.CloseReason,
	})
	m.logger.Info("session closed", "session", snap.ID, "reason", snap.CloseReason)
	return nil
}

// SweepExpired closes every session idle for longer than idleTimeout
// (the configured timeout when zero) and returns how many were closed.
func (m *Manager) SweepExpired(ctx context.Context, idleTimeout time.Duration) (int, error) {
	if idleTimeout <= 0 {
		idleTimeout = m.cfg.IdleTimeout
	}
	now := m.now()

	m.mu.RLock()
	candidates := make([]*entry, 0, len(m.byID))
	for _, e := range m.byID {
		candidates = append(candidates, e)
	}
	m.mu.RUnlock()

	var expired []Session
	for _, e := range candidates {
		e.mu.Lock()
		stale := e.s.Status != StatusClosed && now.Sub(e.s.LastActivity) > idleTimeout
		e.mu.Unlock()
		if !stale {
			continue
		}
		if snap, ok := m.markClosed(e, CloseIdleTimeout, false); ok {
			expired = append(expired, snap)
		}
	}

	var firstErr error
	closed := 0
	for _, snap := range expired {
		if err := m.persistClose(ctx, snap); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		closed++
	}
	if closed > 0 {
		m.logger.Info("expired sessions swept", "count", closed)
	}
	return closed, firstErr
}

// Restore loads active sessions from the store into memory. Sessions
// that expired while the process was down are closed by the next sweep.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	sessions, err := m.store.LoadActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore sessions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range sessions {
		if _, ok := m.byID[s.ID]; ok {
			continue
		}
		if s.Invocations == nil {
			s.Invocations = []string{}
		}
		e := &entry{s: s}
		m.byID[s.ID] = e
		m.byKey[key{s.UserID, s.ChannelID}] = e
		n++
	}
	m.logger.Info("sessions restored", "count", n)
	return n, nil
}

// Count returns the number of sessions in memory.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Shutdown stops background persistence after flushing queued updates.
func (m *Manager) Shutdown(ctx context.Context) {
	m.wb.shutdown(ctx)
}

// view applies the reported idle status to a snapshot.
func (m *Manager) view(s Session, now time.Time) Session {
	if s.Status == StatusActive && now.Sub(s.LastActivity) > m.cfg.IdleTimeout/2 {
		s.Status = StatusIdle
	}
	return s
}

func (m *Manager) auditBestEffort(ctx context.Context, rec audit.Record) {
	if _, err := m.sink.Append(ctx, rec); err != nil {
		m.logger.Warn("session audit record failed", "session", rec.SessionID, "reason", rec.Reason, "error", err)
	}
}
