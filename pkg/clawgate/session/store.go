package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/apperr"
	"github.com/jholhewres/clawgate/pkg/clawgate/database"
)

// Store persists sessions.
type Store interface {
	// Insert writes a new session.
	Insert(ctx context.Context, s Session) error

	// Save writes every field of an existing session. Used for state
	// transitions (tier change, close).
	Save(ctx context.Context, s Session) error

	// Touch writes activity and the invocation log of a session that is
	// still active. It never reopens a closed session.
	Touch(ctx context.Context, s Session) error

	// Load reads one session. Unknown ids are SessionNotFound.
	Load(ctx context.Context, id string) (Session, error)

	// LoadActive reads every session that is not closed.
	LoadActive(ctx context.Context) ([]Session, error)
}

// SQLStore keeps sessions in the database hub's sessions table.
type SQLStore struct {
	hub    *database.Hub
	logger *slog.Logger
}

// NewSQLStore creates a store on hub.
func NewSQLStore(hub *database.Hub, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{hub: hub, logger: logger.With("component", "session_store")}
}

func (st *SQLStore) Insert(ctx context.Context, s Session) error {
	inv, err := encodeInvocations(s.Invocations)
	if err != nil {
		return err
	}
	_, err = st.hub.DB().ExecContext(ctx, st.hub.Rebind(`
		INSERT INTO sessions (id, user_id, channel_id, tier, status, close_reason,
			invocations, created_at, last_activity, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.UserID, s.ChannelID, s.Tier, string(storedStatus(s.Status)), s.CloseReason,
		inv, s.CreatedAt.UnixNano(), s.LastActivity.UnixNano(), unixNano(s.ClosedAt))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return nil
}

func (st *SQLStore) Save(ctx context.Context, s Session) error {
	inv, err := encodeInvocations(s.Invocations)
	if err != nil {
		return err
	}
	res, err := st.hub.DB().ExecContext(ctx, st.hub.Rebind(`
		UPDATE sessions SET tier = ?, status = ?, close_reason = ?, invocations = ?,
			last_activity = ?, closed_at = ?
		WHERE id = ?`),
		s.Tier, string(storedStatus(s.Status)), s.CloseReason, inv,
		s.LastActivity.UnixNano(), unixNano(s.ClosedAt), s.ID)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.Newf(apperr.SessionNotFound, "session %s not found", s.ID)
	}
	return nil
}

func (st *SQLStore) Touch(ctx context.Context, s Session) error {
	inv, err := encodeInvocations(s.Invocations)
	if err != nil {
		return err
	}
	_, err = st.hub.DB().ExecContext(ctx, st.hub.Rebind(`
		UPDATE sessions SET invocations = ?, last_activity = ?
		WHERE id = ? AND status <> 'closed'`),
		inv, s.LastActivity.UnixNano(), s.ID)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", s.ID, err)
	}
	return nil
}

const selectSession = `SELECT id, user_id, channel_id, tier, status, close_reason,
	invocations, created_at, last_activity, closed_at FROM sessions`

func (st *SQLStore) Load(ctx context.Context, id string) (Session, error) {
	rows, err := st.hub.DB().QueryContext(ctx, st.hub.Rebind(selectSession+" WHERE id = ?"), id)
	if err != nil {
		return Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	sessions, err := scanSessions(rows)
	if err != nil {
		return Session{}, err
	}
	if len(sessions) == 0 {
		return Session{}, apperr.Newf(apperr.SessionNotFound, "session %s not found", id)
	}
	return sessions[0], nil
}

func (st *SQLStore) LoadActive(ctx context.Context) ([]Session, error) {
	rows, err := st.hub.DB().QueryContext(ctx, selectSession+" WHERE status <> 'closed' ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("load active sessions: %w", err)
	}
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var (
			s                           Session
			status, inv                 string
			created, activity, closedAt int64
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.ChannelID, &s.Tier, &status, &s.CloseReason,
			&inv, &created, &activity, &closedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Status = Status(status)
		s.CreatedAt = time.Unix(0, created).UTC()
		s.LastActivity = time.Unix(0, activity).UTC()
		if closedAt != 0 {
			s.ClosedAt = time.Unix(0, closedAt).UTC()
		}
		if err := json.Unmarshal([]byte(inv), &s.Invocations); err != nil {
			return nil, fmt.Errorf("decode invocations of session %s: %w", s.ID, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	return out, nil
}

func encodeInvocations(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode invocations: %w", err)
	}
	return string(b), nil
}

// storedStatus maps the reported status to what is persisted; idle is a
// view of an active session.
func storedStatus(s Status) Status {
	if s == StatusIdle {
		return StatusActive
	}
	return s
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
