package audit

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/jholhewres/clawgate/pkg/clawgate/apperr"
	"github.com/jholhewres/clawgate/pkg/clawgate/database"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("audit: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("audit: zstd decoder initialization failed: " + err.Error())
	}
}

// Store is the database-backed audit chain.
type Store struct {
	hub    *database.Hub
	logger *slog.Logger
	now    func() time.Time

	// mu orders appends: sequence numbers and chain links are assigned
	// under it and the head only advances after the insert commits.
	mu       sync.Mutex
	loaded   bool
	headSeq  int64
	headHash []byte
}

// NewStore creates an audit store on hub.
func NewStore(hub *database.Hub, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		hub:    hub,
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// Append assigns the next sequence number, links rec into the chain and
// persists it. It only returns after the record is committed. Store
// failures are AuditWriteFailure.
func (s *Store) Append(ctx context.Context, rec Record) (Record, error) {
	if rec.Kind == "" {
		return Record{}, apperr.New(apperr.ValidationError, "audit record kind is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadHeadLocked(ctx); err != nil {
		return Record{}, apperr.Wrap(apperr.AuditWriteFailure, err, "audit chain unavailable")
	}

	rec.Seq = s.headSeq + 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	rec.PrevChecksum = append([]byte(nil), s.headHash...)
	sum, err := Checksum(rec.PrevChecksum, rec)
	if err != nil {
		return Record{}, apperr.Wrap(apperr.AuditWriteFailure, err, "audit record could not be encoded")
	}
	rec.Checksum = sum

	var payload []byte
	if len(rec.Payload) > 0 {
		payload = zstdEncoder.EncodeAll(rec.Payload, nil)
	}

	_, err = s.hub.DB().ExecContext(ctx, s.hub.Rebind(`
		INSERT INTO audit_chain (seq, kind, session_id, invocation_id, actor, tool,
			decision, code, reason, payload, created_at, prev_checksum, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.Seq, string(rec.Kind), rec.SessionID, rec.InvocationID, rec.Actor, rec.Tool,
		string(rec.Decision), rec.Code, rec.Reason, payload, rec.CreatedAt.UnixNano(),
		rec.PrevChecksum, rec.Checksum)
	if err != nil {
		// The head on disk is unknown after a failed write; reload next time.
		s.loaded = false
		s.logger.Error("audit append failed", "seq", rec.Seq, "kind", rec.Kind, "error", err)
		return Record{}, apperr.Wrap(apperr.AuditWriteFailure, err, "audit record could not be persisted")
	}

	s.headSeq = rec.Seq
	s.headHash = rec.Checksum
	return rec, nil
}

func (s *Store) loadHeadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	var (
		seq  int64
		hash []byte
	)
	err := s.hub.DB().QueryRowContext(ctx,
		"SELECT seq, checksum FROM audit_chain ORDER BY seq DESC LIMIT 1").Scan(&seq, &hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		seq, hash = 0, Genesis()
	case err != nil:
		return fmt.Errorf("load audit head: %w", err)
	}
	s.headSeq, s.headHash, s.loaded = seq, hash, true
	return nil
}

// Head returns the sequence number and checksum of the last record. An
// empty chain reports 0 and the genesis checksum.
func (s *Store) Head(ctx context.Context) (int64, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadHeadLocked(ctx); err != nil {
		return 0, nil, err
	}
	return s.headSeq, append([]byte(nil), s.headHash...), nil
}

const selectRecord = `SELECT seq, kind, session_id, invocation_id, actor, tool,
	decision, code, reason, payload, created_at, prev_checksum, checksum FROM audit_chain`

// Tail returns the last n records in chain order.
func (s *Store) Tail(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.hub.DB().QueryContext(ctx, s.hub.Rebind(selectRecord+" ORDER BY seq DESC LIMIT ?"), n)
	if err != nil {
		return nil, fmt.Errorf("query audit tail: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// Session returns every record of one session in chain order.
func (s *Store) Session(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.hub.DB().QueryContext(ctx, s.hub.Rebind(selectRecord+" WHERE session_id = ? ORDER BY seq"), sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session audit: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec            Record
		kind, decision string
		payload        []byte
		createdAt      int64
	)
	if err := rows.Scan(&rec.Seq, &kind, &rec.SessionID, &rec.InvocationID, &rec.Actor, &rec.Tool,
		&decision, &rec.Code, &rec.Reason, &payload, &createdAt, &rec.PrevChecksum, &rec.Checksum); err != nil {
		return Record{}, fmt.Errorf("scan audit record: %w", err)
	}
	rec.Kind = Kind(kind)
	rec.Decision = Decision(decision)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	if len(payload) > 0 {
		decoded, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return Record{}, fmt.Errorf("decompress payload of record %d: %w", rec.Seq, err)
		}
		rec.Payload = decoded
	}
	return rec, nil
}

// VerifyReport is the result of a chain verification.
type VerifyReport struct {
	From    int64 `json:"from"`
	To      int64 `json:"to"`
	Checked int64 `json:"checked"`

	// FirstBroken is the first record whose link or checksum does not
	// match, or 0 when the range is intact.
	FirstBroken int64  `json:"first_broken,omitempty"`
	Reason      string `json:"reason,omitempty"`

	// Head is the checksum of the last verified record.
	Head string `json:"head"`
}

// OK reports whether the verified range is intact.
func (r VerifyReport) OK() bool { return r.FirstBroken == 0 }

// Verify walks records from..to (inclusive; to <= 0 means the end of the
// chain) and recomputes every link. A range starting after seq 1 trusts
// the stored checksum of record from-1 as its anchor.
func (s *Store) Verify(ctx context.Context, from, to int64) (VerifyReport, error) {
	if from < 1 {
		from = 1
	}
	report := VerifyReport{From: from, To: to}

	prev := Genesis()
	if from > 1 {
		err := s.hub.DB().QueryRowContext(ctx,
			s.hub.Rebind("SELECT checksum FROM audit_chain WHERE seq = ?"), from-1).Scan(&prev)
		if errors.Is(err, sql.ErrNoRows) {
			report.FirstBroken = from - 1
			report.Reason = "anchor record missing"
			return report, nil
		}
		if err != nil {
			return report, fmt.Errorf("load anchor: %w", err)
		}
	}

	query := selectRecord + " WHERE seq >= ?"
	args := []any{from}
	if to > 0 {
		query += " AND seq <= ?"
		args = append(args, to)
	}
	rows, err := s.hub.DB().QueryContext(ctx, s.hub.Rebind(query+" ORDER BY seq"), args...)
	if err != nil {
		return report, fmt.Errorf("query audit chain: %w", err)
	}
	defer rows.Close()

	expect := from
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			report.FirstBroken = expect
			report.Reason = err.Error()
			return report, nil
		}
		if reason := checkLink(expect, prev, rec); reason != "" {
			report.FirstBroken = expect
			report.Reason = reason
			return report, nil
		}
		prev = rec.Checksum
		expect++
		report.Checked++
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("read audit chain: %w", err)
	}
	if report.To <= 0 {
		report.To = expect - 1
	}
	report.Head = fmt.Sprintf("%x", prev)
	return report, nil
}

func checkLink(expect int64, prev []byte, rec Record) string {
	if rec.Seq != expect {
		return fmt.Sprintf("sequence gap: expected %d, found %d", expect, rec.Seq)
	}
	if !bytes.Equal(rec.PrevChecksum, prev) {
		return "prev checksum does not match predecessor"
	}
	sum, err := Checksum(prev, rec)
	if err != nil {
		return err.Error()
	}
	if !bytes.Equal(sum, rec.Checksum) {
		return "checksum mismatch"
	}
	return ""
}
