// Package audit is the append-only, hash-chained record of every
// authentication event, policy decision, tool invocation and session
// change.
//
// Each record's checksum is a keyed BLAKE3 hash over the previous
// record's checksum followed by the canonical CBOR encoding of the
// record, so any edit, deletion or reordering breaks every later link.
package audit

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Kind is the category of an audit record.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindDecision   Kind = "decision"
	KindInvocation Kind = "invocation"
	KindSession    Kind = "session"
)

// Decision is the verdict a record carries.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionError Decision = "error"
)

// ChecksumSize is the length of a chain checksum.
const ChecksumSize = 32

// Record is one entry in the audit chain. Records are never mutated once
// appended.
type Record struct {
	Seq          int64     `json:"seq"`
	Kind         Kind      `json:"kind"`
	SessionID    string    `json:"session_id,omitempty"`
	InvocationID string    `json:"invocation_id,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	Tool         string    `json:"tool,omitempty"`
	Decision     Decision  `json:"decision,omitempty"`
	Code         string    `json:"code,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	PrevChecksum []byte    `json:"prev_checksum"`
	Checksum     []byte    `json:"checksum"`
}

// ChecksumHex is the record checksum as hex.
func (r Record) ChecksumHex() string { return hex.EncodeToString(r.Checksum) }

// Sink accepts audit records. Append must not return until the record is
// durable.
type Sink interface {
	Append(ctx context.Context, rec Record) (Record, error)
}

// canonical is the hashed form of a record. The array layout fixes field
// order; timestamps are unix nanoseconds.
type canonical struct {
	_            struct{} `cbor:",toarray"`
	Seq          int64
	Kind         string
	SessionID    string
	InvocationID string
	Actor        string
	Tool         string
	Decision     string
	Code         string
	Reason       string
	Payload      []byte
	CreatedAt    int64
}

var (
	encMode cbor.EncMode

	// chainKey is the BLAKE3 key for the audit chain domain.
	chainKey = blake3.Sum256([]byte("clawgate audit chain v1"))

	genesis = make([]byte, ChecksumSize)
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
}

// Genesis returns the prev checksum of the first record.
func Genesis() []byte { return append([]byte(nil), genesis...) }

// Checksum computes the chain checksum of rec given its predecessor's.
func Checksum(prev []byte, rec Record) ([]byte, error) {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = nil
	}
	body, err := encMode.Marshal(canonical{
		Seq:          rec.Seq,
		Kind:         string(rec.Kind),
		SessionID:    rec.SessionID,
		InvocationID: rec.InvocationID,
		Actor:        rec.Actor,
		Tool:         rec.Tool,
		Decision:     string(rec.Decision),
		Code:         rec.Code,
		Reason:       rec.Reason,
		Payload:      payload,
		CreatedAt:    rec.CreatedAt.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	h, err := blake3.NewKeyed(chainKey[:])
	if err != nil {
		return nil, fmt.Errorf("init chain hasher: %w", err)
	}
	h.Write(prev)
	h.Write(body)
	return h.Sum(nil), nil
}
