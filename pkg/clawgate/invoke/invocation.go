// Package invoke runs tool invocations: policy check, sandbox acquisition,
// execution under the tier's limits, output capture and exactly one audit
// record per invocation.
//
// Invocations move through
//
//	pending -> policy_checked -> sandbox_acquired -> running -> succeeded | failed | timed_out
//
// and reach a terminal state exactly once. Each session has its own FIFO
// lane, so a slow call in one session never delays another session.
package invoke

import (
	"encoding/json"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/apperr"
)

// Status is the state of an invocation.
type Status string

const (
	StatusPending         Status = "pending"
	StatusPolicyChecked   Status = "policy_checked"
	StatusSandboxAcquired Status = "sandbox_acquired"
	StatusRunning         Status = "running"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusTimedOut        Status = "timed_out"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// Request asks for one tool invocation.
type Request struct {
	SessionID string          `json:"session_id"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args,omitempty"`

	// Actor identifies the authenticated caller in audit records.
	Actor string `json:"-"`
}

// Output is what a finished command produced.
type Output struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Invocation is a snapshot of one tool invocation.
type Invocation struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`
	SandboxID string `json:"sandbox_id,omitempty"`
	Status    Status `json:"status"`

	// Code and Message describe why a failed or timed-out invocation
	// ended. Empty for successes.
	Code    apperr.Code `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`

	// Result is nil for invocations that never ran and for output that
	// exceeded the cap.
	Result     *Output `json:"result,omitempty"`
	ResultSize int64   `json:"result_size"`

	// AuditCode is AuditWriteFailure when the terminal audit record could
	// not be written. The terminal state stands regardless.
	AuditCode apperr.Code `json:"audit_code,omitempty"`
	AuditSeq  int64       `json:"audit_seq,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// Err returns the error a caller should see for the invocation, nil for a
// fully recorded success.
func (inv Invocation) Err() error {
	if !inv.Status.Terminal() {
		return nil
	}
	if inv.Code != "" {
		return apperr.New(inv.Code, inv.Message)
	}
	if inv.AuditCode != "" {
		return apperr.New(inv.AuditCode, "invocation completed but its audit record could not be persisted")
	}
	return nil
}
