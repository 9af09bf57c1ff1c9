// Package sandbox manages the ephemeral execution environments that every
// tool invocation runs in.
//
// Instances are grouped in classes (e.g. "coding", "browser"). Each class
// keeps a pre-warmed set of idle instances so acquisition latency stays
// bounded, never runs more than its concurrency cap, and reclaims instances
// on completion, timeout and crash:
//
//   - warming:    being created by the provider
//   - idle:       reset to the class golden state, ready for assignment
//   - assigned:   exclusively leased to one invocation
//   - draining:   being reset or terminated
//   - terminated: gone; no longer counted against the cap
//
// Limits and the egress allowlist are fixed when an instance is created and
// cannot be changed after assignment.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

// State is the lifecycle state of a sandbox instance.
type State string

const (
	StateWarming    State = "warming"
	StateIdle       State = "idle"
	StateAssigned   State = "assigned"
	StateDraining   State = "draining"
	StateTerminated State = "terminated"
)

// Outcome tells Release how an invocation ended.
type Outcome string

const (
	// OutcomeClean resets the instance and may return it to the idle set.
	OutcomeClean Outcome = "clean"

	// OutcomeTimeout force-kills and terminates the instance.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeCrash terminates the instance. Crash state never leaks into
	// a later invocation.
	OutcomeCrash Outcome = "crash"
)

// MountMode is how the workspace is exposed to the instance.
type MountMode string

const (
	// MountReadOnly clears write permission on the workspace copy. With
	// restricted isolation each command also gets the workspace bind-mounted
	// read-only in its mount namespace; without it the permission bits are
	// the only barrier and the owning user can restore them.
	MountReadOnly  MountMode = "ro"
	MountReadWrite MountMode = "rw"
)

// ErrCrashed is returned by providers when the instance itself failed,
// as opposed to the command inside it exiting non-zero.
var ErrCrashed = errors.New("sandbox instance crashed")

// Limits are the resource limits applied to an instance at creation.
type Limits struct {
	// CPUPercent caps CPU usage (0-100). Zero means the class default.
	CPUPercent int `yaml:"cpu_percent" json:"cpu_percent"`

	// MemoryMB caps the address space of processes in the instance.
	MemoryMB int `yaml:"memory_mb" json:"memory_mb"`

	// WallClock is the hard deadline for a single invocation.
	WallClock time.Duration `yaml:"wall_clock" json:"wall_clock"`

	// MaxOutputBytes caps combined stdout+stderr of a single invocation.
	MaxOutputBytes int64 `yaml:"max_output_bytes" json:"max_output_bytes"`
}

// Merge returns l with zero fields filled from def.
func (l Limits) Merge(def Limits) Limits {
	out := l
	if out.CPUPercent <= 0 {
		out.CPUPercent = def.CPUPercent
	}
	if out.MemoryMB <= 0 {
		out.MemoryMB = def.MemoryMB
	}
	if out.WallClock <= 0 {
		out.WallClock = def.WallClock
	}
	if out.MaxOutputBytes <= 0 {
		out.MaxOutputBytes = def.MaxOutputBytes
	}
	return out
}

// Spec is everything an instance is created with. Two specs with the same
// Key are interchangeable, so an idle instance can satisfy any request with
// a matching key.
type Spec struct {
	Class  string
	Limits Limits
	Mount  MountMode

	// Egress is the destination host allowlist. Empty denies all egress.
	Egress []string
}

// Normalize returns a copy with a sorted, de-duplicated egress list.
func (s Spec) Normalize() Spec {
	out := s
	hosts := make([]string, 0, len(s.Egress))
	for _, h := range s.Egress {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	slices.Sort(hosts)
	out.Egress = slices.Compact(hosts)
	if out.Mount == "" {
		out.Mount = MountReadOnly
	}
	return out
}

// Key identifies the compatibility class of a spec.
func (s Spec) Key() string {
	n := s.Normalize()
	return fmt.Sprintf("%s|cpu=%d|mem=%d|wall=%s|out=%d|mount=%s|egress=%s",
		n.Class, n.Limits.CPUPercent, n.Limits.MemoryMB, n.Limits.WallClock,
		n.Limits.MaxOutputBytes, n.Mount, strings.Join(n.Egress, ","))
}

// Command is a process to run inside an instance.
type Command struct {
	// Argv is the program and its arguments. Argv[0] is resolved inside
	// the instance.
	Argv []string

	// Stdin is fed to the process.
	Stdin string

	// Env holds extra variables; they are filtered before use.
	Env map[string]string
}

// ExecResult holds the outcome of a command run inside an instance.
type ExecResult struct {
	ExitCode   int
	Duration   time.Duration
	Killed     bool
	KillReason string
}

// Provider creates and drives the isolated environments behind instances.
// Implementations must be safe for concurrent use across instance ids.
type Provider interface {
	// Name identifies the backend in logs and config.
	Name() string

	// Create provisions a fresh instance in its class golden state.
	Create(ctx context.Context, id string, spec Spec) error

	// Exec runs cmd inside the instance, streaming output to the writers.
	// Cancelling ctx must kill everything the command started.
	Exec(ctx context.Context, id string, cmd Command, stdout, stderr io.Writer) (ExecResult, error)

	// Reset wipes the instance back to its class golden state.
	Reset(ctx context.Context, id string) error

	// Heartbeat reports whether the instance is alive.
	Heartbeat(ctx context.Context, id string) error

	// Terminate destroys the instance and everything running in it.
	Terminate(ctx context.Context, id string) error
}

// InstanceInfo is a read-only snapshot of an instance.
type InstanceInfo struct {
	ID            string    `json:"id"`
	Class         string    `json:"class"`
	State         State     `json:"state"`
	SessionID     string    `json:"session_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	SpecKey       string    `json:"spec_key"`
}

// ClassStats counts instances of one class by state.
type ClassStats struct {
	Class    string `json:"class"`
	Cap      int    `json:"cap"`
	Warm     int    `json:"warm_target"`
	Warming  int    `json:"warming"`
	Idle     int    `json:"idle"`
	Assigned int    `json:"assigned"`
	Draining int    `json:"draining"`
	Waiting  int    `json:"waiting"`
}

// Live is the number of instances counted against the cap.
func (s ClassStats) Live() int {
	return s.Warming + s.Idle + s.Assigned + s.Draining
}
