// Package sandboxtest provides an in-memory sandbox provider for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/sandbox"
)

// Provider is an in-memory sandbox.Provider. Commands are interpreted by a
// tiny built-in vocabulary unless ExecFunc is set:
//
//	echo ARGS...    writes ARGS joined by spaces to stdout
//	cat             copies stdin to stdout
//	sleep DURATION  blocks for DURATION or until ctx is cancelled
//	exit CODE       exits with CODE
//	spam N          writes N bytes to stdout
//	crash           fails as a crashed instance
//
// Anything else echoes argv to stdout and exits 0.
type Provider struct {
	// CreateDelay is slept (ctx-aware) by every Create.
	CreateDelay time.Duration

	// CreateErr, ResetErr make the corresponding calls fail.
	CreateErr error
	ResetErr  error

	// ExecFunc replaces the built-in command vocabulary.
	ExecFunc func(ctx context.Context, id string, cmd sandbox.Command, stdout, stderr io.Writer) (sandbox.ExecResult, error)

	mu         sync.Mutex
	live       map[string]sandbox.Spec
	dead       map[string]bool
	commands   []sandbox.Command
	created    int
	resets     int
	terminated int
	maxLive    int
}

// New returns an empty provider.
func New() *Provider {
	return &Provider{
		live: make(map[string]sandbox.Spec),
		dead: make(map[string]bool),
	}
}

func (f *Provider) Name() string { return "fake" }

func (f *Provider) Create(ctx context.Context, id string, spec sandbox.Spec) error {
	if f.CreateDelay > 0 {
		select {
		case <-time.After(f.CreateDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return f.CreateErr
	}
	f.live[id] = spec
	f.created++
	f.maxLive = max(f.maxLive, len(f.live))
	return nil
}

func (f *Provider) Exec(ctx context.Context, id string, cmd sandbox.Command, stdout, stderr io.Writer) (sandbox.ExecResult, error) {
	f.mu.Lock()
	_, ok := f.live[id]
	dead := f.dead[id]
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	if !ok || dead {
		return sandbox.ExecResult{}, fmt.Errorf("instance %s: %w", id, sandbox.ErrCrashed)
	}
	if f.ExecFunc != nil {
		return f.ExecFunc(ctx, id, cmd, stdout, stderr)
	}

	start := time.Now()
	res := sandbox.ExecResult{}
	argv := cmd.Argv
	if len(argv) == 0 {
		return res, fmt.Errorf("empty command")
	}
	switch argv[0] {
	case "echo":
		fmt.Fprint(stdout, strings.Join(argv[1:], " "))
	case "cat":
		io.WriteString(stdout, cmd.Stdin)
	case "sleep":
		d, _ := time.ParseDuration(arg(argv, 1))
		select {
		case <-time.After(d):
		case <-ctx.Done():
			res.Killed = true
			res.KillReason = "cancelled"
			res.ExitCode = -1
		}
	case "exit":
		res.ExitCode, _ = strconv.Atoi(arg(argv, 1))
		fmt.Fprint(stderr, "exit ", res.ExitCode)
	case "spam":
		n, _ := strconv.Atoi(arg(argv, 1))
		chunk := []byte(strings.Repeat("x", 1024))
		for n > 0 {
			w := min(n, len(chunk))
			stdout.Write(chunk[:w])
			n -= w
		}
	case "crash":
		return res, fmt.Errorf("instance %s: %w", id, sandbox.ErrCrashed)
	default:
		fmt.Fprint(stdout, strings.Join(argv, " "))
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (f *Provider) Reset(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ResetErr != nil {
		return f.ResetErr
	}
	if _, ok := f.live[id]; !ok || f.dead[id] {
		return fmt.Errorf("instance %s: %w", id, sandbox.ErrCrashed)
	}
	f.resets++
	return nil
}

func (f *Provider) Heartbeat(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; !ok || f.dead[id] {
		return fmt.Errorf("instance %s: %w", id, sandbox.ErrCrashed)
	}
	return nil
}

func (f *Provider) Terminate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; ok {
		delete(f.live, id)
		f.terminated++
	}
	delete(f.dead, id)
	return nil
}

// Kill makes the instance fail heartbeats and commands from now on.
func (f *Provider) Kill(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[id] = true
}

// Live returns the number of instances created and not yet terminated.
func (f *Provider) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// MaxLive is the highest Live value ever observed.
func (f *Provider) MaxLive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive
}

// Created counts successful Create calls.
func (f *Provider) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// Resets counts successful Reset calls.
func (f *Provider) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

// Terminated counts Terminate calls that removed a live instance.
func (f *Provider) Terminated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

// Commands returns every command passed to Exec, in order.
func (f *Provider) Commands() []sandbox.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.Command(nil), f.commands...)
}

// Spec returns the spec a live instance was created with.
func (f *Provider) Spec(id string) (sandbox.Spec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.live[id]
	return s, ok
}

func arg(argv []string, i int) string {
	if i < len(argv) {
		return argv[i]
	}
	return ""
}
