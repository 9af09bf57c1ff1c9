//go:build windows

package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// ErrProcessProviderUnsupported is returned by every ProcessProvider method
// on Windows.
var ErrProcessProviderUnsupported = errors.New("process sandbox is not supported on Windows")

// EgressGranter hands out per-instance proxy credentials for allowlisted
// egress.
type EgressGranter interface {
	Grant(instanceID string, hosts []string) (proxyURL string, err error)
	Revoke(instanceID string)
}

// ProcessProvider is unavailable on Windows.
type ProcessProvider struct{}

func NewProcessProvider(_ Config, _ EgressGranter, _ *slog.Logger) (*ProcessProvider, error) {
	return nil, ErrProcessProviderUnsupported
}

func (p *ProcessProvider) Name() string { return "process" }
func (p *ProcessProvider) Isolation() IsolationLevel { return IsolationNone }
func (p *ProcessProvider) Dir(string) (string, bool) { return "", false }
func (p *ProcessProvider) Create(context.Context, string, Spec) error {
	return ErrProcessProviderUnsupported
}

func (p *ProcessProvider) Exec(context.Context, string, Command, io.Writer, io.Writer) (ExecResult, error) {
	return ExecResult{}, ErrProcessProviderUnsupported
}

func (p *ProcessProvider) Reset(context.Context, string) error { return ErrProcessProviderUnsupported }
func (p *ProcessProvider) Heartbeat(context.Context, string) error { return ErrProcessProviderUnsupported }
func (p *ProcessProvider) Terminate(context.Context, string) error { return nil }
