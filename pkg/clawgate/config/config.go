// Package config loads ClawGate's YAML configuration: defaults, .env files,
// environment expansion, path resolution, secret lookup and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/database"
	"github.com/jholhewres/clawgate/pkg/clawgate/egress"
	"github.com/jholhewres/clawgate/pkg/clawgate/gateway"
	"github.com/jholhewres/clawgate/pkg/clawgate/invoke"
	"github.com/jholhewres/clawgate/pkg/clawgate/profiles"
	"github.com/jholhewres/clawgate/pkg/clawgate/sandbox"
	"github.com/jholhewres/clawgate/pkg/clawgate/scheduler"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
)

// Config is the root configuration.
type Config struct {
	Logging   LoggingConfig      `yaml:"logging"`
	Database  database.Config    `yaml:"database"`
	Gateway   gateway.Config     `yaml:"gateway"`
	Session   session.Config     `yaml:"session"`
	Sandbox   sandbox.Config     `yaml:"sandbox"`
	Egress    egress.ProxyConfig `yaml:"egress"`
	Invoke    invoke.Config      `yaml:"invoke"`
	Scheduler scheduler.Config   `yaml:"scheduler"`

	// Profiles are custom permission tiers added to the built-in ones.
	Profiles map[string]profiles.Profile `yaml:"profiles"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level: debug, info, warn or error. Default: info.
	Level string `yaml:"level"`

	// Format: json or text. Default: json.
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration that runs locally with sqlite and
// the built-in sandbox classes. Gateway auth must still be supplied.
func DefaultConfig() *Config {
	sched := scheduler.DefaultConfig()
	// Derived from sandbox.reap_interval unless set.
	sched.Reap = ""

	return &Config{
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Database:  database.DefaultConfig(),
		Gateway:   gateway.DefaultConfig(),
		Session:   session.DefaultConfig(),
		Sandbox:   sandbox.DefaultConfig(),
		Egress:    egress.DefaultProxyConfig(),
		Invoke:    invoke.DefaultConfig(),
		Scheduler: sched,
	}
}

// applyDerived fills values that depend on other sections.
func (c *Config) applyDerived() {
	if strings.TrimSpace(c.Scheduler.Reap) == "" && c.Sandbox.ReapInterval > 0 {
		c.Scheduler.Reap = "@every " + c.Sandbox.ReapInterval.String()
	}
}

// SlogLevel returns the slog level for the configured logging level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Tiers returns the built-in and custom tier names, sorted.
func (c *Config) Tiers() []string {
	seen := make(map[string]bool, len(profiles.BuiltInProfiles)+len(c.Profiles))
	for name := range profiles.BuiltInProfiles {
		seen[name] = true
	}
	for name := range c.Profiles {
		seen[name] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate reports every inconsistency it finds, joined.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown format %q", c.Logging.Format))
	}

	if err := c.Database.Effective().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Gateway.Effective().Validate(); err != nil {
		errs = append(errs, err)
	}

	if err := c.Sandbox.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sandbox: %w", err))
	}
	for _, name := range c.Sandbox.ClassNames() {
		if backend := c.Sandbox.Classes[name].Effective().Backend; backend != "process" {
			errs = append(errs, fmt.Errorf("sandbox: class %q: unknown backend %q", name, backend))
		}
	}

	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := c.Profiles[name]
		if _, builtin := profiles.BuiltInProfiles[name]; builtin {
			errs = append(errs, fmt.Errorf("profiles: %q redefines a built-in profile", name))
		}
		if p.RequiresSandbox != nil && !*p.RequiresSandbox {
			errs = append(errs, fmt.Errorf("profiles: %q: requires_sandbox: false is not supported", name))
		}
		switch p.Mount {
		case "", sandbox.MountReadOnly, sandbox.MountReadWrite:
		default:
			errs = append(errs, fmt.Errorf("profiles: %q: invalid mount %q", name, p.Mount))
		}
	}

	known := c.Tiers()
	isKnown := func(tier string) bool {
		i := sort.SearchStrings(known, tier)
		return i < len(known) && known[i] == tier
	}
	if tier := c.Session.Effective().DefaultTier; !isKnown(tier) {
		errs = append(errs, fmt.Errorf("session: default_tier %q is not a known profile", tier))
	}
	for channel, tier := range c.Session.ChannelTiers {
		if !isKnown(tier) {
			errs = append(errs, fmt.Errorf("session: channel_tiers[%s]: %q is not a known profile", channel, tier))
		}
	}

	return errors.Join(errs...)
}
