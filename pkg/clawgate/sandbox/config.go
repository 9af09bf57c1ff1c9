package sandbox

import (
	"fmt"
	"sort"
	"time"
)

// IsolationLevel defines how strictly the process provider isolates an
// instance.
type IsolationLevel string

const (
	// IsolationNone runs commands as plain child processes in the
	// instance directory. Intended for development hosts only.
	IsolationNone IsolationLevel = "none"

	// IsolationRestricted adds Linux PID, mount, user and (when egress is
	// denied) network namespaces.
	IsolationRestricted IsolationLevel = "restricted"
)

// ClassConfig configures one sandbox class.
type ClassConfig struct {
	// Backend selects the provider ("process"). Defaults to "process".
	Backend string `yaml:"backend"`

	// MaxInstances is the concurrency cap: warming, idle, assigned and
	// draining instances all count against it.
	MaxInstances int `yaml:"max_instances"`

	// WarmTarget is the number of idle instances kept ready.
	WarmTarget int `yaml:"warm_target"`

	// WaitBudget is how long Acquire blocks at cap before failing with
	// SandboxUnavailable.
	WaitBudget time.Duration `yaml:"wait_budget"`

	// MaxIdle terminates idle instances older than this.
	MaxIdle time.Duration `yaml:"max_idle"`

	// HeartbeatGrace is how stale a heartbeat may get before the instance
	// is treated as crashed.
	HeartbeatGrace time.Duration `yaml:"heartbeat_grace"`

	// GoldenDir is copied into every new or reset instance.
	GoldenDir string `yaml:"golden_dir"`

	// DefaultMount is the mount mode of pre-warmed instances.
	DefaultMount MountMode `yaml:"default_mount"`

	// Limits are the class defaults; profile constraints override them.
	Limits Limits `yaml:"limits"`
}

// Config holds the sandbox pool configuration.
type Config struct {
	// Classes maps class name to its configuration.
	Classes map[string]ClassConfig `yaml:"classes"`

	// RootDir holds one working directory per instance.
	// Defaults to "/tmp/clawgate-sandbox".
	RootDir string `yaml:"root_dir"`

	// Isolation is the process provider isolation level.
	Isolation IsolationLevel `yaml:"isolation"`

	// ReapInterval is how often heartbeats and idle ages are checked.
	ReapInterval time.Duration `yaml:"reap_interval"`

	// ResetTimeout bounds Reset and Terminate calls made by the pool.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// AllowedEnv, when non-empty, is the only set of variables passed to
	// commands.
	AllowedEnv []string `yaml:"allowed_env"`

	// BlockedEnv are always stripped. Takes precedence over AllowedEnv.
	BlockedEnv []string `yaml:"blocked_env"`
}

// DefaultClassConfig returns the defaults applied to zero class fields.
func DefaultClassConfig() ClassConfig {
	return ClassConfig{
		Backend:        "process",
		MaxInstances:   4,
		WarmTarget:     1,
		WaitBudget:     5 * time.Second,
		MaxIdle:        10 * time.Minute,
		HeartbeatGrace: 30 * time.Second,
		DefaultMount:   MountReadOnly,
		Limits: Limits{
			CPUPercent:     50,
			MemoryMB:       512,
			WallClock:      60 * time.Second,
			MaxOutputBytes: 1 * 1024 * 1024, // 1MB
		},
	}
}

// DefaultConfig returns a Config with a "coding" and a "browser" class.
func DefaultConfig() Config {
	coding := DefaultClassConfig()
	coding.MaxInstances = 8
	coding.WarmTarget = 2
	coding.DefaultMount = MountReadWrite

	browser := DefaultClassConfig()
	browser.Limits.WallClock = 30 * time.Second
	browser.Limits.MemoryMB = 256

	return Config{
		Classes: map[string]ClassConfig{
			"coding":  coding,
			"browser": browser,
		},
		RootDir:      "/tmp/clawgate-sandbox",
		Isolation:    IsolationRestricted,
		ReapInterval: 15 * time.Second,
		ResetTimeout: 30 * time.Second,
		BlockedEnv:   defaultBlockedEnv(),
	}
}

// Effective returns the class config with defaults applied.
func (c ClassConfig) Effective() ClassConfig {
	def := DefaultClassConfig()
	out := c
	if out.Backend == "" {
		out.Backend = def.Backend
	}
	if out.MaxInstances <= 0 {
		out.MaxInstances = def.MaxInstances
	}
	if out.WaitBudget < 0 {
		out.WaitBudget = 0
	}
	if out.MaxIdle <= 0 {
		out.MaxIdle = def.MaxIdle
	}
	if out.HeartbeatGrace <= 0 {
		out.HeartbeatGrace = def.HeartbeatGrace
	}
	if out.DefaultMount == "" {
		out.DefaultMount = def.DefaultMount
	}
	out.Limits = out.Limits.Merge(def.Limits)
	return out
}

// ClassNames returns the configured class names, sorted.
func (c *Config) ClassNames() []string {
	names := make([]string, 0, len(c.Classes))
	for name := range c.Classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	if len(c.Classes) == 0 {
		return fmt.Errorf("at least one sandbox class is required")
	}
	switch c.Isolation {
	case IsolationNone, IsolationRestricted, "":
	default:
		return fmt.Errorf("invalid isolation level: %q", c.Isolation)
	}
	for _, name := range c.ClassNames() {
		cls := c.Classes[name]
		if cls.MaxInstances < 0 {
			return fmt.Errorf("class %q: max_instances must not be negative", name)
		}
		eff := cls.Effective()
		if eff.WarmTarget < 0 || eff.WarmTarget > eff.MaxInstances {
			return fmt.Errorf("class %q: warm_target %d must be between 0 and max_instances %d",
				name, eff.WarmTarget, eff.MaxInstances)
		}
		switch eff.DefaultMount {
		case MountReadOnly, MountReadWrite:
		default:
			return fmt.Errorf("class %q: invalid default_mount %q", name, eff.DefaultMount)
		}
		if eff.Limits.CPUPercent > 100 {
			return fmt.Errorf("class %q: cpu_percent must be at most 100", name)
		}
	}
	return nil
}
