package profiles

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/apperr"
	"github.com/jholhewres/clawgate/pkg/clawgate/egress"
	"github.com/jholhewres/clawgate/pkg/clawgate/sandbox"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

// DenyReason is a stable machine-readable deny reason.
type DenyReason string

const (
	ReasonUnknownTier       DenyReason = "unknown_tier"
	ReasonUnknownTool       DenyReason = "unknown_tool"
	ReasonToolNotAllowed    DenyReason = "tool_not_allowed"
	ReasonCommandNotAllowed DenyReason = "command_not_allowed"
	ReasonArgumentViolation DenyReason = "argument_violation"
)

// DefaultWorkspaceRoot is the workspace root of profiles that set none.
const DefaultWorkspaceRoot = "/workspace"

// Constraints are the sandbox parameters an allowed invocation runs under.
type Constraints struct {
	Class         string            `json:"class"`
	Limits        sandbox.Limits    `json:"limits"`
	Mount         sandbox.MountMode `json:"mount"`
	Egress        []string          `json:"egress,omitempty"`
	WorkspaceRoot string            `json:"workspace_root"`
}

// Spec converts the constraints to a sandbox spec.
func (c Constraints) Spec() sandbox.Spec {
	return sandbox.Spec{
		Class:  c.Class,
		Limits: c.Limits,
		Mount:  c.Mount,
		Egress: c.Egress,
	}.Normalize()
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Allow bool `json:"allow"`

	// RequiresSandbox is always true; there is no unsandboxed execution.
	RequiresSandbox bool `json:"requires_sandbox"`

	Reason      DenyReason  `json:"reason,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	Constraints Constraints `json:"constraints"`
}

// Err returns a PermissionDenied error for a deny decision, nil otherwise.
func (d Decision) Err() error {
	if d.Allow {
		return nil
	}
	if d.Detail == "" {
		return apperr.New(apperr.PermissionDenied, string(d.Reason))
	}
	return apperr.Newf(apperr.PermissionDenied, "%s: %s", d.Reason, d.Detail)
}

// Engine evaluates tool invocations against the profile table. It holds
// no mutable state and is safe for concurrent use.
type Engine struct {
	profiles map[string]Profile
	registry *tools.Registry
	guard    *egress.Guard
}

// NewEngine builds the profile table from the built-in tiers plus custom
// ones. Custom tiers may not reuse a built-in name or disable sandboxing.
// guard may be nil, which skips literal-address checks on URL arguments.
func NewEngine(custom map[string]Profile, registry *tools.Registry, guard *egress.Guard) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("profile engine requires a tool registry")
	}
	e := &Engine{
		profiles: make(map[string]Profile, len(BuiltInProfiles)+len(custom)),
		registry: registry,
		guard:    guard,
	}
	for name, p := range BuiltInProfiles {
		e.profiles[name] = freeze(name, p)
	}
	for name, p := range custom {
		if _, builtin := BuiltInProfiles[name]; builtin {
			return nil, fmt.Errorf("profile %q: cannot redefine a built-in profile", name)
		}
		if p.RequiresSandbox != nil && !*p.RequiresSandbox {
			return nil, fmt.Errorf("profile %q: requires_sandbox: false is not supported", name)
		}
		switch p.Mount {
		case "", sandbox.MountReadOnly, sandbox.MountReadWrite:
		default:
			return nil, fmt.Errorf("profile %q: invalid mount %q", name, p.Mount)
		}
		e.profiles[name] = freeze(name, p)
	}
	return e, nil
}

// freeze copies a profile and fills defaults so later mutation of the
// caller's value cannot leak into the table.
func freeze(name string, p Profile) Profile {
	out := p
	out.Name = name
	out.Allow = append([]string(nil), p.Allow...)
	out.Deny = append([]string(nil), p.Deny...)
	out.Commands = append([]string(nil), p.Commands...)
	out.Egress.AllowHosts = append([]string(nil), p.Egress.AllowHosts...)
	out.RequiresSandbox = boolPtr(true)
	if out.Mount == "" {
		out.Mount = sandbox.MountReadOnly
	}
	if out.WorkspaceRoot == "" {
		out.WorkspaceRoot = DefaultWorkspaceRoot
	}
	out.WorkspaceRoot = path.Clean("/" + out.WorkspaceRoot)
	return out
}

// Profile returns a tier by name.
func (e *Engine) Profile(name string) (Profile, bool) {
	p, ok := e.profiles[name]
	return p, ok
}

// Tiers returns every tier name, sorted.
func (e *Engine) Tiers() []string {
	names := make([]string, 0, len(e.profiles))
	for name := range e.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasTier reports whether a tier exists.
func (e *Engine) HasTier(name string) bool {
	_, ok := e.profiles[name]
	return ok
}

// Evaluate decides whether tier may invoke tool with args.
func (e *Engine) Evaluate(tier, tool string, args tools.Args) Decision {
	deny := func(reason DenyReason, format string, a ...any) Decision {
		return Decision{RequiresSandbox: true, Reason: reason, Detail: fmt.Sprintf(format, a...)}
	}

	p, ok := e.profiles[tier]
	if !ok {
		return deny(ReasonUnknownTier, "profile %q does not exist", tier)
	}
	t, ok := e.registry.Lookup(tool)
	if !ok {
		return deny(ReasonUnknownTool, "tool %q is not registered", tool)
	}

	if matchAny(t, p.Deny) {
		return deny(ReasonToolNotAllowed, "%s is denied by profile %s", tool, tier)
	}
	if !matchAny(t, p.Allow) {
		return deny(ReasonToolNotAllowed, "%s is not in the allow list of profile %s", tool, tier)
	}

	if t.Commands != nil {
		for _, line := range t.Commands(args) {
			if err := checkCommandLine(line, p.Commands); err != nil {
				return deny(ReasonCommandNotAllowed, "%v", err)
			}
		}
	}

	for _, name := range t.PathArgs {
		v, present := args[name]
		if !present {
			continue
		}
		s, _ := v.(string)
		if _, err := tools.WorkspacePath(p.WorkspaceRoot, s); err != nil {
			return deny(ReasonArgumentViolation, "%s: %v", name, err)
		}
	}

	for _, name := range t.URLArgs {
		v, present := args[name]
		if !present {
			continue
		}
		s, _ := v.(string)
		if err := e.checkURL(s, p.Egress.AllowHosts); err != nil {
			return deny(ReasonArgumentViolation, "%s: %v", name, err)
		}
	}

	return Decision{Allow: true, RequiresSandbox: true, Constraints: constraintsFor(p, t)}
}

func constraintsFor(p Profile, t *tools.Tool) Constraints {
	c := Constraints{
		Class:         t.Class,
		Limits:        p.Limits,
		Mount:         p.Mount,
		WorkspaceRoot: p.WorkspaceRoot,
	}
	if t.Network {
		c.Egress = append([]string(nil), p.Egress.AllowHosts...)
	}
	return c
}

// SandboxSpecs returns every distinct sandbox spec an allowed invocation can
// request: tiers in name order, tools in name order within a tier. The pool
// pre-warms instances for these.
func (e *Engine) SandboxSpecs() []sandbox.Spec {
	var out []sandbox.Spec
	seen := make(map[string]bool)
	for _, tier := range e.Tiers() {
		p := e.profiles[tier]
		for _, t := range e.registry.All() {
			if matchAny(t, p.Deny) || !matchAny(t, p.Allow) {
				continue
			}
			spec := constraintsFor(p, t).Spec()
			if key := spec.Key(); !seen[key] {
				seen[key] = true
				out = append(out, spec)
			}
		}
	}
	return out
}

func (e *Engine) checkURL(raw string, allow []string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if !egress.MatchHost(host, allow) {
		return fmt.Errorf("host %s is not on the egress allowlist", host)
	}
	if e.guard != nil {
		if err := e.guard.CheckLiteral(host); err != nil {
			return err
		}
	}
	return nil
}

// matchAny reports whether the tool matches any pattern: "*", a tool name,
// "group:<category>", a prefix wildcard ("fs.*") or a glob.
func matchAny(t *tools.Tool, patterns []string) bool {
	for _, p := range patterns {
		switch {
		case p == "*" || p == t.Name:
			return true
		case strings.HasPrefix(p, "group:"):
			if p == t.Group() {
				return true
			}
		case strings.HasSuffix(p, "*"):
			if strings.HasPrefix(t.Name, strings.TrimSuffix(p, "*")) {
				return true
			}
		default:
			if ok, err := filepath.Match(p, t.Name); err == nil && ok {
				return true
			}
		}
	}
	return false
}
