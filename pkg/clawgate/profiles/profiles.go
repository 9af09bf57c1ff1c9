// Package profiles implements the permission profile engine: a pure policy
// evaluator over an immutable table of profile tiers. Given a tier, a tool
// and its arguments it returns allow (with the sandbox constraints the
// invocation must run under) or deny with a stable reason.
package profiles

import (
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/sandbox"
)

// EgressPolicy is deny-by-default network access for sandboxed tools.
type EgressPolicy struct {
	// AllowHosts are destination hosts reachable through the egress proxy.
	// Supports "*.domain" wildcards and "*" for any public host.
	AllowHosts []string `yaml:"allow_hosts"`
}

// Profile defines a permission tier.
type Profile struct {
	// Name is the tier identifier (e.g., "minimal", "coding", "full").
	Name string `yaml:"name"`

	// Description explains what this tier is for.
	Description string `yaml:"description"`

	// Allow lists tools and groups that are permitted.
	// Supports: tool names, "group:<category>", wildcards like "fs.*", "*".
	Allow []string `yaml:"allow"`

	// Deny lists tools and groups that are always blocked.
	// Takes precedence over Allow.
	Deny []string `yaml:"deny"`

	// Commands is the exec allowlist for tools that run programs. "*"
	// allows any program.
	Commands []string `yaml:"commands"`

	// RequiresSandbox must be true or unset. A profile that turns sandboxing
	// off is rejected at load.
	RequiresSandbox *bool `yaml:"requires_sandbox"`

	// Mount is how the workspace is exposed ("ro" or "rw").
	Mount sandbox.MountMode `yaml:"mount"`

	// WorkspaceRoot is the root that path arguments must stay under.
	// Defaults to "/workspace".
	WorkspaceRoot string `yaml:"workspace_root"`

	// Egress is the network policy for tools that use the network.
	Egress EgressPolicy `yaml:"egress"`

	// Limits override the sandbox class defaults.
	Limits sandbox.Limits `yaml:"limits"`
}

func boolPtr(b bool) *bool { return &b }

// codingCommands is the exec allowlist of the coding tier.
var codingCommands = []string{
	"awk", "basename", "cat", "cd", "cp", "cut", "diff", "dirname", "echo",
	"false", "find", "git", "go", "grep", "head", "jq", "ls", "make",
	"mkdir", "mv", "node", "npm", "npx", "printf", "pwd", "python3",
	"rm", "sed", "sort", "tail", "tar", "tee", "test", "touch", "tr",
	"true", "uniq", "wc", "xargs",
}

// BuiltInProfiles are the predefined tiers.
var BuiltInProfiles = map[string]Profile{
	"minimal": {
		Name:        "minimal",
		Description: "Read-only workspace access, web and memory lookups",
		Allow: []string{
			"group:web",
			"group:memory",
			"fs.read",
			"fs.list",
		},
		Deny: []string{
			"group:runtime",
			"fs.write",
		},
		RequiresSandbox: boolPtr(true),
		Mount:           sandbox.MountReadOnly,
		Limits: sandbox.Limits{
			CPUPercent:     25,
			MemoryMB:       256,
			WallClock:      30 * time.Second,
			MaxOutputBytes: 256 * 1024,
		},
	},
	"coding": {
		Name:        "coding",
		Description: "Software development: workspace files, git, runtimes with an exec allowlist",
		Allow: []string{
			"group:fs",
			"group:git",
			"group:web",
			"group:memory",
			"group:runtime",
		},
		Commands:        codingCommands,
		RequiresSandbox: boolPtr(true),
		Mount:           sandbox.MountReadWrite,
		Egress: EgressPolicy{AllowHosts: []string{
			"api.github.com",
			"*.githubusercontent.com",
			"proxy.golang.org",
			"sum.golang.org",
			"pypi.org",
			"files.pythonhosted.org",
			"registry.npmjs.org",
		}},
	},
	"messaging": {
		Name:        "messaging",
		Description: "Chat channel usage: web and memory, no workspace or runtimes",
		Allow: []string{
			"group:web",
			"group:memory",
		},
		Deny: []string{
			"group:runtime",
			"group:fs",
			"group:git",
		},
		RequiresSandbox: boolPtr(true),
		Mount:           sandbox.MountReadOnly,
	},
	"full": {
		Name:            "full",
		Description:     "Every tool and program, still sandboxed",
		Allow:           []string{"*"},
		Commands:        []string{"*"},
		RequiresSandbox: boolPtr(true),
		Mount:           sandbox.MountReadWrite,
		Egress:          EgressPolicy{AllowHosts: []string{"*"}},
	},
}
