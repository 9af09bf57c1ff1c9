package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

// defaultBlockedEnv returns environment variables that are always
// stripped from sandboxed commands, as they can be used for injection.
func defaultBlockedEnv() []string {
	return []string{
		"NODE_OPTIONS",
		"NODE_PATH",
		"PYTHONHOME",
		"PYTHONPATH",
		"PYTHONSTARTUP",
		"RUBYOPT",
		"PERL5LIB",
		"PERL5OPT",
		"LD_PRELOAD",
		"LD_LIBRARY_PATH",
		"DYLD_INSERT_LIBRARIES",
		"DYLD_LIBRARY_PATH",
		"BASH_ENV",
		"ENV",
		"CDPATH",
		"PATH",
		"HTTP_PROXY",
		"HTTPS_PROXY",
		"NO_PROXY",
	}
}

// blockedEnvPrefixes catch families of dangerous variables.
var blockedEnvPrefixes = []string{
	"LD_",
	"DYLD_",
}

// EnvPolicy filters caller-supplied environment variables.
type EnvPolicy struct {
	blocked map[string]bool
	allowed map[string]bool
}

// NewEnvPolicy builds a policy from the sandbox config.
func NewEnvPolicy(cfg Config) *EnvPolicy {
	p := &EnvPolicy{
		blocked: make(map[string]bool),
		allowed: make(map[string]bool),
	}
	blocked := cfg.BlockedEnv
	if len(blocked) == 0 {
		blocked = defaultBlockedEnv()
	}
	for _, k := range blocked {
		p.blocked[strings.ToUpper(k)] = true
	}
	for _, k := range cfg.AllowedEnv {
		p.allowed[k] = true
	}
	return p
}

// Allowed reports whether a variable may be passed to a command.
func (p *EnvPolicy) Allowed(name string) bool {
	upper := strings.ToUpper(name)
	if p.blocked[upper] {
		return false
	}
	for _, prefix := range blockedEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return false
		}
	}
	if len(p.allowed) > 0 {
		return p.allowed[name]
	}
	return true
}

// Filter returns the allowed subset of env as sorted KEY=VALUE pairs.
func (p *EnvPolicy) Filter(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		if k == "" || strings.ContainsAny(k, "=\x00") || !p.Allowed(k) {
			continue
		}
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}
