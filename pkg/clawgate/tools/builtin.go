package tools

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/sandbox"
)

// Builtin returns the built-in tool declarations.
func Builtin() []Tool {
	return []Tool{
		{
			Name:        "shell.exec",
			Category:    CategoryRuntime,
			Description: "Run a shell command line in the workspace",
			Class:       "coding",
			Network:     true,
			Schema: `{
				"type": "object",
				"properties": {
					"command": {"type": "string", "minLength": 1, "maxLength": 16384},
					"env": {"type": "object", "additionalProperties": {"type": "string"}}
				},
				"required": ["command"],
				"additionalProperties": false
			}`,
			Commands: func(a Args) []string { return []string{String(a, "command")} },
			Build: func(a Args, _ string) (sandbox.Command, error) {
				return sandbox.Command{
					Argv: []string{"sh", "-c", String(a, "command")},
					Env:  StringMap(a, "env"),
				}, nil
			},
		},
		{
			Name:        "python.run",
			Category:    CategoryRuntime,
			Description: "Run a Python snippet in isolated mode",
			Class:       "coding",
			Network:     true,
			Schema: `{
				"type": "object",
				"properties": {
					"code": {"type": "string", "minLength": 1, "maxLength": 65536},
					"stdin": {"type": "string", "maxLength": 1048576}
				},
				"required": ["code"],
				"additionalProperties": false
			}`,
			Commands: func(Args) []string { return []string{"python3"} },
			Build: func(a Args, _ string) (sandbox.Command, error) {
				return sandbox.Command{
					Argv:  []string{"python3", "-I", "-c", String(a, "code")},
					Stdin: String(a, "stdin"),
				}, nil
			},
		},
		{
			Name:        "fs.read",
			Category:    CategoryFS,
			Description: "Read a file from the workspace",
			Class:       "coding",
			PathArgs:    []string{"path"},
			Schema:      pathSchema(true),
			Build: func(a Args, root string) (sandbox.Command, error) {
				p, err := WorkspacePath(root, String(a, "path"))
				if err != nil {
					return sandbox.Command{}, err
				}
				return sandbox.Command{Argv: []string{"cat", "--", p}}, nil
			},
		},
		{
			Name:        "fs.write",
			Category:    CategoryFS,
			Description: "Write a file in the workspace, creating parent directories",
			Class:       "coding",
			PathArgs:    []string{"path"},
			Schema: `{
				"type": "object",
				"properties": {
					"path": {"type": "string", "minLength": 1, "maxLength": 4096},
					"content": {"type": "string", "maxLength": 1048576}
				},
				"required": ["path", "content"],
				"additionalProperties": false
			}`,
			Build: func(a Args, root string) (sandbox.Command, error) {
				p, err := WorkspacePath(root, String(a, "path"))
				if err != nil {
					return sandbox.Command{}, err
				}
				return sandbox.Command{
					Argv:  []string{"sh", "-c", `mkdir -p -- "$(dirname -- "$1")" && cat > "$1"`, "fs.write", p},
					Stdin: String(a, "content"),
				}, nil
			},
		},
		{
			Name:        "fs.list",
			Category:    CategoryFS,
			Description: "List a workspace directory",
			Class:       "coding",
			PathArgs:    []string{"path"},
			Schema:      pathSchema(false),
			Build: func(a Args, root string) (sandbox.Command, error) {
				p, err := WorkspacePath(root, StringOr(a, "path", "."))
				if err != nil {
					return sandbox.Command{}, err
				}
				return sandbox.Command{Argv: []string{"ls", "-la", "--", p}}, nil
			},
		},
		{
			Name:        "git.status",
			Category:    CategoryGit,
			Description: "Show the working tree status of a repository in the workspace",
			Class:       "coding",
			PathArgs:    []string{"path"},
			Schema:      pathSchema(false),
			Commands:    func(Args) []string { return []string{"git"} },
			Build: func(a Args, root string) (sandbox.Command, error) {
				p, err := WorkspacePath(root, StringOr(a, "path", "."))
				if err != nil {
					return sandbox.Command{}, err
				}
				return sandbox.Command{Argv: []string{"git", "-C", p, "status", "--porcelain=v1", "--branch"}}, nil
			},
		},
		{
			Name:        "web.fetch",
			Category:    CategoryWeb,
			Description: "Fetch a URL through the egress proxy",
			Class:       "browser",
			Network:     true,
			URLArgs:     []string{"url"},
			Schema: `{
				"type": "object",
				"properties": {
					"url": {"type": "string", "minLength": 1, "maxLength": 8192},
					"max_bytes": {"type": "integer", "minimum": 1, "maximum": 10485760}
				},
				"required": ["url"],
				"additionalProperties": false
			}`,
			Build: func(a Args, _ string) (sandbox.Command, error) {
				maxBytes := Int(a, "max_bytes", 1<<20)
				return sandbox.Command{Argv: []string{
					"curl", "-sS", "-L", "--max-redirs", "3", "--proto", "=http,https",
					"--max-filesize", fmt.Sprint(maxBytes), "--", String(a, "url"),
				}}, nil
			},
		},
		{
			Name:        "memory.search",
			Category:    CategoryMemory,
			Description: "Search the session memory files for a phrase",
			Class:       "coding",
			Schema: `{
				"type": "object",
				"properties": {
					"query": {"type": "string", "minLength": 1, "maxLength": 512},
					"limit": {"type": "integer", "minimum": 1, "maximum": 200}
				},
				"required": ["query"],
				"additionalProperties": false
			}`,
			Build: func(a Args, _ string) (sandbox.Command, error) {
				limit := Int(a, "limit", 20)
				// grep exits 1 on no match; that is an empty result, not a failure.
				return sandbox.Command{Argv: []string{
					"sh", "-c", `[ -d memory ] || exit 0; grep -rniF -m "$2" -- "$1" memory || [ $? -eq 1 ]`,
					"memory.search", String(a, "query"), fmt.Sprint(limit),
				}}, nil
			},
		},
	}
}

func pathSchema(required bool) string {
	req := ""
	if required {
		req = `"required": ["path"],`
	}
	return `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1, "maxLength": 4096}
		},
		` + req + `
		"additionalProperties": false
	}`
}

// WorkspacePath maps a caller path to a path relative to the instance
// working directory. Absolute paths must be under root; nothing may escape
// it.
func WorkspacePath(root, p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains NUL byte")
	}
	if root == "" {
		root = "/workspace"
	}
	root = path.Clean("/" + root)

	if path.IsAbs(p) {
		clean := path.Clean(p)
		if clean != root && !strings.HasPrefix(clean, root+"/") {
			return "", fmt.Errorf("path %q is outside the workspace root %s", p, root)
		}
		p = strings.TrimPrefix(strings.TrimPrefix(clean, root), "/")
		if p == "" {
			return ".", nil
		}
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the workspace root", p)
	}
	return clean, nil
}

// String returns a string argument or "".
func String(a Args, key string) string {
	s, _ := a[key].(string)
	return s
}

// StringOr returns a string argument or def when absent or empty.
func StringOr(a Args, key, def string) string {
	if s := String(a, key); s != "" {
		return s
	}
	return def
}

// Int returns an integer argument or def.
func Int(a Args, key string, def int64) int64 {
	switch v := a[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return def
}

// StringMap returns an object argument of string values.
func StringMap(a Args, key string) map[string]string {
	raw, ok := a[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
