// Package tools is the static capability registry. Every tool a session can
// invoke is declared here with its category, sandbox class, JSON schema for
// arguments, and a builder that turns validated arguments into the command
// run inside the sandbox. Nothing is loaded at runtime.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jholhewres/clawgate/pkg/clawgate/apperr"
	"github.com/jholhewres/clawgate/pkg/clawgate/sandbox"
)

// Category groups tools for profile allow/deny lists ("group:<category>").
type Category string

const (
	CategoryRuntime Category = "runtime"
	CategoryFS      Category = "fs"
	CategoryWeb     Category = "web"
	CategoryGit     Category = "git"
	CategoryMemory  Category = "memory"
)

// Args are decoded, schema-valid tool arguments. Numbers are json.Number.
type Args map[string]any

// Tool declares one capability.
type Tool struct {
	Name        string
	Category    Category
	Description string

	// Class is the sandbox class the tool runs in.
	Class string

	// Schema is the JSON schema (draft 2020-12) for the arguments object.
	Schema string

	// Network marks tools that receive the tier's egress allowlist.
	// Everything else runs without network.
	Network bool

	// PathArgs name arguments holding filesystem paths, which must stay
	// inside the workspace root.
	PathArgs []string

	// URLArgs name arguments holding URLs, whose host must be on the egress
	// allowlist.
	URLArgs []string

	// Commands returns the command lines subject to the tier's exec
	// allowlist. Nil for tools that do not run caller-chosen programs.
	Commands func(args Args) []string

	// Build turns validated arguments into the sandbox command. root is the
	// workspace root that absolute path arguments are relative to.
	Build func(args Args, root string) (sandbox.Command, error)
}

// Group returns the profile group name of the tool category.
func (t *Tool) Group() string { return "group:" + string(t.Category) }

// Registry holds the compiled tool set. It is immutable after creation and
// safe for concurrent use.
type Registry struct {
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
	names   []string
}

// NewRegistry compiles the schemas of tools and indexes them by name.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]*Tool, len(tools)),
		schemas: make(map[string]*jsonschema.Schema, len(tools)),
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	for i := range tools {
		t := tools[i]
		if t.Name == "" || t.Build == nil || t.Class == "" {
			return nil, fmt.Errorf("tool %q: name, class and builder are required", t.Name)
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}

		url := "clawgate://tools/" + t.Name + ".json"
		if err := compiler.AddResource(url, strings.NewReader(t.Schema)); err != nil {
			return nil, fmt.Errorf("tool %q: loading schema: %w", t.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("tool %q: compiling schema: %w", t.Name, err)
		}

		r.tools[t.Name] = &t
		r.schemas[t.Name] = schema
		r.names = append(r.names, t.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Default returns the registry of built-in tools.
func Default() (*Registry, error) {
	return NewRegistry(Builtin()...)
}

// Lookup returns a tool by name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all tool names, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// All returns every tool, sorted by name.
func (r *Registry) All() []*Tool {
	out := make([]*Tool, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name])
	}
	return out
}

// Decode validates raw arguments against the tool schema and decodes them.
// Unknown tools and schema violations are ValidationErrors.
func (r *Registry) Decode(name string, raw json.RawMessage) (Args, error) {
	schema, ok := r.schemas[name]
	if !ok {
		return nil, apperr.Newf(apperr.ValidationError, "unknown tool %q", name)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, apperr.Wrap(apperr.ValidationError, err, "arguments are not valid JSON")
	}
	if err := schema.Validate(v); err != nil {
		return nil, apperr.Wrap(apperr.ValidationError, err, fmt.Sprintf("invalid arguments for %s", name))
	}
	args, ok := v.(map[string]any)
	if !ok {
		return nil, apperr.New(apperr.ValidationError, "arguments must be an object")
	}
	return Args(args), nil
}

// Command builds the sandbox command for a tool.
func (r *Registry) Command(name string, args Args, root string) (sandbox.Command, error) {
	t, ok := r.tools[name]
	if !ok {
		return sandbox.Command{}, fmt.Errorf("unknown tool %q", name)
	}
	return t.Build(args, root)
}
