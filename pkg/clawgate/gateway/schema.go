package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Operation names.
const (
	OpSessionCreate     = "session.create"
	OpSessionResume     = "session.resume"
	OpSessionClose      = "session.close"
	OpSessionSetProfile = "session.set_profile"
	OpToolInvoke        = "tool.invoke"
	OpToolCancel        = "tool.cancel"
	OpToolResult        = "tool.result"
)

const envelopeSchema = `{
  "type": "object",
  "required": ["id", "op"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string", "minLength": 1, "maxLength": 128},
    "op": {"enum": ["session.create", "session.resume", "session.close", "session.set_profile", "tool.invoke", "tool.cancel", "tool.result"]},
    "payload": {"type": "object"}
  }
}`

const helloSchema = `{
  "type": "object",
  "required": ["type", "auth"],
  "properties": {
    "type": {"const": "hello"},
    "auth": {
      "type": "object",
      "required": ["mode"],
      "additionalProperties": false,
      "properties": {
        "mode": {"enum": ["token", "password", "mesh", "device"]},
        "token": {"type": "string", "maxLength": 4096},
        "password": {"type": "string", "maxLength": 1024},
        "device_id": {"type": "string", "maxLength": 256},
        "device_token": {"type": "string", "maxLength": 4096}
      }
    }
  }
}`

const idProp = `{"type": "string", "minLength": 1, "maxLength": 256}`

var payloadSchemas = map[string]string{
	OpSessionCreate:     object([]string{"user_id", "channel_id"}, "user_id", idProp, "channel_id", idProp),
	OpSessionResume:     object([]string{"session_id"}, "session_id", idProp),
	OpSessionClose:      object([]string{"session_id"}, "session_id", idProp),
	OpSessionSetProfile: object([]string{"session_id", "tier"}, "session_id", idProp, "tier", idProp),
	OpToolInvoke: object([]string{"session_id", "tool"},
		"session_id", idProp,
		"tool", `{"type": "string", "minLength": 1, "maxLength": 128}`,
		"args", `{"type": "object"}`,
		"wait", `{"type": "boolean"}`),
	OpToolCancel: object([]string{"session_id", "invocation_id"}, "session_id", idProp, "invocation_id", idProp),
	OpToolResult: object([]string{"session_id", "invocation_id"}, "session_id", idProp, "invocation_id", idProp),
}

// object renders a closed object schema from name/schema pairs.
func object(required []string, props ...string) string {
	var b strings.Builder
	b.WriteString(`{"type": "object", "additionalProperties": false, "required": [`)
	for i, r := range required {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", r)
	}
	b.WriteString(`], "properties": {`)
	for i := 0; i+1 < len(props); i += 2 {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q: %s", props[i], props[i+1])
	}
	b.WriteString("}}")
	return b.String()
}

type schemaSet struct {
	envelope *jsonschema.Schema
	hello    *jsonschema.Schema
	payloads map[string]*jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	compile := func(name, src string) (*jsonschema.Schema, error) {
		url := "clawgate://gateway/" + name + ".json"
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("gateway schema %s: %w", name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("gateway schema %s: %w", name, err)
		}
		return s, nil
	}

	set := &schemaSet{payloads: make(map[string]*jsonschema.Schema, len(payloadSchemas))}
	var err error
	if set.envelope, err = compile("envelope", envelopeSchema); err != nil {
		return nil, err
	}
	if set.hello, err = compile("hello", helloSchema); err != nil {
		return nil, err
	}
	for op, src := range payloadSchemas {
		if set.payloads[op], err = compile(op, src); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// validate decodes raw as generic JSON and checks it against s.
func validate(s *jsonschema.Schema, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return s.Validate(v)
}
