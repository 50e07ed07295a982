// Package trigger holds the definitions of trigger commands registered on a
// watched root.
//
// The root only stores, validates, and serializes definitions; running the
// commands is somebody else's job.
package trigger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaDoc constrains incoming trigger documents before they are decoded.
const schemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "command"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "command": {
      "type": "array",
      "items": {"type": "string"},
      "minItems": 1
    },
    "patterns": {
      "type": "array",
      "items": {"type": "string"}
    },
    "append_files": {"type": "boolean"},
    "env": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  },
  "additionalProperties": false
}`

var schema = mustCompile()

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("trigger.schema.json", strings.NewReader(schemaDoc)); err != nil {
		panic(err)
	}
	return c.MustCompile("trigger.schema.json")
}

// Def is one trigger command definition, keyed by Name on its root.
type Def struct {
	Name        string            `json:"name"`
	Command     []string          `json:"command"`
	Patterns    []string          `json:"patterns,omitempty"`
	AppendFiles bool              `json:"append_files,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// Parse validates a trigger document against the schema and decodes it.
func Parse(data []byte) (*Def, error) {
	var instance any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("decode trigger: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("invalid trigger: %w", err)
	}

	var d Def
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode trigger: %w", err)
	}
	return &d, nil
}

// Diagnostic returns the structured form reported by root status.
func (d *Def) Diagnostic() map[string]any {
	out := map[string]any{
		"name":    d.Name,
		"command": append([]string(nil), d.Command...),
	}
	if len(d.Patterns) > 0 {
		out["patterns"] = append([]string(nil), d.Patterns...)
	}
	if d.AppendFiles {
		out["append_files"] = true
	}
	if len(d.Env) > 0 {
		env := make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			env[k] = v
		}
		out["env"] = env
	}
	return out
}
