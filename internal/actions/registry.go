package actions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kallaxis/waldo-cli/api/schemas"
)

// Registry is the immutable action catalogue. It is built once at startup
// and only read afterwards, so lookups need no locking.
type Registry struct {
	byID     map[string]*Definition
	ordered  []*Definition
	compiled map[string]*gojsonschema.Schema
}

// NewRegistry builds a registry from the given definitions. Duplicate ids,
// missing handlers, and invalid risk tiers are construction errors, not
// runtime surprises. High-risk definitions get RequiresConfirmation forced
// on so a catalogue author cannot forget the gate.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		byID:     make(map[string]*Definition, len(defs)),
		ordered:  make([]*Definition, 0, len(defs)),
		compiled: make(map[string]*gojsonschema.Schema, len(defs)),
	}
	for i := range defs {
		def := defs[i]
		if def.ID == "" {
			return nil, fmt.Errorf("definition at index %d has an empty id", i)
		}
		if !def.Risk.Valid() {
			return nil, fmt.Errorf("action %s: unknown risk tier %q", def.ID, def.Risk)
		}
		if def.Handler == nil {
			return nil, fmt.Errorf("action %s: handler must not be nil", def.ID)
		}
		if _, dup := r.byID[def.ID]; dup {
			return nil, fmt.Errorf("duplicate action id %q", def.ID)
		}
		if def.Risk == schemas.RiskHigh {
			def.RequiresConfirmation = true
		}
		compiled, err := compileParams(def.Params)
		if err != nil {
			return nil, fmt.Errorf("action %s: %w", def.ID, err)
		}
		r.byID[def.ID] = &def
		r.ordered = append(r.ordered, &def)
		r.compiled[def.ID] = compiled
	}
	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].ID < r.ordered[j].ID })
	return r, nil
}

// Lookup returns the definition for id, if registered.
func (r *Registry) Lookup(id string) (*Definition, bool) {
	def, ok := r.byID[id]
	return def, ok
}

// All returns every definition sorted by id. Callers must treat the
// entries as read-only.
func (r *Registry) All() []*Definition {
	out := make([]*Definition, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Describe renders the catalogue as plain data, suitable for handing to a
// language model or printing from the CLI.
func (r *Registry) Describe() []map[string]any {
	out := make([]map[string]any, 0, len(r.ordered))
	for _, def := range r.ordered {
		entry := map[string]any{
			"id":          def.ID,
			"description": def.Description,
			"risk":        string(def.Risk),
		}
		if def.RequiresConfirmation {
			entry["requires_confirmation"] = true
		}
		if len(def.Params) > 0 {
			params := make(map[string]any, len(def.Params))
			for name, spec := range def.Params {
				p := map[string]any{"type": string(spec.Type)}
				if spec.Required {
					p["required"] = true
				}
				if spec.Description != "" {
					p["description"] = spec.Description
				}
				if len(spec.Enum) > 0 {
					p["enum"] = append([]string(nil), spec.Enum...)
				}
				params[name] = p
			}
			entry["params"] = params
		}
		out = append(out, entry)
	}
	return out
}

// Validate structurally checks args against the definition's parameter
// schema and reports the first violation. Unknown extra keys pass; the
// agent is allowed to over-specify.
func (r *Registry) Validate(def *Definition, args Args) error {
	compiled, ok := r.compiled[def.ID]
	if !ok || compiled == nil {
		return fmt.Errorf("action %s is not registered here", def.ID)
	}
	if args == nil {
		args = Args{}
	}
	result, err := compiled.Validate(gojsonschema.NewGoLoader(map[string]any(args)))
	if err != nil {
		return fmt.Errorf("argument validation failed to run: %w", err)
	}
	if result.Valid() {
		return nil
	}
	return firstViolation(def, result.Errors())
}

// -- Schema compilation --

// compileParams lowers a parameter spec into a compiled JSON schema. Done
// once per definition at registry construction.
func compileParams(params map[string]schemas.ParamSpec) (*gojsonschema.Schema, error) {
	properties := make(map[string]any, len(params))
	var required []string
	for _, name := range sortedParamNames(params) {
		spec := params[name]
		prop := map[string]any{"type": schemaType(spec.Type)}
		if len(spec.Enum) > 0 {
			values := make([]any, len(spec.Enum))
			for i, v := range spec.Enum {
				values[i] = v
			}
			prop["enum"] = values
		}
		properties[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("compiling parameter schema: %w", err)
	}
	return schema, nil
}

func schemaType(t schemas.ParamType) string {
	switch t {
	case schemas.ParamBool:
		return "boolean"
	case schemas.ParamInt:
		return "integer"
	default:
		return "string"
	}
}

func sortedParamNames(params map[string]schemas.ParamSpec) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// -- Violation reporting --

// firstViolation maps the validator's findings onto one deterministic,
// speakable message. Violations are ordered by parameter name, with a
// missing-parameter finding winning over a shape finding on the same
// parameter.
func firstViolation(def *Definition, found []gojsonschema.ResultError) error {
	type violation struct {
		param   string
		message string
	}
	violations := make([]violation, 0, len(found))
	for _, e := range found {
		switch e.Type() {
		case "required":
			param, _ := e.Details()["property"].(string)
			violations = append(violations, violation{
				param:   param,
				message: "missing required parameter: " + param,
			})
		case "invalid_type":
			param := e.Field()
			expected, _ := e.Details()["expected"].(string)
			violations = append(violations, violation{
				param:   param,
				message: fmt.Sprintf("parameter %s: expected %s", param, expected),
			})
		case "enum":
			param := e.Field()
			violations = append(violations, violation{
				param:   param,
				message: fmt.Sprintf("parameter %s: must be one of [%s]", param, enumChoices(def, param)),
			})
		default:
			param := e.Field()
			violations = append(violations, violation{
				param:   param,
				message: fmt.Sprintf("parameter %s: %s", param, e.Description()),
			})
		}
	}
	if len(violations) == 0 {
		return fmt.Errorf("arguments for %s are invalid", def.ID)
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].param != violations[j].param {
			return violations[i].param < violations[j].param
		}
		return violations[i].message < violations[j].message
	})
	return fmt.Errorf("%s", violations[0].message)
}

// enumChoices renders the allowed values for param from the definition
// itself, so the message matches the catalogue rather than the validator's
// internal formatting.
func enumChoices(def *Definition, param string) string {
	spec, ok := def.Params[param]
	if !ok || len(spec.Enum) == 0 {
		return ""
	}
	quoted := make([]string, len(spec.Enum))
	for i, v := range spec.Enum {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return strings.Join(quoted, ", ")
}
