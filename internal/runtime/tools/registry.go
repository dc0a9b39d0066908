// Package tools holds the statically declared tool registry and the executor
// that validates, rate limits and bounds every tool call.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
)

// Handler executes one validated tool call. Handlers must honor ctx.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// RateLimit bounds how often a tool may run across all sessions.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Definition declares one tool.
type Definition struct {
	Name        string
	Description string
	// Schema is the JSON schema arguments must satisfy.
	Schema  json.RawMessage
	Handler Handler
	// Timeout overrides the executor default when positive.
	Timeout   time.Duration
	RateLimit *RateLimit
	// EndsSession marks the agent-issued end-of-call decision.
	EndsSession bool
	// SideEffects documents a handler that is not idempotent.
	SideEffects bool
}

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

type entry struct {
	def     Definition
	schema  *jsonschema.Schema
	limiter *rate.Limiter
}

// Registry maps tool names to compiled definitions. It is built once and is
// read-only afterwards, so it can be shared across sessions.
type Registry struct {
	entries map[string]*entry
	names   []string
}

// NewRegistry compiles every definition's schema. Duplicate names, invalid
// names, missing handlers and uncompilable schemas are rejected.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{entries: make(map[string]*entry, len(defs))}
	for _, def := range defs {
		if !toolNamePattern.MatchString(def.Name) {
			return nil, fmt.Errorf("invalid tool name %q", def.Name)
		}
		if _, exists := r.entries[def.Name]; exists {
			return nil, fmt.Errorf("tool %s already registered", def.Name)
		}
		if def.Handler == nil {
			return nil, fmt.Errorf("tool %s: handler is required", def.Name)
		}
		if len(bytes.TrimSpace(def.Schema)) == 0 {
			def.Schema = json.RawMessage(`{"type":"object"}`)
		}
		schema, err := compileSchema(def.Name, def.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Name, err)
		}
		e := &entry{def: def, schema: schema}
		if def.RateLimit != nil {
			if def.RateLimit.PerSecond <= 0 || def.RateLimit.Burst < 1 {
				return nil, fmt.Errorf("tool %s: rate limit requires per_second > 0 and burst >= 1", def.Name)
			}
			e.limiter = rate.NewLimiter(rate.Limit(def.RateLimit.PerSecond), def.RateLimit.Burst)
		}
		r.entries[def.Name] = e
		r.names = append(r.names, def.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	url := "mem://tools/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	e, ok := r.entries[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Specs returns the model-facing declarations in sorted order.
func (r *Registry) Specs() []contracts.ToolSpec {
	out := make([]contracts.ToolSpec, 0, len(r.names))
	for _, name := range r.names {
		e := r.entries[name]
		out = append(out, contracts.ToolSpec{
			Name:        e.def.Name,
			Description: e.def.Description,
			InputSchema: append(json.RawMessage(nil), e.def.Schema...),
		})
	}
	return out
}

// Validate checks args against the schema of the named tool.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	return validateArgs(e.schema, args)
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	var payload any
	if err := json.Unmarshal(args, &payload); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(payload)
}
