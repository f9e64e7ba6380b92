// Package tools implements a statically-typed Tool/ToolRegistry,
// replacing the dynamic duck-typed registry of the original source (see
// DESIGN.md: grounded on original_source/src/core/tools/registry.py and
// base.py).
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/apperr"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
)

// Tool is one callable tool exposed to the reasoning loop.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Invoke(ctx context.Context, argsJSON string) (string, error)
}

// Registry maps tool name to implementation. Safe for concurrent use: the
// voice selector tool and demo tools are registered once at startup, then
// only read from concurrently by the reasoning loop.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Descriptors returns the ToolDescriptor list sent to the chat endpoint,
// in no particular guaranteed order (callers that need determinism should
// sort by name).
func (r *Registry) Descriptors() []core.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, core.ToolDescriptor{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()})
	}
	return out
}

// Dispatch validates argsJSON against the tool's declared schema and, if
// valid, invokes it. Returns apperr.KindUnknownTool, KindSchemaViolation,
// or KindToolExecution on failure.
func (r *Registry) Dispatch(ctx context.Context, name, argsJSON string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", apperr.UnknownTool(name)
	}

	if schema := t.Schema(); schema != nil {
		if err := validateAgainstSchema(schema, argsJSON); err != nil {
			return "", apperr.SchemaViolation(name, err)
		}
	}

	result, err := t.Invoke(ctx, argsJSON)
	if err != nil {
		return "", apperr.ToolExecution(name, err)
	}
	return result, nil
}

func validateAgainstSchema(schema map[string]any, argsJSON string) error {
	if argsJSON == "" {
		argsJSON = "{}"
	}
	schemaLoader := gojsonschema.NewGoLoader(schema)
	docLoader := gojsonschema.NewStringLoader(argsJSON)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%v", msgs)
	}
	return nil
}
