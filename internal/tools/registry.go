// Package tools implements the function dispatch registry that maps
// tool names requested by the dialogue engine to handlers calling
// external services.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/partstream/messaging-backend/internal/llm"
	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/pkg/metrics"
)

// CallContext carries per-call state into a handler.
type CallContext struct {
	Conversation *model.Conversation
}

// Handler executes one tool call. A returned error signals an
// infrastructure failure the orchestrator converts into an apology;
// validation problems and "need more data" travel inside the result.
type Handler func(ctx context.Context, args json.RawMessage, call *CallContext) (*model.FunctionResult, error)

// Definition describes one registered tool.
type Definition struct {
	Name        string
	Description string
	// Parameters is the JSON schema for the tool's arguments.
	Parameters any
	// RequiresProfile gates execution on the minimum client profile
	// (name plus postal code or address).
	RequiresProfile bool
}

// Registry maps tool names to handlers.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	defs     map[string]Definition
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		handlers: make(map[string]Handler),
	}
}

// Register adds a tool. Registering the same name twice replaces it.
func (r *Registry) Register(def Definition, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.defs[def.Name] = def
	r.handlers[def.Name] = h
}

// Definitions exposes the registered tool specs to the LLM provider in
// registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		def := r.defs[name]
		out = append(out, llm.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return out
}

const (
	promptNeedName    = "Para ayudarte necesito tu nombre. ¿Me lo compartes?"
	promptNeedLocator = "¿Me compartes tu código postal o dirección para buscar existencias cerca de ti?"
)

// Execute dispatches one call. The client-data precondition is enforced
// here, before any downstream service is touched.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, call *CallContext) (*model.FunctionResult, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	h := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		metrics.ToolCallsTotal.WithLabelValues(name, "unknown").Inc()
		return &model.FunctionResult{
			Success: false,
			Error:   fmt.Sprintf("unknown tool %q", name),
		}, nil
	}

	if def.RequiresProfile {
		profile := call.Conversation.Profile
		if !profile.HasName() {
			metrics.ToolCallsTotal.WithLabelValues(name, "need_data").Inc()
			return model.NeedMoreData(promptNeedName), nil
		}
		if !profile.HasLocator() {
			metrics.ToolCallsTotal.WithLabelValues(name, "need_data").Inc()
			return model.NeedMoreData(promptNeedLocator), nil
		}
	}

	result, err := h(ctx, args, call)
	if err != nil {
		metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	outcome := "ok"
	if !result.Success {
		outcome = "rejected"
	}
	metrics.ToolCallsTotal.WithLabelValues(name, outcome).Inc()
	return result, nil
}

// schemaFor reflects a JSON schema for a tool's argument struct.
func schemaFor(v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	return reflector.Reflect(v)
}

// invalidArgs builds the uniform ValidationError result for a bad
// argument shape.
func invalidArgs(name string, err error) *model.FunctionResult {
	return &model.FunctionResult{
		Success: false,
		Error:   fmt.Sprintf("invalid arguments for %s: %v", name, err),
	}
}
