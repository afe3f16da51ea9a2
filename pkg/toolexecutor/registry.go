package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// ErrDuplicateTool is returned when a tool name is registered twice.
var ErrDuplicateTool = errors.New("duplicate tool")

// Parameter describes one named argument of a tool.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Enum        []string    `json:"enum,omitempty"`
	Default     interface{} `json:"default,omitempty"`
}

// Declaration is the model-facing description of a tool.
type Declaration struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
}

// Handler runs a tool. Business conditions ("no shift on that date") are
// returned as descriptive output, not as errors.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

type registeredTool struct {
	decl      Declaration
	handler   Handler
	schema    map[string]interface{}
	validator *gojsonschema.Schema
}

// Registry maps tool names to declarations and handlers. It is written during
// startup and read concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]*registeredTool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool. Registering an existing name fails with ErrDuplicateTool.
func (r *Registry) Register(decl Declaration, handler Handler) error {
	if err := validateDeclaration(decl, handler); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema := JSONSchema(decl)
	validator, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", decl.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[decl.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, decl.Name)
	}

	decl.Parameters = append([]Parameter(nil), decl.Parameters...)
	r.tools[decl.Name] = &registeredTool{
		decl:      decl,
		handler:   handler,
		schema:    schema,
		validator: validator,
	}
	r.order = append(r.order, decl.Name)

	log.Debug().Str("tool", decl.Name).Msg("Tool registered")
	return nil
}

// Declarations returns every declaration in registration order.
func (r *Registry) Declarations() []Declaration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	decls := make([]Declaration, 0, len(r.order))
	for _, name := range r.order {
		decl := r.tools[name].decl
		decl.Parameters = append([]Parameter(nil), decl.Parameters...)
		decls = append(decls, decl)
	}
	return decls
}

// HandlerFor looks up the handler for name.
func (r *Registry) HandlerFor(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return tool.handler, true
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Validate checks args against the generated schema of name.
func (r *Registry) Validate(name string, args map[string]interface{}) error {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}

	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := tool.validator.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

var validTypes = map[string]bool{
	"string": true, "number": true, "integer": true,
	"boolean": true, "object": true, "array": true,
}

func validateDeclaration(decl Declaration, handler Handler) error {
	if decl.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if decl.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	seen := make(map[string]bool, len(decl.Parameters))
	for _, p := range decl.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %s", p.Name)
		}
		seen[p.Name] = true
		if p.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", p.Name)
		}
		if !validTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
		if len(p.Enum) > 0 && p.Type != "string" {
			return fmt.Errorf("enum is only supported on string parameters (%s)", p.Name)
		}
	}
	return nil
}

// JSONSchema renders the parameter list as a JSON Schema object. Providers
// send it to the model; the registry validates arguments against it.
func JSONSchema(decl Declaration) map[string]interface{} {
	properties := make(map[string]interface{}, len(decl.Parameters))
	required := []string{}

	for _, p := range decl.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = append([]string(nil), p.Enum...)
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop

		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
