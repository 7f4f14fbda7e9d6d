package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hoonlabs/agentd/internal/inference"
	"github.com/hoonlabs/agentd/pkg/models"
)

// Caller identifies who a run executes on behalf of. Tools receive it
// server-side; the model can neither see nor forge it.
type Caller struct {
	SessionID string
	User      string

	// Collections is the caller's closed set of retrieval targets.
	Collections []string
}

type callerKey struct{}

// WithCaller attaches the caller to the context for tool bodies.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller attached by the dispatcher.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(Caller)
	return caller, ok
}

// Argument fields filled in by the dispatcher. Tools declare them in
// their schema; the model never sees them.
const (
	injectedSessionField = "session_id"
	injectedUserField    = "user"
)

// Dispatcher validates and routes tool calls. Every failure mode is a
// failure-content ToolResult fed back to the model, never a crash: an
// unknown name, arguments that miss the tool's schema, or a target
// outside the caller's set.
type Dispatcher struct {
	registry *Registry
	schemas  sync.Map // schema text -> *jsonschema.Schema
}

// NewDispatcher creates a dispatcher over the registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// ModelTools returns the toolset as the model sees it, with injected
// fields stripped from each schema.
func (d *Dispatcher) ModelTools() []inference.ToolDefinition {
	tools := d.registry.List()
	defs := make([]inference.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, inference.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      stripInjectedFields(t.Schema()),
		})
	}
	return defs
}

// Dispatch executes one tool call on behalf of the caller. The returned
// result always carries the call id and tool name.
func (d *Dispatcher) Dispatch(ctx context.Context, call models.ToolCall, caller Caller) models.ToolResult {
	fail := func(format string, args ...any) models.ToolResult {
		return models.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    fmt.Sprintf(format, args...),
			IsError:    true,
		}
	}

	tool, ok := d.registry.Get(call.Name)
	if !ok {
		return fail("unknown tool: %s", call.Name)
	}

	params, err := injectCaller(call.Arguments, tool.Schema(), caller)
	if err != nil {
		return fail("invalid arguments for %s: %v", call.Name, err)
	}

	if err := d.validate(tool.Schema(), params); err != nil {
		return fail("invalid arguments for %s: %v", call.Name, err)
	}

	if targeted, ok := tool.(Targeted); ok {
		if result, ok := d.checkTarget(ctx, targeted, call, params, caller); !ok {
			return result
		}
	}

	res, err := tool.Execute(WithCaller(ctx, caller), params)
	if err != nil {
		return fail("%s failed: %v", call.Name, err)
	}
	if res == nil {
		return fail("%s returned no result", call.Name)
	}

	out := *res
	if out.ToolCallID == "" {
		out.ToolCallID = call.ID
	}
	if out.Name == "" {
		out.Name = call.Name
	}
	return out
}

func (d *Dispatcher) checkTarget(ctx context.Context, targeted Targeted, call models.ToolCall, params json.RawMessage, caller Caller) (models.ToolResult, bool) {
	field := targeted.TargetField()

	var args map[string]any
	if err := json.Unmarshal(params, &args); err != nil {
		return models.ToolResult{}, true
	}
	target, _ := args[field].(string)
	if target == "" {
		return models.ToolResult{}, true
	}

	valid, err := targeted.Targets(ctx, caller)
	if err != nil {
		return models.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    fmt.Sprintf("%s failed: %v", call.Name, err),
			IsError:    true,
		}, false
	}

	for _, v := range valid {
		if v == target {
			return models.ToolResult{}, true
		}
	}

	sort.Strings(valid)
	return models.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content: fmt.Sprintf("unknown %s %q; valid values: %s",
			field, target, strings.Join(valid, ", ")),
		IsError: true,
	}, false
}

func (d *Dispatcher) validate(schemaText json.RawMessage, params json.RawMessage) error {
	schema, err := d.compile(schemaText)
	if err != nil {
		return err
	}

	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(decoded)
}

func (d *Dispatcher) compile(schemaText json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schemaText)
	if cached, ok := d.schemas.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("compile tool schema: %w", err)
	}
	d.schemas.Store(key, compiled)
	return compiled, nil
}

// injectCaller fills the caller-scoped fields the tool's schema
// declares. Whatever the model put there is overwritten.
func injectCaller(args json.RawMessage, schemaText json.RawMessage, caller Caller) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	fields := injectedFields(schemaText)
	if len(fields) == 0 {
		return args, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if _, ok := fields[injectedSessionField]; ok {
		decoded[injectedSessionField] = caller.SessionID
	}
	if _, ok := fields[injectedUserField]; ok {
		decoded[injectedUserField] = caller.User
	}
	return json.Marshal(decoded)
}

// injectedFields reports which reserved fields the schema declares.
func injectedFields(schemaText json.RawMessage) map[string]struct{} {
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schemaText, &schema); err != nil {
		return nil
	}

	fields := make(map[string]struct{})
	for _, name := range []string{injectedSessionField, injectedUserField} {
		if _, ok := schema.Properties[name]; ok {
			fields[name] = struct{}{}
		}
	}
	return fields
}

// stripInjectedFields removes the server-filled fields from a schema so
// the model cannot see or supply them.
func stripInjectedFields(schemaText json.RawMessage) json.RawMessage {
	var schema map[string]any
	if err := json.Unmarshal(schemaText, &schema); err != nil {
		return schemaText
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return schemaText
	}

	stripped := false
	for _, name := range []string{injectedSessionField, injectedUserField} {
		if _, ok := props[name]; ok {
			delete(props, name)
			stripped = true
		}
	}
	if !stripped {
		return schemaText
	}

	if required, ok := schema["required"].([]any); ok {
		kept := make([]any, 0, len(required))
		for _, r := range required {
			if r == injectedSessionField || r == injectedUserField {
				continue
			}
			kept = append(kept, r)
		}
		schema["required"] = kept
	}

	out, err := json.Marshal(schema)
	if err != nil {
		return schemaText
	}
	return out
}
