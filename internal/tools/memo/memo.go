// Package memo exposes the caller's persistent key/value memory as a
// tool. The user argument is filled server-side, so the model can only
// ever touch the current caller's entries.
package memo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hoonlabs/agentd/internal/notes"
	"github.com/hoonlabs/agentd/pkg/models"
)

// Tool implements memory operations over the notes service.
type Tool struct {
	notes *notes.Service
}

// New creates the memo tool.
func New(svc *notes.Service) *Tool {
	return &Tool{notes: svc}
}

func (t *Tool) Name() string {
	return "memo"
}

func (t *Tool) Description() string {
	return "Store and recall facts about the user across conversations. Use write to remember something, read to recall one entry, list to see everything, delete to forget."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"operation": {
				"type": "string",
				"enum": ["write", "read", "list", "delete"],
				"description": "The memory operation to perform"
			},
			"key": {
				"type": "string",
				"description": "Entry name, required for write, read and delete"
			},
			"value": {
				"type": "string",
				"description": "Entry content, required for write"
			},
			"user": {
				"type": "string",
				"description": "Caller identity, filled by the server"
			}
		},
		"required": ["operation", "user"]
	}`)
}

type memoInput struct {
	Operation string `json:"operation"`
	Key       string `json:"key,omitempty"`
	Value     string `json:"value,omitempty"`
	User      string `json:"user"`
}

// Execute dispatches one memory operation.
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var input memoInput
	if err := json.Unmarshal(params, &input); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	if input.User == "" {
		return &models.ToolResult{Content: "no caller identity", IsError: true}, nil
	}

	switch input.Operation {
	case "write":
		return t.write(ctx, input)
	case "read":
		return t.read(ctx, input)
	case "list":
		return t.list(ctx, input)
	case "delete":
		return t.delete(ctx, input)
	default:
		return &models.ToolResult{Content: fmt.Sprintf("unknown operation %q; use write, read, list or delete", input.Operation), IsError: true}, nil
	}
}

func (t *Tool) write(ctx context.Context, input memoInput) (*models.ToolResult, error) {
	if input.Key == "" {
		return &models.ToolResult{Content: "key is required for write", IsError: true}, nil
	}
	if input.Value == "" {
		return &models.ToolResult{Content: "value is required for write", IsError: true}, nil
	}
	if err := t.notes.Set(ctx, input.User, input.Key, input.Value); err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &models.ToolResult{Content: fmt.Sprintf("remembered %q", strings.TrimSpace(input.Key))}, nil
}

func (t *Tool) read(ctx context.Context, input memoInput) (*models.ToolResult, error) {
	if input.Key == "" {
		return &models.ToolResult{Content: "key is required for read", IsError: true}, nil
	}
	value, ok, err := t.notes.Get(ctx, input.User, input.Key)
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if !ok {
		return &models.ToolResult{Content: fmt.Sprintf("no entry for key %q", strings.TrimSpace(input.Key)), IsError: true}, nil
	}
	return &models.ToolResult{Content: value}, nil
}

func (t *Tool) list(ctx context.Context, input memoInput) (*models.ToolResult, error) {
	entries, err := t.notes.List(ctx, input.User)
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if len(entries) == 0 {
		return &models.ToolResult{Content: "memory is empty"}, nil
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, entries[k])
	}
	return &models.ToolResult{Content: strings.TrimRight(b.String(), "\n")}, nil
}

func (t *Tool) delete(ctx context.Context, input memoInput) (*models.ToolResult, error) {
	if input.Key == "" {
		return &models.ToolResult{Content: "key is required for delete", IsError: true}, nil
	}
	if err := t.notes.Delete(ctx, input.User, input.Key); err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &models.ToolResult{Content: fmt.Sprintf("forgot %q", strings.TrimSpace(input.Key))}, nil
}
