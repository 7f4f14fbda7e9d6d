package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation transcript. A tool-result message
// carries Name and ToolCallID and must immediately follow the assistant
// message whose ToolCalls requested it.
type Message struct {
	ID         string         `json:"id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
}

// ToolCall is a structured request emitted by the model naming a tool and its
// arguments. IDs are model-assigned; the loop synthesizes a deterministic
// per-turn ordinal when the backend omits one.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of one tool call, already truncated to the
// tool's result budget. IsError marks failure content fed back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Session is conversation metadata. The transcript itself lives in the
// message store under the session id.
type Session struct {
	ID           string    `json:"id"`
	User         string    `json:"user"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Attachment describes a file attached to a request. Structural fields are
// populated by metadata extraction and rendered into the dynamic part of the
// system context; the raw bytes never enter the prompt.
type Attachment struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`

	// Structural metadata, by file kind.
	Headers     []string `json:"headers,omitempty"`     // tabular: column names
	Rows        int      `json:"rows,omitempty"`        // tabular: data row count
	Structure   string   `json:"structure,omitempty"`   // json: object|array shape
	Keys        []string `json:"keys,omitempty"`        // json: top-level keys
	Lines       int      `json:"lines,omitempty"`       // source/text: line count
	Definitions []string `json:"definitions,omitempty"` // source: top-level defs
	Preview     string   `json:"preview,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// OverflowRecord is the durable copy of a tool result that exceeded its
// budget, keyed by (session id, call id). Content is byte-exact.
type OverflowRecord struct {
	SessionID string    `json:"session_id"`
	CallID    string    `json:"call_id"`
	ToolName  string    `json:"tool_name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
