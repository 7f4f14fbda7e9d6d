// Package inference implements model backend integrations for the agentd
// runtime.
//
// Each backend adapts its wire protocol into a shared chunk vocabulary so the
// agent loop never needs to know which provider produced a reply. Single-shot
// and token-streamed completions both arrive as a channel of chunks: text
// deltas, complete tool calls, and a terminal Done or Error chunk.
//
// Retry policy lives here. Callers issue one Complete() per model turn and
// never retry themselves; transient failures (rate limits, 5xx, timeouts) are
// absorbed by the provider with backoff before the first chunk is delivered.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/hoonlabs/agentd/pkg/models"
)

// Provider is the contract every model backend implements.
//
// Complete returns immediately with a channel of chunks; the channel is
// closed when the reply is finished or the stream fails. Errors after the
// stream has started are delivered as a chunk with Error set.
type Provider interface {
	// Name returns the stable lowercase provider identifier used for
	// routing, metrics and logging.
	Name() string

	// Models returns the models this provider can serve.
	Models() []Model

	// SupportsTools reports whether the provider can handle tool
	// definitions and emit tool-call chunks.
	SupportsTools() bool

	// Complete sends a completion request and streams the reply.
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Model describes a servable model and its capabilities.
type Model struct {
	ID          string
	Name        string
	ContextSize int
}

// ToolDefinition is the model-visible description of a callable tool.
// Schema is a JSON Schema object describing the tool's parameters.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// RequestMessage is one turn of conversation sent to the model.
//
// Tool results are attached to a message with role "tool"; each provider
// converts them into its own wire shape (separate messages for the OpenAI
// protocol, content blocks for Anthropic).
type RequestMessage struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model       string
	System      string
	Messages    []RequestMessage
	Tools       []ToolDefinition
	Temperature float32
	MaxTokens   int
}

// Chunk is one unit of a streamed reply.
//
// Exactly one of Text, ToolCall, Done or Error is meaningful per chunk.
// A Done chunk carries the FinishReason and token usage when the backend
// reports them.
type Chunk struct {
	// Text is an incremental text delta.
	Text string

	// ToolCall is a complete tool invocation request. Providers accumulate
	// partial deltas internally and only emit finished calls.
	ToolCall *models.ToolCall

	// Done marks the end of the reply.
	Done bool

	// FinishReason is the backend's stop reason ("stop", "tool_calls",
	// "length", ...), set on the Done chunk.
	FinishReason string

	// Error is a fatal stream error. Terminal.
	Error error

	// InputTokens and OutputTokens carry usage totals when reported.
	InputTokens  int
	OutputTokens int
}

// Completion is a fully drained reply, for callers that do not stream.
type Completion struct {
	Text         string
	ToolCalls    []models.ToolCall
	FinishReason string
	InputTokens  int
	OutputTokens int
}

// Collect drains a chunk channel into a single Completion. It returns the
// first stream error encountered, after draining the channel so the
// producing goroutine can exit.
func Collect(chunks <-chan *Chunk) (*Completion, error) {
	var (
		text strings.Builder
		out  Completion
		err  error
	)
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil && err == nil {
			err = chunk.Error
			continue
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			out.ToolCalls = append(out.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			out.FinishReason = chunk.FinishReason
			if chunk.InputTokens > 0 {
				out.InputTokens = chunk.InputTokens
			}
			if chunk.OutputTokens > 0 {
				out.OutputTokens = chunk.OutputTokens
			}
		}
	}
	if err != nil {
		return nil, err
	}
	out.Text = text.String()
	return &out, nil
}

// ErrNotConfigured is returned by Complete when the provider has no
// credentials or endpoint configured.
var ErrNotConfigured = errors.New("inference: provider not configured")
