package inference

import (
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hoonlabs/agentd/pkg/models"
)

func TestConvertMessages(t *testing.T) {
	tests := []struct {
		name     string
		messages []RequestMessage
		system   string
		wantLen  int
	}{
		{
			name: "basic text messages",
			messages: []RequestMessage{
				{Role: "user", Content: "Hello"},
				{Role: "assistant", Content: "Hi there!"},
			},
			system:  "You are a helpful assistant",
			wantLen: 3, // system + 2 messages
		},
		{
			name: "message with tool calls",
			messages: []RequestMessage{
				{Role: "user", Content: "What's the weather?"},
				{
					Role: "assistant",
					ToolCalls: []models.ToolCall{
						{
							ID:        "call_123",
							Name:      "get_weather",
							Arguments: json.RawMessage(`{"location":"NYC"}`),
						},
					},
				},
			},
			wantLen: 2,
		},
		{
			name: "tool results become separate messages",
			messages: []RequestMessage{
				{
					Role: "tool",
					ToolResults: []models.ToolResult{
						{ToolCallID: "call_1", Content: "Sunny, 72F"},
						{ToolCallID: "call_2", Content: "Rainy, 50F"},
					},
				},
			},
			wantLen: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &OpenAIProvider{}
			got := provider.convertMessages(tt.messages, tt.system)
			if len(got) != tt.wantLen {
				t.Errorf("convertMessages() got %d messages, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestConvertMessagesToolResultLinkage(t *testing.T) {
	provider := &OpenAIProvider{}
	got := provider.convertMessages([]RequestMessage{
		{
			Role: "tool",
			ToolResults: []models.ToolResult{
				{ToolCallID: "call_42", Content: "result body"},
			},
		},
	}, "")

	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleTool {
		t.Errorf("expected role tool, got %q", got[0].Role)
	}
	if got[0].ToolCallID != "call_42" {
		t.Errorf("expected tool_call_id call_42, got %q", got[0].ToolCallID)
	}
}

func TestConvertTools(t *testing.T) {
	provider := &OpenAIProvider{}
	tools := []ToolDefinition{
		{
			Name:        "websearch",
			Description: "Search the web",
			Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
		},
	}

	got := provider.convertTools(tools)
	if len(got) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(got))
	}
	if got[0].Function.Name != "websearch" {
		t.Errorf("expected function name websearch, got %q", got[0].Function.Name)
	}
	if got[0].Function.Description != "Search the web" {
		t.Errorf("unexpected description %q", got[0].Function.Description)
	}
}

func TestConvertToolsBadSchemaDegrades(t *testing.T) {
	provider := &OpenAIProvider{}
	tools := []ToolDefinition{
		{Name: "broken", Schema: json.RawMessage(`not json`)},
	}

	got := provider.convertTools(tools)
	if len(got) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(got))
	}

	params, ok := got[0].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("expected map parameters, got %T", got[0].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("expected empty object schema fallback, got %v", params)
	}
}

func TestCompleteNotConfigured(t *testing.T) {
	provider := NewOpenAIProvider(OpenAIConfig{})
	_, err := provider.Complete(t.Context(), &Request{Model: "local"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRetryableErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"429", errors.New("status code 429"), true},
		{"server error", errors.New("unexpected status 503"), true},
		{"timeout", errors.New("request timeout"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"auth", errors.New("invalid api key"), false},
		{"bad request", errors.New("status code 400"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCollect(t *testing.T) {
	chunks := make(chan *Chunk, 8)
	chunks <- &Chunk{Text: "Hello, "}
	chunks <- &Chunk{Text: "world"}
	chunks <- &Chunk{ToolCall: &models.ToolCall{ID: "call_0", Name: "memo", Arguments: json.RawMessage(`{}`)}}
	chunks <- &Chunk{Done: true, FinishReason: "tool_calls", InputTokens: 10, OutputTokens: 5}
	close(chunks)

	got, err := Collect(chunks)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if got.Text != "Hello, world" {
		t.Errorf("expected accumulated text, got %q", got.Text)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != "memo" {
		t.Errorf("expected one memo tool call, got %+v", got.ToolCalls)
	}
	if got.FinishReason != "tool_calls" {
		t.Errorf("expected finish reason tool_calls, got %q", got.FinishReason)
	}
	if got.InputTokens != 10 || got.OutputTokens != 5 {
		t.Errorf("expected usage 10/5, got %d/%d", got.InputTokens, got.OutputTokens)
	}
}

func TestCollectStreamError(t *testing.T) {
	streamErr := errors.New("stream broke")
	chunks := make(chan *Chunk, 3)
	chunks <- &Chunk{Text: "partial"}
	chunks <- &Chunk{Error: streamErr, Done: true}
	close(chunks)

	_, err := Collect(chunks)
	if !errors.Is(err, streamErr) {
		t.Errorf("expected stream error, got %v", err)
	}
}
