package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hoonlabs/agentd/pkg/models"
)

// OpenAIProvider speaks the OpenAI chat-completions wire protocol. It serves
// both api.openai.com and any OpenAI-compatible server (llama.cpp's
// llama-server, vLLM) via a custom base URL.
//
// Tool calls stream incrementally on this protocol: the id and function name
// arrive first, then argument fragments across many deltas. The provider
// accumulates fragments per choice index and emits each call only when the
// stream marks it finished. Local servers frequently omit call ids entirely;
// those calls get deterministic per-turn ordinals so results can still be
// linked back ("call_0", "call_1", ...).
//
// Safe for concurrent use; each Complete() owns its stream and goroutine.
type OpenAIProvider struct {
	client *openai.Client

	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey authenticates against the backend. Local llama.cpp servers
	// accept any value.
	APIKey string

	// BaseURL overrides the API endpoint, e.g. "http://localhost:8081/v1".
	// Empty means api.openai.com.
	BaseURL string

	// DefaultModel is used when Request.Model is empty.
	DefaultModel string

	// MaxRetries bounds attempts for transient failures. Default 3.
	MaxRetries int

	// RetryDelay is the base backoff; actual delay grows linearly with the
	// attempt number. Default 1s.
	RetryDelay time.Duration
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible backend.
// An empty API key with no base URL yields a provider whose Complete()
// returns ErrNotConfigured, allowing delayed configuration.
func NewOpenAIProvider(config OpenAIConfig) *OpenAIProvider {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	p := &OpenAIProvider{
		defaultModel: config.DefaultModel,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
	}

	if config.APIKey == "" && config.BaseURL == "" {
		return p
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	p.client = openai.NewClientWithConfig(clientConfig)
	return p
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Models returns the models this provider serves. Against a local server the
// advertised list is whatever the server loaded; "local" is the conventional
// id llama.cpp answers to.
func (p *OpenAIProvider) Models() []Model {
	return []Model{
		{ID: "local", Name: "Local (OpenAI-compatible)", ContextSize: 32768},
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000},
	}
}

// SupportsTools reports true; the chat-completions protocol carries function
// definitions and tool-call deltas.
func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// Complete sends a completion request and returns a channel of reply chunks.
// Transient request failures are retried with linear backoff before the
// first chunk; stream errors after that arrive as an Error chunk.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	if p.client == nil {
		return nil, ErrNotConfigured
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: p.convertMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) {
			return nil, fmt.Errorf("openai: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	chunks := make(chan *Chunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	if p.defaultModel != "" {
		return p.defaultModel
	}
	return "local"
}

// processStream consumes the SSE stream, emitting text deltas immediately
// and accumulating tool-call fragments per choice index until the backend
// marks the calls complete.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *Chunk) {
	defer close(chunks)
	defer stream.Close()

	// Keyed by choice index; the backend interleaves fragments of parallel
	// calls. Insertion order is preserved for id synthesis.
	toolCalls := make(map[int]*models.ToolCall)
	order := make([]int, 0, 4)
	finishReason := ""

	flush := func() {
		for seq, index := range order {
			tc := toolCalls[index]
			if tc == nil || tc.Name == "" {
				continue
			}
			if tc.ID == "" {
				tc.ID = fmt.Sprintf("call_%d", seq)
			}
			chunks <- &Chunk{ToolCall: tc}
		}
		toolCalls = make(map[int]*models.ToolCall)
		order = order[:0]
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &Chunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				flush()
				chunks <- &Chunk{Done: true, FinishReason: finishReason}
				return
			}
			chunks <- &Chunk{Error: err, Done: true}
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			chunks <- &Chunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
				order = append(order, index)
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				args := string(toolCalls[index].Arguments) + tc.Function.Arguments
				toolCalls[index].Arguments = json.RawMessage(args)
			}
		}

		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

// convertMessages maps the internal conversation onto the chat-completions
// shape. The system prompt becomes the first message; each tool result
// becomes its own message with role "tool" linked by tool_call_id.
func (p *OpenAIProvider) convertMessages(messages []RequestMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	return result
}

// convertTools maps tool definitions to function definitions. A definition
// with an unparseable schema degrades to an empty object schema so one bad
// tool cannot break the whole toolset.
func (p *OpenAIProvider) convertTools(tools []ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}
