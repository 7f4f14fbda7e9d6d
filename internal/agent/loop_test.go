package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/hoonlabs/agentd/internal/compact"
	"github.com/hoonlabs/agentd/internal/inference"
	"github.com/hoonlabs/agentd/internal/observability"
	"github.com/hoonlabs/agentd/internal/sessions"
	"github.com/hoonlabs/agentd/internal/store"
	"github.com/hoonlabs/agentd/pkg/models"
)

// scriptedProvider plays back one chunk sequence per inference call and
// records every request it saw.
type scriptedProvider struct {
	mu       sync.Mutex
	turns    [][]*inference.Chunk
	requests []*inference.Request
}

func (p *scriptedProvider) Name() string              { return "scripted" }
func (p *scriptedProvider) Models() []inference.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool       { return true }

func (p *scriptedProvider) Complete(ctx context.Context, req *inference.Request) (<-chan *inference.Chunk, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	turn := p.turns[idx]

	ch := make(chan *inference.Chunk, len(turn)+1)
	for _, c := range turn {
		ch <- c
	}
	ch <- &inference.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func textTurn(text string) []*inference.Chunk {
	return []*inference.Chunk{{Text: text}}
}

func toolTurn(calls ...models.ToolCall) []*inference.Chunk {
	chunks := make([]*inference.Chunk, 0, len(calls))
	for i := range calls {
		chunks = append(chunks, &inference.Chunk{ToolCall: &calls[i]})
	}
	return chunks
}

type loopFixture struct {
	loop     *Loop
	provider *scriptedProvider
	store    *store.Memory
}

func newLoopFixture(t *testing.T, turns [][]*inference.Chunk, cfg LoopConfig, stop StopCheck, tools ...Tool) *loopFixture {
	t.Helper()

	mem := store.NewMemory()
	svc := sessions.NewService(mem, nil, "test")
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})

	reg := NewRegistry()
	for _, tool := range tools {
		reg.Register(tool)
	}
	dispatcher := NewDispatcher(reg)
	executor := NewExecutor(dispatcher, DefaultExecutorConfig(), nil, nil)

	prompt, err := NewPromptCache("", reg, dispatcher, logger)
	if err != nil {
		t.Fatalf("prompt cache: %v", err)
	}

	compactor := compact.New(compact.Config{DefaultBudget: 3000, HotTailIterations: 1}, mem)
	provider := &scriptedProvider{turns: turns}

	loop := NewLoop(provider, executor, prompt, svc, compactor, mem, cfg, stop, logger, nil, nil)
	return &loopFixture{loop: loop, provider: provider, store: mem}
}

func TestRunPlainCompletion(t *testing.T) {
	f := newLoopFixture(t, [][]*inference.Chunk{textTurn("the answer is 4")}, LoopConfig{MaxIterations: 3, CountFailedIterations: true}, nil)

	result, err := f.loop.Run(context.Background(), &Request{
		SessionID: "sess-1", User: "alice", Content: "what is 2+2?",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Outcome != models.OutcomeCompleted {
		t.Errorf("outcome = %q, want completed", result.Outcome)
	}
	if result.Text != "the answer is 4" {
		t.Errorf("text = %q", result.Text)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", result.Iterations)
	}

	msgs, err := f.store.GetMessages(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Errorf("transcript roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}

	session, err := f.store.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Title != "what is 2+2?" {
		t.Errorf("auto title = %q", session.Title)
	}
}

func TestRunToolRoundIssueOrder(t *testing.T) {
	turns := [][]*inference.Chunk{
		toolTurn(
			models.ToolCall{ID: "call_a", Name: "echo", Arguments: json.RawMessage(`{"text": "one"}`)},
			models.ToolCall{ID: "call_b", Name: "flaky", Arguments: json.RawMessage(`{}`)},
			models.ToolCall{ID: "call_c", Name: "echo", Arguments: json.RawMessage(`{"text": "three"}`)},
		),
		textTurn("done"),
	}
	f := newLoopFixture(t, turns, LoopConfig{MaxIterations: 4, CountFailedIterations: true}, nil, echoTool{}, failingTool{})

	result, err := f.loop.Run(context.Background(), &Request{
		SessionID: "sess-1", User: "alice", Content: "go",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Outcome != models.OutcomeCompleted {
		t.Errorf("outcome = %q", result.Outcome)
	}
	if result.ToolCalls != 3 {
		t.Errorf("tool calls = %d, want 3", result.ToolCalls)
	}

	msgs, _ := f.store.GetMessages(context.Background(), "sess-1")
	// user, assistant with calls, three tool results, final assistant
	if len(msgs) != 6 {
		t.Fatalf("transcript has %d messages, want 6", len(msgs))
	}
	wantIDs := []string{"call_a", "call_b", "call_c"}
	for i, id := range wantIDs {
		msg := msgs[2+i]
		if msg.Role != models.RoleTool {
			t.Errorf("message %d role = %s", 2+i, msg.Role)
		}
		if msg.ToolCallID != id {
			t.Errorf("tool result %d linked to %s, want %s", i, msg.ToolCallID, id)
		}
	}
	// One failure never cancels siblings.
	if !strings.Contains(msgs[3].Content, "upstream unavailable") {
		t.Errorf("failed call content = %q", msgs[3].Content)
	}
	if msgs[2].Content == "" || msgs[4].Content == "" {
		t.Error("sibling results missing after one failure")
	}
}

func TestRunCeilingNeverBuysExtraCall(t *testing.T) {
	// The model asks for a tool every single turn.
	turn := append(textTurn("thinking "), toolTurn(models.ToolCall{Name: "echo", Arguments: json.RawMessage(`{"text": "x"}`)})...)
	f := newLoopFixture(t, [][]*inference.Chunk{turn}, LoopConfig{MaxIterations: 3, CountFailedIterations: true}, nil, echoTool{})

	result, err := f.loop.Run(context.Background(), &Request{
		SessionID: "sess-1", User: "alice", Content: "loop forever",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Outcome != models.OutcomeBudgetExhausted {
		t.Errorf("outcome = %q, want budget_exhausted", result.Outcome)
	}
	if got := f.provider.callCount(); got != 3 {
		t.Errorf("provider called %d times, want exactly 3", got)
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", result.Iterations)
	}
	if !strings.Contains(result.Text, "thinking") {
		t.Errorf("partial text lost: %q", result.Text)
	}
}

func TestRunStopBeforeFirstIteration(t *testing.T) {
	stop := NewStopSignal()
	stop.Raise()

	f := newLoopFixture(t, [][]*inference.Chunk{textTurn("never")}, LoopConfig{MaxIterations: 3, CountFailedIterations: true}, stop.Check(), echoTool{})

	result, err := f.loop.Run(context.Background(), &Request{
		SessionID: "sess-1", User: "alice", Content: "hello",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Outcome != models.OutcomeCancelled {
		t.Errorf("outcome = %q, want cancelled", result.Outcome)
	}
	if got := f.provider.callCount(); got != 0 {
		t.Errorf("provider called %d times after stop, want 0", got)
	}

	msgs, _ := f.store.GetMessages(context.Background(), "sess-1")
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			t.Error("tool result appended on a stopped run")
		}
	}
}

func TestRunJobCancelFlagAtBoundary(t *testing.T) {
	f := newLoopFixture(t, [][]*inference.Chunk{textTurn("hi")}, LoopConfig{MaxIterations: 5, CountFailedIterations: true}, nil, echoTool{})

	result, err := f.loop.Run(context.Background(), &Request{
		SessionID: "sess-1", User: "alice", Content: "go",
		Cancelled: func() bool { return true },
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Outcome != models.OutcomeCancelled {
		t.Errorf("outcome = %q, want cancelled", result.Outcome)
	}
	if f.provider.callCount() != 0 {
		t.Error("cancelled run still called the provider")
	}
}

func TestRunSynthesizesOrdinalCallIDs(t *testing.T) {
	turns := [][]*inference.Chunk{
		toolTurn(
			models.ToolCall{Name: "echo", Arguments: json.RawMessage(`{"text": "a"}`)},
			models.ToolCall{Name: "echo", Arguments: json.RawMessage(`{"text": "b"}`)},
		),
		textTurn("ok"),
	}
	f := newLoopFixture(t, turns, LoopConfig{MaxIterations: 3, CountFailedIterations: true}, nil, echoTool{})

	if _, err := f.loop.Run(context.Background(), &Request{SessionID: "sess-1", User: "u", Content: "go"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	msgs, _ := f.store.GetMessages(context.Background(), "sess-1")
	var toolIDs []string
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			toolIDs = append(toolIDs, m.ToolCallID)
		}
	}
	if len(toolIDs) != 2 || toolIDs[0] != "call_0" || toolIDs[1] != "call_1" {
		t.Errorf("tool call ids = %v, want [call_0 call_1]", toolIDs)
	}
}

func TestRunStreamEvents(t *testing.T) {
	turns := [][]*inference.Chunk{
		toolTurn(models.ToolCall{ID: "call_0", Name: "echo", Arguments: json.RawMessage(`{"text": "x"}`)}),
		textTurn("all done"),
	}
	f := newLoopFixture(t, turns, LoopConfig{MaxIterations: 3, CountFailedIterations: true}, nil, echoTool{})

	events, err := f.loop.RunStream(context.Background(), &Request{
		SessionID: "sess-1", User: "alice", Content: "go",
	})
	if err != nil {
		t.Fatalf("RunStream failed: %v", err)
	}

	var text string
	var sawBatch bool
	var statuses []models.ToolStatus
	var final *RunResult
	for ev := range events {
		switch {
		case ev.Text != "":
			text += ev.Text
		case len(ev.ToolCalls) > 0:
			sawBatch = true
		case ev.Tool != nil:
			statuses = append(statuses, ev.Tool.Status)
		case ev.Final != nil:
			final = ev.Final
			if ev.Err != nil {
				t.Fatalf("final event carries error: %v", ev.Err)
			}
		}
	}

	if text != "all done" {
		t.Errorf("streamed text = %q", text)
	}
	if !sawBatch {
		t.Error("no tool call batch event")
	}
	if len(statuses) != 2 || statuses[0] != models.ToolStatusStarted || statuses[1] != models.ToolStatusCompleted {
		t.Errorf("tool statuses = %v", statuses)
	}
	if final == nil || final.Outcome != models.OutcomeCompleted {
		t.Errorf("final = %+v", final)
	}
}

func TestRunOverflowBudgeting(t *testing.T) {
	big := strings.Repeat("z", 500)
	turns := [][]*inference.Chunk{
		toolTurn(models.ToolCall{ID: "call_0", Name: "blob", Arguments: json.RawMessage(`{}`)}),
		textTurn("ok"),
	}

	f := newLoopFixture(t, turns, LoopConfig{MaxIterations: 3, CountFailedIterations: true}, nil, staticTool{name: "blob", content: big})
	// Tight budget so the result overflows.
	f.loop.compact = compact.New(compact.Config{DefaultBudget: 100, HotTailIterations: 1}, f.store)

	if _, err := f.loop.Run(context.Background(), &Request{SessionID: "sess-1", User: "u", Content: "go"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	msgs, _ := f.store.GetMessages(context.Background(), "sess-1")
	var toolMsg *models.Message
	for i := range msgs {
		if msgs[i].Role == models.RoleTool {
			toolMsg = &msgs[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool message in transcript")
	}
	if !strings.Contains(toolMsg.Content, "[truncated:") {
		t.Errorf("tool message lacks overflow pointer: %q", toolMsg.Content)
	}

	rec, err := f.store.GetOverflow(context.Background(), "sess-1", "call_0")
	if err != nil {
		t.Fatalf("GetOverflow: %v", err)
	}
	if rec.Content != big {
		t.Error("overflow record does not round-trip the original content")
	}
}

func TestRunKeepsConcurrentWritesThroughCompression(t *testing.T) {
	turns := [][]*inference.Chunk{
		toolTurn(models.ToolCall{ID: "call_0", Name: "interloper", Arguments: json.RawMessage(`{}`)}),
		toolTurn(models.ToolCall{ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{"text": "x"}`)}),
		textTurn("ok"),
	}

	// The tool writes to the session mid-run, standing in for a second
	// writer racing the loop.
	tool := &interlopingTool{}
	f := newLoopFixture(t, turns, LoopConfig{MaxIterations: 5, CountFailedIterations: true}, nil, tool, echoTool{})
	tool.st = f.store
	tool.sid = "sess-1"

	if _, err := f.loop.Run(context.Background(), &Request{SessionID: "sess-1", User: "u", Content: "go"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	msgs, err := f.store.GetMessages(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}

	var sawNote, sawSummary bool
	for _, m := range msgs {
		if m.Content == "concurrent note" {
			sawNote = true
		}
		if m.Role == models.RoleTool && strings.HasPrefix(m.Content, "[interloper result") {
			sawSummary = true
		}
	}
	if !sawNote {
		t.Error("concurrently appended message lost across the compression rewrite")
	}
	if !sawSummary {
		t.Error("older tool result was never compressed")
	}
}

func TestSystemContextCarriesNotesAndCollections(t *testing.T) {
	f := newLoopFixture(t, [][]*inference.Chunk{textTurn("hi")}, LoopConfig{MaxIterations: 2, CountFailedIterations: true}, nil)

	if err := f.store.SaveNote(context.Background(), "alice", "diet", "vegetarian"); err != nil {
		t.Fatalf("SaveNote: %v", err)
	}

	if _, err := f.loop.Run(context.Background(), &Request{
		SessionID:   "sess-1",
		User:        "alice",
		Content:     "hello",
		Collections: []string{"wiki", "docs"},
		Attachments: []models.Attachment{{Name: "data.csv", Type: "csv", Size: 42, Headers: []string{"id", "name"}, Rows: 10}},
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if f.provider.callCount() != 1 {
		t.Fatalf("provider called %d times", f.provider.callCount())
	}
	system := f.provider.requests[0].System
	for _, want := range []string{"docs, wiki", "diet: vegetarian", "data.csv", "id, name"} {
		if !strings.Contains(system, want) {
			t.Errorf("system context missing %q", want)
		}
	}
}

func TestPromptCacheGeneration(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool{})
	dispatcher := NewDispatcher(reg)
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})

	cache, err := NewPromptCache("", reg, dispatcher, logger)
	if err != nil {
		t.Fatalf("NewPromptCache: %v", err)
	}

	first := cache.Current()
	if first.Generation != 0 {
		t.Errorf("initial generation = %d", first.Generation)
	}
	if len(first.Tools) != 1 || first.Tools[0].Name != "echo" {
		t.Errorf("toolset = %+v", first.Tools)
	}

	if err := cache.Invalidate(); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	second := cache.Current()
	if second.Generation != 1 {
		t.Errorf("generation after invalidate = %d", second.Generation)
	}
	if first.Generation != 0 {
		t.Error("earlier context mutated in place")
	}
}

// interlopingTool appends a message to its session from inside Execute,
// then returns a result long enough for the compression pass to rewrite.
type interlopingTool struct {
	st  *store.Memory
	sid string
}

func (i *interlopingTool) Name() string        { return "interloper" }
func (i *interlopingTool) Description() string { return "writes to the session mid-run" }
func (i *interlopingTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}
func (i *interlopingTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	msg := models.Message{SessionID: i.sid, Role: models.RoleUser, Content: "concurrent note"}
	if err := i.st.AppendMessages(ctx, i.sid, []models.Message{msg}); err != nil {
		return nil, err
	}
	return &models.ToolResult{Content: strings.Repeat("y", 300)}, nil
}

// staticTool returns fixed content, for budget tests.
type staticTool struct {
	name    string
	content string
}

func (s staticTool) Name() string        { return s.name }
func (s staticTool) Description() string { return "returns fixed content" }
func (s staticTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}
func (s staticTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	return &models.ToolResult{Content: s.content}, nil
}
