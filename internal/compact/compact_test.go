package compact

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hoonlabs/agentd/pkg/models"
)

type memOverflowStore struct {
	records map[string]*models.OverflowRecord
}

func newMemOverflowStore() *memOverflowStore {
	return &memOverflowStore{records: make(map[string]*models.OverflowRecord)}
}

func (s *memOverflowStore) SaveOverflow(_ context.Context, rec *models.OverflowRecord) error {
	s.records[rec.SessionID+"/"+rec.CallID] = rec
	return nil
}

func (s *memOverflowStore) GetOverflow(_ context.Context, sessionID, callID string) (*models.OverflowRecord, error) {
	rec, ok := s.records[sessionID+"/"+callID]
	if !ok {
		return nil, fmt.Errorf("overflow record not found: %s/%s", sessionID, callID)
	}
	return rec, nil
}

func TestBudget(t *testing.T) {
	c := New(Config{
		DefaultBudget: 3000,
		Budgets:       map[string]int{"websearch": 2000, "memo": 500},
	}, nil)

	tests := []struct {
		tool string
		want int
	}{
		{"websearch", 2000},
		{"memo", 500},
		{"unknown_tool", 3000},
	}
	for _, tt := range tests {
		if got := c.Budget(tt.tool); got != tt.want {
			t.Errorf("Budget(%q) = %d, want %d", tt.tool, got, tt.want)
		}
	}
}

func TestBudgetResultWithinBudget(t *testing.T) {
	store := newMemOverflowStore()
	c := New(Config{DefaultBudget: 100}, store)

	result := &models.ToolResult{ToolCallID: "call_0", Name: "memo", Content: "short result"}
	content, overflowed, err := c.BudgetResult(context.Background(), "sess-1", result)
	if err != nil {
		t.Fatalf("BudgetResult() error: %v", err)
	}
	if overflowed {
		t.Error("expected no overflow for within-budget result")
	}
	if content != "short result" {
		t.Errorf("expected content unchanged, got %q", content)
	}
	if len(store.records) != 0 {
		t.Errorf("expected no overflow records, got %d", len(store.records))
	}
}

func TestBudgetResultOverflowRoundTrip(t *testing.T) {
	store := newMemOverflowStore()
	c := New(Config{
		DefaultBudget: 3000,
		Budgets:       map[string]int{"websearch": 2000},
	}, store)

	original := strings.Repeat("x", 10000)
	result := &models.ToolResult{ToolCallID: "call_3", Name: "websearch", Content: original}

	content, overflowed, err := c.BudgetResult(context.Background(), "sess-9", result)
	if err != nil {
		t.Fatalf("BudgetResult() error: %v", err)
	}
	if !overflowed {
		t.Fatal("expected overflow for 10000-char result against 2000 budget")
	}

	// Bounded placeholder: budget-sized prefix plus a fixed-shape pointer.
	if !strings.HasPrefix(content, strings.Repeat("x", 2000)) {
		t.Error("expected content to start with the 2000-char prefix")
	}
	if strings.HasPrefix(content, strings.Repeat("x", 2001)) {
		t.Error("prefix exceeds the 2000-char budget")
	}
	pointer := content[2000:]
	if len(pointer) > 120 {
		t.Errorf("pointer is not bounded: %d chars", len(pointer))
	}
	if !strings.Contains(pointer, "sess-9") || !strings.Contains(pointer, "call_3") {
		t.Errorf("pointer should name session and call, got %q", pointer)
	}

	// Round trip: the stored record byte-equals the original.
	rec, err := store.GetOverflow(context.Background(), "sess-9", "call_3")
	if err != nil {
		t.Fatalf("GetOverflow() error: %v", err)
	}
	if rec.Content != original {
		t.Errorf("overflow record content does not match original: %d vs %d chars", len(rec.Content), len(original))
	}
	if rec.ToolName != "websearch" {
		t.Errorf("expected tool name websearch, got %q", rec.ToolName)
	}
}

func TestBudgetResultNilStoreStillTruncates(t *testing.T) {
	c := New(Config{DefaultBudget: 50}, nil)

	result := &models.ToolResult{ToolCallID: "call_0", Name: "retrieve", Content: strings.Repeat("y", 500)}
	content, overflowed, err := c.BudgetResult(context.Background(), "sess-1", result)
	if err != nil {
		t.Fatalf("BudgetResult() error: %v", err)
	}
	if !overflowed {
		t.Error("expected overflow")
	}
	if len(content) >= 500 {
		t.Errorf("expected truncated content, got %d chars", len(content))
	}
}

func TestBudgetResultCutsOnRuneBoundary(t *testing.T) {
	c := New(Config{DefaultBudget: 100}, nil)

	// Three-byte runes, so the 100-byte budget lands mid-rune.
	result := &models.ToolResult{ToolCallID: "call_0", Name: "retrieve", Content: strings.Repeat("世", 60)}
	content, overflowed, err := c.BudgetResult(context.Background(), "sess-1", result)
	if err != nil {
		t.Fatalf("BudgetResult() error: %v", err)
	}
	if !overflowed {
		t.Fatal("expected overflow")
	}
	if !utf8.ValidString(content) {
		t.Error("truncated content is not valid UTF-8")
	}
	idx := strings.Index(content, "\n[truncated:")
	if idx < 0 {
		t.Fatal("missing overflow pointer")
	}
	if idx > 100 {
		t.Errorf("prefix exceeds budget: %d bytes", idx)
	}
}

func TestSummaryLineCutsOnRuneBoundary(t *testing.T) {
	c := New(Config{DefaultBudget: 3000, HotTailIterations: 1}, nil)

	msgs := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call_0", Name: "websearch"}}},
		{Role: models.RoleTool, Name: "websearch", ToolCallID: "call_0", Content: strings.Repeat("é", 300)},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call_1", Name: "websearch"}}},
		{Role: models.RoleTool, Name: "websearch", ToolCallID: "call_1", Content: "ok"},
	}

	compressed := c.CompressIterations(msgs)
	if !utf8.ValidString(compressed[1].Content) {
		t.Errorf("summary line is not valid UTF-8: %q", compressed[1].Content)
	}
}

// iterationMessages builds n tool-call iterations, each an assistant turn
// followed by one long tool result.
func iterationMessages(n int) []models.Message {
	var msgs []models.Message
	msgs = append(msgs, models.Message{Role: models.RoleUser, Content: "question"})
	for i := 0; i < n; i++ {
		callID := fmt.Sprintf("call_%d", i)
		msgs = append(msgs, models.Message{
			Role:      models.RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: callID, Name: "websearch"}},
		})
		msgs = append(msgs, models.Message{
			Role:       models.RoleTool,
			Name:       "websearch",
			ToolCallID: callID,
			Content:    strings.Repeat(fmt.Sprintf("result %d ", i), 100),
		})
	}
	return msgs
}

func TestCompressIterationsKeepsHotTail(t *testing.T) {
	c := New(Config{DefaultBudget: 3000, HotTailIterations: 1}, nil)

	msgs := iterationMessages(3)
	lastContent := msgs[len(msgs)-1].Content

	compressed := c.CompressIterations(msgs)

	// The two older tool results are summary lines now.
	for _, i := range []int{2, 4} {
		if len(compressed[i].Content) > 200 {
			t.Errorf("message %d not compressed: %d chars", i, len(compressed[i].Content))
		}
		if !strings.HasPrefix(compressed[i].Content, "[websearch result") {
			t.Errorf("message %d missing summary prefix: %q", i, compressed[i].Content[:40])
		}
	}

	// The hot tail keeps full fidelity.
	if compressed[len(compressed)-1].Content != lastContent {
		t.Error("hot-tail tool result was modified")
	}
}

func TestCompressIterationsIdempotent(t *testing.T) {
	c := New(Config{DefaultBudget: 3000, HotTailIterations: 1}, nil)

	once := c.CompressIterations(iterationMessages(4))
	snapshot := make([]string, len(once))
	for i, m := range once {
		snapshot[i] = m.Content
	}

	twice := c.CompressIterations(once)
	for i, m := range twice {
		if m.Content != snapshot[i] {
			t.Errorf("second pass changed message %d", i)
		}
	}
}

func TestCompressIterationsLeavesShortResults(t *testing.T) {
	c := New(Config{DefaultBudget: 3000, HotTailIterations: 1}, nil)

	msgs := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call_0", Name: "memo"}}},
		{Role: models.RoleTool, Name: "memo", ToolCallID: "call_0", Content: "ok"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call_1", Name: "memo"}}},
		{Role: models.RoleTool, Name: "memo", ToolCallID: "call_1", Content: "ok"},
	}

	compressed := c.CompressIterations(msgs)
	if compressed[1].Content != "ok" {
		t.Errorf("short result was rewritten: %q", compressed[1].Content)
	}
}
