// Package compact keeps conversations bounded as the agent loop runs.
//
// Two independent mechanisms, both applied synchronously at the end of every
// iteration:
//
//   - Result budgeting: each tool result is compared to a per-tool character
//     budget. Over-budget content is persisted verbatim as an overflow record
//     and the in-conversation message becomes a truncated prefix plus a short
//     pointer naming where the full result lives.
//   - Iteration compression: tool results older than the retained hot tail
//     (measured in iterations, not tokens) are rewritten to a single summary
//     line. The hot tail stays at full fidelity.
package compact

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hoonlabs/agentd/pkg/models"
)

const (
	// DefaultBudget applies to tools with no per-tool entry.
	DefaultBudget = 3000

	// DefaultHotTail is the number of most recent iterations kept at full
	// fidelity.
	DefaultHotTail = 1

	// compressThreshold is the content length at or below which a tool
	// result is left alone. Summary lines stay under this, which makes the
	// compression pass idempotent.
	compressThreshold = 200

	// previewLen is how much of a result survives into its summary line.
	previewLen = 120
)

// OverflowStore persists full-fidelity tool results that were truncated out
// of the conversation, keyed by (session id, call id).
type OverflowStore interface {
	SaveOverflow(ctx context.Context, rec *models.OverflowRecord) error
	GetOverflow(ctx context.Context, sessionID, callID string) (*models.OverflowRecord, error)
}

// Config tunes the compactor.
type Config struct {
	// DefaultBudget is the per-result character budget for tools without a
	// specific entry.
	DefaultBudget int

	// Budgets maps tool name to character budget.
	Budgets map[string]int

	// HotTailIterations is how many recent iterations keep full results.
	HotTailIterations int
}

// Compactor applies result budgeting and iteration compression.
type Compactor struct {
	config Config
	store  OverflowStore
}

// New creates a Compactor. The store may be nil, in which case over-budget
// results are truncated without a retrievable overflow record.
func New(config Config, store OverflowStore) *Compactor {
	if config.DefaultBudget <= 0 {
		config.DefaultBudget = DefaultBudget
	}
	if config.HotTailIterations <= 0 {
		config.HotTailIterations = DefaultHotTail
	}
	return &Compactor{config: config, store: store}
}

// Budget returns the character budget for a tool.
func (c *Compactor) Budget(tool string) int {
	if b, ok := c.config.Budgets[tool]; ok && b > 0 {
		return b
	}
	return c.config.DefaultBudget
}

// BudgetResult bounds one tool result. Content within budget is returned
// unchanged. Over-budget content is stored verbatim as an overflow record and
// the returned string is the budget-sized prefix plus a pointer line; the
// second return reports whether an overflow happened.
func (c *Compactor) BudgetResult(ctx context.Context, sessionID string, result *models.ToolResult) (string, bool, error) {
	budget := c.Budget(result.Name)
	if len(result.Content) <= budget {
		return result.Content, false, nil
	}

	if c.store != nil {
		rec := &models.OverflowRecord{
			SessionID: sessionID,
			CallID:    result.ToolCallID,
			ToolName:  result.Name,
			Content:   result.Content,
			CreatedAt: time.Now().UTC(),
		}
		if err := c.store.SaveOverflow(ctx, rec); err != nil {
			return "", false, fmt.Errorf("compact: saving overflow for %s/%s: %w", sessionID, result.ToolCallID, err)
		}
	}

	truncated := truncate(result.Content, budget) + c.pointer(sessionID, result.ToolCallID, len(result.Content))
	return truncated, true, nil
}

// pointer is the fixed-shape line appended to a truncated result so the model
// (and operators) can find the full content.
func (c *Compactor) pointer(sessionID, callID string, totalLen int) string {
	return fmt.Sprintf("\n[truncated: full %d-char result stored; session=%s call=%s]", totalLen, sessionID, callID)
}

// CompressIterations rewrites tool results older than the hot tail to
// one-line summaries, in place on the returned slice. An iteration is one
// assistant tool-call turn plus its results; the most recent
// HotTailIterations of them are left untouched. Results at or under
// compressThreshold characters are never rewritten, so re-running the pass
// on already-compressed history is a no-op.
func (c *Compactor) CompressIterations(messages []models.Message) []models.Message {
	boundary := c.hotTailBoundary(messages)
	for i := 0; i < boundary; i++ {
		msg := &messages[i]
		if msg.Role != models.RoleTool {
			continue
		}
		if len(msg.Content) <= compressThreshold {
			continue
		}
		msg.Content = summaryLine(msg.Name, msg.Content)
	}
	return messages
}

// hotTailBoundary returns the index of the first message inside the hot
// tail. Messages before it are eligible for compression.
func (c *Compactor) hotTailBoundary(messages []models.Message) int {
	iterations := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant && len(messages[i].ToolCalls) > 0 {
			iterations++
			if iterations >= c.config.HotTailIterations {
				return i
			}
		}
	}
	return 0
}

// summaryLine renders a compressed tool result.
func summaryLine(tool, content string) string {
	preview := truncate(strings.Join(strings.Fields(content), " "), previewLen)
	if tool == "" {
		tool = "tool"
	}
	return fmt.Sprintf("[%s result — %s…]", tool, preview)
}

// truncate cuts s at the largest rune boundary not past limit bytes, so
// a cut never leaves invalid UTF-8 in the transcript.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
