package agent

import "github.com/hoonlabs/agentd/pkg/models"

// Event is one item on a run's stream. Exactly one field group is set:
// a text delta, the batch of tool calls the model just issued, a tool
// lifecycle update, or the final result.
type Event struct {
	Text string

	ToolCalls []models.ToolCall

	Tool *models.ToolEvent

	Final *RunResult
	Err   error
}

// RunResult is the terminal summary of one run.
type RunResult struct {
	SessionID  string         `json:"session_id"`
	Outcome    models.Outcome `json:"outcome"`
	Text       string         `json:"text"`
	Iterations int            `json:"iterations"`
	ToolCalls  int            `json:"tool_calls"`
}
