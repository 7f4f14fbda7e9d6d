package models

// Outcome classifies how an agent run ended. Cancellation and budget
// exhaustion are distinguished from both success and failure at every layer.
type Outcome string

const (
	// OutcomeCompleted means the model produced a plain-text answer.
	OutcomeCompleted Outcome = "completed"

	// OutcomeBudgetExhausted means the iteration ceiling was reached with the
	// model still requesting tools; the accompanying text is a best-effort
	// partial answer.
	OutcomeBudgetExhausted Outcome = "budget_exhausted"

	// OutcomeCancelled means a stop signal or job cancellation was observed
	// at an iteration boundary.
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeFailed means an inference-backend error escaped the run.
	OutcomeFailed Outcome = "failed"
)

// Terminal reports whether the outcome is a finished state (all are; the
// zero value is not).
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeCompleted, OutcomeBudgetExhausted, OutcomeCancelled, OutcomeFailed:
		return true
	}
	return false
}

// ToolStatus is the lifecycle stage of a tool call reported on the event
// stream.
type ToolStatus string

const (
	ToolStatusStarted   ToolStatus = "started"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusFailed    ToolStatus = "failed"
)
