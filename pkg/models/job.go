package models

import "time"

// JobState is the lifecycle state of a background run.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final. Terminal states are one-way.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ToolEvent is one entry in a job's tool activity log.
type ToolEvent struct {
	Tool     string        `json:"tool"`
	CallID   string        `json:"call_id,omitempty"`
	Status   ToolStatus    `json:"status"`
	Duration time.Duration `json:"duration,omitempty"`
	At       time.Time     `json:"at"`
}

// Job is a durably recorded background agent run. Records are written under
// the job store's lock so readers never observe a torn state.
type Job struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id,omitempty"`
	User      string   `json:"user,omitempty"`
	State     JobState `json:"state"`

	// Outcome is the loop's terminal outcome, set alongside a terminal state.
	Outcome Outcome `json:"outcome,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// OutputChunks accumulates streamed answer text in arrival order.
	OutputChunks []string `json:"output_chunks,omitempty"`

	// ToolEvents logs tool starts and completions for observers.
	ToolEvents []ToolEvent `json:"tool_events,omitempty"`

	Error string `json:"error,omitempty"`
}

// Output joins the accumulated chunks into the full answer text.
func (j *Job) Output() string {
	if len(j.OutputChunks) == 0 {
		return ""
	}
	var n int
	for _, c := range j.OutputChunks {
		n += len(c)
	}
	buf := make([]byte, 0, n)
	for _, c := range j.OutputChunks {
		buf = append(buf, c...)
	}
	return string(buf)
}

// Clone returns a deep copy, used by stores to keep returned records
// independent of later writes.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		clone.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}
	if len(j.OutputChunks) > 0 {
		clone.OutputChunks = append([]string(nil), j.OutputChunks...)
	}
	if len(j.ToolEvents) > 0 {
		clone.ToolEvents = append([]ToolEvent(nil), j.ToolEvents...)
	}
	return &clone
}
