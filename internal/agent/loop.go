// Package agent implements the tool-augmented conversation loop: the
// model is called with the cached system context and toolset, requested
// tools run concurrently, results are budgeted and folded back into the
// transcript, and the cycle repeats under a hard iteration ceiling.
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hoonlabs/agentd/internal/compact"
	"github.com/hoonlabs/agentd/internal/inference"
	"github.com/hoonlabs/agentd/internal/observability"
	"github.com/hoonlabs/agentd/internal/sessions"
	"github.com/hoonlabs/agentd/internal/store"
	"github.com/hoonlabs/agentd/pkg/models"
)

// LoopConfig bounds a single run.
type LoopConfig struct {
	// MaxIterations is the hard ceiling on inference rounds. Reaching it
	// with the model still asking for tools ends the run as budget
	// exhausted; it never buys an extra inference call.
	// Default: 8
	MaxIterations int

	// MaxWallTime limits total run duration (0 = no limit).
	MaxWallTime time.Duration

	// CountFailedIterations controls whether an iteration whose tool
	// calls all failed still consumes ceiling budget.
	// Default: true
	CountFailedIterations bool

	// Model, Temperature, and MaxTokens are passed to the provider.
	Model       string
	Temperature float32
	MaxTokens   int
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:         8,
		CountFailedIterations: true,
		MaxTokens:             4096,
	}
}

// Request is one caller turn handed to the loop.
type Request struct {
	SessionID string
	User      string
	Content   string

	// Attachments carry pre-extracted structural metadata, rendered into
	// the dynamic system context. Raw file bytes never enter the prompt.
	Attachments []models.Attachment

	// Collections is the caller's closed set of retrieval targets.
	Collections []string

	// Cancelled is an extra per-run stop check (a job's cancel flag).
	// May be nil.
	Cancelled StopCheck
}

// Loop drives multi-turn tool use for one request at a time.
type Loop struct {
	provider inference.Provider
	executor *Executor
	prompt   *PromptCache
	sessions *sessions.Service
	compact  *compact.Compactor
	notes    store.NoteStore
	config   LoopConfig
	stop     StopCheck

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewLoop assembles a loop. stop is the process-wide kill switch check;
// notes may be nil when the deployment has no note store.
func NewLoop(
	provider inference.Provider,
	executor *Executor,
	prompt *PromptCache,
	sessionSvc *sessions.Service,
	compactor *compact.Compactor,
	notes store.NoteStore,
	config LoopConfig,
	stop StopCheck,
	logger *observability.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
) *Loop {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultLoopConfig().MaxIterations
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultLoopConfig().MaxTokens
	}
	if stop == nil {
		stop = func() bool { return false }
	}
	return &Loop{
		provider: provider,
		executor: executor,
		prompt:   prompt,
		sessions: sessionSvc,
		compact:  compactor,
		notes:    notes,
		config:   config,
		stop:     stop,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Run executes the loop to completion and returns the final result.
func (l *Loop) Run(ctx context.Context, req *Request) (*RunResult, error) {
	return l.run(ctx, req, func(Event) {})
}

// RunStream executes the loop and streams events. The channel closes
// after the final event; a run-level failure arrives as a final event
// with Err set.
func (l *Loop) RunStream(ctx context.Context, req *Request) (<-chan *Event, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}

	events := make(chan *Event, 32)
	go func() {
		defer close(events)
		emit := func(ev Event) {
			select {
			case events <- &ev:
			case <-ctx.Done():
			}
		}
		result, err := l.run(ctx, req, emit)
		emit(Event{Final: result, Err: err})
	}()
	return events, nil
}

func (l *Loop) run(ctx context.Context, req *Request, emit func(Event)) (*RunResult, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	if l.config.MaxWallTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.MaxWallTime)
		defer cancel()
	}

	ctx = observability.AddSessionID(ctx, req.SessionID)
	if l.tracer != nil {
		tracedCtx, span := l.tracer.TraceRun(ctx, req.SessionID)
		defer span.End()
		ctx = tracedCtx
	}

	start := time.Now()
	result, err := l.runLoop(ctx, req, emit)
	if result != nil {
		l.observeRun(ctx, result, time.Since(start))
	}
	return result, err
}

func (l *Loop) runLoop(ctx context.Context, req *Request, emit func(Event)) (*RunResult, error) {
	prompt := l.prompt.Current()
	system := l.buildSystemContext(ctx, prompt, req)

	if _, err := l.sessions.Ensure(ctx, req.SessionID, req.User, autoTitle(req.Content)); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	transcript, err := l.sessions.Messages(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	userMsg := models.Message{
		SessionID: req.SessionID,
		Role:      models.RoleUser,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.sessions.Append(ctx, req.SessionID, []models.Message{userMsg}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	transcript = append(transcript, userMsg)

	caller := Caller{SessionID: req.SessionID, User: req.User, Collections: req.Collections}
	result := &RunResult{SessionID: req.SessionID}
	var accumulated strings.Builder

	used := 0
	for used < l.config.MaxIterations {
		if outcome, stopped := l.stopped(ctx, req); stopped {
			result.Outcome = outcome
			result.Text = accumulated.String()
			result.Iterations = used
			return result, nil
		}

		completion, err := l.complete(ctx, system, prompt, transcript, emit)
		if err != nil {
			result.Outcome = models.OutcomeFailed
			result.Text = accumulated.String()
			result.Iterations = used
			return result, fmt.Errorf("inference: %w", err)
		}
		if completion.Text != "" {
			accumulated.WriteString(completion.Text)
		}

		calls := assignCallIDs(completion.ToolCalls)

		assistantMsg := models.Message{
			SessionID: req.SessionID,
			Role:      models.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: calls,
			CreatedAt: time.Now().UTC(),
		}

		if len(calls) == 0 {
			if err := l.sessions.Append(ctx, req.SessionID, []models.Message{assistantMsg}); err != nil {
				return nil, fmt.Errorf("persist assistant message: %w", err)
			}
			result.Outcome = models.OutcomeCompleted
			result.Text = completion.Text
			result.Iterations = used + 1
			return result, nil
		}

		emit(Event{ToolCalls: calls})
		result.ToolCalls += len(calls)

		for _, call := range calls {
			emit(Event{Tool: &models.ToolEvent{
				Tool:   call.Name,
				CallID: call.ID,
				Status: models.ToolStatusStarted,
				At:     time.Now().UTC(),
			}})
		}

		executions := l.executor.ExecuteAll(ctx, calls, caller)

		allFailed := true
		newMessages := []models.Message{assistantMsg}
		for _, exec := range executions {
			if !exec.Result.IsError {
				allFailed = false
			}

			content, overflowed, budgetErr := l.compact.BudgetResult(ctx, req.SessionID, &exec.Result)
			if budgetErr != nil {
				l.logger.Warn(ctx, "overflow persistence failed",
					"tool", exec.Call.Name, "error", budgetErr)
				content = exec.Result.Content
			}
			if overflowed && l.metrics != nil {
				l.metrics.OverflowRecordCounter.WithLabelValues(exec.Call.Name).Inc()
			}

			toolMsg := models.Message{
				SessionID:  req.SessionID,
				Role:       models.RoleTool,
				Name:       exec.Call.Name,
				ToolCallID: exec.Call.ID,
				Content:    content,
				CreatedAt:  time.Now().UTC(),
			}
			newMessages = append(newMessages, toolMsg)

			status := models.ToolStatusCompleted
			if exec.Result.IsError {
				status = models.ToolStatusFailed
			}
			emit(Event{Tool: &models.ToolEvent{
				Tool:     exec.Call.Name,
				CallID:   exec.Call.ID,
				Status:   status,
				Duration: exec.Duration,
				At:       time.Now().UTC(),
			}})
		}

		updated, err := l.persistIteration(ctx, req.SessionID, newMessages)
		if err != nil {
			return nil, fmt.Errorf("persist iteration: %w", err)
		}
		transcript = updated

		// An all-failed iteration can be configured not to consume the
		// ceiling; the wall clock remains the backstop against spinning.
		if l.config.CountFailedIterations || !allFailed {
			used++
		}
	}

	result.Outcome = models.OutcomeBudgetExhausted
	result.Text = accumulated.String()
	result.Iterations = used
	return result, nil
}

// persistIteration appends the iteration's messages and runs the
// compression pass as one unit under the session's write lock, so a
// concurrent writer cannot slip between the read and the rewrite. The
// returned transcript is re-read from the store and becomes the
// working copy for the next inference round.
func (l *Loop) persistIteration(ctx context.Context, sessionID string, newMessages []models.Message) ([]models.Message, error) {
	var updated []models.Message
	err := l.sessions.WithLock(ctx, sessionID, func(st store.SessionStore) error {
		if err := st.AppendMessages(ctx, sessionID, newMessages); err != nil {
			return err
		}
		current, err := st.GetMessages(ctx, sessionID)
		if err != nil {
			return err
		}

		// Compression mutates in place; keep a shallow copy so we can
		// tell whether anything outside the hot tail was rewritten.
		before := append([]models.Message(nil), current...)
		current = l.compact.CompressIterations(current)
		updated = current
		if !anyRewritten(before, current) {
			return nil
		}
		return st.ReplaceMessages(ctx, sessionID, current)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func anyRewritten(before, after []models.Message) bool {
	if len(before) != len(after) {
		return true
	}
	for i := range before {
		if before[i].Content != after[i].Content {
			return true
		}
	}
	return false
}

func (l *Loop) stopped(ctx context.Context, req *Request) (models.Outcome, bool) {
	if ctx.Err() != nil {
		return models.OutcomeCancelled, true
	}
	if l.stop() {
		l.logger.Info(ctx, "run halted by stop signal")
		return models.OutcomeCancelled, true
	}
	if req.Cancelled != nil && req.Cancelled() {
		l.logger.Info(ctx, "run halted by job cancellation")
		return models.OutcomeCancelled, true
	}
	return "", false
}

// complete performs one inference round, streaming text deltas as
// events and collecting the full reply.
func (l *Loop) complete(ctx context.Context, system string, prompt *PromptContext, transcript []models.Message, emit func(Event)) (*inference.Completion, error) {
	infReq := &inference.Request{
		Model:       l.config.Model,
		System:      system,
		Messages:    toRequestMessages(transcript),
		Tools:       prompt.Tools,
		Temperature: l.config.Temperature,
		MaxTokens:   l.config.MaxTokens,
	}

	infCtx := ctx
	if l.tracer != nil {
		tracedCtx, span := l.tracer.TraceInferenceRequest(ctx, l.provider.Name(), infReq.Model)
		defer span.End()
		infCtx = tracedCtx
	}

	start := time.Now()
	chunks, err := l.provider.Complete(infCtx, infReq)
	if err != nil {
		l.observeInference(infReq.Model, time.Since(start), "error")
		return nil, err
	}

	completion := &inference.Completion{}
	var text strings.Builder
	var chunkErr error
	for chunk := range chunks {
		if chunk.Error != nil {
			chunkErr = chunk.Error
			continue
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			emit(Event{Text: chunk.Text})
		}
		if chunk.ToolCall != nil {
			completion.ToolCalls = append(completion.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			completion.FinishReason = chunk.FinishReason
		}
		completion.InputTokens += chunk.InputTokens
		completion.OutputTokens += chunk.OutputTokens
	}
	if chunkErr != nil {
		l.observeInference(infReq.Model, time.Since(start), "error")
		return nil, chunkErr
	}

	l.observeInference(infReq.Model, time.Since(start), "ok")
	completion.Text = text.String()
	return completion, nil
}

func (l *Loop) observeInference(model string, duration time.Duration, status string) {
	if l.metrics == nil {
		return
	}
	provider := l.provider.Name()
	l.metrics.InferenceRequestCounter.WithLabelValues(provider, model, status).Inc()
	l.metrics.InferenceRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

func (l *Loop) observeRun(ctx context.Context, result *RunResult, elapsed time.Duration) {
	if l.metrics != nil {
		l.metrics.RunOutcomeCounter.WithLabelValues(string(result.Outcome)).Inc()
		l.metrics.RunIterations.Observe(float64(result.Iterations))
	}
	l.logger.Info(ctx, "run finished",
		"outcome", string(result.Outcome),
		"iterations", result.Iterations,
		"tool_calls", result.ToolCalls,
		"elapsed", elapsed,
	)
}

// buildSystemContext concatenates the byte-stable cached prefix with
// the per-request dynamic suffix: retrieval collections, the caller's
// notes reloaded fresh, and attachment metadata.
func (l *Loop) buildSystemContext(ctx context.Context, prompt *PromptContext, req *Request) string {
	var b strings.Builder
	b.WriteString(prompt.Instructions)

	if len(req.Collections) > 0 {
		sorted := append([]string(nil), req.Collections...)
		sort.Strings(sorted)
		b.WriteString("\n\nRetrieval collections available to this caller: ")
		b.WriteString(strings.Join(sorted, ", "))
	}

	if l.notes != nil && req.User != "" {
		notes, err := l.notes.LoadNotes(ctx, req.User)
		if err != nil {
			l.logger.Warn(ctx, "note reload failed", "error", err)
		} else if len(notes) > 0 {
			keys := make([]string, 0, len(notes))
			for k := range notes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString("\n\nCaller notes:")
			for _, k := range keys {
				fmt.Fprintf(&b, "\n- %s: %s", k, notes[k])
			}
		}
	}

	for _, att := range req.Attachments {
		b.WriteString("\n\n")
		b.WriteString(describeAttachment(att))
	}

	return b.String()
}

func describeAttachment(att models.Attachment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Attached file %q (%s, %d bytes).", att.Name, att.Type, att.Size)
	if att.Error != "" {
		fmt.Fprintf(&b, " Metadata extraction failed: %s", att.Error)
		return b.String()
	}
	if len(att.Headers) > 0 {
		fmt.Fprintf(&b, " Columns: %s. Rows: %d.", strings.Join(att.Headers, ", "), att.Rows)
	}
	if att.Structure != "" {
		fmt.Fprintf(&b, " JSON %s", att.Structure)
		if len(att.Keys) > 0 {
			fmt.Fprintf(&b, " with keys: %s", strings.Join(att.Keys, ", "))
		}
		b.WriteString(".")
	}
	if att.Lines > 0 {
		fmt.Fprintf(&b, " %d lines.", att.Lines)
	}
	if len(att.Definitions) > 0 {
		fmt.Fprintf(&b, " Definitions: %s.", strings.Join(att.Definitions, ", "))
	}
	if att.Preview != "" {
		fmt.Fprintf(&b, " Preview: %s", att.Preview)
	}
	return b.String()
}

// assignCallIDs fills deterministic per-turn ordinals for calls the
// backend returned without ids, so tool results stay linkable.
func assignCallIDs(calls []models.ToolCall) []models.ToolCall {
	out := append([]models.ToolCall(nil), calls...)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = fmt.Sprintf("call_%d", i)
		}
	}
	return out
}

func toRequestMessages(transcript []models.Message) []inference.RequestMessage {
	msgs := make([]inference.RequestMessage, 0, len(transcript))
	for _, m := range transcript {
		rm := inference.RequestMessage{
			Role:      string(m.Role),
			Content:   m.Content,
			ToolCalls: m.ToolCalls,
		}
		if m.Role == models.RoleTool {
			rm.ToolResults = []models.ToolResult{{
				ToolCallID: m.ToolCallID,
				Name:       m.Name,
				Content:    m.Content,
			}}
			rm.Content = ""
		}
		msgs = append(msgs, rm)
	}
	return msgs
}

func autoTitle(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > 60 {
		line = line[:60]
	}
	return line
}
