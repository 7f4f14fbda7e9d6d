package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hoonlabs/agentd/internal/observability"
	"github.com/hoonlabs/agentd/pkg/models"
)

// ExecutorConfig bounds concurrent tool execution within one reply.
type ExecutorConfig struct {
	// MaxConcurrency limits parallel tool executions.
	// Default: 5
	MaxConcurrency int

	// Timeout is the per-call wall clock limit.
	// Default: 30s
	Timeout time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrency: 5,
		Timeout:        30 * time.Second,
	}
}

// Executor runs a batch of tool calls concurrently through the
// dispatcher. Results come back in issue order no matter which call
// finishes first, one failure never cancels its siblings, and a panic
// in a tool body becomes that call's failure result.
type Executor struct {
	dispatcher *Dispatcher
	config     ExecutorConfig
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	sem chan struct{}
}

// NewExecutor creates an executor over the dispatcher.
func NewExecutor(dispatcher *Dispatcher, config ExecutorConfig, metrics *observability.Metrics, tracer *observability.Tracer) *Executor {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Executor{
		dispatcher: dispatcher,
		config:     config,
		metrics:    metrics,
		tracer:     tracer,
		sem:        make(chan struct{}, config.MaxConcurrency),
	}
}

// Execution is one finished call with its timing.
type Execution struct {
	Call     models.ToolCall
	Result   models.ToolResult
	Duration time.Duration
}

// ExecuteAll runs every call and returns executions in issue order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall, caller Caller) []Execution {
	if len(calls) == 0 {
		return nil
	}

	results := make([]Execution, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			results[idx] = e.execute(ctx, tc, caller)
		}(i, call)
	}

	wg.Wait()
	return results
}

func (e *Executor) execute(ctx context.Context, call models.ToolCall, caller Caller) Execution {
	start := time.Now()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return Execution{
			Call:     call,
			Result:   failResult(call, "%s not started: %v", call.Name, ctx.Err()),
			Duration: time.Since(start),
		}
	}

	result := e.dispatchWithTimeout(ctx, call, caller)

	duration := time.Since(start)
	if e.metrics != nil {
		status := "ok"
		if result.IsError {
			status = "error"
		}
		e.metrics.ToolExecutionCounter.WithLabelValues(call.Name, status).Inc()
		e.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(duration.Seconds())
	}

	return Execution{Call: call, Result: result, Duration: duration}
}

func (e *Executor) dispatchWithTimeout(ctx context.Context, call models.ToolCall, caller Caller) models.ToolResult {
	if e.tracer != nil {
		tracedCtx, span := e.tracer.TraceToolExecution(ctx, call.Name)
		defer span.End()
		ctx = tracedCtx
	}

	execCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	resultCh := make(chan models.ToolResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- failResult(call, "%s panicked: %v\n%s", call.Name, r, debug.Stack())
			}
		}()
		resultCh <- e.dispatcher.Dispatch(execCtx, call, caller)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return failResult(call, "%s aborted: %v", call.Name, ctx.Err())
		}
		return failResult(call, "%s timed out after %s", call.Name, e.config.Timeout)
	}
}

func failResult(call models.ToolCall, format string, args ...any) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    fmt.Sprintf(format, args...),
		IsError:    true,
	}
}
