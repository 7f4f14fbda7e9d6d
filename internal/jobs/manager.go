// Package jobs runs agent work asynchronously. A submitted job is
// persisted as pending, picked up by a goroutine that marks it running,
// and finishes in exactly one of completed, failed, or cancelled.
// Terminal jobs are kept for a retention window and then swept.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/hoonlabs/agentd/internal/config"
	"github.com/hoonlabs/agentd/internal/observability"
	"github.com/hoonlabs/agentd/internal/store"
	"github.com/hoonlabs/agentd/pkg/models"
)

// ErrJobTerminal is returned when cancelling a job that already finished.
var ErrJobTerminal = errors.New("jobs: job already in a terminal state")

// RunFunc executes the work for one job. It reports progress through the
// Recorder and returns the run's outcome. A non-nil error marks the job
// failed regardless of the outcome value.
type RunFunc func(ctx context.Context, rec *Recorder) (models.Outcome, error)

type handle struct {
	cancelled atomic.Bool
}

// Manager owns the job lifecycle: submission, execution, streaming,
// cancellation, and the retention sweep.
//
// Thread Safety:
// Manager is safe for concurrent use.
type Manager struct {
	store   store.JobStore
	config  config.JobsConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	cron    *cron.Cron

	mu      sync.Mutex
	handles map[string]*handle

	wg sync.WaitGroup
}

// NewManager creates a job manager. The retention sweep does not run
// until Start is called.
func NewManager(st store.JobStore, cfg config.JobsConfig, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 1h"
	}
	if cfg.StreamPollInterval <= 0 {
		cfg.StreamPollInterval = 200 * time.Millisecond
	}

	return &Manager{
		store:   st,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		cron:    cron.New(),
		handles: make(map[string]*handle),
	}
}

// Start schedules the retention sweep.
func (m *Manager) Start() error {
	if _, err := m.cron.AddFunc(m.config.SweepSchedule, m.sweep); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop halts the sweep and waits for in-flight jobs to finish.
func (m *Manager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.wg.Wait()
}

// Submit persists a pending job and starts executing it in the
// background. It returns immediately; the returned job is still pending.
func (m *Manager) Submit(ctx context.Context, sessionID, user string, run RunFunc) (*models.Job, error) {
	job := &models.Job{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		User:      user,
		State:     models.JobPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	m.countState(models.JobPending)

	h := &handle{}
	m.mu.Lock()
	m.handles[job.ID] = h
	m.mu.Unlock()

	m.wg.Add(1)
	go m.execute(job.ID, h, run)

	return job.Clone(), nil
}

// Status returns a snapshot of the job.
func (m *Manager) Status(ctx context.Context, id string) (*models.Job, error) {
	return m.store.GetJob(ctx, id)
}

// List returns jobs in submission order, newest first.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]*models.Job, error) {
	return m.store.ListJobs(ctx, limit, offset)
}

// Cancel requests cancellation. Pending and running jobs observe the
// flag at their next iteration boundary; already-terminal jobs return
// ErrJobTerminal. Cancel returning nil does not mean the job stopped
// yet, only that it will.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return ErrJobTerminal
	}

	m.mu.Lock()
	h := m.handles[id]
	m.mu.Unlock()

	if h != nil {
		h.cancelled.Store(true)
		return nil
	}

	// No live handle, e.g. a job orphaned by a restart. Finalize directly.
	return m.finalizeCancel(ctx, id)
}

// finalizeCancel moves a job without a live handle to cancelled. The
// terminal re-check happens inside update, under the write lock, so a
// job that finished after the caller's last look still gets
// ErrJobTerminal instead of a phantom transition.
func (m *Manager) finalizeCancel(ctx context.Context, id string) error {
	_, err := m.update(ctx, id, func(j *models.Job) error {
		if j.State.Terminal() {
			return ErrJobTerminal
		}
		now := time.Now().UTC()
		j.State = models.JobCancelled
		j.Outcome = models.OutcomeCancelled
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	m.countState(models.JobCancelled)
	return nil
}

// StreamEvent is one update on a job's event stream. Exactly one of the
// fields is set; Done carries the final job snapshot.
type StreamEvent struct {
	Text string
	Tool *models.ToolEvent
	Done *models.Job
}

// Stream follows a job's output by polling the store. The channel
// replays chunks already produced, then tails new ones, and closes
// after the terminal snapshot is delivered or ctx is cancelled.
func (m *Manager) Stream(ctx context.Context, id string) (<-chan StreamEvent, error) {
	if _, err := m.store.GetJob(ctx, id); err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)

		ticker := time.NewTicker(m.config.StreamPollInterval)
		defer ticker.Stop()

		sentChunks := 0
		sentEvents := 0

		for {
			job, err := m.store.GetJob(ctx, id)
			if err != nil {
				return
			}

			for _, chunk := range job.OutputChunks[sentChunks:] {
				select {
				case out <- StreamEvent{Text: chunk}:
				case <-ctx.Done():
					return
				}
			}
			sentChunks = len(job.OutputChunks)

			for i := sentEvents; i < len(job.ToolEvents); i++ {
				ev := job.ToolEvents[i]
				select {
				case out <- StreamEvent{Tool: &ev}:
				case <-ctx.Done():
					return
				}
			}
			sentEvents = len(job.ToolEvents)

			if job.State.Terminal() {
				select {
				case out <- StreamEvent{Done: job}:
				case <-ctx.Done():
				}
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (m *Manager) execute(id string, h *handle, run RunFunc) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.handles, id)
		m.mu.Unlock()
	}()

	ctx := observability.AddJobID(context.Background(), id)

	_, err := m.update(ctx, id, func(j *models.Job) error {
		now := time.Now().UTC()
		j.State = models.JobRunning
		j.StartedAt = &now
		return nil
	})
	if err != nil {
		m.logger.Error(ctx, "job start transition failed", "error", err)
		return
	}
	m.countState(models.JobRunning)
	if m.metrics != nil {
		m.metrics.ActiveJobs.Inc()
		defer m.metrics.ActiveJobs.Dec()
	}

	rec := &Recorder{mgr: m, id: id, handle: h, ctx: ctx}

	outcome, runErr := m.runSafely(ctx, rec, run)

	state := models.JobCompleted
	errText := ""
	switch {
	case runErr != nil:
		state = models.JobFailed
		outcome = models.OutcomeFailed
		errText = runErr.Error()
	case outcome == models.OutcomeCancelled:
		state = models.JobCancelled
	case outcome == models.OutcomeFailed:
		state = models.JobFailed
	}

	_, err = m.update(ctx, id, func(j *models.Job) error {
		now := time.Now().UTC()
		j.State = state
		j.Outcome = outcome
		j.Error = errText
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		m.logger.Error(ctx, "job finish transition failed", "error", err)
		return
	}
	m.countState(state)

	m.logger.Info(ctx, "job finished",
		"state", string(state),
		"outcome", string(outcome),
	)
}

func (m *Manager) runSafely(ctx context.Context, rec *Recorder, run RunFunc) (outcome models.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return run(ctx, rec)
}

// update serializes job writes so progress appends and state
// transitions never clobber each other.
func (m *Manager) update(ctx context.Context, id string, fn func(*models.Job) error) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (m *Manager) countState(state models.JobState) {
	if m.metrics != nil {
		m.metrics.JobStateCounter.WithLabelValues(string(state)).Inc()
	}
}

func (m *Manager) sweep() {
	ctx := context.Background()

	pruned, err := m.store.PruneJobs(ctx, m.config.Retention)
	if err != nil {
		m.logger.Error(ctx, "job retention sweep failed", "error", err)
		return
	}
	if pruned > 0 {
		m.logger.Info(ctx, "job retention sweep", "pruned", pruned, "retention", m.config.Retention)
	}
}

// Recorder is handed to a job's RunFunc to report progress and observe
// cancellation.
type Recorder struct {
	mgr    *Manager
	id     string
	handle *handle
	ctx    context.Context
}

// JobID returns the id of the job being recorded.
func (r *Recorder) JobID() string { return r.id }

// Cancelled reports whether Cancel has been called for this job. Run
// functions check it at iteration boundaries.
func (r *Recorder) Cancelled() bool {
	return r.handle.cancelled.Load()
}

// Text appends an output chunk to the job.
func (r *Recorder) Text(chunk string) {
	if chunk == "" {
		return
	}
	if _, err := r.mgr.update(r.ctx, r.id, func(j *models.Job) error {
		j.OutputChunks = append(j.OutputChunks, chunk)
		return nil
	}); err != nil {
		r.mgr.logger.Error(r.ctx, "job chunk append failed", "error", err)
	}
}

// Tool records a tool lifecycle event on the job.
func (r *Recorder) Tool(ev models.ToolEvent) {
	if _, err := r.mgr.update(r.ctx, r.id, func(j *models.Job) error {
		j.ToolEvents = append(j.ToolEvents, ev)
		return nil
	}); err != nil {
		r.mgr.logger.Error(r.ctx, "job tool event append failed", "error", err)
	}
}
