package agent

import "sync/atomic"

// StopCheck reports whether a run should halt at its next iteration
// boundary. Components that only need to observe the kill switch get a
// StopCheck, never the signal itself.
type StopCheck func() bool

// StopSignal is the process-wide kill switch. Raising it does not
// interrupt in-flight tool executions; runs observe it between
// iterations and finish with a cancelled outcome.
//
// Thread Safety:
// StopSignal is safe for concurrent use.
type StopSignal struct {
	stopped atomic.Bool
}

// NewStopSignal returns a lowered stop signal.
func NewStopSignal() *StopSignal {
	return &StopSignal{}
}

// Raise sets the signal. Idempotent.
func (s *StopSignal) Raise() {
	s.stopped.Store(true)
}

// Clear lowers the signal so new runs may proceed.
func (s *StopSignal) Clear() {
	s.stopped.Store(false)
}

// Stopped reports the current state.
func (s *StopSignal) Stopped() bool {
	return s.stopped.Load()
}

// Check returns a read-only view of the signal for injection into runs.
func (s *StopSignal) Check() StopCheck {
	return s.stopped.Load
}
