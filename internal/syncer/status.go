package syncer

import (
	"context"
	"fmt"
	"time"
)

// State is the engine's current activity.
type State string

const (
	StateIdle    State = "idle"
	StatePulling State = "pulling"
	StatePushing State = "pushing"
	StateBackoff State = "backoff"
)

// PhaseStatus is the health of one phase. Pull and push back off
// independently.
type PhaseStatus struct {
	LastRun             time.Time     `json:"last_run"`
	LastSuccess         time.Time     `json:"last_success"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CurrentBackoff      time.Duration `json:"current_backoff"`
	NextAttempt         time.Time     `json:"next_attempt"`
	LastError           string        `json:"last_error,omitempty"`
	Fatal               bool          `json:"fatal"`
}

func (p PhaseStatus) failing() bool { return p.ConsecutiveFailures > 0 }

// Status is a snapshot of the engine. The top-level health fields
// aggregate both phases: the worst failure count and backoff, the
// earliest next attempt, and Fatal when either phase hit a structural
// error.
type Status struct {
	State               State         `json:"state"`
	LastSuccess         time.Time     `json:"last_success"`
	LastPull            time.Time     `json:"last_pull"`
	LastPush            time.Time     `json:"last_push"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CurrentBackoff      time.Duration `json:"current_backoff"`
	NextAttempt         time.Time     `json:"next_attempt"`
	LastError           string        `json:"last_error,omitempty"`
	Fatal               bool          `json:"fatal"`
	Pending             int           `json:"pending"`
	Pushed              int           `json:"pushed"`
	Rejected            int           `json:"rejected"`
	Pull                PhaseStatus   `json:"pull"`
	Push                PhaseStatus   `json:"push"`
}

// aggregate recomputes the top-level health fields from the phases.
func (s *Status) aggregate() {
	s.LastPull = s.Pull.LastRun
	s.LastPush = s.Push.LastRun
	s.LastSuccess = later(s.Pull.LastSuccess, s.Push.LastSuccess)
	s.ConsecutiveFailures = max(s.Pull.ConsecutiveFailures, s.Push.ConsecutiveFailures)
	s.CurrentBackoff = max(s.Pull.CurrentBackoff, s.Push.CurrentBackoff)
	s.NextAttempt = earlier(s.Pull.NextAttempt, s.Push.NextAttempt)
	s.Fatal = s.Pull.Fatal || s.Push.Fatal

	switch {
	case s.Pull.failing() && s.Push.failing():
		s.LastError = "pull: " + s.Pull.LastError + "; push: " + s.Push.LastError
	case s.Pull.failing():
		s.LastError = s.Pull.LastError
	case s.Push.failing():
		s.LastError = s.Push.LastError
	default:
		s.LastError = ""
	}
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// earlier ignores zero times.
func earlier(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}

// Status returns the last recorded snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Report returns a snapshot with a fresh unsynced count.
func (e *Engine) Report(ctx context.Context) (Status, error) {
	pending, err := e.log.CountUnsynced(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("counting unsynced: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Pending = pending
	pendingRecords.Set(float64(pending))
	return e.status, nil
}
