package stepper

import (
	"context"
	"fmt"
	"time"
)

const (
	stateKeyPrefix     = "stepper:"
	wakeKeyPrefix      = "step:"
	keepaliveKeyPrefix = "keepalive:"
)

type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventStopped   EventKind = "stopped"
	EventFailed    EventKind = "failed"
)

// Event is emitted once per run when it reaches a terminal state.
type Event struct {
	Kind      EventKind `json:"kind"`
	JobID     string    `json:"job_id"`
	Handle    string    `json:"handle"`
	Reason    string    `json:"reason,omitempty"`
	Steps     int       `json:"steps"`
	Succeeded int       `json:"succeeded"`
}

// State is the persisted progress of one run, keyed by its handle. Once the
// run ends it stays behind as the last known status until the handle is
// released.
type State struct {
	Handle       string    `json:"handle"`
	JobID        string    `json:"job_id"`
	Title        string    `json:"title,omitempty"`
	IsRunning    bool      `json:"is_running"`
	ShouldStop   bool      `json:"should_stop"`
	InFlight     bool      `json:"in_flight"`
	CurrentStep  int       `json:"current_step"`
	TotalSteps   int       `json:"total_steps"`
	DelaySeconds int       `json:"delay_seconds"`
	StartTime    time.Time `json:"start_time"`

	Succeeded         int        `json:"succeeded"`
	Errors            int        `json:"errors"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastError         string     `json:"last_error,omitempty"`
	NextStepAt        *time.Time `json:"next_step_at,omitempty"`
	KeepaliveAt       *time.Time `json:"keepalive_at,omitempty"`
	Status            string     `json:"status"`
	LastPercent       int        `json:"last_percent"`
	Final             *Event     `json:"final,omitempty"`
}

func (s *State) percent() int {
	if s.TotalSteps <= 0 {
		return 0
	}
	p := s.CurrentStep * 100 / s.TotalSteps
	if p > 100 {
		p = 100
	}

	return p
}

// Snapshot is the read-only view handed to status callers.
type Snapshot struct {
	Running  bool   `json:"running"`
	Progress string `json:"progress"`
	Percent  int    `json:"percent"`
	Status   string `json:"status"`
}

// Progress is pushed to subscribers after every step.
type Progress struct {
	Handle      string
	JobID       string
	Title       string
	CurrentStep int
	TotalSteps  int
	Succeeded   int
	Running     bool
}

func (s *Stepper) Load(ctx context.Context, handle string) (*State, bool, error) {
	var st State
	ok, err := s.store.Load(ctx, stateKeyPrefix+handle, &st)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load stepper state %s: %w", handle, err)
	}
	if !ok {
		return nil, false, nil
	}

	return &st, true, nil
}

func (s *Stepper) save(ctx context.Context, st *State) error {
	if err := s.store.Save(ctx, stateKeyPrefix+st.Handle, st); err != nil {
		return fmt.Errorf("failed to save stepper state %s: %w", st.Handle, err)
	}

	return nil
}
