package session

import (
	"context"
	"errors"
	"time"

	"github.com/tracecat/simlab/internal/compiler"
)

var (
	ErrEmptyPlan          = errors.New("plan is empty")
	ErrNoScenarioSelected = errors.New("no scenario selected")
	ErrResetWhileRunning  = errors.New("cannot reset the feed while a session is running")
	ErrNoSessionID        = errors.New("session id is empty")
)

// State is the lifecycle state of a Manager.
type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session identifies one run.
type Session struct {
	ID         string
	ScenarioID string
	Plan       compiler.Plan
	State      State
}

// Tunables are optional engine limits sent with the initiation message. Zero
// values are omitted and the engine applies its own defaults.
type Tunables struct {
	Timeout    int
	MaxTasks   int
	MaxActions int
}

// initiation is the single outbound message of a run.
type initiation struct {
	UUID         string   `json:"uuid"`
	ScenarioID   string   `json:"scenario_id"`
	TechniqueIDs []string `json:"technique_ids"`
	Timeout      int      `json:"timeout,omitempty"`
	MaxTasks     int      `json:"max_tasks,omitempty"`
	MaxActions   int      `json:"max_actions,omitempty"`
}

// Teardowner releases the engine resources behind a session.
type Teardowner interface {
	Teardown(ctx context.Context, sessionID string) error
}

// TeardownFunc adapts a function to Teardowner.
type TeardownFunc func(ctx context.Context, sessionID string) error

func (f TeardownFunc) Teardown(ctx context.Context, sessionID string) error {
	return f(ctx, sessionID)
}

// Marker holds presentation state derived from a run, such as the nodes
// highlighted while it executes.
type Marker interface {
	ClearActive()
}

// Recorder receives counters about the run. *metrics.Registry satisfies it.
type Recorder interface {
	RecordSessionStarted(planLen int)
	RecordSessionStopped()
	RecordEvent(tag string)
	RecordSchemaViolation()
	RecordTeardown(err error, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordSessionStarted(int)            {}
func (nopRecorder) RecordSessionStopped()               {}
func (nopRecorder) RecordEvent(string)                  {}
func (nopRecorder) RecordSchemaViolation()              {}
func (nopRecorder) RecordTeardown(error, time.Duration) {}
