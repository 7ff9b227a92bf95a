package api

import (
	"time"

	"github.com/google/uuid"
)

// Run states, exposed as integers over the API.
const (
	StateInitializing = 0
	StateRunning      = 1
	StateTerminating  = 2
	StateCompleted    = 3
)

// StatusText converts run states to an output-friendly format.
func StatusText(state int) string {
	switch state {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateTerminating:
		return "TERMINATING"
	case StateCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Run represents a single execution of a Plan. Each run tracks the state of
// the running plan, when it was created and started, and one RunningSet per
// container set.
type Run struct {
	UUID        string     `json:"uuid"`
	ProjectName string     `json:"project_name"`
	PlanName    string     `json:"plan_name"`
	State       int        `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Aborted     bool       `json:"aborted"`

	Sets []*RunningSet `json:"running_sets"`
}

// RunningSet links a Run to a ContainerSet, recording when this particular
// application of the set was created, started and completed.
type RunningSet struct {
	Set            *ContainerSet `json:"container_set"`
	CollectionUUID string        `json:"collection_uuid"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// NewRun creates a run in the INITIALIZING state with one running set per
// container set of the plan.
func NewRun(projectName string, plan *Plan, now time.Time) *Run {
	r := &Run{
		UUID:        uuid.NewString(),
		ProjectName: projectName,
		PlanName:    plan.Name,
		State:       StateInitializing,
		CreatedAt:   now,
	}
	for _, cs := range plan.ContainerSets {
		r.Sets = append(r.Sets, &RunningSet{
			Set:            cs,
			CollectionUUID: uuid.NewString(),
			CreatedAt:      now,
		})
	}
	return r
}

// MarkStarted records the run start. A started_at already set is never
// moved backwards.
func (r *Run) MarkStarted(now time.Time) {
	if r.StartedAt == nil {
		t := now
		r.StartedAt = &t
	}
	r.State = StateRunning
}

// MarkCompleted records the run completion.
func (r *Run) MarkCompleted(now time.Time) {
	if r.CompletedAt == nil {
		t := now
		r.CompletedAt = &t
	}
	r.State = StateCompleted
}

// Done reports whether every running set has completed.
func (r *Run) Done() bool {
	for _, rs := range r.Sets {
		if rs.CompletedAt == nil {
			return false
		}
	}
	return true
}

// ShouldStart indicates if this container set should be started: the run has
// started and the set's run_delay has elapsed.
func (rs *RunningSet) ShouldStart(runStarted time.Time, now time.Time) bool {
	return !now.Before(runStarted.Add(time.Duration(rs.Set.RunDelay) * time.Second))
}

// ShouldStop indicates if this running container set has exceeded its
// run_max_time.
func (rs *RunningSet) ShouldStop(now time.Time) bool {
	if rs.StartedAt == nil {
		return false
	}
	return !now.Before(rs.StartedAt.Add(time.Duration(rs.Set.RunMaxTime) * time.Second))
}

// MarkStarted records the set start; the timestamp only ever moves forward.
func (rs *RunningSet) MarkStarted(now time.Time) {
	if rs.StartedAt == nil {
		t := now
		rs.StartedAt = &t
	}
}

// MarkCompleted records the set completion. Once set it is never cleared.
func (rs *RunningSet) MarkCompleted(now time.Time) {
	if rs.CompletedAt == nil {
		t := now
		rs.CompletedAt = &t
	}
}
