// Package models provides the persisted entities of the trading pipeline and
// the shared status lifecycle they all follow.
package models

import "fmt"

// Status represents the lifecycle state of a run, execution, detail or task.
type Status string

const (
	// StatusQueued is the initial state; only the API façade creates rows, and
	// it creates them queued.
	StatusQueued Status = "queued"
	// StatusRunning means a worker loop has claimed the row.
	StatusRunning Status = "running"
	// StatusCompleted is terminal success.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal failure.
	StatusFailed Status = "failed"
)

// StatusTransition defines one edge of the lifecycle state machine.
type StatusTransition struct {
	From      Status
	To        Status
	Condition string
}

// ValidStatusTransitions is the full lifecycle:
//
//	queued ──► running ──► completed
//	   │          │
//	   └──────────┴──► failed
//
// Only the worker loops and the watchdog move rows along these edges.
var ValidStatusTransitions = []StatusTransition{
	{StatusQueued, StatusRunning, "claimed by worker"},
	{StatusRunning, StatusCompleted, "work finished"},
	{StatusRunning, StatusFailed, "work errored or reclaimed by watchdog"},
	{StatusQueued, StatusFailed, "reclaimed by watchdog before pickup"},
}

// Valid reports whether s is one of the four defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a defined edge.
func (s Status) CanTransition(next Status) bool {
	for _, t := range ValidStatusTransitions {
		if t.From == s && t.To == next {
			return true
		}
	}
	return false
}

// CheckTransition returns a descriptive error when the edge is not defined.
func (s Status) CheckTransition(next Status) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("invalid status transition from %s to %s", s, next)
	}
	return nil
}
