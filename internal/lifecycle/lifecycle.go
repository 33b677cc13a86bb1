// Package lifecycle classifies a project's workflow state from the artifacts
// that exist on disk. Classification is a pure function of what can be
// observed now, so it is repeatable after an interruption at any point.
package lifecycle

import (
	"clavix/internal/domain"
)

// Observation is everything the classifier is allowed to look at.
type Observation struct {
	Archived        bool
	Requirements    bool
	TaskList        bool
	ImplementConfig bool
	Counts          domain.TaskCounts
}

// Classify maps an observation to a lifecycle state.
//
// An archived project is Archived regardless of its artifacts. A task list
// holding no tasks at all never counts as complete.
func Classify(o Observation) domain.State {
	if o.Archived {
		return domain.StateArchived
	}
	return classifyActive(o)
}

// Restored returns the state an archived project will have once restored.
func Restored(o Observation) domain.State {
	return classifyActive(o)
}

func classifyActive(o Observation) domain.State {
	switch {
	case !o.Requirements && !o.TaskList:
		return domain.StateNoProject
	case !o.TaskList:
		return domain.StateRequirementsExist
	case o.Counts.Done == 0 && o.Counts.Blocked == 0 && !o.ImplementConfig:
		return domain.StateTasksExist
	case o.Counts.Total == 0:
		return domain.StateTasksExist
	case o.Counts.Remaining() > 0:
		return domain.StateImplementing
	default:
		return domain.StateAllComplete
	}
}

// Transition is one edge of the project state machine.
type Transition struct {
	From  domain.State
	To    domain.State
	Cause string
}

// Transitions lists the edges a project moves through during normal work.
var Transitions = []Transition{
	{domain.StateNoProject, domain.StateRequirementsExist, "requirements written"},
	{domain.StateRequirementsExist, domain.StateTasksExist, "task list written"},
	{domain.StateTasksExist, domain.StateImplementing, "first status change"},
	{domain.StateImplementing, domain.StateAllComplete, "all tasks done"},
	{domain.StateImplementing, domain.StateImplementing, "task list extended"},
	{domain.StateAllComplete, domain.StateImplementing, "task list extended"},
	{domain.StateAllComplete, domain.StateArchived, "archived"},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Leaving Archived is always allowed, since restore recomputes the state.
// Staying in the same state is not a transition and is always allowed.
func CanTransition(from, to domain.State) bool {
	if from == to || from == domain.StateArchived {
		return true
	}
	for _, t := range Transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Progresses reports whether work can be picked up in state s.
func Progresses(s domain.State) bool {
	switch s {
	case domain.StateTasksExist, domain.StateImplementing, domain.StateAllComplete:
		return true
	}
	return false
}
