package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"clavix/internal/domain"
)

func counts(done, pending, blocked int) domain.TaskCounts {
	return domain.TaskCounts{Total: done + pending + blocked, Done: done, Pending: pending, Blocked: blocked}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		obs  Observation
		want domain.State
	}{
		{"empty", Observation{}, domain.StateNoProject},
		{"config only", Observation{ImplementConfig: true}, domain.StateNoProject},
		{"requirements only", Observation{Requirements: true}, domain.StateRequirementsExist},
		{"fresh tasks", Observation{Requirements: true, TaskList: true, Counts: counts(0, 4, 0)}, domain.StateTasksExist},
		{"tasks without requirements", Observation{TaskList: true, Counts: counts(0, 2, 0)}, domain.StateTasksExist},
		{"started but nothing done", Observation{Requirements: true, TaskList: true, ImplementConfig: true, Counts: counts(0, 4, 0)}, domain.StateImplementing},
		{"one done", Observation{Requirements: true, TaskList: true, Counts: counts(1, 3, 0)}, domain.StateImplementing},
		{"one blocked", Observation{Requirements: true, TaskList: true, Counts: counts(0, 3, 1)}, domain.StateImplementing},
		{"only blocked left", Observation{Requirements: true, TaskList: true, ImplementConfig: true, Counts: counts(3, 0, 1)}, domain.StateImplementing},
		{"all done", Observation{Requirements: true, TaskList: true, ImplementConfig: true, Counts: counts(4, 0, 0)}, domain.StateAllComplete},
		{"all done without config", Observation{Requirements: true, TaskList: true, Counts: counts(4, 0, 0)}, domain.StateAllComplete},
		{"empty list with config", Observation{TaskList: true, ImplementConfig: true}, domain.StateTasksExist},
		{"archived complete", Observation{Archived: true, Requirements: true, TaskList: true, Counts: counts(4, 0, 0)}, domain.StateArchived},
		{"archived anything", Observation{Archived: true}, domain.StateArchived},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.obs))
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	obs := Observation{Requirements: true, TaskList: true, Counts: counts(2, 2, 0)}
	first := Classify(obs)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(obs))
	}
}

func TestRestoredIgnoresArchiveFlag(t *testing.T) {
	obs := Observation{Archived: true, Requirements: true, TaskList: true, ImplementConfig: true, Counts: counts(4, 0, 0)}
	assert.Equal(t, domain.StateAllComplete, Restored(obs))

	obs.Archived = false
	assert.Equal(t, Classify(obs), Restored(obs))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(domain.StateNoProject, domain.StateRequirementsExist))
	assert.True(t, CanTransition(domain.StateTasksExist, domain.StateImplementing))
	assert.True(t, CanTransition(domain.StateImplementing, domain.StateImplementing))
	assert.True(t, CanTransition(domain.StateAllComplete, domain.StateArchived))
	assert.True(t, CanTransition(domain.StateArchived, domain.StateAllComplete))
	assert.False(t, CanTransition(domain.StateTasksExist, domain.StateArchived))
	assert.False(t, CanTransition(domain.StateImplementing, domain.StateNoProject))
}

func TestProgresses(t *testing.T) {
	assert.False(t, Progresses(domain.StateNoProject))
	assert.False(t, Progresses(domain.StateRequirementsExist))
	assert.True(t, Progresses(domain.StateTasksExist))
	assert.True(t, Progresses(domain.StateImplementing))
	assert.False(t, Progresses(domain.StateArchived))
}
