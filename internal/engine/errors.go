package engine

import (
	"errors"

	"clavix/internal/ledger"
)

// Errors shared with the ledger store keep their identity so callers can
// match either name.
var (
	ErrNotFound       = ledger.ErrNotFound
	ErrTaskNotFound   = ledger.ErrTaskNotFound
	ErrPromptNotFound = ledger.ErrPromptNotFound
	ErrArchived       = ledger.ErrArchived
	ErrNotArchived    = ledger.ErrNotArchived
	ErrExists         = ledger.ErrExists
	ErrInvalidReason  = ledger.ErrInvalidReason
	ErrInvalidTask    = ledger.ErrInvalidTask
)

var (
	ErrAlreadyDone     = errors.New("task already done")
	ErrNotCurrent      = errors.New("task is not the current task")
	ErrTaskBlocked     = errors.New("task is blocked")
	ErrEmptyReason     = errors.New("block reason is empty")
	ErrNotBlocked      = errors.New("task is not blocked")
	ErrNotComplete     = errors.New("project has unfinished tasks")
	ErrNoTaskList      = errors.New("project has no task list")
	ErrAlreadyExecuted = errors.New("prompt already executed")
	ErrJournal         = errors.New("journal write failed")
)
