package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrTaskNotFound   = errors.New("task not found")
	ErrPromptNotFound = errors.New("prompt not found")
	ErrMalformed      = errors.New("malformed ledger")
	ErrIO             = errors.New("ledger storage failure")
	ErrLockTimeout    = errors.New("timed out waiting for project lock")
	ErrArchived       = errors.New("project is archived")
	ErrNotArchived    = errors.New("project is not archived")
	ErrExists         = errors.New("already exists")
	ErrInvalidName    = errors.New("invalid name")
	ErrInvalidReason  = errors.New("invalid block reason")
	ErrInvalidStatus  = errors.New("invalid task status")
	ErrInvalidTask    = errors.New("invalid task")
)

// MalformedError reports a ledger document that does not follow the grammar.
// Line is 1-based.
type MalformedError struct {
	Project string
	Path    string
	Line    int
	Reason  string
}

func (e *MalformedError) Error() string {
	where := e.Path
	if where == "" {
		where = e.Project
	}
	if where == "" {
		return fmt.Sprintf("malformed ledger at line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("malformed ledger %s:%d: %s", where, e.Line, e.Reason)
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

// IOError wraps a storage failure. Callers may retry once.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}
