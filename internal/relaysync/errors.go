package relaysync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
	ErrAuthRequired     = errors.New("auth required")
	ErrUnknownNamespace = errors.New("unknown namespace")
	ErrSequenceGap      = errors.New("mutation sequence gap")
	ErrCollaborator     = errors.New("collaborator failure")
	ErrClosed           = errors.New("closed")
)

// SequenceGapError reports a push whose sequence ID skips past the next
// expected value for a client. The client must resync before pushing again.
type SequenceGapError struct {
	ClientID    string
	LastApplied uint64
	Got         uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("mutation sequence gap for client %s: last applied %d, got %d", e.ClientID, e.LastApplied, e.Got)
}

func (e *SequenceGapError) Is(target error) bool {
	return target == ErrSequenceGap
}

type CollaboratorError struct {
	Namespace string
	Op        string
	Err       error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Namespace, e.Op, e.Err)
}

func (e *CollaboratorError) Is(target error) bool {
	return target == ErrCollaborator
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
