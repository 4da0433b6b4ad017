package queue

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrIllegalTransition is returned when the requested target state is not
	// reachable from the entry's current state.
	ErrIllegalTransition = errors.New("illegal queue transition")

	// ErrDuplicateActiveEntry is returned when the patient already holds a
	// non-terminal entry for the exam.
	ErrDuplicateActiveEntry = errors.New("duplicate active queue entry")

	// ErrNoActiveEntry is returned when a patient has no non-terminal entry.
	ErrNoActiveEntry = errors.New("no active queue entry")

	// ErrInvalidRequest wraps malformed input: unknown statuses or
	// priorities and missing identifiers.
	ErrInvalidRequest = errors.New("invalid queue request")
)

var legalTransitions = map[Status][]Status{
	StatusWaiting:    {StatusCalled, StatusCancelled},
	StatusCalled:     {StatusInProgress, StatusCancelled, StatusWaiting},
	StatusInProgress: {StatusCompleted},
}

// CanTransition reports whether from -> to is in the legal table.
func CanTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError carries the rejected transition and unwraps to
// ErrIllegalTransition.
type TransitionError struct {
	EntryID uuid.UUID
	From    Status
	To      Status
	Op      string
}

func (e *TransitionError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s not allowed while %s (entry %s)", ErrIllegalTransition, e.Op, e.From, e.EntryID)
	}
	return fmt.Sprintf("%s: %s -> %s (entry %s)", ErrIllegalTransition, e.From, e.To, e.EntryID)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }
