package journey

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists journey states and the transition ledger.
type Repository interface {
	// Get fails with db.ErrNotFound for a patient never seen before.
	Get(ctx context.Context, patientID uuid.UUID) (*State, error)
	// Create inserts st at version 1. A concurrent first write for the same
	// patient fails with db.ErrConflict.
	Create(ctx context.Context, st *State) error
	// Update writes st only if the stored row is still at expectedVersion
	// and expectedStage, then bumps st.Version. Otherwise db.ErrConflict.
	Update(ctx context.Context, st *State, expectedVersion int, expectedStage Stage) error

	AppendTransition(ctx context.Context, rec *TransitionRecord) error
	ListTransitions(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*TransitionRecord, int, error)
}
