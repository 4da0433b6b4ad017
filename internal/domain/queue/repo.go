package queue

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists queue entries and their status ledger. Mutating calls
// are expected to run inside a db.TxManager transaction.
type Repository interface {
	// Create inserts e, assigning an id when unset. It fails with
	// ErrDuplicateActiveEntry when the patient already holds an active entry
	// for the exam.
	Create(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	// Update writes e if the stored version still equals expectedVersion and
	// bumps e.Version. A stale version fails with db.ErrConflict.
	Update(ctx context.Context, e *Entry, expectedVersion int) error
	// UpdateEstimate refreshes the derived wait estimate without a version bump.
	UpdateEstimate(ctx context.Context, id uuid.UUID, minutes int) error
	ListActiveByExam(ctx context.Context, examID uuid.UUID) ([]*Entry, error)
	ListActiveByPatient(ctx context.Context, patientID uuid.UUID) ([]*Entry, error)
	FindActive(ctx context.Context, patientID, examID uuid.UUID) (*Entry, error)
	// LockExam serializes mutation of one exam's queue until the surrounding
	// transaction ends.
	LockExam(ctx context.Context, examID uuid.UUID) error

	AppendRecord(ctx context.Context, r *StatusRecord) error
	ListRecords(ctx context.Context, entryID uuid.UUID, limit, offset int) ([]*StatusRecord, int, error)
}
