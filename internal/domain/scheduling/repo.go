package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ExamRepository interface {
	Create(ctx context.Context, e *Exam) error
	GetByID(ctx context.Context, id uuid.UUID) (*Exam, error)
	List(ctx context.Context, limit, offset int) ([]*Exam, int, error)
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// SetStatus writes status and completedAt. Missing ids fail with db.ErrNotFound.
	SetStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus, completedAt *time.Time) error
	// ListForPatientBetween returns the patient's appointments scheduled in
	// [from, to), earliest first.
	ListForPatientBetween(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*Appointment, error)
}
