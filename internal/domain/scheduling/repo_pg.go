package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hospital/patientflow/internal/platform/db"
)

// =========== Exam Repository ===========

type examRepoPG struct{ pool *pgxpool.Pool }

func NewExamRepoPG(pool *pgxpool.Pool) ExamRepository { return &examRepoPG{pool: pool} }

func (r *examRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const examCols = `id, name, location_tag, average_duration_minutes, created_at`

func (r *examRepoPG) scanExam(row pgx.Row) (*Exam, error) {
	var e Exam
	var location *string
	if err := row.Scan(&e.ID, &e.Name, &location, &e.AverageDurationMinutes, &e.CreatedAt); err != nil {
		return nil, db.Classify(err)
	}
	if location != nil {
		e.LocationTag = *location
	}
	return &e, nil
}

func (r *examRepoPG) Create(ctx context.Context, e *Exam) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var location *string
	if e.LocationTag != "" {
		location = &e.LocationTag
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO exams (id, name, location_tag, average_duration_minutes, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		e.ID, e.Name, location, e.AverageDurationMinutes, e.CreatedAt)
	return db.Classify(err)
}

func (r *examRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Exam, error) {
	return r.scanExam(r.conn(ctx).QueryRow(ctx, `SELECT `+examCols+` FROM exams WHERE id = $1`, id))
}

func (r *examRepoPG) List(ctx context.Context, limit, offset int) ([]*Exam, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM exams`).Scan(&total); err != nil {
		return nil, 0, db.Classify(err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+examCols+` FROM exams ORDER BY name ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, db.Classify(err)
	}
	defer rows.Close()
	var items []*Exam
	for rows.Next() {
		e, err := r.scanExam(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, db.Classify(rows.Err())
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const apptCols = `id, patient_id, exam_id, scheduled_at, status, completed_at, created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	if err := row.Scan(&a.ID, &a.PatientID, &a.ExamID, &a.ScheduledAt, &status, &a.CompletedAt,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, db.Classify(err)
	}
	a.Status = AppointmentStatus(status)
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointments (id, patient_id, exam_id, scheduled_at, status, completed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.PatientID, a.ExamID, a.ScheduledAt, string(a.Status), a.CompletedAt, a.CreatedAt, a.UpdatedAt)
	return db.Classify(err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) SetStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus, completedAt *time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET status = $2, completed_at = COALESCE($3, completed_at), updated_at = NOW()
		WHERE id = $1`, id, string(status), completedAt)
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: appointment %s", db.ErrNotFound, id)
	}
	return nil
}

func (r *appointmentRepoPG) ListForPatientBetween(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE patient_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
		ORDER BY scheduled_at ASC, created_at ASC`, patientID, from, to)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, db.Classify(rows.Err())
}
