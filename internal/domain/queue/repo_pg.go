package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hospital/patientflow/internal/platform/db"
)

const activeEntryIndex = "uq_queue_entries_active_patient_exam"

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const entryCols = `id, exam_id, patient_id, appointment_id, status, queue_number, priority,
	estimated_wait_minutes, called_at, version, created_at, updated_at`

func (r *repoPG) scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var status, priority string
	err := row.Scan(&e.ID, &e.ExamID, &e.PatientID, &e.AppointmentID, &status, &e.QueueNumber, &priority,
		&e.EstimatedWaitMinutes, &e.CalledAt, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, db.Classify(err)
	}
	e.Status = Status(status)
	e.Priority = Priority(priority)
	return &e, nil
}

func (r *repoPG) scanEntries(rows pgx.Rows) ([]*Entry, error) {
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, db.Classify(rows.Err())
}

func (r *repoPG) Create(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO queue_entries (id, exam_id, patient_id, appointment_id, status, queue_number, priority,
			estimated_wait_minutes, called_at, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.ExamID, e.PatientID, e.AppointmentID, string(e.Status), e.QueueNumber, string(e.Priority),
		e.EstimatedWaitMinutes, e.CalledAt, e.Version, e.CreatedAt, e.UpdatedAt)
	if db.IsUniqueViolation(err, activeEntryIndex) {
		return fmt.Errorf("%w: patient %s exam %s", ErrDuplicateActiveEntry, e.PatientID, e.ExamID)
	}
	return db.Classify(err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return r.scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entries WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, e *Entry, expectedVersion int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE queue_entries SET status=$3, queue_number=$4, priority=$5, estimated_wait_minutes=$6,
			called_at=$7, updated_at=$8, version=version+1
		WHERE id = $1 AND version = $2`,
		e.ID, expectedVersion, string(e.Status), e.QueueNumber, string(e.Priority), e.EstimatedWaitMinutes,
		e.CalledAt, e.UpdatedAt)
	if db.IsUniqueViolation(err, activeEntryIndex) {
		return fmt.Errorf("%w: patient %s exam %s", ErrDuplicateActiveEntry, e.PatientID, e.ExamID)
	}
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: queue entry %s is no longer at version %d", db.ErrConflict, e.ID, expectedVersion)
	}
	e.Version = expectedVersion + 1
	return nil
}

func (r *repoPG) UpdateEstimate(ctx context.Context, id uuid.UUID, minutes int) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE queue_entries SET estimated_wait_minutes = $2 WHERE id = $1`, id, minutes)
	return db.Classify(err)
}

func (r *repoPG) ListActiveByExam(ctx context.Context, examID uuid.UUID) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM queue_entries
		WHERE exam_id = $1 AND status IN ('WAITING', 'CALLED', 'IN_PROGRESS')
		ORDER BY queue_number ASC, created_at ASC`, examID)
	if err != nil {
		return nil, db.Classify(err)
	}
	return r.scanEntries(rows)
}

func (r *repoPG) ListActiveByPatient(ctx context.Context, patientID uuid.UUID) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM queue_entries
		WHERE patient_id = $1 AND status IN ('WAITING', 'CALLED', 'IN_PROGRESS')
		ORDER BY created_at ASC`, patientID)
	if err != nil {
		return nil, db.Classify(err)
	}
	return r.scanEntries(rows)
}

func (r *repoPG) FindActive(ctx context.Context, patientID, examID uuid.UUID) (*Entry, error) {
	return r.scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entries
		WHERE patient_id = $1 AND exam_id = $2 AND status IN ('WAITING', 'CALLED', 'IN_PROGRESS')`,
		patientID, examID))
}

// LockExam takes a transaction-scoped advisory lock keyed on the exam id.
// Waiting longer than the transaction's lock_timeout surfaces as db.ErrConflict.
func (r *repoPG) LockExam(ctx context.Context, examID uuid.UUID) error {
	if !db.InTx(ctx) {
		return fmt.Errorf("lock exam %s: no transaction in context", examID)
	}
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, examID.String())
	return db.Classify(err)
}

const recordCols = `seq, id, entry_id, exam_id, patient_id, previous_status, new_status, previous_number,
	new_number, actor, reason, position_snapshot, estimated_wait_snapshot, metadata, created_at`

func (r *repoPG) AppendRecord(ctx context.Context, rec *StatusRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	var prevStatus *string
	if rec.PreviousStatus != nil {
		s := string(*rec.PreviousStatus)
		prevStatus = &s
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO queue_status_records (id, entry_id, exam_id, patient_id, previous_status, new_status,
			previous_number, new_number, actor, reason, position_snapshot, estimated_wait_snapshot, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING seq`,
		rec.ID, rec.EntryID, rec.ExamID, rec.PatientID, prevStatus, string(rec.NewStatus),
		rec.PreviousNumber, rec.NewNumber, rec.Actor, rec.Reason, rec.PositionSnapshot,
		rec.EstimatedWaitSnapshot, meta, rec.CreatedAt).Scan(&rec.Seq)
	return db.Classify(err)
}

func (r *repoPG) ListRecords(ctx context.Context, entryID uuid.UUID, limit, offset int) ([]*StatusRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM queue_status_records WHERE entry_id = $1`, entryID).Scan(&total); err != nil {
		return nil, 0, db.Classify(err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recordCols+` FROM queue_status_records
		WHERE entry_id = $1 ORDER BY seq ASC LIMIT NULLIF($2::int, 0) OFFSET $3`, entryID, limit, offset)
	if err != nil {
		return nil, 0, db.Classify(err)
	}
	defer rows.Close()
	var items []*StatusRecord
	for rows.Next() {
		var rec StatusRecord
		var prevStatus *string
		var newStatus string
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.EntryID, &rec.ExamID, &rec.PatientID, &prevStatus, &newStatus,
			&rec.PreviousNumber, &rec.NewNumber, &rec.Actor, &rec.Reason, &rec.PositionSnapshot,
			&rec.EstimatedWaitSnapshot, &rec.Metadata, &rec.CreatedAt); err != nil {
			return nil, 0, db.Classify(err)
		}
		if prevStatus != nil {
			s := Status(*prevStatus)
			rec.PreviousStatus = &s
		}
		rec.NewStatus = Status(newStatus)
		items = append(items, &rec)
	}
	return items, total, db.Classify(rows.Err())
}
