package journey

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hospital/patientflow/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const stateCols = `patient_id, stage, location_tag, current_exam_id, emr_status, emr_synced_at,
	logged_in, version, created_at, updated_at`

func (r *repoPG) scanState(row pgx.Row) (*State, error) {
	var st State
	var stage string
	var location, emr *string
	err := row.Scan(&st.PatientID, &stage, &location, &st.CurrentExamID, &emr, &st.EMRSyncedAt,
		&st.LoggedIn, &st.Version, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, db.Classify(err)
	}
	st.Stage = Stage(stage)
	if location != nil {
		st.LocationTag = *location
	}
	if emr != nil {
		st.EMRStatus = *emr
	}
	return &st, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *repoPG) Get(ctx context.Context, patientID uuid.UUID) (*State, error) {
	return r.scanState(r.conn(ctx).QueryRow(ctx, `SELECT `+stateCols+` FROM patient_journey_states WHERE patient_id = $1`, patientID))
}

func (r *repoPG) Create(ctx context.Context, st *State) error {
	st.Version = 1
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_journey_states (patient_id, stage, location_tag, current_exam_id, emr_status,
			emr_synced_at, logged_in, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		st.PatientID, string(st.Stage), nullable(st.LocationTag), st.CurrentExamID, nullable(st.EMRStatus),
		st.EMRSyncedAt, st.LoggedIn, st.Version, st.CreatedAt, st.UpdatedAt)
	if db.IsUniqueViolation(err, "") {
		return fmt.Errorf("%w: journey for patient %s created concurrently", db.ErrConflict, st.PatientID)
	}
	return db.Classify(err)
}

func (r *repoPG) Update(ctx context.Context, st *State, expectedVersion int, expectedStage Stage) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_journey_states SET stage=$4, location_tag=$5, current_exam_id=$6, emr_status=$7,
			emr_synced_at=$8, logged_in=$9, updated_at=$10, version=version+1
		WHERE patient_id = $1 AND version = $2 AND stage = $3`,
		st.PatientID, expectedVersion, string(expectedStage), string(st.Stage), nullable(st.LocationTag),
		st.CurrentExamID, nullable(st.EMRStatus), st.EMRSyncedAt, st.LoggedIn, st.UpdatedAt)
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: journey for patient %s is no longer %s at version %d",
			db.ErrConflict, st.PatientID, expectedStage, expectedVersion)
	}
	st.Version = expectedVersion + 1
	return nil
}

const transitionCols = `seq, id, patient_id, from_stage, to_stage, trigger_kind, trigger_source, trigger_detail,
	location_tag, exam_id, appointment_id, actor, created_at`

func (r *repoPG) AppendTransition(ctx context.Context, rec *TransitionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var from *string
	if rec.FromStage != nil {
		s := string(*rec.FromStage)
		from = &s
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO state_transition_records (id, patient_id, from_stage, to_stage, trigger_kind,
			trigger_source, trigger_detail, location_tag, exam_id, appointment_id, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING seq`,
		rec.ID, rec.PatientID, from, string(rec.ToStage), string(rec.TriggerKind), rec.TriggerSource,
		rec.TriggerDetail, nullable(rec.LocationTag), rec.ExamID, rec.AppointmentID, rec.Actor, rec.CreatedAt).Scan(&rec.Seq)
	return db.Classify(err)
}

func (r *repoPG) ListTransitions(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*TransitionRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM state_transition_records WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, db.Classify(err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+transitionCols+` FROM state_transition_records
		WHERE patient_id = $1 ORDER BY seq ASC LIMIT NULLIF($2::int, 0) OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, db.Classify(err)
	}
	defer rows.Close()
	var items []*TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		var from, location *string
		var to, kind string
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.PatientID, &from, &to, &kind, &rec.TriggerSource,
			&rec.TriggerDetail, &location, &rec.ExamID, &rec.AppointmentID, &rec.Actor, &rec.CreatedAt); err != nil {
			return nil, 0, db.Classify(err)
		}
		if from != nil {
			s := Stage(*from)
			rec.FromStage = &s
		}
		if location != nil {
			rec.LocationTag = *location
		}
		rec.ToStage = Stage(to)
		rec.TriggerKind = TriggerKind(kind)
		items = append(items, &rec)
	}
	return items, total, db.Classify(rows.Err())
}
