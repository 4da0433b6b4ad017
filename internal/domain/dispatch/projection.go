package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hospital/patientflow/internal/domain/journey"
	"github.com/hospital/patientflow/internal/domain/queue"
	"github.com/hospital/patientflow/internal/domain/scheduling"
	"github.com/hospital/patientflow/internal/platform/db"
)

// QueueSummary is one active queue entry as the patient sees it.
type QueueSummary struct {
	EntryID              uuid.UUID      `json:"entry_id"`
	ExamID               uuid.UUID      `json:"exam_id"`
	ExamName             string         `json:"exam_name,omitempty"`
	LocationTag          string         `json:"location_tag,omitempty"`
	Status               queue.Status   `json:"status"`
	Priority             queue.Priority `json:"priority"`
	QueueNumber          int            `json:"queue_number"`
	EstimatedWaitMinutes int            `json:"estimated_wait_minutes"`
	PeersAhead           int            `json:"peers_ahead"`
}

// Projection is the patient's view of the journey.
type Projection struct {
	PatientID           uuid.UUID                 `json:"patient_id"`
	Stage               journey.Stage             `json:"stage"`
	LocationTag         string                    `json:"location_tag,omitempty"`
	CurrentExamID       *uuid.UUID                `json:"current_exam_id,omitempty"`
	EMRStatus           string                    `json:"emr_status,omitempty"`
	LoggedIn            bool                      `json:"logged_in"`
	Version             int                       `json:"version"`
	Queues              []QueueSummary            `json:"queues"`
	PendingAppointments []*scheduling.Appointment `json:"pending_appointments"`
	AvailableActions    []journey.Action          `json:"available_actions"`
	GeneratedAt         time.Time                 `json:"generated_at"`
}

func (e *Engine) projection(ctx context.Context, st *journey.State) (*Projection, error) {
	p := &Projection{
		PatientID:           st.PatientID,
		Stage:               st.Stage,
		LocationTag:         st.LocationTag,
		CurrentExamID:       st.CurrentExamID,
		EMRStatus:           st.EMRStatus,
		LoggedIn:            st.LoggedIn,
		Version:             st.Version,
		Queues:              []QueueSummary{},
		PendingAppointments: []*scheduling.Appointment{},
		AvailableActions:    journey.AvailableActions(st.Stage),
		GeneratedAt:         e.now(),
	}

	entries, err := e.queue.ActiveForPatient(ctx, st.PatientID)
	if err != nil {
		return nil, err
	}
	for _, en := range entries {
		s, err := e.summarize(ctx, en)
		if err != nil {
			return nil, err
		}
		p.Queues = append(p.Queues, s)
	}
	sort.Slice(p.Queues, func(i, j int) bool { return p.Queues[i].QueueNumber < p.Queues[j].QueueNumber })

	pending, err := e.sched.PendingForPatientDay(ctx, st.PatientID, e.sched.Today(), uuid.Nil)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		p.PendingAppointments = pending
	}
	return p, nil
}

func (e *Engine) summarize(ctx context.Context, en *queue.Entry) (QueueSummary, error) {
	pos, err := e.queue.Position(ctx, en.ID)
	if err != nil {
		return QueueSummary{}, err
	}
	s := QueueSummary{
		EntryID:              en.ID,
		ExamID:               en.ExamID,
		Status:               pos.Status,
		Priority:             en.Priority,
		QueueNumber:          pos.QueueNumber,
		EstimatedWaitMinutes: pos.EstimatedWaitMinutes,
		PeersAhead:           pos.PeersAhead,
	}
	exam, err := e.sched.GetExam(ctx, en.ExamID)
	switch {
	case err == nil:
		s.ExamName = exam.Name
		s.LocationTag = exam.LocationTag
	case !errors.Is(err, db.ErrNotFound):
		return QueueSummary{}, err
	}
	return s, nil
}

// read bounds a query by the per-call timeout. Queries never open a
// transaction.
func (e *Engine) read(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	err := fn(ctx)
	if err != nil {
		err = db.Classify(err)
	}
	e.metrics.ObserveOperation(name, outcome(err), time.Since(start))
	if err != nil {
		e.logFailure(name, err)
	}
	return err
}

// GetQueuePosition reports where the patient stands in the queue of the
// current exam, or of their only active entry.
func (e *Engine) GetQueuePosition(ctx context.Context, patientID uuid.UUID) (*queue.Position, error) {
	var pos *queue.Position
	err := e.read(ctx, "get_queue_position", func(ctx context.Context) error {
		st, err := e.journey.Load(ctx, patientID)
		if err != nil {
			return err
		}
		entry, err := e.activeEntry(ctx, st, "")
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("%w: patient %s", queue.ErrNoActiveEntry, patientID)
		}
		pos, err = e.queue.Position(ctx, entry.ID)
		return err
	})
	return pos, err
}

// GetJourneyProjection never writes; unknown patients read as UNREGISTERED.
func (e *Engine) GetJourneyProjection(ctx context.Context, patientID uuid.UUID) (*Projection, error) {
	var p *Projection
	err := e.read(ctx, "get_journey_projection", func(ctx context.Context) error {
		st, err := e.journey.Load(ctx, patientID)
		if err != nil {
			return err
		}
		p, err = e.projection(ctx, st)
		return err
	})
	return p, err
}

func (e *Engine) GetExamQueueSnapshot(ctx context.Context, examID uuid.UUID) (*queue.Snapshot, error) {
	var snap *queue.Snapshot
	err := e.read(ctx, "get_exam_queue_snapshot", func(ctx context.Context) error {
		if _, err := e.sched.GetExam(ctx, examID); err != nil {
			return fmt.Errorf("exam %s: %w", examID, err)
		}
		var err error
		snap, err = e.queue.Snapshot(ctx, examID)
		return err
	})
	return snap, err
}

func (e *Engine) QueueHistory(ctx context.Context, entryID uuid.UUID, limit, offset int) ([]*queue.StatusRecord, int, error) {
	var (
		recs  []*queue.StatusRecord
		total int
	)
	err := e.read(ctx, "queue_history", func(ctx context.Context) error {
		if _, err := e.queue.Get(ctx, entryID); err != nil {
			return err
		}
		var err error
		recs, total, err = e.queue.History(ctx, entryID, limit, offset)
		return err
	})
	return recs, total, err
}

func (e *Engine) JourneyHistory(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*journey.TransitionRecord, int, error) {
	var (
		recs  []*journey.TransitionRecord
		total int
	)
	err := e.read(ctx, "journey_history", func(ctx context.Context) error {
		var err error
		recs, total, err = e.journey.History(ctx, patientID, limit, offset)
		return err
	})
	return recs, total, err
}
