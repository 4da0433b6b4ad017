// Package dispatch is the patient-flow engine. It runs queue and journey
// changes in one transaction, keeps the two aggregates consistent through
// the mediator and hands committed transitions to the fan-out.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hospital/patientflow/internal/domain/journey"
	"github.com/hospital/patientflow/internal/domain/queue"
	"github.com/hospital/patientflow/internal/domain/scheduling"
	"github.com/hospital/patientflow/internal/platform/db"
	"github.com/hospital/patientflow/internal/platform/metrics"
	"github.com/hospital/patientflow/internal/platform/notification"
)

var (
	ErrAppointmentNotPending = errors.New("appointment is not pending")
	ErrNoPendingAppointment  = errors.New("no pending appointment for the visit day")
	ErrAppointmentOwnership  = errors.New("appointment belongs to another patient")
)

// Deps wires an Engine. Metrics and Emitter may be nil.
type Deps struct {
	Tx           db.TxManager
	Queue        *queue.Store
	Journey      *journey.Machine
	Scheduling   *scheduling.Service
	Emitter      notification.Emitter
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	QueryTimeout time.Duration
}

type Engine struct {
	tx      db.TxManager
	queue   *queue.Store
	journey *journey.Machine
	sched   *scheduling.Service
	emitter notification.Emitter
	metrics *metrics.Metrics
	logger  zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewEngine(d Deps) *Engine {
	if d.QueryTimeout <= 0 {
		d.QueryTimeout = 5 * time.Second
	}
	return &Engine{
		tx:      d.Tx,
		queue:   d.Queue,
		journey: d.Journey,
		sched:   d.Scheduling,
		emitter: d.Emitter,
		metrics: d.Metrics,
		logger:  d.Logger.With().Str("component", "engine").Logger(),
		timeout: d.QueryTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for projections and events.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// ActionContext describes who or what triggered a journey action.
type ActionContext struct {
	TriggerKind   journey.TriggerKind
	Source        string
	Detail        string
	LocationTag   string
	AppointmentID *uuid.UUID
	Actor         string
}

// unit collects the writes of one operation so they can be published once
// the transaction commits.
type unit struct {
	queue       []*queue.Change
	journey     []*journey.Change
	syncs       []string
	divergences int
	projections map[uuid.UUID]*Projection
}

func (u *unit) addQueue(c *queue.Change) {
	if c != nil && c.Record != nil {
		u.queue = append(u.queue, c)
	}
}

func (u *unit) addJourney(c *journey.Change) {
	if c.StageChanged() {
		u.journey = append(u.journey, c)
	}
}

// run executes fn in a transaction bounded by the query timeout, then
// records metrics and emits events for what committed.
func (e *Engine) run(ctx context.Context, name string, fn func(ctx context.Context, u *unit) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	u := &unit{}
	err := e.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := fn(ctx, u); err != nil {
			return err
		}
		return e.project(ctx, u)
	})
	e.metrics.ObserveOperation(name, outcome(err), time.Since(start))
	if err != nil {
		e.logFailure(name, err)
		return err
	}
	e.publish(u)
	return nil
}

// project renders the latest projection of every patient touched by u: those
// whose stage moved and those whose entry moved or was renumbered. It runs
// inside the transaction so the payload matches what committed.
func (e *Engine) project(ctx context.Context, u *unit) error {
	if u.projections == nil {
		u.projections = make(map[uuid.UUID]*Projection)
	}
	for i := len(u.journey) - 1; i >= 0; i-- {
		c := u.journey[i]
		id := c.State.PatientID
		if _, done := u.projections[id]; done {
			continue
		}
		p, err := e.projection(ctx, c.State)
		if err != nil {
			return err
		}
		u.projections[id] = p
	}

	var peers []uuid.UUID
	for _, c := range u.queue {
		peers = append(peers, c.Entry.PatientID)
		for _, r := range c.Renumbered {
			peers = append(peers, r.PatientID)
		}
	}
	for _, id := range peers {
		if _, done := u.projections[id]; done {
			continue
		}
		st, err := e.journey.Load(ctx, id)
		if err != nil {
			return err
		}
		p, err := e.projection(ctx, st)
		if err != nil {
			return err
		}
		u.projections[id] = p
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, queue.ErrIllegalTransition), errors.Is(err, journey.ErrIllegalAction):
		return "illegal"
	case errors.Is(err, queue.ErrDuplicateActiveEntry):
		return "duplicate"
	case errors.Is(err, db.ErrConflict):
		return "conflict"
	case errors.Is(err, db.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, db.ErrNotFound):
		return "not_found"
	}
	return "error"
}

func (e *Engine) logFailure(name string, err error) {
	switch outcome(err) {
	case "illegal", "duplicate", "not_found":
		e.logger.Debug().Err(err).Str("operation", name).Msg("operation rejected")
	case "conflict":
		e.logger.Warn().Err(err).Str("operation", name).Msg("concurrent modification")
	case "unavailable":
		e.logger.Error().Err(err).Str("operation", name).Msg("persistence unavailable")
	default:
		e.logger.Debug().Err(err).Str("operation", name).Msg("operation failed")
	}
}

// EnqueuePatient admits the appointment's patient to its exam queue.
func (e *Engine) EnqueuePatient(ctx context.Context, appointmentID uuid.UUID, priority queue.Priority, actor string) (*queue.Entry, error) {
	var entry *queue.Entry
	err := e.run(ctx, "enqueue_patient", func(ctx context.Context, u *unit) error {
		appt, err := e.sched.GetAppointment(ctx, appointmentID)
		if err != nil {
			return fmt.Errorf("appointment %s: %w", appointmentID, err)
		}
		qc, err := e.enqueueAppointment(ctx, appt, priority, actor, "enqueued")
		if err != nil {
			return err
		}
		u.addQueue(qc)
		entry = qc.Entry
		return e.queueChanged(ctx, u, qc, actor, 0)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Engine) enqueueAppointment(ctx context.Context, appt *scheduling.Appointment, priority queue.Priority, actor, reason string) (*queue.Change, error) {
	if !appt.Status.Pending() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAppointmentNotPending, appt.ID, appt.Status)
	}
	qc, err := e.queue.Enqueue(ctx, queue.EnqueueRequest{
		ExamID:        appt.ExamID,
		PatientID:     appt.PatientID,
		AppointmentID: appt.ID,
		Priority:      priority,
		Actor:         actor,
		Reason:        reason,
	})
	if err != nil {
		return nil, err
	}
	if appt.Status == scheduling.AppointmentScheduled {
		if err := e.sched.MarkCheckedIn(ctx, appt.ID); err != nil {
			return nil, err
		}
	}
	return qc, nil
}

// AdvanceQueueEntry moves an entry to target and syncs the journey.
func (e *Engine) AdvanceQueueEntry(ctx context.Context, entryID uuid.UUID, target queue.Status, actor, reason string) (*queue.Entry, error) {
	var entry *queue.Entry
	err := e.run(ctx, "advance_queue_entry", func(ctx context.Context, u *unit) error {
		qc, err := e.queue.Advance(ctx, queue.AdvanceRequest{EntryID: entryID, Target: target, Actor: actor, Reason: reason})
		if err != nil {
			return err
		}
		u.addQueue(qc)
		entry = qc.Entry
		return e.queueChanged(ctx, u, qc, actor, 0)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// SetPriority reprioritizes an entry. The journey has no priority, so the
// mediator is not involved.
func (e *Engine) SetPriority(ctx context.Context, entryID uuid.UUID, priority queue.Priority, actor string) (*queue.Entry, error) {
	var entry *queue.Entry
	err := e.run(ctx, "set_priority", func(ctx context.Context, u *unit) error {
		qc, err := e.queue.SetPriority(ctx, queue.PriorityRequest{EntryID: entryID, Priority: priority, Actor: actor})
		if err != nil {
			return err
		}
		u.addQueue(qc)
		entry = qc.Entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// PerformJourneyAction applies a journey action with its queue side effects
// and returns the resulting projection.
func (e *Engine) PerformJourneyAction(ctx context.Context, patientID uuid.UUID, action journey.Action, ac ActionContext) (*Projection, error) {
	trig := journey.Trigger{
		Kind:          ac.TriggerKind,
		Source:        ac.Source,
		Detail:        ac.Detail,
		LocationTag:   ac.LocationTag,
		AppointmentID: ac.AppointmentID,
		Actor:         ac.Actor,
	}
	if trig.Detail == "" {
		trig.Detail = string(action)
	}

	var proj *Projection
	err := e.run(ctx, "perform_journey_action", func(ctx context.Context, u *unit) error {
		jc, err := e.journey.Perform(ctx, patientID, action, trig, e.effectFor(action, ac, u))
		if err != nil {
			return err
		}
		u.addJourney(jc)
		if err := e.journeyChanged(ctx, u, jc, ac.Actor, 0); err != nil {
			return err
		}
		proj, err = e.projection(ctx, jc.State)
		return err
	})
	if err != nil {
		return nil, err
	}
	return proj, nil
}

// effectFor returns the queue side effects of an action. Queue changes made
// here are the action's own and do not go back through the mediator.
func (e *Engine) effectFor(action journey.Action, ac ActionContext, u *unit) journey.Effect {
	switch action {
	case journey.ActionEnterQueue:
		return func(ctx context.Context, st *journey.State, _ journey.Rule) (journey.Outcome, error) {
			appt, err := e.appointmentToEnqueue(ctx, st.PatientID, ac.AppointmentID)
			if err != nil {
				return journey.Outcome{}, err
			}
			qc, err := e.enqueueAppointment(ctx, appt, queue.PriorityNormal, ac.Actor, "entered queue")
			if err != nil {
				return journey.Outcome{}, err
			}
			u.addQueue(qc)
			return journey.Outcome{ExamID: &appt.ExamID, AppointmentID: &appt.ID}, nil
		}

	case journey.ActionCompleteExam:
		return func(ctx context.Context, st *journey.State, _ journey.Rule) (journey.Outcome, error) {
			entry, err := e.activeEntry(ctx, st, queue.StatusInProgress)
			if err != nil {
				return journey.Outcome{}, err
			}
			if entry == nil {
				return journey.Outcome{}, fmt.Errorf("%w: patient %s has no exam in progress", queue.ErrNoActiveEntry, st.PatientID)
			}
			qc, err := e.queue.Advance(ctx, queue.AdvanceRequest{
				EntryID: entry.ID,
				Target:  queue.StatusCompleted,
				Actor:   ac.Actor,
				Reason:  "exam completed",
			})
			if err != nil {
				return journey.Outcome{}, err
			}
			u.addQueue(qc)
			next, err := e.ResolveAfterCompletion(ctx, st.PatientID, qc.Entry.AppointmentID, qc.Entry.Priority, ac.Actor)
			if err != nil {
				return journey.Outcome{}, err
			}
			u.addQueue(next.Enqueued)
			out := journey.Outcome{To: next.Stage, AppointmentID: &qc.Entry.AppointmentID}
			if next.Entry != nil {
				out.ExamID = &next.Entry.ExamID
				out.AppointmentID = &next.Entry.AppointmentID
			}
			return out, nil
		}

	case journey.ActionCancel:
		return func(ctx context.Context, st *journey.State, _ journey.Rule) (journey.Outcome, error) {
			entry, err := e.activeEntry(ctx, st, "")
			if err != nil || entry == nil {
				return journey.Outcome{}, err
			}
			qc, err := e.queue.Advance(ctx, queue.AdvanceRequest{
				EntryID: entry.ID,
				Target:  queue.StatusCancelled,
				Actor:   ac.Actor,
				Reason:  "journey cancelled",
			})
			if err != nil {
				return journey.Outcome{}, err
			}
			u.addQueue(qc)
			return journey.Outcome{}, nil
		}
	}
	return nil
}

// appointmentToEnqueue picks the appointment named by the action, or the
// earliest pending one of the visit day.
func (e *Engine) appointmentToEnqueue(ctx context.Context, patientID uuid.UUID, id *uuid.UUID) (*scheduling.Appointment, error) {
	if id != nil {
		appt, err := e.sched.GetAppointment(ctx, *id)
		if err != nil {
			return nil, fmt.Errorf("appointment %s: %w", *id, err)
		}
		if appt.PatientID != patientID {
			return nil, fmt.Errorf("appointment %s: %w", *id, ErrAppointmentOwnership)
		}
		return appt, nil
	}
	pending, err := e.sched.PendingForPatientDay(ctx, patientID, e.sched.Today(), uuid.Nil)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, fmt.Errorf("%w: patient %s", ErrNoPendingAppointment, patientID)
	}
	return pending[0], nil
}

// activeEntry returns the patient's one active entry, restricted to status
// when given. The journey's current exam wins when the patient holds several.
func (e *Engine) activeEntry(ctx context.Context, st *journey.State, status queue.Status) (*queue.Entry, error) {
	entries, err := e.queue.ActiveForPatient(ctx, st.PatientID)
	if err != nil {
		return nil, err
	}
	var match []*queue.Entry
	for _, en := range entries {
		if status == "" || en.Status == status {
			match = append(match, en)
		}
	}
	if len(match) == 0 {
		return nil, nil
	}
	if st.CurrentExamID != nil {
		for _, en := range match {
			if en.ExamID == *st.CurrentExamID {
				return en, nil
			}
		}
	}
	if len(match) == 1 {
		return match[0], nil
	}
	e.logger.Debug().
		Str("patient_id", st.PatientID.String()).
		Int("entries", len(match)).
		Msg("ambiguous active entry")
	return nil, nil
}

// SyncFromExternalStatus applies an EMR status hint to the journey.
func (e *Engine) SyncFromExternalStatus(ctx context.Context, patientID uuid.UUID, hint, actor string) (*Projection, error) {
	stage, err := journey.ParseExternalStatus(hint)
	if err != nil {
		e.logger.Debug().Err(err).Str("patient_id", patientID.String()).Msg("external status rejected")
		return nil, err
	}

	var proj *Projection
	err = e.run(ctx, "sync_external_status", func(ctx context.Context, u *unit) error {
		syncedAt := e.now()
		mirror := func(st *journey.State) {
			st.EMRStatus = hint
			st.EMRSyncedAt = &syncedAt
		}
		trig := journey.Trigger{Kind: journey.TriggerEMRSync, Source: "emr", Detail: hint, Actor: actor}

		st, err := e.journey.Ensure(ctx, patientID)
		if err != nil {
			return err
		}
		edit := mirror
		if stage == journey.StageCompleted {
			entry, err := e.activeEntry(ctx, st, queue.StatusInProgress)
			if err != nil {
				return err
			}
			if entry != nil {
				qc, err := e.queue.Advance(ctx, queue.AdvanceRequest{
					EntryID: entry.ID,
					Target:  queue.StatusCompleted,
					Actor:   actor,
					Reason:  "emr: " + hint,
				})
				if err != nil {
					return err
				}
				u.addQueue(qc)
				next, err := e.ResolveAfterCompletion(ctx, patientID, qc.Entry.AppointmentID, qc.Entry.Priority, actor)
				if err != nil {
					return err
				}
				u.addQueue(next.Enqueued)
				stage = next.Stage
				trig.ExamID = &qc.Entry.ExamID
				trig.AppointmentID = &qc.Entry.AppointmentID
				edit = func(st *journey.State) {
					mirror(st)
					st.CurrentExamID = nil
					if next.Entry != nil {
						st.CurrentExamID = &next.Entry.ExamID
					}
				}
			}
		}

		jc, err := e.journey.Sync(ctx, patientID, stage, trig, edit)
		if err != nil {
			return err
		}
		state := jc.State
		if jc.Record == nil {
			if state, err = e.journey.Annotate(ctx, patientID, mirror); err != nil {
				return err
			}
		} else {
			u.addJourney(jc)
			if err := e.journeyChanged(ctx, u, jc, actor, 0); err != nil {
				return err
			}
		}
		proj, err = e.projection(ctx, state)
		return err
	})
	if err != nil {
		return nil, err
	}
	return proj, nil
}
