package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hospital/patientflow/internal/domain/journey"
	"github.com/hospital/patientflow/internal/domain/queue"
	"github.com/hospital/patientflow/internal/domain/scheduling"
	"github.com/hospital/patientflow/internal/platform/db"
	"github.com/hospital/patientflow/internal/platform/metrics"
)

// maxSyncDepth bounds the mediator to one round trip: the reaction to a
// mediator write only compares and never writes.
const maxSyncDepth = 1

var stageForStatus = map[queue.Status]journey.Stage{
	queue.StatusWaiting:    journey.StageWaiting,
	queue.StatusCalled:     journey.StageCalled,
	queue.StatusInProgress: journey.StageInProgress,
}

var statusForStage = map[journey.Stage]queue.Status{
	journey.StageWaiting:    queue.StatusWaiting,
	journey.StageCalled:     queue.StatusCalled,
	journey.StageInProgress: queue.StatusInProgress,
}

// StageForStatus maps a queue state to the journey stage it implies.
// COMPLETED and CANCELLED have no fixed mapping.
func StageForStatus(s queue.Status) (journey.Stage, bool) {
	st, ok := stageForStatus[s]
	return st, ok
}

// StatusForStage maps a journey stage to the queue state it implies.
func StatusForStage(s journey.Stage) (queue.Status, bool) {
	st, ok := statusForStage[s]
	return st, ok
}

// queueChanged propagates a committed queue state change to the journey.
func (e *Engine) queueChanged(ctx context.Context, u *unit, qc *queue.Change, actor string, depth int) error {
	if !qc.StatusChanged() {
		return nil
	}
	en := qc.Entry

	var (
		target  journey.Stage
		current *uuid.UUID
	)
	switch en.Status {
	case queue.StatusCancelled:
		return nil
	case queue.StatusCompleted:
		if depth > 0 {
			return nil
		}
		res, err := e.ResolveAfterCompletion(ctx, en.PatientID, en.AppointmentID, en.Priority, actor)
		if err != nil {
			return err
		}
		u.addQueue(res.Enqueued)
		target = res.Stage
		if res.Entry != nil {
			current = &res.Entry.ExamID
		}
	default:
		target = stageForStatus[en.Status]
		current = &en.ExamID
	}

	st, err := e.journey.Ensure(ctx, en.PatientID)
	if err != nil {
		return err
	}
	if st.Stage == target {
		return nil
	}
	if depth >= maxSyncDepth {
		e.diverged(u, en.PatientID, "journey", string(st.Stage), string(target))
		return nil
	}

	examID, apptID := en.ExamID, en.AppointmentID
	jc, err := e.journey.Transition(ctx, st, target, journey.Trigger{
		Kind:          journey.TriggerQueueSync,
		Source:        "queue",
		Detail:        fmt.Sprintf("entry %s", en.Status),
		ExamID:        &examID,
		AppointmentID: &apptID,
		Actor:         actor,
	}, func(next *journey.State) {
		next.CurrentExamID = nil
		if current != nil {
			id := *current
			next.CurrentExamID = &id
		}
	})
	if err != nil {
		return err
	}
	u.addJourney(jc)
	u.syncs = append(u.syncs, metrics.QueueToJourney)
	return e.journeyChanged(ctx, u, jc, actor, depth+1)
}

// journeyChanged propagates a committed stage change to the patient's
// active queue entry.
func (e *Engine) journeyChanged(ctx context.Context, u *unit, jc *journey.Change, actor string, depth int) error {
	if !jc.StageChanged() {
		return nil
	}
	target, ok := statusForStage[jc.State.Stage]
	if !ok {
		return nil
	}
	entry, err := e.activeEntry(ctx, jc.State, "")
	if err != nil || entry == nil || entry.Status == target {
		return err
	}
	if depth >= maxSyncDepth {
		e.diverged(u, jc.State.PatientID, "queue", string(entry.Status), string(target))
		return nil
	}
	if !queue.CanTransition(entry.Status, target) {
		e.diverged(u, jc.State.PatientID, "queue", string(entry.Status), string(target))
		return nil
	}

	qc, err := e.queue.Advance(ctx, queue.AdvanceRequest{
		EntryID:  entry.ID,
		Target:   target,
		Actor:    actor,
		Reason:   "journey " + string(jc.State.Stage),
		Metadata: map[string]interface{}{"journey_trigger": string(jc.Record.TriggerKind)},
	})
	if err != nil {
		return err
	}
	u.addQueue(qc)
	u.syncs = append(u.syncs, metrics.JourneyToQueue)
	return e.queueChanged(ctx, u, qc, actor, depth+1)
}

func (e *Engine) diverged(u *unit, patientID uuid.UUID, aggregate, have, want string) {
	u.divergences++
	e.logger.Warn().
		Str("patient_id", patientID.String()).
		Str("aggregate", aggregate).
		Str("have", have).
		Str("want", want).
		Msg("sync stopped with a remaining difference")
}

// Resolution is where a patient goes after finishing an exam.
type Resolution struct {
	Stage journey.Stage
	// Entry is the queue entry for the next exam, nil when heading to payment.
	Entry *queue.Entry
	// Enqueued is set when Entry was created by the resolution.
	Enqueued *queue.Change
}

// ResolveAfterCompletion marks the finished appointment completed and then
// looks for the patient's next pending appointment of the same visit day.
// It must run inside a transaction.
func (e *Engine) ResolveAfterCompletion(ctx context.Context, patientID, completedAppointmentID uuid.UUID, priority queue.Priority, actor string) (*Resolution, error) {
	if !db.InTx(ctx) {
		return nil, errors.New("ResolveAfterCompletion requires a transaction")
	}

	appt, err := e.sched.GetAppointment(ctx, completedAppointmentID)
	if err != nil {
		return nil, fmt.Errorf("completed appointment %s: %w", completedAppointmentID, err)
	}
	if appt.Status != scheduling.AppointmentCompleted {
		if err := e.sched.MarkCompleted(ctx, appt.ID, e.now()); err != nil {
			return nil, err
		}
	}

	pending, err := e.sched.PendingForPatientDay(ctx, patientID, e.sched.DayOf(appt.ScheduledAt), appt.ID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return &Resolution{Stage: journey.StagePayment}, nil
	}

	next := pending[0]
	existing, err := e.queue.FindActive(ctx, patientID, next.ExamID)
	switch {
	case err == nil:
		return &Resolution{Stage: stageForStatus[existing.Status], Entry: existing}, nil
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	qc, err := e.enqueueAppointment(ctx, next, priority, actor, "next exam")
	if err != nil {
		return nil, err
	}
	return &Resolution{Stage: journey.StageWaiting, Entry: qc.Entry, Enqueued: qc}, nil
}
