package dispatch

import (
	"github.com/hospital/patientflow/internal/domain/journey"
	"github.com/hospital/patientflow/internal/domain/queue"
	"github.com/hospital/patientflow/internal/platform/notification"
)

// QueueEvent is the patient-channel payload of a queue transition.
type QueueEvent struct {
	Entry          *queue.Entry        `json:"entry"`
	PreviousStatus queue.Status        `json:"previous_status,omitempty"`
	PreviousNumber int                 `json:"previous_number,omitempty"`
	Record         *queue.StatusRecord `json:"record,omitempty"`
	Projection     *Projection         `json:"projection"`
}

// JourneyEvent is the patient-channel payload of a stage change.
type JourneyEvent struct {
	Previous   journey.Stage             `json:"previous,omitempty"`
	Record     *journey.TransitionRecord `json:"record"`
	Projection *Projection               `json:"projection"`
}

// publish emits every committed transition of u in commit order, queue
// changes first. It never fails.
func (e *Engine) publish(u *unit) {
	for _, c := range u.queue {
		if c.StatusChanged() {
			e.metrics.Transition("queue", string(c.Entry.Status))
		}
		e.emit(queueEvent(c, notification.KindQueueChanged, c.Entry, c.PreviousStatus, c.PreviousNumber, c.Record, u.projections[c.Entry.PatientID]))
		for _, r := range c.Renumbered {
			e.metrics.Transition("queue", "renumbered")
			e.emit(queueEvent(c, notification.KindQueueRenumber, r, r.Status, 0, nil, u.projections[r.PatientID]))
		}
	}

	for _, c := range u.journey {
		e.metrics.Transition("journey", string(c.State.Stage))
		id := c.State.PatientID
		sum := notification.Summary{
			Kind:       notification.KindJourneyChanged,
			PatientRef: notification.PatientRef(id),
			EntityID:   notification.PatientRef(id),
			From:       string(c.Previous),
			To:         string(c.State.Stage),
		}
		if c.State.CurrentExamID != nil {
			sum.ExamID = c.State.CurrentExamID.String()
		}
		e.emit(notification.TransitionEvent{
			SubjectID:  id,
			Kind:       notification.KindJourneyChanged,
			Payload:    JourneyEvent{Previous: c.Previous, Record: c.Record, Projection: u.projections[id]},
			Summary:    sum,
			OccurredAt: c.Record.CreatedAt,
		})
	}

	for _, dir := range u.syncs {
		e.metrics.SyncWrite(dir)
	}
	for i := 0; i < u.divergences; i++ {
		e.metrics.SyncDivergence()
	}
}

func queueEvent(c *queue.Change, kind string, en *queue.Entry, prev queue.Status, prevNumber int, rec *queue.StatusRecord, p *Projection) notification.TransitionEvent {
	at := en.UpdatedAt
	if rec != nil {
		at = rec.CreatedAt
	}
	if kind == notification.KindQueueRenumber && c.Record != nil {
		at = c.Record.CreatedAt
	}
	return notification.TransitionEvent{
		SubjectID: en.PatientID,
		Kind:      kind,
		Payload:   QueueEvent{Entry: en, PreviousStatus: prev, PreviousNumber: prevNumber, Record: rec, Projection: p},
		Summary: notification.Summary{
			Kind:        kind,
			PatientRef:  notification.PatientRef(en.PatientID),
			EntityID:    en.ID.String(),
			ExamID:      en.ExamID.String(),
			From:        string(prev),
			To:          string(en.Status),
			QueueNumber: en.QueueNumber,
		},
		OccurredAt: at,
	}
}

func (e *Engine) emit(ev notification.TransitionEvent) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(ev)
}
