package journey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hospital/patientflow/internal/platform/db"
)

// Outcome is what an Effect decided for an action. Empty fields keep the
// rule's destination and the trigger's context.
type Outcome struct {
	To            Stage
	ExamID        *uuid.UUID
	AppointmentID *uuid.UUID
}

// Effect runs an action's side effects after the rule is resolved and
// before the stage is written, inside the same transaction. Dynamic rules
// must return a destination.
type Effect func(ctx context.Context, st *State, rule Rule) (Outcome, error)

// Machine drives the per-patient journey. Writes must run inside a
// db.TxManager transaction so the stage and its ledger row commit together.
type Machine struct {
	repo Repository
	now  func() time.Time
}

func NewMachine(repo Repository) *Machine {
	return &Machine{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Load returns the patient's state without writing. Unknown patients read
// as UNREGISTERED at version 0.
func (m *Machine) Load(ctx context.Context, patientID uuid.UUID) (*State, error) {
	st, err := m.repo.Get(ctx, patientID)
	if errors.Is(err, db.ErrNotFound) {
		return &State{PatientID: patientID, Stage: StageUnregistered}, nil
	}
	return st, err
}

// Ensure returns the stored state, creating it as UNREGISTERED with an
// initial ledger row on first interaction.
func (m *Machine) Ensure(ctx context.Context, patientID uuid.UUID) (*State, error) {
	st, err := m.repo.Get(ctx, patientID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	now := m.now()
	st = &State{PatientID: patientID, Stage: StageUnregistered, CreatedAt: now, UpdatedAt: now}
	if err := m.repo.Create(ctx, st); err != nil {
		return nil, err
	}
	if err := m.repo.AppendTransition(ctx, &TransitionRecord{
		PatientID:     patientID,
		ToStage:       StageUnregistered,
		TriggerKind:   TriggerSystemAuto,
		TriggerDetail: "journey created",
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}
	return st, nil
}

// Resolve looks up the rule for the patient's current stage.
func (m *Machine) Resolve(st *State, action Action) (Rule, error) {
	rule, ok := Lookup(st.Stage, action)
	if !ok {
		return Rule{}, &ActionError{PatientID: st.PatientID, Stage: st.Stage, Action: action}
	}
	return rule, nil
}

// Perform applies action to the patient's journey. effect may be nil for
// actions without side effects.
func (m *Machine) Perform(ctx context.Context, patientID uuid.UUID, action Action, trig Trigger, effect Effect) (*Change, error) {
	if !trig.Kind.Valid() {
		return nil, fmt.Errorf("%w: trigger kind %q", ErrInvalidRequest, trig.Kind)
	}
	st, err := m.Ensure(ctx, patientID)
	if err != nil {
		return nil, err
	}
	rule, err := m.Resolve(st, action)
	if err != nil {
		return nil, err
	}

	var out Outcome
	if effect != nil {
		if out, err = effect(ctx, st, rule); err != nil {
			return nil, err
		}
	}
	to := rule.To
	if out.To != "" {
		to = out.To
	}
	if to == "" {
		return nil, fmt.Errorf("action %s from %s needs a resolved destination", action, st.Stage)
	}
	if out.ExamID != nil {
		trig.ExamID = out.ExamID
	}
	if out.AppointmentID != nil {
		trig.AppointmentID = out.AppointmentID
	}

	return m.Transition(ctx, st, to, trig, func(next *State) { applyActionFields(next, action, trig) })
}

func applyActionFields(st *State, action Action, trig Trigger) {
	if trig.LocationTag != "" {
		st.LocationTag = trig.LocationTag
	}
	if trig.ExamID != nil {
		id := *trig.ExamID
		st.CurrentExamID = &id
	}
	switch action {
	case ActionLogin:
		st.LoggedIn = true
	case ActionCancel:
		st.CurrentExamID = nil
	case ActionNewVisit:
		st.CurrentExamID = nil
		st.LocationTag = ""
		st.LoggedIn = false
	}
}

// Transition writes stage to with a compare-and-swap on the state's version
// and stage, and appends one ledger row. edit may adjust auxiliary fields.
func (m *Machine) Transition(ctx context.Context, st *State, to Stage, trig Trigger, edit func(*State)) (*Change, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: stage %q", ErrInvalidRequest, to)
	}
	if !st.Persisted() {
		var err error
		if st, err = m.Ensure(ctx, st.PatientID); err != nil {
			return nil, err
		}
	}

	now := m.now()
	next := st.clone()
	next.Stage = to
	if edit != nil {
		edit(next)
	}
	next.UpdatedAt = now
	if err := m.repo.Update(ctx, next, st.Version, st.Stage); err != nil {
		return nil, err
	}

	from := st.Stage
	rec := &TransitionRecord{
		PatientID:     st.PatientID,
		FromStage:     &from,
		ToStage:       to,
		TriggerKind:   trig.Kind,
		TriggerSource: trig.Source,
		TriggerDetail: trig.Detail,
		LocationTag:   trig.LocationTag,
		ExamID:        trig.ExamID,
		AppointmentID: trig.AppointmentID,
		Actor:         trig.Actor,
		CreatedAt:     now,
	}
	if rec.LocationTag == "" {
		rec.LocationTag = next.LocationTag
	}
	if rec.ExamID == nil {
		rec.ExamID = next.CurrentExamID
	}
	if err := m.repo.AppendTransition(ctx, rec); err != nil {
		return nil, err
	}
	return &Change{State: next, Previous: from, Record: rec}, nil
}

// Sync moves the patient to stage to only if it differs from the current
// stage. An equal stage writes nothing and returns a Change without Record.
func (m *Machine) Sync(ctx context.Context, patientID uuid.UUID, to Stage, trig Trigger, edit func(*State)) (*Change, error) {
	st, err := m.Ensure(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if st.Stage == to {
		return &Change{State: st, Previous: st.Stage}, nil
	}
	return m.Transition(ctx, st, to, trig, edit)
}

// Annotate updates auxiliary fields without a stage change. It writes no
// ledger row.
func (m *Machine) Annotate(ctx context.Context, patientID uuid.UUID, edit func(*State)) (*State, error) {
	st, err := m.Ensure(ctx, patientID)
	if err != nil {
		return nil, err
	}
	next := st.clone()
	edit(next)
	next.UpdatedAt = m.now()
	if err := m.repo.Update(ctx, next, st.Version, st.Stage); err != nil {
		return nil, err
	}
	return next, nil
}

func (m *Machine) History(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*TransitionRecord, int, error) {
	return m.repo.ListTransitions(ctx, patientID, limit, offset)
}
