package journey

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage is a patient's hospital-wide journey status.
type Stage string

const (
	StageUnregistered Stage = "UNREGISTERED"
	StageArrived      Stage = "ARRIVED"
	StageRegistered   Stage = "REGISTERED"
	StageWaiting      Stage = "WAITING"
	StageCalled       Stage = "CALLED"
	StageInProgress   Stage = "IN_PROGRESS"
	StageCompleted    Stage = "COMPLETED"
	StagePayment      Stage = "PAYMENT"
	StageFinished     Stage = "FINISHED"
)

var stages = []Stage{
	StageUnregistered, StageArrived, StageRegistered, StageWaiting, StageCalled,
	StageInProgress, StageCompleted, StagePayment, StageFinished,
}

func (s Stage) Valid() bool {
	for _, v := range stages {
		if v == s {
			return true
		}
	}
	return false
}

func ParseStage(v string) (Stage, error) {
	s := Stage(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: stage %q", ErrInvalidRequest, v)
	}
	return s, nil
}

// Action is an event that may move a patient between stages.
type Action string

const (
	ActionNFCScan         Action = "nfc_scan"
	ActionLogin           Action = "login"
	ActionEnterQueue      Action = "enter_queue"
	ActionCall            Action = "call"
	ActionStartExam       Action = "start_exam"
	ActionCompleteExam    Action = "complete_exam"
	ActionProceedPayment  Action = "proceed_payment"
	ActionCompletePayment Action = "complete_payment"
	ActionCancel          Action = "cancel"
	ActionNewVisit        Action = "new_visit"
)

// TriggerKind records what caused a transition.
type TriggerKind string

const (
	TriggerNFCTag        TriggerKind = "nfc_tag"
	TriggerPatientAction TriggerKind = "patient_action"
	TriggerStaffAction   TriggerKind = "staff_action"
	TriggerEMRSync       TriggerKind = "emr_sync"
	TriggerQueueSync     TriggerKind = "queue_sync"
	TriggerSystemAuto    TriggerKind = "system_auto"
)

func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerNFCTag, TriggerPatientAction, TriggerStaffAction, TriggerEMRSync, TriggerQueueSync, TriggerSystemAuto:
		return true
	}
	return false
}

// State maps to the patient_journey_states table.
type State struct {
	PatientID     uuid.UUID  `db:"patient_id" json:"patient_id"`
	Stage         Stage      `db:"stage" json:"stage"`
	LocationTag   string     `db:"location_tag" json:"location_tag,omitempty"`
	CurrentExamID *uuid.UUID `db:"current_exam_id" json:"current_exam_id,omitempty"`
	EMRStatus     string     `db:"emr_status" json:"emr_status,omitempty"`
	EMRSyncedAt   *time.Time `db:"emr_synced_at" json:"emr_synced_at,omitempty"`
	LoggedIn      bool       `db:"logged_in" json:"logged_in"`
	Version       int        `db:"version" json:"version"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

func (s *State) clone() *State {
	c := *s
	if s.CurrentExamID != nil {
		id := *s.CurrentExamID
		c.CurrentExamID = &id
	}
	if s.EMRSyncedAt != nil {
		at := *s.EMRSyncedAt
		c.EMRSyncedAt = &at
	}
	return &c
}

// Persisted reports whether the state has been written at least once.
func (s *State) Persisted() bool { return s.Version > 0 }

// Trigger is the provenance attached to a transition.
type Trigger struct {
	Kind          TriggerKind `json:"kind"`
	Source        string      `json:"source,omitempty"`
	Detail        string      `json:"detail,omitempty"`
	LocationTag   string      `json:"location_tag,omitempty"`
	ExamID        *uuid.UUID  `json:"exam_id,omitempty"`
	AppointmentID *uuid.UUID  `json:"appointment_id,omitempty"`
	Actor         string      `json:"actor,omitempty"`
}

// TransitionRecord maps to the append-only state_transition_records table.
type TransitionRecord struct {
	ID            uuid.UUID   `db:"id" json:"id"`
	Seq           int64       `db:"seq" json:"seq"`
	PatientID     uuid.UUID   `db:"patient_id" json:"patient_id"`
	FromStage     *Stage      `db:"from_stage" json:"from_stage,omitempty"`
	ToStage       Stage       `db:"to_stage" json:"to_stage"`
	TriggerKind   TriggerKind `db:"trigger_kind" json:"trigger_kind"`
	TriggerSource string      `db:"trigger_source" json:"trigger_source,omitempty"`
	TriggerDetail string      `db:"trigger_detail" json:"trigger_detail,omitempty"`
	LocationTag   string      `db:"location_tag" json:"location_tag,omitempty"`
	ExamID        *uuid.UUID  `db:"exam_id" json:"exam_id,omitempty"`
	AppointmentID *uuid.UUID  `db:"appointment_id" json:"appointment_id,omitempty"`
	Actor         string      `db:"actor" json:"actor,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}

// Change is one committed journey write. Record is nil when only
// auxiliary fields changed.
type Change struct {
	State    *State
	Previous Stage // empty when the state was created
	Record   *TransitionRecord
}

// StageChanged reports whether the write moved the patient to another stage.
func (c *Change) StageChanged() bool {
	return c != nil && c.Record != nil && c.Previous != c.State.Stage
}
