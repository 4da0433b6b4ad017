package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the state of a queue entry.
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusCalled     Status = "CALLED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Active reports whether the entry still occupies the exam's queue.
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusCalled || s == StatusInProgress
}

// Numbered reports whether the entry takes part in dense numbering.
func (s Status) Numbered() bool {
	return s == StatusWaiting || s == StatusCalled
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	return s.Active() || s.Terminal()
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: status %q", ErrInvalidRequest, v)
	}
	return s, nil
}

// Priority orders patients within an exam's queue.
type Priority string

const (
	PriorityNormal    Priority = "NORMAL"
	PriorityUrgent    Priority = "URGENT"
	PriorityEmergency Priority = "EMERGENCY"
)

// Rank sorts EMERGENCY first, then URGENT, then NORMAL.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 0
	case PriorityUrgent:
		return 1
	default:
		return 2
	}
}

// Weight scales the service time a patient is modelled to consume before
// the next patient is seen.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityEmergency:
		return 0.5
	case PriorityUrgent:
		return 0.75
	default:
		return 1.0
	}
}

func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityUrgent || p == PriorityEmergency
}

// ParsePriority accepts the empty string as NORMAL.
func ParsePriority(v string) (Priority, error) {
	if v == "" {
		return PriorityNormal, nil
	}
	p := Priority(v)
	if !p.Valid() {
		return "", fmt.Errorf("%w: priority %q", ErrInvalidRequest, v)
	}
	return p, nil
}

// Entry maps to the queue_entries table.
type Entry struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	ExamID               uuid.UUID  `db:"exam_id" json:"exam_id"`
	PatientID            uuid.UUID  `db:"patient_id" json:"patient_id"`
	AppointmentID        uuid.UUID  `db:"appointment_id" json:"appointment_id"`
	Status               Status     `db:"status" json:"status"`
	QueueNumber          int        `db:"queue_number" json:"queue_number"`
	Priority             Priority   `db:"priority" json:"priority"`
	EstimatedWaitMinutes int        `db:"estimated_wait_minutes" json:"estimated_wait_minutes"`
	CalledAt             *time.Time `db:"called_at" json:"called_at,omitempty"`
	Version              int        `db:"version" json:"version"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.CalledAt != nil {
		at := *e.CalledAt
		c.CalledAt = &at
	}
	return &c
}

// position is the queue number while the entry is numbered, else 0.
func (e *Entry) position() int {
	if e.Status.Numbered() {
		return e.QueueNumber
	}
	return 0
}

// StatusRecord maps to the append-only queue_status_records table.
type StatusRecord struct {
	ID                    uuid.UUID              `db:"id" json:"id"`
	Seq                   int64                  `db:"seq" json:"seq"`
	EntryID               uuid.UUID              `db:"entry_id" json:"entry_id"`
	ExamID                uuid.UUID              `db:"exam_id" json:"exam_id"`
	PatientID             uuid.UUID              `db:"patient_id" json:"patient_id"`
	PreviousStatus        *Status                `db:"previous_status" json:"previous_status,omitempty"`
	NewStatus             Status                 `db:"new_status" json:"new_status"`
	PreviousNumber        *int                   `db:"previous_number" json:"previous_number,omitempty"`
	NewNumber             int                    `db:"new_number" json:"new_number"`
	Actor                 string                 `db:"actor" json:"actor"`
	Reason                string                 `db:"reason" json:"reason"`
	PositionSnapshot      int                    `db:"position_snapshot" json:"position_snapshot"`
	EstimatedWaitSnapshot int                    `db:"estimated_wait_snapshot" json:"estimated_wait_snapshot"`
	Metadata              map[string]interface{} `db:"metadata" json:"metadata,omitempty"`
	CreatedAt             time.Time              `db:"created_at" json:"created_at"`
}

// Change describes one committed write to an entry. Renumbered lists the
// other entries of the same exam whose queue_number moved as a consequence.
type Change struct {
	Entry          *Entry
	PreviousStatus Status // empty when the entry was created
	PreviousNumber int
	Record         *StatusRecord
	Renumbered     []*Entry
}

// StatusChanged reports whether the write moved the entry to another state.
func (c *Change) StatusChanged() bool {
	return c != nil && c.PreviousStatus != c.Entry.Status
}

// Created reports whether the write created the entry.
func (c *Change) Created() bool {
	return c != nil && c.PreviousStatus == ""
}

// Position answers "where am I in the line".
type Position struct {
	EntryID              uuid.UUID `json:"entry_id"`
	ExamID               uuid.UUID `json:"exam_id"`
	Status               Status    `json:"status"`
	QueueNumber          int       `json:"queue_number"`
	EstimatedWaitMinutes int       `json:"estimated_wait_minutes"`
	PeersAhead           int       `json:"peers_ahead"`
}

// Snapshot is an exam's queue: numbered entries in number order, followed
// by entries in progress.
type Snapshot struct {
	ExamID      uuid.UUID `json:"exam_id"`
	Entries     []*Entry  `json:"entries"`
	Waiting     int       `json:"waiting"`
	Called      int       `json:"called"`
	InProgress  int       `json:"in_progress"`
	GeneratedAt time.Time `json:"generated_at"`
}
