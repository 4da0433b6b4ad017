package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Exam is an examination room or resource with its own queue.
type Exam struct {
	ID                     uuid.UUID `db:"id" json:"id"`
	Name                   string    `db:"name" json:"name"`
	LocationTag            string    `db:"location_tag" json:"location_tag,omitempty"`
	AverageDurationMinutes int       `db:"average_duration_minutes" json:"average_duration_minutes"`
	CreatedAt              time.Time `db:"created_at" json:"created_at"`
}

type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentCheckedIn AppointmentStatus = "checked_in"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentScheduled, AppointmentCheckedIn, AppointmentCompleted, AppointmentCancelled, AppointmentNoShow:
		return true
	}
	return false
}

// Pending reports whether the appointment still has to be seen.
func (s AppointmentStatus) Pending() bool {
	return s == AppointmentScheduled || s == AppointmentCheckedIn
}

// Appointment maps to the appointments table.
type Appointment struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	PatientID   uuid.UUID         `db:"patient_id" json:"patient_id"`
	ExamID      uuid.UUID         `db:"exam_id" json:"exam_id"`
	ScheduledAt time.Time         `db:"scheduled_at" json:"scheduled_at"`
	Status      AppointmentStatus `db:"status" json:"status"`
	CompletedAt *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updated_at"`
}

// VisitDay is the calendar day of a visit in one time zone.
type VisitDay struct {
	Start time.Time
	End   time.Time
}

// DayOf returns the visit day containing t in loc.
func DayOf(t time.Time, loc *time.Location) VisitDay {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return VisitDay{Start: start, End: start.AddDate(0, 0, 1)}
}

// Contains reports whether t falls within [Start, End).
func (d VisitDay) Contains(t time.Time) bool {
	return !t.Before(d.Start) && t.Before(d.End)
}
