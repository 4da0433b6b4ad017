package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	exams          ExamRepository
	appointments   AppointmentRepository
	loc            *time.Location
	defaultMinutes int
	now            func() time.Time
}

// NewService creates the scheduling service. loc defines the visit day and
// defaultMinutes is the service time of exams without an average duration.
func NewService(exams ExamRepository, appts AppointmentRepository, loc *time.Location, defaultMinutes int) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		exams:          exams,
		appointments:   appts,
		loc:            loc,
		defaultMinutes: defaultMinutes,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

// -- Exam --

func (s *Service) CreateExam(ctx context.Context, e *Exam) error {
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	if e.AverageDurationMinutes < 0 {
		return fmt.Errorf("average_duration_minutes must not be negative")
	}
	return s.exams.Create(ctx, e)
}

func (s *Service) GetExam(ctx context.Context, id uuid.UUID) (*Exam, error) {
	return s.exams.GetByID(ctx, id)
}

func (s *Service) ListExams(ctx context.Context, limit, offset int) ([]*Exam, int, error) {
	return s.exams.List(ctx, limit, offset)
}

// ServiceMinutes is the expected time one patient spends in the exam.
func (s *Service) ServiceMinutes(ctx context.Context, examID uuid.UUID) (int, error) {
	e, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		return 0, err
	}
	if e.AverageDurationMinutes > 0 {
		return e.AverageDurationMinutes, nil
	}
	return s.defaultMinutes, nil
}

// -- Appointment --

func (s *Service) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if a.ExamID == uuid.Nil {
		return fmt.Errorf("exam_id is required")
	}
	if a.ScheduledAt.IsZero() {
		return fmt.Errorf("scheduled_at is required")
	}
	if a.Status == "" {
		a.Status = AppointmentScheduled
	}
	if !a.Status.Valid() {
		return fmt.Errorf("invalid appointment status: %s", a.Status)
	}
	if _, err := s.exams.GetByID(ctx, a.ExamID); err != nil {
		return fmt.Errorf("exam %s: %w", a.ExamID, err)
	}
	return s.appointments.Create(ctx, a)
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) MarkCheckedIn(ctx context.Context, id uuid.UUID) error {
	return s.appointments.SetStatus(ctx, id, AppointmentCheckedIn, nil)
}

func (s *Service) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.appointments.SetStatus(ctx, id, AppointmentCompleted, &at)
}

// DayOf returns the visit day containing t.
func (s *Service) DayOf(t time.Time) VisitDay { return DayOf(t, s.loc) }

// Today returns the current visit day.
func (s *Service) Today() VisitDay { return DayOf(s.now(), s.loc) }

// ParseDay parses YYYY-MM-DD as a visit day.
func (s *Service) ParseDay(v string) (VisitDay, error) {
	t, err := time.ParseInLocation("2006-01-02", v, s.loc)
	if err != nil {
		return VisitDay{}, fmt.Errorf("invalid day %q: %w", v, err)
	}
	return DayOf(t, s.loc), nil
}

func (s *Service) ListForPatientDay(ctx context.Context, patientID uuid.UUID, day VisitDay) ([]*Appointment, error) {
	return s.appointments.ListForPatientBetween(ctx, patientID, day.Start, day.End)
}

// PendingForPatientDay lists the day's appointments still to be seen,
// earliest first, leaving out exclude.
func (s *Service) PendingForPatientDay(ctx context.Context, patientID uuid.UUID, day VisitDay, exclude uuid.UUID) ([]*Appointment, error) {
	all, err := s.ListForPatientDay(ctx, patientID, day)
	if err != nil {
		return nil, err
	}
	var out []*Appointment
	for _, a := range all {
		if a.ID != exclude && a.Status.Pending() {
			out = append(out, a)
		}
	}
	return out, nil
}
