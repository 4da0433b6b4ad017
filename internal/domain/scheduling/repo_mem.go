package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hospital/patientflow/internal/platform/db"
	"github.com/hospital/patientflow/pkg/pagination"
)

// MemExamRepository is an in-memory ExamRepository.
type MemExamRepository struct {
	mu    sync.RWMutex
	exams map[uuid.UUID]*Exam
}

func NewMemExamRepository() *MemExamRepository {
	return &MemExamRepository{exams: make(map[uuid.UUID]*Exam)}
}

func (m *MemExamRepository) Create(_ context.Context, e *Exam) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	c := *e
	m.exams[e.ID] = &c
	return nil
}

func (m *MemExamRepository) GetByID(_ context.Context, id uuid.UUID) (*Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exams[id]
	if !ok {
		return nil, fmt.Errorf("%w: exam %s", db.ErrNotFound, id)
	}
	c := *e
	return &c, nil
}

func (m *MemExamRepository) List(_ context.Context, limit, offset int) ([]*Exam, int, error) {
	m.mu.RLock()
	var all []*Exam
	for _, e := range m.exams {
		c := *e
		all = append(all, &c)
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	total := len(all)
	return pagination.Slice(all, limit, offset), total, nil
}

// MemAppointmentRepository is an in-memory AppointmentRepository
// implementing db.Snapshotter.
type MemAppointmentRepository struct {
	mu    sync.RWMutex
	appts map[uuid.UUID]*Appointment
}

func NewMemAppointmentRepository() *MemAppointmentRepository {
	return &MemAppointmentRepository{appts: make(map[uuid.UUID]*Appointment)}
}

func cloneAppointment(a *Appointment) *Appointment {
	c := *a
	if a.CompletedAt != nil {
		at := *a.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func (m *MemAppointmentRepository) Snapshot() func() {
	m.mu.RLock()
	saved := make(map[uuid.UUID]*Appointment, len(m.appts))
	for id, a := range m.appts {
		saved[id] = cloneAppointment(a)
	}
	m.mu.RUnlock()
	return func() {
		m.mu.Lock()
		m.appts = saved
		m.mu.Unlock()
	}
}

func (m *MemAppointmentRepository) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt
	m.appts[a.ID] = cloneAppointment(a)
	return nil
}

func (m *MemAppointmentRepository) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, fmt.Errorf("%w: appointment %s", db.ErrNotFound, id)
	}
	return cloneAppointment(a), nil
}

func (m *MemAppointmentRepository) SetStatus(_ context.Context, id uuid.UUID, status AppointmentStatus, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return fmt.Errorf("%w: appointment %s", db.ErrNotFound, id)
	}
	c := cloneAppointment(a)
	c.Status = status
	if completedAt != nil {
		at := *completedAt
		c.CompletedAt = &at
	}
	c.UpdatedAt = time.Now().UTC()
	m.appts[id] = c
	return nil
}

func (m *MemAppointmentRepository) ListForPatientBetween(_ context.Context, patientID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	m.mu.RLock()
	var out []*Appointment
	for _, a := range m.appts {
		if a.PatientID == patientID && !a.ScheduledAt.Before(from) && a.ScheduledAt.Before(to) {
			out = append(out, cloneAppointment(a))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
