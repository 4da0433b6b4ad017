package queue

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

// MemRepository is an in-memory Repository. It implements db.Snapshotter
// so a db.MemTxManager can roll it back.
type MemRepository struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*Entry
	records []*StatusRecord
	seq     int64
}

func NewMemRepository() *MemRepository {
	return &MemRepository{entries: make(map[uuid.UUID]*Entry)}
}

func (m *MemRepository) Snapshot() func() {
	m.mu.RLock()
	entries := make(map[uuid.UUID]*Entry, len(m.entries))
	for id, e := range m.entries {
		entries[id] = e.clone()
	}
	records := append([]*StatusRecord(nil), m.records...)
	seq := m.seq
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		m.entries = entries
		m.records = records
		m.seq = seq
		m.mu.Unlock()
	}
}

func (m *MemRepository) Create(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cur := range m.entries {
		if cur.PatientID == e.PatientID && cur.ExamID == e.ExamID && cur.Status.Active() {
			return fmt.Errorf("%w: patient %s exam %s", ErrDuplicateActiveEntry, e.PatientID, e.ExamID)
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	m.entries[e.ID] = e.clone()
	return nil
}

func (m *MemRepository) GetByID(_ context.Context, id uuid.UUID) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: queue entry %s", db.ErrNotFound, id)
	}
	return e.clone(), nil
}

func (m *MemRepository) Update(_ context.Context, e *Entry, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entries[e.ID]
	if !ok {
		return fmt.Errorf("%w: queue entry %s", db.ErrNotFound, e.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: queue entry %s is no longer at version %d", db.ErrConflict, e.ID, expectedVersion)
	}
	if e.Status.Active() && !cur.Status.Active() {
		for _, other := range m.entries {
			if other.ID != e.ID && other.PatientID == e.PatientID && other.ExamID == e.ExamID && other.Status.Active() {
				return fmt.Errorf("%w: patient %s exam %s", ErrDuplicateActiveEntry, e.PatientID, e.ExamID)
			}
		}
	}
	e.Version = expectedVersion + 1
	m.entries[e.ID] = e.clone()
	return nil
}

func (m *MemRepository) UpdateEstimate(_ context.Context, id uuid.UUID, minutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: queue entry %s", db.ErrNotFound, id)
	}
	c := e.clone()
	c.EstimatedWaitMinutes = minutes
	m.entries[id] = c
	return nil
}

func (m *MemRepository) listActive(match func(*Entry) bool) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.Status.Active() && match(e) {
			out = append(out, e.clone())
		}
	}
	return out
}

func (m *MemRepository) ListActiveByExam(_ context.Context, examID uuid.UUID) ([]*Entry, error) {
	out := m.listActive(func(e *Entry) bool { return e.ExamID == examID })
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueueNumber != out[j].QueueNumber {
			return out[i].QueueNumber < out[j].QueueNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemRepository) ListActiveByPatient(_ context.Context, patientID uuid.UUID) ([]*Entry, error) {
	out := m.listActive(func(e *Entry) bool { return e.PatientID == patientID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemRepository) FindActive(_ context.Context, patientID, examID uuid.UUID) (*Entry, error) {
	out := m.listActive(func(e *Entry) bool { return e.PatientID == patientID && e.ExamID == examID })
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no active entry for patient %s exam %s", db.ErrNotFound, patientID, examID)
	}
	return out[0], nil
}

// LockExam is a no-op: db.MemTxManager already serializes transactions.
func (m *MemRepository) LockExam(_ context.Context, _ uuid.UUID) error { return nil }

func (m *MemRepository) AppendRecord(_ context.Context, rec *StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.seq++
	rec.Seq = m.seq
	c := *rec
	m.records = append(m.records, &c)
	return nil
}

func (m *MemRepository) ListRecords(_ context.Context, entryID uuid.UUID, limit, offset int) ([]*StatusRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*StatusRecord
	for _, r := range m.records {
		if r.EntryID == entryID {
			c := *r
			all = append(all, &c)
		}
	}
	return pagination.Slice(all, limit, offset), len(all), nil
}
