package journey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hospital/patientflow/internal/platform/db"
	"github.com/hospital/patientflow/pkg/pagination"
)

// MemRepository is an in-memory Repository implementing db.Snapshotter.
type MemRepository struct {
	mu      sync.RWMutex
	states  map[uuid.UUID]*State
	records []*TransitionRecord
	seq     int64
}

func NewMemRepository() *MemRepository {
	return &MemRepository{states: make(map[uuid.UUID]*State)}
}

func (m *MemRepository) Snapshot() func() {
	m.mu.RLock()
	states := make(map[uuid.UUID]*State, len(m.states))
	for id, st := range m.states {
		states[id] = st.clone()
	}
	records := append([]*TransitionRecord(nil), m.records...)
	seq := m.seq
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		m.states = states
		m.records = records
		m.seq = seq
		m.mu.Unlock()
	}
}

func (m *MemRepository) Get(_ context.Context, patientID uuid.UUID) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[patientID]
	if !ok {
		return nil, fmt.Errorf("%w: journey for patient %s", db.ErrNotFound, patientID)
	}
	return st.clone(), nil
}

func (m *MemRepository) Create(_ context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[st.PatientID]; ok {
		return fmt.Errorf("%w: journey for patient %s created concurrently", db.ErrConflict, st.PatientID)
	}
	st.Version = 1
	m.states[st.PatientID] = st.clone()
	return nil
}

func (m *MemRepository) Update(_ context.Context, st *State, expectedVersion int, expectedStage Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.states[st.PatientID]
	if !ok || cur.Version != expectedVersion || cur.Stage != expectedStage {
		return fmt.Errorf("%w: journey for patient %s is no longer %s at version %d",
			db.ErrConflict, st.PatientID, expectedStage, expectedVersion)
	}
	st.Version = expectedVersion + 1
	m.states[st.PatientID] = st.clone()
	return nil
}

func (m *MemRepository) AppendTransition(_ context.Context, rec *TransitionRecord) error {
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

func (m *MemRepository) ListTransitions(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*TransitionRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*TransitionRecord
	for _, r := range m.records {
		if r.PatientID == patientID {
			c := *r
			all = append(all, &c)
		}
	}
	total := len(all)
	return pagination.Slice(all, limit, offset), total, nil
}
