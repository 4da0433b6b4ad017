package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hospital/patientflow/internal/platform/db"
)

const systemActor = "system"

// ServiceTimeFunc returns the expected service time of one patient at an exam.
type ServiceTimeFunc func(ctx context.Context, examID uuid.UUID) (int, error)

// Store is the per-exam priority queue. Every mutating call must run inside
// a db.TxManager transaction; the exam lock it takes is released on commit.
type Store struct {
	repo        Repository
	serviceTime ServiceTimeFunc
	now         func() time.Time
}

func NewStore(repo Repository, serviceTime ServiceTimeFunc) *Store {
	return &Store{
		repo:        repo,
		serviceTime: serviceTime,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

type EnqueueRequest struct {
	ExamID        uuid.UUID
	PatientID     uuid.UUID
	AppointmentID uuid.UUID
	Priority      Priority
	Actor         string
	Reason        string
	Metadata      map[string]interface{}
}

type AdvanceRequest struct {
	EntryID  uuid.UUID
	Target   Status
	Actor    string
	Reason   string
	Metadata map[string]interface{}
}

type PriorityRequest struct {
	EntryID  uuid.UUID
	Priority Priority
	Actor    string
	Reason   string
}

// mutation is one write to a primary entry. prev is nil for a new entry.
type mutation struct {
	entry    *Entry
	prev     *Entry
	actor    string
	reason   string
	metadata map[string]interface{}
}

// Enqueue admits a patient to an exam's queue at the next number, then
// renumbers and refreshes wait estimates for the exam.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*Change, error) {
	if req.ExamID == uuid.Nil || req.PatientID == uuid.Nil || req.AppointmentID == uuid.Nil {
		return nil, fmt.Errorf("%w: exam_id, patient_id and appointment_id are required", ErrInvalidRequest)
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: priority %q", ErrInvalidRequest, req.Priority)
	}

	if err := s.repo.LockExam(ctx, req.ExamID); err != nil {
		return nil, err
	}
	if _, err := s.repo.FindActive(ctx, req.PatientID, req.ExamID); err == nil {
		return nil, fmt.Errorf("%w: patient %s exam %s", ErrDuplicateActiveEntry, req.PatientID, req.ExamID)
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	active, err := s.repo.ListActiveByExam(ctx, req.ExamID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	e := &Entry{
		ID:            uuid.New(),
		ExamID:        req.ExamID,
		PatientID:     req.PatientID,
		AppointmentID: req.AppointmentID,
		Status:        StatusWaiting,
		QueueNumber:   nextNumber(active),
		Priority:      req.Priority,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	reason := req.Reason
	if reason == "" {
		reason = "enqueued"
	}
	return s.commit(ctx, active, mutation{entry: e, actor: req.Actor, reason: reason, metadata: req.Metadata})
}

// Advance moves an entry to target if the transition is legal.
func (s *Store) Advance(ctx context.Context, req AdvanceRequest) (*Change, error) {
	cur, err := s.lockedEntry(ctx, req.EntryID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.Status, req.Target) {
		return nil, &TransitionError{EntryID: cur.ID, From: cur.Status, To: req.Target}
	}

	next := cur.clone()
	next.Status = req.Target
	if req.Target == StatusCalled && next.CalledAt == nil {
		at := s.now()
		next.CalledAt = &at
	}

	active, err := s.repo.ListActiveByExam(ctx, cur.ExamID)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, active, mutation{entry: next, prev: cur, actor: req.Actor, reason: req.Reason, metadata: req.Metadata})
}

// SetPriority changes the priority of a WAITING or CALLED entry and
// renumbers the exam. An unchanged priority writes nothing.
func (s *Store) SetPriority(ctx context.Context, req PriorityRequest) (*Change, error) {
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: priority %q", ErrInvalidRequest, req.Priority)
	}
	cur, err := s.lockedEntry(ctx, req.EntryID)
	if err != nil {
		return nil, err
	}
	if !cur.Status.Numbered() {
		return nil, &TransitionError{EntryID: cur.ID, From: cur.Status, To: cur.Status, Op: "set_priority"}
	}
	if cur.Priority == req.Priority {
		return &Change{Entry: cur, PreviousStatus: cur.Status, PreviousNumber: cur.QueueNumber}, nil
	}

	next := cur.clone()
	next.Priority = req.Priority
	active, err := s.repo.ListActiveByExam(ctx, cur.ExamID)
	if err != nil {
		return nil, err
	}
	reason := req.Reason
	if reason == "" {
		reason = "priority changed"
	}
	return s.commit(ctx, active, mutation{
		entry:  next,
		prev:   cur,
		actor:  req.Actor,
		reason: reason,
		metadata: map[string]interface{}{
			"previous_priority": string(cur.Priority),
			"priority":          string(req.Priority),
		},
	})
}

// Renumber recomputes an exam's dense order and wait estimates, writing
// only the entries whose values moved.
func (s *Store) Renumber(ctx context.Context, examID uuid.UUID, actor, reason string) ([]*Entry, error) {
	if err := s.repo.LockExam(ctx, examID); err != nil {
		return nil, err
	}
	active, err := s.repo.ListActiveByExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	waits, err := s.estimate(ctx, examID, active)
	if err != nil {
		return nil, err
	}
	return s.rebalance(ctx, active, PlanRenumber(active), waits, uuid.Nil, actor, reason)
}

func (s *Store) lockedEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.LockExam(ctx, cur.ExamID); err != nil {
		return nil, err
	}
	// Re-read under the lock.
	return s.repo.GetByID(ctx, id)
}

func (s *Store) estimate(ctx context.Context, examID uuid.UUID, set []*Entry) (map[uuid.UUID]int, error) {
	minutes, err := s.serviceTime(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("service time for exam %s: %w", examID, err)
	}
	return EstimateWaits(set, minutes), nil
}

// commit writes the primary entry with one ledger record, then renumbers
// the rest of the exam and refreshes estimates.
func (s *Store) commit(ctx context.Context, active []*Entry, m mutation) (*Change, error) {
	set := make([]*Entry, 0, len(active)+1)
	for _, e := range active {
		if e.ID != m.entry.ID {
			set = append(set, e)
		}
	}
	if m.entry.Status.Active() {
		set = append(set, m.entry)
	}

	plan := PlanRenumber(set)
	for _, p := range plan {
		p.Entry.QueueNumber = p.To
	}
	waits, err := s.estimate(ctx, m.entry.ExamID, set)
	if err != nil {
		return nil, err
	}

	now := s.now()
	m.entry.EstimatedWaitMinutes = waits[m.entry.ID]
	m.entry.UpdatedAt = now
	actor := orSystem(m.actor)

	rec := &StatusRecord{
		EntryID:   m.entry.ID,
		ExamID:    m.entry.ExamID,
		PatientID: m.entry.PatientID,
		NewStatus: m.entry.Status,
		NewNumber: m.entry.QueueNumber,
		Actor:     actor,
		Reason:    m.reason,
		Metadata:  m.metadata,
		CreatedAt: now,
	}
	change := &Change{Entry: m.entry, Record: rec}

	if m.prev == nil {
		if err := s.repo.Create(ctx, m.entry); err != nil {
			return nil, err
		}
	} else {
		if err := s.repo.Update(ctx, m.entry, m.prev.Version); err != nil {
			return nil, err
		}
		prevStatus, prevNumber := m.prev.Status, m.prev.QueueNumber
		rec.PreviousStatus = &prevStatus
		rec.PreviousNumber = &prevNumber
		change.PreviousStatus = prevStatus
		change.PreviousNumber = prevNumber
	}
	rec.PositionSnapshot = m.entry.position()
	rec.EstimatedWaitSnapshot = m.entry.EstimatedWaitMinutes
	if err := s.repo.AppendRecord(ctx, rec); err != nil {
		return nil, err
	}

	change.Renumbered, err = s.rebalance(ctx, set, plan, waits, m.entry.ID, actor, "renumbered")
	if err != nil {
		return nil, err
	}
	return change, nil
}

// rebalance persists planned number changes (one ledger record each) and
// estimate-only refreshes for every entry except skip. Numbers in plan must
// already be applied to the entries.
func (s *Store) rebalance(ctx context.Context, set []*Entry, plan []Renumbering, waits map[uuid.UUID]int, skip uuid.UUID, actor, reason string) ([]*Entry, error) {
	now := s.now()
	actor = orSystem(actor)
	if reason == "" {
		reason = "renumbered"
	}

	moved := make(map[uuid.UUID]bool, len(plan))
	var renumbered []*Entry
	for _, p := range plan {
		e := p.Entry
		if e.ID == skip {
			continue
		}
		moved[e.ID] = true
		e.QueueNumber = p.To
		e.EstimatedWaitMinutes = waits[e.ID]
		e.UpdatedAt = now
		if err := s.repo.Update(ctx, e, e.Version); err != nil {
			return nil, err
		}
		status, from := e.Status, p.From
		if err := s.repo.AppendRecord(ctx, &StatusRecord{
			EntryID:               e.ID,
			ExamID:                e.ExamID,
			PatientID:             e.PatientID,
			PreviousStatus:        &status,
			NewStatus:             status,
			PreviousNumber:        &from,
			NewNumber:             p.To,
			Actor:                 actor,
			Reason:                reason,
			PositionSnapshot:      e.position(),
			EstimatedWaitSnapshot: e.EstimatedWaitMinutes,
			CreatedAt:             now,
		}); err != nil {
			return nil, err
		}
		renumbered = append(renumbered, e)
	}

	for _, e := range set {
		if e.ID == skip || moved[e.ID] {
			continue
		}
		if w := waits[e.ID]; w != e.EstimatedWaitMinutes {
			if err := s.repo.UpdateEstimate(ctx, e.ID, w); err != nil {
				return nil, err
			}
			e.EstimatedWaitMinutes = w
		}
	}
	return renumbered, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Store) ActiveForPatient(ctx context.Context, patientID uuid.UUID) ([]*Entry, error) {
	return s.repo.ListActiveByPatient(ctx, patientID)
}

func (s *Store) FindActive(ctx context.Context, patientID, examID uuid.UUID) (*Entry, error) {
	return s.repo.FindActive(ctx, patientID, examID)
}

// Position reports an entry's number, estimate and the numbered entries
// ahead of it. Entries outside the numbered set have nobody ahead.
func (s *Store) Position(ctx context.Context, entryID uuid.UUID) (*Position, error) {
	e, err := s.repo.GetByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	pos := &Position{
		EntryID:              e.ID,
		ExamID:               e.ExamID,
		Status:               e.Status,
		QueueNumber:          e.QueueNumber,
		EstimatedWaitMinutes: e.EstimatedWaitMinutes,
	}
	if !e.Status.Numbered() {
		return pos, nil
	}
	active, err := s.repo.ListActiveByExam(ctx, e.ExamID)
	if err != nil {
		return nil, err
	}
	for _, o := range active {
		if o.ID != e.ID && o.Status.Numbered() && o.QueueNumber < e.QueueNumber {
			pos.PeersAhead++
		}
	}
	return pos, nil
}

// Snapshot lists an exam's queue in number order with entries in progress last.
func (s *Store) Snapshot(ctx context.Context, examID uuid.UUID) (*Snapshot, error) {
	active, err := s.repo.ListActiveByExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{ExamID: examID, Entries: []*Entry{}, GeneratedAt: s.now()}
	var inProgress []*Entry
	for _, e := range active {
		switch e.Status {
		case StatusWaiting:
			snap.Waiting++
		case StatusCalled:
			snap.Called++
		case StatusInProgress:
			snap.InProgress++
			inProgress = append(inProgress, e)
			continue
		}
		snap.Entries = append(snap.Entries, e)
	}
	sort.SliceStable(snap.Entries, func(i, j int) bool { return snap.Entries[i].QueueNumber < snap.Entries[j].QueueNumber })
	snap.Entries = append(snap.Entries, inProgress...)
	return snap, nil
}

func (s *Store) History(ctx context.Context, entryID uuid.UUID, limit, offset int) ([]*StatusRecord, int, error) {
	return s.repo.ListRecords(ctx, entryID, limit, offset)
}

func orSystem(actor string) string {
	if actor == "" {
		return systemActor
	}
	return actor
}
