package dispatch

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hospital/patientflow/internal/domain/journey"
	"github.com/hospital/patientflow/internal/domain/queue"
	"github.com/hospital/patientflow/internal/domain/scheduling"
	"github.com/hospital/patientflow/internal/platform/db"
	"github.com/hospital/patientflow/migrations"
)

type pgFixture struct {
	engine  *Engine
	queue   queue.Repository
	journey journey.Repository
	sched   *scheduling.Service
}

// newPgFixture runs against PATIENTFLOW_TEST_DATABASE_URL. Every test uses
// fresh exams and patients, so no cleanup is needed between runs.
func newPgFixture(t *testing.T) *pgFixture {
	t.Helper()
	url := os.Getenv("PATIENTFLOW_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PATIENTFLOW_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{DatabaseURL: url, MaxConns: 10, MinConns: 1})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &pgFixture{
		queue:   queue.NewRepoPG(pool),
		journey: journey.NewRepoPG(pool),
	}
	f.sched = scheduling.NewService(scheduling.NewExamRepoPG(pool), scheduling.NewAppointmentRepoPG(pool), time.UTC, 10)
	f.engine = NewEngine(Deps{
		Tx:         db.NewPgTxManager(pool, 5*time.Second),
		Queue:      queue.NewStore(f.queue, f.sched.ServiceMinutes),
		Journey:    journey.NewMachine(f.journey),
		Scheduling: f.sched,
		Logger:     zerolog.Nop(),
	})
	return f
}

func (f *pgFixture) exam(t *testing.T) uuid.UUID {
	t.Helper()
	e := &scheduling.Exam{Name: "exam-" + uuid.NewString()[:8], AverageDurationMinutes: 10}
	if err := f.sched.CreateExam(context.Background(), e); err != nil {
		t.Fatalf("CreateExam: %v", err)
	}
	return e.ID
}

func (f *pgFixture) appointment(t *testing.T, patient, exam uuid.UUID, hour int) uuid.UUID {
	t.Helper()
	a := &scheduling.Appointment{
		PatientID:   patient,
		ExamID:      exam,
		ScheduledAt: time.Date(2026, 3, 2, hour, 0, 0, 0, time.UTC),
	}
	if err := f.sched.CreateAppointment(context.Background(), a); err != nil {
		t.Fatalf("CreateAppointment: %v", err)
	}
	return a.ID
}

func TestPg_EmergencyJumpsAhead(t *testing.T) {
	f := newPgFixture(t)
	ctx := context.Background()
	exam := f.exam(t)
	a1 := f.appointment(t, uuid.New(), exam, 9)
	a2 := f.appointment(t, uuid.New(), exam, 9)

	e1, err := f.engine.EnqueuePatient(ctx, a1, queue.PriorityNormal, "nurse-1")
	if err != nil {
		t.Fatalf("enqueue p1: %v", err)
	}
	if e1.QueueNumber != 1 || e1.EstimatedWaitMinutes != 0 {
		t.Errorf("expected 1/0 on an empty queue, got %d/%d", e1.QueueNumber, e1.EstimatedWaitMinutes)
	}
	e2, err := f.engine.EnqueuePatient(ctx, a2, queue.PriorityEmergency, "nurse-1")
	if err != nil {
		t.Fatalf("enqueue p2: %v", err)
	}

	first, err := f.queue.GetByID(ctx, e1.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	second, _ := f.queue.GetByID(ctx, e2.ID)
	if second.QueueNumber != 1 || first.QueueNumber != 2 {
		t.Errorf("expected emergency 1 and normal 2, got %d and %d", second.QueueNumber, first.QueueNumber)
	}
	recs, total, err := f.queue.ListRecords(ctx, e1.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if total != 2 || recs[1].NewNumber != 2 {
		t.Errorf("expected creation and renumber records, got %+v", recs)
	}
}

func TestPg_ConcurrentEnqueues(t *testing.T) {
	f := newPgFixture(t)
	exam := f.exam(t)
	const n = 6
	appts := make([]uuid.UUID, n)
	for i := range appts {
		appts[i] = f.appointment(t, uuid.New(), exam, 9)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, id := range appts {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if _, err := f.engine.EnqueuePatient(context.Background(), id, queue.PriorityNormal, "kiosk"); err != nil {
				errs <- err
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("EnqueuePatient: %v", err)
	}

	active, err := f.queue.ListActiveByExam(context.Background(), exam)
	if err != nil {
		t.Fatalf("ListActiveByExam: %v", err)
	}
	seen := map[int]bool{}
	for _, e := range active {
		seen[e.QueueNumber] = true
	}
	for i := 1; i <= n; i++ {
		if !seen[i] {
			t.Errorf("missing queue number %d in %d entries", i, len(active))
		}
	}
}

func TestPg_CompleteExamMovesToNextAppointment(t *testing.T) {
	f := newPgFixture(t)
	ctx := context.Background()
	xray, lab := f.exam(t), f.exam(t)
	patient := uuid.New()
	first := f.appointment(t, patient, xray, 9)
	f.appointment(t, patient, lab, 10)

	entry, err := f.engine.EnqueuePatient(ctx, first, queue.PriorityNormal, "nurse-1")
	if err != nil {
		t.Fatalf("EnqueuePatient: %v", err)
	}
	for _, s := range []queue.Status{queue.StatusCalled, queue.StatusInProgress} {
		if _, err := f.engine.AdvanceQueueEntry(ctx, entry.ID, s, "nurse-1", ""); err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}

	p, err := f.engine.PerformJourneyAction(ctx, patient, journey.ActionCompleteExam, ActionContext{
		TriggerKind: journey.TriggerStaffAction,
		Actor:       "nurse-1",
	})
	if err != nil {
		t.Fatalf("complete_exam: %v", err)
	}
	if p.Stage != journey.StageWaiting {
		t.Fatalf("expected WAITING for the lab, got %s", p.Stage)
	}
	if _, err := f.queue.FindActive(ctx, patient, lab); err != nil {
		t.Errorf("expected an active lab entry: %v", err)
	}

	recs, total, err := f.journey.ListTransitions(ctx, patient, 0, 0)
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Seq <= recs[i-1].Seq {
			t.Errorf("ledger out of order at %d: %d after %d", i, recs[i].Seq, recs[i-1].Seq)
		}
	}
	if total == 0 || recs[len(recs)-1].ToStage != journey.StageWaiting {
		t.Errorf("expected the last ledger row to record WAITING, got %+v", recs)
	}
}
