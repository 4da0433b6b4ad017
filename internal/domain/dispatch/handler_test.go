package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hospital/patientflow/internal/domain/journey"
	"github.com/hospital/patientflow/internal/domain/queue"
	"github.com/hospital/patientflow/internal/platform/auth"
)

func newRequest(method, body, user string, roles ...string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return req.WithContext(auth.WithIdentity(req.Context(), user, roles))
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return httpErr.Code
}

func TestHandler_EnqueueAndAdvance(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.engine), echo.New()
	exam := f.exam(t, "xray")
	patient := uuid.New()
	appt := f.appointment(t, patient, exam, 9)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, `{"appointment_id":"`+appt.String()+`","priority":"URGENT"}`, "nurse-1", auth.RoleStaff), rec)
	if err := h.Enqueue(c); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var entry queue.Entry
	json.Unmarshal(rec.Body.Bytes(), &entry)
	if entry.Priority != queue.PriorityUrgent || entry.QueueNumber != 1 {
		t.Errorf("unexpected entry %+v", entry)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(newRequest(http.MethodPost, `{"status":"CALLED"}`, "nurse-1", auth.RoleStaff), rec)
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())
	if err := h.Advance(c); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if f.stage(t, patient) != journey.StageCalled {
		t.Errorf("expected journey CALLED, got %s", f.stage(t, patient))
	}

	c = e.NewContext(newRequest(http.MethodPost, `{"status":"COMPLETED"}`, "nurse-1", auth.RoleStaff), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())
	if code := statusOf(t, h.Advance(c)); code != http.StatusConflict {
		t.Errorf("expected 409 for CALLED -> COMPLETED, got %d", code)
	}
}

func TestHandler_EnqueueValidation(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.engine), echo.New()

	c := e.NewContext(newRequest(http.MethodPost, `{}`, "nurse-1", auth.RoleStaff), httptest.NewRecorder())
	if code := statusOf(t, h.Enqueue(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 without appointment, got %d", code)
	}

	body := `{"appointment_id":"` + uuid.New().String() + `","priority":"VIP"}`
	c = e.NewContext(newRequest(http.MethodPost, body, "nurse-1", auth.RoleStaff), httptest.NewRecorder())
	if code := statusOf(t, h.Enqueue(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown priority, got %d", code)
	}

	body = `{"appointment_id":"` + uuid.New().String() + `"}`
	c = e.NewContext(newRequest(http.MethodPost, body, "nurse-1", auth.RoleStaff), httptest.NewRecorder())
	if code := statusOf(t, h.Enqueue(c)); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown appointment, got %d", code)
	}
}

func TestHandler_PatientActsOnOwnJourney(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.engine), echo.New()
	patient := uuid.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, `{"action":"nfc_scan","location_tag":"lobby"}`, patient.String(), auth.RolePatient), rec)
	c.SetParamNames("id")
	c.SetParamValues(patient.String())
	if err := h.PerformAction(c); err != nil {
		t.Fatalf("PerformAction: %v", err)
	}
	var p Projection
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.Stage != journey.StageArrived || p.LocationTag != "lobby" {
		t.Errorf("unexpected projection %+v", p)
	}
	recs := f.transitions(t, patient)
	if last := recs[len(recs)-1]; last.TriggerKind != journey.TriggerPatientAction || last.Actor != patient.String() {
		t.Errorf("expected patient_action by the patient, got %+v", last)
	}

	other := uuid.New()
	c = e.NewContext(newRequest(http.MethodPost, `{"action":"nfc_scan"}`, patient.String(), auth.RolePatient), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(other.String())
	if code := statusOf(t, h.PerformAction(c)); code != http.StatusForbidden {
		t.Errorf("expected 403 for another patient, got %d", code)
	}
}

func TestHandler_PerformActionErrors(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.engine), echo.New()
	patient := uuid.New()

	cases := []struct {
		body string
		want int
	}{
		{`{"action":"teleport"}`, http.StatusBadRequest},
		{`{"action":"call"}`, http.StatusConflict},
		{`{"action":"nfc_scan","trigger_kind":"queue_sync"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		c := e.NewContext(newRequest(http.MethodPost, tc.body, "nurse-1", auth.RoleStaff), httptest.NewRecorder())
		c.SetParamNames("id")
		c.SetParamValues(patient.String())
		if code := statusOf(t, h.PerformAction(c)); code != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.body, tc.want, code)
		}
	}
}

func TestHandler_EnterQueueWithForeignAppointment(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.engine), echo.New()
	exam := f.exam(t, "xray")
	patient, other := uuid.New(), uuid.New()
	f.appointment(t, patient, exam, 9)
	foreign := f.appointment(t, other, exam, 10)
	f.register(t, patient)

	body := `{"action":"enter_queue","appointment_id":"` + foreign.String() + `"}`
	c := e.NewContext(newRequest(http.MethodPost, body, "nurse-1", auth.RoleStaff), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(patient.String())
	if code := statusOf(t, h.PerformAction(c)); code != http.StatusForbidden {
		t.Errorf("expected 403 for another patient's appointment, got %d", code)
	}
	if f.stage(t, patient) != journey.StageRegistered {
		t.Errorf("expected the journey to stay REGISTERED, got %s", f.stage(t, patient))
	}
}

func TestHTTPError_Mapping(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("appointment x: %w", ErrAppointmentOwnership), http.StatusForbidden},
		{fmt.Errorf("%w: priority %q", queue.ErrInvalidRequest, "VIP"), http.StatusBadRequest},
		{fmt.Errorf("%w: stage %q", journey.ErrInvalidRequest, "LIMBO"), http.StatusBadRequest},
		{fmt.Errorf("%w: %q", journey.ErrUnknownExternalStatus, "lost"), http.StatusBadRequest},
		{&journey.ActionError{Stage: journey.StageInProgress, Action: journey.ActionCancel}, http.StatusConflict},
		{queue.ErrNoActiveEntry, http.StatusNotFound},
		{echo.NewHTTPError(http.StatusTeapot, "kept"), http.StatusTeapot},
		{boom, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if code := statusOf(t, httpError(tc.err)); code != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, code)
		}
	}

	he := httpError(boom).(*echo.HTTPError)
	if he.Message != "internal server error" || !errors.Is(he.Internal, boom) {
		t.Errorf("expected a generic message with the cause kept internal, got %+v", he)
	}
}

func TestHandler_StaffTriggerKind(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.engine), echo.New()
	patient := uuid.New()

	c := e.NewContext(newRequest(http.MethodPost, `{"action":"nfc_scan","trigger_kind":"nfc_tag","source":"reader-3"}`, "kiosk-1", auth.RoleStaff), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(patient.String())
	if err := h.PerformAction(c); err != nil {
		t.Fatalf("PerformAction: %v", err)
	}
	recs := f.transitions(t, patient)
	if last := recs[len(recs)-1]; last.TriggerKind != journey.TriggerNFCTag || last.TriggerSource != "reader-3" {
		t.Errorf("unexpected record %+v", last)
	}
}

func TestHandler_GetPositionWithoutQueue(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.engine), echo.New()
	patient := uuid.New()

	c := e.NewContext(newRequest(http.MethodGet, "", patient.String(), auth.RolePatient), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(patient.String())
	if code := statusOf(t, h.GetPosition(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_GetJourneyAndTransitions(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.engine), echo.New()
	patient := uuid.New()
	f.register(t, patient)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "", "nurse-1", auth.RoleStaff), rec)
	c.SetParamNames("id")
	c.SetParamValues(patient.String())
	if err := h.GetJourney(c); err != nil {
		t.Fatalf("GetJourney: %v", err)
	}
	var p Projection
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.Stage != journey.StageRegistered || !p.LoggedIn {
		t.Errorf("unexpected projection %+v", p)
	}

	rec = httptest.NewRecorder()
	req := newRequest(http.MethodGet, "", "nurse-1", auth.RoleStaff)
	req.URL.RawQuery = "limit=2"
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(patient.String())
	if err := h.ListTransitions(c); err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	var page struct {
		Data    []journey.TransitionRecord `json:"data"`
		Total   int                        `json:"total"`
		HasMore bool                       `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 3 || len(page.Data) != 2 || !page.HasMore {
		t.Errorf("unexpected page: total=%d len=%d more=%v", page.Total, len(page.Data), page.HasMore)
	}
}

func TestHandler_SyncExternalStatus(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.engine), echo.New()
	patient := uuid.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, `{"status":"arrived"}`, "emr-bridge", auth.RoleStaff), rec)
	c.SetParamNames("id")
	c.SetParamValues(patient.String())
	if err := h.SyncExternalStatus(c); err != nil {
		t.Fatalf("SyncExternalStatus: %v", err)
	}
	if f.stage(t, patient) != journey.StageArrived {
		t.Errorf("expected ARRIVED, got %s", f.stage(t, patient))
	}

	c = e.NewContext(newRequest(http.MethodPost, `{"status":"lost"}`, "emr-bridge", auth.RoleStaff), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(patient.String())
	if code := statusOf(t, h.SyncExternalStatus(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unknown hint, got %d", code)
	}
}

func TestHandler_RoutesRequireRoles(t *testing.T) {
	f := newFixture(t)
	e := echo.New()
	patient := uuid.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), patient.String(), []string{auth.RolePatient})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(f.engine).RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/exams/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a patient on a staff route, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/patients/"+patient.String()+"/journey", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for the patient's own journey, got %d", rec.Code)
	}
}
