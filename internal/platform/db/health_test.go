package db

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestSummarizeMigrations(t *testing.T) {
	at := time.Now()
	s := SummarizeMigrations([]MigrationStatus{
		{Version: 1, Name: "001_init", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_ledger", Applied: true, AppliedAt: &at},
		{Version: 3, Name: "003_outbox"},
	})
	if s.Version != 2 || s.Applied != 2 {
		t.Errorf("expected version 2 with 2 applied, got %+v", s)
	}
	if len(s.Pending) != 1 || s.Pending[0] != "003_outbox" {
		t.Errorf("expected 003_outbox pending, got %v", s.Pending)
	}
}

func TestSummarizeMigrations_NoneApplied(t *testing.T) {
	s := SummarizeMigrations(nil)
	if s.Version != 0 || s.Pending == nil {
		t.Errorf("expected zero version and an empty pending list, got %+v", s)
	}
}

func TestHealthReport_StatusCode(t *testing.T) {
	for status, want := range map[string]int{
		HealthOK:               http.StatusOK,
		HealthUnreachable:      http.StatusServiceUnavailable,
		HealthMigrationPending: http.StatusServiceUnavailable,
	} {
		r := &HealthReport{Status: status}
		if got := r.StatusCode(); got != want {
			t.Errorf("%s: expected %d, got %d", status, want, got)
		}
	}
}

func TestMemoryHealthHandler(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)

	if err := MemoryHealthHandler()(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["store"] != "memory" || body["status"] != HealthOK {
		t.Errorf("unexpected body %v", body)
	}
	if _, ok := body["schema"]; ok {
		t.Error("expected no schema section for the memory store")
	}
}
