package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify_NoRows(t *testing.T) {
	err := Classify(fmt.Errorf("get entry: %w", pgx.ErrNoRows))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClassify_LockContention(t *testing.T) {
	for _, code := range []string{"55P03", "40001", "40P01"} {
		err := Classify(&pgconn.PgError{Code: code})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("code %s: expected ErrConflict, got %v", code, err)
		}
		if !Retryable(err) {
			t.Errorf("code %s: expected retryable", code)
		}
	}
}

func TestClassify_Deadline(t *testing.T) {
	err := Classify(context.DeadlineExceeded)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected original error to stay in the chain")
	}
}

func TestClassify_KeepsDriverError(t *testing.T) {
	err := Classify(fmt.Errorf("advance: %w", &pgconn.PgError{Code: "55P03", ConstraintName: "lock"}))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "55P03" {
		t.Errorf("expected the PgError to stay reachable, got %v", err)
	}

	err = Classify(fmt.Errorf("get: %w", pgx.ErrNoRows))
	if !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("expected pgx.ErrNoRows in the chain, got %v", err)
	}
}

func TestClassify_ConnectionException(t *testing.T) {
	err := Classify(&pgconn.PgError{Code: "08006"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClassify_PassThrough(t *testing.T) {
	orig := errors.New("boom")
	if got := Classify(orig); got != orig {
		t.Errorf("expected unchanged error, got %v", got)
	}
	if Classify(nil) != nil {
		t.Error("expected nil for nil")
	}
	if Retryable(orig) {
		t.Error("plain errors are not retryable")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "uq_x"})
	if !IsUniqueViolation(err, "uq_x") {
		t.Error("expected match on named constraint")
	}
	if !IsUniqueViolation(err, "") {
		t.Error("expected match on any constraint")
	}
	if IsUniqueViolation(err, "uq_other") {
		t.Error("expected no match on other constraint")
	}
}
