package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Health states reported by /health/db.
const (
	HealthOK               = "healthy"
	HealthUnreachable      = "unreachable"
	HealthMigrationPending = "migrations_pending"
)

// PoolStats is the JSON view of pgxpool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireDuration string `json:"acquire_duration"`
}

func poolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// SchemaState summarises migration bookkeeping. The dispatch tables are
// unusable while anything is pending, so a pending migration makes the store
// unhealthy even when the pool answers.
type SchemaState struct {
	Version int      `json:"version"`
	Applied int      `json:"applied"`
	Pending []string `json:"pending"`
}

// SummarizeMigrations folds a Status listing into a SchemaState. Version is
// the highest applied version.
func SummarizeMigrations(statuses []MigrationStatus) *SchemaState {
	s := &SchemaState{Pending: []string{}}
	for _, st := range statuses {
		if !st.Applied {
			s.Pending = append(s.Pending, st.Name)
			continue
		}
		s.Applied++
		if st.Version > s.Version {
			s.Version = st.Version
		}
	}
	return s
}

// HealthReport is the body of /health/db.
type HealthReport struct {
	Status string       `json:"status"`
	Store  string       `json:"store"`
	Error  string       `json:"error,omitempty"`
	Pool   *PoolStats   `json:"pool,omitempty"`
	Schema *SchemaState `json:"schema,omitempty"`
}

// StatusCode is 200 only for a healthy store.
func (r *HealthReport) StatusCode() int {
	if r.Status == HealthOK {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// HealthHandler pings postgres within timeout and, when migrator is set,
// checks that the schema is current.
func HealthHandler(pool *pgxpool.Pool, migrator *Migrator, timeout time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		report := &HealthReport{Status: HealthOK, Store: "postgres", Pool: poolStats(pool)}
		if err := pool.Ping(ctx); err != nil {
			report.Status = HealthUnreachable
			report.Error = Classify(err).Error()
			return c.JSON(report.StatusCode(), report)
		}
		if migrator != nil {
			statuses, err := migrator.Status(ctx)
			if err != nil {
				report.Status = HealthUnreachable
				report.Error = Classify(err).Error()
				return c.JSON(report.StatusCode(), report)
			}
			report.Schema = SummarizeMigrations(statuses)
			if len(report.Schema.Pending) > 0 {
				report.Status = HealthMigrationPending
			}
		}
		return c.JSON(report.StatusCode(), report)
	}
}

// MemoryHealthHandler reports the in-process store, which has no schema and
// is always reachable.
func MemoryHealthHandler() echo.HandlerFunc {
	report := &HealthReport{Status: HealthOK, Store: "memory"}
	return func(c echo.Context) error {
		return c.JSON(report.StatusCode(), report)
	}
}
