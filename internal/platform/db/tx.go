package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// TxManager runs fn inside a single transaction. A nested WithTx joins the
// transaction already carried by ctx.
type TxManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

// InTx reports whether ctx carries a transaction started by a TxManager.
func InTx(ctx context.Context) bool {
	return ctx.Value(txKey{}) != nil
}

// Conn returns the transaction carried by ctx, falling back to the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// PgTxManager runs transactions against PostgreSQL.
type PgTxManager struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPgTxManager creates a manager whose transactions wait at most
// lockTimeout for row and advisory locks before failing with ErrConflict.
func NewPgTxManager(pool *pgxpool.Pool, lockTimeout time.Duration) *PgTxManager {
	return &PgTxManager{pool: pool, lockTimeout: lockTimeout}
}

func (m *PgTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if m.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", m.lockTimeout.Milliseconds())); err != nil {
			return Classify(fmt.Errorf("set lock_timeout: %w", err))
		}
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return Classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Snapshotter is implemented by in-memory repositories. Snapshot captures
// the current contents and returns a function restoring them.
type Snapshotter interface {
	Snapshot() (restore func())
}

type memTx struct{}

// MemTxManager gives in-memory repositories all-or-nothing semantics: it
// serializes transactions and restores every registered store when fn fails.
type MemTxManager struct {
	mu     sync.Mutex
	stores []Snapshotter
}

func NewMemTxManager(stores ...Snapshotter) *MemTxManager {
	return &MemTxManager{stores: stores}
}

func (m *MemTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Classify(err)
	}

	restores := make([]func(), 0, len(m.stores))
	for _, s := range m.stores {
		restores = append(restores, s.Snapshot())
	}

	err := fn(context.WithValue(ctx, txKey{}, memTx{}))
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
		return Classify(err)
	}
	return nil
}
