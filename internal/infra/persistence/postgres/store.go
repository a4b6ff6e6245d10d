package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the PostgreSQL-backed repositories over one pool.
type Store struct {
	pool   *pgxpool.Pool
	Orders *OrderStore
	Runs   *RunStore
	Guards *GuardStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		Orders: NewOrderStore(pool),
		Runs:   NewRunStore(pool),
		Guards: NewGuardStore(pool),
	}
}

// Pool exposes the shared pool for health checks and shutdown.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}
