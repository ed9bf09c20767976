package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the PostgreSQL-backed repositories sharing one pool.
type Store struct {
	pool   *pgxpool.Pool
	Orders *OrderStore
	Jobs   *JobStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		Orders: NewOrderStore(pool),
		Jobs:   NewJobStore(pool),
	}
}

// Pool exposes the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}
