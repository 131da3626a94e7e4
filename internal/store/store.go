package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	Events EventRepository
	Tasks  TaskRepository
}

// New wires concrete repository implementations with a shared connection
// pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		Events: &eventRepo{pool: pool},
		Tasks:  &taskRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable. It doubles
// as the connectivity probe for the sync service.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}
