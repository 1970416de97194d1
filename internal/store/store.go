package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	Users         UserRepository
	Credentials   CredentialRepository
	Channels      WatchChannelRepository
	Cursors       SyncCursorRepository
	Events        EventRepository
	Subscriptions SubscriptionRepository
}

// New wires concrete repository implementations with a shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:          pool,
		Users:         &userRepo{pool: pool},
		Credentials:   &credentialRepo{pool: pool},
		Channels:      &watchChannelRepo{pool: pool},
		Cursors:       &syncCursorRepo{pool: pool},
		Events:        &eventRepo{pool: pool},
		Subscriptions: &subscriptionRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}
