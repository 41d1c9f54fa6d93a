package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/eventfabric/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
	Pairs *PairStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool), Pairs: NewPairStore(pool)}
}
