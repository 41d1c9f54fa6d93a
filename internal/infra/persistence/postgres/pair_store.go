package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/eventfabric/internal/domain/pairstore"
)

// PairStore persists projected currency pair views in PostgreSQL.
type PairStore struct {
	pool *pgxpool.Pool
}

// NewPairStore constructs a PairStore backed by the provided pgx pool.
func NewPairStore(pool *pgxpool.Pool) *PairStore {
	return &PairStore{pool: pool}
}

const (
	pairUpsertSQL = `
INSERT INTO currency_pairs (
    view_subject,
    pair,
    state,
    ask,
    bid,
    mid,
    spread,
    version,
    updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (view_subject, pair) DO UPDATE SET
    state = EXCLUDED.state,
    ask = EXCLUDED.ask,
    bid = EXCLUDED.bid,
    mid = EXCLUDED.mid,
    spread = EXCLUDED.spread,
    version = EXCLUDED.version,
    updated_at = EXCLUDED.updated_at
WHERE currency_pairs.version <= EXCLUDED.version;
`
	pairDeleteSQL = `DELETE FROM currency_pairs WHERE view_subject = $1 AND pair = $2;`
	pairListSQL   = `
SELECT view_subject, pair, state, ask::text, bid::text, mid::text, spread::text, version, updated_at
FROM currency_pairs
WHERE view_subject = $1
ORDER BY pair;
`
)

// SavePair upserts a pair snapshot. Older versions never overwrite newer rows.
func (s *PairStore) SavePair(ctx context.Context, snapshot pairstore.Snapshot) error {
	if s.pool == nil {
		return fmt.Errorf("pair store: nil pool")
	}
	pair := strings.TrimSpace(snapshot.Pair)
	if pair == "" {
		return fmt.Errorf("pair store: pair id required")
	}

	ask, err := numericFromDecimal(snapshot.Ask)
	if err != nil {
		return fmt.Errorf("pair store ask: %w", err)
	}
	bid, err := numericFromDecimal(snapshot.Bid)
	if err != nil {
		return fmt.Errorf("pair store bid: %w", err)
	}
	mid, err := numericFromDecimal(snapshot.Mid)
	if err != nil {
		return fmt.Errorf("pair store mid: %w", err)
	}
	spread, err := numericFromDecimal(snapshot.Spread)
	if err != nil {
		return fmt.Errorf("pair store spread: %w", err)
	}

	updated := snapshot.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, pairUpsertSQL,
		snapshot.View, pair, snapshot.State.String(), ask, bid, mid, spread, snapshot.Version, updated); err != nil {
		return fmt.Errorf("upsert pair: %w", err)
	}
	return nil
}

// DeletePair removes a pair from a view.
func (s *PairStore) DeletePair(ctx context.Context, view, pair string) error {
	if s.pool == nil {
		return fmt.Errorf("pair store: nil pool")
	}
	trimmed := strings.TrimSpace(pair)
	if trimmed == "" {
		return fmt.Errorf("pair store: pair id required")
	}
	if _, err := s.pool.Exec(ctx, pairDeleteSQL, view, trimmed); err != nil {
		return fmt.Errorf("delete pair: %w", err)
	}
	return nil
}

// LoadPairs retrieves every pair of a view ordered by id.
func (s *PairStore) LoadPairs(ctx context.Context, view string) ([]pairstore.Snapshot, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("pair store: nil pool")
	}
	rows, err := s.pool.Query(ctx, pairListSQL, view)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()

	var snapshots []pairstore.Snapshot
	for rows.Next() {
		var (
			snap                  pairstore.Snapshot
			state                 string
			ask, bid, mid, spread string
		)
		if err := rows.Scan(&snap.View, &snap.Pair, &state, &ask, &bid, &mid, &spread, &snap.Version, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		if err := snap.State.UnmarshalText([]byte(state)); err != nil {
			return nil, fmt.Errorf("decode pair state: %w", err)
		}
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{{&snap.Ask, ask}, {&snap.Bid, bid}, {&snap.Mid, mid}, {&snap.Spread, spread}} {
			d, err := decimalFromText(f.src)
			if err != nil {
				return nil, fmt.Errorf("decode pair %s: %w", snap.Pair, err)
			}
			*f.dst = d
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairs: %w", err)
	}
	return snapshots, nil
}
