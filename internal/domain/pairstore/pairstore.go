// Package pairstore defines the persistence contract for projected currency pair views.
package pairstore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/eventfabric/internal/domain/fx"
)

// Snapshot is the persisted view of one pair as materialized by one cache.
type Snapshot struct {
	// View is the subject filter of the cache that produced the row; empty for unfiltered caches.
	View      string
	Pair      string
	State     fx.CcyPairState
	Ask       decimal.Decimal
	Bid       decimal.Decimal
	Mid       decimal.Decimal
	Spread    decimal.Decimal
	Version   int64
	UpdatedAt time.Time
}

// FromCurrencyPair copies the current aggregate fields.
func FromCurrencyPair(view string, p *fx.CurrencyPair) Snapshot {
	return Snapshot{
		View:      view,
		Pair:      p.ID(),
		State:     p.State,
		Ask:       p.Ask,
		Bid:       p.Bid,
		Mid:       p.Mid,
		Spread:    p.Spread,
		Version:   p.Version(),
		UpdatedAt: time.Now().UTC(),
	}
}

// Store abstracts persistence of pair snapshots.
type Store interface {
	SavePair(ctx context.Context, snapshot Snapshot) error
	DeletePair(ctx context.Context, view, pair string) error
	LoadPairs(ctx context.Context, view string) ([]Snapshot, error)
}
