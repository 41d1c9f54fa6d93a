package fx

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/eventfabric/internal/domain/aggregate"
)

// Type tags used on the wire.
const (
	TagChangeCcyPairState = "ChangeCcyPairState"
	TagChangeCcyPairPrice = "ChangeCcyPairPrice"
)

// Event is the closed set of events applicable to a CurrencyPair.
type Event = aggregate.Applier[*CurrencyPair]

// ChangeCcyPairState switches a pair between Active and Passive on one market.
// Routing: <pair>.<state>.<market>
type ChangeCcyPairState struct {
	aggregate.Header

	State  CcyPairState `json:"state"`
	Market string       `json:"market"`
}

// NewChangeCcyPairState builds a state change for pair on market.
func NewChangeCcyPairState(pair, market string, state CcyPairState) *ChangeCcyPairState {
	return &ChangeCcyPairState{Header: aggregate.NewHeader(pair), State: state, Market: market}
}

// EventType returns the wire type tag.
func (e *ChangeCcyPairState) EventType() string { return TagChangeCcyPairState }

// RoutingFields returns state then market.
func (e *ChangeCcyPairState) RoutingFields() []any { return []any{e.State, e.Market} }

// ApplyTo sets the pair's state.
func (e *ChangeCcyPairState) ApplyTo(p *CurrencyPair) {
	p.State = e.State
}

// ChangeCcyPairPrice publishes a new quote for a pair on one market.
// Routing: <pair>.<market>
type ChangeCcyPairPrice struct {
	aggregate.Header

	Market string          `json:"market"`
	Ask    decimal.Decimal `json:"ask"`
	Bid    decimal.Decimal `json:"bid"`
	Mid    decimal.Decimal `json:"mid"`
	Spread decimal.Decimal `json:"spread"`
}

// NewChangeCcyPairPrice derives ask and bid from mid and spread.
func NewChangeCcyPairPrice(pair, market string, mid, spread decimal.Decimal) *ChangeCcyPairPrice {
	return &ChangeCcyPairPrice{
		Header: aggregate.NewHeader(pair),
		Market: market,
		Ask:    mid.Add(spread),
		Bid:    mid.Sub(spread),
		Mid:    mid,
		Spread: spread,
	}
}

// EventType returns the wire type tag.
func (e *ChangeCcyPairPrice) EventType() string { return TagChangeCcyPairPrice }

// RoutingFields returns the market.
func (e *ChangeCcyPairPrice) RoutingFields() []any { return []any{e.Market} }

// ApplyTo copies the quote onto the pair.
func (e *ChangeCcyPairPrice) ApplyTo(p *CurrencyPair) {
	p.Ask = e.Ask
	p.Bid = e.Bid
	p.Mid = e.Mid
	p.Spread = e.Spread
}

var (
	_ Event = (*ChangeCcyPairState)(nil)
	_ Event = (*ChangeCcyPairPrice)(nil)
)

// Types returns a factory per wire type tag, for registering with a serializer.
func Types() map[string]func() any {
	return map[string]func() any{
		TagChangeCcyPairState: func() any { return new(ChangeCcyPairState) },
		TagChangeCcyPairPrice: func() any { return new(ChangeCcyPairPrice) },
	}
}
