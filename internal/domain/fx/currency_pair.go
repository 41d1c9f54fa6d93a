// Package fx contains the currency-pair aggregate and the market events applied to it.
package fx

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/eventfabric/internal/domain/aggregate"
)

// CcyPairState is the trading state of a currency pair.
type CcyPairState int

const (
	// Active pairs accept prices. It is the zero value.
	Active CcyPairState = iota
	// Passive pairs are halted.
	Passive
)

func (s CcyPairState) String() string {
	switch s {
	case Active:
		return "Active"
	case Passive:
		return "Passive"
	default:
		return fmt.Sprintf("CcyPairState(%d)", int(s))
	}
}

// MarshalText renders the state by name.
func (s CcyPairState) MarshalText() ([]byte, error) {
	switch s {
	case Active, Passive:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("fx: unknown pair state %d", int(s))
	}
}

// UnmarshalText parses a state name, case-insensitively.
func (s *CcyPairState) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "active":
		*s = Active
	case "passive":
		*s = Passive
	default:
		return fmt.Errorf("fx: unknown pair state %q", string(text))
	}
	return nil
}

// CurrencyPair is the materialized view of one pair's event stream.
type CurrencyPair struct {
	aggregate.Base

	State  CcyPairState
	Ask    decimal.Decimal
	Bid    decimal.Decimal
	Mid    decimal.Decimal
	Spread decimal.Decimal
}

// NewCurrencyPair returns an empty pair aggregate for id.
func NewCurrencyPair(id string, keepHistory bool) *CurrencyPair {
	p := new(CurrencyPair)
	p.Init(id, keepHistory)
	return p
}

func (p *CurrencyPair) String() string {
	return fmt.Sprintf("%s [%s/%s] %s (%d event(s))", p.ID(), p.Bid.String(), p.Ask.String(), p.State, p.Version()+1)
}
