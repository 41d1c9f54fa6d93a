// Package market is a demo price source publishing random FX quotes through a producer.
package market

import (
	"context"
	"log"
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/app/actor"
	"github.com/coachpo/eventfabric/internal/app/producer"
	"github.com/coachpo/eventfabric/internal/domain/fx"
)

const (
	component    = "market"
	maxRetained  = 1024
	priceDecimal = 5
)

// DefaultPairs are quoted when Config.Pairs is empty.
var DefaultPairs = []string{"EUR/USD", "EUR/GBP"}

// Config configures a Market.
type Config struct {
	// Name is the market routing token, e.g. "FxConnect".
	Name  string
	Pairs []string
	// Rate is the number of prices generated per second.
	Rate  float64
	Burst int
	// AutoGenerate starts the generation loop on Run.
	AutoGenerate bool
	// Seed fixes the generator; zero picks a random seed.
	Seed uint64
}

func (c Config) normalize() Config {
	if c.Name == "" {
		c.Name = "FxConnect"
	}
	if len(c.Pairs) == 0 {
		c.Pairs = append([]string(nil), DefaultPairs...)
	}
	if c.Rate <= 0 {
		c.Rate = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Producer is the publishing surface a market drives. *producer.Producer satisfies it.
type Producer interface {
	Publish(ctx context.Context, e producer.Event) error
	ConnectionState() *actor.Value[actor.ConnectionState]
}

// Market generates ChangeCcyPairPrice events at a bounded rate.
type Market struct {
	cfg      Config
	producer Producer
	logger   *log.Logger
	life     *actor.Lifecycle
	limiter  *rate.Limiter
	workers  *actor.Workers

	randMu sync.Mutex
	rand   *rand.Rand

	mu     sync.Mutex
	prices []*fx.ChangeCcyPairPrice
	sent   int
}

// New builds a market publishing through p. Generation only runs while p is Connected.
func New(cfg Config, p Producer, logger *log.Logger) *Market {
	cfg = cfg.normalize()
	if logger == nil {
		logger = log.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Market{
		cfg:      cfg,
		producer: p,
		logger:   logger,
		life:     actor.NewLifecycle(component, logger),
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		rand:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Name returns the market routing token.
func (m *Market) Name() string { return m.cfg.Name }

// Next builds a random quote: mid in [0, 10), spread in [0, 2).
func (m *Market) Next() *fx.ChangeCcyPairPrice {
	m.randMu.Lock()
	mid := decimal.NewFromFloat(m.rand.Float64() * 10).Round(priceDecimal)
	spread := decimal.NewFromFloat(m.rand.Float64() * 2).Round(priceDecimal)
	pair := m.cfg.Pairs[m.rand.IntN(len(m.cfg.Pairs))]
	m.randMu.Unlock()
	return fx.NewChangeCcyPairPrice(pair, m.cfg.Name, mid, spread)
}

// PublishNext generates and publishes one quote.
func (m *Market) PublishNext(ctx context.Context) (*fx.ChangeCcyPairPrice, error) {
	price := m.Next()
	if err := m.producer.Publish(ctx, price); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sent++
	m.prices = append(m.prices, price)
	if len(m.prices) > maxRetained {
		m.prices = m.prices[len(m.prices)-maxRetained:]
	}
	m.mu.Unlock()
	return price, nil
}

// Prices returns the most recently published quotes, oldest first.
func (m *Market) Prices() []*fx.ChangeCcyPairPrice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fx.ChangeCcyPairPrice(nil), m.prices...)
}

// Sent returns the number of quotes published since start.
func (m *Market) Sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

// Run starts the generation loop when AutoGenerate is set.
func (m *Market) Run(ctx context.Context) error {
	return m.life.Run(func() error {
		m.workers = actor.NewWorkers(ctx)
		if m.cfg.AutoGenerate {
			m.workers.Go(m.generate)
		}
		m.logger.Printf("market=%s pairs=%v rate=%g/s auto=%t", m.cfg.Name, m.cfg.Pairs, m.cfg.Rate, m.cfg.AutoGenerate)
		return nil
	})
}

// Destroy stops the generation loop.
func (m *Market) Destroy() error {
	return m.life.Destroy(func() error {
		if m.workers != nil {
			m.workers.Stop()
		}
		return nil
	})
}

func (m *Market) generate(ctx context.Context) {
	for {
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		if m.producer.ConnectionState().Get() != actor.Connected {
			continue
		}
		if _, err := m.PublishNext(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errs.Is(err, errs.CodeInvalidOperation) {
				m.logger.Printf("market=%s publish err=%v", m.cfg.Name, err)
			}
		}
	}
}
