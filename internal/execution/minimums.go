package execution

import (
	"context"
	"sync"
	"time"

	"execution-core/pkg/exchanges/common"
)

// MarketSource loads instrument precision and limits.
type MarketSource interface {
	Market(ctx context.Context, symbol string) (common.Market, error)
}

type cachedMarket struct {
	market  common.Market
	fetched time.Time
}

// Minimums caches venue order minimums per symbol for a fixed TTL.
type Minimums struct {
	source MarketSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cachedMarket
}

// NewMinimums creates a cache; ttl <= 0 defaults to one hour.
func NewMinimums(source MarketSource, ttl time.Duration) *Minimums {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Minimums{source: source, ttl: ttl, now: time.Now, entries: make(map[string]cachedMarket)}
}

// Get returns the cached market, refreshing it when stale. A failed refresh
// falls back to a stale entry when one exists.
func (m *Minimums) Get(ctx context.Context, symbol string) (common.Market, error) {
	m.mu.Lock()
	e, ok := m.entries[symbol]
	m.mu.Unlock()
	if ok && m.now().Sub(e.fetched) < m.ttl {
		return e.market, nil
	}

	mk, err := m.source.Market(ctx, symbol)
	if err != nil {
		if ok {
			return e.market, nil
		}
		return common.Market{}, err
	}
	m.mu.Lock()
	m.entries[symbol] = cachedMarket{market: mk, fetched: m.now()}
	m.mu.Unlock()
	return mk, nil
}

// IsDust reports whether qty at price falls below the venue minimums.
func IsDust(market common.Market, qty, price float64) bool {
	if qty <= 0 {
		return true
	}
	if market.MinAmount > 0 && qty < market.MinAmount {
		return true
	}
	return market.MinCost > 0 && qty*price < market.MinCost
}
