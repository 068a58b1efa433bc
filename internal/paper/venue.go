// Package paper provides an in-memory venue that simulates fills, balances and
// conditional-close materialization for paper trading and tests.
package paper

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"execution-core/pkg/exchanges/common"
)

// Config seeds the simulated account.
type Config struct {
	Balances map[string]float64
	Prices   map[string]float64
	Markets  map[string]common.Market
	FeeRate  float64 // decimal, e.g. 0.0026
	// ManualFills disables automatic matching; tests drive fills with Fill.
	ManualFills bool
}

// DefaultMarket is used for symbols without an explicit market entry.
var DefaultMarket = common.Market{PriceDecimals: 1, AmountDecimals: 8, MinAmount: 0.0001, MinCost: 0.5}

type order struct {
	common.Order
	close *common.ConditionalClose
}

// Venue is a paper implementation of common.Venue.
type Venue struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	prices   map[string]float64
	free     map[string]float64
	orders   map[string]*order
	seq      []string
	trades   []common.Trade
	calls    map[string]int
	placed   []common.OrderRequest
	canceled []string
	failures map[string][]error
}

// New creates a paper venue.
func New(cfg Config, logger zerolog.Logger) *Venue {
	v := &Venue{
		cfg:      cfg,
		logger:   logger.With().Str("component", "paper").Logger(),
		prices:   make(map[string]float64),
		free:     make(map[string]float64),
		orders:   make(map[string]*order),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
	for k, p := range cfg.Prices {
		v.prices[k] = p
	}
	for k, b := range cfg.Balances {
		v.free[k] = b
	}
	return v
}

// FailNext queues an error for the next call of method (e.g. "PlaceOrder").
func (v *Venue) FailNext(method string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failures[method] = append(v.failures[method], err)
}

// Calls returns how many times method was invoked.
func (v *Venue) Calls(method string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[method]
}

// Placed returns every accepted placement request in order.
func (v *Venue) Placed() []common.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]common.OrderRequest(nil), v.placed...)
}

// Canceled returns cancelled order ids in order.
func (v *Venue) Canceled() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.canceled...)
}

// SetBalance overrides the free balance of asset.
func (v *Venue) SetBalance(asset string, amount float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.free[asset] = amount
}

// SetPrice updates the last price and matches resting orders against it.
func (v *Venue) SetPrice(symbol string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[symbol] = price
	if v.cfg.ManualFills {
		return
	}
	for _, id := range v.seq {
		o := v.orders[id]
		if o.Symbol != symbol || o.Status != common.StatusOpen {
			continue
		}
		if triggered(o, price) {
			v.fillLocked(o, o.Amount-o.Filled, price)
		}
	}
}

// Fill executes qty of an open order at price, materializing a conditional
// close per tranche.
func (v *Venue) Fill(orderID string, qty, price float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrOrderNotFound, orderID)
	}
	if o.Status != common.StatusOpen {
		return fmt.Errorf("paper: order %s is %s", orderID, o.Status)
	}
	v.fillLocked(o, math.Min(qty, o.Amount-o.Filled), price)
	return nil
}

func (v *Venue) enter(method string) error {
	v.calls[method]++
	if q := v.failures[method]; len(q) > 0 {
		v.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

// PlaceOrder accepts an order and fills it when marketable.
func (v *Venue) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter("PlaceOrder"); err != nil {
		return common.OrderAck{}, err
	}
	if req.Amount <= 0 {
		return common.OrderAck{}, fmt.Errorf("EGeneral:Invalid arguments:volume")
	}
	last := v.prices[req.Symbol]
	base, quote := common.SplitSymbol(req.Symbol)

	if req.Side == common.SideBuy && req.Type != common.OrderTypeStopLoss && req.Type != common.OrderTypeTakeProfit {
		px := req.Price
		if px == 0 {
			px = last
		}
		if need := req.Amount * px; need > v.free[quote]+1e-9 {
			return common.OrderAck{}, fmt.Errorf("EOrder:Insufficient funds")
		}
	}
	if req.Side == common.SideSell && (req.Type == common.OrderTypeStopLoss || req.Type == common.OrderTypeTakeProfit) {
		if req.Amount > v.free[base]+1e-9 {
			return common.OrderAck{}, fmt.Errorf("EOrder:Insufficient funds")
		}
	}

	o := &order{
		Order: common.Order{
			ID:        "P" + uuid.NewString(),
			Symbol:    req.Symbol,
			Side:      req.Side,
			Type:      req.Type,
			Status:    common.StatusOpen,
			Amount:    req.Amount,
			Remaining: req.Amount,
			Price:     req.Price,
			StopPrice: req.StopPrice,
			CreatedAt: time.Now(),
		},
		close: req.Close,
	}
	v.orders[o.ID] = o
	v.seq = append(v.seq, o.ID)
	v.placed = append(v.placed, req)

	if !v.cfg.ManualFills && last > 0 && (o.Type == common.OrderTypeMarket || triggered(o, last)) {
		v.fillLocked(o, o.Amount, last)
	}
	v.logger.Info().Str("id", o.ID).Str("symbol", o.Symbol).Str("side", string(o.Side)).
		Str("type", string(o.Type)).Float64("amount", o.Amount).Str("status", string(o.Status)).Msg("paper order placed")
	return common.OrderAck{ID: o.ID, Status: o.Status, Filled: o.Filled, Average: o.Average, Cost: o.Cost}, nil
}

// CancelOrder cancels an open order.
func (v *Venue) CancelOrder(ctx context.Context, orderID, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter("CancelOrder"); err != nil {
		return err
	}
	o, ok := v.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: EOrder:Unknown order %s", common.ErrOrderNotFound, orderID)
	}
	if o.Status == common.StatusOpen {
		o.Status = common.StatusCanceled
	}
	v.canceled = append(v.canceled, orderID)
	return nil
}

// FetchOrder returns an order snapshot.
func (v *Venue) FetchOrder(ctx context.Context, orderID, symbol string) (common.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter("FetchOrder"); err != nil {
		return common.Order{}, err
	}
	o, ok := v.orders[orderID]
	if !ok {
		return common.Order{}, fmt.Errorf("%w: %s", common.ErrOrderNotFound, orderID)
	}
	return o.Order, nil
}

// FetchOpenOrders lists open orders, optionally for one symbol.
func (v *Venue) FetchOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter("FetchOpenOrders"); err != nil {
		return nil, err
	}
	var out []common.Order
	for _, id := range v.seq {
		o := v.orders[id]
		if o.Status == common.StatusOpen && (symbol == "" || o.Symbol == symbol) {
			out = append(out, o.Order)
		}
	}
	return out, nil
}

// FetchBalance returns the simulated balances.
func (v *Venue) FetchBalance(ctx context.Context) (common.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter("FetchBalance"); err != nil {
		return common.Balance{}, err
	}
	bal := common.Balance{Free: make(map[string]float64), Total: make(map[string]float64)}
	for k, f := range v.free {
		bal.Free[k] = f
		bal.Total[k] = f
	}
	return bal, nil
}

// FetchTicker returns the last set price.
func (v *Venue) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter("FetchTicker"); err != nil {
		return common.Ticker{}, err
	}
	p, ok := v.prices[symbol]
	if !ok {
		return common.Ticker{}, fmt.Errorf("EQuery:Unknown asset pair %s", symbol)
	}
	return common.Ticker{Symbol: symbol, Last: p, Bid: p, Ask: p, Time: time.Now()}, nil
}

// FetchMyTrades returns simulated trades since the given time.
func (v *Venue) FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]common.Trade, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter("FetchMyTrades"); err != nil {
		return nil, err
	}
	var out []common.Trade
	for _, t := range v.trades {
		if (symbol == "" || t.Symbol == symbol) && !t.Time.Before(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// Market returns the configured market or DefaultMarket.
func (v *Venue) Market(ctx context.Context, symbol string) (common.Market, error) {
	m, ok := v.cfg.Markets[symbol]
	if !ok {
		m = DefaultMarket
	}
	m.Symbol = symbol
	m.Base, m.Quote = common.SplitSymbol(symbol)
	return m, nil
}

func triggered(o *order, price float64) bool {
	switch o.Type {
	case common.OrderTypeMarket:
		return true
	case common.OrderTypeLimit:
		if o.Side == common.SideBuy {
			return price <= o.Price
		}
		return price >= o.Price
	case common.OrderTypeStopLoss:
		if o.Side == common.SideSell {
			return price <= o.StopPrice
		}
		return price >= o.StopPrice
	case common.OrderTypeTakeProfit:
		if o.Side == common.SideSell {
			return price >= o.StopPrice
		}
		return price <= o.StopPrice
	}
	return false
}

func (v *Venue) fillLocked(o *order, qty, price float64) {
	if qty <= 0 {
		return
	}
	base, quote := common.SplitSymbol(o.Symbol)
	cost := qty * price
	fee := cost * v.cfg.FeeRate
	if o.Side == common.SideBuy {
		v.free[quote] -= cost + fee
		v.free[base] += qty
	} else {
		v.free[base] -= qty
		v.free[quote] += cost - fee
	}

	o.Filled += qty
	o.Cost += cost
	o.Average = o.Cost / o.Filled
	o.Remaining = math.Max(0, o.Amount-o.Filled)
	if o.Remaining <= 1e-12 {
		o.Remaining = 0
		o.Status = common.StatusClosed
	}
	v.trades = append(v.trades, common.Trade{
		ID:      "T" + uuid.NewString(),
		OrderID: o.ID,
		Symbol:  o.Symbol,
		Side:    o.Side,
		Amount:  qty,
		Price:   price,
		Cost:    cost,
		Fee:     fee,
		Time:    time.Now(),
	})

	if o.close != nil {
		child := &order{Order: common.Order{
			ID:        "P" + uuid.NewString(),
			Symbol:    o.Symbol,
			Side:      o.Side.Opposite(),
			Type:      o.close.Type,
			Status:    common.StatusOpen,
			Amount:    qty,
			Remaining: qty,
			Price:     o.close.Price,
			StopPrice: o.close.Price,
			ParentID:  o.ID,
			CreatedAt: time.Now(),
		}}
		v.orders[child.ID] = child
		v.seq = append(v.seq, child.ID)
	}
}

var _ common.Venue = (*Venue)(nil)
