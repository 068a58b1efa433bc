// Package execution runs market entries and exits, confirms their fills by
// polling, and routes entries to the bracket path when configured.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/bracket"
	"execution-core/internal/positions"
	"execution-core/internal/ratelimit"
	"execution-core/internal/telemetry"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

var (
	ErrShortingDisabled  = errors.New("short entries are disabled")
	ErrDustPosition      = errors.New("order below venue minimums")
	ErrSettlementTimeout = errors.New("fill not confirmed before timeout")
	ErrNoPosition        = errors.New("no tracked position")
	ErrRateLimited       = ratelimit.ErrRateLimited
)

// Execution modes.
const (
	ModeMarket  = "market"
	ModeBracket = "bracket"
)

// sourceBracketPrefix tags mental positions whose exits the venue handles.
const sourceBracketPrefix = "bracket:"

// minBuffer bumps a quantity 1% above the venue minimum.
const minBuffer = 1.01

// Config tunes the market path.
type Config struct {
	Mode             string // live | paper
	ExecutionMode    string // market | bracket
	ShortingEnabled  bool
	FillPollAttempts int
	FillPollInitial  time.Duration
	FillPollMaxWait  time.Duration
	RateLimitMaxWait time.Duration
	MinimumsTTL      time.Duration
}

// Gate is order admission control, satisfied by *ratelimit.Limiter.
type Gate interface {
	WaitIfNeeded(maxWait time.Duration) bool
}

// Brackets is the bracket placement path, satisfied by *bracket.Manager.
type Brackets interface {
	ComputeBracket(ctx context.Context, symbol string, side common.Side, entryPrice, volatility, equity float64) (*bracket.Order, error)
	ValidatePlaceable(ctx context.Context, b bracket.Order) (bool, string, float64)
	PlaceEntryWithBrackets(ctx context.Context, b bracket.Order) (bracket.PlacementResult, error)
}

// Positions is the mental position store, satisfied by *positions.Tracker.
type Positions interface {
	AddPosition(in positions.NewPosition) (positions.Position, error)
	RemovePosition(symbol string) (bool, error)
	GetPosition(symbol string) (*positions.Position, error)
	All() (map[string]positions.Position, error)
}

// Telemetry receives fire-and-forget records, satisfied by *telemetry.Dispatcher.
type Telemetry interface {
	LogExecution(e telemetry.Execution)
	LogTrade(t telemetry.Trade)
}

// ExecutionLog is the local fill log, satisfied by *db.ExecutionQueries.
type ExecutionLog interface {
	Insert(ctx context.Context, e db.ExecutedOrder) (bool, error)
}

// Deps are the manager's collaborators. Brackets and Telemetry may be nil.
type Deps struct {
	Venue      common.Venue
	Gate       Gate
	Brackets   Brackets
	Positions  Positions
	Executions ExecutionLog
	Telemetry  Telemetry
}

// EntryRequest asks for a new position worth NotionalUSD.
type EntryRequest struct {
	Symbol      string      `json:"symbol"`
	Side        common.Side `json:"side"`
	NotionalUSD float64     `json:"notional_usd"`
	Source      string      `json:"source"`
	Volatility  float64     `json:"volatility"`
	Reason      string      `json:"reason,omitempty"`
}

// ExitRequest closes Quantity of a position; zero means the whole tracked position.
type ExitRequest struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Source   string  `json:"source"`
	Reason   string  `json:"reason,omitempty"`
}

// ExecutionResult describes a confirmed execution, or a bracket placement.
type ExecutionResult struct {
	OrderID   string                   `json:"order_id"`
	Symbol    string                   `json:"symbol"`
	Side      common.Side              `json:"side"`
	Route     string                   `json:"route"`
	FilledQty float64                  `json:"filled_qty"`
	FillPrice float64                  `json:"fill_price"`
	TotalCost float64                  `json:"total_cost"`
	Placement *bracket.PlacementResult `json:"placement,omitempty"`
}

// ExitSignal is one mental-bracket trigger handled by CheckExits.
type ExitSignal struct {
	Symbol  string            `json:"symbol"`
	Trigger positions.Trigger `json:"trigger"`
	Price   float64           `json:"price"`
	Result  *ExecutionResult  `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Manager executes market orders.
type Manager struct {
	cfg      Config
	deps     Deps
	minimums *Minimums
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// New creates an execution manager.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Manager {
	if cfg.FillPollAttempts <= 0 {
		cfg.FillPollAttempts = 6
	}
	if cfg.FillPollInitial <= 0 {
		cfg.FillPollInitial = 500 * time.Millisecond
	}
	if cfg.FillPollMaxWait <= 0 {
		cfg.FillPollMaxWait = 15 * time.Second
	}
	if cfg.RateLimitMaxWait <= 0 {
		cfg.RateLimitMaxWait = 5 * time.Second
	}
	if cfg.ExecutionMode == "" {
		cfg.ExecutionMode = ModeBracket
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		minimums: NewMinimums(deps.Venue, cfg.MinimumsTTL),
		logger:   logger.With().Str("component", "execution").Logger(),
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) lastPrice(ctx context.Context, symbol string) (float64, error) {
	t, err := m.deps.Venue.FetchTicker(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}
	for _, p := range []float64{t.Last, t.Ask, t.Bid} {
		if p > 0 {
			return p, nil
		}
	}
	return 0, fmt.Errorf("invalid price for %s", symbol)
}

func (m *Manager) checkSide(side common.Side) (common.Side, error) {
	if side == "" {
		side = common.SideBuy
	}
	if side != common.SideBuy && side != common.SideSell {
		return "", fmt.Errorf("unknown side %q", side)
	}
	if side == common.SideSell && !m.cfg.ShortingEnabled {
		return "", ErrShortingDisabled
	}
	return side, nil
}

// ExecuteMarketEntry converts a notional to a quantity, places a market
// order and waits for the venue to confirm the fill.
func (m *Manager) ExecuteMarketEntry(ctx context.Context, req EntryRequest) (ExecutionResult, error) {
	side, err := m.checkSide(req.Side)
	if err != nil {
		return ExecutionResult{}, err
	}
	log := m.logger.With().Str("symbol", req.Symbol).Str("side", string(side)).Str("source", req.Source).Logger()

	price, err := m.lastPrice(ctx, req.Symbol)
	if err != nil {
		return ExecutionResult{}, err
	}
	market, err := m.minimums.Get(ctx, req.Symbol)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("load minimums %s: %w", req.Symbol, err)
	}

	qty := req.NotionalUSD / price
	if market.MinAmount > 0 && qty < market.MinAmount {
		log.Warn().Float64("qty", qty).Float64("min", market.MinAmount).Msg("raising quantity to venue minimum")
		qty = market.MinAmount * minBuffer
	}
	if market.MinCost > 0 && qty*price < market.MinCost {
		log.Warn().Float64("qty", qty).Float64("min_cost", market.MinCost).Msg("raising quantity to minimum cost")
		qty = market.MinCost / price * minBuffer
	}
	qty = market.RoundAmount(qty)
	if IsDust(market, qty, price) {
		return ExecutionResult{}, fmt.Errorf("%w: %s qty %.8f @ %.2f (min amount %.8f, min cost %.2f)",
			ErrDustPosition, req.Symbol, qty, price, market.MinAmount, market.MinCost)
	}

	res, err := m.placeMarket(ctx, req.Symbol, side, qty)
	if err != nil {
		return res, err
	}
	log.Info().Str("order_id", res.OrderID).Float64("qty", res.FilledQty).Float64("price", res.FillPrice).Msg("market entry filled")

	m.record(ctx, res, db.KindEntry, req.Source, req.Reason)
	if _, err := m.deps.Positions.AddPosition(positions.NewPosition{
		Symbol:     req.Symbol,
		EntryPrice: res.FillPrice,
		Quantity:   res.FilledQty,
		Volatility: req.Volatility,
		Source:     req.Source,
		Short:      side == common.SideSell,
	}); err != nil {
		log.Error().Err(err).Str("order_id", res.OrderID).Msg("filled entry not tracked")
	}
	return res, nil
}

// ExecuteMarketExit closes a tracked position, or an explicit quantity, at market.
func (m *Manager) ExecuteMarketExit(ctx context.Context, req ExitRequest) (ExecutionResult, error) {
	pos, err := m.deps.Positions.GetPosition(req.Symbol)
	if err != nil {
		return ExecutionResult{}, err
	}
	qty := req.Quantity
	side := common.SideSell
	if pos != nil {
		if pos.Short {
			side = common.SideBuy
		}
		if qty <= 0 {
			qty = pos.Quantity
		}
	}
	if qty <= 0 {
		return ExecutionResult{}, fmt.Errorf("%w for %s", ErrNoPosition, req.Symbol)
	}

	market, err := m.minimums.Get(ctx, req.Symbol)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("load minimums %s: %w", req.Symbol, err)
	}
	qty = market.RoundAmount(qty)
	if qty <= 0 {
		return ExecutionResult{}, fmt.Errorf("%w: %s exit quantity rounds to zero", ErrDustPosition, req.Symbol)
	}

	res, err := m.placeMarket(ctx, req.Symbol, side, qty)
	if err != nil {
		return res, err
	}
	m.logger.Info().Str("symbol", req.Symbol).Str("order_id", res.OrderID).Float64("qty", res.FilledQty).
		Float64("price", res.FillPrice).Str("reason", req.Reason).Msg("market exit filled")

	m.record(ctx, res, db.KindExit, req.Source, req.Reason)
	if _, err := m.deps.Positions.RemovePosition(req.Symbol); err != nil {
		m.logger.Error().Err(err).Str("symbol", req.Symbol).Msg("exited position not removed")
	}
	return res, nil
}

func (m *Manager) placeMarket(ctx context.Context, symbol string, side common.Side, qty float64) (ExecutionResult, error) {
	if m.deps.Gate != nil && !m.deps.Gate.WaitIfNeeded(m.cfg.RateLimitMaxWait) {
		return ExecutionResult{}, ErrRateLimited
	}
	ack, err := m.deps.Venue.PlaceOrder(ctx, common.OrderRequest{
		Symbol: symbol, Side: side, Type: common.OrderTypeMarket, Amount: qty,
	})
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("place market %s %s: %w", side, symbol, err)
	}
	o, err := m.confirmFill(ctx, ack, symbol)
	if err != nil {
		return ExecutionResult{OrderID: ack.ID, Symbol: symbol, Side: side, Route: ModeMarket}, err
	}
	return ExecutionResult{
		OrderID:   ack.ID,
		Symbol:    symbol,
		Side:      side,
		Route:     ModeMarket,
		FilledQty: o.Filled,
		FillPrice: o.AvgPrice(),
		TotalCost: o.Cost,
	}, nil
}

// confirmFill polls the order until filled quantity and cost are both
// non-zero. The immediate ack may report zero even for an executed order.
func (m *Manager) confirmFill(ctx context.Context, ack common.OrderAck, symbol string) (common.Order, error) {
	if ack.Filled > 0 && ack.Cost > 0 {
		return common.Order{ID: ack.ID, Symbol: symbol, Status: ack.Status, Filled: ack.Filled, Average: ack.Average,
			Cost: ack.Cost}, nil
	}

	start := m.now()
	delay := m.cfg.FillPollInitial
	var last common.Order
	var lastErr error
	for attempt := 1; attempt <= m.cfg.FillPollAttempts; attempt++ {
		remaining := m.cfg.FillPollMaxWait - m.now().Sub(start)
		if remaining <= 0 {
			break
		}
		if delay > remaining {
			delay = remaining
		}
		if err := m.sleep(ctx, delay); err != nil {
			return last, err
		}
		o, err := m.deps.Venue.FetchOrder(ctx, ack.ID, symbol)
		if err != nil {
			lastErr = err
			m.logger.Warn().Err(err).Str("order_id", ack.ID).Int("attempt", attempt).Msg("fill poll failed")
		} else {
			last = o
			if o.Filled > 0 && o.Cost > 0 {
				return o, nil
			}
			if o.Status == common.StatusCanceled || o.Status == common.StatusRejected {
				return o, fmt.Errorf("order %s %s without fill", ack.ID, o.Status)
			}
		}
		delay *= 2
	}

	elapsed := m.now().Sub(start)
	m.logger.Error().Str("order_id", ack.ID).Dur("elapsed", elapsed).Str("last_status", string(last.Status)).
		Float64("last_filled", last.Filled).AnErr("last_error", lastErr).Msg("fill not confirmed")
	return last, fmt.Errorf("%w: order %s after %s (last status=%q filled=%v cost=%v)",
		ErrSettlementTimeout, ack.ID, elapsed.Round(time.Millisecond), last.Status, last.Filled, last.Cost)
}

// record writes the local log row and dispatches telemetry. Neither may fail the execution.
func (m *Manager) record(ctx context.Context, res ExecutionResult, kind, source, reason string) {
	if m.deps.Executions != nil {
		if _, err := m.deps.Executions.Insert(ctx, db.ExecutedOrder{
			OrderID: res.OrderID, Kind: kind, Symbol: res.Symbol, Side: string(res.Side),
			Quantity: res.FilledQty, Price: res.FillPrice, Mode: m.cfg.Mode, Source: source, Reason: reason,
		}); err != nil {
			m.logger.Error().Err(err).Str("order_id", res.OrderID).Msg("execution not logged")
		}
	}
	if m.deps.Telemetry != nil {
		m.deps.Telemetry.LogExecution(telemetry.Execution{
			OrderID: res.OrderID, Symbol: res.Symbol, Side: string(res.Side), Kind: kind,
			Qty: res.FilledQty, Price: res.FillPrice, Mode: m.cfg.Mode, Source: source, Reason: reason,
		})
		m.deps.Telemetry.LogTrade(telemetry.Trade{
			OrderID: res.OrderID, Symbol: res.Symbol, Side: string(res.Side), Qty: res.FilledQty,
			Price: res.FillPrice, Notional: res.TotalCost, Source: source,
		})
	}
}

// ExecuteEntryWithMode routes an entry to the market or bracket path.
func (m *Manager) ExecuteEntryWithMode(ctx context.Context, req EntryRequest) (ExecutionResult, error) {
	if m.cfg.ExecutionMode != ModeBracket || m.deps.Brackets == nil {
		return m.ExecuteMarketEntry(ctx, req)
	}
	side, err := m.checkSide(req.Side)
	if err != nil {
		return ExecutionResult{}, err
	}
	price, err := m.lastPrice(ctx, req.Symbol)
	if err != nil {
		return ExecutionResult{}, err
	}

	b, err := m.deps.Brackets.ComputeBracket(ctx, req.Symbol, side, price, req.Volatility, 0)
	if err != nil {
		return ExecutionResult{}, err
	}
	sized := b.WithQuantity(req.NotionalUSD / price)
	ok, reason, adjusted := m.deps.Brackets.ValidatePlaceable(ctx, sized)
	if !ok {
		return ExecutionResult{}, fmt.Errorf("%w: %s", ErrDustPosition, reason)
	}
	if adjusted > 0 {
		m.logger.Warn().Str("symbol", req.Symbol).Str("detail", reason).Msg("bracket quantity adjusted")
		sized = sized.WithQuantity(adjusted)
	}

	placement, err := m.deps.Brackets.PlaceEntryWithBrackets(ctx, sized)
	res := ExecutionResult{
		OrderID:   placement.EntryID,
		Symbol:    req.Symbol,
		Side:      side,
		Route:     ModeBracket,
		FilledQty: placement.FilledQty,
		FillPrice: placement.AvgPrice,
		TotalCost: placement.FilledQty * placement.AvgPrice,
		Placement: &placement,
	}
	if err != nil {
		return res, err
	}
	if placement.FilledQty > 0 {
		m.record(ctx, res, db.KindEntry, req.Source, req.Reason)
		if _, err := m.deps.Positions.AddPosition(positions.NewPosition{
			Symbol:      req.Symbol,
			EntryPrice:  placement.AvgPrice,
			Quantity:    placement.FilledQty,
			Volatility:  req.Volatility,
			StopPrice:   sized.StopPrice,
			TargetPrice: sized.TargetPrice,
			Source:      sourceBracketPrefix + req.Source,
			Short:       side == common.SideSell,
		}); err != nil {
			m.logger.Error().Err(err).Str("entry_id", placement.EntryID).Msg("bracket position not tracked")
		}
	}
	return res, nil
}

// CheckExits evaluates every mental position against the last price and
// exits the triggered ones. Positions protected on the venue are skipped.
// A failure on one symbol does not stop the others.
func (m *Manager) CheckExits(ctx context.Context) ([]ExitSignal, error) {
	all, err := m.deps.Positions.All()
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(all))
	for s := range all {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var signals []ExitSignal
	for _, symbol := range symbols {
		pos := all[symbol]
		if strings.HasPrefix(pos.Source, sourceBracketPrefix) {
			continue
		}
		price, err := m.lastPrice(ctx, symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", symbol).Msg("exit check skipped")
			continue
		}
		trigger := pos.Evaluate(price)
		if trigger == positions.TriggerNone {
			continue
		}
		sig := ExitSignal{Symbol: symbol, Trigger: trigger, Price: price}
		m.logger.Info().Str("symbol", symbol).Str("trigger", string(trigger)).Float64("price", price).Msg("mental bracket triggered")
		res, err := m.ExecuteMarketExit(ctx, ExitRequest{
			Symbol: symbol, Quantity: pos.Quantity, Source: "exit_monitor", Reason: string(trigger),
		})
		if err != nil {
			sig.Error = err.Error()
		} else {
			sig.Result = &res
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

// RunExitMonitor calls CheckExits every interval until ctx is done.
func (m *Manager) RunExitMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CheckExits(ctx); err != nil {
				m.logger.Error().Err(err).Msg("exit check failed")
			}
		}
	}
}
