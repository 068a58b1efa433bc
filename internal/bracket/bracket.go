// Package bracket sizes protective brackets and places entries with an
// attached stop-loss, then the take-profit once the entry fills.
package bracket

import (
	"context"
	"errors"
	"fmt"
	"math"

	"execution-core/pkg/exchanges/common"
)

// rrTolerance absorbs floating point error in the reward:risk check.
const rrTolerance = 0.01

// ErrInvalidBracket wraps every bracket computation or validation failure.
var ErrInvalidBracket = errors.New("invalid bracket")

// Order is one proposed protected position.
type Order struct {
	Symbol            string      `json:"symbol"`
	Side              common.Side `json:"side"`
	EntryPrice        float64     `json:"entry_price"`
	Quantity          float64     `json:"quantity"`
	StopPrice         float64     `json:"stop_price"`
	TargetPrice       float64     `json:"target_price"`
	RiskAmount        float64     `json:"risk_amount"`
	RewardAmount      float64     `json:"reward_amount"`
	RRRatio           float64     `json:"rr_ratio"`
	StopDistancePct   float64     `json:"stop_distance_pct"`
	TargetDistancePct float64     `json:"target_distance_pct"`
}

// WithQuantity returns a copy with quantity q and recalculated metrics.
func (b Order) WithQuantity(q float64) Order {
	b.Quantity = q
	b.recalculate()
	return b
}

func (b *Order) recalculate() {
	b.RiskAmount, b.RewardAmount, b.RRRatio = 0, 0, 0
	if b.Quantity > 0 {
		b.RiskAmount = math.Abs(b.EntryPrice-b.StopPrice) * b.Quantity
		b.RewardAmount = math.Abs(b.TargetPrice-b.EntryPrice) * b.Quantity
	}
	if b.RiskAmount > 0 {
		b.RRRatio = b.RewardAmount / b.RiskAmount
	}
	if b.EntryPrice > 0 {
		b.StopDistancePct = math.Abs(b.EntryPrice-b.StopPrice) / b.EntryPrice * 100
		b.TargetDistancePct = math.Abs(b.TargetPrice-b.EntryPrice) / b.EntryPrice * 100
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidBracket, fmt.Sprintf(format, args...))
}

// checkDirection enforces stop < entry < target for longs and the mirror for shorts.
func checkDirection(side common.Side, entry, stop, target float64) error {
	switch side {
	case common.SideBuy:
		if stop >= entry {
			return invalid("LONG: stop_price (%v) must be BELOW entry (%v)", stop, entry)
		}
		if target <= entry {
			return invalid("LONG: take_profit (%v) must be ABOVE entry (%v)", target, entry)
		}
	case common.SideSell:
		if stop <= entry {
			return invalid("SHORT: stop_price (%v) must be ABOVE entry (%v)", stop, entry)
		}
		if target >= entry {
			return invalid("SHORT: take_profit (%v) must be BELOW entry (%v)", target, entry)
		}
	default:
		return invalid("unknown side %q", side)
	}
	return nil
}

// ComputeBracket derives stop and target prices from volatility, falling
// back to fixed percentages of entry when volatility is unknown. Prices are
// rounded to the venue's precision. A positive equity sizes the quantity by
// risk per trade; otherwise quantity is left at zero for the caller.
func (m *Manager) ComputeBracket(ctx context.Context, symbol string, side common.Side, entryPrice, volatility, equity float64) (*Order, error) {
	if entryPrice <= 0 {
		return nil, invalid("entry price must be positive, got %v", entryPrice)
	}

	var stopDist, targetDist float64
	if volatility > 0 {
		stopDist = m.cfg.ATRMultStop * volatility
		targetDist = m.cfg.ATRMultTP * volatility
	} else {
		stopDist = entryPrice * m.cfg.FallbackStopPct
		targetDist = entryPrice * m.cfg.FallbackTPPct
		m.logger.Warn().Str("symbol", symbol).Float64("stop_pct", m.cfg.FallbackStopPct).
			Float64("tp_pct", m.cfg.FallbackTPPct).Msg("no volatility, using fallback bracket distances")
	}

	var stop, target float64
	switch side {
	case common.SideBuy:
		stop, target = entryPrice-stopDist, entryPrice+targetDist
	case common.SideSell:
		stop, target = entryPrice+stopDist, entryPrice-targetDist
	default:
		return nil, invalid("unknown side %q", side)
	}
	if stop <= 0 || target <= 0 {
		return nil, invalid("non-positive bracket price: stop=%v target=%v", stop, target)
	}

	market, err := m.venue.Market(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", symbol, err)
	}
	stop = market.RoundPrice(stop)
	target = market.RoundPrice(target)
	if stop <= 0 || target <= 0 {
		return nil, invalid("rounding produced non-positive price: stop=%v target=%v", stop, target)
	}
	if err := checkDirection(side, entryPrice, stop, target); err != nil {
		return nil, err
	}

	b := &Order{
		Symbol:      symbol,
		Side:        side,
		EntryPrice:  entryPrice,
		StopPrice:   stop,
		TargetPrice: target,
	}
	if equity > 0 {
		b.Quantity = equity * (m.cfg.RiskPerTradePct / 100) / math.Abs(entryPrice-stop)
	}
	b.recalculate()

	m.logger.Debug().Str("symbol", symbol).Str("side", string(side)).Float64("entry", entryPrice).
		Float64("stop", stop).Float64("target", target).Float64("qty", b.Quantity).Msg("bracket computed")
	return b, nil
}

// Validate checks quantity, prices, direction and the minimum reward:risk.
func (m *Manager) Validate(b Order) error {
	if b.Quantity <= 0 {
		return invalid("invalid quantity: %v", b.Quantity)
	}
	if b.EntryPrice <= 0 || b.StopPrice <= 0 || b.TargetPrice <= 0 {
		return invalid("all prices must be positive")
	}
	if err := checkDirection(b.Side, b.EntryPrice, b.StopPrice, b.TargetPrice); err != nil {
		return err
	}
	if b.RRRatio < m.cfg.MinRR-rrTolerance {
		return invalid("R:R %.2f below minimum %.2f", b.RRRatio, m.cfg.MinRR)
	}
	return nil
}

// minimumBalance describes the binding venue minimum for symbol at price,
// with a 10% buffer.
func minimumBalance(market common.Market, price float64) (float64, string) {
	if market.MinAmount <= 0 && market.MinCost <= 0 {
		return 0, fmt.Sprintf("No minimum found for %s", market.Symbol)
	}
	if price <= 0 {
		return 0, fmt.Sprintf("Cannot fetch price for %s", market.Symbol)
	}
	fromAmt := market.MinAmount * price
	var bal float64
	var binding string
	if market.MinCost > fromAmt {
		bal = market.MinCost
		binding = fmt.Sprintf("min cost $%.2f requires %.6f %s", market.MinCost, market.MinCost/price, market.Base)
	} else {
		bal = fromAmt
		binding = fmt.Sprintf("min amount %.6f %s", market.MinAmount, market.Base)
	}
	bal *= 1.10
	return bal, fmt.Sprintf("%s minimum: %s = $%.2f (current price: $%.2f)", market.Symbol, binding, bal, price)
}

// ValidatePlaceable checks the bracket against venue minimums. When the
// quantity is too small and adjustment is allowed, adjustedQty carries the
// bumped quantity (5% above the minimum); otherwise it is zero.
func (m *Manager) ValidatePlaceable(ctx context.Context, b Order) (ok bool, reason string, adjustedQty float64) {
	if err := m.Validate(b); err != nil {
		return false, fmt.Sprintf("Bracket validation failed: %v", err), 0
	}
	market, err := m.venue.Market(ctx, b.Symbol)
	if err != nil {
		return false, fmt.Sprintf("Exchange validation error: %v", err), 0
	}

	qty := b.Quantity
	cost := qty * b.EntryPrice
	_, desc := minimumBalance(market, b.EntryPrice)

	belowAmount := market.MinAmount > 0 && qty < market.MinAmount
	belowCost := market.MinCost > 0 && cost < market.MinCost
	if !belowAmount && !belowCost {
		return true, "OK", 0
	}
	if !m.cfg.AllowQtyAdjust {
		if belowAmount {
			return false, fmt.Sprintf("INSUFFICIENT_FUNDS: Qty %.6f below minimum %.6f. Required: %s", qty, market.MinAmount, desc), 0
		}
		return false, fmt.Sprintf("INSUFFICIENT_FUNDS: Cost $%.2f below minimum $%.2f. Required: %s", cost, market.MinCost, desc), 0
	}

	// The bumped quantity must clear both minimums.
	adj := market.MinAmount * 1.05
	if market.MinCost > 0 && b.EntryPrice > 0 {
		if byCost := market.MinCost * 1.05 / b.EntryPrice; byCost > adj {
			adj = byCost
		}
	}
	if belowAmount {
		return true, fmt.Sprintf("Adjusted qty from %.6f to %.6f (cost: $%.2f). %s", qty, adj, adj*b.EntryPrice, desc), adj
	}
	return true, fmt.Sprintf("Adjusted qty from %.6f to %.6f for min cost ($%.2f). %s", qty, adj, adj*b.EntryPrice, desc), adj
}
