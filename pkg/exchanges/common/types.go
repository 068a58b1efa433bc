package common

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrOrderNotFound is returned when the venue does not know an order id.
var ErrOrderNotFound = errors.New("order not found")

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}

// ParseSide accepts buy/sell in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return SideBuy, nil
	case "sell", "short":
		return SideSell, nil
	}
	return "", errors.New("invalid side: " + s)
}

// OrderType denotes the order types the engine places.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLoss   OrderType = "stop-loss"
	OrderTypeTakeProfit OrderType = "take-profit"
)

// OrderStatus normalizes venue status into a small set.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusClosed   OrderStatus = "closed"
	StatusCanceled OrderStatus = "canceled"
	StatusRejected OrderStatus = "rejected"
	StatusUnknown  OrderStatus = "unknown"
)

// ParseOrderStatus maps raw venue status strings onto OrderStatus.
func ParseOrderStatus(s string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "pending", "new", "partially_filled":
		return StatusOpen
	case "closed", "filled":
		return StatusClosed
	case "canceled", "cancelled", "expired":
		return StatusCanceled
	case "rejected":
		return StatusRejected
	default:
		return StatusUnknown
	}
}

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == StatusClosed || s == StatusCanceled || s == StatusRejected
}

// ConditionalClose is a protective order the venue materializes when the
// parent fills, linked back through Order.ParentID.
type ConditionalClose struct {
	Type  OrderType
	Price float64
}

// OrderRequest captures an order intent to be sent to the venue.
type OrderRequest struct {
	Symbol    string
	Side      Side
	Type      OrderType
	Amount    float64
	Price     float64 // limit price
	StopPrice float64 // trigger price for stop-loss/take-profit
	Close     *ConditionalClose
	ClientID  string
}

// OrderAck is the venue's immediate response to a placement.
type OrderAck struct {
	ID      string
	Status  OrderStatus
	Filled  float64
	Average float64
	Cost    float64
}

// Order is a typed snapshot of a venue order.
type Order struct {
	ID        string
	Symbol    string
	Side      Side
	Type      OrderType
	Status    OrderStatus
	Amount    float64
	Filled    float64
	Remaining float64
	Price     float64
	StopPrice float64
	Average   float64
	Cost      float64
	ParentID  string
	CreatedAt time.Time
}

// FillRatio returns Filled/Amount, 0 when Amount is unknown.
func (o Order) FillRatio() float64 {
	if o.Amount <= 0 {
		return 0
	}
	return o.Filled / o.Amount
}

// AvgPrice prefers the reported average, then cost/filled, then the limit price.
func (o Order) AvgPrice() float64 {
	switch {
	case o.Average > 0:
		return o.Average
	case o.Filled > 0 && o.Cost > 0:
		return o.Cost / o.Filled
	default:
		return o.Price
	}
}

// Fill is a confirmed execution of one order.
type Fill struct {
	OrderID string
	Symbol  string
	Side    Side
	Qty     float64
	Price   float64
	Cost    float64
}

// Trade is one row of account trade history.
type Trade struct {
	ID      string
	OrderID string
	Symbol  string
	Side    Side
	Amount  float64
	Price   float64
	Cost    float64
	Fee     float64
	Time    time.Time
}

// Balance holds per-asset free and total amounts.
type Balance struct {
	Free  map[string]float64
	Total map[string]float64
}

// FreeOf returns the free amount of asset, 0 when absent.
func (b Balance) FreeOf(asset string) float64 {
	if b.Free == nil {
		return 0
	}
	return b.Free[asset]
}

// Ticker is the latest price snapshot.
type Ticker struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
	Time   time.Time
}

// Market carries instrument precision and limits.
type Market struct {
	Symbol         string
	Base           string
	Quote          string
	PriceDecimals  int32
	AmountDecimals int32
	MinAmount      float64
	MinCost        float64
}

// RoundPrice rounds to the instrument's price precision.
func (m Market) RoundPrice(p float64) float64 {
	return decimal.NewFromFloat(p).Round(m.PriceDecimals).InexactFloat64()
}

// RoundAmount truncates to the lot precision so a rounded amount never
// exceeds what is held.
func (m Market) RoundAmount(a float64) float64 {
	return decimal.NewFromFloat(a).Truncate(m.AmountDecimals).InexactFloat64()
}

// SplitSymbol splits "BTC/USD" into base and quote.
func SplitSymbol(symbol string) (base, quote string) {
	if i := strings.IndexByte(symbol, '/'); i > 0 {
		return symbol[:i], symbol[i+1:]
	}
	return symbol, ""
}
