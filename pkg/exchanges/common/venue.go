package common

import (
	"context"
	"time"
)

// Venue abstracts the trading venue the engine executes against. Errors carry
// the venue's raw error text so callers can classify them.
type Venue interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	FetchOrder(ctx context.Context, orderID, symbol string) (Order, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	FetchBalance(ctx context.Context) (Balance, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error)
	Market(ctx context.Context, symbol string) (Market, error)
}
