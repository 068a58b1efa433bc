// Package stopdiscovery finds the stop-loss orders a venue materializes from
// an entry's conditional close. Partial fills yield one stop per tranche.
package stopdiscovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// ErrStopNotFound means no open stop is linked to the entry yet.
var ErrStopNotFound = errors.New("stop order not found")

// OpenOrderLister is the venue subset used for discovery.
type OpenOrderLister interface {
	FetchOpenOrders(ctx context.Context, symbol string) ([]common.Order, error)
}

// Store persists discovered stop ids.
type Store interface {
	SetStopOrderID(ctx context.Context, orderID, stopID string) error
	Upsert(ctx context.Context, c db.ChildOrder) error
}

// Finder locates stop orders by parent id.
type Finder struct {
	venue      OpenOrderLister
	store      Store
	mode       string
	retryDelay time.Duration
	logger     zerolog.Logger
	sleep      func(time.Duration)
}

// New creates a finder. mode is recorded on stored stop rows.
func New(venue OpenOrderLister, store Store, mode string, retryDelay time.Duration, logger zerolog.Logger) *Finder {
	return &Finder{
		venue:      venue,
		store:      store,
		mode:       mode,
		retryDelay: retryDelay,
		logger:     logger.With().Str("component", "stopdiscovery").Logger(),
		sleep:      time.Sleep,
	}
}

// FindAllStopOrders returns every open stop-loss whose parent is entryID,
// oldest first.
func (f *Finder) FindAllStopOrders(ctx context.Context, entryID, symbol string) ([]common.Order, error) {
	open, err := f.venue.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}
	var stops []common.Order
	for _, o := range open {
		if o.ParentID == entryID && o.Type == common.OrderTypeStopLoss {
			stops = append(stops, o)
		}
	}
	sort.SliceStable(stops, func(i, j int) bool { return stops[i].CreatedAt.Before(stops[j].CreatedAt) })
	return stops, nil
}

// FindStopOrderID returns the first stop linked to entryID.
func (f *Finder) FindStopOrderID(ctx context.Context, entryID, symbol string) (string, error) {
	stops, err := f.FindAllStopOrders(ctx, entryID, symbol)
	if err != nil {
		return "", err
	}
	if len(stops) == 0 {
		return "", ErrStopNotFound
	}
	if len(stops) > 1 {
		f.logger.Info().Str("entry_id", entryID).Int("count", len(stops)).Msg("multiple stops found for entry (partial fills)")
	}
	return stops[0].ID, nil
}

// EnrichAndStore looks the stop up (retrying up to attempts times), stores
// the first id on the entry row and upserts a stop row for each one found.
func (f *Finder) EnrichAndStore(ctx context.Context, entryID, symbol string, attempts int) (string, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var (
		stops   []common.Order
		lastErr error
	)
	for i := 0; i < attempts; i++ {
		if i > 0 && f.retryDelay > 0 {
			f.sleep(f.retryDelay)
		}
		stops, lastErr = f.FindAllStopOrders(ctx, entryID, symbol)
		if lastErr == nil && len(stops) > 0 {
			break
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	if len(stops) == 0 {
		return "", ErrStopNotFound
	}

	for _, s := range stops {
		err := f.store.Upsert(ctx, db.ChildOrder{
			OrderID:       s.ID,
			OrderType:     db.OrderTypeStop,
			ParentOrderID: entryID,
			Symbol:        symbol,
			Side:          string(s.Side),
			Quantity:      s.Amount,
			Price:         s.StopPrice,
			StopPrice:     s.StopPrice,
			Mode:          f.mode,
		})
		if err != nil {
			return "", err
		}
	}
	if err := f.store.SetStopOrderID(ctx, entryID, stops[0].ID); err != nil {
		return "", err
	}
	f.logger.Info().Str("entry_id", entryID).Str("stop_id", stops[0].ID).Int("stops", len(stops)).Msg("stop order id stored")
	return stops[0].ID, nil
}
