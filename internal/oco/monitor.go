// Package oco emulates one-cancels-other for brackets whose legs the venue
// does not link: when one protective leg closes, the other is cancelled.
package oco

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// Venue is the venue subset the monitor needs.
type Venue interface {
	FetchOpenOrders(ctx context.Context, symbol string) ([]common.Order, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
}

// Ledger is the pending-order store, satisfied by *db.ChildOrderQueries.
type Ledger interface {
	ListActiveBrackets(ctx context.Context) ([]db.ChildOrder, error)
	SetStatus(ctx context.Context, orderID, status, reason string) error
}

// ExecutionLog records cancellations, satisfied by *db.ExecutionQueries.
type ExecutionLog interface {
	Insert(ctx context.Context, e db.ExecutedOrder) (bool, error)
}

// StopFinder locates stops by parent, satisfied by *stopdiscovery.Finder.
type StopFinder interface {
	FindAllStopOrders(ctx context.Context, entryID, symbol string) ([]common.Order, error)
	EnrichAndStore(ctx context.Context, entryID, symbol string, attempts int) (string, error)
}

// PositionRemover drops the mirrored mental position, satisfied by *positions.Tracker.
type PositionRemover interface {
	RemovePosition(symbol string) (bool, error)
}

// ForensicWriter buffers audit events, satisfied by *persistence.BatchWriter.
type ForensicWriter interface {
	Write(e db.ForensicEvent)
}

// Deps are the monitor's collaborators. Positions, Forensics and Bus may be nil.
type Deps struct {
	Venue      Venue
	Ledger     Ledger
	Executions ExecutionLog
	Stops      StopFinder
	Positions  PositionRemover
	Forensics  ForensicWriter
	Bus        *events.Bus
}

// Summary counts one Check pass.
type Summary struct {
	Checked          int      `json:"checked"`
	StopsCancelled   int      `json:"stops_cancelled"`
	TargetsCancelled int      `json:"targets_cancelled"`
	Completed        int      `json:"completed"`
	AwaitingStopID   int      `json:"awaiting_stop_id"`
	Errors           []string `json:"errors,omitempty"`
}

// Monitor cancels the surviving leg of resolved brackets.
type Monitor struct {
	deps         Deps
	mode         string
	stopAttempts int
	logger       zerolog.Logger
}

// New creates a monitor. stopAttempts bounds stop id enrichment per bracket.
func New(deps Deps, mode string, stopAttempts int, logger zerolog.Logger) *Monitor {
	if stopAttempts <= 0 {
		stopAttempts = 2
	}
	return &Monitor{
		deps:         deps,
		mode:         mode,
		stopAttempts: stopAttempts,
		logger:       logger.With().Str("component", "oco").Str("mode", mode).Logger(),
	}
}

// Check inspects every initialized bracket once. A failure on one bracket
// is recorded in the summary and does not stop the others.
func (m *Monitor) Check(ctx context.Context) (Summary, error) {
	var sum Summary
	brackets, err := m.deps.Ledger.ListActiveBrackets(ctx)
	if err != nil {
		return sum, fmt.Errorf("list active brackets: %w", err)
	}
	if len(brackets) == 0 {
		return sum, nil
	}
	sum.Checked = len(brackets)

	for _, b := range brackets {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := m.checkOne(ctx, b, &sum); err != nil {
			m.logger.Error().Err(err).Str("entry_id", b.OrderID).Str("symbol", b.Symbol).Msg("bracket check failed")
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", b.OrderID, err))
		}
	}
	if sum.StopsCancelled > 0 || sum.TargetsCancelled > 0 {
		m.logger.Info().Int("targets_cancelled", sum.TargetsCancelled).Int("stops_cancelled", sum.StopsCancelled).Msg("oco cancellations")
	}
	return sum, nil
}

func (m *Monitor) checkOne(ctx context.Context, b db.ChildOrder, sum *Summary) error {
	log := m.logger.With().Str("entry_id", b.OrderID).Str("symbol", b.Symbol).Logger()

	stopID := b.StopOrderID
	if stopID == "" {
		id, err := m.deps.Stops.EnrichAndStore(ctx, b.OrderID, b.Symbol, m.stopAttempts)
		if err != nil {
			log.Debug().Err(err).Msg("stop id not yet available, retrying next cycle")
			sum.AwaitingStopID++
			return nil
		}
		stopID = id
	}

	stops, err := m.deps.Stops.FindAllStopOrders(ctx, b.OrderID, b.Symbol)
	if err != nil {
		return err
	}
	open, err := m.deps.Venue.FetchOpenOrders(ctx, b.Symbol)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	openByID := make(map[string]common.Order, len(open))
	for _, o := range open {
		openByID[o.ID] = o
	}

	_, targetOpen := openByID[b.TargetOrderID]
	var openStops []common.Order
	seen := map[string]bool{}
	for _, s := range stops {
		if _, ok := openByID[s.ID]; ok && !seen[s.ID] {
			openStops = append(openStops, s)
			seen[s.ID] = true
		}
	}
	if o, ok := openByID[stopID]; ok && !seen[stopID] {
		openStops = append(openStops, o)
	}

	switch {
	case !targetOpen && len(openStops) > 0:
		reason := "OCO: TP filled: " + b.TargetOrderID
		log.Info().Str("target_id", b.TargetOrderID).Int("stops", len(openStops)).Msg("target filled, cancelling stops")
		var errs []error
		for _, s := range openStops {
			if err := m.cancelLeg(ctx, b, s, db.KindStop, reason); err != nil {
				errs = append(errs, err)
				continue
			}
			sum.StopsCancelled++
		}
		if len(errs) > 0 {
			// Left active so the next cycle cancels the remaining stops.
			return errors.Join(errs...)
		}
		return m.complete(ctx, b, db.ExitTPFilled, sum)

	case targetOpen && len(openStops) == 0:
		reason := "OCO: SL filled: " + stopID
		log.Info().Str("stop_id", stopID).Str("target_id", b.TargetOrderID).Msg("stop filled, cancelling target")
		if err := m.cancelLeg(ctx, b, openByID[b.TargetOrderID], db.KindTarget, reason); err != nil {
			return err
		}
		sum.TargetsCancelled++
		return m.complete(ctx, b, db.ExitSLFilled, sum)

	case !targetOpen && len(openStops) == 0:
		log.Warn().Str("target_id", b.TargetOrderID).Str("stop_id", stopID).Msg("both legs closed")
		return m.complete(ctx, b, db.ExitBothFilled, sum)
	}

	log.Debug().Str("target_id", b.TargetOrderID).Int("stops", len(openStops)).Msg("both legs active")
	return nil
}

// cancelLeg cancels one protective order and records the cancellation.
func (m *Monitor) cancelLeg(ctx context.Context, b db.ChildOrder, o common.Order, legKind, reason string) error {
	if err := m.deps.Venue.CancelOrder(ctx, o.ID, b.Symbol); err != nil && !errors.Is(err, common.ErrOrderNotFound) {
		return fmt.Errorf("cancel %s %s: %w", legKind, o.ID, err)
	}

	if _, err := m.deps.Executions.Insert(ctx, db.ExecutedOrder{
		OrderID:  o.ID,
		Kind:     db.KindCancel,
		Symbol:   b.Symbol,
		Side:     string(o.Side),
		Quantity: o.Remaining,
		Price:    o.StopPrice,
		Mode:     m.mode,
		Source:   "oco_monitor_" + m.mode,
		Reason:   reason,
	}); err != nil {
		m.logger.Error().Err(err).Str("order_id", o.ID).Msg("cancellation not logged")
	}
	if err := m.deps.Ledger.SetStatus(ctx, o.ID, db.StatusComplete, db.ExitOCOCancelled); err != nil && !errors.Is(err, db.ErrNotFound) {
		m.logger.Warn().Err(err).Str("order_id", o.ID).Msg("cancelled leg row not completed")
	}
	if m.deps.Forensics != nil {
		payload, _ := json.Marshal(map[string]string{"entry_id": b.OrderID, "cancelled": o.ID, "leg": legKind})
		m.deps.Forensics.Write(db.ForensicEvent{
			Kind: "oco_cancel", Symbol: b.Symbol, OrderID: o.ID, Reason: reason, Payload: string(payload),
		})
	}
	m.deps.Bus.Publish(events.EventOCOCancelled, events.OCOCancelled{
		EntryID: b.OrderID, CancelledID: o.ID, Symbol: b.Symbol, Reason: reason,
	})
	m.logger.Info().Str("order_id", o.ID).Str("leg", legKind).Str("reason", reason).Msg("leg cancelled")
	return nil
}

// complete closes the bracket and drops the mirrored position. Position
// removal failures are logged only.
func (m *Monitor) complete(ctx context.Context, b db.ChildOrder, exitReason string, sum *Summary) error {
	if err := m.deps.Ledger.SetStatus(ctx, b.OrderID, db.StatusComplete, exitReason); err != nil {
		return fmt.Errorf("complete bracket: %w", err)
	}
	sum.Completed++

	if m.deps.Positions != nil {
		removed, err := m.deps.Positions.RemovePosition(b.Symbol)
		switch {
		case err != nil:
			m.logger.Warn().Err(err).Str("symbol", b.Symbol).Msg("position removal failed")
		case removed:
			m.logger.Info().Str("symbol", b.Symbol).Str("exit", exitReason).Msg("position closed")
			m.deps.Bus.Publish(events.EventPositionChange, events.PositionChange{
				Symbol: b.Symbol, Action: "removed", Source: "oco", Trigger: exitReason,
			})
		}
	}
	return nil
}
