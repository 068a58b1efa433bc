// Package reconciliation converges the local order ledger with the venue:
// it places targets for filled entries, resolves OCO pairs, logs protective
// fills and backfills fills missed while the process was down.
package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"execution-core/internal/bracket"
	"execution-core/internal/events"
	"execution-core/internal/oco"
	"execution-core/internal/stopdiscovery"
	"execution-core/internal/telemetry"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// Venue is the venue subset reconciliation reads.
type Venue interface {
	FetchOrder(ctx context.Context, orderID, symbol string) (common.Order, error)
	FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]common.Trade, error)
}

// Ledger is the pending-order store, satisfied by *db.ChildOrderQueries.
type Ledger interface {
	ListPendingEntries(ctx context.Context) ([]db.ChildOrder, error)
	ListEntriesMissingStop(ctx context.Context) ([]db.ChildOrder, error)
	ListPendingProtective(ctx context.Context) ([]db.ChildOrder, error)
	UpdateFill(ctx context.Context, orderID string, filledQty, avgPrice float64) error
	SetStatus(ctx context.Context, orderID, status, reason string) error
	IncrementStopMisses(ctx context.Context, orderID string) (int, error)
	MarkStopEscalated(ctx context.Context, orderID string) (bool, error)
	IsProtective(ctx context.Context, orderID string) (bool, error)
}

// ExecutionLog is the local fill log, satisfied by *db.ExecutionQueries.
type ExecutionLog interface {
	Insert(ctx context.Context, e db.ExecutedOrder) (bool, error)
	LoggedOrderIDs(ctx context.Context) (map[string]bool, error)
}

// RunStore persists cycle summaries, satisfied by *db.AuditQueries.
type RunStore interface {
	InsertRun(ctx context.Context, r db.ReconciliationRun) error
}

// TargetPlacer places a filled entry's target, satisfied by *bracket.Manager.
type TargetPlacer interface {
	InitializeTarget(ctx context.Context, entry db.ChildOrder, filledQty, avgPrice float64) (string, error)
}

// StopFinder stores discovered stop ids, satisfied by *stopdiscovery.Finder.
type StopFinder interface {
	EnrichAndStore(ctx context.Context, entryID, symbol string, attempts int) (string, error)
}

// OCOChecker resolves bracket pairs, satisfied by *oco.Monitor.
type OCOChecker interface {
	Check(ctx context.Context) (oco.Summary, error)
}

// Telemetry receives fire-and-forget records, satisfied by *telemetry.Dispatcher.
type Telemetry interface {
	LogExecution(e telemetry.Execution)
	LogTrade(t telemetry.Trade)
}

// ForensicWriter buffers audit events, satisfied by *persistence.BatchWriter.
type ForensicWriter interface {
	Write(e db.ForensicEvent)
}

// Observer receives every finished cycle, e.g. for metrics.
type Observer interface {
	ObserveCycle(s *CycleSummary)
}

// Deps are the service's collaborators. Runs, Telemetry, Forensics,
// Observer and Bus may be nil.
type Deps struct {
	Venue      Venue
	Ledger     Ledger
	Executions ExecutionLog
	Runs       RunStore
	Targets    TargetPlacer
	Stops      StopFinder
	OCO        OCOChecker
	Telemetry  Telemetry
	Forensics  ForensicWriter
	Observer   Observer
	Bus        *events.Bus
}

// Config drives the cycle.
type Config struct {
	Mode                string
	Interval            time.Duration
	CatchupEvery        int
	CatchupWindow       time.Duration
	FillThreshold       float64
	StopLookupMaxMisses int
	StopLookupAttempts  int
}

// DefaultConfig runs every minute with a weekly catch-up window every tenth cycle.
func DefaultConfig() Config {
	return Config{
		Mode:                "live",
		Interval:            time.Minute,
		CatchupEvery:        10,
		CatchupWindow:       7 * 24 * time.Hour,
		FillThreshold:       0.99,
		StopLookupMaxMisses: 10,
		StopLookupAttempts:  1,
	}
}

// CycleSummary reports one reconciliation cycle.
type CycleSummary struct {
	ID                string        `json:"id"`
	Cycle             int64         `json:"cycle"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	PendingEntries    int           `json:"pending_entries"`
	EntriesFilled     int           `json:"entries_filled"`
	TargetsPlaced     int           `json:"targets_placed"`
	EntriesCancelled  int           `json:"entries_cancelled"`
	StopIDsFound      int           `json:"stop_ids_found"`
	ProtectivePending int           `json:"protective_pending"`
	ProtectiveFilled  int           `json:"protective_filled"`
	ProtectiveClosed  int           `json:"protective_closed"`
	OCO               oco.Summary   `json:"oco"`
	CatchupRan        bool          `json:"catchup_ran"`
	CatchupLogged     int           `json:"catchup_logged"`
	Escalations       int           `json:"escalations"`
	Errors            []string      `json:"errors,omitempty"`
}

func (s *CycleSummary) fail(format string, args ...any) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// Service runs reconciliation cycles.
type Service struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex // serializes cycles
	cycle int64

	lastMu sync.RWMutex
	last   *CycleSummary
}

// NewService creates a reconciliation service.
func NewService(cfg Config, deps Deps, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CatchupEvery <= 0 {
		cfg.CatchupEvery = def.CatchupEvery
	}
	if cfg.CatchupWindow <= 0 {
		cfg.CatchupWindow = def.CatchupWindow
	}
	if cfg.FillThreshold <= 0 {
		cfg.FillThreshold = def.FillThreshold
	}
	if cfg.StopLookupMaxMisses <= 0 {
		cfg.StopLookupMaxMisses = def.StopLookupMaxMisses
	}
	if cfg.StopLookupAttempts <= 0 {
		cfg.StopLookupAttempts = def.StopLookupAttempts
	}
	return &Service{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "reconciliation").Str("mode", cfg.Mode).Logger(),
		now:    time.Now,
	}
}

// Start runs a cycle every interval until ctx is done.
func (s *Service) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Run(ctx); err != nil {
					s.logger.Error().Err(err).Msg("reconciliation cycle failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info().Dur("interval", s.cfg.Interval).Int("catchup_every", s.cfg.CatchupEvery).Msg("reconciliation service started")
	return done
}

// Last returns the most recent cycle summary, or nil before the first cycle.
func (s *Service) Last() *CycleSummary {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last
}

// Run performs one cycle. Every sweep and every item is isolated; failures
// are collected in the summary. The error is non-nil only when ctx ends.
func (s *Service) Run(ctx context.Context) (*CycleSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cycle++
	sum := &CycleSummary{ID: ulid.Make().String(), Cycle: s.cycle, StartedAt: s.now().UTC()}

	s.sweepPendingEntries(ctx, sum)
	s.sweepMissingStops(ctx, sum)
	if s.deps.OCO != nil {
		res, err := s.deps.OCO.Check(ctx)
		sum.OCO = res
		if err != nil {
			sum.fail("oco: %v", err)
		}
		sum.Errors = append(sum.Errors, res.Errors...)
	}
	s.sweepProtective(ctx, sum)
	if s.cfg.Mode == "live" && (s.cycle-1)%int64(s.cfg.CatchupEvery) == 0 {
		s.sweepHistory(ctx, sum)
	}

	sum.Duration = s.now().Sub(sum.StartedAt)
	s.lastMu.Lock()
	s.last = sum
	s.lastMu.Unlock()
	s.finish(ctx, sum)
	return sum, ctx.Err()
}

func (s *Service) finish(ctx context.Context, sum *CycleSummary) {
	log := s.logger.Info()
	if len(sum.Errors) > 0 {
		log = s.logger.Warn().Strs("errors", sum.Errors)
	}
	log.Int64("cycle", sum.Cycle).Int("pending", sum.PendingEntries).Int("targets_placed", sum.TargetsPlaced).
		Int("protective_filled", sum.ProtectiveFilled).Int("oco_cancelled", sum.OCO.StopsCancelled+sum.OCO.TargetsCancelled).
		Int("catchup_logged", sum.CatchupLogged).Int("escalations", sum.Escalations).Dur("took", sum.Duration).
		Msg("reconciliation cycle complete")

	if s.deps.Runs != nil {
		payload, _ := json.Marshal(sum)
		if err := s.deps.Runs.InsertRun(context.WithoutCancel(ctx), db.ReconciliationRun{
			ID:         sum.ID,
			Cycle:      sum.Cycle,
			StartedAt:  sum.StartedAt,
			DurationMs: sum.Duration.Milliseconds(),
			ErrorCount: len(sum.Errors),
			Summary:    string(payload),
		}); err != nil {
			s.logger.Error().Err(err).Msg("cycle audit not persisted")
		}
	}
	s.deps.Bus.Publish(events.EventReconcileComplete, *sum)
	if s.deps.Observer != nil {
		s.deps.Observer.ObserveCycle(sum)
	}
}

// sweepPendingEntries persists fill progress and places targets for entries
// that crossed the fill threshold or reached a terminal state with fills.
func (s *Service) sweepPendingEntries(ctx context.Context, sum *CycleSummary) {
	entries, err := s.deps.Ledger.ListPendingEntries(ctx)
	if err != nil {
		sum.fail("list pending entries: %v", err)
		return
	}
	sum.PendingEntries = len(entries)

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		o, err := s.deps.Venue.FetchOrder(ctx, e.OrderID, e.Symbol)
		if err != nil {
			sum.fail("entry %s: %v", e.OrderID, err)
			continue
		}
		avg := o.AvgPrice()
		if o.Filled > e.FilledQty {
			if err := s.deps.Ledger.UpdateFill(ctx, e.OrderID, o.Filled, avg); err != nil {
				sum.fail("entry %s: %v", e.OrderID, err)
			}
		}

		done := (o.Status == common.StatusClosed && o.Filled > 0) ||
			o.FillRatio() >= s.cfg.FillThreshold ||
			(o.Status.Terminal() && o.Filled > 0)
		if !done {
			if o.Status.Terminal() {
				if err := s.deps.Ledger.SetStatus(ctx, e.OrderID, db.StatusComplete, db.ExitCanceled); err != nil {
					sum.fail("entry %s: %v", e.OrderID, err)
				}
				sum.EntriesCancelled++
				s.logger.Info().Str("entry_id", e.OrderID).Str("status", string(o.Status)).Msg("entry closed without fill")
			}
			continue
		}
		sum.EntriesFilled++
		// Logged once per entry whatever the target outcome; (order_id, kind) is unique.
		s.logEntryFill(ctx, e, o.Filled, avg)

		targetID, err := s.deps.Targets.InitializeTarget(ctx, e, o.Filled, avg)
		switch {
		case err == nil:
			sum.TargetsPlaced++
			s.logger.Info().Str("entry_id", e.OrderID).Str("target_id", targetID).Float64("filled", o.Filled).Msg("target placed for filled entry")
		case errors.Is(err, bracket.ErrAlreadyInitialized):
		default:
			sum.fail("target for %s: %v", e.OrderID, err)
		}
	}
}

func (s *Service) logEntryFill(ctx context.Context, e db.ChildOrder, qty, price float64) {
	if _, err := s.deps.Executions.Insert(ctx, db.ExecutedOrder{
		OrderID: e.OrderID, Kind: db.KindEntry, Symbol: e.Symbol, Side: e.Side, Quantity: qty, Price: price,
		Mode: s.cfg.Mode, Source: "reconciliation", Reason: "bracket entry filled",
	}); err != nil {
		s.logger.Error().Err(err).Str("entry_id", e.OrderID).Msg("entry fill not logged")
	}
}

// sweepMissingStops retries stop id discovery and escalates entries whose
// stop stays invisible for StopLookupMaxMisses cycles. Escalation is
// reported once; lookups continue.
func (s *Service) sweepMissingStops(ctx context.Context, sum *CycleSummary) {
	if s.deps.Stops == nil {
		return
	}
	entries, err := s.deps.Ledger.ListEntriesMissingStop(ctx)
	if err != nil {
		sum.fail("list entries missing stop: %v", err)
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		_, err := s.deps.Stops.EnrichAndStore(ctx, e.OrderID, e.Symbol, s.cfg.StopLookupAttempts)
		if err == nil {
			sum.StopIDsFound++
			continue
		}
		if !errors.Is(err, stopdiscovery.ErrStopNotFound) {
			sum.fail("stop lookup %s: %v", e.OrderID, err)
			continue
		}
		misses, err := s.deps.Ledger.IncrementStopMisses(ctx, e.OrderID)
		if err != nil {
			sum.fail("stop lookup %s: %v", e.OrderID, err)
			continue
		}
		if misses < s.cfg.StopLookupMaxMisses {
			continue
		}
		first, err := s.deps.Ledger.MarkStopEscalated(ctx, e.OrderID)
		if err != nil {
			sum.fail("escalate %s: %v", e.OrderID, err)
			continue
		}
		if first {
			sum.Escalations++
			s.escalate(e, misses)
		}
	}
}

func (s *Service) escalate(e db.ChildOrder, misses int) {
	reason := fmt.Sprintf("stop order not found after %d reconciliation cycles", misses)
	s.logger.Error().
		Str("alert", "NAKED_POSITION").
		Str("entry_id", e.OrderID).
		Str("symbol", e.Symbol).
		Float64("filled_qty", e.FilledQty).
		Int("misses", misses).
		Msg("stop order missing, manual verification required")
	if s.deps.Forensics != nil {
		payload, _ := json.Marshal(map[string]any{"entry_id": e.OrderID, "misses": misses, "filled_qty": e.FilledQty})
		s.deps.Forensics.Write(db.ForensicEvent{
			Kind: "stop_escalation", Symbol: e.Symbol, OrderID: e.OrderID, Reason: reason, Payload: string(payload),
		})
	}
	s.deps.Bus.Publish(events.EventNakedPosition, events.NakedPosition{
		EntryID: e.OrderID, Symbol: e.Symbol, Qty: e.FilledQty, Reason: reason, Since: e.CreatedAt,
	})
}

// sweepProtective logs terminal fills of pending target and stop rows.
func (s *Service) sweepProtective(ctx context.Context, sum *CycleSummary) {
	rows, err := s.deps.Ledger.ListPendingProtective(ctx)
	if err != nil {
		sum.fail("list protective orders: %v", err)
		return
	}
	sum.ProtectivePending = len(rows)

	for _, r := range rows {
		if ctx.Err() != nil {
			return
		}
		o, err := s.deps.Venue.FetchOrder(ctx, r.OrderID, r.Symbol)
		if err != nil {
			sum.fail("%s %s: %v", r.OrderType, r.OrderID, err)
			continue
		}
		switch {
		case o.Status == common.StatusClosed && o.Remaining == 0:
			price := o.AvgPrice()
			if o.Filled <= 0 || price <= 0 {
				s.logger.Warn().Str("order_id", r.OrderID).Float64("filled", o.Filled).Float64("price", price).
					Msg("closed order missing fill data")
				continue
			}
			s.logProtectiveFill(ctx, r, o.Filled, price)
			if err := s.deps.Ledger.SetStatus(ctx, r.OrderID, db.StatusFilled, ""); err != nil {
				sum.fail("%s %s: %v", r.OrderType, r.OrderID, err)
				continue
			}
			sum.ProtectiveFilled++
		case o.Status == common.StatusCanceled || o.Status == common.StatusRejected:
			if err := s.deps.Ledger.SetStatus(ctx, r.OrderID, db.StatusComplete, db.ExitCanceled); err != nil {
				sum.fail("%s %s: %v", r.OrderType, r.OrderID, err)
				continue
			}
			sum.ProtectiveClosed++
		}
	}
}

func (s *Service) logProtectiveFill(ctx context.Context, r db.ChildOrder, qty, price float64) {
	kind := db.KindTarget
	if r.OrderType == db.OrderTypeStop {
		kind = db.KindStop
	}
	s.logger.Info().Str("order_id", r.OrderID).Str("type", r.OrderType).Str("parent", r.ParentOrderID).
		Float64("qty", qty).Float64("price", price).Msg("protective order filled")
	reason := fmt.Sprintf("%s for parent=%s", r.OrderType, r.ParentOrderID)
	if _, err := s.deps.Executions.Insert(ctx, db.ExecutedOrder{
		OrderID: r.OrderID, Kind: kind, Symbol: r.Symbol, Side: r.Side, Quantity: qty, Price: price,
		Mode: s.cfg.Mode, Source: "reconciliation", Reason: reason,
	}); err != nil {
		s.logger.Error().Err(err).Str("order_id", r.OrderID).Msg("protective fill not logged")
	}
	if s.deps.Telemetry != nil {
		s.deps.Telemetry.LogExecution(telemetry.Execution{
			OrderID: r.OrderID, Symbol: r.Symbol, Side: r.Side, Kind: kind, Qty: qty, Price: price,
			Mode: s.cfg.Mode, Source: "reconciliation", Reason: reason,
		})
		s.deps.Telemetry.LogTrade(telemetry.Trade{
			OrderID: r.OrderID, Symbol: r.Symbol, Side: r.Side, Qty: qty, Price: price, Notional: qty * price, Source: "reconciliation",
		})
	}
	s.deps.Bus.Publish(events.EventProtectiveFilled, events.OrderFilled{
		OrderID: r.OrderID, Symbol: r.Symbol, Side: r.Side, Qty: qty, Price: price, Kind: kind,
	})
}

type tradeAgg struct {
	symbol string
	side   common.Side
	qty    float64
	cost   float64
	last   time.Time
}

// sweepHistory backfills fills the local log does not know about.
func (s *Service) sweepHistory(ctx context.Context, sum *CycleSummary) {
	sum.CatchupRan = true
	since := s.now().Add(-s.cfg.CatchupWindow)
	trades, err := s.deps.Venue.FetchMyTrades(ctx, "", since)
	if err != nil {
		sum.fail("catch-up trades: %v", err)
		return
	}
	logged, err := s.deps.Executions.LoggedOrderIDs(ctx)
	if err != nil {
		sum.fail("catch-up logged ids: %v", err)
		return
	}
	// Entries still tracked are logged by the pending-entry sweep once filled.
	tracked, err := s.deps.Ledger.ListPendingEntries(ctx)
	if err != nil {
		sum.fail("catch-up pending entries: %v", err)
		return
	}
	for _, e := range tracked {
		logged[e.OrderID] = true
	}

	byOrder := make(map[string]*tradeAgg)
	var order []string
	for _, t := range trades {
		if t.OrderID == "" || logged[t.OrderID] {
			continue
		}
		a, ok := byOrder[t.OrderID]
		if !ok {
			a = &tradeAgg{symbol: t.Symbol, side: t.Side}
			byOrder[t.OrderID] = a
			order = append(order, t.OrderID)
		}
		a.qty += t.Amount
		a.cost += t.Cost
		if t.Time.After(a.last) {
			a.last = t.Time
		}
	}

	for _, id := range order {
		a := byOrder[id]
		if a.qty <= 0 {
			continue
		}
		protective, err := s.deps.Ledger.IsProtective(ctx, id)
		if err != nil {
			sum.fail("catch-up %s: %v", id, err)
			continue
		}
		kind := db.KindCatchupEntry
		if protective {
			kind = db.KindCatchupProtective
		}
		wrote, err := s.deps.Executions.Insert(ctx, db.ExecutedOrder{
			OrderID: id, Kind: kind, Symbol: a.symbol, Side: string(a.side), Quantity: a.qty, Price: a.cost / a.qty,
			Mode: s.cfg.Mode, Source: "catchup", Reason: "historical sweep", ExecutedAt: a.last,
		})
		if err != nil {
			sum.fail("catch-up %s: %v", id, err)
			continue
		}
		if wrote {
			sum.CatchupLogged++
			s.logger.Warn().Str("order_id", id).Str("kind", kind).Float64("qty", a.qty).Msg("missed fill backfilled")
		}
	}
}
