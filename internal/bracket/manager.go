package bracket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/internal/ratelimit"
	"execution-core/internal/settlement"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// Placement outcomes. They are never collapsed: the operator response differs.
const (
	OutcomeProtected         = "protected"
	OutcomeProtectionPending = "protection_pending"
	OutcomeEntryFailed       = "entry_failed"
)

// ErrAlreadyInitialized means another caller placed the entry's target first.
var ErrAlreadyInitialized = errors.New("bracket already initialized")

// Config tunes sizing and placement.
type Config struct {
	RiskPerTradePct float64
	MinRR           float64
	ATRMultStop     float64
	ATRMultTP       float64
	MaxSlippageBps  float64
	FallbackStopPct float64
	FallbackTPPct   float64
	AllowQtyAdjust  bool

	Mode               string
	FillThreshold      float64
	GateMaxWait        time.Duration
	StopLookupAttempts int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RiskPerTradePct:    0.25,
		MinRR:              1.0,
		ATRMultStop:        2.0,
		ATRMultTP:          3.0,
		MaxSlippageBps:     10,
		FallbackStopPct:    0.02,
		FallbackTPPct:      0.03,
		Mode:               "live",
		FillThreshold:      0.99,
		GateMaxWait:        5 * time.Second,
		StopLookupAttempts: 2,
	}
}

// Gate is order admission control, satisfied by *ratelimit.Limiter.
type Gate interface {
	WaitIfNeeded(maxWait time.Duration) bool
}

// Protector places dependent orders with retry, satisfied by *settlement.Detector.
type Protector interface {
	PlaceProtectiveOrderWithRetry(ctx context.Context, p settlement.ProtectiveOrder) (settlement.RetryResult, error)
}

// StopFinder discovers materialized stops, satisfied by *stopdiscovery.Finder.
type StopFinder interface {
	EnrichAndStore(ctx context.Context, entryID, symbol string, attempts int) (string, error)
}

// Ledger is the pending-order store, satisfied by *db.ChildOrderQueries.
type Ledger interface {
	Upsert(ctx context.Context, c db.ChildOrder) error
	Get(ctx context.Context, orderID string) (*db.ChildOrder, error)
	ClaimBracketInit(ctx context.Context, orderID string, filledQty, avgPrice float64, targetID string) (bool, error)
}

// Deps are the manager's collaborators. Stops and Bus may be nil.
type Deps struct {
	Venue     common.Venue
	Gate      Gate
	Protector Protector
	Stops     StopFinder
	Ledger    Ledger
	Bus       *events.Bus
}

// PlacementResult reports what PlaceEntryWithBrackets achieved.
type PlacementResult struct {
	Outcome   string  `json:"outcome"`
	EntryID   string  `json:"entry_id,omitempty"`
	TargetID  string  `json:"target_id,omitempty"`
	StopID    string  `json:"stop_id,omitempty"`
	Quantity  float64 `json:"quantity"`
	FilledQty float64 `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
	Message   string  `json:"message"`
}

// Manager computes and places brackets.
type Manager struct {
	cfg       Config
	venue     common.Venue
	gate      Gate
	protector Protector
	stops     StopFinder
	ledger    Ledger
	bus       *events.Bus
	logger    zerolog.Logger
}

// New creates a bracket manager.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Manager {
	if cfg.FillThreshold <= 0 {
		cfg.FillThreshold = 0.99
	}
	if cfg.GateMaxWait <= 0 {
		cfg.GateMaxWait = 5 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		venue:     deps.Venue,
		gate:      deps.Gate,
		protector: deps.Protector,
		stops:     deps.Stops,
		ledger:    deps.Ledger,
		bus:       deps.Bus,
		logger:    logger.With().Str("component", "bracket").Logger(),
	}
}

func failed(format string, args ...any) PlacementResult {
	return PlacementResult{Outcome: OutcomeEntryFailed, Message: fmt.Sprintf(format, args...)}
}

// limitPrice is an aggressive marketable limit bounded by the slippage budget.
func (m *Manager) limitPrice(market common.Market, side common.Side, entry float64) float64 {
	slip := m.cfg.MaxSlippageBps / 10000
	if side == common.SideBuy {
		return market.RoundPrice(entry * (1 + slip))
	}
	return market.RoundPrice(entry * (1 - slip))
}

// PlaceEntryWithBrackets submits the entry with its stop attached as a
// conditional close and records it as pending its target. When the entry
// fills immediately the target is placed in the same call. The error is
// non-nil only for OutcomeEntryFailed.
func (m *Manager) PlaceEntryWithBrackets(ctx context.Context, b Order) (PlacementResult, error) {
	log := m.logger.With().Str("symbol", b.Symbol).Str("side", string(b.Side)).Logger()

	if err := m.Validate(b); err != nil {
		return failed("Pre-flight validation failed: %v", err), err
	}
	market, err := m.venue.Market(ctx, b.Symbol)
	if err != nil {
		return failed("Precision error: %v", err), fmt.Errorf("load market %s: %w", b.Symbol, err)
	}
	qty := market.RoundAmount(b.Quantity)
	if qty <= 0 {
		err := fmt.Errorf("%w: precision rounding produced zero quantity", ErrInvalidBracket)
		return failed("%v", err), err
	}
	stop := market.RoundPrice(b.StopPrice)
	target := market.RoundPrice(b.TargetPrice)

	if m.gate != nil && !m.gate.WaitIfNeeded(m.cfg.GateMaxWait) {
		return failed("%v", ratelimit.ErrRateLimited), ratelimit.ErrRateLimited
	}
	req := common.OrderRequest{
		Symbol:   b.Symbol,
		Side:     b.Side,
		Type:     common.OrderTypeLimit,
		Amount:   qty,
		Price:    m.limitPrice(market, b.Side, b.EntryPrice),
		Close:    &common.ConditionalClose{Type: common.OrderTypeStopLoss, Price: stop},
		ClientID: uuid.NewString(),
	}
	ack, err := m.venue.PlaceOrder(ctx, req)
	if err != nil {
		log.Error().Err(err).Float64("qty", qty).Msg("entry rejected")
		return failed("Entry order failed: %v", err), fmt.Errorf("place entry: %w", err)
	}
	log.Info().Str("entry_id", ack.ID).Float64("qty", qty).Float64("limit", req.Price).
		Float64("stop", stop).Float64("target", target).Msg("entry placed with attached stop")
	m.bus.Publish(events.EventOrderPlaced, events.OrderPlaced{
		OrderID: ack.ID, Symbol: b.Symbol, Side: string(b.Side), Kind: db.KindEntry, Qty: qty, Price: req.Price,
	})

	res := PlacementResult{Outcome: OutcomeProtectionPending, EntryID: ack.ID, Quantity: qty}
	entry := db.ChildOrder{
		OrderID:     ack.ID,
		OrderType:   db.OrderTypeEntry,
		Symbol:      b.Symbol,
		Side:        string(b.Side),
		Quantity:    qty,
		Price:       b.EntryPrice,
		StopPrice:   stop,
		TargetPrice: target,
		Mode:        m.cfg.Mode,
		Status:      db.StatusPending,
	}
	if err := m.ledger.Upsert(context.WithoutCancel(ctx), entry); err != nil {
		// The entry is live but untracked.
		res.Message = fmt.Sprintf("entry %s placed but not recorded: %v", ack.ID, err)
		m.warnNaked(entry, qty, res.Message)
		return res, nil
	}

	res.FilledQty, res.AvgPrice = ack.Filled, ack.Average
	if res.FilledQty < qty*m.cfg.FillThreshold {
		if o, err := m.venue.FetchOrder(ctx, ack.ID, b.Symbol); err == nil {
			res.FilledQty, res.AvgPrice = o.Filled, o.AvgPrice()
		} else {
			log.Warn().Err(err).Str("entry_id", ack.ID).Msg("entry status fetch failed")
		}
	}
	if res.AvgPrice <= 0 {
		res.AvgPrice = b.EntryPrice
	}

	if res.FilledQty < qty*m.cfg.FillThreshold {
		if res.FilledQty > 0 {
			log.Warn().Str("entry_id", ack.ID).Float64("filled", res.FilledQty).Float64("qty", qty).
				Msg("entry partially filled, target deferred to reconciliation")
		}
		res.Message = fmt.Sprintf("entry %s resting (filled %.8f of %.8f), target pending", ack.ID, res.FilledQty, qty)
		return res, nil
	}

	targetID, err := m.InitializeTarget(ctx, entry, res.FilledQty, res.AvgPrice)
	switch {
	case err == nil:
		res.Outcome = OutcomeProtected
		res.TargetID = targetID
		res.Message = "OK"
	case errors.Is(err, ErrAlreadyInitialized):
		res.Outcome = OutcomeProtected
		res.TargetID = targetID
		res.Message = "target placed by a concurrent initializer"
	default:
		res.Message = fmt.Sprintf("entry %s filled but target placement failed: %v", ack.ID, err)
		return res, nil
	}

	if m.stops != nil {
		stopID, err := m.stops.EnrichAndStore(ctx, ack.ID, b.Symbol, m.cfg.StopLookupAttempts)
		if err != nil {
			log.Warn().Err(err).Str("entry_id", ack.ID).Msg("stop id not yet visible, reconciliation will retry")
		}
		res.StopID = stopID
	}
	return res, nil
}

// InitializeTarget places the take-profit for a filled entry and claims the
// entry's one-time bracket transition. When the transition was already
// claimed the freshly placed target is cancelled and ErrAlreadyInitialized
// is returned with the existing target id.
func (m *Manager) InitializeTarget(ctx context.Context, entry db.ChildOrder, filledQty, avgPrice float64) (string, error) {
	log := m.logger.With().Str("entry_id", entry.OrderID).Str("symbol", entry.Symbol).Logger()

	if entry.TargetPrice <= 0 {
		err := fmt.Errorf("%w: entry %s has no target price", ErrInvalidBracket, entry.OrderID)
		m.warnNaked(entry, filledQty, err.Error())
		return "", err
	}
	side, err := common.ParseSide(entry.Side)
	if err != nil {
		return "", err
	}
	market, err := m.venue.Market(ctx, entry.Symbol)
	if err != nil {
		return "", fmt.Errorf("load market %s: %w", entry.Symbol, err)
	}
	qty := market.RoundAmount(filledQty)
	if qty <= 0 {
		return "", fmt.Errorf("%w: filled quantity %v rounds to zero", ErrInvalidBracket, filledQty)
	}
	target := market.RoundPrice(entry.TargetPrice)

	res, err := m.protector.PlaceProtectiveOrderWithRetry(ctx, settlement.ProtectiveOrder{
		Request: common.OrderRequest{
			Symbol:    entry.Symbol,
			Side:      side.Opposite(),
			Type:      common.OrderTypeTakeProfit,
			Amount:    qty,
			Price:     target,
			StopPrice: target,
		},
		EntrySide: side,
		FilledQty: qty,
		FillPrice: avgPrice,
	})
	if err != nil {
		m.warnNaked(entry, qty, fmt.Sprintf("target placement failed after %d attempts: %v", res.Attempts, err))
		return "", fmt.Errorf("place target for %s: %w", entry.OrderID, err)
	}

	// The target is live from here on. Shutdown must not interrupt the claim
	// or the cleanup cancel, or the next sweep places a second target.
	ctx = context.WithoutCancel(ctx)
	claimed, err := m.ledger.ClaimBracketInit(ctx, entry.OrderID, filledQty, avgPrice, res.OrderID)
	if err != nil {
		log.Error().Err(err).Str("target_id", res.OrderID).Msg("target placed but claim failed, cancelling")
		if cerr := m.venue.CancelOrder(ctx, res.OrderID, entry.Symbol); cerr != nil {
			log.Error().Err(cerr).Str("target_id", res.OrderID).Msg("cancel of unclaimed target failed")
		}
		return "", err
	}
	if !claimed {
		log.Warn().Str("target_id", res.OrderID).Msg("bracket already initialized, cancelling duplicate target")
		if cerr := m.venue.CancelOrder(ctx, res.OrderID, entry.Symbol); cerr != nil {
			log.Error().Err(cerr).Str("target_id", res.OrderID).Msg("cancel of duplicate target failed")
		}
		existing := ""
		if row, gerr := m.ledger.Get(ctx, entry.OrderID); gerr == nil {
			existing = row.TargetOrderID
		}
		return existing, ErrAlreadyInitialized
	}

	if err := m.ledger.Upsert(ctx, db.ChildOrder{
		OrderID:       res.OrderID,
		OrderType:     db.OrderTypeTarget,
		ParentOrderID: entry.OrderID,
		Symbol:        entry.Symbol,
		Side:          string(side.Opposite()),
		Quantity:      qty,
		Price:         target,
		TargetPrice:   target,
		Mode:          entry.Mode,
		Status:        db.StatusPending,
	}); err != nil {
		log.Error().Err(err).Str("target_id", res.OrderID).Msg("target row not recorded")
	}

	log.Info().Str("target_id", res.OrderID).Float64("qty", qty).Float64("target", target).
		Int("attempts", res.Attempts).Msg("bracket protected")
	m.bus.Publish(events.EventBracketProtected, events.BracketProtected{
		EntryID: entry.OrderID, TargetID: res.OrderID, StopID: entry.StopOrderID, Symbol: entry.Symbol, Qty: qty,
	})
	return res.OrderID, nil
}

// warnNaked emits the structured naked-position warning and alert event.
func (m *Manager) warnNaked(entry db.ChildOrder, qty float64, reason string) {
	m.logger.Error().
		Str("alert", "NAKED_POSITION").
		Str("entry_id", entry.OrderID).
		Str("symbol", entry.Symbol).
		Str("side", entry.Side).
		Float64("qty", qty).
		Str("reason", reason).
		Msg("position without take-profit, manual action may be required")
	m.bus.Publish(events.EventNakedPosition, events.NakedPosition{
		EntryID: entry.OrderID, Symbol: entry.Symbol, Qty: qty, Reason: reason, Since: time.Now().UTC(),
	})
}
