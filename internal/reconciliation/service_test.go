package reconciliation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/bracket"
	"execution-core/internal/events"
	"execution-core/internal/oco"
	"execution-core/internal/paper"
	"execution-core/internal/settlement"
	"execution-core/internal/stopdiscovery"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

type memForensics struct {
	mu     sync.Mutex
	events []db.ForensicEvent
}

func (f *memForensics) Write(e db.ForensicEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

type cycleRecorder struct {
	cycles []*CycleSummary
}

func (r *cycleRecorder) ObserveCycle(s *CycleSummary) { r.cycles = append(r.cycles, s) }

type fixture struct {
	svc       *Service
	venue     *paper.Venue
	db        *db.Database
	brackets  *bracket.Manager
	bus       *events.Bus
	forensics *memForensics
	observer  *cycleRecorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	venue := paper.New(paper.Config{
		Balances:    map[string]float64{"USD": 10000},
		Prices:      map[string]float64{"BTC/USD": 50000},
		ManualFills: true,
	}, zerolog.Nop())
	ledger := database.ChildOrders()
	bus := events.NewBus()
	stops := stopdiscovery.New(venue, ledger, "paper", time.Millisecond, zerolog.Nop())

	bcfg := bracket.DefaultConfig()
	bcfg.Mode = "paper"
	brackets := bracket.New(bcfg, bracket.Deps{
		Venue:     venue,
		Protector: settlement.New(venue, nil, settlement.Config{}, zerolog.Nop()),
		Stops:     stops,
		Ledger:    ledger,
		Bus:       bus,
	}, zerolog.Nop())

	f := &fixture{
		venue:     venue,
		db:        database,
		brackets:  brackets,
		bus:       bus,
		forensics: &memForensics{},
		observer:  &cycleRecorder{},
	}
	f.svc = NewService(cfg, Deps{
		Venue:      venue,
		Ledger:     ledger,
		Executions: database.Executions(),
		Runs:       database.Audit(),
		Targets:    brackets,
		Stops:      stops,
		OCO: oco.New(oco.Deps{
			Venue:      venue,
			Ledger:     ledger,
			Executions: database.Executions(),
			Stops:      stops,
			Forensics:  f.forensics,
			Bus:        bus,
		}, "paper", 1, zerolog.Nop()),
		Forensics: f.forensics,
		Observer:  f.observer,
		Bus:       bus,
	}, zerolog.Nop())
	return f
}

func paperConfig() Config {
	cfg := DefaultConfig()
	cfg.Mode = "paper"
	return cfg
}

// placeResting places a 0.01 BTC entry at 50000 that does not fill on ack.
func (f *fixture) placeResting(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	b, err := f.brackets.ComputeBracket(ctx, "BTC/USD", common.SideBuy, 50000, 500, 0)
	require.NoError(t, err)
	res, err := f.brackets.PlaceEntryWithBrackets(ctx, b.WithQuantity(0.01))
	require.NoError(t, err)
	require.Equal(t, bracket.OutcomeProtectionPending, res.Outcome)
	return res.EntryID
}

func (f *fixture) openStops(t *testing.T, entryID string) []common.Order {
	t.Helper()
	open, err := f.venue.FetchOpenOrders(context.Background(), "BTC/USD")
	require.NoError(t, err)
	var out []common.Order
	for _, o := range open {
		if o.ParentID == entryID {
			out = append(out, o)
		}
	}
	return out
}

func (f *fixture) count(t *testing.T, kind string) int {
	t.Helper()
	n, err := f.db.Executions().Count(context.Background(), kind)
	require.NoError(t, err)
	return n
}

func (f *fixture) takeProfits() []common.OrderRequest {
	var out []common.OrderRequest
	for _, r := range f.venue.Placed() {
		if r.Type == common.OrderTypeTakeProfit {
			out = append(out, r)
		}
	}
	return out
}

func TestBracketLifecycle(t *testing.T) {
	f := newFixture(t, paperConfig())
	ctx := context.Background()
	entryID := f.placeResting(t)

	sum, err := f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PendingEntries)
	assert.Equal(t, 0, sum.TargetsPlaced)
	assert.Empty(t, f.takeProfits())

	require.NoError(t, f.venue.Fill(entryID, 0.01, 50000))
	sum, err = f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, sum.Errors)
	assert.Equal(t, 1, sum.EntriesFilled)
	assert.Equal(t, 1, sum.TargetsPlaced)
	assert.Equal(t, 1, sum.StopIDsFound)
	assert.Equal(t, 1, f.count(t, db.KindEntry))

	tps := f.takeProfits()
	require.Len(t, tps, 1)
	assert.Equal(t, 0.01, tps[0].Amount)
	assert.Equal(t, 51500.0, tps[0].StopPrice)
	assert.Equal(t, common.SideSell, tps[0].Side)

	entry, err := f.db.ChildOrders().Get(ctx, entryID)
	require.NoError(t, err)
	assert.True(t, entry.BracketInitialized)
	assert.Equal(t, db.StatusFilled, entry.Status)
	require.NotEmpty(t, entry.StopOrderID)

	// Target fills: the OCO sweep cancels the stop and the protective sweep logs the fill.
	require.NoError(t, f.venue.Fill(entry.TargetOrderID, 0.01, 51500))
	sum, err = f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, sum.Errors)
	assert.Equal(t, 1, sum.OCO.StopsCancelled)
	assert.Equal(t, 1, sum.OCO.Completed)
	assert.Equal(t, 1, sum.ProtectiveFilled)
	assert.Equal(t, []string{entry.StopOrderID}, f.venue.Canceled())
	assert.Equal(t, 1, f.count(t, db.KindTarget))
	assert.Equal(t, 1, f.count(t, db.KindCancel))

	entry, err = f.db.ChildOrders().Get(ctx, entryID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusComplete, entry.Status)
	assert.Equal(t, db.ExitTPFilled, entry.ExitReason)
	target, err := f.db.ChildOrders().Get(ctx, entry.TargetOrderID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFilled, target.Status)

	run, err := f.db.Audit().LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, sum.ID, run.ID)
	assert.Equal(t, int64(3), run.Cycle)
	assert.Len(t, f.observer.cycles, 3)
	assert.Same(t, sum, f.svc.Last())
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t, paperConfig())
	ctx := context.Background()
	entryID := f.placeResting(t)
	require.NoError(t, f.venue.Fill(entryID, 0.01, 50000))

	_, err := f.svc.Run(ctx)
	require.NoError(t, err)

	placed := len(f.venue.Placed())
	canceled := len(f.venue.Canceled())
	logged := f.count(t, db.KindEntry) + f.count(t, db.KindTarget) + f.count(t, db.KindCancel)

	for i := 0; i < 3; i++ {
		sum, err := f.svc.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, sum.TargetsPlaced)
		assert.Equal(t, 0, sum.OCO.StopsCancelled+sum.OCO.TargetsCancelled)
		assert.Equal(t, 0, sum.ProtectiveFilled)
	}
	assert.Len(t, f.venue.Placed(), placed)
	assert.Len(t, f.venue.Canceled(), canceled)
	assert.Equal(t, logged, f.count(t, db.KindEntry)+f.count(t, db.KindTarget)+f.count(t, db.KindCancel))
}

func TestPartialFillsPlaceOneTarget(t *testing.T) {
	f := newFixture(t, paperConfig())
	ctx := context.Background()
	entryID := f.placeResting(t)

	require.NoError(t, f.venue.Fill(entryID, 0.004, 50000))
	sum, err := f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.TargetsPlaced, "below the fill threshold")
	assert.Equal(t, 1, sum.StopIDsFound, "first tranche's stop is recorded")

	entry, err := f.db.ChildOrders().Get(ctx, entryID)
	require.NoError(t, err)
	assert.InDelta(t, 0.004, entry.FilledQty, 1e-12)
	assert.False(t, entry.BracketInitialized)

	require.NoError(t, f.venue.Fill(entryID, 0.006, 50000))
	for i := 0; i < 2; i++ {
		_, err = f.svc.Run(ctx)
		require.NoError(t, err)
	}

	tps := f.takeProfits()
	require.Len(t, tps, 1)
	assert.InDelta(t, 0.01, tps[0].Amount, 1e-12, "target covers every tranche")
	require.Len(t, f.openStops(t, entryID), 2)

	entry, err = f.db.ChildOrders().Get(ctx, entryID)
	require.NoError(t, err)
	require.NoError(t, f.venue.Fill(entry.TargetOrderID, 0.01, 51500))
	sum, err = f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.OCO.StopsCancelled)
	assert.Empty(t, f.openStops(t, entryID))
}

func TestCancelledEntryWithoutFillIsClosed(t *testing.T) {
	f := newFixture(t, paperConfig())
	ctx := context.Background()
	entryID := f.placeResting(t)
	require.NoError(t, f.venue.CancelOrder(ctx, entryID, "BTC/USD"))

	sum, err := f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.EntriesCancelled)
	assert.Empty(t, f.takeProfits())

	entry, err := f.db.ChildOrders().Get(ctx, entryID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusComplete, entry.Status)
	assert.Equal(t, db.ExitCanceled, entry.ExitReason)
}

func TestMissingStopEscalatesOnce(t *testing.T) {
	cfg := paperConfig()
	cfg.StopLookupMaxMisses = 3
	f := newFixture(t, cfg)
	ctx := context.Background()
	naked, _ := f.bus.Subscribe(events.EventNakedPosition, 8)

	entryID := f.placeResting(t)
	require.NoError(t, f.venue.Fill(entryID, 0.01, 50000))
	for _, s := range f.openStops(t, entryID) {
		require.NoError(t, f.venue.CancelOrder(ctx, s.ID, "BTC/USD"))
	}

	var escalations []int
	for i := 0; i < 5; i++ {
		sum, err := f.svc.Run(ctx)
		require.NoError(t, err)
		escalations = append(escalations, sum.Escalations)
		assert.Equal(t, 0, sum.OCO.Completed, "no OCO action without a stop id")
	}
	assert.Equal(t, []int{0, 0, 1, 0, 0}, escalations)

	entry, err := f.db.ChildOrders().Get(ctx, entryID)
	require.NoError(t, err)
	assert.True(t, entry.StopEscalated)
	assert.Equal(t, 5, entry.StopLookupMisses, "lookups continue after escalation")

	require.Len(t, naked, 1)
	ev := (<-naked).(events.NakedPosition)
	assert.Equal(t, entryID, ev.EntryID)
	assert.Contains(t, ev.Reason, "3 reconciliation cycles")

	var found bool
	for _, e := range f.forensics.events {
		if e.Kind == "stop_escalation" && e.OrderID == entryID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCatchupLogsMissedFills(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CatchupEvery = 2
	f := newFixture(t, cfg)
	ctx := context.Background()

	// Fills that happened while the process was down.
	entry, err := f.venue.PlaceOrder(ctx, common.OrderRequest{
		Symbol: "BTC/USD", Side: common.SideBuy, Type: common.OrderTypeLimit, Amount: 0.01, Price: 50000,
	})
	require.NoError(t, err)
	require.NoError(t, f.venue.Fill(entry.ID, 0.004, 50000))
	require.NoError(t, f.venue.Fill(entry.ID, 0.006, 50100))

	stop, err := f.venue.PlaceOrder(ctx, common.OrderRequest{
		Symbol: "BTC/USD", Side: common.SideSell, Type: common.OrderTypeStopLoss, Amount: 0.01, StopPrice: 49000,
	})
	require.NoError(t, err)
	require.NoError(t, f.venue.Fill(stop.ID, 0.01, 49000))
	require.NoError(t, f.db.ChildOrders().Upsert(ctx, db.ChildOrder{
		OrderID: stop.ID, OrderType: db.OrderTypeStop, ParentOrderID: entry.ID, Symbol: "BTC/USD",
		Side: "sell", Quantity: 0.01, StopPrice: 49000, Mode: "live", Status: db.StatusComplete,
	}))

	sum, err := f.svc.Run(ctx)
	require.NoError(t, err)
	assert.True(t, sum.CatchupRan, "first cycle after start sweeps history")
	assert.Equal(t, 2, sum.CatchupLogged)
	assert.Equal(t, 1, f.count(t, db.KindCatchupEntry))
	assert.Equal(t, 1, f.count(t, db.KindCatchupProtective))

	recent, err := f.db.Executions().Recent(ctx, 10)
	require.NoError(t, err)
	for _, e := range recent {
		if e.OrderID == entry.ID {
			assert.InDelta(t, 0.01, e.Quantity, 1e-12, "tranches aggregate per order")
			assert.InDelta(t, 50060, e.Price, 1e-6)
		}
	}

	sum, err = f.svc.Run(ctx)
	require.NoError(t, err)
	assert.False(t, sum.CatchupRan)

	sum, err = f.svc.Run(ctx)
	require.NoError(t, err)
	assert.True(t, sum.CatchupRan)
	assert.Equal(t, 0, sum.CatchupLogged, "already logged fills are skipped")
}

func TestEntryFillLoggedOnceWhileTargetFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CatchupEvery = 1
	f := newFixture(t, cfg)
	ctx := context.Background()
	entryID := f.placeResting(t)

	require.NoError(t, f.venue.Fill(entryID, 0.004, 50000))
	sum, err := f.svc.Run(ctx)
	require.NoError(t, err)
	assert.True(t, sum.CatchupRan)
	assert.Equal(t, 0, sum.CatchupLogged, "tracked entries are left to the entry sweep")

	require.NoError(t, f.venue.Fill(entryID, 0.006, 50000))
	f.venue.FailNext("PlaceOrder", errors.New("EOrder:Invalid price"))
	sum, err = f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.TargetsPlaced)
	assert.Equal(t, 1, f.count(t, db.KindEntry), "fill logged when observed")
	assert.Zero(t, f.count(t, db.KindCatchupEntry))

	sum, err = f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TargetsPlaced)
	_, err = f.svc.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, f.count(t, db.KindEntry))
	assert.Zero(t, f.count(t, db.KindCatchupEntry))
	assert.Len(t, f.takeProfits(), 1)
}

func TestCatchupSkippedInPaperMode(t *testing.T) {
	f := newFixture(t, paperConfig())
	sum, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, sum.CatchupRan)
	assert.Equal(t, 0, f.venue.Calls("FetchMyTrades"))
}

func TestVenueErrorsAreIsolated(t *testing.T) {
	f := newFixture(t, paperConfig())
	ctx := context.Background()
	first := f.placeResting(t)
	second := f.placeResting(t)
	require.NoError(t, f.venue.Fill(second, 0.01, 50000))
	f.venue.FailNext("FetchOrder", common.ErrOrderNotFound)

	sum, err := f.svc.Run(ctx)
	require.NoError(t, err)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], first)
	assert.Equal(t, 1, sum.TargetsPlaced, "the failing entry does not block the next")

	run, err := f.db.Audit().LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.ErrorCount)
}
