package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func entryRow(id string) ChildOrder {
	return ChildOrder{
		OrderID:     id,
		OrderType:   OrderTypeEntry,
		Symbol:      "BTC/USD",
		Side:        "buy",
		Quantity:    0.01,
		Price:       50000,
		StopPrice:   49000,
		TargetPrice: 51500,
		Mode:        "paper",
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, ApplyMigrations(database))

	ok, err := columnExists(database.DB, "pending_child_orders", "stop_lookup_misses")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimBracketInitAtMostOnce(t *testing.T) {
	q := newTestDB(t).ChildOrders()
	ctx := context.Background()
	require.NoError(t, q.Upsert(ctx, entryRow("E1")))

	claimed, err := q.ClaimBracketInit(ctx, "E1", 0.01, 50000, "T1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = q.ClaimBracketInit(ctx, "E1", 0.01, 50000, "T2")
	require.NoError(t, err)
	assert.False(t, claimed, "second claim must not own the transition")

	row, err := q.Get(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, row.Status)
	assert.True(t, row.BracketInitialized)
	assert.Equal(t, "T1", row.TargetOrderID)

	pending, err := q.ListPendingEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestUpsertPreservesLifecycle(t *testing.T) {
	q := newTestDB(t).ChildOrders()
	ctx := context.Background()
	require.NoError(t, q.Upsert(ctx, entryRow("E1")))
	_, err := q.ClaimBracketInit(ctx, "E1", 0.01, 50000, "T1")
	require.NoError(t, err)

	// A repeated registration must not reset status or the bracket flag.
	again := entryRow("E1")
	again.StopPrice = 0
	require.NoError(t, q.Upsert(ctx, again))

	row, err := q.Get(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, row.BracketInitialized)
	assert.Equal(t, StatusFilled, row.Status)
	assert.Equal(t, 49000.0, row.StopPrice)
}

func TestGetMissing(t *testing.T) {
	q := newTestDB(t).ChildOrders()
	_, err := q.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, q.SetStatus(context.Background(), "nope", StatusComplete, ""), ErrNotFound)
}

func TestStopEscalationOnce(t *testing.T) {
	q := newTestDB(t).ChildOrders()
	ctx := context.Background()
	require.NoError(t, q.Upsert(ctx, entryRow("E1")))

	for i := 1; i <= 3; i++ {
		n, err := q.IncrementStopMisses(ctx, "E1")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	first, err := q.MarkStopEscalated(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, first)
	second, err := q.MarkStopEscalated(ctx, "E1")
	require.NoError(t, err)
	assert.False(t, second)

	require.NoError(t, q.SetStopOrderID(ctx, "E1", "S1"))
	row, err := q.Get(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, "S1", row.StopOrderID)
	assert.Equal(t, 0, row.StopLookupMisses)
}

func TestProtectiveListing(t *testing.T) {
	q := newTestDB(t).ChildOrders()
	ctx := context.Background()
	require.NoError(t, q.Upsert(ctx, entryRow("E1")))
	for _, id := range []string{"S1", "S2"} {
		require.NoError(t, q.Upsert(ctx, ChildOrder{OrderID: id, OrderType: OrderTypeStop, ParentOrderID: "E1", Symbol: "BTC/USD", Side: "sell", Quantity: 0.005, Price: 49000, Mode: "paper"}))
	}
	require.NoError(t, q.Upsert(ctx, ChildOrder{OrderID: "T1", OrderType: OrderTypeTarget, ParentOrderID: "E1", Symbol: "BTC/USD", Side: "sell", Quantity: 0.01, Price: 51500, Mode: "paper"}))

	pending, err := q.ListPendingProtective(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	stops, err := q.ListByParent(ctx, "E1", OrderTypeStop)
	require.NoError(t, err)
	assert.Len(t, stops, 2)

	require.NoError(t, q.SetStatus(ctx, "S1", StatusComplete, ExitOCOCancelled))
	pending, err = q.ListPendingProtective(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	isProt, err := q.IsProtective(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, isProt)
	isProt, err = q.IsProtective(ctx, "E1")
	require.NoError(t, err)
	assert.False(t, isProt)
}

func TestExecutedOrdersIgnoreDuplicates(t *testing.T) {
	q := newTestDB(t).Executions()
	ctx := context.Background()
	e := ExecutedOrder{OrderID: "T1", Kind: KindTarget, Symbol: "BTC/USD", Side: "sell", Quantity: 0.01, Price: 51500, Mode: "paper"}

	wrote, err := q.Insert(ctx, e)
	require.NoError(t, err)
	assert.True(t, wrote)
	wrote, err = q.Insert(ctx, e)
	require.NoError(t, err)
	assert.False(t, wrote)

	// Same order id with another kind is a distinct record.
	e.Kind = KindCancel
	wrote, err = q.Insert(ctx, e)
	require.NoError(t, err)
	assert.True(t, wrote)

	n, err := q.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids, err := q.LoggedOrderIDs(ctx)
	require.NoError(t, err)
	assert.True(t, ids["T1"])
}

func TestAuditRecords(t *testing.T) {
	a := newTestDB(t).Audit()
	ctx := context.Background()

	_, err := a.LastRun(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	start := time.Now().Add(-time.Minute)
	require.NoError(t, a.InsertRun(ctx, ReconciliationRun{ID: "01A", Cycle: 1, StartedAt: start, DurationMs: 12, Summary: `{"cycle":1}`}))
	require.NoError(t, a.InsertRun(ctx, ReconciliationRun{ID: "01B", Cycle: 2, StartedAt: start.Add(time.Second), DurationMs: 9, Summary: `{"cycle":2}`}))
	last, err := a.LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last.Cycle)

	require.NoError(t, a.InsertForensicEvents(ctx, []ForensicEvent{
		{ID: "01X", Kind: "oco_cancel", OrderID: "S1", Reason: "OCO: TP filled: T1"},
		{ID: "01Y", Kind: "naked_position", OrderID: "E1"},
	}))
	events, err := a.ForensicEvents(ctx, "oco_cancel", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "OCO: TP filled: T1", events[0].Reason)
}
