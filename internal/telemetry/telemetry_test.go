package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
	"execution-core/pkg/db"
)

type memWriter struct {
	mu     sync.Mutex
	events []db.ForensicEvent
}

func (w *memWriter) Write(e db.ForensicEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
}

type failingSink struct{ calls int }

func (s *failingSink) LogExecution(ctx context.Context, e Execution) error {
	s.calls++
	return errors.New("analytics store down")
}
func (s *failingSink) LogTrade(ctx context.Context, t Trade) error { return nil }

type blockingSink struct{ release chan struct{} }

func (s *blockingSink) LogExecution(ctx context.Context, e Execution) error {
	<-s.release
	return nil
}
func (s *blockingSink) LogTrade(ctx context.Context, t Trade) error { return nil }

func TestDispatcherDeliversToSinks(t *testing.T) {
	w := &memWriter{}
	bus := events.NewBus()
	filled, _ := bus.Subscribe(events.EventOrderFilled, 1)

	d := NewDispatcher(Multi{NewForensicSink(w), NewBusSink(bus)}, 8, zerolog.Nop())
	d.LogExecution(Execution{OrderID: "O1", Symbol: "BTC/USD", Side: "buy", Kind: "entry", Qty: 0.01, Price: 50000})
	d.LogTrade(Trade{OrderID: "O1", Symbol: "BTC/USD", Qty: 0.01, Price: 50000, Notional: 500})
	d.Close()

	require.Len(t, w.events, 2)
	assert.Equal(t, "execution", w.events[0].Kind)
	assert.Contains(t, w.events[0].Payload, `"order_id":"O1"`)
	assert.Equal(t, "trade", w.events[1].Kind)
	assert.Equal(t, "O1", (<-filled).(events.OrderFilled).OrderID)
}

func TestDispatcherSwallowsSinkErrors(t *testing.T) {
	s := &failingSink{}
	d := NewDispatcher(s, 4, zerolog.Nop())
	d.LogExecution(Execution{OrderID: "O1"})
	d.Close()
	assert.Equal(t, 1, s.calls)
	assert.Equal(t, int64(1), d.Failed())

	// Records after Close are dropped, not delivered.
	d.LogExecution(Execution{OrderID: "O2"})
	assert.Equal(t, int64(1), d.Dropped())
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	s := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(s, 1, zerolog.Nop())
	for i := 0; i < 10; i++ {
		d.LogExecution(Execution{OrderID: "O"})
	}
	// At most one in flight plus one queued.
	assert.GreaterOrEqual(t, d.Dropped(), int64(8))
	close(s.release)
	d.Close()
}
