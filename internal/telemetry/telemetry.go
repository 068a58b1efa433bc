// Package telemetry delivers execution records to the forensic log and other
// collaborators. Delivery is fire-and-forget; a failed delivery never affects
// an order that is already live.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/pkg/db"
)

// Execution is one confirmed execution.
type Execution struct {
	OrderID string    `json:"order_id"`
	Symbol  string    `json:"symbol"`
	Side    string    `json:"side"`
	Kind    string    `json:"kind"`
	Qty     float64   `json:"qty"`
	Price   float64   `json:"price"`
	Mode    string    `json:"mode"`
	Source  string    `json:"source"`
	Reason  string    `json:"reason,omitempty"`
	Time    time.Time `json:"time"`
}

// Trade is the analytics view of an execution.
type Trade struct {
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Qty      float64   `json:"qty"`
	Price    float64   `json:"price"`
	Notional float64   `json:"notional"`
	Source   string    `json:"source"`
	Time     time.Time `json:"time"`
}

// Sink receives execution telemetry.
type Sink interface {
	LogExecution(ctx context.Context, e Execution) error
	LogTrade(ctx context.Context, t Trade) error
}

// ForensicWriter buffers forensic events, satisfied by *persistence.BatchWriter.
type ForensicWriter interface {
	Write(e db.ForensicEvent)
}

// ForensicSink records executions and trades as forensic events.
type ForensicSink struct {
	w ForensicWriter
}

// NewForensicSink wraps a forensic writer.
func NewForensicSink(w ForensicWriter) *ForensicSink { return &ForensicSink{w: w} }

func (s *ForensicSink) LogExecution(ctx context.Context, e Execution) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.w.Write(db.ForensicEvent{Kind: "execution", Symbol: e.Symbol, OrderID: e.OrderID, Reason: e.Reason, Payload: string(payload)})
	return nil
}

func (s *ForensicSink) LogTrade(ctx context.Context, t Trade) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	s.w.Write(db.ForensicEvent{Kind: "trade", Symbol: t.Symbol, OrderID: t.OrderID, Payload: string(payload)})
	return nil
}

// BusSink republishes executions on the event bus.
type BusSink struct {
	bus *events.Bus
}

// NewBusSink wraps a bus.
func NewBusSink(bus *events.Bus) *BusSink { return &BusSink{bus: bus} }

func (s *BusSink) LogExecution(ctx context.Context, e Execution) error {
	s.bus.Publish(events.EventOrderFilled, events.OrderFilled{
		OrderID: e.OrderID, Symbol: e.Symbol, Side: e.Side, Qty: e.Qty, Price: e.Price, Kind: e.Kind,
	})
	return nil
}

func (s *BusSink) LogTrade(ctx context.Context, t Trade) error { return nil }

// Multi fans out to several sinks, joining their errors.
type Multi []Sink

func (m Multi) LogExecution(ctx context.Context, e Execution) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.LogExecution(ctx, e))
	}
	return errors.Join(errs...)
}

func (m Multi) LogTrade(ctx context.Context, t Trade) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.LogTrade(ctx, t))
	}
	return errors.Join(errs...)
}

type job struct {
	exec  *Execution
	trade *Trade
}

// Dispatcher delivers to a Sink from a bounded queue on its own goroutine.
// When the queue is full new records are dropped and counted.
type Dispatcher struct {
	sink    Sink
	logger  zerolog.Logger
	queue   chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewDispatcher starts a dispatcher with the given queue size.
func NewDispatcher(sink Sink, size int, logger zerolog.Logger) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	d := &Dispatcher{
		sink:   sink,
		logger: logger.With().Str("component", "telemetry").Logger(),
		queue:  make(chan job, size),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for j := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		switch {
		case j.exec != nil:
			err = d.sink.LogExecution(ctx, *j.exec)
		case j.trade != nil:
			err = d.sink.LogTrade(ctx, *j.trade)
		}
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.logger.Warn().Err(err).Msg("telemetry delivery failed")
		}
	}
}

// LogExecution enqueues an execution without blocking.
func (d *Dispatcher) LogExecution(e Execution) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	d.enqueue(job{exec: &e})
}

// LogTrade enqueues a trade without blocking.
func (d *Dispatcher) LogTrade(t Trade) {
	if t.Time.IsZero() {
		t.Time = time.Now().UTC()
	}
	d.enqueue(job{trade: &t})
}

func (d *Dispatcher) enqueue(j job) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- j:
	default:
		d.dropped.Add(1)
		d.logger.Warn().Msg("telemetry queue full, record dropped")
	}
}

// Dropped returns the number of records dropped on a full queue.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed returns the number of sink errors.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// Close drains the queue and stops the worker.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
