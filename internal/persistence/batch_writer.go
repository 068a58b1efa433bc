// Package persistence batches forensic audit writes off the order path.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"execution-core/pkg/db"
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 500 * time.Millisecond
	flushTimeout         = 5 * time.Second
)

// Flusher stores a batch of forensic events atomically.
type Flusher interface {
	InsertForensicEvents(ctx context.Context, events []db.ForensicEvent) error
}

// BatchStats counts what the writer has handed to the ledger.
type BatchStats struct {
	Stored      uint64    `json:"stored"`
	Batches     uint64    `json:"batches"`
	Failures    uint64    `json:"failures"`
	Discarded   uint64    `json:"discarded"`
	LastBatch   int       `json:"last_batch"`
	LastFlushed time.Time `json:"last_flushed"`
}

// BatchWriter queues forensic events and writes them in one transaction
// per batch. A failed batch goes back to the front of the queue until the
// queue holds more than retainLimit events; past that the oldest are dropped.
type BatchWriter struct {
	store       Flusher
	log         zerolog.Logger
	batchSize   int
	retainLimit int

	mu      sync.Mutex
	pending []db.ForensicEvent
	stats   BatchStats

	flushMu sync.Mutex // one writer transaction at a time
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewBatchWriter starts the flush loop. A full batch flushes right away;
// anything smaller waits for the next interval tick.
func NewBatchWriter(store Flusher, batchSize int, interval time.Duration, logger zerolog.Logger) *BatchWriter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	w := &BatchWriter{
		store:       store,
		log:         logger.With().Str("component", "forensics").Logger(),
		batchSize:   batchSize,
		retainLimit: batchSize * 20,
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go w.loop(interval)
	return w
}

// Write enqueues e, filling in a ULID and the time when they are unset.
// A full batch is written before Write returns.
func (w *BatchWriter) Write(e db.ForensicEvent) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	w.mu.Lock()
	w.pending = append(w.pending, e)
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		_ = w.Flush()
	}
}

// Flush writes everything queued so far.
func (w *BatchWriter) Flush() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	err := w.store.InsertForensicEvents(ctx, batch)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.stats.Failures++
		w.requeueLocked(batch)
		w.log.Error().Err(err).Int("events", len(batch)).Int("queued", len(w.pending)).Msg("forensic batch write failed")
		return err
	}
	w.stats.Stored += uint64(len(batch))
	w.stats.Batches++
	w.stats.LastBatch = len(batch)
	w.stats.LastFlushed = time.Now().UTC()
	w.log.Debug().Int("events", len(batch)).Msg("forensic batch stored")
	return nil
}

// requeueLocked puts a failed batch ahead of events written since.
func (w *BatchWriter) requeueLocked(batch []db.ForensicEvent) {
	merged := append(batch, w.pending...)
	if over := len(merged) - w.retainLimit; over > 0 {
		w.stats.Discarded += uint64(over)
		merged = merged[over:]
	}
	w.pending = merged
}

func (w *BatchWriter) loop(interval time.Duration) {
	defer close(w.stopped)
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			_ = w.Flush()
		case <-w.quit:
			return
		}
	}
}

// Pending reports how many events wait for the next flush.
func (w *BatchWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Stats returns a snapshot of the counters.
func (w *BatchWriter) Stats() BatchStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close stops the loop and writes whatever is still queued.
// Calling it again only repeats the final flush.
func (w *BatchWriter) Close() error {
	w.once.Do(func() { close(w.quit) })
	<-w.stopped
	return w.Flush()
}
