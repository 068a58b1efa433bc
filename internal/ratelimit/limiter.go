// Package ratelimit gates order placement with a minimum inter-order delay
// and a rolling per-window order count. State is process local.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const maxSleep = time.Second

// ErrRateLimited is returned by callers whose admission wait expired.
var ErrRateLimited = errors.New("rate limit: admission wait exhausted")

// Config bounds order admission.
type Config struct {
	MaxOrders int
	Window    time.Duration
	MinDelay  time.Duration
}

// DefaultConfig is 15 orders per minute, 250ms apart.
func DefaultConfig() Config {
	return Config{MaxOrders: 15, Window: time.Minute, MinDelay: 250 * time.Millisecond}
}

// Stats is a snapshot of limiter counters.
type Stats struct {
	OrdersInWindow int           `json:"orders_in_window"`
	MaxOrders      int           `json:"max_orders"`
	Window         time.Duration `json:"window"`
	TotalOrders    int64         `json:"total_orders"`
	Blocks         int64         `json:"blocks"`
	Delays         int64         `json:"delays"`
	LastOrder      time.Time     `json:"last_order"`
}

// Observer receives limiter decisions, e.g. for metrics.
type Observer interface {
	RateLimitBlocked(reason string)
	RateLimitDelayed(wait time.Duration)
}

// Limiter tracks recent orders.
type Limiter struct {
	cfg      Config
	logger   zerolog.Logger
	observer Observer
	now      func() time.Time
	sleep    func(time.Duration)

	mu        sync.Mutex
	orders    []time.Time
	lastOrder time.Time
	total     int64
	blocks    int64
	delays    int64
}

// New creates a limiter; zero config fields take defaults.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.MaxOrders <= 0 {
		cfg.MaxOrders = def.MaxOrders
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	return &Limiter{
		cfg:    cfg,
		logger: logger.With().Str("component", "ratelimit").Logger(),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// SetObserver attaches a decision observer.
func (l *Limiter) SetObserver(o Observer) { l.observer = o }

// CanExecute reports whether an order may be placed now and, if not, why.
func (l *Limiter) CanExecute() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, reason, _ := l.checkLocked(l.now())
	return ok, reason
}

// checkLocked also returns how long until the blocking condition clears.
func (l *Limiter) checkLocked(now time.Time) (bool, string, time.Duration) {
	l.pruneLocked(now)
	if !l.lastOrder.IsZero() {
		if since := now.Sub(l.lastOrder); since < l.cfg.MinDelay {
			wait := l.cfg.MinDelay - since
			return false, fmt.Sprintf("min delay: last order %s ago, need %s", since.Round(time.Millisecond), l.cfg.MinDelay), wait
		}
	}
	if len(l.orders) >= l.cfg.MaxOrders {
		wait := l.orders[0].Add(l.cfg.Window).Sub(now)
		return false, fmt.Sprintf("window full: %d orders in %s", len(l.orders), l.cfg.Window), wait
	}
	return true, "", 0
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.orders) && !l.orders[i].After(cutoff) {
		i++
	}
	l.orders = l.orders[i:]
}

// RecordOrder registers an order placed now without going through
// WaitIfNeeded.
func (l *Limiter) RecordOrder() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	l.recordLocked(now)
}

func (l *Limiter) recordLocked(now time.Time) {
	l.orders = append(l.orders, now)
	l.lastOrder = now
	l.total++
}

// WaitIfNeeded blocks until an order is allowed or maxWait is exhausted.
// It returns false on timeout rather than exceeding the limit. A true
// result has already taken the slot; the caller must not RecordOrder.
func (l *Limiter) WaitIfNeeded(maxWait time.Duration) bool {
	start := l.now()
	delayed := false
	for {
		l.mu.Lock()
		now := l.now()
		ok, reason, wait := l.checkLocked(now)
		if ok {
			l.recordLocked(now)
		}
		l.mu.Unlock()
		if ok {
			if delayed && l.observer != nil {
				l.observer.RateLimitDelayed(l.now().Sub(start))
			}
			return true
		}

		elapsed := l.now().Sub(start)
		if elapsed >= maxWait {
			l.mu.Lock()
			l.blocks++
			l.mu.Unlock()
			l.logger.Warn().Str("reason", reason).Dur("waited", elapsed).Msg("rate limit wait exhausted")
			if l.observer != nil {
				l.observer.RateLimitBlocked(reason)
			}
			return false
		}
		if !delayed {
			delayed = true
			l.mu.Lock()
			l.delays++
			l.mu.Unlock()
			l.logger.Debug().Str("reason", reason).Dur("wait", wait).Msg("rate limit delay")
		}

		sleep := wait + 10*time.Millisecond
		if sleep > maxSleep {
			sleep = maxSleep
		}
		if remaining := maxWait - elapsed; sleep > remaining {
			sleep = remaining
		}
		l.sleep(sleep)
	}
}

// Stats returns current counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return Stats{
		OrdersInWindow: len(l.orders),
		MaxOrders:      l.cfg.MaxOrders,
		Window:         l.cfg.Window,
		TotalOrders:    l.total,
		Blocks:         l.blocks,
		Delays:         l.delays,
		LastOrder:      l.lastOrder,
	}
}

// Reset clears the window and counters.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders = nil
	l.lastOrder = time.Time{}
	l.total, l.blocks, l.delays = 0, 0, 0
}
