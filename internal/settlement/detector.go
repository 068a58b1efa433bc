// Package settlement confirms that fill proceeds are spendable and places
// dependent protective orders with bounded retry.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"execution-core/pkg/exchanges/common"
)

// feeTolerance accepts balances within 1% of the expected amount.
const feeTolerance = 0.99

var (
	// ErrNonRetryable marks a placement failure that retrying cannot fix.
	ErrNonRetryable = errors.New("non-retryable placement error")
	// ErrRetriesExhausted is returned after the last attempt fails.
	ErrRetriesExhausted = errors.New("protective order retries exhausted")
)

// Venue is the subset of common.Venue the detector needs.
type Venue interface {
	FetchBalance(ctx context.Context) (common.Balance, error)
	PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error)
}

// Gate is an order admission control, satisfied by *ratelimit.Limiter.
type Gate interface {
	WaitIfNeeded(maxWait time.Duration) bool
}

// Config tunes polling and retry.
type Config struct {
	PollInterval   time.Duration
	RetryPoll      time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	GateMaxWait    time.Duration
}

// DefaultConfig polls every second and backs off 1,2,4,8,16s over 5 attempts.
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		RetryPoll:      500 * time.Millisecond,
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		GateMaxWait:    5 * time.Second,
	}
}

// ProtectiveOrder is a dependent order plus the fill it protects.
type ProtectiveOrder struct {
	Request   common.OrderRequest
	EntrySide common.Side
	FilledQty float64
	FillPrice float64
}

// RetryResult reports the outcome of PlaceProtectiveOrderWithRetry.
type RetryResult struct {
	OrderID   string
	Attempts  int
	LastError string
}

// Detector polls balances and places protective orders.
type Detector struct {
	venue  Venue
	gate   Gate
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a detector; gate may be nil.
func New(venue Venue, gate Gate, cfg Config, logger zerolog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RetryPoll <= 0 {
		cfg.RetryPoll = def.RetryPoll
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.GateMaxWait <= 0 {
		cfg.GateMaxWait = def.GateMaxWait
	}
	return &Detector{
		venue:  venue,
		gate:   gate,
		cfg:    cfg,
		logger: logger.With().Str("component", "settlement").Logger(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WaitForSettlement polls balances until the fill's proceeds are free. A buy
// waits for the base asset; a sell waits for the quote asset.
func (d *Detector) WaitForSettlement(ctx context.Context, symbol string, side common.Side, filledQty, fillPrice float64, timeout time.Duration) (bool, string) {
	return d.waitForSettlement(ctx, symbol, side, filledQty, fillPrice, timeout, d.cfg.PollInterval)
}

func (d *Detector) waitForSettlement(ctx context.Context, symbol string, side common.Side, filledQty, fillPrice float64, timeout, poll time.Duration) (bool, string) {
	base, quote := common.SplitSymbol(symbol)
	asset, expected := base, filledQty*feeTolerance
	if side == common.SideSell {
		asset, expected = quote, filledQty*fillPrice*feeTolerance
	}

	start := d.now()
	last := -1.0
	var lastErr error
	for {
		bal, err := d.venue.FetchBalance(ctx)
		if err != nil {
			lastErr = err
			d.logger.Warn().Err(err).Str("symbol", symbol).Msg("balance fetch failed while waiting for settlement")
		} else {
			last = bal.FreeOf(asset)
			if last >= expected {
				elapsed := d.now().Sub(start)
				return true, fmt.Sprintf("settled: %s free %.8f >= %.8f after %s", asset, last, expected, elapsed.Round(time.Millisecond))
			}
		}

		elapsed := d.now().Sub(start)
		if elapsed >= timeout {
			observed := "none"
			if last >= 0 {
				observed = fmt.Sprintf("%.8f", last)
			} else if lastErr != nil {
				observed = "error: " + lastErr.Error()
			}
			msg := fmt.Sprintf("settlement timeout after %s: %s free %s, expected >= %.8f", elapsed.Round(time.Millisecond), asset, observed, expected)
			d.logger.Warn().Str("symbol", symbol).Str("asset", asset).Dur("elapsed", elapsed).Msg(msg)
			return false, msg
		}
		wait := poll
		if remaining := timeout - elapsed; wait > remaining {
			wait = remaining
		}
		if err := d.sleep(ctx, wait); err != nil {
			return false, fmt.Sprintf("settlement wait cancelled after %s: %v", d.now().Sub(start).Round(time.Millisecond), err)
		}
	}
}

// PlaceProtectiveOrderWithRetry places a protective order, retrying
// transient failures with exponential backoff. Insufficient-funds failures
// re-poll settlement for the backoff period instead of sleeping blindly.
func (d *Detector) PlaceProtectiveOrderWithRetry(ctx context.Context, p ProtectiveOrder) (RetryResult, error) {
	var res RetryResult
	backoff := d.cfg.InitialBackoff
	log := d.logger.With().Str("symbol", p.Request.Symbol).Str("type", string(p.Request.Type)).Logger()

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		if d.gate != nil && !d.gate.WaitIfNeeded(d.cfg.GateMaxWait) {
			res.LastError = "rate limit: admission wait exhausted"
		} else {
			ack, err := d.venue.PlaceOrder(ctx, p.Request)
			if err == nil {
				res.OrderID = ack.ID
				res.LastError = ""
				log.Info().Str("order_id", ack.ID).Int("attempt", attempt).Msg("protective order placed")
				return res, nil
			}
			res.LastError = err.Error()
			if !IsRetryable(err) {
				log.Error().Err(err).Int("attempt", attempt).Msg("protective order rejected, not retrying")
				return res, fmt.Errorf("%w: %v", ErrNonRetryable, err)
			}
		}

		log.Warn().Str("error", res.LastError).Int("attempt", attempt).Int("max_attempts", d.cfg.MaxAttempts).Dur("backoff", backoff).Msg("protective order attempt failed")
		if attempt == d.cfg.MaxAttempts {
			break
		}
		if isInsufficientFunds(res.LastError) {
			ok, msg := d.waitForSettlement(ctx, p.Request.Symbol, p.EntrySide, p.FilledQty, p.FillPrice, backoff, d.cfg.RetryPoll)
			log.Info().Bool("settled", ok).Str("detail", msg).Msg("re-polled settlement before retry")
		} else if err := d.sleep(ctx, backoff); err != nil {
			return res, err
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		backoff *= 2
	}
	return res, fmt.Errorf("%w after %d attempts: %s", ErrRetriesExhausted, res.Attempts, res.LastError)
}

var retryablePatterns = []string{
	"insufficient funds",
	"timeout",
	"connection",
	"rate limit",
	"service unavailable",
	"internal error",
	"etapi",
	"eapi:",
	"eservice",
}

// IsRetryable classifies a placement error by its venue text.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func isInsufficientFunds(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "insufficient funds")
}
